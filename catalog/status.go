package catalog

import (
	"fmt"
	"sync"
)

type State string

const (
	StateIdle            State = "Idle"
	StateLoadingMetadata State = "Loading Metadata"
	StateThrottling      State = "Throttling"
)

const recentLogCapacity = 10

// SyncStatus is the process-wide view of ingestion progress. The Runner is
// its only writer.
type SyncStatus struct {
	mu                  sync.RWMutex
	state               State
	counts              Counts
	logs                []string
	initialSyncComplete bool
}

func NewSyncStatus() *SyncStatus {
	s := &SyncStatus{state: StateIdle}
	setStateMetric(StateIdle)
	return s
}

// StatusSnapshot is a copy of SyncStatus safe to hand to readers.
type StatusSnapshot struct {
	State               State    `json:"state"`
	CategoryCount       int      `json:"categoryCount"`
	ProductCount        int      `json:"productCount"`
	DetectoidCount      int      `json:"-"`
	UpdateCount         int      `json:"updateCount"`
	RecentLogMessages   []string `json:"recentLogMessages"`
	InitialSyncComplete bool     `json:"initialSyncComplete"`
}

func (s *SyncStatus) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := make([]string, len(s.logs))
	copy(logs, s.logs)
	return StatusSnapshot{
		State:               s.state,
		CategoryCount:       s.counts.Categories,
		ProductCount:        s.counts.Products,
		DetectoidCount:      s.counts.Detectoids,
		UpdateCount:         s.counts.Updates,
		RecentLogMessages:   logs,
		InitialSyncComplete: s.initialSyncComplete,
	}
}

func (s *SyncStatus) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *SyncStatus) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	setStateMetric(st)
}

func (s *SyncStatus) SetCounts(c Counts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = c
}

// Added increments the counter of the given record kind.
func (s *SyncStatus) Added(kind recordKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case kindCategory:
		s.counts.Categories++
	case kindProduct:
		s.counts.Products++
	case kindDetectoid:
		s.counts.Detectoids++
	case kindUpdate:
		s.counts.Updates++
	}
}

// Logf records a message, dropping the oldest once the buffer is full.
// Messages are kept newest first.
func (s *SyncStatus) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.logs) < recentLogCapacity {
		s.logs = append(s.logs, "")
	}
	copy(s.logs[1:], s.logs[:len(s.logs)-1])
	s.logs[0] = msg
}

// LastLog returns the newest message, or "" when none was recorded.
func (s *SyncStatus) LastLog() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.logs) == 0 {
		return ""
	}
	return s.logs[0]
}

func (s *SyncStatus) InitialSyncComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialSyncComplete
}

func (s *SyncStatus) MarkInitialSyncComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialSyncComplete = true
}
