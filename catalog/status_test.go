package catalog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncStatus_RecentLogsNewestFirstAndBounded(t *testing.T) {
	s := NewSyncStatus()
	require.Equal(t, "", s.LastLog())

	for i := 1; i <= 12; i++ {
		s.Logf("message %d", i)
	}
	snap := s.Snapshot()
	require.Len(t, snap.RecentLogMessages, 10)
	require.Equal(t, "message 12", snap.RecentLogMessages[0])
	require.Equal(t, "message 3", snap.RecentLogMessages[9])
	require.Equal(t, "message 12", s.LastLog())

	// snapshots are copies
	snap.RecentLogMessages[0] = "changed"
	require.Equal(t, "message 12", s.Snapshot().RecentLogMessages[0])
}

func TestSyncStatus_Counters(t *testing.T) {
	s := NewSyncStatus()
	require.Equal(t, StateIdle, s.State())

	s.SetCounts(Counts{Categories: 3, Updates: 10})
	s.Added(kindCategory)
	s.Added(kindProduct)
	s.Added(kindDetectoid)
	s.Added(kindUpdate)
	s.SetState(StateThrottling)

	snap := s.Snapshot()
	require.Equal(t, StateThrottling, snap.State)
	require.Equal(t, 4, snap.CategoryCount)
	require.Equal(t, 1, snap.ProductCount)
	require.Equal(t, 1, snap.DetectoidCount)
	require.Equal(t, 11, snap.UpdateCount)
	require.False(t, snap.InitialSyncComplete)

	s.MarkInitialSyncComplete()
	require.True(t, s.InitialSyncComplete())
}

func TestSyncStatus_FewerThanCapacity(t *testing.T) {
	s := NewSyncStatus()
	for i := 0; i < 3; i++ {
		s.Logf("%s", fmt.Sprint(i))
	}
	require.Equal(t, []string{"2", "1", "0"}, s.Snapshot().RecentLogMessages)
}
