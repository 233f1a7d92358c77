package catalog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type recordKind string

const (
	kindCategory  recordKind = "category"
	kindProduct   recordKind = "product"
	kindDetectoid recordKind = "detectoid"
	kindUpdate    recordKind = "update"
)

var (
	// refreshTotal counts refreshes by result
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "update_catalog_refresh_total",
		Help: "Metadata refreshes by result",
	}, []string{"result"})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "update_catalog_refresh_duration_seconds",
		Help:    "Duration of completed metadata refreshes",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s to ~4.5h
	})

	throttleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "update_catalog_throttle_total",
		Help: "Times a refresh paused to stay under the upstream quota",
	})

	recordsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "update_catalog_records_persisted_total",
		Help: "Records written to the store by kind",
	}, []string{"kind"})

	bundlesResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "update_catalog_bundles_resolved_total",
		Help: "Bundled updates whose child files were copied onto the parent",
	})

	phaseStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "update_catalog_phase_stops_total",
		Help: "Phases ended early by a package of an unexpected kind",
	}, []string{"phase"})

	// syncState is 1 for the current state and 0 otherwise
	syncState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "update_catalog_sync_state",
		Help: "Current ingestion state",
	}, []string{"state"})
)

func setStateMetric(current State) {
	for _, st := range []State{StateIdle, StateLoadingMetadata, StateThrottling} {
		v := 0.0
		if st == current {
			v = 1
		}
		syncState.WithLabelValues(string(st)).Set(v)
	}
}
