package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "update_catalog_upstream_requests_total",
		Help: "SOAP requests issued to the upstream server by operation and result",
	}, []string{"operation", "result"})

	upstreamPackagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "update_catalog_upstream_packages_fetched_total",
		Help: "Metadata records decoded from GetUpdateData replies",
	})
)
