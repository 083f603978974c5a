package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resourcesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trapper_ingest_resources_processed_total",
		Help: "Resources created from uploaded archives.",
	})

	resourcesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trapper_ingest_resources_failed_total",
		Help: "Declared resources that could not be created.",
	})

	packagesExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trapper_data_packages_exported_total",
		Help: "Media data packages written to user areas.",
	})
)
