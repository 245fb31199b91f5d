package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IMFAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imfdata_api_calls_total",
			Help: "Total IMF SDMX-JSON API calls",
		},
		[]string{"endpoint", "status"},
	)

	IMFAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imfdata_api_latency_seconds",
			Help:    "IMF API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	ObservationsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imfdata_observations_fetched_total",
			Help: "Total observations parsed from compact data responses",
		},
		[]string{"database"},
	)

	CatalogCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imfdata_catalog_cache_lookups_total",
			Help: "Parameter catalog lookups by cache tier",
		},
		[]string{"tier"},
	)

	UnknownCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imfdata_decode_unknown_codes_total",
			Help: "Codes with no description in the parameter catalog",
		},
		[]string{"dimension"},
	)

	RowsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imfdata_rows_dropped_total",
			Help: "Rows removed by the drop-missing step",
		},
		[]string{"column"},
	)
)

// WriteTextfile writes the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
