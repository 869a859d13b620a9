// Package metrics holds the Prometheus counters of a backup run. A run is a
// short-lived process, so the registry is written once at the end in the
// node-exporter textfile format instead of being scraped.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coldkeeper"

type Metrics struct {
	reg *prometheus.Registry

	FilesScanned   prometheus.Counter
	FilesHashed    prometheus.Counter
	FilesUploaded  prometheus.Counter
	BytesUploaded  prometheus.Counter
	UploadRetries  prometheus.Counter
	InventoryPolls prometheus.Counter
	LastSuccess    prometheus.Gauge
}

// New registers a fresh set of collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		FilesScanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_scanned_total",
			Help:      "Regular non-empty files seen under the backup root.",
		}),
		FilesHashed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_hashed_total",
			Help:      "Files whose tree hash was computed during the scan.",
		}),
		FilesUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_uploaded_total",
			Help:      "Files archived successfully.",
		}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes of acknowledged parts.",
		}),
		UploadRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_retries_total",
			Help:      "Failed initiate, part and finalization calls that were retried.",
		}),
		InventoryPolls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_polls_total",
			Help:      "Inventory job status queries.",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that finished without error.",
		}),
	}
}

// WriteTextfile writes every metric to path, replacing it atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
