// Package metrics provides Prometheus metrics for clientsync operations.
//
// The launcher is a short-lived process, so metrics are not served over
// HTTP; they are written in the node exporter textfile format after each
// command instead.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ZebulonRouseFrantzich/clientsync/internal/payload"
)

// Operation labels.
const (
	OpCheckUpdate = "check_update"
	OpInstall     = "install"
	OpVerify      = "verify"
	OpRepair      = "repair"
	OpLaunch      = "launch"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	downloadBytes     prometheus.Counter
	integrityFiles    *prometheus.GaugeVec
	installedInfo     *prometheus.GaugeVec
}

// New creates a registry with every clientsync collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clientsync_operations_total",
				Help: "Total number of operations by outcome",
			},
			[]string{"operation", "result"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clientsync_operation_duration_seconds",
				Help:    "Operation duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"operation"},
		),
		downloadBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clientsync_download_bytes_total",
				Help: "Total bytes of payload archives downloaded",
			},
		),
		integrityFiles: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clientsync_integrity_files",
				Help: "Files found by the last integrity check, by state",
			},
			[]string{"state"},
		),
		installedInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clientsync_installed_info",
				Help: "Installed payload version and status (always 1)",
			},
			[]string{"version", "status"},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOperation records one operation and its outcome.
func (m *Metrics) RecordOperation(op string, duration time.Duration, err error) {
	m.operationsTotal.WithLabelValues(op, Result(err)).Inc()
	m.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// AddDownloadBytes counts downloaded archive bytes.
func (m *Metrics) AddDownloadBytes(n int64) {
	if n > 0 {
		m.downloadBytes.Add(float64(n))
	}
}

// SetIntegrity publishes the counts of the last integrity check.
func (m *Metrics) SetIntegrity(r payload.IntegrityResult) {
	m.integrityFiles.WithLabelValues("corrupted").Set(float64(len(r.Corrupted)))
	m.integrityFiles.WithLabelValues("missing").Set(float64(len(r.Missing)))
}

// SetInstalled publishes the installed version and status.
func (m *Metrics) SetInstalled(version string, status payload.Status) {
	m.installedInfo.Reset()
	m.installedInfo.WithLabelValues(version, status.String()).Set(1)
}

// WriteTextfile atomically writes every metric to path.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Result maps an operation error onto the "result" label.
func Result(err error) string {
	if err == nil {
		return "success"
	}
	if kind, ok := payload.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}
