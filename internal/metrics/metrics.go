// Package metrics records organizer counters in a private Prometheus
// registry and exports them in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"filesense/internal/model"
)

const namespace = "filesense"

// Recorder implements organizer.Metrics.
type Recorder struct {
	registry *prometheus.Registry

	filesScanned    prometheus.Counter
	cacheLookups    *prometheus.CounterVec
	batches         *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
	operations      *prometheus.CounterVec
	rollbacks       prometheus.Counter
	rollbackUndone  prometheus.Counter
	rollbackFailed  prometheus.Counter
	lastCommandTime prometheus.Gauge
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		filesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "files_total",
			Help:      "Files found by scans.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Classification cache lookups by result.",
		}, []string{"result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "batches_total",
			Help:      "Classification batches by final status.",
		}, []string{"status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "batch_duration_seconds",
			Help:      "Classification batch duration in seconds, retries included.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Finished ledger operations by type and status.",
		}, []string{"type", "status"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rollbacks_total",
			Help:      "Session rollbacks.",
		}),
		rollbackUndone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rollback_undone_total",
			Help:      "Operations reversed by rollbacks.",
		}),
		rollbackFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rollback_failed_total",
			Help:      "Operations rollbacks could not reverse.",
		}),
		lastCommandTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_command_timestamp_seconds",
			Help:      "Unix time the last command finished.",
		}),
	}

	registry.MustRegister(
		r.filesScanned, r.cacheLookups, r.batches, r.batchDuration,
		r.operations, r.rollbacks, r.rollbackUndone, r.rollbackFailed, r.lastCommandTime,
	)
	return r
}

// Registry exposes the private registry, mostly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) FilesScanned(n int) {
	if n > 0 {
		r.filesScanned.Add(float64(n))
	}
}

func (r *Recorder) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Recorder) BatchFinished(status string, d time.Duration) {
	r.batches.WithLabelValues(status).Inc()
	r.batchDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (r *Recorder) OperationFinished(opType model.OperationType, status model.OperationStatus) {
	r.operations.WithLabelValues(string(opType), string(status)).Inc()
}

func (r *Recorder) RollbackFinished(undone, failed int) {
	r.rollbacks.Inc()
	r.rollbackUndone.Add(float64(undone))
	r.rollbackFailed.Add(float64(failed))
}

// WriteTextfile stamps the command time and writes every metric to path
// atomically, creating the parent directory if needed.
func (r *Recorder) WriteTextfile(path string, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	r.lastCommandTime.Set(float64(now.Unix()))
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
