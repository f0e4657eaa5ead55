// Package metrics exposes the Data Hub's Prometheus instrumentation:
// package-level vars registered through promauto, plus small Record* helpers
// that give the rest of the module a narrow surface instead of reaching into
// prometheus directly. Grounded on the log pipeline's internal/metrics
// package, trimmed from its log-shipping vocabulary (entries processed,
// sink latency, Loki-specific counters) to the Data Hub's own: tree size,
// push outcomes, snapshot passes, and backup file activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesTotal tracks live Entry count in the resource tree, by variant
	// ("input", "output", "observation", "placeholder").
	EntriesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datahub_entries_total",
		Help: "Current number of resource tree entries by resource variant.",
	}, []string{"variant"})

	// PushesTotal counts push() calls by outcome ("accepted", "dropped_type",
	// "dropped_units", "dropped_filter", "dropped_rate_limit").
	PushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datahub_pushes_total",
		Help: "Total pushes into the routing engine by outcome.",
	}, []string{"outcome"})

	// PushHandlerDuration times push handler invocation, per path.
	PushHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datahub_push_handler_duration_seconds",
		Help:    "Time spent running push handlers for an accepted sample.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	// SnapshotPassesTotal counts finished snapshot runs, by end reason
	// ("ok", "out_of_range", or the failing Status's name such as "fault").
	SnapshotPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datahub_snapshot_passes_total",
		Help: "Total snapshot engine passes by termination reason.",
	}, []string{"reason"})

	// SnapshotDuration times a full snapshot walk from start_tree to
	// end_tree/close.
	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "datahub_snapshot_duration_seconds",
		Help:    "Wall-clock duration of a full snapshot walk.",
		Buckets: prometheus.DefBuckets,
	})

	// BackupFilesTotal tracks per-Observation disk backup file count.
	BackupFilesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datahub_backup_files_total",
		Help: "Current number of disk backup files held for an Observation.",
	}, []string{"path"})

	// BackupWriteFailuresTotal counts Observation backup writes that had to
	// be retried through the backup retry queue.
	BackupWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datahub_backup_write_failures_total",
		Help: "Total Observation backup writes that failed and were queued for retry.",
	})

	// DiskUsageBytes reports disk usage for a monitored directory, labeled
	// by path and a coarse device identifier. Used by pkg/cleanup when
	// pruning the Observation backup directory.
	DiskUsageBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datahub_disk_usage_bytes",
		Help: "Disk usage in bytes for a monitored backup directory.",
	}, []string{"path", "device"})

	// Deduplication* mirror pkg/deduplication's own counters so its cache
	// activity is visible next to the rest of the Data Hub's metrics.
	DeduplicationCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datahub_deduplication_cache_evictions_total",
		Help: "Total entries evicted from the changeBy duplicate-detection cache.",
	})
	DeduplicationCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datahub_deduplication_cache_size",
		Help: "Current number of entries in the changeBy duplicate-detection cache.",
	})
	DeduplicationCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datahub_deduplication_cache_hit_rate",
		Help: "Fraction of changeBy lookups served from cache.",
	})
	DeduplicationDuplicateRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datahub_deduplication_duplicate_rate",
		Help: "Fraction of changeBy lookups identified as duplicates.",
	})
)

// RecordPush records a push outcome.
func RecordPush(outcome string) {
	PushesTotal.WithLabelValues(outcome).Inc()
}

// RecordPushHandlerDuration records how long push handlers took for path.
func RecordPushHandlerDuration(path string, d time.Duration) {
	PushHandlerDuration.WithLabelValues(path).Observe(d.Seconds())
}

// RecordSnapshotPass records one snapshot engine termination.
func RecordSnapshotPass(reason string, d time.Duration) {
	SnapshotPassesTotal.WithLabelValues(reason).Inc()
	SnapshotDuration.Observe(d.Seconds())
}

// SetEntries sets the live entry gauge for variant.
func SetEntries(variant string, count int) {
	EntriesTotal.WithLabelValues(variant).Set(float64(count))
}

// SetBackupFiles sets the backup file gauge for an Observation's path.
func SetBackupFiles(path string, count int) {
	BackupFilesTotal.WithLabelValues(path).Set(float64(count))
}

// RecordBackupWriteFailure increments the backup retry counter.
func RecordBackupWriteFailure() {
	BackupWriteFailuresTotal.Inc()
}
