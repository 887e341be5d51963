// Package metrics provides Prometheus metrics for the storage engine
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics exported by an Environment and its
// gRPC admin surface.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Database operation metrics (Insert/Erase/Find/Scan)
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec
	DbSizeBytes         prometheus.Gauge
	DbRecordsTotal      prometheus.Gauge

	// Pager / B+tree metrics
	PageAllocationsTotal    prometheus.Counter
	PageFreesTotal          prometheus.Counter
	PageCacheHitsTotal      prometheus.Counter
	PageCacheMissesTotal    prometheus.Counter
	PageCacheEvictionsTotal prometheus.Counter
	FreelistPagesTotal      prometheus.Gauge
	BtreeSplitsTotal        prometheus.Counter
	BtreeMergesTotal        prometheus.Counter

	// Journal metrics
	JournalAppendsTotal prometheus.Counter
	JournalFsyncsTotal  prometheus.Counter

	// Blob manager metrics
	BlobAllocationsTotal prometheus.Counter
	BlobBytesWritten     prometheus.Counter

	// Transaction metrics
	TxnCommitsTotal   prometheus.Counter
	TxnAbortsTotal    prometheus.Counter
	TxnConflictsTotal prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ups_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ups_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ups_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.DbOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ups_db_operations_total",
			Help: "Total number of database operations (insert/erase/find/scan)",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ups_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.DbSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ups_db_size_bytes",
			Help: "Current environment file size in bytes",
		},
	)

	m.DbRecordsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ups_db_records_total",
			Help: "Total number of records across all open databases",
		},
	)

	m.PageAllocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_page_allocations_total",
			Help: "Total number of physical pages allocated",
		},
	)

	m.PageFreesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_page_frees_total",
			Help: "Total number of pages returned to the free list",
		},
	)

	m.PageCacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_page_cache_hits_total",
			Help: "Total number of page reads served from the pager's staged-page cache",
		},
	)

	m.PageCacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_page_cache_misses_total",
			Help: "Total number of page reads that went to the device",
		},
	)

	m.PageCacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_page_cache_evictions_total",
			Help: "Total number of pages purged from the page cache",
		},
	)

	m.BtreeSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_btree_smo_split_total",
			Help: "Total number of B+tree node splits",
		},
	)

	m.BtreeMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_btree_smo_merge_total",
			Help: "Total number of B+tree node merges",
		},
	)

	m.JournalAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_journal_appends_total",
			Help: "Total number of entries appended to the write-ahead journal",
		},
	)

	m.JournalFsyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_journal_fsyncs_total",
			Help: "Total number of journal fsync calls",
		},
	)

	m.FreelistPagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ups_freelist_pages_total",
			Help: "Number of pages currently available for reuse",
		},
	)

	m.BlobAllocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_blob_allocations_total",
			Help: "Total number of records spilled to the blob manager",
		},
	)

	m.BlobBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_blob_bytes_written_total",
			Help: "Total bytes written through the blob manager",
		},
	)

	m.TxnCommitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_txn_commits_total",
			Help: "Total number of committed transactions",
		},
	)

	m.TxnAbortsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_txn_aborts_total",
			Help: "Total number of rolled-back transactions",
		},
	)

	m.TxnConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ups_txn_conflicts_total",
			Help: "Total number of writes rejected due to a conflicting open transaction",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ups_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordGrpcRequest records a gRPC request with its status.
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDbOperation records a database operation.
func (m *Metrics) RecordDbOperation(operation string, status string, duration time.Duration) {
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateDbStats updates environment-wide size/record gauges.
func (m *Metrics) UpdateDbStats(sizeBytes int64, recordCount int64) {
	m.DbSizeBytes.Set(float64(sizeBytes))
	m.DbRecordsTotal.Set(float64(recordCount))
}

// UpdatePagerStats updates free-list gauge state; call after each commit.
func (m *Metrics) UpdatePagerStats(freePages int) {
	m.FreelistPagesTotal.Set(float64(freePages))
}

// RecordTxnCommit increments the commit counter.
func (m *Metrics) RecordTxnCommit() { m.TxnCommitsTotal.Inc() }

// RecordTxnAbort increments the abort counter.
func (m *Metrics) RecordTxnAbort() { m.TxnAbortsTotal.Inc() }

// RecordTxnConflict increments the conflict counter.
func (m *Metrics) RecordTxnConflict() { m.TxnConflictsTotal.Inc() }

// RecordBlobWrite records one record spilling to the blob manager.
func (m *Metrics) RecordBlobWrite(bytes int) {
	m.BlobAllocationsTotal.Inc()
	m.BlobBytesWritten.Add(float64(bytes))
}
