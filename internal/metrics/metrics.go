// Package metrics provides Prometheus metrics for the cdffs engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upload metrics
	uploadBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_upload_blocks_total",
			Help: "Total number of upload blocks dispatched",
		},
		[]string{"strategy", "status"},
	)

	uploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_upload_bytes_total",
			Help: "Total bytes acknowledged by upload strategies",
		},
		[]string{"strategy"},
	)

	uploadCommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_upload_commits_total",
			Help: "Total number of upload session finalizations",
		},
		[]string{"strategy", "status"},
	)

	uploadCommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdffs_upload_commit_duration_seconds",
			Help:    "Time to merge and publish an upload session",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// Retry metrics
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_retries_total",
			Help: "Total number of retried operations",
		},
		[]string{"operation"},
	)

	// Directory cache metrics
	dirCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_dircache_lookups_total",
			Help: "Directory cache lookups",
		},
		[]string{"result"},
	)

	remoteListingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_remote_listings_total",
			Help: "Remote listing calls",
		},
		[]string{"status"},
	)

	// Download metrics
	urlCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_download_url_cache_total",
			Help: "Download URL cache lookups",
		},
		[]string{"result"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cdffs_download_bytes_total",
			Help: "Total bytes downloaded",
		},
	)

	contentCacheFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_content_cache_total",
			Help: "Whole-object content cache lookups",
		},
		[]string{"result"},
	)

	// Store metrics
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdffs_store_operation_duration_seconds",
			Help:    "Remote store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storeOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdffs_store_operations_total",
			Help: "Total remote store operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func hit(ok bool) string {
	if ok {
		return "hit"
	}
	return "miss"
}

// RecordUploadBlock records a dispatched block.
func RecordUploadBlock(strategy string, bytes int, success bool) {
	uploadBlocksTotal.WithLabelValues(strategy, status(success)).Inc()
	if success {
		uploadBytesTotal.WithLabelValues(strategy).Add(float64(bytes))
	}
}

// RecordUploadCommit records a finalize attempt and its duration.
func RecordUploadCommit(strategy string, duration time.Duration, success bool) {
	uploadCommitsTotal.WithLabelValues(strategy, status(success)).Inc()
	uploadCommitDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordRetry records one retried attempt of an operation.
func RecordRetry(operation string) {
	retriesTotal.WithLabelValues(operation).Inc()
}

// RecordDirCacheLookup records a directory cache hit or miss.
func RecordDirCacheLookup(found bool) {
	dirCacheLookups.WithLabelValues(hit(found)).Inc()
}

// RecordRemoteListing records a remote listing call.
func RecordRemoteListing(success bool) {
	remoteListingsTotal.WithLabelValues(status(success)).Inc()
}

// RecordURLCacheLookup records a download URL cache hit or miss.
func RecordURLCacheLookup(found bool) {
	urlCacheLookups.WithLabelValues(hit(found)).Inc()
}

// RecordDownload records downloaded bytes.
func RecordDownload(bytes int) {
	downloadBytesTotal.Add(float64(bytes))
}

// RecordContentCacheLookup records a whole-object cache hit or miss.
func RecordContentCacheLookup(found bool) {
	contentCacheFetches.WithLabelValues(hit(found)).Inc()
}

// RecordStoreOperation records a remote store operation.
func RecordStoreOperation(backend, operation string, duration time.Duration, success bool) {
	storeOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storeOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}
