// Package metrics provides Prometheus metrics for the file list server.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filelist_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filelist_bytes_downloaded_total",
			Help: "Total bytes served from the disk",
		},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_bytes_uploaded_total",
			Help: "Total bytes written to the disk by upload path",
		},
		[]string{"path"},
	)

	chunkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_chunk_writes_total",
			Help: "Total chunk fragments written",
		},
		[]string{"status"},
	)

	mergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_merges_total",
			Help: "Total chunk merges by result",
		},
		[]string{"result"},
	)

	uploadSessionsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filelist_upload_sessions_cleaned_total",
			Help: "Stale upload sessions removed",
		},
	)

	// Archive metrics
	archiveBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_archive_builds_total",
			Help: "Total directory archives built",
		},
		[]string{"status"},
	)

	archiveBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filelist_archive_build_duration_seconds",
			Help:    "Time to build a directory archive",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	// Index metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_index_cache_lookups_total",
			Help: "Directory index cache lookups",
		},
		[]string{"result"},
	)

	cachedDirectories = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filelist_index_cached_directories",
			Help: "Number of directories held in the index cache",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filelist_index_sweep_duration_seconds",
			Help:    "Time to rescan the whole disk",
			Buckets: prometheus.ExponentialBuckets(0.05, 3, 10),
		},
	)

	// Worker pool
	workersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filelist_workers_busy",
			Help: "Number of busy background workers",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filelist_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filelist_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filelist_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Sharing metrics
	sharesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filelist_shares_active",
			Help: "Number of share records seen by the last listing",
		},
	)

	shareAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_share_access_total",
			Help: "Share resolutions by result",
		},
		[]string{"result"},
	)

	linksMintedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filelist_short_links_minted_total",
			Help: "Short links minted",
		},
	)

	permissionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_permission_checks_total",
			Help: "Total permission checks",
		},
		[]string{"result"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"method", "result"},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filelist_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// S3 metrics
	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filelist_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// Disk stats
	diskFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filelist_disk_files",
			Help: "Regular files under the disk root at the last count",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDownload records bytes served.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// RecordUpload records bytes written by an upload path
// ("chunk", "stream", "multipart" or "fetch").
func RecordUpload(path string, bytes int64) {
	bytesUploaded.WithLabelValues(path).Add(float64(bytes))
}

// RecordChunkWrite records a chunk fragment write.
func RecordChunkWrite(success bool) {
	chunkWritesTotal.WithLabelValues(status(success)).Inc()
}

// RecordMerge records a merge outcome ("success", "missing", "digest", "error").
func RecordMerge(result string) {
	mergesTotal.WithLabelValues(result).Inc()
}

// RecordSessionsCleaned records removed stale upload sessions.
func RecordSessionsCleaned(n int) {
	uploadSessionsCleaned.Add(float64(n))
}

// RecordArchiveBuild records an archive build.
func RecordArchiveBuild(duration time.Duration, success bool) {
	archiveBuildsTotal.WithLabelValues(status(success)).Inc()
	archiveBuildDuration.Observe(duration.Seconds())
}

// RecordCacheLookup records an index cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}

// SetCachedDirectories sets the number of cached directories.
func SetCachedDirectories(n int) {
	cachedDirectories.Set(float64(n))
}

// RecordSweep records a full disk rescan.
func RecordSweep(duration time.Duration) {
	sweepDuration.Observe(duration.Seconds())
}

// WorkerStarted and WorkerDone track busy workers.
func WorkerStarted() { workersBusy.Inc() }
func WorkerDone()    { workersBusy.Dec() }

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// SetSharesActive sets the number of live shares.
func SetSharesActive(count int) {
	sharesActive.Set(float64(count))
}

// RecordShareAccess records a share resolution ("ok", "expired", "missing").
func RecordShareAccess(result string) {
	shareAccessTotal.WithLabelValues(result).Inc()
}

// RecordLinkMinted records a new short link pair.
func RecordLinkMinted() {
	linksMintedTotal.Inc()
}

// RecordPermissionCheck records a permission check result.
func RecordPermissionCheck(allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	permissionChecksTotal.WithLabelValues(result).Inc()
}

// RecordAuthAttempt records an authentication attempt by method
// ("token", "apikey", "jwt", "header").
func RecordAuthAttempt(method string, success bool) {
	authAttemptsTotal.WithLabelValues(method, status(success)).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, success bool) {
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// SetDiskFiles sets the counted number of files.
func SetDiskFiles(n int64) {
	diskFiles.Set(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type routeKey struct{}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by their mux pattern to keep cardinality bounded; see Routes.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := new(string)
		r = r.WithContext(context.WithValue(r.Context(), routeKey{}, route))
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		label := *route
		if label == "" {
			label = r.Pattern
		}
		if label == "" {
			label = "unmatched"
		}
		RecordHTTPRequest(r.Method, label, rw.statusCode, time.Since(start))
	})
}

// Routes wraps a ServeMux and reports the pattern it matched to an
// enclosing Middleware, which only sees a copy of the request when other
// middleware sits in between.
func Routes(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		if route, ok := r.Context().Value(routeKey{}).(*string); ok {
			*route = r.Pattern
		}
	})
}
