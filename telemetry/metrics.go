// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	UploadsAccepted   prometheus.Counter
	UploadsRejected   *prometheus.CounterVec // reason
	AnalysesStarted   prometheus.Counter
	AnalysesFinished  *prometheus.CounterVec // outcome: done|retry|failed|canceled
	PublishesTotal    *prometheus.CounterVec // outcome: ok|error
	RetentionPurged   prometheus.Counter
	HTTPRequestsTotal *prometheus.CounterVec // method, route, code

	// Histograms (seconds)
	AnalysisDuration prometheus.Observer
	HTTPDuration     *prometheus.HistogramVec // route

	// Gauges
	QueueDepthGauge     prometheus.Gauge
	ActiveAnalysesGauge prometheus.Gauge
	CircuitOpenGauge    prometheus.Gauge // 1=open,0=closed
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		UploadsAccepted = promauto.NewCounter(prometheus.CounterOpts{Name: "formcheck_uploads_accepted_total", Help: "Number of videos accepted for analysis"})
		UploadsRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "formcheck_uploads_rejected_total", Help: "Number of rejected uploads by reason"}, []string{"reason"})
		AnalysesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "formcheck_analyses_started_total", Help: "Number of analysis runs started"})
		AnalysesFinished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "formcheck_analyses_finished_total", Help: "Number of analysis runs by outcome"}, []string{"outcome"})
		PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "formcheck_publishes_total", Help: "YouTube publish attempts by outcome"}, []string{"outcome"})
		RetentionPurged = promauto.NewCounter(prometheus.CounterOpts{Name: "formcheck_retention_purged_total", Help: "Number of video files removed by retention"})
		HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "formcheck_http_requests_total", Help: "HTTP requests by method, route and status code"}, []string{"method", "route", "code"})
		AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "formcheck_analysis_duration_seconds", Help: "Analysis run duration seconds", Buckets: prometheus.ExponentialBuckets(0.5, 2, 12)})
		HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "formcheck_http_request_duration_seconds", Help: "HTTP request duration seconds", Buckets: prometheus.DefBuckets}, []string{"route"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "formcheck_queue_depth", Help: "Current number of pending uploads"})
		ActiveAnalysesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "formcheck_active_analyses", Help: "Analyses currently running"})
		CircuitOpenGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "formcheck_circuit_open", Help: "Analyzer circuit breaker open=1 closed=0"})
	})
}

// UpdateCircuitGauge sets gauge to 1 if open else 0.
func UpdateCircuitGauge(open bool) {
	if CircuitOpenGauge == nil {
		return
	}
	if open {
		CircuitOpenGauge.Set(1)
	} else {
		CircuitOpenGauge.Set(0)
	}
}

// SetQueueDepth records the current pending upload count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetActiveAnalyses records how many analyses are in flight.
func SetActiveAnalyses(n int) {
	if ActiveAnalysesGauge != nil {
		ActiveAnalysesGauge.Set(float64(n))
	}
}

// UploadAccepted counts a stored upload.
func UploadAccepted() {
	if UploadsAccepted != nil {
		UploadsAccepted.Inc()
	}
}

// UploadRejected counts a rejected upload.
func UploadRejected(reason string) {
	if UploadsRejected != nil {
		UploadsRejected.WithLabelValues(reason).Inc()
	}
}

// AnalysisStarted counts a claimed upload handed to the analyzer.
func AnalysisStarted() {
	if AnalysesStarted != nil {
		AnalysesStarted.Inc()
	}
}

// AnalysisFinished records the outcome and duration of one run.
func AnalysisFinished(outcome string, d time.Duration) {
	if AnalysesFinished != nil {
		AnalysesFinished.WithLabelValues(outcome).Inc()
	}
	if AnalysisDuration != nil {
		AnalysisDuration.Observe(d.Seconds())
	}
}

// Published counts a publish attempt.
func Published(ok bool) {
	if PublishesTotal == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	PublishesTotal.WithLabelValues(outcome).Inc()
}

// Purged counts a video removed by retention.
func Purged() {
	if RetentionPurged != nil {
		RetentionPurged.Inc()
	}
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, code int, d time.Duration) {
	if HTTPRequestsTotal != nil {
		HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	}
	if HTTPDuration != nil {
		HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
