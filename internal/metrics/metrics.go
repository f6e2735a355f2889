// Package metrics owns the prometheus registry for the server. Every series
// lives under the filestream namespace and carries bounded labels only:
// chi route patterns, never raw paths or attachment ids.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/version"
)

const namespace = "filestream"

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	panics    prometheus.Counter

	// ratelimit
	limited  prometheus.Counter
	capacity prometheus.Counter

	// process
	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge

	// streams
	streams      *prometheus.CounterVec
	cache        *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
	bundle       *prometheus.GaugeVec
	bundleLoad   prometheus.Histogram
	bundleLoaded prometheus.Gauge
}

// New returns metrics on a private registry with the go and process
// collectors attached.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &ServerMetrics{reg: reg}

	m.inflight = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
		Help: "Requests currently being served.",
	})
	m.reqTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Requests by method, route and status.",
	}, []string{"method", "route", "status"})
	m.reqDur = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "Time to first byte through the last byte, by method and route.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
	}, []string{"method", "route"})
	// attachments run from a few bytes to hundreds of megabytes
	m.respBytes = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
		Help:    "Response body size by method and route.",
		Buckets: prometheus.ExponentialBuckets(256, 4, 11),
	}, []string{"method", "route"})
	m.errors = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "errors_total",
		Help: "5xx responses by method and route.",
	}, []string{"method", "route"})
	m.panics = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "panics_total",
		Help: "Handler panics recovered.",
	})

	m.limited = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ratelimit", Name: "denied_total",
		Help: "Requests answered 429.",
	})
	m.capacity = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ratelimit", Name: "capacity_reached_total",
		Help: "Times the visitor table filled up.",
	})

	m.buildInfo = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "build_info",
		Help: "Build metadata, value is always 1.",
	}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"})
	m.profiling = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "profiling_active",
		Help: "1 while continuous profiling is running.",
	})

	m.streams = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "stream", Name: "served_total",
		Help: "Streams answered by kind (data, path, url) and whether the proxy sent the bytes.",
	}, []string{"kind", "accel"})
	m.cache = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "attachment_cache", Name: "lookups_total",
		Help: "Attachment cache lookups by result (hit, miss, error).",
	}, []string{"result"})
	m.webhooks = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "webhook", Name: "requests_total",
		Help: "Outbound webhook requests by result (ok, status, error).",
	}, []string{"result"})
	m.bundle = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "assets", Name: "bundle_info",
		Help: "Installed static assets bundle, value is always 1.",
	}, []string{"sha256"})
	m.bundleLoad = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "assets", Name: "load_duration_seconds",
		Help:    "Time to fetch, verify and extract the assets bundle.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
	})
	m.bundleLoaded = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "assets", Name: "loaded_timestamp_seconds",
		Help: "Unix time the current bundle was installed.",
	})

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.panics.Inc() }

func (m *ServerMetrics) IncRateLimitDenied() { m.limited.Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.capacity.Inc() }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profiling.Set(v)
}

func (m *ServerMetrics) IncStreamServed(kind string, accelerated bool) {
	m.streams.WithLabelValues(kind, strconv.FormatBool(accelerated)).Inc()
}

func (m *ServerMetrics) IncAttachmentCache(result string) {
	m.cache.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncWebhookRequest(result string) {
	m.webhooks.WithLabelValues(result).Inc()
}

// SetAssetsBundle replaces the bundle identity series.
func (m *ServerMetrics) SetAssetsBundle(sha256 string) {
	m.bundle.Reset()
	m.bundle.WithLabelValues(sha256).Set(1)
	m.bundleLoaded.Set(float64(time.Now().Unix()))
}

func (m *ServerMetrics) ObserveAssetsLoadDuration(seconds float64) {
	m.bundleLoad.Observe(seconds)
}
