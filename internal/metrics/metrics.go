package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/scriptdigest/internal/version"
)

type ServerMetrics struct {
	reg       *prometheus.Registry
	handler   http.Handler
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec

	httpPanicTotal       prometheus.Counter
	buildInfo            *prometheus.GaugeVec
	ratelimitDeniedTotal prometheus.Counter
	errorsTotal          *prometheus.CounterVec
	profilingActive      prometheus.Gauge

	// verification pipeline metrics
	verdictsTotal *prometheus.CounterVec
	skipsTotal    *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	fetchBytes    prometheus.Histogram
	fetchErrors   prometheus.Counter

	// pin watcher metrics
	pinManifestInfo      *prometheus.GaugeVec
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	manifestLoadDuration prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_verdicts_total",
			Help: "Total verification verdicts by terminal outcome",
		}, []string{"outcome"}),
		skipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "verify_skips_total",
			Help: "Total silently-ignored declarations by reason",
		}, []string{"reason"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_duration_seconds",
			Help:    "Time to fetch a script resource",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		fetchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_response_size_bytes",
			Help:    "Size of fetched script resources",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetch_errors_total",
			Help: "Total failed script fetches (transport, status, size)",
		}),
		pinManifestInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pin_manifest_info",
			Help: "Currently active pin manifest (labels carry identity, value is always 1)",
		}, []string{"sha256", "version"}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pin_watcher_polls_total",
			Help: "Total number of watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pin_watcher_swaps_total",
			Help: "Total number of successful pin manifest swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pin_watcher_errors_total",
			Help: "Total watcher errors by type",
		}, []string{"type"}),
		manifestLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pin_manifest_load_duration_seconds",
			Help:    "Time to download, check, and parse a pin manifest",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pin_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pin_watcher_stale",
			Help: "Whether the pin watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.errorsTotal,
		m.profilingActive,
		m.verdictsTotal,
		m.skipsTotal,
		m.fetchDuration,
		m.fetchBytes,
		m.fetchErrors,
		m.pinManifestInfo,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.manifestLoadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// verify.Metrics

func (m *ServerMetrics) IncVerdict(outcome string) {
	m.verdictsTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncSkip(reason string) {
	m.skipsTotal.WithLabelValues(reason).Inc()
}

// fetch.Metrics

func (m *ServerMetrics) ObserveFetchDuration(seconds float64) {
	m.fetchDuration.Observe(seconds)
}

func (m *ServerMetrics) ObserveFetchBytes(n int) {
	m.fetchBytes.Observe(float64(n))
}

func (m *ServerMetrics) IncFetchErrors() {
	m.fetchErrors.Inc()
}

// pins.WatcherMetrics

func (m *ServerMetrics) SetPinManifest(sha256, manifestVersion string) {
	m.pinManifestInfo.Reset() // clear previous label values
	m.pinManifestInfo.WithLabelValues(sha256, manifestVersion).Set(1)
}

func (m *ServerMetrics) IncWatcherPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) ObserveManifestLoadDuration(seconds float64) {
	m.manifestLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetWatcherLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *ServerMetrics) SetWatcherStale(stale bool) {
	if stale {
		m.watcherStale.Set(1)
	} else {
		m.watcherStale.Set(0)
	}
}

// ObserveError counts 5xx responses for the SLI counter.
func (m *ServerMetrics) ObserveError(method, route string) {
	m.errorsTotal.WithLabelValues(method, route).Inc()
}
