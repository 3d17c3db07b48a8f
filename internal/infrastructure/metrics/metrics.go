// Package metrics exposes feed and stream activity as Prometheus collectors.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pluto/internal/application/port"
	"pluto/internal/domain"
)

const namespace = "pluto"

// Metrics owns one Prometheus registry. It implements port.FeedObserver.
type Metrics struct {
	Registry *prometheus.Registry

	subscribers    prometheus.Gauge
	priceEvents    *prometheus.CounterVec
	feedStarts     *prometheus.CounterVec
	startFailures  *prometheus.CounterVec
	feedStops      *prometheus.CounterVec
	startDuration  *prometheus.HistogramVec
	streamSessions *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
}

// New registers every collector. liveFeeds, when non-nil, backs the
// live_feeds gauge.
func New(liveFeeds func() int) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Current number of feed subscriptions.",
		}),
		priceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "price_events_total",
			Help:      "Deduplicated price events emitted by feeds.",
		}, []string{"source"}),
		feedStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "starts_total",
			Help:      "Successful upstream starts.",
		}, []string{"source"}),
		startFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "start_failures_total",
			Help:      "Upstream starts that failed.",
		}, []string{"source"}),
		feedStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "stops_total",
			Help:      "Feeds stopped after their grace window or at shutdown.",
		}, []string{"source"}),
		startDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "start_duration_seconds",
			Help:      "Time to bring an upstream feed live.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"source"}),
		streamSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_total",
			Help:      "Finished stream sessions by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests, streams included.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"method", "path"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}

	m.Registry.MustRegister(
		m.subscribers,
		m.priceEvents,
		m.feedStarts,
		m.startFailures,
		m.feedStops,
		m.startDuration,
		m.streamSessions,
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	if liveFeeds != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "live_feeds",
			Help:      "Feeds currently held by the registry.",
		}, func() float64 { return float64(liveFeeds()) }))
	}
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FeedStarted(_, source string, took time.Duration) {
	m.feedStarts.WithLabelValues(source).Inc()
	m.startDuration.WithLabelValues(source).Observe(took.Seconds())
}

func (m *Metrics) FeedStartFailed(_, source string, _ error) {
	m.startFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) FeedStopped(_, source string) {
	m.feedStops.WithLabelValues(source).Inc()
}

func (m *Metrics) SubscribersChanged(delta int) {
	m.subscribers.Add(float64(delta))
}

func (m *Metrics) PriceObserved(source string, _ domain.PriceEvent) {
	m.priceEvents.WithLabelValues(source).Inc()
}

// StreamEnded counts one finished stream session.
func (m *Metrics) StreamEnded(outcome string) {
	m.streamSessions.WithLabelValues(outcome).Inc()
}

// InstrumentHandler wraps next with HTTP request metrics. The metrics path
// itself is not recorded.
func (m *Metrics) InstrumentHandler(metricsPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == metricsPath {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			next.ServeHTTP(rec, r)

			path := canonicalPath(r.URL.Path)
			method := strings.ToUpper(r.Method)
			m.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// statusRecorder keeps Flush and Hijack reachable for streaming handlers.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// canonicalPath keeps label cardinality bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	first, _, _ := strings.Cut(trimmed, "/")
	switch first {
	case "pluto.PriceService", "ws", "healthz", "debug":
		return "/" + first
	default:
		return "/other"
	}
}

var _ port.FeedObserver = (*Metrics)(nil)
