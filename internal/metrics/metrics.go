// Package metrics exposes Prometheus counters for the assistant.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"school-assistant/internal/app"
)

const namespace = "school_assistant"

// Metrics holds the process's collectors on a private registry. It
// implements app.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	Identities       *prometheus.CounterVec
	Points           prometheus.Counter
	LevelUps         prometheus.Counter
	Answers          *prometheus.CounterVec
	QuizzesFinished  *prometheus.CounterVec
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	QuizConnections  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Identities: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identities_resolved_total",
				Help:      "Identities resolved, by resolution step",
			},
			[]string{"source"},
		),
		Points: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_awarded_total",
			Help:      "Points credited to users",
		}),
		LevelUps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_ups_total",
			Help:      "Awards that crossed a level boundary",
		}),
		Answers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quiz",
				Name:      "answers_total",
				Help:      "Accepted quiz answers",
			},
			[]string{"correct"},
		),
		QuizzesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "quiz",
				Name:      "finished_total",
				Help:      "Quiz attempts that reached results",
			},
			[]string{"reason"},
		),
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of requests currently being processed",
		}),
		QuizConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quiz",
			Name:      "connections",
			Help:      "Open quiz websocket connections",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IdentityResolved(source app.IdentitySource) {
	m.Identities.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) PointsAwarded(delta int) {
	if delta > 0 {
		m.Points.Add(float64(delta))
	}
}

func (m *Metrics) LevelUp() { m.LevelUps.Inc() }

func (m *Metrics) AnswerSubmitted(correct bool) {
	m.Answers.WithLabelValues(strconv.FormatBool(correct)).Inc()
}

func (m *Metrics) QuizFinished(reason app.FinishReason) {
	m.QuizzesFinished.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) ConnectionOpened() { m.QuizConnections.Inc() }
func (m *Metrics) ConnectionClosed() { m.QuizConnections.Dec() }

// Middleware records count, duration and in-flight requests per route.
func (m *Metrics) Middleware(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.RequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		m.RequestCounter.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
