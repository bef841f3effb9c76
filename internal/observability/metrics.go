package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

type moduleMetrics struct {
	promptsSubmitted *prometheus.CounterVec
	promptsRecovered prometheus.Counter
	queueSize        *prometheus.GaugeVec
	dispatchAttempts *prometheus.CounterVec

	runningSessions prometheus.Gauge
	sessionDuration *prometheus.HistogramVec
	sessionsTotal   *prometheus.CounterVec

	relayDropped      prometheus.Counter
	storeOpDuration   *prometheus.HistogramVec
	gatewayRequests   *prometheus.CounterVec
	streamSubscribers prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			promptsSubmitted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "prompts_submitted_total",
					Help:      "Prompts accepted by submit, by immediate flag.",
				},
				[]string{"immediate"},
			),
			promptsRecovered: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "prompts_recovered_total",
					Help:      "Prompts reset to pending by startup recovery.",
				},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Pending prompts by dispatch scope.",
				},
				[]string{"scope"},
			),
			dispatchAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dispatch_attempts_total",
					Help:      "Dispatch attempts by result (started, spawn_error, exhausted).",
				},
				[]string{"result"},
			),
			runningSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "running_sessions",
					Help:      "Sessions currently running.",
				},
			),
			sessionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_duration_seconds",
					Help:      "Session wall time by terminal state.",
					Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
				},
				[]string{"state"},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_total",
					Help:      "Sessions reaching a terminal state.",
				},
				[]string{"state"},
			),
			relayDropped: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "relay_dropped_events_total",
					Help:      "Progress events dropped for slow subscribers.",
				},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "store_operation_duration_seconds",
					Help:      "Prompt store operation latency.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"driver", "op"},
			),
			gatewayRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_requests_total",
					Help:      "RPC requests by method and outcome.",
				},
				[]string{"method", "status"},
			),
			streamSubscribers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "stream_subscribers",
					Help:      "Open progress stream subscriptions.",
				},
			),
		}

		prometheus.MustRegister(
			m.promptsSubmitted,
			m.promptsRecovered,
			m.queueSize,
			m.dispatchAttempts,
			m.runningSessions,
			m.sessionDuration,
			m.sessionsTotal,
			m.relayDropped,
			m.storeOpDuration,
			m.gatewayRequests,
			m.streamSubscribers,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordPromptSubmitted(immediate bool) {
	label := "false"
	if immediate {
		label = "true"
	}
	getMetrics().promptsSubmitted.WithLabelValues(label).Inc()
}

func RecordPromptsRecovered(count int) {
	getMetrics().promptsRecovered.Add(float64(count))
}

func SetQueueSize(scope string, size int) {
	getMetrics().queueSize.WithLabelValues(scope).Set(float64(size))
}

func RecordDispatchAttempt(result string) {
	getMetrics().dispatchAttempts.WithLabelValues(result).Inc()
}

func SetRunningSessions(count int) {
	getMetrics().runningSessions.Set(float64(count))
}

func RecordSessionTerminal(state string, duration time.Duration) {
	m := getMetrics()
	m.sessionsTotal.WithLabelValues(state).Inc()
	if duration > 0 {
		m.sessionDuration.WithLabelValues(state).Observe(duration.Seconds())
	}
}

func RecordRelayDrop() {
	getMetrics().relayDropped.Inc()
}

func RecordStoreOp(driver, op string, duration time.Duration) {
	getMetrics().storeOpDuration.WithLabelValues(driver, op).Observe(duration.Seconds())
}

func RecordGatewayRequest(method string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().gatewayRequests.WithLabelValues(method, status).Inc()
}

func AddStreamSubscribers(delta int) {
	getMetrics().streamSubscribers.Add(float64(delta))
}
