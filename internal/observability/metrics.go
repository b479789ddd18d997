package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnsStarted   prometheus.Counter
	turnsCompleted *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	turnsTimedOut  prometheus.Counter
	steersTotal    *prometheus.CounterVec
	activeTurns    prometheus.Gauge

	leaseBusyTotal prometheus.Counter

	rpcRequestsTotal   *prometheus.CounterVec
	rpcRequestDuration *prometheus.HistogramVec
	appServerStarts    *prometheus.CounterVec

	telegramSendsTotal *prometheus.CounterVec

	workersRunning  prometheus.Gauge
	workerRestarts  *prometheus.CounterVec
	workerFailCount *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnsStarted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sonolbot_turns_started_total",
					Help: "Total turns started against the app-server.",
				},
			),
			turnsCompleted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sonolbot_turns_completed_total",
					Help: "Total turns completed by final status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sonolbot_turn_duration_seconds",
					Help:    "Turn wall time from turn/start to turn/completed.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
				},
			),
			turnsTimedOut: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sonolbot_turns_timed_out_total",
					Help: "Total turns interrupted by the turn timeout guard.",
				},
			),
			steersTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sonolbot_steers_total",
					Help: "Total turn/steer attempts by outcome.",
				},
				[]string{"status"},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sonolbot_active_turns",
					Help: "Chats with a turn currently in flight.",
				},
			),
			leaseBusyTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sonolbot_chat_lease_busy_total",
					Help: "Lease acquisitions refused because another process owns the chat.",
				},
			),
			rpcRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sonolbot_rpc_requests_total",
					Help: "App-server JSON-RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			rpcRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sonolbot_rpc_request_duration_seconds",
					Help:    "App-server JSON-RPC request latency by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			appServerStarts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sonolbot_app_server_starts_total",
					Help: "App-server child launches by outcome.",
				},
				[]string{"status"},
			),
			telegramSendsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sonolbot_telegram_sends_total",
					Help: "Telegram send attempts by outcome.",
				},
				[]string{"status"},
			),
			workersRunning: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sonolbot_workers_running",
					Help: "Worker processes currently supervised.",
				},
			),
			workerRestarts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sonolbot_worker_starts_total",
					Help: "Worker spawns by bot.",
				},
				[]string{"bot_id"},
			),
			workerFailCount: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sonolbot_worker_consecutive_failures",
					Help: "Consecutive non-stable worker exits by bot.",
				},
				[]string{"bot_id"},
			),
		}

		prometheus.MustRegister(
			m.turnsStarted,
			m.turnsCompleted,
			m.turnDuration,
			m.turnsTimedOut,
			m.steersTotal,
			m.activeTurns,
			m.leaseBusyTotal,
			m.rpcRequestsTotal,
			m.rpcRequestDuration,
			m.appServerStarts,
			m.telegramSendsTotal,
			m.workersRunning,
			m.workerRestarts,
			m.workerFailCount,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordTurnStarted() {
	getMetrics().turnsStarted.Inc()
}

func RecordTurnCompleted(status string, duration time.Duration) {
	m := getMetrics()
	if status == "" {
		status = "unknown"
	}
	m.turnsCompleted.WithLabelValues(status).Inc()
	if duration > 0 {
		m.turnDuration.Observe(duration.Seconds())
	}
}

func RecordTurnTimeout() {
	getMetrics().turnsTimedOut.Inc()
}

func RecordSteer(success bool) {
	getMetrics().steersTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetActiveTurns(count int) {
	getMetrics().activeTurns.Set(float64(count))
}

func RecordLeaseBusy() {
	getMetrics().leaseBusyTotal.Inc()
}

func RecordRPCRequest(method string, duration time.Duration, success bool) {
	m := getMetrics()
	m.rpcRequestsTotal.WithLabelValues(method, statusLabel(success)).Inc()
	m.rpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordAppServerStart(success bool) {
	getMetrics().appServerStarts.WithLabelValues(statusLabel(success)).Inc()
}

func RecordTelegramSend(success bool) {
	getMetrics().telegramSendsTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetWorkersRunning(count int) {
	getMetrics().workersRunning.Set(float64(count))
}

func RecordWorkerStart(botID string) {
	getMetrics().workerRestarts.WithLabelValues(botID).Inc()
}

func SetWorkerFailCount(botID string, count int) {
	getMetrics().workerFailCount.WithLabelValues(botID).Set(float64(count))
}
