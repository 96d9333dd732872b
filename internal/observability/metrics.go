package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_http_requests_total",
			Help: "Total API requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "automation_http_request_duration_seconds",
		Help:    "API request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "automation_http_in_flight",
		Help: "In-flight HTTP requests",
	})

	RuleRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_rule_runs_total",
			Help: "Rule invocations by terminal status",
		}, []string{"status", "dry_run"},
	)
	RuleRunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "automation_rule_run_duration_seconds",
		Help:    "Wall-clock duration of rule invocations",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	RulesInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "automation_rules_in_flight",
		Help: "Rule invocations currently running",
	})
	ObjectsEvaluated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_objects_evaluated_total",
			Help: "Per-object outcomes by result",
		}, []string{"result"},
	)
	ActionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_actions_executed_total",
			Help: "Ad platform actions by kind and status",
		}, []string{"action", "status"},
	)
	GuardrailSkips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_guardrail_skips_total",
			Help: "Matched objects blocked by a guardrail",
		}, []string{"reason"},
	)
	RevertsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "automation_reverts_scheduled_total",
		Help: "Pending reverts created",
	})
	RevertsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_reverts_processed_total",
			Help: "Reverts executed by the sweep, by terminal status",
		}, []string{"status"},
	)
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_store_errors_total",
			Help: "Persistence failures by operation",
		}, []string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight,
		RuleRuns, RuleRunDuration, RulesInFlight, ObjectsEvaluated, ActionsExecuted,
		GuardrailSkips, RevertsScheduled, RevertsProcessed, StoreErrors,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
	})
}
