package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskorch_stream_clients",
		Help: "Number of connected event stream clients",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskorch_stream_push_total",
		Help: "Total number of events pushed to stream clients",
	})
	dropCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskorch_stream_dropped_clients_total",
		Help: "Stream clients disconnected because they fell behind",
	})

	routedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_webhooks_routed_total",
		Help: "Webhook events classified into an intent",
	}, []string{"intent"})
	ignoredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_webhooks_ignored_total",
		Help: "Webhook events that matched no routing rule",
	}, []string{"event_type"})
	dispatchCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_tasks_dispatched_total",
		Help: "Tasks created by dispatch",
	}, []string{"type", "mode"})
	supersedeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_tasks_superseded_total",
		Help: "Tasks superseded by a newer event",
	}, []string{"type"})
	enqueueFailCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_enqueue_failures_total",
		Help: "Queued tasks that could not be pushed to their execution queue",
	}, []string{"queue"})

	deliveryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_outbox_deliveries_total",
		Help: "Outbox delivery attempts by outcome",
	}, []string{"event_type", "outcome"})
	deliveryLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskorch_outbox_delivery_lag_seconds",
		Help:    "Time from event occurrence to successful delivery",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
	})

	transitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_task_transitions_total",
		Help: "Task status transitions",
	}, []string{"type", "from", "to"})
	tokenCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_task_tokens_total",
		Help: "Model tokens consumed by tasks",
	}, []string{"type", "kind"})
	costCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_task_cost_usd_total",
		Help: "Estimated model cost of tasks in USD",
	}, []string{"type"})
	durationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskorch_task_duration_seconds",
		Help:    "Executor-reported task duration",
		Buckets: prometheus.ExponentialBuckets(1, 2, 13),
	}, []string{"type"})
	deadLetterCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskorch_dead_letters_total",
		Help: "Dead-letter entries recorded",
	}, []string{"scope", "reason"})
)

type prometheusObserver struct{}

func NewPrometheusObserver() HubObserver {
	return prometheusObserver{}
}

func NewDispatchObserver() DispatchObserver {
	return prometheusObserver{}
}

func NewDeliveryObserver() DeliveryObserver {
	return prometheusObserver{}
}

func NewTaskObserver() TaskObserver {
	return prometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (prometheusObserver) IncOnline()  { onlineGauge.Inc() }
func (prometheusObserver) DecOnline()  { onlineGauge.Dec() }
func (prometheusObserver) RecordPush() { pushCounter.Inc() }
func (prometheusObserver) RecordDrop() { dropCounter.Inc() }

func (prometheusObserver) RecordRouted(intent string) {
	routedCounter.WithLabelValues(intent).Inc()
}

func (prometheusObserver) RecordIgnored(eventType string) {
	ignoredCounter.WithLabelValues(eventType).Inc()
}

func (prometheusObserver) RecordDispatch(taskType, mode string) {
	dispatchCounter.WithLabelValues(taskType, mode).Inc()
}

func (prometheusObserver) RecordSupersede(taskType string) {
	supersedeCounter.WithLabelValues(taskType).Inc()
}

func (prometheusObserver) RecordEnqueueFailure(queue string) {
	enqueueFailCounter.WithLabelValues(queue).Inc()
}

func (prometheusObserver) RecordDelivery(eventType, outcome string) {
	deliveryCounter.WithLabelValues(eventType, outcome).Inc()
}

func (prometheusObserver) ObserveDeliveryLag(seconds float64) {
	deliveryLag.Observe(seconds)
}

func (prometheusObserver) RecordTransition(taskType, from, to string) {
	transitionCounter.WithLabelValues(taskType, from, to).Inc()
}

func (prometheusObserver) RecordUsage(taskType string, inputTokens, outputTokens, thinkingTokens int, costUSD, durationSeconds float64) {
	tokenCounter.WithLabelValues(taskType, "input").Add(float64(inputTokens))
	tokenCounter.WithLabelValues(taskType, "output").Add(float64(outputTokens))
	tokenCounter.WithLabelValues(taskType, "thinking").Add(float64(thinkingTokens))
	costCounter.WithLabelValues(taskType).Add(costUSD)
	if durationSeconds > 0 {
		durationHistogram.WithLabelValues(taskType).Observe(durationSeconds)
	}
}

func (prometheusObserver) RecordDeadLetter(scope, reason string) {
	deadLetterCounter.WithLabelValues(scope, reason).Inc()
}
