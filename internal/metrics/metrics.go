package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vault"

// Vault holds the collectors for webhook reconciliation, token access,
// notification delivery and background jobs. A nil *Vault is a no-op.
type Vault struct {
	webhookOutcomes  *prometheus.CounterVec
	webhookDuration  prometheus.Histogram
	unknownOrders    prometheus.Counter
	unrecognized     *prometheus.CounterVec
	tokensIssued     prometheus.Counter
	accessResults    *prometheus.CounterVec
	notifyDelivered  *prometheus.CounterVec
	notifyDropped    prometheus.Counter
	jobDuration      *prometheus.HistogramVec
	jobSuccess       *prometheus.CounterVec
	jobFailure       *prometheus.CounterVec
	ordersReconciled *prometheus.CounterVec
}

// New registers the collectors on the provided registerer.
func New(reg prometheus.Registerer) *Vault {
	if reg == nil {
		return &Vault{}
	}
	v := &Vault{
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_notifications_total",
			Help:      "Gateway notifications by processing outcome.",
		}, []string{"outcome"}),
		webhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Time spent processing one gateway notification.",
			Buckets:   prometheus.DefBuckets,
		}),
		unknownOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_unknown_orders_total",
			Help:      "Notifications referencing an order that does not exist.",
		}),
		unrecognized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_unrecognized_status_total",
			Help:      "Notifications carrying a gateway status outside the known vocabulary.",
		}, []string{"status"}),
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_tokens_issued_total",
			Help:      "Access tokens issued for time-limited items.",
		}),
		accessResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_resolutions_total",
			Help:      "Access token resolutions by result.",
		}, []string{"result"}),
		notifyDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Purchase notifications handed to the notifier, by result.",
		}, []string{"result"}),
		notifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Purchase notifications dropped because the queue was full or closed.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of background jobs in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_success",
			Help:      "Successful background job executions.",
		}, []string{"job"}),
		jobFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failure",
			Help:      "Failed background job executions.",
		}, []string{"job"}),
		ordersReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_reconciled_total",
			Help:      "Stuck orders examined by the status-query worker, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		v.webhookOutcomes, v.webhookDuration, v.unknownOrders, v.unrecognized,
		v.tokensIssued, v.accessResults, v.notifyDelivered, v.notifyDropped,
		v.jobDuration, v.jobSuccess, v.jobFailure, v.ordersReconciled,
	)
	return v
}

func (v *Vault) WebhookOutcome(outcome string) {
	if v == nil || v.webhookOutcomes == nil {
		return
	}
	v.webhookOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (v *Vault) ObserveWebhook(d time.Duration) {
	if v == nil || v.webhookDuration == nil {
		return
	}
	v.webhookDuration.Observe(d.Seconds())
}

func (v *Vault) UnknownOrder() {
	if v == nil || v.unknownOrders == nil {
		return
	}
	v.unknownOrders.Inc()
}

func (v *Vault) UnrecognizedStatus(status string) {
	if v == nil || v.unrecognized == nil {
		return
	}
	v.unrecognized.WithLabelValues(normalizeLabel(status)).Inc()
}

func (v *Vault) TokensIssued(n int) {
	if v == nil || v.tokensIssued == nil || n <= 0 {
		return
	}
	v.tokensIssued.Add(float64(n))
}

func (v *Vault) AccessResult(result string) {
	if v == nil || v.accessResults == nil {
		return
	}
	v.accessResults.WithLabelValues(normalizeLabel(result)).Inc()
}

func (v *Vault) NotificationDelivered(ok bool) {
	if v == nil || v.notifyDelivered == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	v.notifyDelivered.WithLabelValues(result).Inc()
}

func (v *Vault) NotificationDropped() {
	if v == nil || v.notifyDropped == nil {
		return
	}
	v.notifyDropped.Inc()
}

// ObserveJob records the duration and result of one background job run.
func (v *Vault) ObserveJob(job string, duration time.Duration, err error) {
	if v == nil || v.jobDuration == nil {
		return
	}
	job = normalizeLabel(job)
	v.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		v.jobFailure.WithLabelValues(job).Inc()
		return
	}
	v.jobSuccess.WithLabelValues(job).Inc()
}

func (v *Vault) OrderReconciled(outcome string) {
	if v == nil || v.ordersReconciled == nil {
		return
	}
	v.ordersReconciled.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
