package metrics

import (
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "pager_"

	resultSuccess = "success"
	resultError   = "error"

	enqueueAccepted  = "accepted"
	enqueueDuplicate = "duplicate"
	enqueueEvicted   = "evicted"
	enqueueInvalid   = "invalid"

	handlerSuccess   = "success"
	handlerRetry     = "retry"
	handlerDropped   = "dropped"
	handlerUnhandled = "unhandled"

	persistRetry = "retry"
)

var (
	registerOnce sync.Once

	outboxPublishTotal   *prometheus.CounterVec
	outboxPublishLatency *prometheus.HistogramVec
	outboxDispatchTotal  *prometheus.CounterVec
	outboxDispatchEvents *prometheus.CounterVec

	alertEventsTotal *prometheus.CounterVec

	queueEnqueueTotal  *prometheus.CounterVec
	queueHandlerTotal  *prometheus.CounterVec
	queueDepth         prometheus.Gauge
	dedupPurgedTotal   prometheus.Counter
	persistWritesTotal *prometheus.CounterVec

	escalationFiredTotal *prometheus.CounterVec
	escalationArmed      prometheus.Gauge
	notificationsTotal   *prometheus.CounterVec

	shiftTransitionsTotal *prometheus.CounterVec

	handoverExportTotal   *prometheus.CounterVec
	handoverExportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		outboxPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_publish_total",
				Help: "Total outbox inserts by result",
			},
			[]string{"result"},
		)
		outboxPublishLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "outbox_publish_latency_seconds",
				Help:    "Outbox insert latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		outboxDispatchTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_runs_total",
				Help: "Total outbox dispatch passes by result",
			},
			[]string{"result"},
		)
		outboxDispatchEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "outbox_dispatch_events_total",
				Help: "Outbox records handled by outcome",
			},
			[]string{"outcome"},
		)

		alertEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_events_total",
				Help: "Total alert lifecycle events emitted by type",
			},
			[]string{"event"},
		)

		queueEnqueueTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "queue_enqueue_total",
				Help: "Client queue enqueue attempts by result",
			},
			[]string{"result"},
		)
		queueHandlerTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "queue_handler_total",
				Help: "Client queue handler outcomes",
			},
			[]string{"result"},
		)
		queueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "queue_depth",
				Help: "Unprocessed entries in the client queue",
			},
		)
		dedupPurgedTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dedup_purged_total",
				Help: "Dedup records removed by cleanup",
			},
		)
		persistWritesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persist_writes_total",
				Help: "Write-behind persistence attempts by result",
			},
			[]string{"result"},
		)

		escalationFiredTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "escalation_fired_total",
				Help: "Escalation deadlines that fired by resulting tier",
			},
			[]string{"tier"},
		)
		escalationArmed = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "escalation_armed",
				Help: "Currently armed escalation deadlines",
			},
		)
		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Escalation notifications by result",
			},
			[]string{"result"},
		)

		shiftTransitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "shift_transitions_total",
				Help: "Shift start/end attempts by action and result",
			},
			[]string{"action", "result"},
		)

		handoverExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "handover_export_total",
				Help: "Total handover report exports by format and result",
			},
			[]string{"format", "result"},
		)
		handoverExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "handover_export_latency_seconds",
				Help:    "Handover report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			outboxPublishTotal,
			outboxPublishLatency,
			outboxDispatchTotal,
			outboxDispatchEvents,
			alertEventsTotal,
			queueEnqueueTotal,
			queueHandlerTotal,
			queueDepth,
			dedupPurgedTotal,
			persistWritesTotal,
			escalationFiredTotal,
			escalationArmed,
			notificationsTotal,
			shiftTransitionsTotal,
			handoverExportTotal,
			handoverExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveOutboxPublish records outbox insert duration and result.
func ObserveOutboxPublish(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if outboxPublishTotal != nil {
		outboxPublishTotal.WithLabelValues(result).Inc()
	}
	if outboxPublishLatency != nil {
		outboxPublishLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// ObserveOutboxDispatch records one dispatch pass.
func ObserveOutboxDispatch(result string, _ time.Duration, sent, failed, dlq int) {
	if result == "" {
		result = resultSuccess
	}
	if outboxDispatchTotal != nil {
		outboxDispatchTotal.WithLabelValues(result).Inc()
	}
	if outboxDispatchEvents == nil {
		return
	}
	if sent > 0 {
		outboxDispatchEvents.WithLabelValues("sent").Add(float64(sent))
	}
	if failed > 0 {
		outboxDispatchEvents.WithLabelValues("failed").Add(float64(failed))
	}
	if dlq > 0 {
		outboxDispatchEvents.WithLabelValues("dlq").Add(float64(dlq))
	}
}

// IncAlertEvent increments alert lifecycle counters.
func IncAlertEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alertEventsTotal != nil {
		alertEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncQueueEnqueue counts an enqueue attempt.
func IncQueueEnqueue(result string) {
	if queueEnqueueTotal != nil {
		queueEnqueueTotal.WithLabelValues(result).Inc()
	}
}

// IncQueueHandler counts a handler outcome.
func IncQueueHandler(result string) {
	if queueHandlerTotal != nil {
		queueHandlerTotal.WithLabelValues(result).Inc()
	}
}

// SetQueueDepth sets the number of unprocessed entries.
func SetQueueDepth(depth int) {
	if queueDepth != nil {
		queueDepth.Set(float64(depth))
	}
}

// AddDedupPurged counts dedup records removed by cleanup.
func AddDedupPurged(count int) {
	if count <= 0 {
		return
	}
	if dedupPurgedTotal != nil {
		dedupPurgedTotal.Add(float64(count))
	}
}

// IncPersistWrite counts a write-behind attempt.
func IncPersistWrite(result string) {
	if result == "" {
		result = resultSuccess
	}
	if persistWritesTotal != nil {
		persistWritesTotal.WithLabelValues(result).Inc()
	}
}

// IncEscalationFired counts an escalation to tier.
func IncEscalationFired(tier int) {
	if escalationFiredTotal != nil {
		escalationFiredTotal.WithLabelValues(strconv.Itoa(tier)).Inc()
	}
}

// AddEscalationArmed moves the armed deadlines gauge by delta.
func AddEscalationArmed(delta int) {
	if escalationArmed != nil {
		escalationArmed.Add(float64(delta))
	}
}

// IncNotification counts an escalation notification result.
func IncNotification(result string) {
	if result == "" {
		result = resultSuccess
	}
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(result).Inc()
	}
}

// IncShiftTransition counts a shift start or end attempt.
func IncShiftTransition(action, result string) {
	if action == "" {
		action = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if shiftTransitionsTotal != nil {
		shiftTransitionsTotal.WithLabelValues(action, result).Inc()
	}
}

// ObserveHandoverExport records export latency and result.
func ObserveHandoverExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if handoverExportTotal != nil {
		handoverExportTotal.WithLabelValues(format, result).Inc()
	}
	if handoverExportLatency != nil {
		handoverExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	EnqueueAccepted  = enqueueAccepted
	EnqueueDuplicate = enqueueDuplicate
	EnqueueEvicted   = enqueueEvicted
	EnqueueInvalid   = enqueueInvalid

	HandlerSuccess   = handlerSuccess
	HandlerRetry     = handlerRetry
	HandlerDropped   = handlerDropped
	HandlerUnhandled = handlerUnhandled

	PersistRetry = persistRetry
)
