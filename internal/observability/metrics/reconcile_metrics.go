package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/paymentd/pkg/db"
	"gorm.io/gorm"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonQueryCanceled        = "query_canceled"
	ReasonDB                   = "db"
	ReasonBroker               = "broker"
	ReasonUnknown              = "unknown"
)

const (
	OutboxResultRepublished = "republished"
	OutboxResultDelivered   = "delivered"
	OutboxResultDeadLetter  = "dead_letter"
	OutboxResultSkipped     = "skipped"
)

// ReconcileMetrics exposes Prometheus counters for the reconciliation and
// outbox pipeline.
type ReconcileMetrics struct {
	persistenceErrors *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	outboxRows        *prometheus.CounterVec
	outboxCycle       prometheus.Observer
	outboxBacklog     prometheus.Gauge
	brokerAckLatency  prometheus.Observer
}

var (
	reconcileMetricsOnce sync.Once
	reconcileMetrics     *ReconcileMetrics
)

// ReconcileWithConfig returns the singleton registry using config labels.
func ReconcileWithConfig(cfg Config) *ReconcileMetrics {
	reconcileMetricsOnce.Do(func() {
		reconcileMetrics = NewReconcileMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcileMetrics
}

// NewReconcileMetrics registers a fresh set of collectors on registerer.
func NewReconcileMetrics(registerer prometheus.Registerer, cfg Config) *ReconcileMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "paymentd"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	persistenceErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "paymentd_reconcile_persistence_errors_total",
		Help:        "Transition failures returned to the provider for redelivery, by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	publishFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "paymentd_publish_failures_total",
		Help:        "Domain events not handed to the broker after a committed transition.",
		ConstLabels: constLabels,
	}, []string{"stage", "reason"})
	outboxRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "paymentd_outbox_rows_total",
		Help:        "Outbox rows handled by the dispatcher, by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	outboxCycle := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "paymentd_outbox_cycle_duration_seconds",
		Help:        "Outbox dispatch cycle latency.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	})
	outboxBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "paymentd_outbox_due_rows",
		Help:        "Undelivered outbox rows picked up in the last cycle.",
		ConstLabels: constLabels,
	})
	brokerAckLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "paymentd_broker_ack_latency_seconds",
		Help:        "Time between enqueue and broker acknowledgement.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		persistenceErrors,
		publishFailures,
		outboxRows,
		outboxCycle,
		outboxBacklog,
		brokerAckLatency,
	)

	return &ReconcileMetrics{
		persistenceErrors: persistenceErrors,
		publishFailures:   publishFailures,
		outboxRows:        outboxRows,
		outboxCycle:       outboxCycle,
		outboxBacklog:     outboxBacklog,
		brokerAckLatency:  brokerAckLatency,
	}
}

// IncPersistenceError counts a transition failure by classified reason.
func (m *ReconcileMetrics) IncPersistenceError(err error) {
	if m == nil || err == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(ClassifyReason(err)).Inc()
}

// IncPublishFailure counts an event the broker never accepted. Stage is
// "enqueue" for synchronous outcomes and "ack" for async delivery errors.
func (m *ReconcileMetrics) IncPublishFailure(stage, reason string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(stage, reason).Inc()
}

func (m *ReconcileMetrics) AddOutboxRows(result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.outboxRows.WithLabelValues(result).Add(float64(count))
}

func (m *ReconcileMetrics) ObserveOutboxCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.outboxCycle.Observe(duration.Seconds())
}

func (m *ReconcileMetrics) SetOutboxBacklog(count int) {
	if m == nil {
		return
	}
	m.outboxBacklog.Set(float64(count))
}

func (m *ReconcileMetrics) ObserveBrokerAck(latency time.Duration) {
	if m == nil {
		return
	}
	if latency < 0 {
		latency = 0
	}
	m.brokerAckLatency.Observe(latency.Seconds())
}

// ClassifyReason maps storage errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	switch {
	case hasPGCode(err, "55P03"):
		return ReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ReasonSerializationFailure
	case hasPGCode(err, "57014"):
		return ReasonQueryCanceled
	case isUniqueViolation(err):
		return ReasonUniqueViolation
	case isDBError(err):
		return ReasonDB
	}
	return ReasonUnknown
}

func isUniqueViolation(err error) bool {
	return db.IsDuplicateKeyErr(err)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
