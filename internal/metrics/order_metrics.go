package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики жизненного цикла заказов и рассылки событий.
type OrderMetrics struct {
	// Счётчики заказов
	ordersCreated       prometheus.Counter
	statusTransitions   *prometheus.CounterVec
	transitionsRejected prometheus.Counter

	// Рассылка
	eventsPublished   *prometheus.CounterVec
	deliveriesDropped *prometheus.CounterVec
	activeSubscribers prometheus.Gauge

	operationDuration *prometheus.HistogramVec
}

// NewOrderMetrics создаёт метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в указанном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Total number of orders accepted",
		})),
		statusTransitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_transitions_total",
			Help:      "Accepted order status transitions by target status",
		}, []string{"status"})),
		transitionsRejected: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_transitions_rejected_total",
			Help:      "Status transitions rejected by the lifecycle table",
		})),
		eventsPublished: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events delivered to subscribers by kind",
		}, []string{"kind"})),
		deliveriesDropped: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full",
		}, []string{"kind"})),
		activeSubscribers: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscribers",
			Help:      "Number of currently connected event subscribers",
		})),
		operationDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_operation_duration_seconds",
			Help:      "Duration of order service operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"operation"})),
	}
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *OrderMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordTransition учитывает принятый переход в status.
func (m *OrderMetrics) RecordTransition(status string) {
	m.statusTransitions.WithLabelValues(status).Inc()
}

// RecordTransitionRejected учитывает отклонённый переход.
func (m *OrderMetrics) RecordTransitionRejected() {
	m.transitionsRejected.Inc()
}

// RecordOperationDuration записывает время выполнения операции сервиса.
func (m *OrderMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPublished учитывает доставленные подписчикам события.
func (m *OrderMetrics) RecordPublished(kind string, delivered int) {
	m.eventsPublished.WithLabelValues(kind).Add(float64(delivered))
}

// RecordDropped учитывает потерянную доставку.
func (m *OrderMetrics) RecordDropped(kind string) {
	m.deliveriesDropped.WithLabelValues(kind).Inc()
}

// SetSubscribers выставляет число активных подписчиков.
func (m *OrderMetrics) SetSubscribers(n int) {
	m.activeSubscribers.Set(float64(n))
}
