package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func labelValue(metric *dto.Metric, label string) string {
	for _, pair := range metric.GetLabel() {
		if pair.GetName() == label {
			return pair.GetValue()
		}
	}
	return ""
}

func TestOrderMetricsRecordsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetricsWithRegisterer(reg)

	m.RecordOrderCreated()
	m.RecordOrderCreated()
	m.RecordTransition("preparing")
	m.RecordTransition("completed")
	m.RecordTransition("completed")
	m.RecordTransitionRejected()

	created := gather(t, reg, "canteen_orders_created_total")
	if got := created[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("orders created = %v, want 2", got)
	}

	transitions := gather(t, reg, "canteen_order_status_transitions_total")
	byStatus := map[string]float64{}
	for _, metric := range transitions {
		byStatus[labelValue(metric, "status")] = metric.GetCounter().GetValue()
	}
	if byStatus["preparing"] != 1 || byStatus["completed"] != 2 {
		t.Fatalf("unexpected transitions %v", byStatus)
	}

	rejected := gather(t, reg, "canteen_order_status_transitions_rejected_total")
	if got := rejected[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("rejected = %v, want 1", got)
	}
}

func TestOrderMetricsRecordsDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetricsWithRegisterer(reg)

	m.RecordPublished("order_created", 3)
	m.RecordPublished("order_created", 2)
	m.RecordDropped("order_created")
	m.SetSubscribers(4)
	m.SetSubscribers(3)

	delivered := gather(t, reg, "canteen_events_delivered_total")
	if got := delivered[0].GetCounter().GetValue(); got != 5 {
		t.Fatalf("delivered = %v, want 5", got)
	}
	dropped := gather(t, reg, "canteen_events_dropped_total")
	if got := dropped[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
	subscribers := gather(t, reg, "canteen_active_subscribers")
	if got := subscribers[0].GetGauge().GetValue(); got != 3 {
		t.Fatalf("subscribers = %v, want 3", got)
	}
}

func TestOrderMetricsRecordsDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetricsWithRegisterer(reg)

	m.RecordOperationDuration("create_order", 20*time.Millisecond)

	durations := gather(t, reg, "canteen_order_operation_duration_seconds")
	if labelValue(durations[0], "operation") != "create_order" {
		t.Fatalf("unexpected label set %v", durations[0].GetLabel())
	}
	if got := durations[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("sample count = %d, want 1", got)
	}
}

func TestOrderMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewOrderMetricsWithRegisterer(reg)
	second := NewOrderMetricsWithRegisterer(reg)

	first.RecordOrderCreated()
	second.RecordOrderCreated()

	created := gather(t, reg, "canteen_orders_created_total")
	if got := created[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}
