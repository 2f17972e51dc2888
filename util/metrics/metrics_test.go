package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEventRouted(t *testing.T) {
	// Reset metrics before test
	EventsRoutedTotal.Reset()

	RecordEventRouted("call.requested")
	count := testutil.ToFloat64(EventsRoutedTotal.WithLabelValues("call.requested"))
	if count != 1.0 {
		t.Errorf("Expected count to be 1.0, got %f", count)
	}

	RecordEventRouted("call.requested")
	RecordEventRouted("metrics.update")
	count = testutil.ToFloat64(EventsRoutedTotal.WithLabelValues("call.requested"))
	if count != 2.0 {
		t.Errorf("Expected count to be 2.0, got %f", count)
	}
	count = testutil.ToFloat64(EventsRoutedTotal.WithLabelValues("metrics.update"))
	if count != 1.0 {
		t.Errorf("Expected count to be 1.0 for metrics.update, got %f", count)
	}
}

func TestRecordEventDropped(t *testing.T) {
	EventsDroppedTotal.Reset()

	RecordEventDropped("unknown_kind")
	RecordEventDropped("unknown_kind")
	RecordEventDropped("handler_panic")

	count := testutil.ToFloat64(EventsDroppedTotal.WithLabelValues("unknown_kind"))
	if count != 2.0 {
		t.Errorf("Expected 2 unknown_kind drops, got %f", count)
	}
	count = testutil.ToFloat64(EventsDroppedTotal.WithLabelValues("handler_panic"))
	if count != 1.0 {
		t.Errorf("Expected 1 handler_panic drop, got %f", count)
	}
}

func TestSetCallsPending(t *testing.T) {
	SetCallsPending(3)
	if got := testutil.ToFloat64(CallsPending); got != 3.0 {
		t.Errorf("Expected pending gauge 3.0, got %f", got)
	}
	SetCallsPending(0)
	if got := testutil.ToFloat64(CallsPending); got != 0.0 {
		t.Errorf("Expected pending gauge 0.0, got %f", got)
	}
}

func TestSetCacheStale(t *testing.T) {
	SetCacheStale(true)
	if got := testutil.ToFloat64(CacheStale); got != 1.0 {
		t.Errorf("Expected stale gauge 1.0, got %f", got)
	}
	SetCacheStale(false)
	if got := testutil.ToFloat64(CacheStale); got != 0.0 {
		t.Errorf("Expected stale gauge 0.0, got %f", got)
	}
}

func TestRecordPull(t *testing.T) {
	PullsTotal.Reset()

	RecordPull("ok", "scheduled")
	RecordPull("ok", "reconnect")
	RecordPull("error", "scheduled")

	if got := testutil.ToFloat64(PullsTotal.WithLabelValues("ok", "scheduled")); got != 1.0 {
		t.Errorf("Expected 1 scheduled ok pull, got %f", got)
	}
	if got := testutil.ToFloat64(PullsTotal.WithLabelValues("ok", "reconnect")); got != 1.0 {
		t.Errorf("Expected 1 reconnect ok pull, got %f", got)
	}
	if got := testutil.ToFloat64(PullsTotal.WithLabelValues("error", "scheduled")); got != 1.0 {
		t.Errorf("Expected 1 scheduled error pull, got %f", got)
	}
}
