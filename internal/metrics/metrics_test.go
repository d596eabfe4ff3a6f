package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}

	before := testutil.ToFloat64(logItems)
	ObserveLogBatch(true, 3)
	ObserveLogBatch(false, 5)
	if got := testutil.ToFloat64(logItems) - before; got != 3 {
		t.Errorf("items sent delta = %v, want 3", got)
	}
	if got := testutil.ToFloat64(logBatches.WithLabelValues("failed")); got < 1 {
		t.Errorf("failed batches = %v, want >= 1", got)
	}
}
