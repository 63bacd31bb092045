package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterLockMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	AcquireCounter.WithLabelValues("acquired").Inc()
	ContentionCounter.Inc()
	StoreErrorCounter.WithLabelValues("insert").Inc()
	ReleaseCounter.Inc()
	WakeupCounter.Inc()
	WaitingGauge.Set(3)
	AcquireLatency.Observe(0.01)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 7 {
		t.Fatalf("expected 7 metric families, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(WaitingGauge); v != 3 {
		t.Fatalf("expected waiting gauge 3, got %v", v)
	}
}

func TestRegisterLockMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterLockMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterLockMetrics(reg)
}
