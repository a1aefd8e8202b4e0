package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderSharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewWithRegisterer(reg)
	b := NewWithRegisterer(reg)

	a.RecordJob("training_job", "Completed")
	b.RecordJob("training_job", "Completed")
	a.RecordCache("hit")
	a.RecordInvocation("pollution", 30, 0.01)

	if got := testutil.ToFloat64(a.jobsTotal.WithLabelValues("training_job", "Completed")); got != 2 {
		t.Fatalf("jobs_total=%v want 2", got)
	}
	if got := testutil.ToFloat64(a.invocations.WithLabelValues("pollution")); got != 1 {
		t.Fatalf("invocations=%v", got)
	}
	if got := testutil.ToFloat64(b.cacheTotal.WithLabelValues("hit")); got != 1 {
		t.Fatalf("cache hits=%v", got)
	}
}
