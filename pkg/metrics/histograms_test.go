package metrics

import (
	"testing"
	"time"
)

func TestHistogramObserve(t *testing.T) {
	t.Parallel()

	h := NewHistogram("GET /strata/getDS")
	for _, d := range []time.Duration{
		10 * time.Millisecond,
		50 * time.Millisecond,
		200 * time.Millisecond,
		45 * time.Second,
	} {
		h.Observe(d)
	}

	snap := h.Snapshot()
	if snap.Count != 4 {
		t.Errorf("count = %d", snap.Count)
	}
	if snap.Sum < 45 {
		t.Errorf("sum = %f, slow fetch observation missing", snap.Sum)
	}
	if snap.Name != "GET /strata/getDS" {
		t.Errorf("name = %q", snap.Name)
	}
	// 45s lands in the 60s bucket only; the cumulative top bucket sees all.
	top := snap.Buckets[len(snap.Buckets)-1]
	if top.Le != 60.0 || top.Count != 4 {
		t.Errorf("top bucket = %+v", top)
	}
}

func TestHistogramPercentiles(t *testing.T) {
	t.Parallel()

	h := NewHistogram("dissem")
	for i := 0; i < 90; i++ {
		h.Observe(5 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(2 * time.Second)
	}

	snap := h.Snapshot()
	if snap.P50 > 0.01 {
		t.Errorf("p50 = %f, fast observations should dominate", snap.P50)
	}
	if snap.P99 < 0.1 {
		t.Errorf("p99 = %f, tail fetches not reflected", snap.P99)
	}
	if got := h.Percentile(0.50); got != snap.P50 {
		t.Errorf("Percentile(0.5) = %f, snapshot P50 = %f", got, snap.P50)
	}
}

func TestHistogramEmpty(t *testing.T) {
	t.Parallel()

	h := NewHistogram("unused")
	if p := h.Percentile(0.50); p != 0 {
		t.Errorf("empty p50 = %f", p)
	}
	if snap := h.Snapshot(); snap.Count != 0 || snap.P99 != 0 {
		t.Errorf("empty snapshot = %+v", snap)
	}
}

func TestHistogramRegistry(t *testing.T) {
	t.Parallel()

	reg := NewHistogramRegistry()
	reg.ObserveDuration("GET /strata/getDS", 100*time.Millisecond)
	reg.ObserveDuration("GET /strata/getDS", 200*time.Millisecond)
	reg.ObserveDuration("GET /strata/dissem/demo:1/demo:d1/get", 50*time.Millisecond)

	if snaps := reg.Snapshots(); len(snaps) != 2 {
		t.Fatalf("snapshots = %d", len(snaps))
	}
	if reg.Get("GET /strata/getDS") != reg.Get("GET /strata/getDS") {
		t.Error("Get minted a second histogram for the same endpoint")
	}
}

func TestRegistryObserveLatency(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.ObserveLatency("GET /healthz", 10*time.Millisecond)
	reg.ObserveLatency("GET /healthz", 20*time.Millisecond)

	snap := reg.Snapshot()
	if len(snap.Histograms) != 1 {
		t.Fatalf("histograms = %d", len(snap.Histograms))
	}
	if snap.Histograms[0].Count != 2 {
		t.Errorf("count = %d", snap.Histograms[0].Count)
	}
}
