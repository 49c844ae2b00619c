package authcore

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	m.Inc(MetricLoginSuccess)
	m.Observe(MetricValidateLatency, time.Millisecond)

	if m.Enabled() {
		t.Fatal("expected disabled metrics")
	}
	if got := m.Value(MetricLoginSuccess); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}

	snap := m.Snapshot()
	if len(snap.Counters) != 0 || len(snap.Histograms) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}

func TestMetricsCountersAndSnapshot(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	for i := 0; i < 5; i++ {
		m.Inc(MetricLoginSuccess)
	}
	m.Inc(MetricRefreshReuseDetected)

	if got := m.Value(MetricLoginSuccess); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}

	snap := m.Snapshot()
	if snap.Counters[MetricLoginSuccess] != 5 {
		t.Fatalf("snapshot counter mismatch: %d", snap.Counters[MetricLoginSuccess])
	}
	if snap.Counters[MetricRefreshReuseDetected] != 1 {
		t.Fatalf("snapshot counter mismatch: %d", snap.Counters[MetricRefreshReuseDetected])
	}

	// Snapshots are point-in-time copies.
	m.Inc(MetricLoginSuccess)
	if snap.Counters[MetricLoginSuccess] != 5 {
		t.Fatal("snapshot mutated after the fact")
	}
}

func TestMetricsLatencyBuckets(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})

	observations := []struct {
		d      time.Duration
		bucket int
	}{
		{2 * time.Millisecond, 0},
		{7 * time.Millisecond, 1},
		{20 * time.Millisecond, 2},
		{40 * time.Millisecond, 3},
		{80 * time.Millisecond, 4},
		{200 * time.Millisecond, 5},
		{400 * time.Millisecond, 6},
		{2 * time.Second, 7},
	}
	for _, obs := range observations {
		m.Observe(MetricValidateLatency, obs.d)
	}

	buckets := m.Snapshot().Histograms[MetricValidateLatency]
	if len(buckets) != histBucketCount {
		t.Fatalf("expected %d buckets, got %d", histBucketCount, len(buckets))
	}
	for _, obs := range observations {
		if buckets[obs.bucket] != 1 {
			t.Fatalf("bucket %d for %v: expected 1, got %d", obs.bucket, obs.d, buckets[obs.bucket])
		}
	}
}

func TestMetricsLatencyDisabledSeparately(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: false})

	m.Observe(MetricValidateLatency, time.Millisecond)

	if m.LatencyEnabled() {
		t.Fatal("expected latency histograms disabled")
	}
	if got := m.Snapshot().Histograms[MetricValidateLatency]; len(got) != 0 {
		t.Fatalf("expected no histogram data, got %v", got)
	}
}

func TestMetricsConcurrentIncrements(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				m.Inc(MetricLoginSuccess)
			}
		}()
	}
	wg.Wait()

	if got := m.Value(MetricLoginSuccess); got != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, got)
	}
}
