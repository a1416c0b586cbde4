package cycle

import (
	"testing"
	"time"
)

func TestPercentileIndex(t *testing.T) {
	for _, tc := range []struct{ n, p, want int }{
		{100, 50, 50},
		{100, 99, 99},
		{100, 100, 99},
		{1, 99, 0},
		{10, 90, 9},
	} {
		if got := percentileIndex(tc.n, tc.p); got != tc.want {
			t.Errorf("percentileIndex(%d, %d) = %d, want %d", tc.n, tc.p, got, tc.want)
		}
	}
}

func TestSummarizeLatency(t *testing.T) {
	if got := summarizeLatency(nil); got != (LatencyMetrics{}) {
		t.Fatalf("empty summary = %+v", got)
	}
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(100-i) * time.Microsecond
	}
	m := summarizeLatency(samples)
	if m.Count != 100 || m.Max != 100*time.Microsecond {
		t.Fatalf("count=%d max=%v", m.Count, m.Max)
	}
	if m.P50 != 51*time.Microsecond || m.P99 != 100*time.Microsecond {
		t.Fatalf("p50=%v p99=%v", m.P50, m.P99)
	}
	if m.Mean != 50500*time.Nanosecond {
		t.Fatalf("mean=%v", m.Mean)
	}
}

func TestWorkerMetrics_RingAndDepth(t *testing.T) {
	var m workerMetrics
	for i := 0; i < latencySampleSize+10; i++ {
		m.record(time.Duration(i), i%5)
	}
	samples, localMax, localAvg := m.appendSamples(nil)
	if len(samples) != latencySampleSize {
		t.Fatalf("retained %d samples", len(samples))
	}
	if localMax != 4 {
		t.Fatalf("localMax = %d", localMax)
	}
	if localAvg < 0 || localAvg > 4 {
		t.Fatalf("localAvg = %v", localAvg)
	}
}

func TestTPSCounter(t *testing.T) {
	c := newTPSCounter(time.Second, 100*time.Millisecond)
	now := time.Now()
	for i := 0; i < 50; i++ {
		c.increment(now)
	}
	if r := c.rate(now); r != 50 {
		t.Fatalf("rate = %v, want 50", r)
	}
	// the window slides past every bucket
	if r := c.rate(now.Add(2 * time.Second)); r != 0 {
		t.Fatalf("rate after window = %v, want 0", r)
	}
}

func TestMaxTracker(t *testing.T) {
	var m maxTracker
	for _, v := range []int64{3, 9, 2, 9, 4} {
		m.observe(v)
	}
	if got := m.v.Load(); got != 9 {
		t.Fatalf("max = %d", got)
	}
}
