package cycle

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// latencySampleSize is the number of resume latencies each worker retains.
const latencySampleSize = 1024

// Metrics is a snapshot of the optional runtime metrics, see WithMetrics.
type Metrics struct {
	Resume LatencyMetrics
	Queue  QueueMetrics
	// TPS is the rate of tasks reaching a terminal state, over a rolling
	// window.
	TPS float64
}

// LatencyMetrics is the distribution of the most recent resume durations,
// merged across workers.
type LatencyMetrics struct {
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// QueueMetrics tracks run queue depths.
type QueueMetrics struct {
	GlobalCurrent int
	GlobalMax     int
	LocalCurrent  int
	LocalMax      int
	// LocalAvg is an exponential moving average (alpha=0.1) of local queue
	// depth, sampled after each resume, averaged across workers.
	LocalAvg float64
}

// workerMetrics is recorded by a single worker, and read by snapshots.
type workerMetrics struct {
	mu          sync.Mutex
	samples     [latencySampleSize]time.Duration
	idx         int
	count       int
	localMax    int
	localAvg    float64
	initialized bool
}

func (m *workerMetrics) record(d time.Duration, depth int) {
	m.mu.Lock()
	m.samples[m.idx] = d
	m.idx = (m.idx + 1) % latencySampleSize
	if m.count < latencySampleSize {
		m.count++
	}
	if depth > m.localMax {
		m.localMax = depth
	}
	if !m.initialized {
		m.localAvg = float64(depth)
		m.initialized = true
	} else {
		m.localAvg = 0.9*m.localAvg + 0.1*float64(depth)
	}
	m.mu.Unlock()
}

// appendSamples appends the retained samples, returning the local depth
// stats alongside.
func (m *workerMetrics) appendSamples(dst []time.Duration) ([]time.Duration, int, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(dst, m.samples[:m.count]...), m.localMax, m.localAvg
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

func summarizeLatency(samples []time.Duration) LatencyMetrics {
	n := len(samples)
	if n == 0 {
		return LatencyMetrics{}
	}
	slices.Sort(samples)
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return LatencyMetrics{
		P50:   samples[percentileIndex(n, 50)],
		P90:   samples[percentileIndex(n, 90)],
		P95:   samples[percentileIndex(n, 95)],
		P99:   samples[percentileIndex(n, 99)],
		Max:   samples[n-1],
		Mean:  sum / time.Duration(n),
		Count: n,
	}
}

// tpsCounter tracks events per second over a rolling window of buckets.
type tpsCounter struct {
	lastRotation time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	mu           sync.Mutex
}

func newTPSCounter(windowSize, bucketSize time.Duration) *tpsCounter {
	return &tpsCounter{
		lastRotation: time.Now(),
		buckets:      make([]int64, max(1, int(windowSize/bucketSize))),
		bucketSize:   bucketSize,
		windowSize:   windowSize,
	}
}

func (c *tpsCounter) increment(now time.Time) {
	c.mu.Lock()
	c.rotateLocked(now)
	c.buckets[len(c.buckets)-1]++
	c.mu.Unlock()
}

func (c *tpsCounter) rotateLocked(now time.Time) {
	advance := int(now.Sub(c.lastRotation) / c.bucketSize)
	switch {
	case advance <= 0:
		return
	case advance >= len(c.buckets):
		clear(c.buckets)
		c.lastRotation = now
	default:
		copy(c.buckets, c.buckets[advance:])
		clear(c.buckets[len(c.buckets)-advance:])
		c.lastRotation = c.lastRotation.Add(time.Duration(advance) * c.bucketSize)
	}
}

func (c *tpsCounter) rate(now time.Time) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked(now)
	var sum int64
	for _, v := range c.buckets {
		sum += v
	}
	return float64(sum) / c.windowSize.Seconds()
}

// maxTracker records the maximum of a sampled value without locking.
type maxTracker struct {
	v atomic.Int64
}

func (m *maxTracker) observe(n int64) {
	for {
		cur := m.v.Load()
		if n <= cur || m.v.CompareAndSwap(cur, n) {
			return
		}
	}
}
