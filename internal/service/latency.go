package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// latencyTracker keeps a quantile sketch of add latency, timing one add in
// every `every` so the hot path stays a single atomic increment.
type latencyTracker struct {
	every uint64
	n     atomic.Uint64

	mu     sync.Mutex
	sketch *ddsketch.DDSketch
}

// newLatencyTracker returns a disabled tracker when every is not positive.
func newLatencyTracker(every int) *latencyTracker {
	t := &latencyTracker{}
	if every <= 0 {
		return t
	}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return t
	}
	t.every = uint64(every)
	t.sketch = sketch
	return t
}

func (t *latencyTracker) sample() bool {
	return t.sketch != nil && t.n.Add(1)%t.every == 0
}

func (t *latencyTracker) observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.sketch.Add(float64(d.Nanoseconds()))
}

// quantiles returns the sampled p50 and p99, zero before the first sample.
func (t *latencyTracker) quantiles() (p50, p99 time.Duration) {
	if t.sketch == nil {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sketch.IsEmpty() {
		return 0, 0
	}
	qs, err := t.sketch.GetValuesAtQuantiles([]float64{0.5, 0.99})
	if err != nil {
		return 0, 0
	}
	return time.Duration(qs[0]), time.Duration(qs[1])
}
