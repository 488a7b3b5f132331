package protocol

import "sync"

// MonotonicSequenceGenerator yields per-domain monotonic integers
// starting at 1. Each tenant gets an isolated counter.
type MonotonicSequenceGenerator struct {
	mu       sync.Mutex
	counters map[string]int64
}

// NewSequenceGenerator creates an empty generator.
func NewSequenceGenerator() *MonotonicSequenceGenerator {
	return &MonotonicSequenceGenerator{counters: make(map[string]int64)}
}

// Next returns the next sequence number for the domain. The first call
// for a domain returns 1.
func (g *MonotonicSequenceGenerator) Next(domain string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[domain]++
	return g.counters[domain]
}

// Current returns the last issued sequence for the domain, 0 if none.
func (g *MonotonicSequenceGenerator) Current(domain string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters[domain]
}

// Causal ordering relations between two vector clocks.
const (
	ClockEqual      = "equal"
	ClockBefore     = "before"
	ClockAfter      = "after"
	ClockConcurrent = "concurrent"
)

// VectorClockMerge performs component-wise max of two clocks.
func VectorClockMerge(a, b map[string]int64) map[string]int64 {
	merged := make(map[string]int64, len(a)+len(b))
	for node, v := range a {
		merged[node] = v
	}
	for node, v := range b {
		if v > merged[node] {
			merged[node] = v
		}
	}
	return merged
}

// VectorClockCompare returns the causal relation of a to b using the
// standard component-wise comparison rules.
func VectorClockCompare(a, b map[string]int64) string {
	aLess, bLess := false, false
	for node := range union(a, b) {
		av, bv := a[node], b[node]
		if av < bv {
			aLess = true
		}
		if bv < av {
			bLess = true
		}
	}
	switch {
	case !aLess && !bLess:
		return ClockEqual
	case aLess && !bLess:
		return ClockBefore
	case bLess && !aLess:
		return ClockAfter
	default:
		return ClockConcurrent
	}
}

func union(a, b map[string]int64) map[string]struct{} {
	nodes := make(map[string]struct{}, len(a)+len(b))
	for n := range a {
		nodes[n] = struct{}{}
	}
	for n := range b {
		nodes[n] = struct{}{}
	}
	return nodes
}
