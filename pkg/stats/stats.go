// Package stats implements the engine-wide counter registry. Workers
// accumulate counts locally and flush deltas once per poll cycle, so the
// shared counters are only touched by cheap atomic adds.
package stats

import (
	"sync"
	"sync/atomic"
)

// Names of the capture counters published by the receive workers.
const (
	KernelPackets = "capture.kernel_packets"
	KernelDrops   = "capture.kernel_drops"
)

// Registry maps counter names to shared atomic values.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
	order    []string
}

// NewRegistry creates an empty counter registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*atomic.Uint64)}
}

// Counter returns the counter registered under name, creating it on
// first use.
func (r *Registry) Counter(name string) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := new(atomic.Uint64)
	r.counters[name] = c
	r.order = append(r.order, name)
	return c
}

// Each calls fn for every registered counter in registration order.
func (r *Registry) Each(fn func(name string, value uint64)) {
	r.mu.Lock()
	names := append([]string(nil), r.order...)
	counters := make([]*atomic.Uint64, len(names))
	for i, n := range names {
		counters[i] = r.counters[n]
	}
	r.mu.Unlock()

	for i, n := range names {
		fn(n, counters[i].Load())
	}
}

// Local is a worker's private counter block. Never shared; the owning
// worker is the only writer until Flush moves the counts out.
type Local struct {
	Pkts  uint64
	Bytes uint64
	Drops uint64
}

// Flush adds the local packet and drop counts to the shared counters and
// zeroes them. Bytes stay local; they only feed the exit summary.
func (l *Local) Flush(pkts, drops *atomic.Uint64) (p, d uint64) {
	p, d = l.Pkts, l.Drops
	if p > 0 {
		pkts.Add(p)
	}
	if d > 0 {
		drops.Add(d)
	}
	l.Pkts, l.Drops = 0, 0
	return p, d
}
