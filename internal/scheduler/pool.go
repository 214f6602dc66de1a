package scheduler

import (
	"sync"
	"sync/atomic"
)

// pool recycles slots. The steady state of one slot rented and immediately
// returned is served by the single fast reference; anything else spills into
// the spare stack.
//
// A slot is reachable either from the pool or from exactly one in-flight
// journey, never both, so it cannot be handed out twice.
type pool struct {
	owner *Scheduler
	fast  atomic.Pointer[slot]

	mu    sync.Mutex
	spare []*slot

	allocated atomic.Int64 // pooled slots ever created
}

// get rents a slot, allocating one if the pool is empty.
func (p *pool) get() *slot {
	if x := p.fast.Swap(nil); x != nil {
		return x
	}

	p.mu.Lock()
	if n := len(p.spare); n > 0 {
		x := p.spare[n-1]
		p.spare[n-1] = nil
		p.spare = p.spare[:n-1]
		p.mu.Unlock()
		return x
	}
	p.mu.Unlock()

	p.allocated.Add(1)
	return newSlot(p.owner, true)
}

// put returns a reset slot. It never fails.
func (p *pool) put(x *slot) {
	if p.fast.CompareAndSwap(nil, x) {
		return
	}
	p.mu.Lock()
	p.spare = append(p.spare, x)
	p.mu.Unlock()
}

// idle returns the number of slots currently sitting in the pool.
func (p *pool) idle() int {
	n := 0
	if p.fast.Load() != nil {
		n++
	}
	p.mu.Lock()
	n += len(p.spare)
	p.mu.Unlock()
	return n
}
