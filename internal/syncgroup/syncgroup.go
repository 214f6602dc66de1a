// Package syncgroup provides the non-blocking group locks used by the
// scheduler to order messages that share an affinity.
//
// A Group never parks the calling goroutine. Acquire either takes a slot
// immediately or queues the caller's Waiter, which is resumed later by the
// goroutine that releases the slot (or by the context's cancellation). This
// lets a publisher initiate acquisition, and so fix its FIFO position, without
// blocking.
//
// Two variants are provided:
//
//   - NewExclusive: at most one holder, FIFO wake order.
//   - NewLimiter:   up to n holders, FIFO wake order.
package syncgroup

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Waiter is resumed exactly once for every Acquire call that returned false.
type Waiter interface {
	// Resume is called with nil once the slot has been granted, or with the
	// context error if the acquire was canceled first. A canceled waiter
	// holds nothing and must not call Release.
	Resume(err error)
}

// Group is a lock-like object guarding execution order for every message that
// shares an affinity.
type Group interface {
	// Acquire takes a slot. It returns true if the slot was taken
	// synchronously, in which case w is never resumed. Otherwise w has been
	// queued, in FIFO order, before Acquire returns, and w.Resume will be
	// called exactly once, possibly before Acquire returns.
	Acquire(ctx context.Context, w Waiter) bool

	// Release returns a slot taken by a successful Acquire.
	Release()
}

// Semaphore is a FIFO counting semaphore implementing Group.
//
// Invariant: while any waiter is queued every permit is held, so a Release
// hands its permit straight to the front live waiter.
type Semaphore struct {
	mu      sync.Mutex
	size    int
	held    int
	waiters list.List // elements are *waiter (FIFO)
}

type waiter struct {
	w    Waiter
	ctx  context.Context
	elem *list.Element // nil once granted or canceled
	stop func() bool
}

// NewExclusive returns a Group with a single slot.
func NewExclusive() *Semaphore {
	return &Semaphore{size: 1}
}

// NewLimiter returns a Group with n slots. It panics if n < 1.
func NewLimiter(n int) *Semaphore {
	if n < 1 {
		panic(fmt.Sprintf("syncgroup: limiter size must be positive, got %d", n))
	}
	return &Semaphore{size: n}
}

// Size returns the configured number of slots.
func (s *Semaphore) Size() int { return s.size }

// Held returns the number of slots currently taken.
func (s *Semaphore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Waiting returns the number of queued waiters.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// Acquire implements Group.
func (s *Semaphore) Acquire(ctx context.Context, w Waiter) bool {
	s.mu.Lock()
	if s.held < s.size && s.waiters.Len() == 0 {
		s.held++
		s.mu.Unlock()
		return true
	}

	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		w.Resume(err)
		return false
	}

	wt := &waiter{w: w, ctx: ctx}
	wt.elem = s.waiters.PushBack(wt)
	// Registered under mu: if ctx is already done the callback runs on its own
	// goroutine and blocks on mu until we are finished here.
	wt.stop = context.AfterFunc(ctx, func() { s.cancel(ctx, wt) })
	s.mu.Unlock()
	return false
}

// Release implements Group. It panics if no slot is held.
//
// The permit goes to the first queued waiter whose context is still live.
// Waiters whose context is already done are resumed with its error even if
// their cancellation callback has not run yet, so a canceled context never
// receives a grant.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if s.held == 0 {
		s.mu.Unlock()
		panic("syncgroup: release of unheld slot")
	}
	var (
		dead []*waiter
		next *waiter
	)
	for front := s.waiters.Front(); front != nil; front = s.waiters.Front() {
		wt := s.waiters.Remove(front).(*waiter)
		wt.elem = nil
		if wt.ctx.Err() != nil {
			dead = append(dead, wt)
			continue
		}
		next = wt
		break
	}
	if next == nil {
		s.held--
	}
	s.mu.Unlock()

	// A cancellation callback that already started finds elem == nil and
	// backs off, so each waiter is resumed here exactly once.
	for _, wt := range dead {
		wt.stop()
		wt.w.Resume(wt.ctx.Err())
	}
	if next != nil {
		next.stop()
		next.w.Resume(nil)
	}
}

func (s *Semaphore) cancel(ctx context.Context, wt *waiter) {
	s.mu.Lock()
	if wt.elem == nil {
		s.mu.Unlock()
		return
	}
	s.waiters.Remove(wt.elem)
	wt.elem = nil
	s.mu.Unlock()

	wt.w.Resume(ctx.Err())
}
