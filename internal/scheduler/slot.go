package scheduler

// slot.go: one message's journey through the scheduler.
//
// State diagram:
//
//	IDLE (in pool)
//	  │ schedule
//	  ├──────────────► AWAITING_LOCK ──┐ (group != nil)
//	  │                      │ cancel  │ granted
//	  ▼                      │         ▼
//	QUEUED ◄─────────────────┼─────────┘
//	  │ worker goroutine     │
//	  ▼                      │
//	RUNNING                  │
//	  │                      │
//	  ▼                      ▼
//	COMPLETING ──► release group, reset, return to pool ──► IDLE
//
// Every exit goes through complete, so a slot can never be left holding a
// group or an in-flight count.

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochbus/internal/syncgroup"
	"github.com/snehjoshi/epochbus/internal/types"
)

type slotState uint32

const (
	stateIdle slotState = iota
	stateAwaitingLock
	stateQueued
	stateRunning
	stateCompleting
)

func (st slotState) String() string {
	switch st {
	case stateIdle:
		return "idle"
	case stateAwaitingLock:
		return "awaiting_lock"
	case stateQueued:
		return "queued"
	case stateRunning:
		return "running"
	case stateCompleting:
		return "completing"
	default:
		return "unknown"
	}
}

// PanicError wraps a value recovered from a panicking consumer.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("scheduler: consumer panic: %v", e.Value)
}

// slot carries one message from Publish to completion. Its fields are only
// valid while it is checked out of the pool.
type slot struct {
	sched  *Scheduler
	pooled bool // false for slots allocated above the max pool size

	msg   types.Message
	group syncgroup.Group
	held  bool

	// Set only when the message carries its own cancellation signal.
	acquireCancel context.CancelFunc
	stopWatch     func() bool

	enqueuedAt time.Time
	dequeuedAt time.Time

	state atomic.Uint32
}

func newSlot(s *Scheduler, pooled bool) *slot {
	return &slot{sched: s, pooled: pooled}
}

func (x *slot) setState(st slotState) { x.state.Store(uint32(st)) }

func (x *slot) getState() slotState { return slotState(x.state.Load()) }

// schedule records the message and either dispatches it or starts acquiring
// its group.
func (x *slot) schedule(msg types.Message, group syncgroup.Group) {
	x.msg = msg
	x.group = group
	if x.sched.tracksQueue(msg) {
		x.enqueuedAt = time.Now()
		x.sched.sink.ReportQueueLength(1)
	}

	if group == nil {
		x.dispatch()
		return
	}

	x.setState(stateAwaitingLock)
	if group.Acquire(x.acquireContext(), x) {
		x.held = true
		x.dispatch()
	}
	// Otherwise x now belongs to the group's wait queue and may already be
	// running elsewhere. Do not touch it.
}

// acquireContext returns the lifetime signal, merged with the message's own
// signal when it has one.
func (x *slot) acquireContext() context.Context {
	mc := x.msg.Context()
	if mc == nil || mc.Done() == nil {
		return x.sched.ctx
	}
	ctx, cancel := context.WithCancel(x.sched.ctx)
	x.acquireCancel = cancel
	x.stopWatch = context.AfterFunc(mc, cancel)
	return ctx
}

func (x *slot) releaseAcquireContext() {
	if x.acquireCancel == nil {
		return
	}
	x.stopWatch()
	x.acquireCancel()
	x.acquireCancel = nil
	x.stopWatch = nil
}

// Resume implements syncgroup.Waiter.
func (x *slot) Resume(err error) {
	if err == nil {
		x.held = true
		x.dispatch()
		return
	}
	if !x.sched.isCancellation(err, x.msg) {
		// A broken lock implementation; recovering would silently lose the
		// ordering guarantee.
		panic(fmt.Errorf("scheduler %q: acquire group: %w", x.sched.name, err))
	}
	x.complete(nil)
}

// dispatch hands the rest of the journey to a worker goroutine.
func (x *slot) dispatch() {
	x.releaseAcquireContext()
	if !x.enqueuedAt.IsZero() {
		x.sched.sink.ReportQueueLength(-1)
		x.dequeuedAt = x.sched.sink.RecordMessageDequeued(x.enqueuedAt)
	}
	x.setState(stateQueued)
	go x.run()
}

func (x *slot) run() {
	x.setState(stateRunning)
	x.complete(x.invoke())
}

func (x *slot) invoke() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return x.sched.consumer(x.sched.ctx, x.msg)
}

// complete is the single exit of every journey.
func (x *slot) complete(err error) {
	x.setState(stateCompleting)
	s := x.sched

	var failure error
	if err != nil && !s.isCancellation(err, x.msg) {
		failure = err
		s.logFailure(x.msg, err)
	}

	switch {
	case !x.dequeuedAt.IsZero():
		s.sink.RecordMessageProcessed(x.dequeuedAt, x.msg.Label())
	case !x.enqueuedAt.IsZero():
		// Canceled while waiting for the group; it never left the queue.
		s.sink.ReportQueueLength(-1)
	}

	if x.held {
		x.group.Release()
	}
	x.releaseAcquireContext()
	x.reset()

	if x.pooled {
		s.pool.put(x)
	}
	s.finish()

	if failure != nil && debugBuild {
		panic(failure)
	}
}

func (x *slot) reset() {
	x.msg = nil
	x.group = nil
	x.held = false
	x.enqueuedAt = time.Time{}
	x.dequeuedAt = time.Time{}
	x.setState(stateIdle)
}
