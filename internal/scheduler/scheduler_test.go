package scheduler_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/strategy"
	"github.com/snehjoshi/epochbus/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// collected records consumer invocations in a concurrency-safe way.
type collected struct {
	mu      sync.Mutex
	entries []string
}

func (c *collected) add(s string) {
	c.mu.Lock()
	c.entries = append(c.entries, s)
	c.mu.Unlock()
}

func (c *collected) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.entries))
	copy(out, c.entries)
	return out
}

// filter returns the entries with the given prefix, in recorded order.
func (c *collected) filter(prefix string) []string {
	var out []string
	for _, e := range c.snapshot() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			out = append(out, e)
		}
	}
	return out
}

func msg(aff *types.Affinity, kind string) *types.Envelope {
	return &types.Envelope{Stream: aff, Kind: kind}
}

func newScheduler(t *testing.T, c scheduler.Consumer, strat strategy.Strategy, opts ...scheduler.Option) *scheduler.Scheduler {
	t.Helper()
	opts = append([]scheduler.Option{scheduler.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))}, opts...)
	s, err := scheduler.New(t.Name(), c, strat, opts...)
	require.NoError(t, err)
	return s
}

// waitFor polls cond until it holds. Stop cancels every pending acquire, so
// tests that assert on completed work wait for it before stopping.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func mustRateLimited(t *testing.T, n int) strategy.Strategy {
	t.Helper()
	s, err := strategy.NewRateLimited(n)
	require.NoError(t, err)
	return s
}

// ─── construction ────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	nop := func(context.Context, types.Message) error { return nil }

	_, err := scheduler.New("", nop, strategy.NewSerial())
	assert.Error(t, err)
	_, err = scheduler.New("x", nil, strategy.NewSerial())
	assert.Error(t, err)
	_, err = scheduler.New("x", nop, nil)
	assert.Error(t, err)
	_, err = scheduler.New("x", nop, strategy.NewSerial(), scheduler.WithMaxPoolSize(0))
	assert.Error(t, err)
	_, err = scheduler.New("x", nop, strategy.NewSerial(), scheduler.WithStopTimeout(-time.Second))
	assert.Error(t, err)

	s, err := scheduler.New("x", nop, strategy.NewSerial())
	require.NoError(t, err)
	assert.Equal(t, "x", s.Name())
	assert.Equal(t, "serial", s.Strategy().Name())
}

// ─── ordering ────────────────────────────────────────────────────────────────

func TestScheduler_FIFOPerAffinity(t *testing.T) {
	for _, strat := range []strategy.Strategy{strategy.NewSerial(), strategy.NewConcurrent(), mustRateLimited(t, 4)} {
		t.Run(strat.Name(), func(t *testing.T) {
			c := &collected{}
			s := newScheduler(t, func(ctx context.Context, m types.Message) error {
				c.add(m.Label())
				return nil
			}, strat)
			s.Start()

			a := types.NewAffinity("A")
			const n = 200
			for i := 0; i < n; i++ {
				s.Publish(msg(a, fmt.Sprintf("A-%03d", i)))
			}
			waitFor(t, func() bool { return len(c.snapshot()) == n })
			require.NoError(t, s.Stop())

			got := c.snapshot()
			require.Len(t, got, n)
			for i := 0; i < n; i++ {
				assert.Equal(t, fmt.Sprintf("A-%03d", i), got[i])
			}
		})
	}
}

func TestScheduler_SerialOrdersUnknownAffinity(t *testing.T) {
	c := &collected{}
	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		c.add(m.Label())
		return nil
	}, strategy.NewSerial())

	for i := 0; i < 100; i++ {
		aff := types.UnknownAffinity
		if i%2 == 1 {
			aff = nil // shares the default group under Serial
		}
		s.Publish(msg(aff, fmt.Sprintf("%03d", i)))
	}
	waitFor(t, func() bool { return len(c.snapshot()) == 100 })
	require.NoError(t, s.Stop())

	got := c.snapshot()
	require.Len(t, got, 100)
	for i := range got {
		assert.Equal(t, fmt.Sprintf("%03d", i), got[i])
	}
}

// TestScheduler_OrderUnderConcurrentPublish checks that each publisher's own
// messages stay in order when many publishers share one affinity.
func TestScheduler_OrderUnderConcurrentPublish(t *testing.T) {
	var (
		mu   sync.Mutex
		last = map[int]int{}
		bad  atomic.Int32
		done atomic.Int32
	)
	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		defer done.Add(1)
		var p, i int
		_, _ = fmt.Sscanf(m.Label(), "%d-%d", &p, &i)
		mu.Lock()
		if prev, ok := last[p]; ok && prev >= i {
			bad.Add(1)
		}
		last[p] = i
		mu.Unlock()
		return nil
	}, strategy.NewSerial())

	a := types.NewAffinity("shared")
	var g errgroup.Group
	for p := 0; p < 8; p++ {
		g.Go(func() error {
			for i := 0; i < 250; i++ {
				s.Publish(msg(a, fmt.Sprintf("%d-%d", p, i)))
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	waitFor(t, func() bool { return done.Load() == 8*250 })
	require.NoError(t, s.Stop())

	assert.Zero(t, bad.Load())
	assert.Len(t, last, 8)
}

func TestScheduler_IdentityNotValue(t *testing.T) {
	// Two tokens named alike are distinct affinities and do not block each
	// other.
	block := make(chan struct{})
	secondRan := make(chan struct{})

	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		if m.Label() == "first" {
			<-block
			return nil
		}
		close(secondRan)
		return nil
	}, strategy.NewSerial())

	s.Publish(msg(types.NewAffinity("stream-1"), "first"))
	s.Publish(msg(types.NewAffinity("stream-1"), "second"))

	select {
	case <-secondRan:
	case <-time.After(2 * time.Second):
		t.Fatal("value-equal affinities must not share a lock")
	}
	close(block)
	require.NoError(t, s.Stop())
}

// ─── isolation & limits ──────────────────────────────────────────────────────

func TestScheduler_IsolationAcrossAffinities(t *testing.T) {
	for _, strat := range []strategy.Strategy{strategy.NewConcurrent(), strategy.NewSerial()} {
		t.Run(strat.Name(), func(t *testing.T) {
			block := make(chan struct{})
			bDone := make(chan struct{})
			a, b := types.NewAffinity("A"), types.NewAffinity("B")

			s := newScheduler(t, func(ctx context.Context, m types.Message) error {
				switch m.Affinity() {
				case a:
					<-block
				case b:
					bDone <- struct{}{}
				}
				return nil
			}, strat)

			s.Publish(msg(a, "a1"))
			s.Publish(msg(a, "a2"))
			s.Publish(msg(b, "b1"))
			s.Publish(msg(b, "b2"))

			for i := 0; i < 2; i++ {
				select {
				case <-bDone:
				case <-time.After(2 * time.Second):
					t.Fatal("affinity B was blocked by affinity A")
				}
			}
			close(block)
			require.NoError(t, s.Stop())
		})
	}
}

func TestScheduler_ConcurrentRunsUnknownInParallel(t *testing.T) {
	const n = 8
	var arrived sync.WaitGroup
	arrived.Add(n)
	release := make(chan struct{})

	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		arrived.Done()
		<-release
		return nil
	}, strategy.NewConcurrent())

	for i := 0; i < n; i++ {
		s.Publish(msg(types.UnknownAffinity, "u"))
	}

	waitCh := make(chan struct{})
	go func() { arrived.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("unknown-affinity messages must run in parallel under Concurrent")
	}
	close(release)
	require.NoError(t, s.Stop())
}

func TestScheduler_RateLimitRespected(t *testing.T) {
	const limit = 3
	var cur, peak, done atomic.Int32

	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		defer done.Add(1)
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		cur.Add(-1)
		return nil
	}, mustRateLimited(t, limit))

	for i := 0; i < 60; i++ {
		s.Publish(msg(types.UnknownAffinity, "u"))
	}
	waitFor(t, func() bool { return done.Load() == 60 })
	require.NoError(t, s.Stop())

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

// TestScheduler_CrossAffinityParallelism publishes 3 messages for A, 3 for B
// and 1 with no affinity under a rate limit of 1. A and B are each ordered,
// and total time is close to one affinity's worth of work, not all seven.
func TestScheduler_CrossAffinityParallelism(t *testing.T) {
	c := &collected{}
	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		time.Sleep(10 * time.Millisecond)
		c.add(m.Label())
		return nil
	}, mustRateLimited(t, 1))

	a, b := types.NewAffinity("A"), types.NewAffinity("B")
	start := time.Now()
	for i := 1; i <= 3; i++ {
		s.Publish(msg(a, fmt.Sprintf("A%d", i)))
		s.Publish(msg(b, fmt.Sprintf("B%d", i)))
	}
	s.Publish(msg(nil, "N"))
	waitFor(t, func() bool { return len(c.snapshot()) == 7 })
	elapsed := time.Since(start)
	require.NoError(t, s.Stop())

	assert.Equal(t, []string{"A1", "A2", "A3"}, c.filter("A"))
	assert.Equal(t, []string{"B1", "B2", "B3"}, c.filter("B"))
	assert.Equal(t, []string{"N"}, c.filter("N"))
	assert.Less(t, elapsed, 65*time.Millisecond, "affinities must run in parallel")
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestScheduler_DrainCompletesEverything(t *testing.T) {
	var processed atomic.Int64
	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil
	}, strategy.NewConcurrent())

	affs := []*types.Affinity{types.NewAffinity("a"), types.NewAffinity("b"), types.UnknownAffinity, nil}
	for i := 0; i < 400; i++ {
		s.Publish(msg(affs[i%len(affs)], "m"))
	}
	waitFor(t, func() bool { return processed.Load() == 400 })
	s.RequestStop()
	require.NoError(t, s.Stop())

	assert.Zero(t, s.InFlight())
	assert.EqualValues(t, 400, processed.Load())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after a successful Stop")
	}
}

// TestScheduler_StopSettlesEverything stops straight after publishing. Work
// without a group always runs; grouped work may be dropped. Either way every
// message settles and Done closes.
func TestScheduler_StopSettlesEverything(t *testing.T) {
	var processed atomic.Int64
	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		time.Sleep(time.Millisecond)
		processed.Add(1)
		return nil
	}, strategy.NewConcurrent())

	affs := []*types.Affinity{types.NewAffinity("a"), types.NewAffinity("b"), types.UnknownAffinity, nil}
	for i := 0; i < 400; i++ {
		s.Publish(msg(affs[i%len(affs)], "m"))
	}
	require.NoError(t, s.Stop())

	assert.Zero(t, s.InFlight())
	assert.GreaterOrEqual(t, processed.Load(), int64(200), "unknown and nil affinities hold no group under Concurrent")
	assert.LessOrEqual(t, processed.Load(), int64(400))
	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after a successful Stop")
	}
}

// TestScheduler_StopLeavesFIFOPrefix stops while one affinity still has a
// long queue. Whatever ran must be a gap-free prefix of the publish order.
func TestScheduler_StopLeavesFIFOPrefix(t *testing.T) {
	const n = 200
	for run := 0; run < 20; run++ {
		c := &collected{}
		s := newScheduler(t, func(ctx context.Context, m types.Message) error {
			c.add(m.Label())
			return nil
		}, strategy.NewSerial())

		a := types.NewAffinity("A")
		for i := 0; i < n; i++ {
			s.Publish(msg(a, fmt.Sprintf("A-%03d", i)))
		}
		require.NoError(t, s.Stop())

		got := c.snapshot()
		for i, label := range got {
			require.Equal(t, fmt.Sprintf("A-%03d", i), label, "run %d: gap after stop", run)
		}
	}
}

// TestScheduler_DrainDropsWaitingMessages stops while a long queue is waiting
// on one affinity. Waiters whose acquire is canceled are dropped as shutdown
// noise; a waiter granted the group first still runs. None hang.
func TestScheduler_DrainDropsWaitingMessages(t *testing.T) {
	var invoked atomic.Int64
	firstRunning := make(chan struct{})

	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		if invoked.Add(1) == 1 {
			close(firstRunning)
		}
		<-ctx.Done()
		return ctx.Err()
	}, strategy.NewSerial())

	a := types.NewAffinity("long")
	for i := 0; i < 50; i++ {
		s.Publish(msg(a, "m"))
	}
	<-firstRunning
	assert.EqualValues(t, 50, s.InFlight())

	require.NoError(t, s.Stop())
	assert.Zero(t, s.InFlight())
	assert.EqualValues(t, 1, invoked.Load(), "waiters behind a running message never get the group after stop")
}

func TestScheduler_StopWithNothingInFlight(t *testing.T) {
	s := newScheduler(t, func(context.Context, types.Message) error { return nil }, strategy.NewSerial())
	require.NoError(t, s.Stop())
	assert.True(t, s.Stopping())
	<-s.Done()
}

func TestScheduler_PublishAfterRequestStop(t *testing.T) {
	var invoked atomic.Int32
	s := newScheduler(t, func(context.Context, types.Message) error {
		invoked.Add(1)
		return nil
	}, strategy.NewSerial())

	s.RequestStop()
	for i := 0; i < 10; i++ {
		s.Publish(msg(types.UnknownAffinity, "late"))
		assert.Zero(t, s.InFlight())
	}
	require.NoError(t, s.Stop())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, invoked.Load())
}

func TestScheduler_StopTimeout(t *testing.T) {
	release := make(chan struct{})
	running := make(chan struct{})
	s := newScheduler(t, func(context.Context, types.Message) error {
		close(running)
		<-release // ignores cancellation
		return nil
	}, strategy.NewSerial(), scheduler.WithStopTimeout(100*time.Millisecond))

	s.Publish(msg(nil, "stuck"))
	<-running

	start := time.Now()
	err := s.Stop()
	elapsed := time.Since(start)

	require.ErrorIs(t, err, scheduler.ErrStopTimeout)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.EqualValues(t, 1, s.InFlight(), "a timed-out stop does not abort work")

	close(release)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("drain must still complete once the consumer returns")
	}
	assert.Zero(t, s.InFlight())
}

func TestScheduler_StopContextCanceledIsSwallowed(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := newScheduler(t, func(context.Context, types.Message) error {
		<-release
		return nil
	}, strategy.NewSerial())
	s.Publish(msg(nil, "stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.StopContext(ctx))
}

func TestScheduler_IdempotentLifecycle(t *testing.T) {
	sink := &fakeSink{}
	s := newScheduler(t, func(context.Context, types.Message) error { return nil },
		strategy.NewSerial(), scheduler.WithMetrics(sink))

	s.Start()
	s.Start()
	assert.EqualValues(t, 1, sink.starts.Load())

	s.RequestStop()
	s.RequestStop()
	assert.EqualValues(t, 1, sink.stops.Load())
	assert.True(t, s.Stopping())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.EqualValues(t, 1, sink.stops.Load())
}

func TestScheduler_ConsumerSeesLifetimeSignal(t *testing.T) {
	got := make(chan context.Context, 1)
	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		got <- ctx
		return nil
	}, strategy.NewConcurrent())

	s.Publish(msg(nil, "m"))
	ctx := <-got
	assert.NoError(t, ctx.Err())
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

// ─── error handling ──────────────────────────────────────────────────────────

// syncBuffer is a bytes.Buffer safe for concurrent writes from log handlers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestScheduler_ConsumerErrorIsLogged(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	s := newScheduler(t, func(context.Context, types.Message) error {
		return errors.New("projection write failed")
	}, strategy.NewSerial(), scheduler.WithLogger(logger))

	s.Publish(&types.Envelope{ID: "01HX0000000000000000000000", Stream: types.NewAffinity("orders"), Kind: "order.created"})
	require.NoError(t, s.Stop())

	out := logs.String()
	assert.Contains(t, out, "consumer failed")
	assert.Contains(t, out, "projection write failed")
	assert.Contains(t, out, `"message_id":"01HX0000000000000000000000"`)
	assert.Contains(t, out, `"label":"order.created"`)
	assert.Contains(t, out, t.Name())
	assert.Zero(t, s.InFlight())
}

func TestScheduler_ConsumerPanicIsRecovered(t *testing.T) {
	var logs syncBuffer
	var after atomic.Bool

	a := types.NewAffinity("a")
	s := newScheduler(t, func(_ context.Context, m types.Message) error {
		if m.Label() == "boom" {
			panic("kaboom")
		}
		after.Store(true)
		return nil
	}, strategy.NewSerial(), scheduler.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	s.Publish(msg(a, "boom"))
	s.Publish(msg(a, "after"))
	waitFor(t, after.Load)
	require.NoError(t, s.Stop())

	assert.True(t, after.Load(), "the group must be released after a panic")
	assert.Contains(t, logs.String(), "kaboom")
	assert.Zero(t, s.InFlight())
}

func TestScheduler_CancellationIsNotLogged(t *testing.T) {
	var logs syncBuffer
	running := make(chan struct{})

	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		if mc := m.Context(); mc != nil {
			return mc.Err()
		}
		close(running)
		<-ctx.Done()
		return fmt.Errorf("interrupted: %w", ctx.Err())
	}, strategy.NewConcurrent(), scheduler.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	// Message-scoped cancellation.
	mctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Publish(&types.Envelope{Kind: "msg-canceled", Ctx: mctx})

	// Lifetime cancellation.
	s.Publish(msg(nil, "lifetime"))
	<-running
	require.NoError(t, s.Stop())

	assert.NotContains(t, logs.String(), "consumer failed")
}

func TestScheduler_MessageContextCancelsPendingAcquire(t *testing.T) {
	release := make(chan struct{})
	c := &collected{}
	running := make(chan struct{})

	s := newScheduler(t, func(_ context.Context, m types.Message) error {
		c.add(m.Label())
		if m.Label() == "holder" {
			close(running)
			<-release
		}
		return nil
	}, strategy.NewSerial())

	a := types.NewAffinity("a")
	s.Publish(msg(a, "holder"))
	<-running

	mctx, cancel := context.WithCancel(context.Background())
	s.Publish(&types.Envelope{Stream: a, Kind: "abandoned", Ctx: mctx})
	s.Publish(msg(a, "next"))
	assert.EqualValues(t, 3, s.InFlight())

	cancel()
	require.Eventually(t, func() bool { return s.InFlight() == 2 }, time.Second, time.Millisecond)

	close(release)
	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
	require.NoError(t, s.Stop())
	assert.Equal(t, []string{"holder", "next"}, c.snapshot())
}

// ─── metrics ─────────────────────────────────────────────────────────────────

type fakeSink struct {
	starts, stops atomic.Int32
	queue         atomic.Int64
	peakQueue     atomic.Int64
	dequeued      atomic.Int32

	mu        sync.Mutex
	processed map[string]int
}

func (f *fakeSink) ReportQueueLength(delta int) {
	n := f.queue.Add(int64(delta))
	for {
		p := f.peakQueue.Load()
		if n <= p || f.peakQueue.CompareAndSwap(p, n) {
			return
		}
	}
}

func (f *fakeSink) RecordMessageDequeued(enqueuedAt time.Time) time.Time {
	f.dequeued.Add(1)
	return time.Now()
}

func (f *fakeSink) RecordMessageProcessed(dequeuedAt time.Time, label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed == nil {
		f.processed = map[string]int{}
	}
	f.processed[label]++
}

func (f *fakeSink) Start() { f.starts.Add(1) }
func (f *fakeSink) Stop()  { f.stops.Add(1) }

func TestScheduler_MetricsOnlyForUnknownAffinity(t *testing.T) {
	sink := &fakeSink{}
	gate := make(chan struct{})
	var done atomic.Int32
	s := newScheduler(t, func(context.Context, types.Message) error {
		<-gate
		done.Add(1)
		return nil
	}, strategy.NewSerial(), scheduler.WithMetrics(sink))
	s.Start()

	for i := 0; i < 5; i++ {
		s.Publish(msg(types.UnknownAffinity, "default"))
	}
	s.Publish(msg(types.NewAffinity("x"), "explicit"))
	s.Publish(msg(nil, "none"))

	// The first default message is granted at once; the other four wait.
	waitFor(t, func() bool { return sink.peakQueue.Load() >= 4 })
	close(gate)
	waitFor(t, func() bool { return done.Load() == 7 })
	require.NoError(t, s.Stop())

	assert.Zero(t, sink.queue.Load(), "queue length must return to zero")
	assert.EqualValues(t, 5, sink.dequeued.Load())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, map[string]int{"default": 5}, sink.processed)
}

func TestScheduler_MetricsDisabledWithoutQueueLengthStrategy(t *testing.T) {
	sink := &fakeSink{}
	s := newScheduler(t, func(context.Context, types.Message) error { return nil },
		strategy.NewConcurrent(), scheduler.WithMetrics(sink))
	s.Start()
	s.Publish(msg(types.UnknownAffinity, "u"))
	require.NoError(t, s.Stop())

	assert.Zero(t, sink.starts.Load())
	assert.Zero(t, sink.stops.Load())
	assert.Zero(t, sink.dequeued.Load())
}

func TestScheduler_MetricsBalancedWhenWaitersDropped(t *testing.T) {
	sink := &fakeSink{}
	running := make(chan struct{})
	s := newScheduler(t, func(ctx context.Context, m types.Message) error {
		if m.Label() == "first" {
			close(running)
		}
		<-ctx.Done()
		return nil
	}, strategy.NewSerial(), scheduler.WithMetrics(sink))
	s.Start()

	s.Publish(msg(types.UnknownAffinity, "first"))
	<-running
	for i := 0; i < 4; i++ {
		s.Publish(msg(types.UnknownAffinity, "waiting"))
	}
	require.NoError(t, s.Stop())
	assert.Zero(t, sink.queue.Load())
}
