// Package scheduler hands published messages to a single consumer callback
// for asynchronous processing, using a processing strategy to decide which
// messages must run one at a time relative to each other.
//
// Data flow:
//
//	Publish → in-flight++ → strategy.Group(affinity) → rent slot
//	        → [acquire group] → worker goroutine → consumer
//	        → release group → reset slot → return slot → in-flight--
//
// Publish never blocks: a contended group queues the slot as a waiter and
// the goroutine that releases the group resumes it. No goroutine is parked on
// a lock.
//
// Usage:
//
//	s, err := scheduler.New("projections", consume, strategy.NewSerial())
//	s.Start()
//	s.Publish(msg)
//	...
//	if err := s.Stop(); err != nil { // scheduler.ErrStopTimeout
//	    ...
//	}
//
// All methods are safe for concurrent use.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehjoshi/epochbus/internal/strategy"
	"github.com/snehjoshi/epochbus/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrStopTimeout is returned by Stop when in-flight messages did not drain
	// within the stop timeout. The messages keep running.
	ErrStopTimeout = errors.New("scheduler: timed out waiting for in-flight messages")

	errNoName     = errors.New("scheduler: name must not be empty")
	errNoConsumer = errors.New("scheduler: consumer is required")
	errNoStrategy = errors.New("scheduler: processing strategy is required")
)

// DefaultStopTimeout bounds how long Stop waits for in-flight messages.
const DefaultStopTimeout = 10 * time.Second

// DefaultMaxPoolSize returns 16 slots per GOMAXPROCS.
func DefaultMaxPoolSize() int { return 16 * runtime.GOMAXPROCS(0) }

// Consumer processes one message. ctx is the scheduler's lifetime signal,
// canceled when a stop is requested. It is invoked from arbitrary worker
// goroutines.
type Consumer func(ctx context.Context, msg types.Message) error

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Scheduler.
type Option func(*Scheduler)

// WithMaxPoolSize sets the in-flight count above which messages get a freshly
// allocated slot instead of a pooled one.
func WithMaxPoolSize(n int) Option {
	return func(s *Scheduler) { s.maxPoolSize = int64(n) }
}

// WithStopTimeout sets how long Stop waits for the drain.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.stopTimeout = d }
}

// WithMetrics attaches a Sink. It is only enabled by Start, and only if the
// strategy reports queue length.
func WithMetrics(sink Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithLogger replaces slog.Default() as the failure logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// ─── Scheduler ───────────────────────────────────────────────────────────────

// Scheduler dispatches messages to a consumer. Instances must be created with
// New.
type Scheduler struct {
	name        string
	consumer    Consumer
	strategy    strategy.Strategy
	maxPoolSize int64
	stopTimeout time.Duration
	sink        Sink
	logger      *slog.Logger

	// ctx is the lifetime signal: created once, canceled once by RequestStop.
	ctx    context.Context
	cancel context.CancelFunc

	// drained is closed once a stop has been requested and inFlight is zero.
	drained   chan struct{}
	drainOnce sync.Once

	inFlight  atomic.Int64
	started   atomic.Bool
	metricsOn atomic.Bool
	stopOnce  sync.Once

	pool pool
}

// New creates a Scheduler. It does not need to be started to accept
// messages; Start only enables metrics.
func New(name string, consumer Consumer, strat strategy.Strategy, opts ...Option) (*Scheduler, error) {
	switch {
	case name == "":
		return nil, errNoName
	case consumer == nil:
		return nil, errNoConsumer
	case strat == nil:
		return nil, errNoStrategy
	}

	s := &Scheduler{
		name:        name,
		consumer:    consumer,
		strategy:    strat,
		maxPoolSize: int64(DefaultMaxPoolSize()),
		stopTimeout: DefaultStopTimeout,
		drained:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	if s.maxPoolSize < 1 {
		return nil, fmt.Errorf("scheduler: max pool size must be positive, got %d", s.maxPoolSize)
	}
	if s.stopTimeout < 0 {
		return nil, fmt.Errorf("scheduler: stop timeout must not be negative, got %s", s.stopTimeout)
	}
	if s.sink == nil {
		s.sink = nopSink{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pool.owner = s
	return s, nil
}

// Name returns the scheduler name used in logs and metrics.
func (s *Scheduler) Name() string { return s.name }

// Strategy returns the processing strategy.
func (s *Scheduler) Strategy() strategy.Strategy { return s.strategy }

// InFlight returns the number of published messages that have not completed.
func (s *Scheduler) InFlight() int64 { return s.inFlight.Load() }

// Stopping reports whether a stop has been requested.
func (s *Scheduler) Stopping() bool { return s.ctx.Err() != nil }

// Done returns a channel closed once a stop has been requested and every
// in-flight message has completed.
func (s *Scheduler) Done() <-chan struct{} { return s.drained }

// Publish hands msg to the consumer asynchronously and returns immediately.
//
// Publishing after a stop has been requested silently drops the message.
// Consumer errors never reach the publisher; they are logged.
func (s *Scheduler) Publish(msg types.Message) {
	if msg == nil {
		panic("scheduler: nil message")
	}

	n := s.inFlight.Add(1)
	if s.ctx.Err() != nil {
		s.finish()
		return
	}

	group := s.strategy.Group(msg.Affinity())

	var x *slot
	if n > s.maxPoolSize {
		x = newSlot(s, false)
	} else {
		x = s.pool.get()
	}
	x.schedule(msg, group)
}

// Start marks the scheduler active and, the first time only, enables the
// metrics sink if the strategy reports queue length. Repeated calls are
// no-ops.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	if _, nop := s.sink.(nopSink); !nop && s.strategy.ReportsQueueLength() {
		s.sink.Start()
		s.metricsOn.Store(true)
	}
	s.logger.Info("scheduler started",
		"scheduler", s.name,
		"strategy", s.strategy.Name(),
		"max_pool_size", s.maxPoolSize,
		"metrics", s.metricsOn.Load(),
	)
}

// RequestStop cancels the lifetime signal and tears down the metrics sink.
// It does not wait for in-flight messages. Repeated calls are no-ops.
func (s *Scheduler) RequestStop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.metricsOn.Swap(false) {
			s.sink.Stop()
		}
		s.logger.Info("scheduler stopping",
			"scheduler", s.name,
			"in_flight", s.inFlight.Load(),
		)
	})
	if s.inFlight.Load() == 0 {
		s.signalDrained()
	}
}

// Stop requests a stop and waits up to the stop timeout for the in-flight
// count to reach zero. It returns ErrStopTimeout if the drain does not finish
// in time.
func (s *Scheduler) Stop() error {
	return s.StopContext(context.Background())
}

// StopContext is Stop with an additional caller context. Cancellation of ctx
// is not reported as an error; the scheduler is considered stopped.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.RequestStop()

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	select {
	case <-s.drained:
		return nil
	case <-timer.C:
		select {
		case <-s.drained:
			return nil
		default:
		}
		return fmt.Errorf("%w: %d still running after %s", ErrStopTimeout, s.inFlight.Load(), s.stopTimeout)
	case <-ctx.Done():
		s.logger.Warn("scheduler stop wait abandoned",
			"scheduler", s.name,
			"in_flight", s.inFlight.Load(),
			"err", ctx.Err(),
		)
		return nil
	}
}

// finish decrements the in-flight count, signalling the drain if it reaches
// zero after a stop was requested. Called exactly once per Publish.
func (s *Scheduler) finish() {
	n := s.inFlight.Add(-1)
	if n < 0 {
		panic("scheduler: in-flight count went negative")
	}
	if n == 0 && s.ctx.Err() != nil {
		s.signalDrained()
	}
}

func (s *Scheduler) signalDrained() {
	s.drainOnce.Do(func() { close(s.drained) })
}

// tracksQueue is the per-message "needs metrics" predicate. Only messages
// with the unknown affinity sit in a queue worth measuring.
func (s *Scheduler) tracksQueue(msg types.Message) bool {
	return s.metricsOn.Load() && msg.Affinity() == types.UnknownAffinity
}

// isCancellation reports whether err is shutdown noise: a context error while
// either the lifetime or the message's own signal is done.
func (s *Scheduler) isCancellation(err error, msg types.Message) bool {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if s.ctx.Err() != nil {
		return true
	}
	mc := msg.Context()
	return mc != nil && mc.Err() != nil
}

func (s *Scheduler) logFailure(msg types.Message, err error) {
	attrs := []any{
		"scheduler", s.name,
		"label", msg.Label(),
		"affinity", msg.Affinity().String(),
		"err", err,
	}
	if m, ok := msg.(interface{ MessageID() string }); ok {
		attrs = append(attrs, "message_id", m.MessageID())
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		attrs = append(attrs, "stack", string(pe.Stack))
	}
	s.logger.Error("scheduler: consumer failed", attrs...)
}
