// Package strategy holds the processing strategies that map a message's
// affinity to the synchronization group it must hold while it is consumed.
//
// Three strategies are built in:
//
//	Concurrent   nil/unknown → no group         other → per-affinity exclusive
//	Serial       nil/unknown → shared exclusive other → per-affinity exclusive
//	RateLimited  nil/unknown → shared limiter   other → per-affinity exclusive
//
// Affinities are compared by identity. Two tokens created independently are
// never synchronized with each other, even if their names are equal.
package strategy

import (
	"errors"
	"fmt"

	"github.com/snehjoshi/epochbus/internal/syncgroup"
	"github.com/snehjoshi/epochbus/internal/types"
)

// Kind names a built-in strategy in configuration.
type Kind string

const (
	KindConcurrent  Kind = "concurrent"
	KindSerial      Kind = "serial"
	KindRateLimited Kind = "rate_limited"
)

// ErrInvalidLimit is returned when a rate-limited strategy is given a
// non-positive permit count.
var ErrInvalidLimit = errors.New("strategy: rate limit must be a positive integer")

// Strategy decides how messages are grouped for ordering. Implementations are
// held by a scheduler for its whole lifetime and must be safe for concurrent
// use.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Group returns the group a message with the given affinity must hold, or
	// nil if it may run immediately and fully in parallel.
	Group(affinity *types.Affinity) syncgroup.Group

	// ReportsQueueLength reports whether the strategy has a single default
	// queue whose depth is worth measuring.
	ReportsQueueLength() bool
}

func newExclusive() syncgroup.Group { return syncgroup.NewExclusive() }

// ─── Concurrent ──────────────────────────────────────────────────────────────

// Concurrent only orders messages within an explicit affinity. Messages with
// no affinity or the unknown affinity race freely.
type Concurrent struct {
	perAffinity *affinityGroups
}

// NewConcurrent returns a Concurrent strategy.
func NewConcurrent() *Concurrent {
	return &Concurrent{perAffinity: newAffinityGroups(newExclusive)}
}

func (s *Concurrent) Name() string { return string(KindConcurrent) }

func (s *Concurrent) Group(a *types.Affinity) syncgroup.Group {
	if a == nil || a == types.UnknownAffinity {
		return nil
	}
	return s.perAffinity.get(a)
}

func (s *Concurrent) ReportsQueueLength() bool { return false }

// ─── Serial ──────────────────────────────────────────────────────────────────

// Serial runs every default message strictly one at a time, in FIFO order,
// and orders explicit affinities independently of each other.
type Serial struct {
	shared      *syncgroup.Semaphore
	perAffinity *affinityGroups
}

// NewSerial returns a Serial strategy.
func NewSerial() *Serial {
	return &Serial{
		shared:      syncgroup.NewExclusive(),
		perAffinity: newAffinityGroups(newExclusive),
	}
}

func (s *Serial) Name() string { return string(KindSerial) }

func (s *Serial) Group(a *types.Affinity) syncgroup.Group {
	if a == nil || a == types.UnknownAffinity {
		return s.shared
	}
	return s.perAffinity.get(a)
}

func (s *Serial) ReportsQueueLength() bool { return true }

// ─── RateLimited ─────────────────────────────────────────────────────────────

// RateLimited allows up to Limit default messages to run concurrently, with no
// ordering between them. Explicit affinities are ordered as with Serial.
type RateLimited struct {
	shared      *syncgroup.Semaphore
	perAffinity *affinityGroups
}

// NewRateLimited returns a RateLimited strategy with limit permits for the
// default group.
func NewRateLimited(limit int) (*RateLimited, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	return &RateLimited{
		shared:      syncgroup.NewLimiter(limit),
		perAffinity: newAffinityGroups(newExclusive),
	}, nil
}

func (s *RateLimited) Name() string { return string(KindRateLimited) }

// Limit returns the number of permits in the default group.
func (s *RateLimited) Limit() int { return s.shared.Size() }

func (s *RateLimited) Group(a *types.Affinity) syncgroup.Group {
	if a == nil || a == types.UnknownAffinity {
		return s.shared
	}
	return s.perAffinity.get(a)
}

func (s *RateLimited) ReportsQueueLength() bool { return false }

// ─── Parse ───────────────────────────────────────────────────────────────────

// Parse builds a built-in strategy from its configuration name. limit is only
// used by KindRateLimited.
func Parse(kind string, limit int) (Strategy, error) {
	switch Kind(kind) {
	case KindConcurrent:
		return NewConcurrent(), nil
	case KindSerial:
		return NewSerial(), nil
	case KindRateLimited:
		s, err := NewRateLimited(limit)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("strategy: unknown kind %q", kind)
	}
}
