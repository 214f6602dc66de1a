// Package types contains the core domain types shared across all epochbus
// internal packages. It deliberately has zero imports of other epochbus
// packages so that the scheduler, the strategies and every producer or
// consumer can import from it without creating import cycles.
package types

import (
	"context"
	"runtime"
	"sync"
	"weak"
)

// Affinity is an opaque grouping token attached to a message. Messages that
// carry the same token are ordered relative to each other by the processing
// strategy.
//
// Affinities are compared by identity, not by value: two tokens created by
// separate NewAffinity calls are different affinities even when their names
// match. Producers that need value semantics should intern names through an
// AffinityTable.
type Affinity struct {
	name string
}

// NewAffinity returns a fresh affinity token. The name is informational only.
func NewAffinity(name string) *Affinity {
	return &Affinity{name: name}
}

// Name returns the informational name given at construction.
func (a *Affinity) Name() string {
	if a == nil {
		return ""
	}
	return a.name
}

func (a *Affinity) String() string {
	switch a {
	case nil:
		return "<none>"
	case UnknownAffinity:
		return "<unknown>"
	}
	return a.name
}

// UnknownAffinity is the distinguished "unknown/default" affinity. Whether
// messages carrying it are synchronized depends on the processing strategy.
var UnknownAffinity = &Affinity{name: "unknown"}

// Message is the unit of work handed to the scheduler. The scheduler only
// borrows it for the duration of one dispatch.
type Message interface {
	// Affinity returns the grouping token. Nil means the message runs with no
	// synchronization at all.
	Affinity() *Affinity

	// Label names the message kind for metrics.
	Label() string

	// Context returns the message-scoped cancellation signal, which is
	// independent of the scheduler's own lifetime. May be nil.
	Context() context.Context
}

// Envelope is the canonical message published by the epochbus transports.
//
// All timestamps are UTC milliseconds since Unix epoch. IDs are ULID strings.
type Envelope struct {
	// ID is a ULID uniquely identifying this message.
	ID string `json:"id"`

	// Stream is the affinity token. It is not serialised; transports resolve
	// it from the stream name through an AffinityTable.
	Stream *Affinity `json:"-"`

	// StreamName is the wire name of Stream, empty for the unknown affinity.
	StreamName string `json:"stream,omitempty"`

	// Kind is the metrics label.
	Kind string `json:"kind"`

	// Body is the raw payload. Producers own the encoding.
	Body []byte `json:"body"`

	// Metadata holds arbitrary key-value pairs set by the producer.
	Metadata map[string]string `json:"metadata,omitempty"`

	// PublishedAt is the UTC millisecond when the producer published.
	PublishedAt int64 `json:"published_at"`

	// NodeID is the ULID of the node that accepted this message.
	NodeID string `json:"node_id,omitempty"`

	// Ctx is the optional message-scoped cancellation signal.
	Ctx context.Context `json:"-"`
}

// Affinity implements Message.
func (e *Envelope) Affinity() *Affinity { return e.Stream }

// Label implements Message.
func (e *Envelope) Label() string { return e.Kind }

// Context implements Message.
func (e *Envelope) Context() context.Context { return e.Ctx }

// MessageID returns the envelope ID, used when logging failures.
func (e *Envelope) MessageID() string { return e.ID }

// AffinityTable interns affinity names into stable tokens, so that every
// producer naming the same stream shares one identity. The table only holds
// tokens weakly: once no message or caller references a token it is collected
// and its entry removed, and the next Intern of that name mints a new token.
// Work ordered on the old token has necessarily finished by then.
//
// The zero value is ready to use and safe for concurrent use. A table must
// not be copied after first use.
type AffinityTable struct {
	tokens sync.Map // name → weak.Pointer[Affinity]
}

// tableEntry identifies the entry a collected token owned.
type tableEntry struct {
	name string
	ptr  weak.Pointer[Affinity]
}

// Intern returns the token for name, creating it on first use. An empty name
// maps to UnknownAffinity.
func (t *AffinityTable) Intern(name string) *Affinity {
	if name == "" {
		return UnknownAffinity
	}
	for {
		v, ok := t.tokens.Load(name)
		if ok {
			if a := v.(weak.Pointer[Affinity]).Value(); a != nil {
				return a
			}
		}

		a := NewAffinity(name)
		wp := weak.Make(a)
		var stored bool
		if ok {
			// The previous token was collected but its cleanup has not run.
			stored = t.tokens.CompareAndSwap(name, v, wp)
		} else {
			_, loaded := t.tokens.LoadOrStore(name, wp)
			stored = !loaded
		}
		if stored {
			runtime.AddCleanup(a, t.evict, tableEntry{name: name, ptr: wp})
			return a
		}
	}
}

func (t *AffinityTable) evict(e tableEntry) {
	t.tokens.CompareAndDelete(e.name, e.ptr)
}

// Len returns the number of interned names, including any whose token was
// collected but not yet evicted.
func (t *AffinityTable) Len() int {
	n := 0
	t.tokens.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
