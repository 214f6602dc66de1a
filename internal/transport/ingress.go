// Package transport holds what the HTTP and WebSocket producers share: turning
// a wire publish request into a stamped envelope and handing it to the
// scheduler.
package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/snehjoshi/epochbus/internal/metrics"
	"github.com/snehjoshi/epochbus/internal/node"
	"github.com/snehjoshi/epochbus/internal/scheduler"
	"github.com/snehjoshi/epochbus/internal/types"
)

// MaxBatch is the maximum number of messages accepted in one batch publish.
const MaxBatch = 100

// Metadata limits, enforced on every publish path.
const (
	metaMaxKeys     = 16
	metaMaxKeyBytes = 64
	metaMaxValBytes = 512
	maxNameBytes    = 128
	maxLabelBytes   = 128
)

// ErrInvalidRequest wraps every validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// Request is the wire form of one publish, shared by every transport.
type Request struct {
	// Affinity names the stream. Empty means the unknown affinity.
	Affinity string `json:"affinity,omitempty"`
	// Unordered publishes with no affinity at all. Affinity must be empty.
	Unordered bool              `json:"unordered,omitempty"`
	Label     string            `json:"label"`
	Body      string            `json:"body,omitempty"` // base64
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Stats is a point-in-time view of the scheduler behind an Ingress.
type Stats struct {
	NodeID    string `json:"node_id"`
	Scheduler string `json:"scheduler"`
	Strategy  string `json:"strategy"`
	InFlight  int64  `json:"in_flight"`
	Stopping  bool   `json:"stopping"`
	Streams   int    `json:"streams"`
}

// Ingress validates, stamps and publishes envelopes. It is safe for concurrent
// use by any number of connections.
type Ingress struct {
	sched   *scheduler.Scheduler
	node    *node.Node
	metrics *metrics.Registry // may be nil
	streams types.AffinityTable
}

// NewIngress builds an Ingress. reg may be nil.
func NewIngress(sched *scheduler.Scheduler, n *node.Node, reg *metrics.Registry) *Ingress {
	return &Ingress{sched: sched, node: n, metrics: reg}
}

// Envelope validates req and builds a stamped envelope without publishing it.
func (in *Ingress) Envelope(req Request) (*types.Envelope, error) {
	if err := validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: body must be base64-encoded", ErrInvalidRequest)
	}

	env := &types.Envelope{
		Kind:       req.Label,
		Body:       body,
		Metadata:   req.Metadata,
		StreamName: req.Affinity,
	}
	if !req.Unordered {
		env.Stream = in.streams.Intern(req.Affinity)
	}
	if err := in.node.Stamp(env); err != nil {
		return nil, fmt.Errorf("stamp envelope: %w", err)
	}
	return env, nil
}

// Publish validates req, publishes it and returns the assigned message ID.
func (in *Ingress) Publish(transport string, req Request) (string, error) {
	env, err := in.Envelope(req)
	if err != nil {
		return "", err
	}
	in.sched.Publish(env)
	in.observe(transport, 1)
	return env.ID, nil
}

// PublishBatch validates every request before publishing any, then publishes
// them in order. Validation errors name the offending index.
func (in *Ingress) PublishBatch(transport string, reqs []Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", ErrInvalidRequest)
	}
	if len(reqs) > MaxBatch {
		return nil, fmt.Errorf("%w: batch exceeds %d messages", ErrInvalidRequest, MaxBatch)
	}

	envs := make([]*types.Envelope, len(reqs))
	for i, req := range reqs {
		env, err := in.Envelope(req)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		envs[i] = env
	}

	ids := make([]string, len(envs))
	for i, env := range envs {
		in.sched.Publish(env)
		ids[i] = env.ID
	}
	in.observe(transport, len(envs))
	return ids, nil
}

// Stats reports the scheduler state.
func (in *Ingress) Stats() Stats {
	return Stats{
		NodeID:    in.node.ID().String(),
		Scheduler: in.sched.Name(),
		Strategy:  in.sched.Strategy().Name(),
		InFlight:  in.sched.InFlight(),
		Stopping:  in.sched.Stopping(),
		Streams:   in.streams.Len(),
	}
}

func (in *Ingress) observe(transport string, n int) {
	if in.metrics != nil {
		in.metrics.ObservePublished(transport, n)
	}
}

func validate(req Request) error {
	if req.Unordered && req.Affinity != "" {
		return errors.New("affinity must be empty for unordered messages")
	}
	if !validName(req.Affinity) {
		return fmt.Errorf("affinity %q is not a valid stream name", req.Affinity)
	}
	if req.Label == "" || len(req.Label) > maxLabelBytes {
		return fmt.Errorf("label must be 1-%d bytes", maxLabelBytes)
	}
	return validateMetadata(req.Metadata)
}

// validName accepts the empty name (unknown affinity) and anything safe to use
// as a bucket name. Names starting with "_" are reserved.
func validName(s string) bool {
	if s == "" {
		return true
	}
	if len(s) > maxNameBytes || strings.ContainsAny(s, "/\\\x00") {
		return false
	}
	return !strings.HasPrefix(s, "_")
}

func validateMetadata(m map[string]string) error {
	if len(m) > metaMaxKeys {
		return fmt.Errorf("metadata: too many keys (max %d)", metaMaxKeys)
	}
	for k, v := range m {
		if k == "" {
			return errors.New("metadata: key must not be empty")
		}
		if len(k) > metaMaxKeyBytes {
			return fmt.Errorf("metadata: key too long (max %d bytes)", metaMaxKeyBytes)
		}
		if len(v) > metaMaxValBytes {
			return fmt.Errorf("metadata: value too long (max %d bytes)", metaMaxValBytes)
		}
	}
	return nil
}
