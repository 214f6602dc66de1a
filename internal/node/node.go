// Package node manages the identity of an EpochBus server instance and stamps
// the envelopes it accepts. The node ID is a ULID generated on first start and
// persisted in the data directory, so projections written by the same node
// across restarts carry the same origin.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/snehjoshi/epochbus/internal/types"
)

const idFile = "node_id"

// ID is a ULID string that uniquely identifies an EpochBus process.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this server instance.
type Node struct {
	id      ID
	dataDir string
	now     func() time.Time
}

// New returns a Node whose ID is loaded from dataDir/node_id, generating and
// persisting one if absent. A non-empty override other than "auto" is used
// verbatim after validation.
func New(dataDir, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	n := &Node{dataDir: dataDir, now: time.Now}
	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		n.id = ID(override)
		return n, nil
	}

	id, err := loadOrCreate(filepath.Join(dataDir, idFile))
	if err != nil {
		return nil, err
	}
	n.id = id
	return n, nil
}

// ID returns the node's stable ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory for this node.
func (n *Node) DataDir() string { return n.dataDir }

// Path resolves p against the data directory unless it is already absolute.
func (n *Node) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(n.dataDir, p)
}

// Stamp assigns a fresh message ID, the publish time and this node's ID to
// env. Fields already set by the producer are kept.
func (n *Node) Stamp(env *types.Envelope) error {
	if env.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		env.ID = id
	}
	if env.PublishedAt == 0 {
		env.PublishedAt = n.now().UnixMilli()
	}
	env.NodeID = n.id.String()
	return nil
}

func loadOrCreate(path string) (ID, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		s := strings.TrimSpace(string(data))
		if _, err := ulid.ParseStrict(s); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", s, err)
		}
		return ID(s), nil
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	s, err := NewID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(s+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(s), nil
}

// A single monotonic source keeps IDs generated within one millisecond
// lexicographically ordered.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID generates a time-ordered ULID string.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
