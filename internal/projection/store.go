// Package projection is a bbolt-backed consumer that appends every dispatched
// envelope to a bucket named after its affinity. Because the scheduler never
// runs two messages of one affinity at the same time, each bucket reflects
// publish order for its stream.
//
// Layout inside the single bbolt file:
//
//	<stream name>   seq (8 bytes, big-endian) → JSON envelope
//	_unknown        messages with the unknown affinity
//	_unordered      messages with no affinity
package projection

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochbus/internal/types"
)

// Reserved bucket names.
const (
	UnknownStream   = "_unknown"
	UnorderedStream = "_unordered"
)

var (
	// ErrUnsupportedMessage is returned by Consume for messages that are not
	// *types.Envelope.
	ErrUnsupportedMessage = errors.New("projection: unsupported message type")

	// ErrStreamNotFound is returned when reading a stream that was never written.
	ErrStreamNotFound = errors.New("projection: stream not found")
)

// Record is one stored envelope with its position in the stream.
type Record struct {
	Seq      uint64
	Envelope types.Envelope
}

// Store is a projection database. All methods are safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("projection: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// StreamName returns the bucket name used for affinity a.
func StreamName(a *types.Affinity) string {
	switch {
	case a == nil:
		return UnorderedStream
	case a == types.UnknownAffinity:
		return UnknownStream
	case a.Name() == "":
		return UnknownStream
	}
	return a.Name()
}

// Consume appends msg to its stream. It has the scheduler consumer signature.
// Messages already dispatched are written even after a stop was requested.
func (s *Store) Consume(_ context.Context, msg types.Message) error {
	env, ok := msg.(*types.Envelope)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
	_, err := s.Append(env)
	return err
}

// Append writes env to the end of its stream and returns its sequence.
func (s *Store) Append(env *types.Envelope) (uint64, error) {
	stream := StreamName(env.Stream)
	rec := *env
	rec.StreamName = stream
	rec.Ctx = nil
	val, err := json.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("projection: marshal %s: %w", env.ID, err)
	}

	var seq uint64
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(stream))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), val)
	})
	if err != nil {
		return 0, fmt.Errorf("projection: append to %s: %w", stream, err)
	}
	return seq, nil
}

// Read returns every record of stream in append order.
func (s *Store) Read(stream string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(stream))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
		}
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r.Envelope); err != nil {
				return fmt.Errorf("projection: decode %s/%d: %w", stream, binary.BigEndian.Uint64(k), err)
			}
			r.Seq = binary.BigEndian.Uint64(k)
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// Count returns the number of records in stream, zero if it does not exist.
func (s *Store) Count(stream string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(stream)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Streams lists every stream name in lexical order.
func (s *Store) Streams() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// Compact drops all but the newest keep records of stream and returns how many
// were removed. Sequences are never reused.
func (s *Store) Compact(stream string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("projection: keep must be >= 0, got %d", keep)
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(stream))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStreamNotFound, stream)
		}
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for len(keys)-removed > keep {
			if err := b.Delete(keys[removed]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// RunCompaction trims every stream to its newest keep records each interval
// until ctx is done. keep < 1 or every <= 0 returns immediately.
func (s *Store) RunCompaction(ctx context.Context, every time.Duration, keep int, logger *slog.Logger) {
	if keep < 1 || every <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		streams, err := s.Streams()
		if err != nil {
			logger.Warn("projection: list streams", "err", err)
			continue
		}
		for _, name := range streams {
			n, err := s.Compact(name, keep)
			if err != nil {
				logger.Warn("projection: compaction failed", "stream", name, "err", err)
				continue
			}
			if n > 0 {
				logger.Debug("projection: compacted", "stream", name, "removed", n)
			}
		}
	}
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
