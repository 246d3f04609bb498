package corpusbuilder

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/deepaksharma/trace-policy-prover/internal/corpus"
	"github.com/deepaksharma/trace-policy-prover/internal/reservoir"
)

var snapshotsBucket = []byte("snapshots")

const openTimeout = time.Second

// ErrNoSnapshot is returned when a checkpoint file holds no snapshot.
var ErrNoSnapshot = errors.New("no snapshot in checkpoint")

// Snapshot is one persisted copy of the reservoir.
type Snapshot struct {
	TakenAt   time.Time      `json:"taken_at"`
	TotalSeen uint64         `json:"total_seen"`
	Traces    []corpus.Trace `json:"traces"`

	// StratumSeen is set for stratified reservoirs.
	StratumSeen *reservoir.StratumSeen `json:"stratum_seen,omitempty"`
}

// Corpus returns the snapshot's traces as a corpus.
func (s Snapshot) Corpus() *corpus.Corpus {
	return corpus.New(s.Traces...)
}

// CheckpointStore keeps timestamped snapshots in a bolt file, keyed by the
// big-endian UnixNano of TakenAt so cursor order is time order.
type CheckpointStore struct {
	db     *bolt.DB
	logger *zap.Logger

	// Optional.
	writeCounter *atomic.Int64
}

// OpenCheckpointStore opens or creates the bolt file at path.
func OpenCheckpointStore(path string, logger *zap.Logger) (*CheckpointStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint database: %w", err)
	}
	return &CheckpointStore{db: db, logger: logger}, nil
}

// SetWriteCounter sets the counter incremented on every saved snapshot.
func (s *CheckpointStore) SetWriteCounter(counter *atomic.Int64) {
	s.writeCounter = counter
}

// Save writes a snapshot. A zero TakenAt is set to the current time.
func (s *CheckpointStore) Save(snap Snapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put(snapshotKey(snap.TakenAt), value)
	}); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if s.writeCounter != nil {
		s.writeCounter.Inc()
	}
	s.logger.Debug("Snapshot written",
		zap.Time("taken_at", snap.TakenAt),
		zap.Int("traces", len(snap.Traces)),
		zap.Int("bytes", len(value)))
	return nil
}

// Latest returns the most recent snapshot, or ErrNoSnapshot.
func (s *CheckpointStore) Latest() (Snapshot, error) {
	return latest(s.db)
}

// Count returns the number of stored snapshots.
func (s *CheckpointStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(snapshotsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Prune deletes all but the newest keep snapshots and returns how many were
// removed.
func (s *CheckpointStore) Prune(keep int) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= keep {
			return nil
		}
		for _, k := range keys[keep:] {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return removed, nil
}

// Close releases the bolt file.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}

// LoadCorpus reads the newest snapshot from a checkpoint file without
// taking the write lock, so a running collector may keep it open.
func LoadCorpus(path string) (*corpus.Corpus, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer db.Close()

	snap, err := latest(db)
	if err != nil {
		return nil, err
	}
	return snap.Corpus(), nil
}

func latest(db *bolt.DB) (Snapshot, error) {
	var snap Snapshot
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		if b == nil {
			return ErrNoSnapshot
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return ErrNoSnapshot
		}
		// v is only valid inside the transaction; Unmarshal copies.
		if err := json.Unmarshal(v, &snap); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		return nil
	})
	return snap, err
}

func snapshotKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}
