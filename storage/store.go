package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/vigil/telemetry"
)

// Bucket names in bbolt
var (
	bucketEscalations = []byte("escalations")
	bucketTrust       = []byte("trust")
	bucketHistory     = []byte("eas_history")
	bucketMeta        = []byte("meta")

	bucketPolicyVersions = []byte("policy_versions")
)

var keyRevision = []byte("current_revision")

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Store is the bbolt-backed record store for escalations and trust scores.
// Every write bumps a store-wide revision kept in the meta bucket.
type Store struct {
	mu sync.RWMutex

	// In-memory index of PENDING escalations, oldest first
	pending *btree.BTreeG[pendingKey]
	// pendingByID maps an escalation id to its index key
	pendingByID map[string]pendingKey

	// On-disk storage
	db *bbolt.DB

	// Current revision number
	currentRev int64

	path   string
	logger *telemetry.Logger
}

type pendingKey struct {
	CreatedAt time.Time
	ID        string
}

func pendingLess(a, b pendingKey) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Stats summarizes store contents
type Stats struct {
	Escalations    int   `json:"escalations"`
	Pending        int   `json:"pending"`
	Agents         int   `json:"agents"`
	HistoryEntries int   `json:"history_entries"`
	PolicyVersions int   `json:"policy_versions"`
	Revision       int64 `json:"revision"`
	SizeBytes      int64 `json:"size_bytes"`
}

// Open opens or creates the store in dir
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dir, "vigil.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketEscalations, bucketTrust, bucketHistory, bucketMeta, bucketPolicyVersions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		pending:     btree.NewG[pendingKey](32, pendingLess),
		pendingByID: make(map[string]pendingKey),
		db:          db,
		path:        dbPath,
		logger:      telemetry.NewLogger("storage"),
	}

	if err := s.loadRevision(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info().
		Str("path", dbPath).
		Int64("revision", s.currentRev).
		Int("pending", s.pending.Len()).
		Msg("store opened")

	return s, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is still usable
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketMeta) == nil {
			return fmt.Errorf("meta bucket missing")
		}
		return nil
	})
}

// CurrentRevision returns the current revision number
func (s *Store) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Stats returns record counts and database size
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	stats := Stats{Pending: s.pending.Len(), Revision: s.currentRev}
	s.mu.RUnlock()

	err := s.db.View(func(tx *bbolt.Tx) error {
		stats.Escalations = tx.Bucket(bucketEscalations).Stats().KeyN
		stats.Agents = tx.Bucket(bucketTrust).Stats().KeyN
		stats.PolicyVersions = tx.Bucket(bucketPolicyVersions).Stats().KeyN

		history := tx.Bucket(bucketHistory)
		return history.ForEachBucket(func(k []byte) error {
			stats.HistoryEntries += history.Bucket(k).Stats().KeyN
			return nil
		})
	})
	if err != nil {
		return Stats{}, err
	}

	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}

// bumpRevision increments the revision inside tx. The caller holds s.mu and
// commits s.currentRev only after the transaction succeeds.
func (s *Store) bumpRevision(tx *bbolt.Tx) (int64, error) {
	rev := s.currentRev + 1
	if err := tx.Bucket(bucketMeta).Put(keyRevision, int64ToBytes(rev)); err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *Store) loadRevision() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyRevision)
		if data != nil {
			s.currentRev = bytesToInt64(data)
		}
		return nil
	})
}

func int64ToBytes(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func bytesToInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
