package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vigil/types"
)

// GetTrust returns the stored score for an agent. found is false for an
// agent that has never been scored.
func (s *Store) GetTrust(ctx context.Context, agentID string) (types.TrustScore, bool, error) {
	if err := ctx.Err(); err != nil {
		return types.TrustScore{}, false, err
	}

	var (
		score types.TrustScore
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTrust).Get([]byte(agentID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &score)
	})
	if err != nil {
		return types.TrustScore{}, false, fmt.Errorf("%w: read trust score: %v", types.ErrUnavailable, err)
	}
	return score, found, nil
}

// RecordTrust writes the new score and its history entry atomically
func (s *Store) RecordTrust(ctx context.Context, score types.TrustScore, entry types.EASHistoryEntry) (types.EASHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return types.EASHistoryEntry{}, err
	}
	if score.AgentID == "" || score.AgentID != entry.AgentID {
		return types.EASHistoryEntry{}, &types.ValidationError{Field: "agent_id", Reason: "score and history entry must name the same agent"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rev int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		history, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists([]byte(entry.AgentID))
		if err != nil {
			return err
		}
		seq, err := history.NextSequence()
		if err != nil {
			return err
		}
		entry.Sequence = seq

		value, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := history.Put(uint64ToBytes(seq), value); err != nil {
			return err
		}

		current, err := json.Marshal(score)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTrust).Put([]byte(score.AgentID), current); err != nil {
			return err
		}

		rev, err = s.bumpRevision(tx)
		return err
	})
	if err != nil {
		return types.EASHistoryEntry{}, fmt.Errorf("%w: record trust: %v", types.ErrUnavailable, err)
	}

	s.currentRev = rev
	return entry, nil
}

// TrustHistory returns up to limit history entries for an agent with a
// sequence greater than after, oldest first
func (s *Store) TrustHistory(ctx context.Context, agentID string, after uint64, limit int) ([]types.EASHistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	var entries []types.EASHistoryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		history := tx.Bucket(bucketHistory).Bucket([]byte(agentID))
		if history == nil {
			return nil
		}

		c := history.Cursor()
		for k, v := c.Seek(uint64ToBytes(after + 1)); k != nil && len(entries) < limit; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) <= after {
				continue
			}
			var entry types.EASHistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("failed to decode history entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read trust history: %v", types.ErrUnavailable, err)
	}
	return entries, nil
}

// Agents returns every agent with a stored score
func (s *Store) Agents(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var agents []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTrust).ForEach(func(k, _ []byte) error {
			agents = append(agents, string(k))
			return nil
		})
	})
	return agents, err
}
