package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vigil/types"
)

// AppendPolicyVersion stores v under the next history id and returns it
// with the id set
func (s *Store) AppendPolicyVersion(ctx context.Context, v types.PolicyVersion) (types.PolicyVersion, error) {
	if err := ctx.Err(); err != nil {
		return types.PolicyVersion{}, err
	}
	if v.Version == "" || v.Hash == "" || v.Content == "" {
		return types.PolicyVersion{}, &types.ValidationError{Field: "policy_version", Reason: "version, hash and content are required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rev int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPolicyVersions)
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		v.ID = id

		value, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := b.Put(uint64ToBytes(id), value); err != nil {
			return err
		}
		rev, err = s.bumpRevision(tx)
		return err
	})
	if err != nil {
		return types.PolicyVersion{}, fmt.Errorf("%w: record policy version: %v", types.ErrUnavailable, err)
	}

	s.currentRev = rev
	return v, nil
}

// GetPolicyVersion returns one history entry
func (s *Store) GetPolicyVersion(ctx context.Context, id uint64) (types.PolicyVersion, error) {
	if err := ctx.Err(); err != nil {
		return types.PolicyVersion{}, err
	}

	var (
		v     types.PolicyVersion
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPolicyVersions).Get(uint64ToBytes(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return types.PolicyVersion{}, fmt.Errorf("%w: read policy version: %v", types.ErrUnavailable, err)
	}
	if !found {
		return types.PolicyVersion{}, fmt.Errorf("policy version %d: %w", id, types.ErrNotFound)
	}
	return v, nil
}

// ListPolicyVersions returns up to limit history entries with an id
// greater than after, oldest first
func (s *Store) ListPolicyVersions(ctx context.Context, after uint64, limit int) ([]types.PolicyVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	var versions []types.PolicyVersion
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPolicyVersions).Cursor()
		for k, v := c.Seek(uint64ToBytes(after + 1)); k != nil && len(versions) < limit; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) <= after {
				continue
			}
			var pv types.PolicyVersion
			if err := json.Unmarshal(v, &pv); err != nil {
				return fmt.Errorf("failed to decode policy version: %w", err)
			}
			versions = append(versions, pv)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read policy history: %v", types.ErrUnavailable, err)
	}
	return versions, nil
}
