package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/vigil/types"
)

// CreateEscalation stores a new PENDING record
func (s *Store) CreateEscalation(ctx context.Context, rec types.EscalationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return &types.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if rec.Status != types.EscalationPending {
		return &types.ValidationError{Field: "status", Reason: "new escalations must be PENDING"}
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var rev int64
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEscalations)
		if bucket.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("%w: escalation %s already exists", types.ErrValidation, rec.ID)
		}
		if err := bucket.Put([]byte(rec.ID), value); err != nil {
			return err
		}
		rev, err = s.bumpRevision(tx)
		return err
	})
	if errors.Is(err, types.ErrValidation) {
		return err
	}
	if err != nil {
		return fmt.Errorf("%w: store escalation: %v", types.ErrUnavailable, err)
	}

	s.currentRev = rev
	s.indexPending(rec)
	return nil
}

// GetEscalation loads a record by id
func (s *Store) GetEscalation(ctx context.Context, id string) (types.EscalationRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.EscalationRecord{}, err
	}

	var rec types.EscalationRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getEscalation(tx, id)
		return err
	})
	return rec, err
}

// TransitionEscalation applies a compare-and-set from PENDING. apply must
// set a terminal status; the whole check-and-write runs in one transaction.
func (s *Store) TransitionEscalation(ctx context.Context, id string, apply func(*types.EscalationRecord) error) (types.EscalationRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.EscalationRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rec types.EscalationRecord
		rev int64
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getEscalation(tx, id)
		if err != nil {
			return err
		}
		if rec.Status != types.EscalationPending {
			return fmt.Errorf("escalation %s is %s: %w", id, rec.Status, types.ErrAlreadyDecided)
		}

		if err := apply(&rec); err != nil {
			return err
		}
		if !rec.Status.Terminal() {
			return fmt.Errorf("escalation %s: transition must reach a terminal status, got %q", id, rec.Status)
		}

		if err := putEscalation(tx, rec); err != nil {
			return err
		}
		rev, err = s.bumpRevision(tx)
		return err
	})
	if err != nil {
		return types.EscalationRecord{}, err
	}

	s.currentRev = rev
	s.unindexPending(id)
	return rec, nil
}

// AttachExecution stores the execution result of an approved record
func (s *Store) AttachExecution(ctx context.Context, id string, result types.ExecutionResult) (types.EscalationRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.EscalationRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rec types.EscalationRecord
		rev int64
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getEscalation(tx, id)
		if err != nil {
			return err
		}
		if rec.Status != types.EscalationApproved {
			return fmt.Errorf("%w: escalation %s is %s, only approved escalations execute", types.ErrValidation, id, rec.Status)
		}
		if rec.Execution != nil {
			return fmt.Errorf("escalation %s already has an execution result: %w", id, types.ErrAlreadyDecided)
		}

		rec.Execution = &result
		if err := putEscalation(tx, rec); err != nil {
			return err
		}
		rev, err = s.bumpRevision(tx)
		return err
	})
	if err != nil {
		return types.EscalationRecord{}, err
	}

	s.currentRev = rev
	return rec, nil
}

// ListPending returns up to limit PENDING records created after the record
// named by the cursor, oldest first. The returned cursor is empty on the
// last page.
func (s *Store) ListPending(ctx context.Context, after string, limit int) ([]types.EscalationRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)

	s.mu.RLock()
	ids, more, err := s.pendingPage(ctx, after, limit)
	s.mu.RUnlock()
	if err != nil {
		return nil, "", err
	}

	records := make([]types.EscalationRecord, 0, len(ids))
	err = s.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			rec, err := getEscalation(tx, id)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	next := ""
	if more && len(records) > 0 {
		next = records[len(records)-1].ID
	}
	return records, next, nil
}

// PendingCount returns the number of PENDING records
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending.Len()
}

// pendingPage walks the index. Caller holds s.mu for reading.
func (s *Store) pendingPage(ctx context.Context, after string, limit int) ([]string, bool, error) {
	var pivot pendingKey
	if after != "" {
		key, ok := s.pendingByID[after]
		if !ok {
			// The cursor record was decided since the last page; resume
			// from its creation time.
			rec, err := s.GetEscalation(ctx, after)
			if err != nil {
				return nil, false, fmt.Errorf("%w: invalid cursor %q", types.ErrValidation, after)
			}
			key = pendingKey{CreatedAt: rec.CreatedAt, ID: rec.ID}
		}
		pivot = key
	}

	var (
		ids  []string
		more bool
	)
	s.pending.AscendGreaterOrEqual(pivot, func(k pendingKey) bool {
		if after != "" && !pendingLess(pivot, k) {
			return true
		}
		if len(ids) == limit {
			more = true
			return false
		}
		ids = append(ids, k.ID)
		return true
	})
	return ids, more, nil
}

func (s *Store) indexPending(rec types.EscalationRecord) {
	if rec.Status != types.EscalationPending {
		return
	}
	key := pendingKey{CreatedAt: rec.CreatedAt, ID: rec.ID}
	s.pending.ReplaceOrInsert(key)
	s.pendingByID[rec.ID] = key
}

func (s *Store) unindexPending(id string) {
	if key, ok := s.pendingByID[id]; ok {
		s.pending.Delete(key)
		delete(s.pendingByID, id)
	}
}

// rebuildIndex scans every escalation and indexes the PENDING ones
func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEscalations).ForEach(func(_, v []byte) error {
			var rec types.EscalationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode escalation: %w", err)
			}
			s.indexPending(rec)
			return nil
		})
	})
}

func getEscalation(tx *bbolt.Tx, id string) (types.EscalationRecord, error) {
	var rec types.EscalationRecord
	data := tx.Bucket(bucketEscalations).Get([]byte(id))
	if data == nil {
		return rec, fmt.Errorf("escalation %s: %w", id, types.ErrNotFound)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode escalation %s: %w", id, err)
	}
	return rec, nil
}

func putEscalation(tx *bbolt.Tx, rec types.EscalationRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}
	return tx.Bucket(bucketEscalations).Put([]byte(rec.ID), value)
}
