package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

// Complete Storage interface
var _ Storage = (*Store)(nil)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingRecord(id string, offset time.Duration) types.EscalationRecord {
	return types.EscalationRecord{
		ID:      id,
		Request: types.ActionRequest{AgentID: "agent-1", Action: "configure_vlan", Devices: []string{"sw-1"}, Confidence: 0.5},
		Tier:    types.TierMediumRisk,
		Reason:  "confidence below threshold",
		Status:  types.EscalationPending,
		// Out-of-order creation times exercise the index ordering
		CreatedAt: epoch.Add(offset),
	}
}

func approve(decider string) func(*types.EscalationRecord) error {
	return func(rec *types.EscalationRecord) error {
		now := epoch.Add(time.Hour)
		rec.Status = types.EscalationApproved
		rec.Decider = decider
		rec.DecisionReason = "looks fine"
		rec.DecidedAt = &now
		return nil
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-1", 0)))

	got, err := s.GetEscalation(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, types.EscalationPending, got.Status)
	assert.Equal(t, "configure_vlan", got.Request.Action)
	assert.Equal(t, int64(1), s.CurrentRevision())
	assert.Equal(t, 1, s.PendingCount())
}

func TestStore_CreateRejectsInvalid(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.CreateEscalation(ctx, types.EscalationRecord{Status: types.EscalationPending})
	assert.ErrorIs(t, err, types.ErrValidation)

	rec := pendingRecord("esc-1", 0)
	rec.Status = types.EscalationApproved
	assert.ErrorIs(t, s.CreateEscalation(ctx, rec), types.ErrValidation)

	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-2", 0)))
	assert.ErrorIs(t, s.CreateEscalation(ctx, pendingRecord("esc-2", 0)), types.ErrValidation)
}

func TestStore_GetMissing(t *testing.T) {
	s := openStore(t)

	_, err := s.GetEscalation(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_TransitionIsCompareAndSet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-1", 0)))

	rec, err := s.TransitionEscalation(ctx, "esc-1", approve("alice"))
	require.NoError(t, err)
	assert.Equal(t, types.EscalationApproved, rec.Status)
	assert.Equal(t, 0, s.PendingCount())

	_, err = s.TransitionEscalation(ctx, "esc-1", approve("bob"))
	assert.ErrorIs(t, err, types.ErrAlreadyDecided)

	stored, err := s.GetEscalation(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Decider, "second decision must not overwrite the first")
}

func TestStore_TransitionConcurrentSingleWinner(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-1", 0)))

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		decided atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.TransitionEscalation(ctx, "esc-1", approve(fmt.Sprintf("op-%d", i)))
			switch {
			case err == nil:
				winners.Add(1)
			case assert.ErrorIs(t, err, types.ErrAlreadyDecided):
				decided.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(9), decided.Load())
}

func TestStore_TransitionMustBeTerminal(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-1", 0)))

	_, err := s.TransitionEscalation(ctx, "esc-1", func(rec *types.EscalationRecord) error {
		rec.Decider = "alice"
		return nil
	})
	require.Error(t, err)

	stored, err := s.GetEscalation(ctx, "esc-1")
	require.NoError(t, err)
	assert.Equal(t, types.EscalationPending, stored.Status)
	assert.Empty(t, stored.Decider, "failed transition must not persist")
	assert.Equal(t, 1, s.PendingCount())
}

func TestStore_AttachExecution(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-1", 0)))
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-2", 0)))

	result := types.ExecutionResult{Action: "configure_vlan"}

	_, err := s.AttachExecution(ctx, "esc-2", result)
	assert.ErrorIs(t, err, types.ErrValidation, "pending records cannot carry a result")

	_, err = s.TransitionEscalation(ctx, "esc-1", approve("alice"))
	require.NoError(t, err)

	rec, err := s.AttachExecution(ctx, "esc-1", result)
	require.NoError(t, err)
	require.NotNil(t, rec.Execution)
	assert.Equal(t, "configure_vlan", rec.Execution.Action)

	_, err = s.AttachExecution(ctx, "esc-1", result)
	assert.ErrorIs(t, err, types.ErrAlreadyDecided)
}

func TestStore_ListPendingOldestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	offsets := map[string]time.Duration{
		"esc-c": 3 * time.Minute,
		"esc-a": 1 * time.Minute,
		"esc-e": 5 * time.Minute,
		"esc-b": 2 * time.Minute,
		"esc-d": 4 * time.Minute,
	}
	for id, off := range offsets {
		require.NoError(t, s.CreateEscalation(ctx, pendingRecord(id, off)))
	}

	page, next, err := s.ListPending(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"esc-a", "esc-b"}, ids(page))
	assert.Equal(t, "esc-b", next)

	page, next, err = s.ListPending(ctx, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"esc-c", "esc-d"}, ids(page))

	// The cursor record being decided does not lose the position
	_, err = s.TransitionEscalation(ctx, "esc-d", approve("alice"))
	require.NoError(t, err)

	page, next, err = s.ListPending(ctx, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"esc-e"}, ids(page))
	assert.Empty(t, next)
}

func TestStore_ListPendingBadCursor(t *testing.T) {
	s := openStore(t)

	_, _, err := s.ListPending(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestStore_ReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-1", time.Minute)))
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-2", 0)))
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-3", 2*time.Minute)))
	_, err = s.TransitionEscalation(ctx, "esc-3", approve("alice"))
	require.NoError(t, err)
	rev := s.CurrentRevision()
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, rev, s.CurrentRevision())
	page, _, err := s.ListPending(ctx, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"esc-2", "esc-1"}, ids(page))
}

func TestStore_TrustScoreAndHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, found, err := s.GetTrust(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, found)

	prev := 0.1
	for i := 1; i <= 5; i++ {
		next := prev + 0.01
		entry, err := s.RecordTrust(ctx,
			types.TrustScore{AgentID: "agent-1", Score: next, UpdatedAt: epoch},
			types.EASHistoryEntry{AgentID: "agent-1", Previous: prev, New: next, Delta: 0.01, Reason: "permitted_success", Source: types.TrustAutomatic, Timestamp: epoch},
		)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), entry.Sequence)
		prev = next
	}

	score, found, err := s.GetTrust(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.InDelta(t, 0.15, score.Score, 1e-9)

	history, err := s.TrustHistory(ctx, "agent-1", 0, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, uint64(1), history[0].Sequence)

	history, err = s.TrustHistory(ctx, "agent-1", 3, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(4), history[0].Sequence)

	history, err = s.TrustHistory(ctx, "someone-else", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	agents, err := s.Agents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, agents)
}

func TestStore_RecordTrustRejectsMismatchedAgent(t *testing.T) {
	s := openStore(t)

	_, err := s.RecordTrust(context.Background(),
		types.TrustScore{AgentID: "a"},
		types.EASHistoryEntry{AgentID: "b"},
	)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestStore_StatsAndPing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-1", 0)))
	require.NoError(t, s.CreateEscalation(ctx, pendingRecord("esc-2", 0)))
	_, err := s.RecordTrust(ctx,
		types.TrustScore{AgentID: "agent-1", Score: 0.2},
		types.EASHistoryEntry{AgentID: "agent-1", New: 0.2},
	)
	require.NoError(t, err)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Escalations)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Agents)
	assert.Equal(t, 1, stats.HistoryEntries)
	assert.Equal(t, int64(3), stats.Revision)
	assert.Positive(t, stats.SizeBytes)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(ctx))
}

func TestStore_CancelledContext(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.CreateEscalation(ctx, pendingRecord("esc-1", 0)), context.Canceled)
	_, _, err := s.GetTrust(ctx, "agent-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func ids(records []types.EscalationRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
