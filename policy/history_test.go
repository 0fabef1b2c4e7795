package policy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

type memHistory struct {
	mu       sync.Mutex
	versions []types.PolicyVersion
	fail     error
}

func (m *memHistory) AppendPolicyVersion(_ context.Context, v types.PolicyVersion) (types.PolicyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return types.PolicyVersion{}, m.fail
	}
	v.ID = uint64(len(m.versions) + 1)
	m.versions = append(m.versions, v)
	return v, nil
}

func (m *memHistory) GetPolicyVersion(_ context.Context, id uint64) (types.PolicyVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || id > uint64(len(m.versions)) {
		return types.PolicyVersion{}, fmt.Errorf("policy version %d: %w", id, types.ErrNotFound)
	}
	return m.versions[id-1], nil
}

func (m *memHistory) all() []types.PolicyVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.PolicyVersion(nil), m.versions...)
}

func newHistoryLoader(t *testing.T) (*Loader, *Holder, *memHistory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	writePolicy(t, path, string(readTestPolicy(t)))

	holder := NewHolder(nil)
	history := &memHistory{}
	loader := NewLoader(path, holder, &memAudit{})
	loader.SetHistory(history)
	loader.now = func() time.Time { return evalNow }
	return loader, holder, history, path
}

func TestContentHash(t *testing.T) {
	h := ContentHash([]byte("version: 1"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, ContentHash([]byte("version: 1")))
	assert.NotEqual(t, h, ContentHash([]byte("version: 2")))

	doc, err := Parse(context.Background(), readTestPolicy(t))
	require.NoError(t, err)
	assert.Equal(t, ContentHash(readTestPolicy(t)), doc.Hash())
	assert.Equal(t, readTestPolicy(t), doc.Raw())
}

func TestLoader_RecordsHistory(t *testing.T) {
	loader, _, history, path := newHistoryLoader(t)
	ctx := context.Background()

	res, err := loader.Reload(ctx, "startup")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.HistoryID)

	_, err = loader.Reload(ctx, "admin")
	require.NoError(t, err)
	assert.Len(t, history.all(), 1, "unchanged reloads are not recorded")

	writePolicy(t, path, bumped(t, "1.3.0", nil))
	res, err = loader.Reload(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.HistoryID)

	versions := history.all()
	require.Len(t, versions, 2)
	assert.Equal(t, "1.2.0", versions[0].Version)
	assert.Empty(t, versions[0].Changes, "the initial entry has no diff")
	assert.Equal(t, "startup", versions[0].CreatedBy)
	assert.Equal(t, evalNow, versions[0].CreatedAt)
	assert.Equal(t, string(readTestPolicy(t)), versions[0].Content)
	assert.Contains(t, versions[1].Changes, "version: 1.2.0 -> 1.3.0")
	assert.Equal(t, path, versions[1].Source)
	assert.Len(t, versions[1].Hash, 64)
}

func TestLoader_RollbackRestoresOlderVersion(t *testing.T) {
	loader, holder, history, path := newHistoryLoader(t)
	ctx := context.Background()

	_, err := loader.Reload(ctx, "startup")
	require.NoError(t, err)
	writePolicy(t, path, bumped(t, "1.3.0", nil))
	_, err = loader.Reload(ctx, "admin")
	require.NoError(t, err)

	res, err := loader.Rollback(ctx, 1, "admin")
	require.NoError(t, err)
	assert.True(t, res.Swapped)
	assert.Equal(t, "1.2.0", holder.Current().Version)
	assert.Equal(t, uint64(3), res.HistoryID)

	versions := history.all()
	require.Len(t, versions, 3)
	assert.Equal(t, uint64(1), versions[2].RollbackOf)
	assert.Equal(t, "history:1", versions[2].Source)
	assert.Equal(t, versions[0].Hash, versions[2].Hash)

	again, err := loader.Rollback(ctx, 1, "admin")
	require.NoError(t, err)
	assert.False(t, again.Swapped, "rolling back to the active document is a no-op")

	_, err = loader.Rollback(ctx, 9, "admin")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLoader_RollbackWithoutHistory(t *testing.T) {
	loader, _, _, _ := newTestLoader(t)
	_, err := loader.Rollback(context.Background(), 1, "admin")
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestLoader_HistoryFailureKeepsSwap(t *testing.T) {
	loader, holder, history, _ := newHistoryLoader(t)
	history.fail = errors.New("disk full")

	res, err := loader.Reload(context.Background(), "startup")
	require.NoError(t, err)
	assert.True(t, res.Swapped)
	assert.Zero(t, res.HistoryID)
	assert.Equal(t, "1.2.0", holder.Current().Version)
}
