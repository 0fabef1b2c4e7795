package policy

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

type auditEntry struct {
	kind    types.AuditKind
	subject string
	data    any
	err     error
}

// memAudit records audit entries in memory and can be told to fail
type memAudit struct {
	mu      sync.Mutex
	entries []auditEntry
	fail    error
}

func (m *memAudit) Append(kind types.AuditKind, subject string, data any) error {
	return m.AppendError(kind, subject, data, nil)
}

func (m *memAudit) AppendError(kind types.AuditKind, subject string, data any, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, auditEntry{kind: kind, subject: subject, data: data, err: err})
	return nil
}

func (m *memAudit) kinds() []types.AuditKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuditKind, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.kind)
	}
	return out
}

func (m *memAudit) last() auditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

type fakeTrust struct {
	scores map[string]float64
	err    error
}

func (f *fakeTrust) Score(_ context.Context, agentID string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if s, ok := f.scores[agentID]; ok {
		return s, nil
	}
	return 0.1, nil
}

var errStoreDown = errors.New("bolt: database not open")

func readTestPolicy(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/policy.yaml")
	require.NoError(t, err)
	return data
}

func loadTestDoc(t *testing.T) *Document {
	t.Helper()
	doc, err := Parse(context.Background(), readTestPolicy(t))
	require.NoError(t, err)
	return doc
}
