package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

func newTestEngine(t *testing.T, trust TrustReader, audit *memAudit) *Engine {
	t.Helper()
	e := NewEngine(NewHolder(loadTestDoc(t)), trust, audit, nil)
	return e
}

func TestEngine_Evaluate_AuditsOncePerPath(t *testing.T) {
	audit := &memAudit{}
	e := newTestEngine(t, &fakeTrust{}, audit)

	for _, action := range []string{"show_running_config", "configure_bgp_neighbor", "write_erase"} {
		d, err := e.Evaluate(context.Background(), request(action, 0.9))
		require.NoError(t, err)
		assert.NotEmpty(t, d.EvaluationID)
	}

	assert.Equal(t, []types.AuditKind{
		types.AuditEvaluation, types.AuditEvaluation, types.AuditEvaluation,
	}, audit.kinds())

	rec, ok := audit.last().data.(types.EvaluationRecord)
	require.True(t, ok)
	assert.Equal(t, types.VerdictBlock, rec.Decision.Verdict)
	assert.Equal(t, "write_erase", rec.Request.Action)
}

func TestEngine_Evaluate_UsesTrust(t *testing.T) {
	audit := &memAudit{}
	e := newTestEngine(t, &fakeTrust{scores: map[string]float64{"agent-7": 0.6}}, audit)

	d, err := e.Evaluate(context.Background(), request("configure_vlan", 0.8))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPermit, d.Verdict)
	assert.InDelta(t, 0.6, d.TrustScore, 1e-9)
}

func TestEngine_Evaluate_RejectsMalformed(t *testing.T) {
	audit := &memAudit{}
	e := newTestEngine(t, &fakeTrust{}, audit)

	tests := []struct {
		name  string
		req   types.ActionRequest
		field string
	}{
		{name: "empty agent", req: types.ActionRequest{Action: "ping", Devices: []string{"r1"}, Confidence: 0.5}, field: "agent_id"},
		{name: "empty action", req: types.ActionRequest{AgentID: "a", Devices: []string{"r1"}, Confidence: 0.5}, field: "action"},
		{name: "empty device", req: types.ActionRequest{AgentID: "a", Action: "ping", Devices: []string{"r1", " "}, Confidence: 0.5}, field: "devices[1]"},
		{name: "confidence above one", req: types.ActionRequest{AgentID: "a", Action: "ping", Confidence: 1.5}, field: "confidence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Evaluate(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrValidation)

			var ve *types.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)

			last := audit.last()
			assert.Equal(t, types.AuditError, last.kind)
			assert.Error(t, last.err)
		})
	}
}

func TestEngine_Evaluate_TrustStoreDown(t *testing.T) {
	audit := &memAudit{}
	e := newTestEngine(t, &fakeTrust{err: errStoreDown}, audit)

	d, err := e.Evaluate(context.Background(), request("show_interfaces", 0.9))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPermit, d.Verdict)
	assert.True(t, d.Degraded)

	d, err = e.Evaluate(context.Background(), request("configure_vlan", 1.0))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictBlock, d.Verdict)
	assert.True(t, d.Degraded)
}

func TestEngine_Evaluate_NoDocument(t *testing.T) {
	audit := &memAudit{}
	e := NewEngine(NewHolder(nil), &fakeTrust{}, audit, nil)

	d, err := e.Evaluate(context.Background(), request("show_interfaces", 1.0))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictBlock, d.Verdict)
	assert.Len(t, audit.kinds(), 1)
}

func TestEngine_Evaluate_AuditFailureBlocks(t *testing.T) {
	audit := &memAudit{fail: errors.New("disk full")}
	e := newTestEngine(t, &fakeTrust{}, audit)

	d, err := e.Evaluate(context.Background(), request("show_interfaces", 0.9))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnavailable)
	assert.Equal(t, types.VerdictBlock, d.Verdict)
	assert.Equal(t, "audit log unavailable", d.Reason)
}

func TestEngine_Evaluate_CancelledBeforeAudit(t *testing.T) {
	audit := &memAudit{}
	e := newTestEngine(t, &fakeTrust{}, audit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Evaluate(ctx, request("show_interfaces", 0.9))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []types.AuditKind{types.AuditError}, audit.kinds())
}

func TestEngine_Evaluate_DoesNotRetainCallerParams(t *testing.T) {
	audit := &memAudit{}
	e := newTestEngine(t, &fakeTrust{}, audit)

	req := request("set_interface_description", 0.9)
	req.Params = map[string]string{"interface": "Gi0/1", "description": "uplink"}
	_, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)

	req.Params["description"] = "tampered"
	rec := audit.last().data.(types.EvaluationRecord)
	assert.Equal(t, "uplink", rec.Request.Params["description"])
	assert.False(t, rec.Request.SubmittedAt.IsZero())
}

func TestEngine_Evaluate_GuardTightens(t *testing.T) {
	data := string(readTestPolicy(t)) + "\nguards:\n  - name: core-freeze\n    rego: |\n" + indent(coreGuard, "      ")
	doc, err := Parse(context.Background(), []byte(data))
	require.NoError(t, err)

	audit := &memAudit{}
	e := NewEngine(NewHolder(doc), &fakeTrust{scores: map[string]float64{"agent-7": 0.5}}, audit, nil)

	d, err := e.Evaluate(context.Background(), request("configure_vlan", 0.99, "core-1"))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictBlock, d.Verdict)
	assert.Equal(t, []string{"core-freeze"}, d.GuardRules)

	d, err = e.Evaluate(context.Background(), request("configure_vlan", 0.99, "edge-1"))
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPermit, d.Verdict)
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}
