package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

var evalNow = time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)

func request(action string, confidence float64, devices ...string) types.ActionRequest {
	if len(devices) == 0 {
		devices = []string{"edge-1"}
	}
	return types.ActionRequest{
		AgentID:    "agent-7",
		Action:     action,
		Devices:    devices,
		Confidence: confidence,
	}
}

func fleet(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "sw-" + string(rune('a'+i))
	}
	return out
}

func TestDecide(t *testing.T) {
	doc := loadTestDoc(t)

	tests := []struct {
		name        string
		in          Input
		verdict     types.Verdict
		tier        types.Tier
		senior      bool
		audit       bool
		hardRule    bool
		unknown     bool
		threshold   float64
		checkThresh bool
	}{
		{
			name:    "read permitted",
			in:      Input{Request: request("show_running_config", 0.9), Trust: 0.1},
			verdict: types.VerdictPermit,
			tier:    types.TierRead,
		},
		{
			name:    "high risk escalates to senior",
			in:      Input{Request: request("configure_bgp_neighbor", 0.5), Trust: 0.1},
			verdict: types.VerdictEscalate,
			tier:    types.TierHighRisk,
			senior:  true,
			audit:   true,
		},
		{
			name:     "hard rule blocks regardless of trust",
			in:       Input{Request: request("write_erase", 1.0), Trust: 1.0},
			verdict:  types.VerdictBlock,
			tier:     types.TierCritical,
			audit:    true,
			hardRule: true,
		},
		{
			name:     "hard rule is case-insensitive",
			in:       Input{Request: request("  Factory_Reset ", 1.0), Trust: 1.0},
			verdict:  types.VerdictBlock,
			tier:     types.TierCritical,
			audit:    true,
			hardRule: true,
		},
		{
			name:        "low risk above threshold",
			in:          Input{Request: request("set_interface_description", 0.75), Trust: 0.1},
			verdict:     types.VerdictPermit,
			tier:        types.TierLowRisk,
			audit:       true,
			threshold:   0.7,
			checkThresh: true,
		},
		{
			name:        "medium risk below threshold",
			in:          Input{Request: request("configure_vlan", 0.8), Trust: 0.1},
			verdict:     types.VerdictEscalate,
			tier:        types.TierMediumRisk,
			audit:       true,
			threshold:   0.9,
			checkThresh: true,
		},
		{
			name:        "trust lowers threshold",
			in:          Input{Request: request("configure_vlan", 0.8), Trust: 0.6},
			verdict:     types.VerdictPermit,
			tier:        types.TierMediumRisk,
			audit:       true,
			threshold:   0.78,
			checkThresh: true,
		},
		{
			name:        "trust below modulation floor",
			in:          Input{Request: request("configure_vlan", 0.8), Trust: 0.25},
			verdict:     types.VerdictEscalate,
			tier:        types.TierMediumRisk,
			audit:       true,
			threshold:   0.9,
			checkThresh: true,
		},
		{
			name:    "critical tier blocks",
			in:      Input{Request: request("reload_device", 1.0), Trust: 1.0},
			verdict: types.VerdictBlock,
			tier:    types.TierCritical,
			audit:   true,
		},
		{
			name:    "scope above escalate_above",
			in:      Input{Request: request("show_interfaces", 0.9, fleet(4)...), Trust: 0.1},
			verdict: types.VerdictEscalate,
			tier:    types.TierRead,
		},
		{
			name:    "scope above max requires senior",
			in:      Input{Request: request("show_interfaces", 0.9, fleet(11)...), Trust: 0.1},
			verdict: types.VerdictEscalate,
			tier:    types.TierRead,
			senior:  true,
		},
		{
			name:    "scope escalates a critical action",
			in:      Input{Request: request("reload_device", 1.0, fleet(5)...), Trust: 1.0},
			verdict: types.VerdictEscalate,
			tier:    types.TierCritical,
			audit:   true,
			senior:  true,
		},
		{
			name:    "scope above max escalates a critical action",
			in:      Input{Request: request("reload_device", 1.0, fleet(11)...), Trust: 1.0},
			verdict: types.VerdictEscalate,
			tier:    types.TierCritical,
			audit:   true,
			senior:  true,
		},
		{
			name:    "duplicate devices counted once",
			in:      Input{Request: request("show_interfaces", 0.9, "a", "b", "a", "b"), Trust: 0.1},
			verdict: types.VerdictPermit,
			tier:    types.TierRead,
		},
		{
			name:    "unknown action escalates at unknown tier",
			in:      Input{Request: request("configure_qos", 1.0), Trust: 1.0},
			verdict: types.VerdictEscalate,
			tier:    types.TierMediumRisk,
			audit:   true,
			unknown: true,
		},
		{
			name:    "degraded permits reads",
			in:      Input{Request: request("show_interfaces", 0.9), Degraded: true},
			verdict: types.VerdictPermit,
			tier:    types.TierRead,
		},
		{
			name:    "degraded blocks writes",
			in:      Input{Request: request("set_interface_description", 1.0), Degraded: true, Trust: 1.0},
			verdict: types.VerdictBlock,
			tier:    types.TierLowRisk,
			audit:   true,
		},
		{
			name:    "degraded blocks unknown actions",
			in:      Input{Request: request("show_qos", 1.0), Degraded: true},
			verdict: types.VerdictBlock,
			tier:    types.TierMediumRisk,
			audit:   true,
			unknown: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Now = evalNow
			d := Decide(doc, tt.in)

			assert.Equal(t, tt.verdict, d.Verdict, d.Reason)
			assert.Equal(t, tt.tier, d.Tier)
			assert.Equal(t, tt.senior, d.RequiresSeniorApproval)
			assert.Equal(t, tt.audit, d.RequiresAudit)
			assert.Equal(t, tt.hardRule, d.HardRule)
			assert.Equal(t, tt.unknown, d.UnknownAction)
			assert.Equal(t, "1.2.0", d.PolicyVersion)
			assert.NotEmpty(t, d.Reason)
			if tt.checkThresh {
				assert.InDelta(t, tt.threshold, d.Threshold, 1e-9)
			}
		})
	}
}

func TestDecide_DegradedForcesZeroTrust(t *testing.T) {
	doc := loadTestDoc(t)
	d := Decide(doc, Input{Request: request("show_interfaces", 0.9), Trust: 0.9, Degraded: true, Now: evalNow})
	assert.Equal(t, types.VerdictPermit, d.Verdict)
	assert.True(t, d.Degraded)
	assert.Zero(t, d.TrustScore)
}

func TestDecide_DegradedWithoutReadPermission(t *testing.T) {
	doc := loadTestDoc(t)
	doc.Degraded.PermitReads = false
	d := Decide(doc, Input{Request: request("show_interfaces", 0.9), Degraded: true, Now: evalNow})
	assert.Equal(t, types.VerdictBlock, d.Verdict)
}

func TestDecide_ScopeOutranksDegradedGate(t *testing.T) {
	doc := loadTestDoc(t)
	d := Decide(doc, Input{Request: request("configure_vlan", 0.99, fleet(4)...), Degraded: true, Now: evalNow})
	assert.Equal(t, types.VerdictEscalate, d.Verdict, d.Reason)
	assert.Contains(t, d.Reason, "escalate_above")

	d = Decide(doc, Input{Request: request("write_erase", 1.0, fleet(11)...), Trust: 1, Now: evalNow})
	assert.Equal(t, types.VerdictBlock, d.Verdict, "hard rules outrank scope")
	assert.True(t, d.HardRule)
}

func TestApplyMaintenance(t *testing.T) {
	doc := loadTestDoc(t)
	window := types.MaintenanceWindow{
		Name:       "core-upgrade",
		Start:      evalNow.Add(-time.Hour),
		End:        evalNow.Add(time.Hour),
		Devices:    []string{"edge-1", "edge-2"},
		WaiveTiers: []types.Tier{types.TierHighRisk, types.TierCritical},
	}

	tests := []struct {
		name    string
		devices []string
		now     time.Time
		waived  bool
	}{
		{name: "active and covering", devices: []string{"edge-1"}, now: evalNow, waived: true},
		{name: "device outside window", devices: []string{"edge-1", "edge-9"}, now: evalNow, waived: false},
		{name: "window ended", devices: []string{"edge-1"}, now: evalNow.Add(time.Hour), waived: false},
		{name: "window not started", devices: []string{"edge-1"}, now: evalNow.Add(-2 * time.Hour), waived: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(doc, Input{
				Request: request("configure_acl", 0.99, tt.devices...),
				Trust:   0.1,
				Windows: []types.MaintenanceWindow{window},
				Now:     tt.now,
			})
			require.Equal(t, types.VerdictEscalate, d.Verdict)
			assert.Equal(t, !tt.waived, d.RequiresSeniorApproval)
			assert.Equal(t, tt.waived, d.SeniorApprovalWaived)
			if tt.waived {
				assert.Equal(t, "core-upgrade", d.MaintenanceWindow)
			}
		})
	}
}

func TestApplyMaintenance_NeverTouchesVerdict(t *testing.T) {
	d := types.Decision{Verdict: types.VerdictBlock, Tier: types.TierCritical, RequiresSeniorApproval: true}
	ApplyMaintenance(&d, []string{"edge-1"}, []types.MaintenanceWindow{{
		Name:       "all",
		Start:      evalNow.Add(-time.Hour),
		End:        evalNow.Add(time.Hour),
		Devices:    []string{"edge-1"},
		WaiveTiers: []types.Tier{types.TierCritical},
	}}, evalNow)

	assert.Equal(t, types.VerdictBlock, d.Verdict)
	assert.True(t, d.RequiresSeniorApproval)
}

func TestClassify(t *testing.T) {
	doc := loadTestDoc(t)

	tier, err := Classify("Configure_VLAN", doc)
	require.NoError(t, err)
	assert.Equal(t, types.TierMediumRisk, tier)

	_, err = Classify("configure_qos", doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnknownAction)

	var unknown *types.UnknownActionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "configure_qos", unknown.Action)
}

func TestEffectiveThreshold(t *testing.T) {
	doc := loadTestDoc(t)

	assert.InDelta(t, 0.9, EffectiveThreshold(doc, types.TierMediumRisk, 0), 1e-9)
	assert.InDelta(t, 0.7, EffectiveThreshold(doc, types.TierMediumRisk, 1), 1e-9)
	assert.InDelta(t, 1.0, EffectiveThreshold(doc, types.TierCritical, 1), 1e-9)

	doc.EASModulation.Enabled = false
	assert.InDelta(t, 0.9, EffectiveThreshold(doc, types.TierMediumRisk, 1), 1e-9)
}

func TestCheckScope(t *testing.T) {
	doc := loadTestDoc(t)
	assert.Equal(t, ScopeWithin, CheckScope(doc, 3))
	assert.Equal(t, ScopeEscalate, CheckScope(doc, 4))
	assert.Equal(t, ScopeEscalate, CheckScope(doc, 10))
	assert.Equal(t, ScopeExceedsMax, CheckScope(doc, 11))
}
