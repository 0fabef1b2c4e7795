package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecision_Tighten(t *testing.T) {
	tests := []struct {
		name        string
		start       Verdict
		tier        Tier
		to          Verdict
		wantChanged bool
		wantVerdict Verdict
		wantSenior  bool
	}{
		{"permit to escalate", VerdictPermit, TierLowRisk, VerdictEscalate, true, VerdictEscalate, false},
		{"permit to escalate at high tier needs senior", VerdictPermit, TierHighRisk, VerdictEscalate, true, VerdictEscalate, true},
		{"escalate to block", VerdictEscalate, TierMediumRisk, VerdictBlock, true, VerdictBlock, false},
		{"block never loosens", VerdictBlock, TierMediumRisk, VerdictPermit, false, VerdictBlock, false},
		{"escalate never loosens", VerdictEscalate, TierMediumRisk, VerdictPermit, false, VerdictEscalate, false},
		{"same verdict is a no-op", VerdictEscalate, TierMediumRisk, VerdictEscalate, false, VerdictEscalate, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decision{Verdict: tt.start, Tier: tt.tier, Reason: "original"}
			changed := d.Tighten(tt.to, "guard")
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantVerdict, d.Verdict)
			assert.Equal(t, tt.wantSenior, d.RequiresSeniorApproval)
		})
	}
}

func TestTier_String(t *testing.T) {
	assert.Equal(t, "tier_1_read", TierRead.String())
	assert.Equal(t, "tier_5_critical", TierCritical.String())
	assert.False(t, Tier(0).Valid())
	assert.False(t, Tier(6).Valid())
	for _, tier := range AllTiers {
		assert.True(t, tier.Valid())
	}
}

func TestActionRequest_Validate(t *testing.T) {
	valid := ActionRequest{AgentID: "agent-1", Action: "show_interfaces", Devices: []string{"r1"}, Confidence: 0.5}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		req   func(ActionRequest) ActionRequest
		field string
	}{
		{"empty agent", func(r ActionRequest) ActionRequest { r.AgentID = " "; return r }, "agent_id"},
		{"empty action", func(r ActionRequest) ActionRequest { r.Action = ""; return r }, "action"},
		{"empty device entry", func(r ActionRequest) ActionRequest { r.Devices = []string{"r1", ""}; return r }, "devices[1]"},
		{"confidence above one", func(r ActionRequest) ActionRequest { r.Confidence = 1.01; return r }, "confidence"},
		{"negative confidence", func(r ActionRequest) ActionRequest { r.Confidence = -0.1; return r }, "confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req(valid).Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestActionRequest_CloneDetachesParams(t *testing.T) {
	orig := ActionRequest{Params: map[string]string{"interface": "Gi0/1"}, Devices: []string{"r1"}}
	clone := orig.Clone()
	orig.Params["interface"] = "Gi0/2"
	orig.Devices[0] = "r2"

	assert.Equal(t, "Gi0/1", clone.Params["interface"])
	assert.Equal(t, "r1", clone.Devices[0])
}

func TestActionRequest_DeviceCountDeduplicates(t *testing.T) {
	r := ActionRequest{Devices: []string{"r1", "r2", "r1"}}
	assert.Equal(t, 2, r.DeviceCount())
}

func TestMaintenanceWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	w := MaintenanceWindow{
		Name:       "core-upgrade",
		Start:      now.Add(-time.Hour),
		End:        now.Add(time.Hour),
		Devices:    []string{"r1", "r2"},
		WaiveTiers: []Tier{TierHighRisk, TierCritical},
	}

	assert.True(t, w.Active(now))
	assert.False(t, w.Active(now.Add(2*time.Hour)))
	assert.True(t, w.Covers([]string{"r1"}))
	assert.False(t, w.Covers([]string{"r1", "r3"}))
	assert.False(t, w.Covers(nil))
	assert.True(t, w.Waives(TierHighRisk))
	assert.False(t, w.Waives(TierCritical))
}

func TestCategoryAndPublicMessage(t *testing.T) {
	internal := fmt.Errorf("open /var/lib/vigil/vigil.db: %w", ErrUnavailable)
	assert.Equal(t, CategoryAvailability, CategoryOf(internal))
	assert.Equal(t, "service temporarily unavailable", PublicMessage(internal))
	assert.NotContains(t, PublicMessage(internal), "/var/lib")

	decided := fmt.Errorf("escalation abc: %w", ErrAlreadyDecided)
	assert.Equal(t, CategoryConcurrency, CategoryOf(decided))
	assert.Equal(t, ErrAlreadyDecided.Error(), PublicMessage(decided))

	unknown := &UnknownActionError{Action: "reboot_everything"}
	assert.ErrorIs(t, unknown, ErrUnknownAction)
	assert.Equal(t, CategoryValidation, CategoryOf(unknown))

	assert.Equal(t, CategoryInternal, CategoryOf(errors.New("boom")))
	assert.Equal(t, "internal error", PublicMessage(errors.New("boom")))
}
