package types

import (
	"slices"
	"time"
)

// MaintenanceWindow is a declared change window. During an active window
// that covers every target device, the senior-approval requirement is
// waived for the listed tiers. The verdict itself never changes.
type MaintenanceWindow struct {
	Name        string    `yaml:"name" json:"name"`
	Start       time.Time `yaml:"start" json:"start"`
	End         time.Time `yaml:"end" json:"end"`
	Devices     []string  `yaml:"devices" json:"devices"`
	WaiveTiers  []Tier    `yaml:"waive_senior_approval_tiers" json:"waive_senior_approval_tiers"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
}

// Active reports whether now falls within [Start, End)
func (w MaintenanceWindow) Active(now time.Time) bool {
	return !now.Before(w.Start) && now.Before(w.End)
}

// Covers reports whether every device is inside the window.
// An empty device list covers nothing.
func (w MaintenanceWindow) Covers(devices []string) bool {
	if len(devices) == 0 {
		return false
	}
	for _, d := range devices {
		if !slices.Contains(w.Devices, d) {
			return false
		}
	}
	return true
}

// Waives reports whether senior approval is waived for tier.
// Tier 5 is never waived.
func (w MaintenanceWindow) Waives(tier Tier) bool {
	if tier >= TierCritical {
		return false
	}
	return slices.Contains(w.WaiveTiers, tier)
}
