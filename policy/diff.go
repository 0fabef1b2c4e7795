package policy

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sort"
)

// Diff returns a human-readable structural diff between two documents.
// A nil old document yields a single "initial load" line.
func Diff(old, updated *Document) []string {
	if updated == nil {
		return nil
	}
	if old == nil {
		return []string{fmt.Sprintf("initial load of version %s", updated.Version)}
	}

	var changes []string
	add := func(format string, args ...any) {
		changes = append(changes, fmt.Sprintf(format, args...))
	}

	if old.Version != updated.Version {
		add("version: %s -> %s", old.Version, updated.Version)
	}

	for _, nt := range updated.Tiers {
		ot, ok := old.Tier(nt.ID)
		if !ok {
			add("tier %d: added", nt.ID)
			continue
		}
		if ot.DefaultVerdict != nt.DefaultVerdict {
			add("tier %d default_verdict: %s -> %s", nt.ID, ot.DefaultVerdict, nt.DefaultVerdict)
		}
		if ot.ConfidenceThreshold != nt.ConfidenceThreshold {
			add("tier %d confidence_threshold: %v -> %v", nt.ID, ot.ConfidenceThreshold, nt.ConfidenceThreshold)
		}
		if ot.RequiresAudit != nt.RequiresAudit {
			add("tier %d requires_audit: %v -> %v", nt.ID, ot.RequiresAudit, nt.RequiresAudit)
		}
		if ot.RequiresSeniorApproval != nt.RequiresSeniorApproval {
			add("tier %d requires_senior_approval: %v -> %v", nt.ID, ot.RequiresSeniorApproval, nt.RequiresSeniorApproval)
		}
		added, removed := setDiff(normalizeAll(ot.Actions), normalizeAll(nt.Actions))
		for _, a := range added {
			add("tier %d actions: +%s", nt.ID, a)
		}
		for _, a := range removed {
			add("tier %d actions: -%s", nt.ID, a)
		}
	}

	if old.EASModulation != updated.EASModulation {
		add("eas_modulation: %+v -> %+v", old.EASModulation, updated.EASModulation)
	}
	if old.ScopeLimits != updated.ScopeLimits {
		add("scope_limits: %+v -> %+v", old.ScopeLimits, updated.ScopeLimits)
	}
	if old.UnknownActionTier != updated.UnknownActionTier {
		add("unknown_action_tier: %d -> %d", old.UnknownActionTier, updated.UnknownActionTier)
	}
	if old.Degraded != updated.Degraded {
		add("degraded.permit_reads: %v -> %v", old.Degraded.PermitReads, updated.Degraded.PermitReads)
	}

	added, removed := setDiff(normalizeAll(old.HardRules.AlwaysBlock), normalizeAll(updated.HardRules.AlwaysBlock))
	for _, a := range added {
		add("hard_rules.always_block: +%s", a)
	}
	for _, a := range removed {
		add("hard_rules.always_block: -%s", a)
	}

	added, removed = setDiff(windowNames(old), windowNames(updated))
	for _, w := range added {
		add("maintenance_windows: +%s", w)
	}
	for _, w := range removed {
		add("maintenance_windows: -%s", w)
	}

	added, removed = setDiff(ruleKeys(old), ruleKeys(updated))
	for _, r := range added {
		add("validation_rules: +%s", r)
	}
	for _, r := range removed {
		add("validation_rules: -%s", r)
	}

	added, removed = setDiff(guardKeys(old), guardKeys(updated))
	for _, g := range added {
		add("guards: +%s", g)
	}
	for _, g := range removed {
		add("guards: -%s", g)
	}

	return changes
}

func setDiff(before, after []string) (added, removed []string) {
	for _, a := range after {
		if !slices.Contains(before, a) {
			added = append(added, a)
		}
	}
	for _, b := range before {
		if !slices.Contains(after, b) {
			removed = append(removed, b)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, NormalizeAction(s))
	}
	return out
}

func windowNames(d *Document) []string {
	out := make([]string, 0, len(d.MaintenanceWindows))
	for _, w := range d.MaintenanceWindows {
		out = append(out, fmt.Sprintf("%s[%s..%s]", w.Name, w.Start.UTC().Format("2006-01-02T15:04Z"), w.End.UTC().Format("2006-01-02T15:04Z")))
	}
	return out
}

// ruleKeys flattens validation rules so a changed validator list shows up
// as a remove/add pair
func ruleKeys(d *Document) []string {
	var out []string
	for _, r := range d.ValidationRules {
		for _, v := range r.Validators {
			out = append(out, fmt.Sprintf("%s/%s(required=%v)", NormalizeAction(r.Action), v.Name, v.Required))
		}
	}
	return out
}

// guardKeys includes a digest of the module so an edited module is reported
func guardKeys(d *Document) []string {
	out := make([]string, 0, len(d.Guards))
	for _, g := range d.Guards {
		sum := sha256.Sum256([]byte(g.Module))
		out = append(out, fmt.Sprintf("%s@%x", g.Name, sum[:6]))
	}
	return out
}
