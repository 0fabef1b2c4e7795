package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/yairfalse/vigil/types"
)

// Names of the post-change validators a validation rule may reference
const (
	ValidatorConfigChanged = "config_changed"
	ValidatorInterfaceUp   = "interface_up"
	ValidatorReachability  = "reachability"
)

var knownValidators = map[string]bool{
	ValidatorConfigChanged: true,
	ValidatorInterfaceUp:   true,
	ValidatorReachability:  true,
}

// Document is one immutable, versioned policy. A Document is never mutated
// after Validate succeeds; reloads build a new one and swap it in.
type Document struct {
	Version            string                    `yaml:"version"`
	Description        string                    `yaml:"description,omitempty"`
	Tiers              []TierDefinition          `yaml:"tiers"`
	EASModulation      EASModulation             `yaml:"eas_modulation"`
	ScopeLimits        ScopeLimits               `yaml:"scope_limits"`
	HardRules          HardRules                 `yaml:"hard_rules"`
	UnknownActionTier  types.Tier                `yaml:"unknown_action_tier"`
	Degraded           DegradedPolicy            `yaml:"degraded"`
	MaintenanceWindows []types.MaintenanceWindow `yaml:"maintenance_windows,omitempty"`
	ValidationRules    []ValidationRule          `yaml:"validation_rules,omitempty"`
	Guards             []GuardModule             `yaml:"guards,omitempty"`

	semver    *semver.Version
	actions   map[string]types.Tier
	hardBlock map[string]struct{}
	rules     map[string][]ValidatorRef
	guard     *Guard
	raw       []byte
	hash      string
}

// TierDefinition describes one risk tier
type TierDefinition struct {
	ID                     types.Tier    `yaml:"id"`
	Description            string        `yaml:"description"`
	DefaultVerdict         types.Verdict `yaml:"default_verdict"`
	ConfidenceThreshold    float64       `yaml:"confidence_threshold"`
	RequiresAudit          bool          `yaml:"requires_audit"`
	RequiresSeniorApproval bool          `yaml:"requires_senior_approval"`
	Actions                []string      `yaml:"actions"`
}

// EASModulation controls how trust lowers confidence thresholds
type EASModulation struct {
	Enabled               bool    `yaml:"enabled"`
	MaxThresholdReduction float64 `yaml:"max_threshold_reduction"`
	MinEAS                float64 `yaml:"min_eas_for_modulation"`
}

// ScopeLimits caps the number of devices one action may target
type ScopeLimits struct {
	MaxDevicesPerAction int `yaml:"max_devices_per_action"`
	EscalateAbove       int `yaml:"escalate_above"`
}

// HardRules lists actions that are always blocked
type HardRules struct {
	AlwaysBlock []string `yaml:"always_block"`
	Description string   `yaml:"description,omitempty"`
}

// DegradedPolicy controls evaluation while the trust store is unreachable
type DegradedPolicy struct {
	PermitReads bool `yaml:"permit_reads"`
}

// ValidationRule binds post-change validators to an action
type ValidationRule struct {
	Action     string         `yaml:"action"`
	Validators []ValidatorRef `yaml:"validators"`
}

// ValidatorRef names a validator and whether its failure triggers rollback
type ValidatorRef struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
}

// GuardModule is a Rego module that may tighten verdicts
type GuardModule struct {
	Name   string `yaml:"name"`
	Module string `yaml:"rego"`
}

// NormalizeAction lowercases and trims an action name
func NormalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

// Validate checks structural invariants and builds the lookup indexes.
// It must be called once before the document is used.
func (d *Document) Validate() error {
	if err := d.validateVersion(); err != nil {
		return err
	}
	if err := d.validateTiers(); err != nil {
		return err
	}
	if err := d.validateModulation(); err != nil {
		return err
	}
	if err := d.validateScope(); err != nil {
		return err
	}
	if err := d.validateUnknownTier(); err != nil {
		return err
	}
	if err := d.validateWindows(); err != nil {
		return err
	}
	if err := d.validateRules(); err != nil {
		return err
	}

	d.hardBlock = make(map[string]struct{}, len(d.HardRules.AlwaysBlock))
	for _, a := range d.HardRules.AlwaysBlock {
		name := NormalizeAction(a)
		if name == "" {
			return configErr("hard_rules.always_block: empty action name")
		}
		d.hardBlock[name] = struct{}{}
	}

	return nil
}

func (d *Document) validateVersion() error {
	if d.Version == "" {
		return configErr("version is required")
	}
	v, err := semver.StrictNewVersion(d.Version)
	if err != nil {
		return configErr("version %q is not a semantic version: %v", d.Version, err)
	}
	d.semver = v
	return nil
}

func (d *Document) validateTiers() error {
	if len(d.Tiers) != len(types.AllTiers) {
		return configErr("exactly %d tiers are required, got %d", len(types.AllTiers), len(d.Tiers))
	}

	seen := make(map[types.Tier]bool)
	d.actions = make(map[string]types.Tier)
	for i, t := range d.Tiers {
		if !t.ID.Valid() {
			return configErr("tiers[%d]: invalid id %d", i, t.ID)
		}
		if seen[t.ID] {
			return configErr("tiers[%d]: duplicate tier %d", i, t.ID)
		}
		seen[t.ID] = true

		if !t.DefaultVerdict.Valid() {
			return configErr("tier %d: invalid default_verdict %q", t.ID, t.DefaultVerdict)
		}
		if t.ID == types.TierCritical && t.DefaultVerdict != types.VerdictBlock {
			return configErr("tier %d: default_verdict must be BLOCK", t.ID)
		}
		if t.ConfidenceThreshold < 0 || t.ConfidenceThreshold > 1 {
			return configErr("tier %d: confidence_threshold %v outside [0,1]", t.ID, t.ConfidenceThreshold)
		}

		for _, a := range t.Actions {
			name := NormalizeAction(a)
			if name == "" {
				return configErr("tier %d: empty action name", t.ID)
			}
			if prev, ok := d.actions[name]; ok {
				return configErr("action %q registered in tier %d and tier %d", name, prev, t.ID)
			}
			d.actions[name] = t.ID
		}
	}

	sort.Slice(d.Tiers, func(i, j int) bool { return d.Tiers[i].ID < d.Tiers[j].ID })
	return nil
}

func (d *Document) validateModulation() error {
	m := d.EASModulation
	if m.MaxThresholdReduction < 0 || m.MaxThresholdReduction > 0.5 {
		return configErr("eas_modulation.max_threshold_reduction %v outside [0,0.5]", m.MaxThresholdReduction)
	}
	if m.MinEAS < 0 || m.MinEAS > 1 {
		return configErr("eas_modulation.min_eas_for_modulation %v outside [0,1]", m.MinEAS)
	}
	return nil
}

func (d *Document) validateScope() error {
	s := d.ScopeLimits
	if s.MaxDevicesPerAction <= 0 {
		return configErr("scope_limits.max_devices_per_action must be positive")
	}
	if s.EscalateAbove <= 0 {
		return configErr("scope_limits.escalate_above must be positive")
	}
	if s.EscalateAbove > s.MaxDevicesPerAction {
		return configErr("scope_limits.escalate_above (%d) exceeds max_devices_per_action (%d)",
			s.EscalateAbove, s.MaxDevicesPerAction)
	}
	return nil
}

func (d *Document) validateUnknownTier() error {
	if d.UnknownActionTier == 0 {
		d.UnknownActionTier = types.TierMediumRisk
	}
	if !d.UnknownActionTier.Valid() {
		return configErr("unknown_action_tier %d is not a valid tier", d.UnknownActionTier)
	}
	return nil
}

func (d *Document) validateWindows() error {
	names := make(map[string]bool)
	for i, w := range d.MaintenanceWindows {
		if w.Name == "" {
			return configErr("maintenance_windows[%d]: name is required", i)
		}
		if names[w.Name] {
			return configErr("maintenance_windows[%d]: duplicate name %q", i, w.Name)
		}
		names[w.Name] = true
		if !w.End.After(w.Start) {
			return configErr("maintenance window %q: end must be after start", w.Name)
		}
		for _, t := range w.WaiveTiers {
			if !t.Valid() {
				return configErr("maintenance window %q: invalid tier %d", w.Name, t)
			}
		}
	}
	return nil
}

func (d *Document) validateRules() error {
	d.rules = make(map[string][]ValidatorRef)
	for i, r := range d.ValidationRules {
		name := NormalizeAction(r.Action)
		if name == "" {
			return configErr("validation_rules[%d]: action is required", i)
		}
		if _, ok := d.rules[name]; ok {
			return configErr("validation_rules[%d]: duplicate rule for %q", i, name)
		}
		for _, v := range r.Validators {
			if !knownValidators[v.Name] {
				return configErr("validation rule %q: unknown validator %q", name, v.Name)
			}
		}
		d.rules[name] = append([]ValidatorRef(nil), r.Validators...)
	}
	return nil
}

// Tier returns the definition of tier t
func (d *Document) Tier(t types.Tier) (TierDefinition, bool) {
	for _, def := range d.Tiers {
		if def.ID == t {
			return def, true
		}
	}
	return TierDefinition{}, false
}

// IsHardBlocked reports whether the action is on the always-block list
func (d *Document) IsHardBlocked(action string) bool {
	_, ok := d.hardBlock[NormalizeAction(action)]
	return ok
}

// ValidatorsFor returns the validators configured for an action
func (d *Document) ValidatorsFor(action string) []ValidatorRef {
	return d.rules[NormalizeAction(action)]
}

// SemVer returns the parsed document version
func (d *Document) SemVer() *semver.Version {
	return d.semver
}

// Guard returns the compiled guard set, or nil if none is configured
func (d *Document) Guard() *Guard {
	return d.guard
}

// Hash returns the content hash of the source the document was parsed
// from, or "" for a document built in code
func (d *Document) Hash() string {
	return d.hash
}

// Raw returns the source the document was parsed from
func (d *Document) Raw() []byte {
	return d.raw
}

// ContentHash is the hex SHA-256 of a policy source
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrConfiguration, fmt.Sprintf(format, args...))
}
