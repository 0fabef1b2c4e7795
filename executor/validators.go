package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/yairfalse/vigil/types"
)

// Validator names understood by the executor
const (
	ValidatorConfigChanged = "config_changed"
	ValidatorInterfaceUp   = "interface_up"
	ValidatorReachability  = "reachability"
)

// Check is the input to a post-change validator
type Check struct {
	Action string
	Device Device
	Params map[string]string
	// Before and After are the running configuration around the change.
	// Either may be empty when it could not be captured.
	Before string
	After  string
	// Run sends an additional read-only command to the device
	Run func(ctx context.Context, command string) (string, error)
}

// Validator inspects a device after a change. Implementations report SKIP
// when they lack the data to decide.
type Validator interface {
	Name() string
	Validate(ctx context.Context, check Check) (types.ValidationStatus, string)
}

// DefaultValidators returns the built-in validators keyed by name
func DefaultValidators() map[string]Validator {
	vs := []Validator{configChanged{}, interfaceUpCheck{}, reachability{}}
	out := make(map[string]Validator, len(vs))
	for _, v := range vs {
		out[v.Name()] = v
	}
	return out
}

type configChanged struct{}

func (configChanged) Name() string { return ValidatorConfigChanged }

func (configChanged) Validate(_ context.Context, c Check) (types.ValidationStatus, string) {
	if c.Before == "" || c.After == "" {
		return types.ValidationSkip, "configuration capture unavailable"
	}
	if c.Device.Platform.NormalizeConfig(c.Before) == c.Device.Platform.NormalizeConfig(c.After) {
		return types.ValidationFail, "running configuration did not change"
	}
	return types.ValidationPass, ""
}

type interfaceUpCheck struct{}

func (interfaceUpCheck) Name() string { return ValidatorInterfaceUp }

func (interfaceUpCheck) Validate(ctx context.Context, c Check) (types.ValidationStatus, string) {
	name := c.Params["interface"]
	if name == "" {
		out, err := c.Run(ctx, c.Device.Platform.ShowInterfaces())
		if err != nil {
			return types.ValidationErrored, err.Error()
		}
		if down := InterfacesDown(out); len(down) > 0 {
			return types.ValidationFail, "interfaces down: " + strings.Join(down, ", ")
		}
		return types.ValidationPass, ""
	}
	out, err := c.Run(ctx, c.Device.Platform.ShowInterface(name))
	if err != nil {
		return types.ValidationErrored, err.Error()
	}
	if !InterfaceUp(out) {
		return types.ValidationFail, fmt.Sprintf("interface %s is not up", name)
	}
	return types.ValidationPass, ""
}

type reachability struct{}

func (reachability) Name() string { return ValidatorReachability }

// reachabilityTargets are checked in order; the first present one is pinged
var reachabilityTargets = []string{"next_hop", "target", "neighbor_ip", "host"}

func (reachability) Validate(ctx context.Context, c Check) (types.ValidationStatus, string) {
	var target string
	for _, key := range reachabilityTargets {
		if v := c.Params[key]; v != "" {
			target = v
			break
		}
	}
	if target == "" {
		return types.ValidationSkip, "no reachability target"
	}
	out, err := c.Run(ctx, c.Device.Platform.Ping(target))
	if err != nil {
		return types.ValidationErrored, err.Error()
	}
	if !Reachable(out) {
		return types.ValidationFail, fmt.Sprintf("%s unreachable", target)
	}
	return types.ValidationPass, ""
}
