package executor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yairfalse/vigil/types"
)

// ParamSpec declares one template parameter
type ParamSpec struct {
	Name     string
	Type     ParamType
	Optional bool
}

// Template renders an action into device CLI. Command lines are separated
// by "\n" and reference parameters as {name}. A line naming an optional
// parameter that was not supplied is dropped.
type Template struct {
	Action  string
	Command string
	Params  []ParamSpec
	Timeout time.Duration
	Write   bool
}

// Command is a rendered, validated template
type Command struct {
	Action string
	// Text is sent to the device
	Text string
	// Redacted is Text with secret parameters masked, safe for logs
	Redacted string
	Write    bool
	Timeout  time.Duration
}

var placeholder = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// Registry maps actions to templates
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// Register adds or replaces a template. Every placeholder must be declared.
func (r *Registry) Register(t Template) error {
	if t.Action == "" || strings.TrimSpace(t.Command) == "" {
		return fmt.Errorf("%w: template needs an action and a command", types.ErrConfiguration)
	}
	declared := make(map[string]bool, len(t.Params))
	for _, p := range t.Params {
		declared[p.Name] = true
	}
	for _, m := range placeholder.FindAllStringSubmatch(t.Command, -1) {
		if !declared[m[1]] {
			return fmt.Errorf("%w: template %s uses undeclared parameter %q", types.ErrConfiguration, t.Action, m[1])
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Action] = t
	return nil
}

// Get returns the template for an action
func (r *Registry) Get(action string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[action]
	return t, ok
}

// Actions lists registered actions in order
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for a := range r.templates {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Build validates params and renders the action's command
func (r *Registry) Build(action string, params map[string]string) (Command, error) {
	t, ok := r.Get(action)
	if !ok {
		return Command{}, &types.UnknownActionError{Action: action}
	}

	specs := make(map[string]ParamSpec, len(t.Params))
	for _, p := range t.Params {
		specs[p.Name] = p
	}
	for name := range params {
		if _, ok := specs[name]; !ok {
			return Command{}, paramError(name, "is not accepted by "+action)
		}
	}

	values := make(map[string]string, len(t.Params))
	redacted := make(map[string]string, len(t.Params))
	for _, p := range t.Params {
		raw, present := params[p.Name]
		if !present || raw == "" {
			if !p.Optional {
				return Command{}, paramError(p.Name, "is required")
			}
			continue
		}
		v, err := ValidateParam(p.Name, p.Type, raw)
		if err != nil {
			return Command{}, err
		}
		values[p.Name] = v
		redacted[p.Name] = v
		if p.Type == ParamSecret {
			redacted[p.Name] = redactedMark
		}
	}

	text, masked := render(t.Command, values, redacted)
	return Command{
		Action:   action,
		Text:     text,
		Redacted: masked,
		Write:    t.Write,
		Timeout:  t.Timeout,
	}, nil
}

func render(command string, values, redacted map[string]string) (string, string) {
	var text, masked []string
	for _, line := range strings.Split(command, "\n") {
		missing := false
		for _, m := range placeholder.FindAllStringSubmatch(line, -1) {
			if _, ok := values[m[1]]; !ok {
				missing = true
				break
			}
		}
		if missing {
			continue
		}
		text = append(text, substitute(line, values))
		masked = append(masked, substitute(line, redacted))
	}
	return strings.Join(text, "\n"), strings.Join(masked, "\n")
}

func substitute(line string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(line, func(m string) string {
		return values[m[1:len(m)-1]]
	})
}

// DefaultRegistry returns the standard read and write templates
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range defaultTemplates {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

var defaultTemplates = []Template{
	// tier 1
	{Action: "show_running_config", Command: "show running-config", Timeout: 60 * time.Second},
	{Action: "show_interfaces", Command: "show interfaces", Timeout: 30 * time.Second},
	{Action: "show_bgp_summary", Command: "show bgp summary", Timeout: 30 * time.Second},
	{
		Action:  "ping",
		Command: "ping {target}",
		Params:  []ParamSpec{{Name: "target", Type: ParamIPv4}},
		Timeout: 30 * time.Second,
	},
	{
		Action:  "traceroute",
		Command: "traceroute {target}",
		Params:  []ParamSpec{{Name: "target", Type: ParamIPv4}},
		Timeout: 60 * time.Second,
	},

	// tier 2
	{
		Action:  "set_interface_description",
		Command: "interface {interface}\n description {description}",
		Params: []ParamSpec{
			{Name: "interface", Type: ParamInterface},
			{Name: "description", Type: ParamDescription},
		},
		Write: true,
	},
	{
		Action:  "configure_logging",
		Command: "logging host {host}",
		Params:  []ParamSpec{{Name: "host", Type: ParamIPv4}},
		Write:   true,
	},

	// tier 3
	{
		Action:  "configure_static_route",
		Command: "ip route {prefix} {next_hop}",
		Params: []ParamSpec{
			{Name: "prefix", Type: ParamPrefix},
			{Name: "next_hop", Type: ParamIPv4},
		},
		Write: true,
	},
	{
		Action:  "configure_vlan",
		Command: "vlan {vlan_id}\n name {name}",
		Params: []ParamSpec{
			{Name: "vlan_id", Type: ParamVLAN},
			{Name: "name", Type: ParamDescription},
		},
		Write: true,
	},

	// tier 4
	{
		Action:  "configure_acl",
		Command: "ip access-list extended {name}",
		Params:  []ParamSpec{{Name: "name", Type: ParamHostname}},
		Write:   true,
	},
	{
		Action: "configure_bgp_neighbor",
		Command: "router bgp {local_asn}\n neighbor {neighbor_ip} remote-as {remote_asn}\n" +
			" neighbor {neighbor_ip} password {password}",
		Params: []ParamSpec{
			{Name: "local_asn", Type: ParamASN},
			{Name: "neighbor_ip", Type: ParamIPv4},
			{Name: "remote_asn", Type: ParamASN},
			{Name: "password", Type: ParamSecret, Optional: true},
		},
		Write: true,
	},
}
