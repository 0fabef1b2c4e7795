package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vigil/types"
)

func TestDefaultRegistry_Actions(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{
		"configure_acl",
		"configure_bgp_neighbor",
		"configure_logging",
		"configure_static_route",
		"configure_vlan",
		"ping",
		"set_interface_description",
		"show_bgp_summary",
		"show_interfaces",
		"show_running_config",
		"traceroute",
	}, r.Actions())
}

func TestRegistry_Build(t *testing.T) {
	r := DefaultRegistry()

	cmd, err := r.Build("configure_vlan", map[string]string{"vlan_id": "0120", "name": "users"})
	require.NoError(t, err)
	assert.Equal(t, "vlan 120\n name users", cmd.Text)
	assert.Equal(t, cmd.Text, cmd.Redacted)
	assert.True(t, cmd.Write)

	cmd, err = r.Build("show_running_config", nil)
	require.NoError(t, err)
	assert.False(t, cmd.Write)
	assert.NotZero(t, cmd.Timeout)
}

func TestRegistry_OptionalLinesAreDropped(t *testing.T) {
	r := DefaultRegistry()
	params := map[string]string{"local_asn": "65000", "neighbor_ip": "192.0.2.7", "remote_asn": "65007"}

	cmd, err := r.Build("configure_bgp_neighbor", params)
	require.NoError(t, err)
	assert.Equal(t, "router bgp 65000\n neighbor 192.0.2.7 remote-as 65007", cmd.Text)

	params["password"] = "hunter2"
	cmd, err = r.Build("configure_bgp_neighbor", params)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(cmd.Text, " neighbor 192.0.2.7 password hunter2"))
	assert.True(t, strings.HasSuffix(cmd.Redacted, " neighbor 192.0.2.7 password ***REDACTED***"))
}

func TestRegistry_BuildRejects(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name   string
		action string
		params map[string]string
		target error
	}{
		{"unknown action", "write_erase", nil, types.ErrUnknownAction},
		{"unexpected param", "show_interfaces", map[string]string{"interface": "Gi0/1"}, types.ErrValidation},
		{"missing param", "configure_vlan", map[string]string{"vlan_id": "10"}, types.ErrValidation},
		{"vlan out of range", "configure_vlan", map[string]string{"vlan_id": "4095", "name": "x"}, types.ErrValidation},
		{"newline injection", "set_interface_description", map[string]string{
			"interface": "GigabitEthernet0/1", "description": "ok\nreload",
		}, types.ErrValidation},
		{"pipe injection", "configure_acl", map[string]string{"name": "acl|include"}, types.ErrValidation},
		{"backtick injection", "configure_acl", map[string]string{"name": "acl`id`"}, types.ErrValidation},
		{"bang injection", "configure_logging", map[string]string{"host": "10.0.0.1!"}, types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Build(tt.action, tt.params)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestRegistry_RegisterRejectsUndeclaredPlaceholders(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Template{Action: "x", Command: "hostname {name}"})
	assert.ErrorIs(t, err, types.ErrConfiguration)

	err = r.Register(Template{Action: "", Command: "show clock"})
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestValidateParam(t *testing.T) {
	tests := []struct {
		typ   ParamType
		in    string
		want  string
		valid bool
	}{
		{ParamInterface, "GigabitEthernet0/0/1", "GigabitEthernet0/0/1", true},
		{ParamInterface, "Vlan100", "Vlan100", true},
		{ParamInterface, "ge-0/0/1.100", "ge-0/0/1.100", true},
		{ParamInterface, "eth0 shutdown", "", false},
		{ParamVLAN, "1", "1", true},
		{ParamVLAN, "4094", "4094", true},
		{ParamVLAN, "0", "", false},
		{ParamVLAN, "abc", "", false},
		{ParamIPv4, "10.0.0.1", "10.0.0.1", true},
		{ParamIPv4, "2001:db8::1", "", false},
		{ParamIPv4, "10.0.0.256", "", false},
		{ParamPrefix, "10.1.2.3/16", "10.1.0.0/16", true},
		{ParamPrefix, "10.1.2.3", "", false},
		{ParamASN, "4294967295", "4294967295", true},
		{ParamASN, "4294967296", "", false},
		{ParamASN, "0", "", false},
		{ParamHostname, "core-sw01.dc1", "core-sw01.dc1", true},
		{ParamHostname, "bad host", "", false},
		{ParamDescription, "Uplink to core, port 1", "Uplink to core, port 1", true},
		{ParamDescription, "quote\"d", "", false},
		{ParamInteger, "-5", "-5", true},
		{ParamInteger, "5x", "", false},
		{ParamSecret, "p@ss:w0rd", "p@ss:w0rd", true},
		{ParamSecret, "has space", "", false},
		{ParamType("color"), "red", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.in, func(t *testing.T) {
			got, err := ValidateParam("p", tt.typ, tt.in)
			if !tt.valid {
				assert.ErrorIs(t, err, types.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
