package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		secret string
	}{
		{"type 7 password", "username admin password 7 0822455D0A16", "0822455D0A16"},
		{"enable secret", "enable secret 5 $1$mERr$hx5rVt7rPNoS4wqbXKX7m0", "$1$mERr$hx5rVt7rPNoS4wqbXKX7m0"},
		{"type 9 secret", "username ops secret 9 $9$abcdefgh", "$9$abcdefgh"},
		{"snmp community", "snmp-server community PublicRW RW", "PublicRW"},
		{"pre-shared key", " ikev1 pre-shared-key s3cret", "s3cret"},
		{"key-string", " key-string 7 070C285F4D06", "070C285F4D06"},
		{"tacacs key", "tacacs-server key tacacsKey", "tacacsKey"},
		{"radius key", "radius-server key radKey", "radKey"},
		{"bgp neighbor", " neighbor 10.0.0.2 password bgpPass", "bgpPass"},
		{"ospf auth", " ip ospf authentication-key ospfKey", "ospfKey"},
		{"ospf md5", " ip ospf message-digest-key 1 md5 md5Key", "md5Key"},
		{"ntp", "ntp authentication-key 1 md5 ntpKey 7", "ntpKey"},
		{"hsrp", " standby 1 authentication hsrpKey", "hsrpKey"},
		{"trailing password", "line vty 0 4\n password plainText\n login", "plainText"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Sanitize(tt.in)
			assert.NotContains(t, out, tt.secret)
			assert.Contains(t, out, redactedMark)
		})
	}

	assert.Equal(t, "interface Gi0/1\n description uplink", Sanitize("interface Gi0/1\n description uplink"))
	assert.Len(t, Sanitize(strings.Repeat("a", MaxSanitizeInput+100)), MaxSanitizeInput)
}

func TestPlatform_ParseAndCommands(t *testing.T) {
	p, err := ParsePlatform(" Cisco_IOSXE ")
	require.NoError(t, err)
	assert.Equal(t, PlatformIOSXE, p)

	_, err = ParsePlatform("vyos")
	assert.Error(t, err)

	assert.Equal(t, "configure terminal\nvlan 10\nend", PlatformIOSXE.ConfigureCommand("vlan 10"))
	assert.Equal(t, "configure exclusive\nset vlans v10 vlan-id 10\ncommit and-quit",
		PlatformJunos.ConfigureCommand("set vlans v10 vlan-id 10"))
	assert.Equal(t, "show interfaces Gi0/1", PlatformIOSXE.ShowInterface("Gi0/1"))
	assert.Equal(t, "show configuration | display set", PlatformJunos.ShowRunning())
}

func TestPlatform_RestoreCommand(t *testing.T) {
	running := "Building configuration...\n\nCurrent configuration : 42 bytes\n!\nhostname r1\n!\nend"
	assert.Equal(t, "configure replace terminal: force\nhostname r1\nend\nend", PlatformIOSXE.RestoreCommand(running))
}

func TestPlatform_NormalizeConfigIgnoresBanners(t *testing.T) {
	a := "Building configuration...\n\nCurrent configuration : 100 bytes\n!\nhostname r1\ninterface Gi0/1 \n description x\n!\nend"
	b := "Current configuration : 120 bytes\n! Last configuration change at 10:00\nhostname r1\ninterface Gi0/1\n description x\nend\n"
	assert.Equal(t, PlatformIOSXE.NormalizeConfig(a), PlatformIOSXE.NormalizeConfig(b))
}

func TestPlatform_Rejected(t *testing.T) {
	assert.True(t, PlatformIOSXE.Rejected("vlan 99999\n% Invalid input detected at '^' marker."))
	assert.True(t, PlatformJunos.Rejected("set foo\nsyntax error."))
	assert.False(t, PlatformIOSXE.Rejected("Success rate is 100 percent (5/5)"))
}

func TestInterfaceUpAndReachable(t *testing.T) {
	assert.True(t, InterfaceUp("GigabitEthernet0/1 is up, line protocol is up (connected)"))
	assert.False(t, InterfaceUp("GigabitEthernet0/1 is administratively down, line protocol is down"))
	assert.False(t, InterfaceUp("GigabitEthernet0/1 is up, line protocol is down"))
	assert.True(t, InterfaceUp("ge-0/0/1               up    up"))

	assert.True(t, Reachable("Success rate is 60 percent (3/5)"))
	assert.False(t, Reachable("Success rate is 0 percent (0/5)"))
	assert.True(t, Reachable("5 packets transmitted, 4 received, 20% packet loss"))
	assert.False(t, Reachable("5 packets transmitted, 0 received, 100% packet loss"))
	assert.False(t, Reachable("% Unrecognized host or address"))
}

func TestInterfacesDown(t *testing.T) {
	out := "GigabitEthernet0/1 is up, line protocol is up\n" +
		"GigabitEthernet0/2 is down, line protocol is down\n" +
		"GigabitEthernet0/3 is administratively down, line protocol is down\n" +
		"GigabitEthernet0/4 is up, line protocol is down"
	assert.Equal(t, []string{"GigabitEthernet0/2", "GigabitEthernet0/4"}, InterfacesDown(out))
	assert.Empty(t, InterfacesDown("Loopback0 is up, line protocol is up"))
}
