package executor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Platform identifies a device operating system
type Platform string

const (
	PlatformIOSXE Platform = "cisco_iosxe"
	PlatformNXOS  Platform = "cisco_nxos"
	PlatformEOS   Platform = "arista_eos"
	PlatformJunos Platform = "juniper_junos"
)

// platformSpec holds the per-platform command vocabulary
type platformSpec struct {
	showRunning    string
	showInterfaces string
	showInterface  string // fmt verb for the interface name
	ping           string // fmt verb for the target address
	configEnter    string
	configExit     string
	replaceEnter   string
	replaceExit    string
	commentPrefix  string
	rejectMarkers  []string
}

var platforms = map[Platform]platformSpec{
	PlatformIOSXE: {
		showRunning:    "show running-config",
		showInterfaces: "show interfaces",
		showInterface:  "show interfaces %s",
		ping:           "ping %s repeat 5",
		configEnter:    "configure terminal",
		configExit:     "end",
		replaceEnter:   "configure replace terminal: force",
		replaceExit:    "end",
		commentPrefix:  "!",
		rejectMarkers:  []string{"% Invalid input", "% Incomplete command", "% Ambiguous command", "% Error"},
	},
	PlatformNXOS: {
		showRunning:    "show running-config",
		showInterfaces: "show interface",
		showInterface:  "show interface %s",
		ping:           "ping %s count 5",
		configEnter:    "configure terminal",
		configExit:     "end",
		replaceEnter:   "configure replace terminal: force",
		replaceExit:    "end",
		commentPrefix:  "!",
		rejectMarkers:  []string{"% Invalid command", "% Incomplete command", "% Invalid", "ERROR:"},
	},
	PlatformEOS: {
		showRunning:    "show running-config",
		showInterfaces: "show interfaces",
		showInterface:  "show interfaces %s",
		ping:           "ping %s repeat 5",
		configEnter:    "configure terminal",
		configExit:     "end",
		replaceEnter:   "configure replace terminal: force",
		replaceExit:    "end",
		commentPrefix:  "!",
		rejectMarkers:  []string{"% Invalid input", "% Incomplete command", "% Ambiguous command", "% Error"},
	},
	PlatformJunos: {
		showRunning:    "show configuration | display set",
		showInterfaces: "show interfaces terse",
		showInterface:  "show interfaces %s terse",
		ping:           "ping %s count 5 rapid",
		configEnter:    "configure exclusive",
		configExit:     "commit and-quit",
		replaceEnter:   "configure exclusive\ndelete",
		replaceExit:    "commit and-quit",
		commentPrefix:  "#",
		rejectMarkers:  []string{"syntax error", "unknown command", "error:"},
	},
}

// ParsePlatform validates a platform name
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := platforms[p]; !ok {
		return "", fmt.Errorf("unsupported platform %q", s)
	}
	return p, nil
}

func (p Platform) spec() platformSpec {
	if s, ok := platforms[p]; ok {
		return s
	}
	return platforms[PlatformIOSXE]
}

// ShowRunning returns the command that prints the running configuration
func (p Platform) ShowRunning() string {
	return p.spec().showRunning
}

// ShowInterfaces returns the command that prints every interface's status
func (p Platform) ShowInterfaces() string {
	return p.spec().showInterfaces
}

// ShowInterface returns the command that prints one interface's status
func (p Platform) ShowInterface(name string) string {
	return fmt.Sprintf(p.spec().showInterface, name)
}

// Ping returns the reachability check command for target
func (p Platform) Ping(target string) string {
	return fmt.Sprintf(p.spec().ping, target)
}

// ConfigureCommand wraps configuration lines in the platform's config mode
func (p Platform) ConfigureCommand(lines string) string {
	s := p.spec()
	return s.configEnter + "\n" + lines + "\n" + s.configExit
}

// RestoreCommand replaces the whole running configuration with config
func (p Platform) RestoreCommand(config string) string {
	s := p.spec()
	return s.replaceEnter + "\n" + p.NormalizeConfig(config) + "\n" + s.replaceExit
}

// Rejected reports whether output carries the platform's command error marker
func (p Platform) Rejected(output string) bool {
	for _, marker := range p.spec().rejectMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// volatileLine matches banner lines that change on every capture
var volatileLine = regexp.MustCompile(`^(Building configuration|Current configuration|Last configuration change|NVRAM config last updated|## Last commit|!Time:|!Command:)`)

// NormalizeConfig strips comments, blank lines and volatile banners so two
// captures of the same configuration compare equal
func (p Platform) NormalizeConfig(config string) string {
	prefix := p.spec().commentPrefix
	var out []string
	for _, line := range strings.Split(config, "\n") {
		line = strings.TrimRight(line, " \r\t")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, prefix) || volatileLine.MatchString(trimmed) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

var (
	lineProtocolUp = regexp.MustCompile(`(?i)line protocol is up`)
	adminDown      = regexp.MustCompile(`(?i)administratively down|line protocol is down|\bis down\b`)
	interfaceUp    = regexp.MustCompile(`(?i)\bis up\b|\bup\s+up\b`)
	successRate    = regexp.MustCompile(`Success rate is (\d+) percent`)
	packetLoss     = regexp.MustCompile(`([\d.]+)% packet loss`)
)

// InterfaceUp interprets interface status output
func InterfaceUp(output string) bool {
	if lineProtocolUp.MatchString(output) {
		return true
	}
	if adminDown.MatchString(output) {
		return false
	}
	return interfaceUp.MatchString(output)
}

var operDown = regexp.MustCompile(`(?i)^(\S+) is (?:up|down), line protocol is down`)

// InterfacesDown lists interfaces that are enabled but not passing traffic.
// Administratively shut interfaces are not reported.
func InterfacesDown(output string) []string {
	var down []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if m := operDown.FindStringSubmatch(line); m != nil {
			down = append(down, m[1])
		}
	}
	return down
}

// Reachable interprets ping output. Any reply counts.
func Reachable(output string) bool {
	if m := successRate.FindStringSubmatch(output); m != nil {
		n, err := strconv.Atoi(m[1])
		return err == nil && n > 0
	}
	if m := packetLoss.FindStringSubmatch(output); m != nil {
		loss, err := strconv.ParseFloat(m[1], 64)
		return err == nil && loss < 100
	}
	return false
}
