// Package devicetest simulates IOS-style devices for executor tests and
// the --simulate mode of the CLI.
package devicetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yairfalse/vigil/executor"
)

const invalidInput = "% Invalid input detected at '^' marker."

// Lab is a set of simulated devices. It implements executor.Dialer.
type Lab struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewLab creates an empty lab
func NewLab() *Lab {
	return &Lab{devices: make(map[string]*Device)}
}

// Add creates a device with the given running configuration
func (l *Lab) Add(name, config string) *Device {
	d := &Device{
		name:       name,
		interfaces: make(map[string]bool),
		reachable:  make(map[string]bool),
	}
	d.SetConfig(config)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.devices[name] = d
	return d
}

// Get returns a device added earlier
func (l *Lab) Get(name string) *Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.devices[name]
}

// Inventory lists every lab device as a cisco_iosxe device
func (l *Lab) Inventory() executor.StaticInventory {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv := make(executor.StaticInventory, len(l.devices))
	for name := range l.devices {
		inv[name] = executor.Device{Name: name, Address: "192.0.2.1", Platform: executor.PlatformIOSXE}
	}
	return inv
}

// Dial opens a session to a simulated device
func (l *Lab) Dial(ctx context.Context, device executor.Device) (executor.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := l.Get(device.Name)
	if d == nil {
		return nil, fmt.Errorf("%w: no route to %s", executor.ErrTransport, device.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialFailures > 0 {
		d.dialFailures--
		return nil, fmt.Errorf("%w: connection refused by %s", executor.ErrTransport, device.Name)
	}
	d.open++
	return &session{device: d}, nil
}

// Device is one simulated router. Failure injection methods affect
// subsequent commands.
type Device struct {
	mu         sync.Mutex
	name       string
	config     []string
	interfaces map[string]bool
	reachable  map[string]bool
	commands   []string
	dials      int
	open       int

	dialFailures      int
	transportFailures int
	rejectContaining  string
	ignoreWrites      bool
	breakRestore      bool
	corruptRestore    bool
	delay             time.Duration
}

// SetConfig replaces the running configuration
func (d *Device) SetConfig(config string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.config = nil
	for _, line := range strings.Split(config, "\n") {
		line = strings.TrimRight(line, " \r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "!") || line == "end" {
			continue
		}
		d.config = append(d.config, line)
	}
}

// Config returns the running configuration body
func (d *Device) Config() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.Join(d.config, "\n")
}

// Commands returns every command received, in order
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// Dials returns the number of dial attempts
func (d *Device) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// OpenSessions returns the number of sessions currently open
func (d *Device) OpenSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// FailDials refuses the next n connection attempts
func (d *Device) FailDials(n int) { d.set(func() { d.dialFailures = n }) }

// FailCommands drops the session on the next n commands
func (d *Device) FailCommands(n int) { d.set(func() { d.transportFailures = n }) }

// RejectLinesContaining makes config lines containing s fail with an
// invalid input error
func (d *Device) RejectLinesContaining(s string) { d.set(func() { d.rejectContaining = s }) }

// IgnoreWrites accepts config commands without applying them
func (d *Device) IgnoreWrites() { d.set(func() { d.ignoreWrites = true }) }

// BreakRestore drops the session on configure replace
func (d *Device) BreakRestore() { d.set(func() { d.breakRestore = true }) }

// CorruptRestore applies configure replace with an extra line
func (d *Device) CorruptRestore() { d.set(func() { d.corruptRestore = true }) }

// SetDelay makes every command take at least delay
func (d *Device) SetDelay(delay time.Duration) { d.set(func() { d.delay = delay }) }

// SetInterface sets an interface's operational state. Unknown interfaces
// are up.
func (d *Device) SetInterface(name string, up bool) { d.set(func() { d.interfaces[name] = up }) }

// SetReachable sets whether pings to target succeed. Unknown targets reply.
func (d *Device) SetReachable(target string, ok bool) { d.set(func() { d.reachable[target] = ok }) }

func (d *Device) set(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f()
}

type session struct {
	device *Device
	mu     sync.Mutex
	closed bool
}

func (s *session) Run(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%w: session closed", executor.ErrTransport)
	}
	return s.device.handle(ctx, command)
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.device.set(func() { s.device.open-- })
	}
	return nil
}

func (d *Device) handle(ctx context.Context, command string) (string, error) {
	d.mu.Lock()
	d.commands = append(d.commands, command)
	delay := d.delay
	if d.transportFailures > 0 {
		d.transportFailures--
		d.mu.Unlock()
		return "", fmt.Errorf("%w: connection reset by %s", executor.ErrTransport, d.name)
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	lines := strings.Split(command, "\n")
	first := strings.TrimSpace(lines[0])
	switch {
	case first == "show running-config":
		return d.running(), nil
	case first == "show interfaces":
		return d.allInterfaces(), nil
	case strings.HasPrefix(first, "show interfaces "):
		return d.interfaceStatus(strings.TrimPrefix(first, "show interfaces ")), nil
	case first == "show bgp summary":
		return "BGP router identifier 192.0.2.1, local AS number 65000\nNeighbor        V    AS MsgRcvd MsgSent Up/Down  State/PfxRcd", nil
	case strings.HasPrefix(first, "ping "):
		return d.ping(strings.Fields(first)[1]), nil
	case strings.HasPrefix(first, "traceroute "):
		return "Tracing the route to " + strings.Fields(first)[1] + "\n  1 192.0.2.254 1 msec", nil
	case first == "configure replace terminal: force":
		return d.replace(body(lines))
	case first == "configure terminal":
		return d.configure(body(lines)), nil
	default:
		return invalidInput, nil
	}
}

// body strips the mode enter line and the trailing end
func body(lines []string) []string {
	out := lines[1:]
	if n := len(out); n > 0 && strings.TrimSpace(out[n-1]) == "end" {
		out = out[:n-1]
	}
	return out
}

func (d *Device) running() string {
	text := strings.Join(d.config, "\n")
	return fmt.Sprintf("Building configuration...\n\nCurrent configuration : %d bytes\n!\n%s\n!\nend", len(text), text)
}

func (d *Device) allInterfaces() string {
	var out []string
	for _, line := range d.config {
		if name, ok := strings.CutPrefix(line, "interface "); ok {
			out = append(out, d.interfaceStatus(name))
		}
	}
	return strings.Join(out, "\n")
}

func (d *Device) interfaceStatus(name string) string {
	if up, ok := d.interfaces[name]; ok && !up {
		return name + " is down, line protocol is down"
	}
	return name + " is up, line protocol is up"
}

func (d *Device) ping(target string) string {
	if ok, known := d.reachable[target]; known && !ok {
		return "Sending 5, 100-byte ICMP Echos to " + target + ":\n.....\nSuccess rate is 0 percent (0/5)"
	}
	return "Sending 5, 100-byte ICMP Echos to " + target + ":\n!!!!!\nSuccess rate is 100 percent (5/5)"
}

func (d *Device) replace(lines []string) (string, error) {
	if d.breakRestore {
		return "", fmt.Errorf("%w: connection reset by %s during replace", executor.ErrTransport, d.name)
	}
	var next []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || strings.TrimSpace(line) == "end" {
			continue
		}
		next = append(next, line)
	}
	if d.corruptRestore {
		next = append(next, "hostname half-restored")
	}
	d.config = next
	return "Total number of passes: 1\nRollback Done", nil
}

func (d *Device) configure(lines []string) string {
	parent := -1
	for _, line := range lines {
		if d.rejectContaining != "" && strings.Contains(line, d.rejectContaining) {
			return line + "\n" + invalidInput
		}
		if d.ignoreWrites || strings.TrimSpace(line) == "" {
			continue
		}

		if strings.HasPrefix(line, " ") {
			d.addChild(parent, line)
			continue
		}
		if target, ok := strings.CutPrefix(line, "no "); ok {
			d.remove(target)
			parent = -1
			continue
		}
		idx := d.index(line)
		if idx < 0 {
			d.config = append(d.config, line)
			idx = len(d.config) - 1
		}
		parent = idx
	}
	return ""
}

func (d *Device) index(line string) int {
	for i, l := range d.config {
		if l == line {
			return i
		}
	}
	return -1
}

func (d *Device) addChild(parent int, line string) {
	if parent < 0 {
		d.config = append(d.config, line)
		return
	}
	j := parent + 1
	for j < len(d.config) && strings.HasPrefix(d.config[j], " ") {
		if d.config[j] == line {
			return
		}
		j++
	}
	d.config = append(d.config[:j], append([]string{line}, d.config[j:]...)...)
}

// remove deletes a top-level line and its indented children
func (d *Device) remove(line string) {
	idx := d.index(line)
	if idx < 0 {
		return
	}
	end := idx + 1
	for end < len(d.config) && strings.HasPrefix(d.config[end], " ") {
		end++
	}
	d.config = append(d.config[:idx], d.config[end:]...)
}
