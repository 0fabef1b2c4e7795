package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/yairfalse/vigil/types"
)

// SSHConfig holds device credentials
type SSHConfig struct {
	Username       string        `toml:"username"`
	Password       string        `toml:"password"`
	KeyFile        string        `toml:"key_file"`
	KnownHostsFile string        `toml:"known_hosts_file"`
	DialTimeout    time.Duration `toml:"dial_timeout"`
}

// SSHDialer opens device sessions over SSH. Host keys are always verified
// against the known_hosts file.
type SSHDialer struct {
	config   SSHConfig
	auth     []ssh.AuthMethod
	hostKeys ssh.HostKeyCallback
}

// NewSSHDialer loads the key and known_hosts files
func NewSSHDialer(config SSHConfig) (*SSHDialer, error) {
	if config.KnownHostsFile == "" {
		return nil, fmt.Errorf("%w: ssh known_hosts_file is required", types.ErrConfiguration)
	}
	hostKeys, err := knownhosts.New(config.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: load known hosts: %v", types.ErrConfiguration, err)
	}

	var auth []ssh.AuthMethod
	if config.KeyFile != "" {
		pem, err := os.ReadFile(config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read ssh key: %v", types.ErrConfiguration, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("%w: parse ssh key: %v", types.ErrConfiguration, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if config.Password != "" {
		auth = append(auth, ssh.Password(config.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: ssh needs a key_file or password", types.ErrConfiguration)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	return &SSHDialer{config: config, auth: auth, hostKeys: hostKeys}, nil
}

// Dial connects to the device
func (d *SSHDialer) Dial(ctx context.Context, device Device) (Session, error) {
	port := device.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(device.Address, strconv.Itoa(port))
	user := device.Username
	if user == "" {
		user = d.config.Username
	}

	dctx, cancel := context.WithTimeout(ctx, d.config.DialTimeout)
	defer cancel()
	var dialer net.Dialer
	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, device.Name, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            d.auth,
		HostKeyCallback: d.hostKeys,
		Timeout:         d.config.DialTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", ErrTransport, device.Name, err)
	}
	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

// lockedBuffer collects output written by the ssh session goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Run feeds the command lines to a device shell and returns everything it
// printed
func (s *sshSession) Run(ctx context.Context, command string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open channel: %v", ErrTransport, err)
	}
	defer sess.Close()

	var out lockedBuffer
	sess.Stdout = &out
	sess.Stderr = &out
	sess.Stdin = strings.NewReader(command + "\nexit\n")
	if err := sess.Shell(); err != nil {
		return "", fmt.Errorf("%w: start shell: %v", ErrTransport, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return out.String(), fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	case err := <-done:
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		if err != nil && !errors.As(err, &exitErr) && !errors.As(err, &missing) {
			return out.String(), fmt.Errorf("%w: %v", ErrTransport, err)
		}
		return out.String(), nil
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
