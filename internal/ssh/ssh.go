// Package ssh runs privileged commands and pushes small files on remote hosts.
//
// A Dialer opens a Channel: one authenticated client plus one exec session.
// A Channel belongs to exactly one logical operation and must not be shared
// between goroutines. Cleanup tears it down in order (output stream, session,
// client, cached identities) and the channel cannot be reused afterwards.
package ssh

import (
	"io"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Config controls connection, retry and execution behavior.
type Config struct {
	// Port is the default SSH port used when a caller passes port <= 0.
	Port int

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration

	// ConnectAttempts is the total number of connection attempts.
	ConnectAttempts int

	// RetryDelay is slept between failed connection attempts.
	RetryDelay time.Duration

	// IdleTimeout aborts Exec when no output arrives for this long, and
	// bounds a whole ScpBytes handshake.
	IdleTimeout time.Duration

	// PollInterval is how often Exec checks for completion and idleness.
	PollInterval time.Duration

	// PrivilegePrefix is prepended to every executed command (e.g. "sudo").
	PrivilegePrefix string

	// RequestPTY allocates a remote terminal before Exec; sudo usually
	// refuses to run without one.
	RequestPTY bool

	// InsecureIgnoreHostKey disables host key verification. It must be set
	// explicitly and is logged on every dial.
	InsecureIgnoreHostKey bool

	// KnownHostsFile is used for host key verification
	// (default ~/.ssh/known_hosts).
	KnownHostsFile string

	// OnConnectAttempt, when set, observes every connection attempt.
	OnConnectAttempt func(addr string, attempt int, err error)
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		Port:            22,
		ConnectTimeout:  15 * time.Second,
		ConnectAttempts: 2,
		RetryDelay:      5 * time.Second,
		IdleTimeout:     100 * time.Second,
		PollInterval:    time.Second,
		PrivilegePrefix: "sudo",
		RequestPTY:      true,
	}
}

// Credentials identify the remote user.
type Credentials struct {
	// Username is the remote login.
	Username string

	// Password is used when no private key is configured.
	Password string

	// PrivateKeyPath selects key authentication when set.
	PrivateKeyPath string

	// Passphrase unlocks an encrypted private key.
	Passphrase string
}

// client is the connection half of a remote-shell link.
type client interface {
	NewSession() (session, error)
	Close() error
}

// session runs a single remote command.
type session interface {
	RequestPty(term string, height, width int, modes xssh.TerminalModes) error
	SetStdout(w io.Writer)
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

type nativeClient struct {
	*xssh.Client
}

func (c *nativeClient) NewSession() (session, error) {
	s, err := c.Client.NewSession()
	if err != nil {
		return nil, err
	}
	return &nativeSession{Session: s}, nil
}

type nativeSession struct {
	*xssh.Session
}

// SetStdout routes both remote streams to w; with a PTY they are merged anyway.
func (s *nativeSession) SetStdout(w io.Writer) {
	s.Session.Stdout = w
	s.Session.Stderr = w
}
