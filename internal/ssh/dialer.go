package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/elastic/internal/logging"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type dialFunc func(ctx context.Context, addr string, cfg *xssh.ClientConfig) (client, error)

// Dialer creates authenticated channels to remote hosts. A Dialer caches the
// identities it loads; Cleanup on any channel it produced clears that cache.
// It is not safe for concurrent use: create one per logical operation.
type Dialer struct {
	cfg    Config
	creds  Credentials
	logger zerolog.Logger
	prompt PassphrasePrompt

	dial  dialFunc
	sleep func(ctx context.Context, d time.Duration) error

	identities []xssh.Signer
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithLogger sets the dialer's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// WithPassphrasePrompt sets the prompt used for encrypted keys when no
// passphrase is configured.
func WithPassphrasePrompt(prompt PassphrasePrompt) Option {
	return func(d *Dialer) {
		d.prompt = prompt
	}
}

// NewDialer creates a dialer. Zero-valued config fields fall back to
// DefaultConfig.
func NewDialer(cfg Config, creds Credentials, opts ...Option) *Dialer {
	defaults := DefaultConfig()
	if cfg.Port <= 0 {
		cfg.Port = defaults.Port
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = defaults.ConnectAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	d := &Dialer{
		cfg:    cfg,
		creds:  creds,
		logger: logging.Component("ssh"),
		dial:   dialTCP,
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CreateChannel connects to host and opens an exec channel. It makes
// Config.ConnectAttempts attempts, sleeping Config.RetryDelay between them.
// A returned error means the operation must stop; callers must not retry.
func (d *Dialer) CreateChannel(ctx context.Context, host string, port int) (*Channel, error) {
	if host == "" {
		return nil, ErrMissingHost
	}
	if port <= 0 {
		port = d.cfg.Port
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger := logging.WithHost(d.logger, addr)

	clientConfig, err := d.clientConfig(logger)
	if err != nil {
		logger.Error().Err(err).Msg("could not build ssh client configuration")
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	var lastErr error
	made := 0
	for attempt := 1; attempt <= d.cfg.ConnectAttempts; attempt++ {
		made = attempt
		ch, err := d.open(ctx, addr, clientConfig, logger)
		if d.cfg.OnConnectAttempt != nil {
			d.cfg.OnConnectAttempt(addr, attempt, err)
		}
		if err == nil {
			return ch, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("could not create ssh channel to host")

		if attempt < d.cfg.ConnectAttempts {
			logger.Warn().Dur("delay", d.cfg.RetryDelay).Msg("retrying ssh connection to host after delay")
			if err := d.sleep(ctx, d.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}

	logger.Error().Err(lastErr).Int("attempts", made).
		Msg("could not create ssh channel to host (check address, username, password or private key)")
	return nil, &ConnectError{Addr: addr, Attempts: made, Err: lastErr}
}

func (d *Dialer) open(ctx context.Context, addr string, clientConfig *xssh.ClientConfig, logger zerolog.Logger) (*Channel, error) {
	c, err := d.dial(ctx, addr, clientConfig)
	if err != nil {
		return nil, err
	}
	s, err := c.NewSession()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &Channel{
		dialer:       d,
		addr:         addr,
		clientConfig: clientConfig,
		logger:       logger,
		client:       c,
		session:      s,
		connected:    true,
	}, nil
}

func (d *Dialer) clientConfig(logger zerolog.Logger) (*xssh.ClientConfig, error) {
	auth, err := d.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := d.hostKeyCallback(logger)
	if err != nil {
		return nil, err
	}
	return &xssh.ClientConfig{
		User:            d.creds.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         d.cfg.ConnectTimeout,
	}, nil
}

// authMethods prefers the private key identity and falls back to a password
// that is answered both directly and through keyboard-interactive prompts.
func (d *Dialer) authMethods() ([]xssh.AuthMethod, error) {
	if d.creds.PrivateKeyPath != "" {
		if len(d.identities) == 0 {
			prompt := d.prompt
			if d.creds.Passphrase != "" {
				prompt = staticPassphrase(d.creds.Passphrase)
			}
			signer, err := LoadPrivateKey(d.creds.PrivateKeyPath, prompt)
			if err != nil {
				return nil, err
			}
			d.identities = append(d.identities, signer)
		}
		return []xssh.AuthMethod{xssh.PublicKeys(d.identities...)}, nil
	}

	if d.creds.Password == "" {
		return nil, ErrNoAuthMethod
	}
	password := d.creds.Password
	return []xssh.AuthMethod{
		xssh.Password(password),
		xssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}

func (d *Dialer) hostKeyCallback(logger zerolog.Logger) (xssh.HostKeyCallback, error) {
	if d.cfg.InsecureIgnoreHostKey {
		logger.Warn().Msg("host key verification disabled by ssh.insecure_ignore_host_key")
		return xssh.InsecureIgnoreHostKey(), nil
	}

	path := d.cfg.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return callback, nil
}

// cachedIdentities reports how many signers are cached.
func (d *Dialer) cachedIdentities() int {
	return len(d.identities)
}

func (d *Dialer) clearIdentities() {
	d.identities = nil
}

func (d *Dialer) privileged(command string) string {
	if d.cfg.PrivilegePrefix == "" {
		return command
	}
	return d.cfg.PrivilegePrefix + " " + command
}

func dialTCP(ctx context.Context, addr string, cfg *xssh.ClientConfig) (client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	c, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &nativeClient{Client: xssh.NewClient(c, chans, reqs)}, nil
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
