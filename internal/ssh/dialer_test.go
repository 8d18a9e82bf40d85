package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func TestCreateChannelRetriesOnceWithDelay(t *testing.T) {
	network := &fakeNetwork{
		client: &fakeClient{},
		errs:   []error{errors.New("connection refused")},
	}
	sleeps := &sleepRecorder{}

	type attempt struct {
		n   int
		err error
	}
	var attempts []attempt
	cfg := testConfig()
	cfg.OnConnectAttempt = func(addr string, n int, err error) {
		assert.Equal(t, "node-1:22", addr)
		attempts = append(attempts, attempt{n, err})
	}

	d := newTestDialer(t, cfg, network, sleeps)
	ch, err := d.CreateChannel(context.Background(), "node-1", 0)
	require.NoError(t, err)
	require.NotNil(t, ch)
	defer ch.Cleanup()

	assert.Equal(t, "node-1:22", ch.Addr())
	assert.Equal(t, 2, network.dialCount())
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeps.sleeps)
	require.Len(t, attempts, 2)
	assert.Error(t, attempts[0].err)
	assert.NoError(t, attempts[1].err)
}

func TestCreateChannelFailsAfterAllAttempts(t *testing.T) {
	network := &fakeNetwork{
		errs: []error{errors.New("refused"), errors.New("still refused"), nil},
	}
	sleeps := &sleepRecorder{}

	d := newTestDialer(t, testConfig(), network, sleeps)
	ch, err := d.CreateChannel(context.Background(), "node-1", 2222)
	require.Error(t, err)
	assert.Nil(t, ch)

	assert.ErrorIs(t, err, ErrConnectFailed)
	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, "node-1:2222", connectErr.Addr)
	assert.Equal(t, 2, connectErr.Attempts)
	assert.EqualError(t, connectErr.Err, "still refused")

	assert.Equal(t, 2, network.dialCount())
	assert.Len(t, sleeps.sleeps, 1, "sleeps only between attempts")
}

func TestCreateChannelStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	network := &fakeNetwork{errs: []error{errors.New("refused")}}
	ctx, cancel := context.WithCancel(context.Background())

	d := NewDialer(testConfig(), testCredentials(),
		WithLogger(zerolog.Nop()),
		withDial(network.dial),
		withSleep(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}),
	)

	_, err := d.CreateChannel(ctx, "node-1", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, network.dialCount())
}

func TestCreateChannelSessionFailureClosesClient(t *testing.T) {
	cl := &fakeClient{sessionErr: errors.New("administratively prohibited")}
	network := &fakeNetwork{client: cl}

	d := newTestDialer(t, testConfig(), network, nil)
	_, err := d.CreateChannel(context.Background(), "node-1", 0)
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, 2, cl.closeCount())
}

func TestCreateChannelValidation(t *testing.T) {
	network := &fakeNetwork{client: &fakeClient{}}

	t.Run("missing host", func(t *testing.T) {
		d := newTestDialer(t, testConfig(), network, nil)
		_, err := d.CreateChannel(context.Background(), "", 22)
		assert.ErrorIs(t, err, ErrMissingHost)
	})

	t.Run("no auth method", func(t *testing.T) {
		d := NewDialer(testConfig(), Credentials{Username: "hadoop"},
			WithLogger(zerolog.Nop()), withDial(network.dial))
		_, err := d.CreateChannel(context.Background(), "node-1", 22)
		assert.ErrorIs(t, err, ErrNoAuthMethod)
		assert.ErrorIs(t, err, ErrConnectFailed)
	})

	t.Run("unreadable known hosts", func(t *testing.T) {
		cfg := testConfig()
		cfg.InsecureIgnoreHostKey = false
		cfg.KnownHostsFile = filepath.Join(t.TempDir(), "missing")
		before := network.dialCount()

		d := newTestDialer(t, cfg, network, nil)
		_, err := d.CreateChannel(context.Background(), "node-1", 22)
		require.Error(t, err)

		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr)
		assert.Zero(t, connectErr.Attempts)
		assert.Equal(t, before, network.dialCount(), "never dials without host key policy")
	})
}

func TestNewDialerDefaults(t *testing.T) {
	d := NewDialer(Config{RetryDelay: -time.Second}, testCredentials())

	def := DefaultConfig()
	assert.Equal(t, def.Port, d.cfg.Port)
	assert.Equal(t, def.ConnectTimeout, d.cfg.ConnectTimeout)
	assert.Equal(t, def.ConnectAttempts, d.cfg.ConnectAttempts)
	assert.Equal(t, time.Duration(0), d.cfg.RetryDelay)
	assert.Equal(t, def.IdleTimeout, d.cfg.IdleTimeout)
	assert.Equal(t, def.PollInterval, d.cfg.PollInterval)
}

func TestAuthMethods(t *testing.T) {
	t.Run("password with keyboard interactive", func(t *testing.T) {
		d := NewDialer(testConfig(), testCredentials())
		methods, err := d.authMethods()
		require.NoError(t, err)
		assert.Len(t, methods, 2)
		assert.Zero(t, d.cachedIdentities())
	})

	t.Run("private key is cached", func(t *testing.T) {
		keyPath := writeTestKey(t, "")
		d := NewDialer(testConfig(), Credentials{Username: "hadoop", PrivateKeyPath: keyPath})

		methods, err := d.authMethods()
		require.NoError(t, err)
		assert.Len(t, methods, 1)
		assert.Equal(t, 1, d.cachedIdentities())

		_, err = d.authMethods()
		require.NoError(t, err)
		assert.Equal(t, 1, d.cachedIdentities())
	})

	t.Run("encrypted key uses configured passphrase", func(t *testing.T) {
		keyPath := writeTestKey(t, "hunter2")
		d := NewDialer(testConfig(), Credentials{
			Username:       "hadoop",
			PrivateKeyPath: keyPath,
			Passphrase:     "hunter2",
		})

		_, err := d.authMethods()
		require.NoError(t, err)
		assert.Equal(t, 1, d.cachedIdentities())
	})
}

func TestPrivileged(t *testing.T) {
	d := NewDialer(testConfig(), testCredentials())
	assert.Equal(t, "sudo ls /tmp", d.privileged("ls /tmp"))

	cfg := testConfig()
	cfg.PrivilegePrefix = ""
	d = NewDialer(cfg, testCredentials())
	assert.Equal(t, "ls /tmp", d.privileged("ls /tmp"))
}

func TestSleepWithContext(t *testing.T) {
	require.NoError(t, sleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithContext(ctx, time.Hour), context.Canceled)
}

func writeTestKey(t *testing.T, passphrase string) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = xssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = xssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}
