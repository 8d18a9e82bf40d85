package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
)

// Channel is an authenticated connection plus one exec session. It is owned
// by a single operation and is not safe for concurrent use.
type Channel struct {
	dialer       *Dialer
	addr         string
	clientConfig *xssh.ClientConfig
	logger       zerolog.Logger

	client    client
	session   session
	connected bool
	out       io.Writer
	closed    bool
}

// Addr returns the host:port the channel points at.
func (c *Channel) Addr() string {
	return c.addr
}

// SetOutput attaches the stream that Exec copies remote output into.
// Cleanup flushes and closes it when it supports those operations.
func (c *Channel) SetOutput(w io.Writer) {
	c.out = w
}

func (c *Channel) output() io.Writer {
	if c.out == nil {
		return io.Discard
	}
	return c.out
}

// Test reports whether the channel is usable, reconnecting the client and
// reopening the session if needed. It is idempotent and never retries; a
// cleaned-up channel always fails.
func (c *Channel) Test(ctx context.Context) bool {
	if c == nil || c.closed {
		return false
	}
	if c.connected && c.session != nil {
		return true
	}

	if c.client == nil {
		cl, err := c.dialer.dial(ctx, c.addr, c.clientConfig)
		if err != nil {
			c.logger.Error().Err(err).Msg("ssh channel failed validity test - could not connect")
			return false
		}
		c.client = cl
	}

	s, err := c.client.NewSession()
	if err != nil {
		c.logger.Error().Err(err).Msg("ssh channel failed validity test - could not open session")
		_ = c.client.Close()
		c.client = nil
		return false
	}
	c.session = s
	c.connected = true
	return true
}

func (c *Channel) validate(ctx context.Context) error {
	if c == nil {
		return ErrChannelInvalid
	}
	if c.closed {
		return ErrChannelClosed
	}
	if !c.Test(ctx) {
		return ErrChannelInvalid
	}
	return nil
}

// release ends the current session after a command. Errors are ignored.
func (c *Channel) release() {
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	c.connected = false
}

// Cleanup tears the channel down: flush and close the attached output, close
// the session, close the client, then forget cached identities. It runs at
// most once; later calls are no-ops. Errors are logged, never returned.
func (c *Channel) Cleanup() {
	if c == nil || c.closed {
		return
	}
	c.closed = true

	var result *multierror.Error
	if c.out != nil {
		if f, ok := c.out.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				result = multierror.Append(result, fmt.Errorf("flush output: %w", err))
			}
		}
		if cl, ok := c.out.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close output: %w", err))
			}
		}
		c.out = nil
	}

	if c.session != nil {
		if err := c.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			result = multierror.Append(result, fmt.Errorf("close session: %w", err))
		}
		c.session = nil
	}
	c.connected = false

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close client: %w", err))
		}
		c.client = nil
	}

	c.dialer.clearIdentities()

	if err := result.ErrorOrNil(); err != nil {
		c.logger.Warn().Err(err).Msg("unexpected error during ssh channel cleanup")
	}
}

// WithChannel creates a channel, hands it to fn and always cleans it up,
// whether fn returns normally, fails or panics.
func WithChannel(ctx context.Context, d *Dialer, host string, port int, fn func(*Channel) error) error {
	ch, err := d.CreateChannel(ctx, host, port)
	if err != nil {
		return err
	}
	defer ch.Cleanup()
	return fn(ch)
}
