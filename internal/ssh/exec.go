package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tOgg1/elastic/internal/logging"
	xssh "golang.org/x/crypto/ssh"
)

// Exec runs command with the privilege prefix and returns its exit status.
//
// Output is streamed into the writer set with SetOutput. A nonzero exit
// status is returned with a nil error for the caller to interpret. If no
// output arrives for Config.IdleTimeout the call gives up with
// StatusUnknownError and ErrIdleTimeout, even if the remote process is still
// running. Nothing is ever written to the remote process's stdin.
func (c *Channel) Exec(ctx context.Context, command string) (int, error) {
	if err := c.validate(ctx); err != nil {
		return StatusUnknownError, err
	}

	full := c.dialer.privileged(command)
	logger := c.logger.With().Str("command", logging.Redact(full)).Logger()
	logger.Debug().Msg("about to execute remote command")
	sess := c.session
	defer c.release()

	if c.dialer.cfg.RequestPTY {
		modes := xssh.TerminalModes{xssh.ECHO: 0}
		if err := sess.RequestPty("vt100", 40, 80, modes); err != nil {
			logger.Error().Err(err).Msg("could not allocate remote terminal")
			return StatusUnknownError, fmt.Errorf("request pty: %w", err)
		}
	}

	progress := newProgressWriter(c.output())
	defer progress.stop()
	sess.SetStdout(progress)

	if err := sess.Start(full); err != nil {
		logger.Error().Err(err).Msg("could not start remote command")
		return StatusUnknownError, fmt.Errorf("start remote command: %w", err)
	}

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- sess.Wait()
	}()

	idleTimeout := c.dialer.cfg.IdleTimeout
	ticker := time.NewTicker(c.dialer.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitDone:
			status, err := exitStatus(err)
			if err != nil {
				logger.Error().Err(err).Msg("remote command ended without a usable exit status")
				return StatusUnknownError, err
			}
			if status != StatusSuccess {
				// Not necessarily a failure; some commands use it to ask for a retry.
				logger.Info().Int("exit_status", status).Msg("remote command returned nonzero exit status")
			}
			logger.Debug().Int("exit_status", status).Msg("remote command finished")
			return status, nil

		case <-ticker.C:
			if idle := progress.idleFor(); idle >= idleTimeout {
				logger.Error().Dur("idle", idle).Dur("idle_timeout", idleTimeout).
					Msg("no output received while executing command on remote host")
				return StatusUnknownError, ErrIdleTimeout
			}

		case <-ctx.Done():
			return StatusUnknownError, ctx.Err()
		}
	}
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return StatusSuccess, nil
	}
	var exit interface{ ExitStatus() int }
	if errors.As(err, &exit) {
		return exit.ExitStatus(), nil
	}
	var missing *xssh.ExitMissingError
	if errors.As(err, &missing) {
		return StatusUnknownError, ErrNoExitStatus
	}
	return StatusUnknownError, fmt.Errorf("wait for remote command: %w", err)
}

// progressWriter forwards output and remembers when the last byte arrived.
// After stop it discards writes so a lingering copy cannot race the caller.
type progressWriter struct {
	mu      sync.Mutex
	w       io.Writer
	last    time.Time
	stopped bool
}

func newProgressWriter(w io.Writer) *progressWriter {
	return &progressWriter{w: w, last: time.Now()}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return len(b), nil
	}
	if len(b) > 0 {
		p.last = time.Now()
	}
	return p.w.Write(b)
}

func (p *progressWriter) idleFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.last)
}

func (p *progressWriter) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
