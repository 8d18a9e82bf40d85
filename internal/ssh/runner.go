package ssh

import (
	"bytes"
	"context"
	"fmt"
)

// Result holds the outcome of a remote command run through a Runner.
type Result struct {
	Status int
	Output string
}

// Runner runs one command or one push per call, each over a fresh dialer and
// channel. It is safe for concurrent use because nothing is shared between
// calls.
type Runner struct {
	cfg   Config
	creds Credentials
	port  int
	opts  []Option
}

// NewRunner creates a runner. Port 0 uses Config.Port.
func NewRunner(cfg Config, creds Credentials, port int, opts ...Option) *Runner {
	return &Runner{cfg: cfg, creds: creds, port: port, opts: opts}
}

// Run executes command on host with the privilege prefix and captures its
// output. A nonzero exit status is not an error.
func (r *Runner) Run(ctx context.Context, host, command string) (Result, error) {
	var out bytes.Buffer
	result := Result{Status: StatusUnknownError}

	err := WithChannel(ctx, NewDialer(r.cfg, r.creds, r.opts...), host, r.port, func(ch *Channel) error {
		ch.SetOutput(&out)
		status, err := ch.Exec(ctx, command)
		result.Status = status
		return err
	})
	result.Output = out.String()
	if err != nil {
		return result, fmt.Errorf("run on %s: %w", host, err)
	}
	return result, nil
}

// Push copies data to dir/name on host.
func (r *Runner) Push(ctx context.Context, host string, data []byte, dir, name, perms string) error {
	err := WithChannel(ctx, NewDialer(r.cfg, r.creds, r.opts...), host, r.port, func(ch *Channel) error {
		_, err := ch.ScpBytes(ctx, data, dir, name, perms)
		return err
	})
	if err != nil {
		return fmt.Errorf("push %s to %s: %w", name, host, err)
	}
	return nil
}
