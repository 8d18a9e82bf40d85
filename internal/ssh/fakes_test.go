package ssh

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
)

func withDial(dial dialFunc) Option {
	return func(d *Dialer) {
		d.dial = dial
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dialer) {
		d.sleep = sleep
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeExit struct {
	status int
}

func (e fakeExit) Error() string   { return "exit status " + strconv.Itoa(e.status) }
func (e fakeExit) ExitStatus() int { return e.status }

// remote is what a scripted remote process sees.
type remote struct {
	Command string
	Stdin   io.Reader
	Stdout  io.Writer
	Closed  <-chan struct{}
}

type fakeSession struct {
	rec *recorder
	run func(r *remote) error

	ptyErr   error
	startErr error
	closeErr error

	mu      sync.Mutex
	pty     string
	command string
	started bool
	stdout  io.Writer

	stdinR, stdoutR *io.PipeReader
	stdinW, stdoutW *io.PipeWriter

	closed    chan struct{}
	closeOnce sync.Once
	done      chan error
}

func newFakeSession(rec *recorder, run func(r *remote) error) *fakeSession {
	return &fakeSession{
		rec:    rec,
		run:    run,
		closed: make(chan struct{}),
		done:   make(chan error, 1),
	}
}

func (s *fakeSession) RequestPty(term string, _, _ int, _ xssh.TerminalModes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pty = term
	return s.ptyErr
}

func (s *fakeSession) SetStdout(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdout = w
}

func (s *fakeSession) StdinPipe() (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdinR, s.stdinW = io.Pipe()
	return s.stdinW, nil
}

func (s *fakeSession) StdoutPipe() (io.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdoutR, s.stdoutW = io.Pipe()
	return s.stdoutR, nil
}

func (s *fakeSession) Start(cmd string) error {
	s.mu.Lock()
	s.command = cmd
	if s.startErr != nil {
		s.mu.Unlock()
		return s.startErr
	}
	s.started = true
	r := &remote{Command: cmd, Stdout: io.Discard, Closed: s.closed}
	if s.stdinR != nil {
		r.Stdin = s.stdinR
	}
	switch {
	case s.stdoutW != nil:
		r.Stdout = s.stdoutW
	case s.stdout != nil:
		r.Stdout = s.stdout
	}
	run, stdoutW := s.run, s.stdoutW
	s.mu.Unlock()

	go func() {
		var err error
		if run != nil {
			err = run(r)
		}
		if stdoutW != nil {
			_ = stdoutW.Close()
		}
		s.done <- err
	}()
	return nil
}

func (s *fakeSession) Wait() error {
	return <-s.done
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.stdoutR != nil {
			_ = s.stdoutR.Close()
		}
		if s.stdinR != nil {
			_ = s.stdinR.Close()
		}
		s.mu.Unlock()
		if s.rec != nil {
			s.rec.add("session-close")
		}
	})
	return s.closeErr
}

func (s *fakeSession) commandRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.command
}

func (s *fakeSession) ptyTerm() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pty
}

func (s *fakeSession) wasStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

type fakeClient struct {
	rec *recorder

	mu         sync.Mutex
	sessions   []*fakeSession
	opened     []*fakeSession
	sessionErr error
	closes     int
}

func (c *fakeClient) NewSession() (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionErr != nil {
		return nil, c.sessionErr
	}
	var s *fakeSession
	if len(c.sessions) > 0 {
		s, c.sessions = c.sessions[0], c.sessions[1:]
	} else {
		s = newFakeSession(c.rec, nil)
	}
	c.opened = append(c.opened, s)
	return s, nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.rec != nil {
		c.rec.add("client-close")
	}
	return nil
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// lastSession returns the most recently opened session.
func (c *fakeClient) lastSession() *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.opened) == 0 {
		return nil
	}
	return c.opened[len(c.opened)-1]
}

// fakeNetwork answers dials in order: each entry is either an error or nil
// for success. Once exhausted every dial succeeds.
type fakeNetwork struct {
	client *fakeClient
	errs   []error

	mu    sync.Mutex
	dials int
	addrs []string
}

func (n *fakeNetwork) dial(_ context.Context, addr string, _ *xssh.ClientConfig) (client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials++
	n.addrs = append(n.addrs, addr)
	if len(n.errs) > 0 {
		err := n.errs[0]
		n.errs = n.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return n.client, nil
}

func (n *fakeNetwork) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InsecureIgnoreHostKey = true
	cfg.IdleTimeout = 2 * time.Second
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func testCredentials() Credentials {
	return Credentials{Username: "hadoop", Password: "secret"}
}

func newTestDialer(t *testing.T, cfg Config, network *fakeNetwork, sleeps *sleepRecorder) *Dialer {
	t.Helper()
	if sleeps == nil {
		sleeps = &sleepRecorder{}
	}
	return NewDialer(cfg, testCredentials(),
		WithLogger(zerolog.Nop()),
		withDial(network.dial),
		withSleep(sleeps.sleep),
	)
}

// scpSink plays the remote side of "scp -t". acks holds the code sent at
// the start, header and payload stages; a nonzero code is followed by a
// diagnostic line and ends the exchange.
type scpSink struct {
	acks [3]byte

	mu      sync.Mutex
	header  string
	payload []byte
}

func (s *scpSink) run(r *remote) error {
	br := bufio.NewReader(r.Stdin)

	if err := s.ack(r.Stdout, 0); err != nil {
		return err
	}

	header, err := br.ReadString('\n')
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.header = header
	s.mu.Unlock()
	if err := s.ack(r.Stdout, 1); err != nil {
		return err
	}

	fields := strings.Fields(header)
	if len(fields) != 3 {
		return fmt.Errorf("bad header %q", header)
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return err
	}
	buf := make([]byte, size+1)
	if _, err := io.ReadFull(br, buf); err != nil {
		return err
	}
	s.mu.Lock()
	s.payload = buf
	s.mu.Unlock()
	return s.ack(r.Stdout, 2)
}

func (s *scpSink) ack(w io.Writer, stage int) error {
	code := s.acks[stage]
	if code == 0 {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write(append([]byte{code}, "boom\n"...)); err != nil {
		return err
	}
	return errors.New("sink aborted")
}

func (s *scpSink) received() (string, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header, s.payload
}
