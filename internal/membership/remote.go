package membership

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/elastic/internal/logging"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/opstatus"
	"github.com/tOgg1/elastic/internal/ssh"
)

// CommandRunner runs commands and pushes files on a coordinator host.
// *ssh.Runner implements it.
type CommandRunner interface {
	Run(ctx context.Context, host, command string) (ssh.Result, error)
	Push(ctx context.Context, host string, data []byte, dir, name, perms string) error
}

// RemoteConfig configures the SSH-driven coordinator actions.
type RemoteConfig struct {
	// ExcludeDir and ExcludeFile locate the coordinator's exclude list.
	ExcludeDir  string
	ExcludeFile string

	// ExcludePerms are the octal permissions of the pushed exclude list.
	ExcludePerms string

	// RefreshCommand makes the coordinator re-read its exclude list.
	RefreshCommand string

	// ListActiveCommand prints the active worker nodes, one per line.
	ListActiveCommand string

	// VerifyTimeout bounds VerifyActive; zero polls exactly once.
	// VerifyInterval is the poll period.
	VerifyTimeout  time.Duration
	VerifyInterval time.Duration
}

// DefaultRemoteConfig returns defaults for a Hadoop 1 JobTracker.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		ExcludeDir:        "/etc/hadoop/conf",
		ExcludeFile:       "mapred.hosts.exclude",
		ExcludePerms:      "644",
		RefreshCommand:    "hadoop mradmin -refreshNodes",
		ListActiveCommand: "hadoop job -list-active-trackers",
		VerifyTimeout:     2 * time.Minute,
		VerifyInterval:    10 * time.Second,
	}
}

// Remote implements Actions by driving the coordinator over SSH.
type Remote struct {
	runner CommandRunner
	cfg    RemoteConfig
	logger zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) RemoteOption {
	return func(r *Remote) {
		r.logger = logger
	}
}

// NewRemote creates SSH-driven coordinator actions.
func NewRemote(runner CommandRunner, cfg RemoteConfig, opts ...RemoteOption) *Remote {
	defaults := DefaultRemoteConfig()
	if cfg.ExcludeDir == "" {
		cfg.ExcludeDir = defaults.ExcludeDir
	}
	if cfg.ExcludeFile == "" {
		cfg.ExcludeFile = defaults.ExcludeFile
	}
	if cfg.ExcludePerms == "" {
		cfg.ExcludePerms = defaults.ExcludePerms
	}
	if cfg.RefreshCommand == "" {
		cfg.RefreshCommand = defaults.RefreshCommand
	}
	if cfg.ListActiveCommand == "" {
		cfg.ListActiveCommand = defaults.ListActiveCommand
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = defaults.VerifyInterval
	}

	r := &Remote{
		runner: runner,
		cfg:    cfg,
		logger: logging.Component("membership"),
		now:    time.Now,
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recommission clears the exclude list and refreshes the coordinator.
func (r *Remote) Recommission(ctx context.Context, vmIDs []string, route *models.ClusterRoute) error {
	if !route.Reachable() {
		RecordChange(ctx, ModeRecommission, ErrNoCoordinator)
		return ErrNoCoordinator
	}
	r.logger.Debug().Str("coordinator", route.CoordinatorAddress).Strs("vm_ids", vmIDs).Msg("recommissioning nodes")

	err := r.changeMembership(ctx, ModeRecommission, nil, route.CoordinatorAddress)
	RecordChange(ctx, ModeRecommission, err)
	return err
}

// Decommission pushes names as the exclude list and refreshes the
// coordinator.
func (r *Remote) Decommission(ctx context.Context, names []string, route *models.ClusterRoute) error {
	if !route.Reachable() {
		RecordChange(ctx, ModeDecommission, ErrNoCoordinator)
		return ErrNoCoordinator
	}
	r.logger.Debug().Str("coordinator", route.CoordinatorAddress).Strs("names", names).Msg("decommissioning nodes")

	err := r.changeMembership(ctx, ModeDecommission, names, route.CoordinatorAddress)
	RecordChange(ctx, ModeDecommission, err)
	return err
}

func (r *Remote) changeMembership(ctx context.Context, mode Mode, names []string, host string) error {
	if err := r.runner.Push(ctx, host, excludeList(names), r.cfg.ExcludeDir, r.cfg.ExcludeFile, r.cfg.ExcludePerms); err != nil {
		r.logger.Error().Err(err).Str("mode", string(mode)).Msg("could not push exclude list to coordinator")
		return fmt.Errorf("push exclude list: %w", err)
	}

	res, err := r.runner.Run(ctx, host, r.cfg.RefreshCommand)
	if err != nil {
		r.logger.Error().Err(err).Str("mode", string(mode)).Msg("could not refresh coordinator node list")
		return fmt.Errorf("refresh nodes: %w", err)
	}
	if res.Status != ssh.StatusSuccess {
		r.logger.Warn().Int("exit_status", res.Status).Str("output", res.Output).Str("mode", string(mode)).
			Msg("coordinator refresh returned nonzero exit status")
		return &ExitError{Mode: mode, Status: res.Status, Output: res.Output}
	}
	return nil
}

// VerifyActive polls the coordinator until the active set satisfies mode or
// VerifyTimeout elapses. Not converging is a recorded failure, not an error.
func (r *Remote) VerifyActive(ctx context.Context, mode Mode, names []string, target int, route *models.ClusterRoute) ([]string, error) {
	st := opstatus.FromContext(ctx)
	if !route.Reachable() {
		st.RegisterStepFailed(StepVerify, false, ErrNoCoordinator.Error())
		return nil, ErrNoCoordinator
	}
	host := route.CoordinatorAddress
	logger := r.logger.With().Str("coordinator", host).Str("mode", string(mode)).Int("target", target).Logger()

	deadline := r.now().Add(r.cfg.VerifyTimeout)
	var (
		last     []string
		observed bool
		lastErr  error
	)
	for {
		active, err := r.listActive(ctx, host)
		if err != nil {
			lastErr = err
			logger.Warn().Err(err).Msg("could not list active nodes")
		} else {
			observed = true
			last = active
			if Satisfied(mode, names, target, active) {
				logger.Debug().Int("active", len(active)).Msg("active nodes reached target")
				st.RegisterStepSucceeded(StepVerify)
				return last, nil
			}
		}

		if !r.now().Before(deadline) {
			break
		}
		if err := r.sleep(ctx, r.cfg.VerifyInterval); err != nil {
			lastErr = err
			break
		}
	}

	if !observed {
		st.RegisterStepFailed(StepVerify, false, fmt.Sprintf("Unable to verify %s: %v", mode, lastErr))
		return nil, fmt.Errorf("verify %s: %w", mode, lastErr)
	}
	logger.Warn().Strs("active", last).Msg("active nodes did not reach target before timeout")
	st.RegisterStepFailed(StepVerify, false, fmt.Sprintf("Timed out waiting for %s to complete", mode))
	return last, nil
}

// ActiveNodes lists the names the coordinator reports active.
func (r *Remote) ActiveNodes(ctx context.Context, route *models.ClusterRoute) ([]string, error) {
	if !route.Reachable() {
		return nil, ErrNoCoordinator
	}
	return r.listActive(ctx, route.CoordinatorAddress)
}

func (r *Remote) listActive(ctx context.Context, host string) ([]string, error) {
	res, err := r.runner.Run(ctx, host, r.cfg.ListActiveCommand)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListActive, err)
	}
	if res.Status != ssh.StatusSuccess {
		return nil, fmt.Errorf("%w: exit status %d", ErrListActive, res.Status)
	}
	return ParseActiveNodes(res.Output), nil
}

// ParseActiveNodes extracts node names from list-active output. Lines look
// like "tracker_<name>:<detail>"; blank lines and lines containing spaces
// (warnings, banners) are ignored.
func ParseActiveNodes(output string) []string {
	names := make([]string, 0)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.ContainsAny(line, " \t") {
			continue
		}
		line = strings.TrimPrefix(line, "tracker_")
		if name, _, ok := strings.Cut(line, ":"); ok {
			line = name
		}
		if line != "" {
			names = append(names, line)
		}
	}
	return models.SortedSet(names)
}

func excludeList(names []string) []byte {
	if len(names) == 0 {
		return []byte{}
	}
	sorted := models.SortedSet(names)
	return []byte(strings.Join(sorted, "\n") + "\n")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
