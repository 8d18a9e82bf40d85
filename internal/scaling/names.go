package scaling

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/topology"
)

var (
	// ErrTopologyLookup means the VM ids are no longer known, typically
	// because the VMs were deleted.
	ErrTopologyLookup = errors.New("vm ids are no longer known to the topology")

	// ErrConvergenceTimeout means not every VM acquired a name in time.
	ErrConvergenceTimeout = errors.New("timed out waiting for vm names")
)

// NameWaiter waits for powered-on VMs to acquire resolvable network names.
type NameWaiter struct {
	topology topology.Reader
	interval time.Duration
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewNameWaiter creates a waiter polling every interval (default 5s).
func NewNameWaiter(r topology.Reader, interval time.Duration, logger zerolog.Logger) *NameWaiter {
	if interval <= 0 {
		interval = DefaultNameWaitInterval
	}
	return &NameWaiter{
		topology: r,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepWithContext,
	}
}

// WaitForNames polls until every VM in vmIDs has a name or timeout elapses.
// The topology lease is taken afresh for each lookup and never held while
// sleeping.
//
// It returns the full sorted name set once all resolve. If the ids become
// unknown it returns nil and ErrTopologyLookup immediately. On timeout it
// returns the names that did resolve, or nil if none did, together with
// ErrConvergenceTimeout.
func (w *NameWaiter) WaitForNames(ctx context.Context, vmIDs []string, timeout time.Duration) ([]string, error) {
	deadline := w.now().Add(timeout)

	var names map[string]string
	for {
		names = topology.Lookup(w.topology, func(cm topology.ClusterMap) map[string]string {
			return cm.NamesForVMs(vmIDs)
		})
		if names == nil {
			w.logger.Warn().Strs("vm_ids", vmIDs).Msg("vm ids became invalid while waiting for names")
			return nil, ErrTopologyLookup
		}

		missing := unresolvedVMs(names)
		if len(missing) == 0 {
			w.logger.Info().Msg("found valid names for all vms")
			return resolvedNames(names), nil
		}
		w.logger.Info().Strs("vm_ids", missing).Msg("looking for valid names")

		if err := w.sleep(ctx, w.interval); err != nil {
			return nonEmpty(resolvedNames(names)), err
		}
		if w.now().After(deadline) {
			break
		}
	}

	return nonEmpty(resolvedNames(names)), ErrConvergenceTimeout
}

func unresolvedVMs(names map[string]string) []string {
	var out []string
	for id, name := range names {
		if !models.IsResolvedName(name) {
			out = append(out, id)
		}
	}
	return models.SortedSet(out)
}

func resolvedNames(names map[string]string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if models.IsResolvedName(name) {
			out = append(out, name)
		}
	}
	return models.SortedSet(out)
}

func nonEmpty(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	return names
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
