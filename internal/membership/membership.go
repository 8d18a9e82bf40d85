// Package membership tells a cluster coordinator which worker nodes may
// take work, and checks which ones it currently considers active.
package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/opstatus"
)

// Step keys recorded by Actions implementations.
const (
	StepMembershipChange = "membership.change"
	StepVerify           = "membership.verify"
)

// Mode is the direction of a membership change.
type Mode string

const (
	ModeRecommission Mode = "recommission"
	ModeDecommission Mode = "decommission"
)

var (
	ErrNoCoordinator = errors.New("cluster has no reachable coordinator")
	ErrListActive    = errors.New("could not list active nodes")
)

// Actions drives membership on a cluster coordinator.
//
// Recommission and Decommission record StepMembershipChange and Verify
// records StepVerify into the status carried by ctx, if any.
type Actions interface {
	// Recommission re-admits nodes. vmIDs are informational; the
	// coordinator simply stops excluding anyone.
	Recommission(ctx context.Context, vmIDs []string, route *models.ClusterRoute) error

	// Decommission asks the coordinator to drain and exclude names.
	Decommission(ctx context.Context, names []string, route *models.ClusterRoute) error

	// VerifyActive waits until the coordinator's active set satisfies mode
	// for names and target, or gives up. It returns the last observed active
	// set; nil with an error when it never got an answer.
	VerifyActive(ctx context.Context, mode Mode, names []string, target int, route *models.ClusterRoute) ([]string, error)

	// ActiveNodes returns the names the coordinator currently reports active.
	ActiveNodes(ctx context.Context, route *models.ClusterRoute) ([]string, error)
}

// ExitError reports a membership command that ended with a nonzero status.
type ExitError struct {
	Mode   Mode
	Status int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("unknown exit status during %s: %d", e.Mode, e.Status)
}

// Message is the diagnostic recorded for the failed step.
func (e *ExitError) Message() string {
	return fmt.Sprintf("Unknown exit status during %s: %d", e.Mode, e.Status)
}

// RecordChange records the outcome of a membership change into the status
// carried by ctx. Failures are never fatal: power changes still proceed.
func RecordChange(ctx context.Context, mode Mode, err error) {
	st := opstatus.FromContext(ctx)
	if err == nil {
		st.RegisterStepSucceeded(StepMembershipChange)
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		st.RegisterStepFailed(StepMembershipChange, false, exitErr.Message())
		return
	}
	st.RegisterStepFailed(StepMembershipChange, false, fmt.Sprintf("Error during %s: %v", mode, err))
}

// Satisfied reports whether active meets the goal of mode for names: on
// recommission every name is active and there are at least target active
// nodes; on decommission none is active and there are at most target.
func Satisfied(mode Mode, names []string, target int, active []string) bool {
	set := make(map[string]struct{}, len(active))
	for _, name := range active {
		set[name] = struct{}{}
	}

	switch mode {
	case ModeRecommission:
		for _, name := range names {
			if _, ok := set[name]; !ok {
				return false
			}
		}
		return len(set) >= target
	case ModeDecommission:
		for _, name := range names {
			if _, ok := set[name]; ok {
				return false
			}
		}
		return len(set) <= target
	default:
		return false
	}
}
