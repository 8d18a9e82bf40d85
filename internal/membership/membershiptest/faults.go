package membershiptest

import (
	"context"
	"sync"

	"github.com/tOgg1/elastic/internal/membership"
	"github.com/tOgg1/elastic/internal/models"
)

// FaultInjector wraps Actions and fails membership changes with queued exit
// codes. A queued failure replaces the call; nothing is delegated.
type FaultInjector struct {
	membership.Actions

	mu                   sync.Mutex
	recommissionFailures []int
	decommissionFailures []int
	injected             []int
}

// NewFaultInjector wraps next.
func NewFaultInjector(next membership.Actions) *FaultInjector {
	return &FaultInjector{Actions: next}
}

// QueueRecommissionFailure fails the next recommission with code.
func (f *FaultInjector) QueueRecommissionFailure(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recommissionFailures = append(f.recommissionFailures, code)
}

// QueueDecommissionFailure fails the next decommission with code.
func (f *FaultInjector) QueueDecommissionFailure(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decommissionFailures = append(f.decommissionFailures, code)
}

// Injected returns the codes injected so far, in order.
func (f *FaultInjector) Injected() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.injected...)
}

func (f *FaultInjector) Recommission(ctx context.Context, vmIDs []string, route *models.ClusterRoute) error {
	if code, ok := f.pop(&f.recommissionFailures); ok {
		return f.fail(ctx, membership.ModeRecommission, code)
	}
	return f.Actions.Recommission(ctx, vmIDs, route)
}

func (f *FaultInjector) Decommission(ctx context.Context, names []string, route *models.ClusterRoute) error {
	if code, ok := f.pop(&f.decommissionFailures); ok {
		return f.fail(ctx, membership.ModeDecommission, code)
	}
	return f.Actions.Decommission(ctx, names, route)
}

func (f *FaultInjector) pop(queue *[]int) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(*queue) == 0 {
		return 0, false
	}
	code := (*queue)[0]
	*queue = (*queue)[1:]
	f.injected = append(f.injected, code)
	return code, true
}

func (f *FaultInjector) fail(ctx context.Context, mode membership.Mode, code int) error {
	err := &membership.ExitError{Mode: mode, Status: code}
	membership.RecordChange(ctx, mode, err)
	return err
}
