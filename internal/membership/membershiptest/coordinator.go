// Package membershiptest provides in-memory membership.Actions for tests.
package membershiptest

import (
	"context"
	"sync"

	"github.com/tOgg1/elastic/internal/membership"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/opstatus"
)

// VerifyCall captures one VerifyActive invocation.
type VerifyCall struct {
	Mode   membership.Mode
	Names  []string
	Target int
}

// Coordinator is a fake cluster coordinator. Decommission removes names from
// the active set unless they are stuck; Recommission changes nothing, so
// tests Activate the names they expect to join.
type Coordinator struct {
	mu sync.Mutex

	active map[string]struct{}
	stuck  map[string]struct{}

	// Errors returned (and recorded as failed steps) by the next calls.
	RecommissionErr error
	DecommissionErr error
	VerifyErr       error

	Recommissioned [][]string
	Decommissioned [][]string
	Verifies       []VerifyCall
}

// NewCoordinator creates a coordinator with names active.
func NewCoordinator(active ...string) *Coordinator {
	c := &Coordinator{
		active: make(map[string]struct{}),
		stuck:  make(map[string]struct{}),
	}
	c.Activate(active...)
	return c
}

// Activate marks names active.
func (c *Coordinator) Activate(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		c.active[name] = struct{}{}
	}
}

// Stick makes names ignore decommission.
func (c *Coordinator) Stick(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		c.stuck[name] = struct{}{}
	}
}

// Active returns the sorted active names.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *Coordinator) activeLocked() []string {
	out := make([]string, 0, len(c.active))
	for name := range c.active {
		out = append(out, name)
	}
	return models.SortedSet(out)
}

func (c *Coordinator) Recommission(ctx context.Context, vmIDs []string, route *models.ClusterRoute) error {
	c.mu.Lock()
	c.Recommissioned = append(c.Recommissioned, append([]string(nil), vmIDs...))
	err := c.RecommissionErr
	c.mu.Unlock()

	if err == nil && !route.Reachable() {
		err = membership.ErrNoCoordinator
	}
	membership.RecordChange(ctx, membership.ModeRecommission, err)
	return err
}

func (c *Coordinator) Decommission(ctx context.Context, names []string, route *models.ClusterRoute) error {
	c.mu.Lock()
	c.Decommissioned = append(c.Decommissioned, append([]string(nil), names...))
	err := c.DecommissionErr
	if err == nil && route.Reachable() {
		for _, name := range names {
			if _, ok := c.stuck[name]; !ok {
				delete(c.active, name)
			}
		}
	}
	c.mu.Unlock()

	if err == nil && !route.Reachable() {
		err = membership.ErrNoCoordinator
	}
	membership.RecordChange(ctx, membership.ModeDecommission, err)
	return err
}

func (c *Coordinator) VerifyActive(ctx context.Context, mode membership.Mode, names []string, target int, route *models.ClusterRoute) ([]string, error) {
	st := opstatus.FromContext(ctx)

	c.mu.Lock()
	c.Verifies = append(c.Verifies, VerifyCall{Mode: mode, Names: models.SortedSet(names), Target: target})
	err := c.VerifyErr
	active := c.activeLocked()
	c.mu.Unlock()

	if err == nil && !route.Reachable() {
		err = membership.ErrNoCoordinator
	}
	if err != nil {
		st.RegisterStepFailed(membership.StepVerify, false, err.Error())
		return nil, err
	}
	if membership.Satisfied(mode, names, target, active) {
		st.RegisterStepSucceeded(membership.StepVerify)
	} else {
		st.RegisterStepFailed(membership.StepVerify, false, "Timed out waiting for "+string(mode)+" to complete")
	}
	return active, nil
}

func (c *Coordinator) ActiveNodes(_ context.Context, route *models.ClusterRoute) ([]string, error) {
	if !route.Reachable() {
		return nil, membership.ErrNoCoordinator
	}
	return c.Active(), nil
}

var _ membership.Actions = (*Coordinator)(nil)
