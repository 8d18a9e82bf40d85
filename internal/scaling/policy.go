// Package scaling enables and disables worker VMs of elastic clusters.
//
// A Policy coordinates three collaborators: the topology (where a cluster's
// coordinator is and what its VMs are called), the coordinator's membership
// actions, and power control. Every call is blocking and best-effort: a
// failing stage is recorded and later independent stages still run.
package scaling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tOgg1/elastic/internal/logging"
	"github.com/tOgg1/elastic/internal/membership"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/opstatus"
	"github.com/tOgg1/elastic/internal/power"
	"github.com/tOgg1/elastic/internal/topology"
)

// StepPowerChange is recorded when the power controller could not be asked
// at all.
const StepPowerChange = "power.change"

const (
	DefaultNameWaitTimeout  = 120 * time.Second
	DefaultNameWaitInterval = 5 * time.Second
)

// Policy runs enable and disable operations.
type Policy struct {
	topology topology.Reader
	members  membership.Actions
	power    power.Controller

	waiter          *NameWaiter
	nameWaitTimeout time.Duration
	observers       []Observer
	logger          zerolog.Logger

	newID func() string
	now   func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Policy) {
		p.logger = logger
	}
}

// WithObservers adds observers notified after each operation.
func WithObservers(observers ...Observer) Option {
	return func(p *Policy) {
		p.observers = append(p.observers, observers...)
	}
}

// WithNameWait sets how long enable waits for names and how often it polls.
func WithNameWait(timeout, interval time.Duration) Option {
	return func(p *Policy) {
		if timeout > 0 {
			p.nameWaitTimeout = timeout
		}
		if interval > 0 {
			p.waiter.interval = interval
		}
	}
}

// NewPolicy creates a policy.
func NewPolicy(topo topology.Reader, members membership.Actions, pc power.Controller, opts ...Option) *Policy {
	p := &Policy{
		topology:        topo,
		members:         members,
		power:           pc,
		nameWaitTimeout: DefaultNameWaitTimeout,
		logger:          logging.Component("scaling"),
		newID:           func() string { return uuid.New().String() },
		now:             time.Now,
	}
	p.waiter = NewNameWaiter(topo, DefaultNameWaitInterval, p.logger)
	for _, opt := range opts {
		opt(p)
	}
	p.waiter.logger = p.logger
	return p
}

// operation carries the per-call state of one enable or disable.
type operation struct {
	ctx    context.Context
	status *opstatus.Status
	logger zerolog.Logger
	record Record
}

func (p *Policy) begin(ctx context.Context, action models.Action, clusterID string, vmIDs []string, target int) *operation {
	id := OperationIDFromContext(ctx)
	if id == "" {
		id = p.newID()
	}
	status := opstatus.New(string(action))
	logger := logging.WithOperation(logging.WithCluster(p.logger, clusterID), id).
		With().Str("action", string(action)).Logger()

	ctx = opstatus.NewContext(ctx, status)
	ctx = logging.WithContext(ctx, logger)

	return &operation{
		ctx:    ctx,
		status: status,
		logger: logger,
		record: Record{
			OperationID:    id,
			Action:         action,
			ClusterID:      clusterID,
			Requested:      models.SortedSet(vmIDs),
			Target:         target,
			AdjustedTarget: target,
			StartedAt:      p.now(),
		},
	}
}

func (p *Policy) finish(op *operation, result []string) {
	op.record.Result = result
	op.record.Completed = result != nil
	op.record.Steps = op.status.Steps()
	op.record.Duration = p.now().Sub(op.record.StartedAt)

	op.logger.Debug().
		Strs("result", result).
		Bool("completed", op.record.Completed).
		Dur("duration", op.record.Duration).
		Msg("scaling operation finished")

	// Power may already have changed, so cancellation must not drop the record.
	ctx := context.WithoutCancel(op.ctx)
	for _, obs := range p.observers {
		obs.ObserveOperation(ctx, op.record)
	}
}

// EnableNodes recommissions vmIDs, powers them on, waits for their names and
// verifies they joined the cluster. It returns the VMs that are verified
// active and were powered on by this call; nil means a stage short-circuited
// or the cluster has no coordinator yet. The error is only for invalid
// arguments.
func (p *Policy) EnableNodes(ctx context.Context, vmIDs []string, totalTargetEnabled int, clusterID string) ([]string, error) {
	if err := models.ValidateTarget(clusterID, vmIDs, totalTargetEnabled); err != nil {
		return nil, err
	}
	op := p.begin(ctx, models.ActionEnable, clusterID, vmIDs, totalTargetEnabled)
	result := p.enable(op)
	p.finish(op, result)
	return result, nil
}

func (p *Policy) enable(op *operation) []string {
	ctx, logger := op.ctx, op.logger
	requested := op.record.Requested

	route := topology.Lookup(p.topology, func(cm topology.ClusterMap) *models.ClusterRoute {
		return cm.RouteForCluster(op.record.ClusterID)
	})
	if !route.Reachable() {
		logger.Debug().Msg("cluster has no coordinator; nothing to enable")
		return nil
	}

	logger.Info().Msg(summaryMessage(models.ActionEnable, 0, len(requested)))

	// Only clears a stale exclude list; failures are recorded but do not
	// stop the power-on.
	_ = p.members.Recommission(ctx, requested, route)

	accepted, err := p.power.SetPowerState(ctx, requested, true)
	if accepted == nil {
		op.status.RegisterStepFailed(StepPowerChange, false, "Failed to change VM power state")
		logger.Error().Err(err).Msg("failed to power on nodes")
		return nil
	}
	if !op.status.ScreenFailures(power.StepPowerOn) {
		logger.Error().Strs("accepted", accepted).Msg("unexpected error powering on nodes")
		return nil
	}

	names, err := p.waiter.WaitForNames(ctx, requested, p.nameWaitTimeout)
	if err != nil {
		logger.Warn().Err(err).Strs("names", names).Msg("not every node acquired a name")
	}
	if names == nil {
		return nil
	}

	active, err := p.members.VerifyActive(ctx, membership.ModeRecommission, names, op.record.Target, route)
	if active == nil {
		logger.Error().Err(err).Msg("could not verify nodes joined the cluster")
		return nil
	}

	activeVMs := p.vmIDsForNames(active)
	return models.Intersect(activeVMs, models.Intersect(accepted, requested))
}

// DisableNodes decommissions the VMs that have names, verifies they left
// the cluster and then powers off every requested VM regardless of how
// decommission went. It returns the VMs verified as no longer active; nil
// means a stage short-circuited or the cluster is unknown. The error is only
// for invalid arguments.
func (p *Policy) DisableNodes(ctx context.Context, vmIDs []string, totalTargetEnabled int, clusterID string) ([]string, error) {
	if err := models.ValidateTarget(clusterID, vmIDs, totalTargetEnabled); err != nil {
		return nil, err
	}
	op := p.begin(ctx, models.ActionDisable, clusterID, vmIDs, totalTargetEnabled)
	result := p.disable(op)
	p.finish(op, result)
	return result, nil
}

func (p *Policy) disable(op *operation) []string {
	ctx, logger := op.ctx, op.logger
	requested := op.record.Requested

	var (
		route *models.ClusterRoute
		names map[string]string
	)
	lease := p.topology.ReadLock()
	route = lease.RouteForCluster(op.record.ClusterID)
	if route.Reachable() {
		names = lease.NamesForVMs(requested)
	}
	lease.Unlock()

	if !route.Reachable() || names == nil {
		logger.Debug().Bool("has_route", route != nil).Bool("has_names", names != nil).
			Msg("cluster or vm names unknown; nothing to disable")
		return nil
	}

	validVMs, validNames, unresolved := partitionByName(names)
	adjustedTarget := AdjustedTarget(op.record.Target, len(unresolved))
	op.record.AdjustedTarget = adjustedTarget

	logger.Info().Int("adjusted_target", adjustedTarget).Strs("unresolved", unresolved).
		Msg(summaryMessage(models.ActionDisable, len(validNames), len(unresolved)))

	if len(validNames) > 0 {
		_ = p.members.Decommission(ctx, validNames, route)
	}

	var successful []string
	if op.status.ScreenFailures(membership.StepMembershipChange) {
		successful = p.verifyDecommission(op, route, validVMs, validNames, adjustedTarget)
	}

	// Nodes no longer wanted are always powered off, decommissioned or not.
	if off, err := p.power.SetPowerState(ctx, requested, false); off == nil {
		op.status.RegisterStepFailed(StepPowerChange, false, "Failed to change VM power state")
		logger.Error().Err(err).Msg("unexpected error powering off nodes")
	}

	return successful
}

func (p *Policy) verifyDecommission(op *operation, route *models.ClusterRoute, validVMs, validNames []string, adjustedTarget int) []string {
	if len(validNames) == 0 {
		return []string{}
	}

	active, err := p.members.VerifyActive(op.ctx, membership.ModeDecommission, validNames, adjustedTarget, route)
	if active == nil {
		op.logger.Error().Err(err).Msg("could not verify nodes left the cluster")
		return nil
	}

	stillActive := p.vmIDsForNames(active)
	successful := models.Subtract(validVMs, stillActive)
	if failed := models.Subtract(op.record.Requested, successful); len(failed) > 0 {
		op.logger.Info().Msg("The following nodes failed to decommission cleanly: " + strings.Join(failed, ", "))
	}
	return successful
}

// ActiveNodes returns the VMs the cluster's coordinator reports as active.
// nil with a nil error means the cluster has no coordinator.
func (p *Policy) ActiveNodes(ctx context.Context, clusterID string) ([]string, error) {
	route := topology.Lookup(p.topology, func(cm topology.ClusterMap) *models.ClusterRoute {
		return cm.RouteForCluster(clusterID)
	})
	if !route.Reachable() {
		return nil, nil
	}

	names, err := p.members.ActiveNodes(ctx, route)
	if err != nil {
		return nil, fmt.Errorf("list active nodes of %s: %w", clusterID, err)
	}
	return p.vmIDsForNames(names), nil
}

func (p *Policy) vmIDsForNames(names []string) []string {
	ids := topology.Lookup(p.topology, func(cm topology.ClusterMap) map[string]string {
		return cm.VMIDsForNames(names)
	})
	if ids == nil {
		return []string{}
	}
	return models.MapValues(ids)
}

// AdjustedTarget inflates the target by the VMs that can only be removed by
// powering them off, since their departure cannot be verified.
func AdjustedTarget(target, unresolved int) int {
	return target + unresolved
}

// partitionByName splits a vmID->name mapping into the VMs with a usable
// name (and those names) and the VMs without one. All outputs are sorted.
func partitionByName(names map[string]string) (validVMs, validNames, unresolved []string) {
	validVMs = make([]string, 0, len(names))
	validNames = make([]string, 0, len(names))
	unresolved = make([]string, 0)
	for id, name := range names {
		if models.IsResolvedName(name) {
			validVMs = append(validVMs, id)
			validNames = append(validNames, name)
		} else {
			unresolved = append(unresolved, id)
		}
	}
	return models.SortedSet(validVMs), models.SortedSet(validNames), models.SortedSet(unresolved)
}

// summaryMessage renders the user-facing line logged at the start of an
// operation, e.g. "decommissioning 2 nodes; powering off 1 node".
func summaryMessage(action models.Action, membershipChanges, powerOnly int) string {
	var parts []string
	if membershipChanges > 0 {
		verb := "recommissioning"
		if action == models.ActionDisable {
			verb = "decommissioning"
		}
		parts = append(parts, fmt.Sprintf("%s %s", verb, pluralNodes(membershipChanges)))
	}
	if powerOnly > 0 {
		verb := "powering on"
		if action == models.ActionDisable {
			verb = "powering off"
		}
		parts = append(parts, fmt.Sprintf("%s %s", verb, pluralNodes(powerOnly)))
	}
	if len(parts) == 0 {
		return "no nodes to change"
	}
	return strings.Join(parts, "; ")
}

func pluralNodes(n int) string {
	if n == 1 {
		return "1 node"
	}
	return fmt.Sprintf("%d nodes", n)
}
