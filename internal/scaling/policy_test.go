package scaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/elastic/internal/membership"
	"github.com/tOgg1/elastic/internal/membership/membershiptest"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/power"
	"github.com/tOgg1/elastic/internal/topology"
)

var errBusDown = errors.New("power bus unavailable")

type powerCall struct {
	ids []string
	on  bool
}

type fakePower struct {
	mu     sync.Mutex
	calls  []powerCall
	reject map[string]bool
	fail   bool

	// misreport accepts only the first VM but records success.
	misreport bool
}

func (f *fakePower) SetPowerState(ctx context.Context, ids []string, on bool) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, powerCall{ids: append([]string(nil), ids...), on: on})
	f.mu.Unlock()

	if f.fail {
		power.RecordOutcome(ctx, ids, nil, on, errBusDown)
		return nil, errBusDown
	}
	if f.misreport && len(ids) > 0 {
		power.RecordOutcome(ctx, ids, ids, on, nil)
		return ids[:1], nil
	}
	accepted := make([]string, 0, len(ids))
	for _, id := range ids {
		if !f.reject[id] {
			accepted = append(accepted, id)
		}
	}
	power.RecordOutcome(ctx, ids, accepted, on, nil)
	return accepted, nil
}

func (f *fakePower) callsFor(on bool) []powerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []powerCall
	for _, c := range f.calls {
		if c.on == on {
			out = append(out, c)
		}
	}
	return out
}

type harness struct {
	topo    *topology.Memory
	coord   *membershiptest.Coordinator
	members membership.Actions
	power   *fakePower
	policy  *Policy

	clock   time.Time
	sleeps  int
	onSleep func(n int)

	mu      sync.Mutex
	records []Record
}

func newHarness(t *testing.T, clusterID, coordinator string) *harness {
	t.Helper()
	h := &harness{
		topo:  topology.NewMemory(),
		coord: membershiptest.NewCoordinator(),
		power: &fakePower{},
		clock: time.Unix(1_700_000_000, 0),
	}
	h.members = h.coord
	require.NoError(t, h.topo.SetRoute(clusterID, coordinator))
	h.build()
	return h
}

// build (re)creates the policy so tests can swap collaborators first.
func (h *harness) build() {
	ids := 0
	h.policy = NewPolicy(h.topo, h.members, h.power,
		WithLogger(zerolog.Nop()),
		WithObservers(ObserverFunc(func(_ context.Context, rec Record) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.records = append(h.records, rec)
		})),
	)
	h.policy.newID = func() string {
		ids++
		return "op-" + string(rune('0'+ids))
	}
	h.policy.now = func() time.Time { return h.clock }
	h.policy.waiter.now = func() time.Time { return h.clock }
	h.policy.waiter.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps++
		h.clock = h.clock.Add(d)
		if h.onSleep != nil {
			h.onSleep(h.sleeps)
		}
		return nil
	}
}

func (h *harness) addVM(t *testing.T, clusterID, vmID, name string) {
	t.Helper()
	require.NoError(t, h.topo.UpsertVM(clusterID, vmID, name))
}

func (h *harness) lastRecord(t *testing.T) Record {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.records)
	return h.records[len(h.records)-1]
}

func stepKeys(rec Record, ok bool) []string {
	var keys []string
	for _, s := range rec.Steps {
		if s.OK == ok {
			keys = append(keys, s.Key)
		}
	}
	return keys
}

func TestEnableScenarioA(t *testing.T) {
	h := newHarness(t, "cidA", "jt.cidA")
	h.addVM(t, "cidA", "vm1", "")
	h.addVM(t, "cidA", "vm2", "")
	h.coord.Activate("tt1", "tt2")
	h.onSleep = func(n int) {
		if n == 1 {
			h.topo.SetName("vm1", "tt1")
		}
		if n == 2 {
			h.topo.SetName("vm2", "tt2")
		}
	}

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm2", "vm1"}, 2, "cidA")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm1", "vm2"}, active)

	assert.Equal(t, [][]string{{"vm1", "vm2"}}, h.coord.Recommissioned)
	require.Len(t, h.power.callsFor(true), 1)
	assert.Equal(t, []string{"vm1", "vm2"}, h.power.callsFor(true)[0].ids)
	require.Len(t, h.coord.Verifies, 1)
	assert.Equal(t, membershiptest.VerifyCall{Mode: membership.ModeRecommission, Names: []string{"tt1", "tt2"}, Target: 2}, h.coord.Verifies[0])
	assert.Equal(t, 2, h.sleeps)

	rec := h.lastRecord(t)
	assert.Equal(t, "op-1", rec.OperationID)
	assert.Equal(t, models.ActionEnable, rec.Action)
	assert.Equal(t, "cidA", rec.ClusterID)
	assert.True(t, rec.Completed)
	assert.Equal(t, OutcomeConverged, rec.Outcome())
	assert.False(t, rec.Failed())
	assert.ElementsMatch(t, []string{membership.StepMembershipChange, power.StepPowerOn, membership.StepVerify}, stepKeys(rec, true))
}

func TestEnableWithoutCoordinatorIsNoop(t *testing.T) {
	for _, coordinator := range []string{"", "  "} {
		h := newHarness(t, "c1", coordinator)
		h.addVM(t, "c1", "vm1", "tt1")

		active, err := h.policy.EnableNodes(context.Background(), []string{"vm1"}, 1, "c1")
		require.NoError(t, err)
		assert.Nil(t, active)
		assert.Empty(t, h.power.calls)
		assert.Empty(t, h.coord.Recommissioned)
		assert.False(t, h.lastRecord(t).Completed)
	}

	h := newHarness(t, "c1", "jt")
	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1"}, 1, "unknown")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestEnablePowerRequestFailure(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.power.fail = true
	h.build()

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1"}, 1, "c1")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Empty(t, h.coord.Verifies)
	assert.Zero(t, h.sleeps, "never waits for names")

	rec := h.lastRecord(t)
	assert.Contains(t, stepKeys(rec, false), StepPowerChange)
	assert.Equal(t, OutcomeNull, rec.Outcome())
}

func TestEnablePowerOnFailureSkipsWait(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.addVM(t, "c1", "vm2", "tt2")
	h.coord.Activate("tt1", "tt2")
	h.power.reject = map[string]bool{"vm2": true}

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1", "vm2"}, 2, "c1")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Empty(t, h.coord.Verifies)
	assert.Contains(t, stepKeys(h.lastRecord(t), false), power.StepPowerOn)
}

func TestEnableNeverReportsUnpoweredVM(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.addVM(t, "c1", "vm2", "tt2")
	h.addVM(t, "c1", "vm9", "tt9")
	h.coord.Activate("tt1", "tt2", "tt9")
	h.power.misreport = true

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1", "vm2"}, 3, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm1"}, active, "only VMs that accepted power-on, never pre-existing nodes")
}

func TestEnableScenarioCTopologyLostDuringWait(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "")
	h.onSleep = func(int) { h.topo.RemoveVM("vm1") }

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1"}, 1, "c1")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Empty(t, h.coord.Verifies)
	assert.Equal(t, 1, h.sleeps)
}

func TestEnableNameTimeoutVerifiesResolvedSubset(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.addVM(t, "c1", "vm2", "")
	h.coord.Activate("tt1")

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1", "vm2"}, 2, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm1"}, active)

	require.Len(t, h.coord.Verifies, 1)
	assert.Equal(t, []string{"tt1"}, h.coord.Verifies[0].Names)
	assert.Equal(t, 25, h.sleeps, "120s at 5s intervals")

	rec := h.lastRecord(t)
	assert.Equal(t, OutcomePartial, rec.Outcome())
	assert.Contains(t, stepKeys(rec, false), membership.StepVerify)
}

func TestEnableNoNamesAfterTimeout(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "")
	h.policy.nameWaitTimeout = 10 * time.Second

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1"}, 1, "c1")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.Empty(t, h.coord.Verifies)
}

func TestEnableVerifyFailure(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.coord.VerifyErr = errors.New("jobtracker unreachable")

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1"}, 1, "c1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestEnableRecommissionFailureStillPowersOn(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.coord.Activate("tt1")
	faults := membershiptest.NewFaultInjector(h.coord)
	faults.QueueRecommissionFailure(1)
	h.members = faults
	h.build()

	active, err := h.policy.EnableNodes(context.Background(), []string{"vm1"}, 1, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm1"}, active)
	assert.Len(t, h.power.callsFor(true), 1)

	rec := h.lastRecord(t)
	assert.Contains(t, stepKeys(rec, false), membership.StepMembershipChange)
}

func TestEnableEmptyRequest(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.coord.Activate("tt1")

	active, err := h.policy.EnableNodes(context.Background(), []string{}, 1, "c1")
	require.NoError(t, err)
	assert.NotNil(t, active)
	assert.Empty(t, active)
}

func TestDisableScenarioB(t *testing.T) {
	h := newHarness(t, "cidB", "jt.cidB")
	h.addVM(t, "cidB", "vm3", "")

	successful, err := h.policy.DisableNodes(context.Background(), []string{"vm3"}, 1, "cidB")
	require.NoError(t, err)
	assert.NotNil(t, successful)
	assert.Empty(t, successful)

	assert.Empty(t, h.coord.Decommissioned, "decommission skipped for unresolved VMs")
	assert.Empty(t, h.coord.Verifies)
	require.Len(t, h.power.callsFor(false), 1)
	assert.Equal(t, []string{"vm3"}, h.power.callsFor(false)[0].ids)

	rec := h.lastRecord(t)
	assert.Equal(t, 2, rec.AdjustedTarget)
	assert.True(t, rec.Completed)
}

func TestDisableCancelledStillReachesObservers(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.coord.Activate("tt1")

	var observedErr error
	observed := false
	h.policy.observers = append(h.policy.observers, ObserverFunc(func(ctx context.Context, rec Record) {
		observed = true
		observedErr = ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.policy.DisableNodes(ctx, []string{"vm1"}, 0, "c1")
	require.NoError(t, err)

	require.Len(t, h.power.callsFor(false), 1)
	assert.Equal(t, []string{"vm1"}, h.power.callsFor(false)[0].ids)
	require.True(t, observed)
	assert.NoError(t, observedErr, "observers must not see the caller's cancellation")
	assert.Equal(t, []string{"vm1"}, h.lastRecord(t).Requested)
}

func TestDisablePartialDecommission(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.addVM(t, "c1", "vm2", "tt2")
	h.addVM(t, "c1", "vm3", "")
	h.addVM(t, "c1", "vm4", "tt4")
	h.coord.Activate("tt1", "tt2", "tt4")
	h.coord.Stick("tt2")

	successful, err := h.policy.DisableNodes(context.Background(), []string{"vm1", "vm2", "vm3"}, 1, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm1"}, successful)

	assert.Equal(t, [][]string{{"tt1", "tt2"}}, h.coord.Decommissioned)
	require.Len(t, h.coord.Verifies, 1)
	assert.Equal(t, membershiptest.VerifyCall{Mode: membership.ModeDecommission, Names: []string{"tt1", "tt2"}, Target: 2}, h.coord.Verifies[0])

	require.Len(t, h.power.callsFor(false), 1)
	assert.Equal(t, []string{"vm1", "vm2", "vm3"}, h.power.callsFor(false)[0].ids)

	rec := h.lastRecord(t)
	assert.Equal(t, 2, rec.AdjustedTarget)
	assert.Equal(t, OutcomePartial, rec.Outcome())
}

func TestDisableDecommissionFailureSkipsVerifyButPowersOff(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.coord.Activate("tt1")
	faults := membershiptest.NewFaultInjector(h.coord)
	faults.QueueDecommissionFailure(255)
	h.members = faults
	h.build()

	successful, err := h.policy.DisableNodes(context.Background(), []string{"vm1"}, 0, "c1")
	require.NoError(t, err)
	assert.Nil(t, successful)
	assert.Empty(t, h.coord.Verifies)
	assert.Len(t, h.power.callsFor(false), 1)
	assert.Equal(t, []int{255}, faults.Injected())

	rec := h.lastRecord(t)
	assert.Contains(t, stepKeys(rec, false), membership.StepMembershipChange)
}

func TestDisableVerifyFailureStillPowersOff(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.coord.VerifyErr = errors.New("jobtracker unreachable")

	successful, err := h.policy.DisableNodes(context.Background(), []string{"vm1"}, 0, "c1")
	require.NoError(t, err)
	assert.Nil(t, successful)
	assert.Len(t, h.power.callsFor(false), 1)
}

func TestDisablePowerOffFailureIsRecorded(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.power.fail = true
	h.build()

	successful, err := h.policy.DisableNodes(context.Background(), []string{"vm1"}, 0, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm1"}, successful)
	assert.Contains(t, stepKeys(h.lastRecord(t), false), StepPowerChange)
}

func TestDisableUnknownClusterOrVMsIsNoop(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")

	successful, err := h.policy.DisableNodes(context.Background(), []string{"vm1", "vm-deleted"}, 0, "c1")
	require.NoError(t, err)
	assert.Nil(t, successful)

	successful, err = h.policy.DisableNodes(context.Background(), []string{"vm1"}, 0, "c2")
	require.NoError(t, err)
	assert.Nil(t, successful)

	assert.Empty(t, h.power.calls)
	assert.Empty(t, h.coord.Decommissioned)
}

func TestDisableAlwaysPowersOffEveryInputVM(t *testing.T) {
	tests := []struct {
		name  string
		vms   map[string]string
		setup func(h *harness)
	}{
		{name: "all resolved", vms: map[string]string{"vm1": "tt1", "vm2": "tt2"}},
		{name: "none resolved", vms: map[string]string{"vm1": "", "vm2": " "}},
		{name: "decommission fails", vms: map[string]string{"vm1": "tt1", "vm2": ""}, setup: func(h *harness) {
			h.coord.DecommissionErr = errors.New("refresh failed")
		}},
		{name: "verify fails", vms: map[string]string{"vm1": "tt1"}, setup: func(h *harness) {
			h.coord.VerifyErr = errors.New("timeout")
		}},
		{name: "stuck nodes", vms: map[string]string{"vm1": "tt1", "vm2": "tt2"}, setup: func(h *harness) {
			h.coord.Activate("tt1", "tt2")
			h.coord.Stick("tt1", "tt2")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "c1", "jt")
			var ids []string
			for id, name := range tt.vms {
				h.addVM(t, "c1", id, name)
				ids = append(ids, id)
			}
			if tt.setup != nil {
				tt.setup(h)
			}

			_, err := h.policy.DisableNodes(context.Background(), ids, 1, "c1")
			require.NoError(t, err)

			off := h.power.callsFor(false)
			require.Len(t, off, 1)
			assert.ElementsMatch(t, ids, off[0].ids)
		})
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	ctx := context.Background()

	_, err := h.policy.EnableNodes(ctx, nil, 1, "c1")
	assert.ErrorIs(t, err, models.ErrNilVMSet)

	_, err = h.policy.DisableNodes(ctx, []string{"vm1"}, -1, "c1")
	assert.ErrorIs(t, err, models.ErrNegativeTarget)

	_, err = h.policy.DisableNodes(ctx, []string{"vm1"}, 1, "")
	assert.ErrorIs(t, err, models.ErrMissingClusterID)

	assert.Empty(t, h.records, "invalid requests are not operations")
}

func TestActiveNodes(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")
	h.addVM(t, "c1", "vm2", "tt2")
	h.coord.Activate("tt2", "tt-unknown")

	active, err := h.policy.ActiveNodes(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vm2"}, active)

	active, err = h.policy.ActiveNodes(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestAdjustedTargetLaw(t *testing.T) {
	for target := 0; target < 4; target++ {
		for unresolved := 0; unresolved < 4; unresolved++ {
			assert.Equal(t, target+unresolved, AdjustedTarget(target, unresolved))
		}
	}
}

func TestPartitionByName(t *testing.T) {
	validVMs, validNames, unresolved := partitionByName(map[string]string{
		"vm1": "tt1",
		"vm2": "",
		"vm3": "tt3",
		"vm4": "  ",
	})
	assert.Equal(t, []string{"vm1", "vm3"}, validVMs)
	assert.Equal(t, []string{"tt1", "tt3"}, validNames)
	assert.Equal(t, []string{"vm2", "vm4"}, unresolved)
}

func TestSummaryMessage(t *testing.T) {
	tests := []struct {
		action     models.Action
		membership int
		powerOnly  int
		want       string
	}{
		{models.ActionEnable, 0, 2, "powering on 2 nodes"},
		{models.ActionDisable, 2, 1, "decommissioning 2 nodes; powering off 1 node"},
		{models.ActionDisable, 1, 0, "decommissioning 1 node"},
		{models.ActionEnable, 3, 0, "recommissioning 3 nodes"},
		{models.ActionDisable, 0, 0, "no nodes to change"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, summaryMessage(tt.action, tt.membership, tt.powerOnly))
	}
}

func TestOperationIDFromContext(t *testing.T) {
	h := newHarness(t, "c1", "jt")
	h.addVM(t, "c1", "vm1", "tt1")

	ctx := WithOperationID(context.Background(), "req-42")
	_, err := h.policy.DisableNodes(ctx, []string{"vm1"}, 0, "c1")
	require.NoError(t, err)
	assert.Equal(t, "req-42", h.lastRecord(t).OperationID)

	_, err = h.policy.DisableNodes(context.Background(), []string{"vm1"}, 0, "c1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", h.lastRecord(t).OperationID)
	assert.Empty(t, OperationIDFromContext(context.Background()))
}
