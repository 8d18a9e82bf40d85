package membershiptest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tOgg1/elastic/internal/membership"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/opstatus"
)

var route = &models.ClusterRoute{ClusterID: "c1", CoordinatorAddress: "jt.c1"}

func TestCoordinatorDecommission(t *testing.T) {
	c := NewCoordinator("tt-1", "tt-2", "tt-3")
	c.Stick("tt-3")
	st := opstatus.New("disable")
	ctx := opstatus.NewContext(context.Background(), st)

	require.NoError(t, c.Decommission(ctx, []string{"tt-2", "tt-3"}, route))
	assert.Equal(t, []string{"tt-1", "tt-3"}, c.Active())

	active, err := c.VerifyActive(ctx, membership.ModeDecommission, []string{"tt-2", "tt-3"}, 1, route)
	require.NoError(t, err)
	assert.Equal(t, []string{"tt-1", "tt-3"}, active)
	assert.True(t, st.ScreenFailures(membership.StepMembershipChange))
	assert.False(t, st.ScreenFailures(membership.StepVerify))
}

func TestCoordinatorUnreachable(t *testing.T) {
	c := NewCoordinator("tt-1")
	ctx := context.Background()

	assert.ErrorIs(t, c.Recommission(ctx, nil, nil), membership.ErrNoCoordinator)
	assert.ErrorIs(t, c.Decommission(ctx, []string{"tt-1"}, &models.ClusterRoute{}), membership.ErrNoCoordinator)
	assert.Equal(t, []string{"tt-1"}, c.Active())

	_, err := c.ActiveNodes(ctx, nil)
	assert.ErrorIs(t, err, membership.ErrNoCoordinator)
}

func TestFaultInjectorPopsQueuedFailures(t *testing.T) {
	c := NewCoordinator("tt-1")
	f := NewFaultInjector(c)
	f.QueueDecommissionFailure(7)
	f.QueueRecommissionFailure(1)

	st := opstatus.New("disable")
	ctx := opstatus.NewContext(context.Background(), st)

	err := f.Decommission(ctx, []string{"tt-1"}, route)
	var exitErr *membership.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 7, exitErr.Status)
	assert.Empty(t, c.Decommissioned, "failure replaces the call")
	assert.Equal(t, []string{"tt-1"}, c.Active())
	assert.Equal(t, []string{"Unknown exit status during decommission: 7"}, st.FailureMessages())

	require.NoError(t, f.Decommission(ctx, []string{"tt-1"}, route), "queue drained")
	assert.Empty(t, c.Active())

	assert.Error(t, f.Recommission(ctx, nil, route))
	require.NoError(t, f.Recommission(ctx, nil, route))
	assert.Equal(t, []int{7, 1}, f.Injected())

	active, err := f.ActiveNodes(ctx, route)
	require.NoError(t, err)
	assert.Empty(t, active)
}
