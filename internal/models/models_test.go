package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterRouteReachable(t *testing.T) {
	var nilRoute *ClusterRoute
	assert.False(t, nilRoute.Reachable())
	assert.False(t, (&ClusterRoute{ClusterID: "c1"}).Reachable())
	assert.False(t, (&ClusterRoute{ClusterID: "c1", CoordinatorAddress: "  "}).Reachable())
	assert.True(t, (&ClusterRoute{ClusterID: "c1", CoordinatorAddress: "10.0.0.1"}).Reachable())
}

func TestIsResolvedName(t *testing.T) {
	assert.False(t, IsResolvedName(""))
	assert.False(t, IsResolvedName(" \t"))
	assert.True(t, IsResolvedName("tt1.example.com"))
}

func TestScalingRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ScalingRequest
		wantErr error
	}{
		{
			name: "valid empty set",
			req:  ScalingRequest{Action: ActionEnable, ClusterID: "c1", VMIDs: []string{}},
		},
		{
			name:    "nil set",
			req:     ScalingRequest{Action: ActionDisable, ClusterID: "c1"},
			wantErr: ErrNilVMSet,
		},
		{
			name:    "missing cluster",
			req:     ScalingRequest{Action: ActionEnable, VMIDs: []string{"vm1"}},
			wantErr: ErrMissingClusterID,
		},
		{
			name:    "negative target",
			req:     ScalingRequest{Action: ActionEnable, ClusterID: "c1", VMIDs: []string{"vm1"}, TargetEnabled: -1},
			wantErr: ErrNegativeTarget,
		},
		{
			name:    "blank vm id",
			req:     ScalingRequest{Action: ActionEnable, ClusterID: "c1", VMIDs: []string{"vm1", ""}},
			wantErr: ErrEmptyVMID,
		},
		{
			name:    "unknown action",
			req:     ScalingRequest{Action: "resize", ClusterID: "c1", VMIDs: []string{}},
			wantErr: ErrUnknownAction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestValidationErrorsFlattenNested(t *testing.T) {
	nested := &ValidationErrors{}
	nested.Add("cluster_id", ErrMissingClusterID)

	validation := &ValidationErrors{}
	validation.Add("request", nested)

	err := validation.Err()
	require.Error(t, err)

	list, ok := err.(*ValidationErrors)
	require.True(t, ok)
	require.Len(t, list.Errors, 1)
	require.Equal(t, "request.cluster_id", list.Errors[0].Field)
	require.ErrorIs(t, err, ErrMissingClusterID)
}

func TestSetHelpers(t *testing.T) {
	assert.Nil(t, SortedSet(nil))
	assert.Equal(t, []string{}, SortedSet([]string{}))
	assert.Equal(t, []string{"a", "b"}, SortedSet([]string{"b", "a", "b"}))

	assert.Equal(t, []string{"vm1", "vm3"}, Subtract([]string{"vm3", "vm2", "vm1"}, []string{"vm2"}))
	assert.Equal(t, []string{}, Subtract([]string{"vm1"}, []string{"vm1"}))
	assert.Equal(t, []string{"vm2"}, Intersect([]string{"vm1", "vm2"}, []string{"vm2", "vm9"}))

	assert.Nil(t, MapValues(nil))
	assert.Equal(t, []string{"vm1", "vm2"}, MapValues(map[string]string{"b": "vm2", "a": "vm1"}))
}
