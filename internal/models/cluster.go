// Package models defines the core domain types for elastic.
package models

import (
	"strings"
)

// ClusterRoute locates the coordinator of one cluster.
type ClusterRoute struct {
	// ClusterID identifies the cluster.
	ClusterID string `json:"cluster_id"`

	// CoordinatorAddress is the host name or IP of the cluster's master.
	CoordinatorAddress string `json:"coordinator_address"`
}

// Reachable reports whether the route has a coordinator to talk to. A nil
// route is never reachable.
func (r *ClusterRoute) Reachable() bool {
	return r != nil && strings.TrimSpace(r.CoordinatorAddress) != ""
}

// IsResolvedName reports whether a network name is usable. Empty and
// whitespace-only names mean the VM is unresolved.
func IsResolvedName(name string) bool {
	return strings.TrimSpace(name) != ""
}

// Action is the kind of scaling directive.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
)

// Valid reports whether the action is known.
func (a Action) Valid() bool {
	return a == ActionEnable || a == ActionDisable
}

// ScalingRequest is one directive to enable or disable a set of VMs.
type ScalingRequest struct {
	// Action selects enable or disable.
	Action Action `json:"action"`

	// ClusterID identifies the cluster the VMs belong to.
	ClusterID string `json:"cluster_id"`

	// VMIDs are the VMs to change. Must be non-nil, may be empty.
	VMIDs []string `json:"vm_ids"`

	// TargetEnabled is the desired total number of enabled nodes.
	TargetEnabled int `json:"target_enabled"`
}

// Validate checks the request.
func (r *ScalingRequest) Validate() error {
	validation := &ValidationErrors{}
	if !r.Action.Valid() {
		validation.Add("action", ErrUnknownAction)
	}
	validation.Add("", ValidateTarget(r.ClusterID, r.VMIDs, r.TargetEnabled))
	return validation.Err()
}

// ValidateTarget checks the arguments shared by every scaling operation.
func ValidateTarget(clusterID string, vmIDs []string, targetEnabled int) error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(clusterID) == "" {
		validation.Add("cluster_id", ErrMissingClusterID)
	}
	if vmIDs == nil {
		validation.Add("vm_ids", ErrNilVMSet)
	}
	for _, id := range vmIDs {
		if strings.TrimSpace(id) == "" {
			validation.Add("vm_ids", ErrEmptyVMID)
			break
		}
	}
	if targetEnabled < 0 {
		validation.Add("target_enabled", ErrNegativeTarget)
	}
	return validation.Err()
}
