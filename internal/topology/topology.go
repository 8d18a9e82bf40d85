// Package topology answers which coordinator runs a cluster and which
// network names its VMs currently have.
//
// Readers take a Lease, perform their synchronous lookups and Unlock it
// straight away. A lease must never be held across a remote call or a sleep.
package topology

import (
	"github.com/tOgg1/elastic/internal/models"
)

// ClusterMap is the lookup surface available while a lease is held.
type ClusterMap interface {
	// RouteForCluster returns the cluster's coordinator route, or nil when
	// the cluster is unknown.
	RouteForCluster(clusterID string) *models.ClusterRoute

	// NamesForVMs maps every vmID to its current network name. Unresolved
	// VMs map to "". The result is nil when any vmID is unknown.
	NamesForVMs(vmIDs []string) map[string]string

	// VMIDsForNames maps names back to vmIDs. Unknown names are skipped.
	VMIDsForNames(names []string) map[string]string
}

// Lease is a held read lock on the topology.
type Lease interface {
	ClusterMap
	Unlock()
}

// Reader hands out read leases.
type Reader interface {
	ReadLock() Lease
}

// Lookup runs fn under a fresh read lease and releases it before returning.
func Lookup[T any](r Reader, fn func(ClusterMap) T) T {
	lease := r.ReadLock()
	defer lease.Unlock()
	return fn(lease)
}
