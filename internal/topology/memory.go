package topology

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tOgg1/elastic/internal/models"
)

var (
	ErrMissingVMID      = errors.New("vm id is required")
	ErrMissingClusterID = errors.New("cluster id is required")
)

// VM is one entry of an inventory update.
type VM struct {
	ID   string `json:"vm_id"`
	Name string `json:"name,omitempty"`
}

// Inventory is a cluster snapshot published by the virtualization layer.
type Inventory struct {
	ClusterID          string `json:"cluster_id"`
	CoordinatorAddress string `json:"coordinator_address,omitempty"`
	VMs                []VM   `json:"vms"`

	// Replace drops VMs of the cluster that are absent from VMs.
	Replace bool `json:"replace,omitempty"`
}

type vmEntry struct {
	clusterID string
	name      string
}

// Memory is an in-memory topology.
type Memory struct {
	mu      sync.RWMutex
	routes  map[string]models.ClusterRoute
	vms     map[string]vmEntry
	updated time.Time
}

// NewMemory creates an empty topology.
func NewMemory() *Memory {
	return &Memory{
		routes: make(map[string]models.ClusterRoute),
		vms:    make(map[string]vmEntry),
	}
}

// ReadLock acquires a read lease.
func (m *Memory) ReadLock() Lease {
	m.mu.RLock()
	return &memoryLease{m: m}
}

// SetRoute records the coordinator of a cluster. An empty address keeps the
// cluster known but unreachable.
func (m *Memory) SetRoute(clusterID, coordinator string) error {
	if strings.TrimSpace(clusterID) == "" {
		return ErrMissingClusterID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[clusterID] = models.ClusterRoute{ClusterID: clusterID, CoordinatorAddress: coordinator}
	m.updated = time.Now()
	return nil
}

// UpsertVM adds or moves a VM and sets its name.
func (m *Memory) UpsertVM(clusterID, vmID, name string) error {
	if strings.TrimSpace(clusterID) == "" {
		return ErrMissingClusterID
	}
	if strings.TrimSpace(vmID) == "" {
		return ErrMissingVMID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms[vmID] = vmEntry{clusterID: clusterID, name: name}
	m.updated = time.Now()
	return nil
}

// SetName updates the network name of a known VM. It reports whether the VM
// was known.
func (m *Memory) SetName(vmID, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.vms[vmID]
	if !ok {
		return false
	}
	entry.name = name
	m.vms[vmID] = entry
	m.updated = time.Now()
	return true
}

// RemoveVM forgets a VM.
func (m *Memory) RemoveVM(vmID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vms, vmID)
	m.updated = time.Now()
}

// ApplyInventory merges a cluster snapshot.
func (m *Memory) ApplyInventory(inv Inventory) error {
	if strings.TrimSpace(inv.ClusterID) == "" {
		return ErrMissingClusterID
	}
	for _, vm := range inv.VMs {
		if strings.TrimSpace(vm.ID) == "" {
			return ErrMissingVMID
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if inv.CoordinatorAddress != "" {
		m.routes[inv.ClusterID] = models.ClusterRoute{
			ClusterID:          inv.ClusterID,
			CoordinatorAddress: inv.CoordinatorAddress,
		}
	} else if _, ok := m.routes[inv.ClusterID]; !ok {
		m.routes[inv.ClusterID] = models.ClusterRoute{ClusterID: inv.ClusterID}
	}

	present := make(map[string]struct{}, len(inv.VMs))
	for _, vm := range inv.VMs {
		present[vm.ID] = struct{}{}
		m.vms[vm.ID] = vmEntry{clusterID: inv.ClusterID, name: vm.Name}
	}
	if inv.Replace {
		for id, entry := range m.vms {
			if _, ok := present[id]; !ok && entry.clusterID == inv.ClusterID {
				delete(m.vms, id)
			}
		}
	}
	m.updated = time.Now()
	return nil
}

// UpdatedAt returns the time of the last change.
func (m *Memory) UpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updated
}

type memoryLease struct {
	m    *Memory
	once sync.Once
}

func (l *memoryLease) Unlock() {
	l.once.Do(l.m.mu.RUnlock)
}

func (l *memoryLease) RouteForCluster(clusterID string) *models.ClusterRoute {
	route, ok := l.m.routes[clusterID]
	if !ok {
		return nil
	}
	return &route
}

func (l *memoryLease) NamesForVMs(vmIDs []string) map[string]string {
	names := make(map[string]string, len(vmIDs))
	for _, id := range vmIDs {
		entry, ok := l.m.vms[id]
		if !ok {
			return nil
		}
		names[id] = entry.name
	}
	return names
}

func (l *memoryLease) VMIDsForNames(names []string) map[string]string {
	want := make(map[string]struct{}, len(names))
	for _, name := range names {
		if models.IsResolvedName(name) {
			want[name] = struct{}{}
		}
	}
	ids := make(map[string]string, len(want))
	for id, entry := range l.m.vms {
		if _, ok := want[entry.name]; ok {
			ids[entry.name] = id
		}
	}
	return ids
}
