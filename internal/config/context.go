package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the CLI's current selection: the cluster to inspect and the
// coordinator host remote commands go to by default.
type Context struct {
	// ClusterID is the currently selected cluster.
	ClusterID string `yaml:"cluster,omitempty" json:"cluster,omitempty"`
	// Coordinator is the host of the selected cluster's coordinator.
	Coordinator string `yaml:"coordinator,omitempty" json:"coordinator,omitempty"`
	// Port overrides the SSH port for Coordinator when non-zero.
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// IsEmpty returns true if no context is set.
func (c *Context) IsEmpty() bool {
	return c.ClusterID == "" && c.Coordinator == ""
}

// Clear removes all context.
func (c *Context) Clear() {
	c.ClusterID = ""
	c.Coordinator = ""
	c.Port = 0
	c.UpdatedAt = time.Now()
}

// SetCluster selects a cluster. The coordinator is replaced, since it
// belongs to the previous cluster.
func (c *Context) SetCluster(id, coordinator string) {
	c.ClusterID = id
	c.Coordinator = coordinator
	c.Port = 0
	c.UpdatedAt = time.Now()
}

// SetCoordinator selects the coordinator host within the current cluster.
func (c *Context) SetCoordinator(host string, port int) {
	c.Coordinator = host
	c.Port = port
	c.UpdatedAt = time.Now()
}

// String returns a human-readable representation of the context.
func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no context set)"
	}
	s := ""
	if c.ClusterID != "" {
		s = "cluster:" + c.ClusterID
	}
	if c.Coordinator != "" {
		if s != "" {
			s += " "
		}
		s += "coordinator:" + c.Coordinator
		if c.Port != 0 {
			s += fmt.Sprintf(":%d", c.Port)
		}
	}
	return s
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses the default path (~/.config/elastic/context.yaml).
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "elastic", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
