package dropin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for catalog registration.
// Higher priority values override lower priority drop-ins with the same name.
const (
	// PriorityDefault is the priority of the drop-ins shipped with ancs.
	PriorityDefault = 0

	// PriorityOverride lets a site-specific build replace a shipped drop-in
	// by registering under the same name.
	PriorityOverride = 100
)

// Entry describes a registered drop-in factory.
type Entry struct {
	// Name is what drop-in configuration files are named after.
	Name string

	// Description is a human-readable description of the drop-in.
	Description string

	// Priority determines which factory wins when several register with the
	// same name. Higher priority wins.
	Priority int

	// Factory creates new instances of the drop-in.
	Factory Factory
}

// Catalog maps candidate names to drop-in factories. It is filled at process
// start from init() functions and read-only afterwards.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *zap.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries: make(map[string]Entry),
		logger:  zap.NewNop(),
	}
}

// SetLogger replaces the catalog's logger.
func (c *Catalog) SetLogger(logger *zap.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// Register adds a drop-in factory.
// If one with the same name already exists, the one with higher priority
// wins. If priorities are equal, the later registration wins.
func (c *Catalog) Register(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.Name == "" {
		return fmt.Errorf("drop-in name cannot be empty")
	}

	if e.Factory == nil {
		return fmt.Errorf("drop-in %s: factory cannot be nil", e.Name)
	}

	if existing, exists := c.entries[e.Name]; exists {
		if e.Priority < existing.Priority {
			c.logger.Debug("Drop-in registration skipped",
				zap.String("name", e.Name),
				zap.Int("priority", e.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		c.logger.Info("Drop-in overridden",
			zap.String("name", e.Name),
			zap.Int("from_priority", existing.Priority),
			zap.Int("to_priority", e.Priority))
	}

	c.entries[e.Name] = e
	return nil
}

// MustRegister is Register for init() functions.
func (c *Catalog) MustRegister(e Entry) {
	if err := c.Register(e); err != nil {
		panic(err)
	}
}

// Get returns the entry for a name.
func (c *Catalog) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	return e, ok
}

// List returns all entries sorted by name.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Names returns the registered names sorted.
func (c *Catalog) Names() []string {
	entries := c.List()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

// Clear removes all entries. Useful for testing.
func (c *Catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

var global = NewCatalog()

// Global returns the process-wide catalog drop-in packages register with.
func Global() *Catalog {
	return global
}

// Register adds a drop-in to the global catalog.
// This is typically called from init() functions in drop-in packages.
func Register(e Entry) error {
	return global.Register(e)
}

// MustRegister adds a drop-in to the global catalog and panics on error.
func MustRegister(e Entry) {
	global.MustRegister(e)
}
