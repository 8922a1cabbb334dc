package task

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

type registration struct {
	factory Factory
	version *semver.Version
}

// Registry maps task type names to factories. Registration is explicit:
// every type the engine can run must be wired in at composition time.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*registration
}

// NewRegistry creates an empty task type registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "task_registry"),
		entries: make(map[string]*registration),
	}
}

// Register binds a factory to a task type name at the given semantic
// version. Re-registering an existing name succeeds only when the new
// version strictly supersedes the registered one; equal or older
// versions are rejected so a stale module cannot shadow a newer one.
func (r *Registry) Register(name string, factory Factory, version string) error {
	if name == "" {
		return fmt.Errorf("task type name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("register %q: %w", name, ErrNilFactory)
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("register %q: invalid version %q: %w", name, version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		if !v.GreaterThan(existing.version) {
			return fmt.Errorf("register %q: version %s does not supersede %s: %w",
				name, v, existing.version, ErrAlreadyRegistered)
		}
		r.logger.Info("task type superseded",
			"task_type", name,
			"old_version", existing.version.String(),
			"new_version", v.String())
	}

	r.entries[name] = &registration{factory: factory, version: v}
	r.logger.Debug("task type registered", "task_type", name, "version", v.String())
	return nil
}

// Get returns the factory for a task type name.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return reg.factory, true
}

// List returns the registered task types sorted by name.
func (r *Registry) List() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TypeInfo, 0, len(r.entries))
	for name, reg := range r.entries {
		out = append(out, TypeInfo{Name: name, Version: reg.version.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
