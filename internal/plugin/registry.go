package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory creates a fresh plugin instance for one configuration entry.
type Factory func() Plugin

// Descriptor registers a plugin implementation into the lookup table at
// startup: type name, version, and constructor. No reflection involved.
type Descriptor struct {
	Type    string
	Version string
	New     Factory
}

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Descriptor)
)

// Register adds a plugin implementation to the factory table. It is meant
// to be called from init or during process startup, before registries load.
func Register(d Descriptor) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[d.Type] = d
}

// Lookup returns the descriptor for a plugin type.
func Lookup(pluginType string) (Descriptor, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	d, ok := factories[pluginType]
	return d, ok
}

// Types returns all registered plugin type names.
func Types() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance is one configured, loaded plugin. The hook fields are asserted
// once at load time so per-request matching is a nil check.
type Instance struct {
	Plugin   Plugin
	Config   Config
	priority int
	order    int

	conds *compiledConditions

	beforeModel BeforeModelHook
	onError     OnModelErrorHook
	afterModel  AfterModelHook
	afterChunk  AfterChunkHook
	detached    DetachedAfterResponseHook
}

// Name returns the configured instance name.
func (in *Instance) Name() string {
	if in.Config.Name != "" {
		return in.Config.Name
	}
	return in.Plugin.Name()
}

// Implements reports whether the instance handles the given phase.
func (in *Instance) Implements(phase Phase) bool {
	switch phase {
	case PhaseBeforeModel:
		return in.beforeModel != nil
	case PhaseOnModelError:
		return in.onError != nil
	case PhaseAfterModel:
		return in.afterModel != nil
	case PhaseAfterChunk:
		return in.afterChunk != nil
	case PhaseDetachedAfterResponse:
		return in.detached != nil
	}
	return false
}

// Registry holds the loaded plugin instances for one configuration epoch.
// It is immutable after Load: configuration changes build a new Registry
// that is swapped in atomically, never mutated in place while serving.
type Registry struct {
	instances []*Instance
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Load instantiates, validates, and configures plugins from configuration.
// Instances are sorted once by ascending priority with registration order
// breaking ties (stable sort), so per-request matching only filters.
func (r *Registry) Load(configs []Config) error {
	seen := make(map[string]struct{}, len(configs))

	for _, cfg := range configs {
		if !cfg.IsEnabled() {
			r.logger.Debug("plugin disabled, skipping", "name", cfg.Name, "type", cfg.Type)
			continue
		}

		desc, ok := Lookup(cfg.Type)
		if !ok {
			return fmt.Errorf("plugin %s: %w: %q (available: %v)", cfg.Name, ErrUnknownType, cfg.Type, Types())
		}

		p := desc.New()
		if p == nil {
			return fmt.Errorf("plugin %s: %w", cfg.Name, ErrNilPlugin)
		}

		if v, ok := p.(ConfigValidator); ok {
			if err := v.ValidateConfig(cfg.Settings); err != nil {
				return fmt.Errorf("plugin %s: invalid config: %w", cfg.Name, err)
			}
		}
		if err := p.Configure(cfg.Settings); err != nil {
			return fmt.Errorf("plugin %s: configure: %w", cfg.Name, err)
		}

		if err := r.add(p, cfg, seen); err != nil {
			return err
		}
	}

	r.sortInstances()
	r.logger.Info("plugin registry loaded", "plugins", len(r.instances))
	return nil
}

// AddInstance registers an already-constructed plugin (library mode).
// Must be called before the registry starts serving requests.
func (r *Registry) AddInstance(p Plugin, cfg Config) error {
	if p == nil {
		return ErrNilPlugin
	}
	seen := make(map[string]struct{}, len(r.instances))
	for _, in := range r.instances {
		seen[in.Name()] = struct{}{}
	}
	if err := r.add(p, cfg, seen); err != nil {
		return err
	}
	r.sortInstances()
	return nil
}

func (r *Registry) add(p Plugin, cfg Config, seen map[string]struct{}) error {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	if _, dup := seen[cfg.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateName, cfg.Name)
	}
	seen[cfg.Name] = struct{}{}

	conds, err := compileConditions(cfg.Conditions)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", cfg.Name, err)
	}

	in := &Instance{
		Plugin:   p,
		Config:   cfg,
		priority: cfg.EffectivePriority(),
		order:    len(r.instances),
		conds:    conds,
	}
	in.beforeModel, _ = p.(BeforeModelHook)
	in.onError, _ = p.(OnModelErrorHook)
	in.afterModel, _ = p.(AfterModelHook)
	in.afterChunk, _ = p.(AfterChunkHook)
	in.detached, _ = p.(DetachedAfterResponseHook)

	if in.beforeModel == nil && in.onError == nil && in.afterModel == nil &&
		in.afterChunk == nil && in.detached == nil {
		return fmt.Errorf("plugin %s: %w", cfg.Name, ErrNoHooks)
	}

	r.instances = append(r.instances, in)
	r.logger.Debug("plugin registered",
		"name", cfg.Name,
		"type", cfg.Type,
		"priority", in.priority,
	)
	return nil
}

func (r *Registry) sortInstances() {
	sort.SliceStable(r.instances, func(i, j int) bool {
		return r.instances[i].priority < r.instances[j].priority
	})
}

// Applicable returns the plugins that apply to this request for the given
// phase, in priority order. Matching is pure: it evaluates the condition
// sets against the current, possibly mutated, request context.
func (r *Registry) Applicable(phase Phase, rc *RequestContext) []*Instance {
	var out []*Instance
	for _, in := range r.instances {
		if !in.Implements(phase) {
			continue
		}
		if !in.conds.matches(rc) {
			continue
		}
		out = append(out, in)
	}
	return out
}

// Instances returns all loaded instances in priority order.
func (r *Registry) Instances() []*Instance {
	out := make([]*Instance, len(r.instances))
	copy(out, r.instances)
	return out
}
