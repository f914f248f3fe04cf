package pool

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/gayhub/subpool/internal/provider"
)

// restarter is the part of the pool the config registry drives.
type restarter interface {
	isEnabled(name string) bool
	restart(ctx context.Context, name string, cfg provider.Config) error
	notifyThrottle(name string, err error)
}

// ConfigRegistry stores per-provider option maps. Updates are deep-merged.
type ConfigRegistry struct {
	mu      sync.Mutex
	configs map[string]map[string]any
}

// NewConfigRegistry copies initial into a new registry.
func NewConfigRegistry(initial map[string]map[string]any) *ConfigRegistry {
	r := &ConfigRegistry{configs: make(map[string]map[string]any, len(initial))}
	for name, cfg := range initial {
		r.configs[normalizeName(name)] = deepMerge(nil, cfg)
	}
	return r
}

// Get returns a copy of the stored config for name, empty when none is stored.
func (r *ConfigRegistry) Get(name string) provider.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return provider.Config(deepMerge(nil, r.configs[normalizeName(name)]))
}

// Names lists the providers with a stored config.
func (r *ConfigRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.configs))
	for name := range r.configs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Update merges updates into the stored configs. Enabled providers whose
// merged config differs from what was stored are rebuilt through owner;
// restart failures go to the throttle callback and do not block the merge.
// It returns the providers that were restarted successfully.
func (r *ConfigRegistry) Update(ctx context.Context, owner restarter, updates map[string]map[string]any) []string {
	names := make([]string, 0, len(updates))
	for name := range updates {
		names = append(names, name)
	}
	sort.Strings(names)

	var updated []string
	for _, raw := range names {
		name := normalizeName(raw)
		partial := updates[raw]
		if !owner.isEnabled(name) {
			continue
		}
		r.mu.Lock()
		stored, ok := r.configs[name]
		var merged map[string]any
		if ok {
			merged = deepMerge(stored, partial)
		}
		r.mu.Unlock()
		if !ok || reflect.DeepEqual(merged, stored) {
			continue
		}
		if err := owner.restart(ctx, name, provider.Config(merged)); err != nil {
			owner.notifyThrottle(name, err)
			continue
		}
		updated = append(updated, name)
	}

	r.mu.Lock()
	for _, raw := range names {
		name := normalizeName(raw)
		r.configs[name] = deepMerge(r.configs[name], updates[raw])
	}
	r.mu.Unlock()
	return updated
}

// deepMerge returns a new map holding dst overlaid with src. Nested maps merge
// recursively; any other value in src replaces the one in dst.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = cloneValue(v)
	}
	for k, v := range src {
		if next, ok := asMap(v); ok {
			if prev, ok := asMap(out[k]); ok {
				out[k] = deepMerge(prev, next)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if m, ok := asMap(v); ok {
		return deepMerge(nil, m)
	}
	return v
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case provider.Config:
		return map[string]any(m), true
	default:
		return nil, false
	}
}
