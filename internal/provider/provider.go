// Package provider defines the capability interface every subtitle backend
// implements and the registry the pool builds backends from.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gayhub/subpool/internal/language"
	"github.com/gayhub/subpool/internal/subtitle"
	"github.com/gayhub/subpool/internal/video"
)

// Provider is one subtitle backend. The pool owns its lifecycle: Initialize is
// called once before first use and Terminate on removal or teardown.
type Provider interface {
	Name() string
	Languages() language.Set
	VideoTypes() []video.Kind
	Check(v *video.Video) bool
	Initialize(ctx context.Context) error
	Terminate(ctx context.Context) error
	ListSubtitles(ctx context.Context, v *video.Video, langs language.Set) ([]*subtitle.Subtitle, error)
	// DownloadSubtitle fills sub.Content in place.
	DownloadSubtitle(ctx context.Context, sub *subtitle.Subtitle) error
}

// Config is a provider's option map as stored by the pool.
type Config map[string]any

// String returns the option as a trimmed string, "" when missing.
func (c Config) String(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Int returns the option as an int, fallback when missing or not numeric.
func (c Config) Int(key string, fallback int) int {
	switch v := c[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Factory builds a provider from its configuration.
type Factory func(cfg Config) (Provider, error)

// Registry maps provider names to factories.
type Registry struct {
	byName map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Factory)}
}

// Register adds a factory under name. Names are case-insensitive.
func (r *Registry) Register(name string, f Factory) error {
	name = normalizeName(name)
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if f == nil {
		return fmt.Errorf("provider %q: factory cannot be nil", name)
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("duplicate provider: %q", name)
	}
	r.byName[name] = f
	return nil
}

// MustRegister is Register for static wiring.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Get returns the factory registered under name.
func (r *Registry) Get(name string) (Factory, bool) {
	if r == nil || r.byName == nil {
		return nil, false
	}
	f, ok := r.byName[normalizeName(name)]
	return f, ok
}

// Names lists registered providers in lexical order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
