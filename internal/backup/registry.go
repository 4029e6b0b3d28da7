package backup

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// SourceRegistry maps each source type to its capture/restore adapter.
type SourceRegistry struct {
	adapters map[SourceType]SourceAdapter
}

// NewSourceRegistry creates a registry with the given adapters
func NewSourceRegistry(adapters ...SourceAdapter) *SourceRegistry {
	r := &SourceRegistry{adapters: make(map[SourceType]SourceAdapter)}
	for _, a := range adapters {
		r.adapters[a.Type()] = a
	}
	return r
}

// Get returns the adapter for a source type
func (r *SourceRegistry) Get(t SourceType) (SourceAdapter, error) {
	a, ok := r.adapters[t]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("no adapter for source type %q", t), nil)
	}
	return a, nil
}

// StaticCatalog is a SourceCatalog backed by configuration maps.
type StaticCatalog struct {
	sources      map[string]SourceConfig
	environments map[string]map[string]SourceConfig
}

// NewStaticCatalog validates and indexes sources and per-environment restore targets.
// Source names are taken from the map keys.
func NewStaticCatalog(sources map[string]SourceConfig, environments map[string]map[string]SourceConfig) (*StaticCatalog, error) {
	c := &StaticCatalog{
		sources:      make(map[string]SourceConfig, len(sources)),
		environments: make(map[string]map[string]SourceConfig, len(environments)),
	}

	for name, src := range sources {
		src.Name = name
		if err := src.Validate(); err != nil {
			return nil, err
		}
		c.sources[name] = src
	}

	for env, targets := range environments {
		c.environments[env] = make(map[string]SourceConfig, len(targets))
		for name, target := range targets {
			base, ok := c.sources[name]
			if !ok {
				return nil, NewConfigurationError(fmt.Sprintf("environment %q targets unknown source %q", env, name), nil)
			}
			target.Name = name
			if target.Type == "" {
				target.Type = base.Type
			}
			if target.Type != base.Type {
				return nil, NewConfigurationError(fmt.Sprintf("environment %q target for %q has type %q, source is %q", env, name, target.Type, base.Type), nil)
			}
			if err := target.Validate(); err != nil {
				return nil, err
			}
			c.environments[env][name] = target
		}
	}

	return c, nil
}

func (c *StaticCatalog) Source(name string) (SourceConfig, error) {
	src, ok := c.sources[name]
	if !ok {
		return SourceConfig{}, NewNotFoundError(fmt.Sprintf("source %q is not defined", name), nil)
	}
	return src, nil
}

// Target resolves the restore target. An empty environment restores in place.
func (c *StaticCatalog) Target(environment, sourceName string) (SourceConfig, error) {
	if environment == "" {
		return c.Source(sourceName)
	}
	targets, ok := c.environments[environment]
	if !ok {
		return SourceConfig{}, NewNotFoundError(fmt.Sprintf("environment %q is not defined", environment), nil)
	}
	target, ok := targets[sourceName]
	if !ok {
		return SourceConfig{}, NewNotFoundError(fmt.Sprintf("environment %q has no target for source %q", environment, sourceName), nil)
	}
	return target, nil
}

// SourceNames lists the configured sources in order
func (c *StaticCatalog) SourceNames() []string {
	names := lo.Keys(c.sources)
	sort.Strings(names)
	return names
}
