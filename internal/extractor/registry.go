package extractor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/timmy/skiptrace/internal/config"
)

// Registry maps a task mode to its extractor.
type Registry struct {
	mu     sync.RWMutex
	byMode map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byMode: make(map[string]Extractor)}
}

// Register adds e under e.Name(), replacing any previous registration.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMode[e.Name()] = e
}

// Get returns the extractor for mode.
func (r *Registry) Get(mode string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byMode[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return e, nil
}

// Modes returns the registered modes in sorted order.
func (r *Registry) Modes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes := make([]string, 0, len(r.byMode))
	for m := range r.byMode {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}

// NewRegistryFromConfig registers the built-in presets, applying base URL
// and cost overrides from sources. Sources marked disabled are skipped, as
// are presets with no configuration entry at all.
func NewRegistryFromConfig(sources map[string]config.SourceConfig) (*Registry, error) {
	reg := NewRegistry()
	for mode, preset := range Presets() {
		sc, ok := sources[mode]
		if !ok || !sc.Enabled {
			continue
		}
		if sc.BaseURL != "" {
			preset.BaseURL = sc.BaseURL
		}
		if sc.SearchPageCost != "" || sc.DetailPageCost != "" {
			search, detail, err := sc.Costs()
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", mode, err)
			}
			preset.Costs = UnitCosts{SearchPage: search, DetailPage: detail}
		}
		ext, err := NewSelectorExtractor(preset)
		if err != nil {
			return nil, err
		}
		reg.Register(ext)
	}
	return reg, nil
}
