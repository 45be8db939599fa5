// Package services contains the orchestrating application services: the
// store and recall pipelines, linking, graph activation, background
// maintenance and the cognition loops built on top of them.
package services

import "sync"

// Settings are the runtime-adjustable knobs the orchestrators consult on
// every call. They can be swapped live by the config watcher.
type Settings struct {
	AutoLinkThreshold float64
	AutoLinkK         int
	DedupMinScore     float64

	EnableAutoLink  bool
	EnableGraph     bool
	EnableBM25      bool
	EnableBroadcast bool

	SpreadDepth int
	SpreadDecay float64
}

// DefaultSettings mirror the documented configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		AutoLinkThreshold: 0.70,
		AutoLinkK:         5,
		DedupMinScore:     0.70,
		EnableAutoLink:    true,
		EnableBM25:        true,
		SpreadDepth:       2,
		SpreadDecay:       0.5,
	}
}

// Runtime is the shared holder for live settings.
type Runtime struct {
	mu sync.RWMutex
	s  Settings
}

// NewRuntime seeds the holder.
func NewRuntime(s Settings) *Runtime {
	if s.AutoLinkK <= 0 {
		s.AutoLinkK = 5
	}
	if s.DedupMinScore <= 0 {
		s.DedupMinScore = 0.70
	}
	return &Runtime{s: s}
}

// Snapshot returns a copy of the current settings.
func (r *Runtime) Snapshot() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s
}

// Apply replaces the settings atomically.
func (r *Runtime) Apply(s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.AutoLinkK <= 0 {
		s.AutoLinkK = r.s.AutoLinkK
	}
	if s.DedupMinScore <= 0 {
		s.DedupMinScore = r.s.DedupMinScore
	}
	r.s = s
}
