package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"engram/pkg/errors"
)

// Tunables are the thresholds and switches that may change at runtime
// without a restart.
type Tunables struct {
	AutoLinkThreshold     float64 `yaml:"autoLinkThreshold"`
	SpreadActivationDepth int     `yaml:"spreadActivationDepth"`
	SpreadActivationDecay float64 `yaml:"spreadActivationDecay"`
	EnableAutoLink        bool    `yaml:"enableAutoLink"`
	EnableBM25            bool    `yaml:"enableBM25"`
	EnableGraph           bool    `yaml:"enableGraph"`
	EnableBroadcast       bool    `yaml:"enableBroadcast"`
}

// TunablesFrom seeds the runtime tunables from the static config.
func TunablesFrom(c *Config) Tunables {
	return Tunables{
		AutoLinkThreshold:     c.AutoLinkThreshold,
		SpreadActivationDepth: c.SpreadActivationDepth,
		SpreadActivationDecay: c.SpreadActivationDecay,
		EnableAutoLink:        c.EnableAutoLink,
		EnableBM25:            c.EnableBM25,
		EnableGraph:           c.EnableGraph,
		EnableBroadcast:       c.EnableBroadcast,
	}
}

func (t *Tunables) clamp() {
	t.AutoLinkThreshold = clampFloat(t.AutoLinkThreshold, 0.3, 0.99)
	t.SpreadActivationDepth = clampInt(t.SpreadActivationDepth, 1, 5)
	t.SpreadActivationDecay = clampFloat(t.SpreadActivationDecay, 0.1, 0.9)
}

// Watcher reloads tunables from a YAML file on change. Invalid files keep
// the previous values.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu       sync.RWMutex
	current  Tunables
	onChange []func(Tunables)

	stopCh chan struct{}
}

// NewWatcher creates a watcher seeded with initial values. The file may
// not exist yet; it is picked up on creation.
func NewWatcher(path string, initial Tunables, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.NewConfig("config.watch", "tunables", err.Error())
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, errors.NewConfig("config.watch", "tunables", err.Error())
	}

	initial.clamp()
	w := &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		current: initial,
		stopCh:  make(chan struct{}),
	}
	// A pre-existing file overrides the seed.
	w.reload()
	return w, nil
}

// Start begins watching until Stop.
func (w *Watcher) Start() {
	go w.loop()
	w.logger.Info("tunables watcher started", zap.String("path", w.path))
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

// Current returns the live tunables snapshot.
func (w *Watcher) Current() Tunables {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(handler func(Tunables)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, handler)
}

func (w *Watcher) loop() {
	var debounce *time.Timer
	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("tunables watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	next := w.Current()
	if err := yaml.Unmarshal(data, &next); err != nil {
		w.logger.Error("invalid tunables file, keeping current",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	next.clamp()

	w.mu.Lock()
	prev := w.current
	w.current = next
	handlers := append([]func(Tunables){}, w.onChange...)
	w.mu.Unlock()

	if prev != next {
		w.logger.Info("tunables reloaded",
			zap.Float64("auto_link_threshold", next.AutoLinkThreshold),
			zap.Int("spread_depth", next.SpreadActivationDepth))
	}
	for _, h := range handlers {
		go h(next)
	}
}
