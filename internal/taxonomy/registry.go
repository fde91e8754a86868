package taxonomy

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registry serves the active taxonomy. Reload swaps the whole snapshot;
// a taxonomy handed out by Current is never mutated.
type Registry struct {
	path    string
	current atomic.Pointer[Loaded]

	// serializes reloads, readers never take it
	mu sync.Mutex
}

// NewRegistry loads the taxonomy at path.
func NewRegistry(path string) (*Registry, error) {
	l, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path}
	r.current.Store(l)
	return r, nil
}

// NewStaticRegistry wraps an already parsed taxonomy. Reload is not supported.
func NewStaticRegistry(tax *domain.Taxonomy) *Registry {
	r := &Registry{}
	r.current.Store(&Loaded{Taxonomy: tax})
	return r
}

// Current returns the active taxonomy.
func (r *Registry) Current() *domain.Taxonomy {
	return r.current.Load().Taxonomy
}

// Loaded returns the active taxonomy with its hash and raw bytes.
func (r *Registry) Loaded() *Loaded {
	return r.current.Load()
}

// Version returns the active taxonomy version.
func (r *Registry) Version() string {
	return r.Current().Version
}

// Reload re-reads the taxonomy file and atomically replaces the active one.
// On failure the previous taxonomy stays active.
func (r *Registry) Reload() (*Loaded, error) {
	return r.ReloadChecked(nil)
}

// ReloadChecked is Reload with a check run against the parsed taxonomy
// before it is swapped in. A check error keeps the previous taxonomy.
func (r *Registry) ReloadChecked(check func(*Loaded) error) (*Loaded, error) {
	if r.path == "" {
		return nil, fmt.Errorf("%w: registry has no backing file", ErrInvalidTaxonomy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, err := LoadFile(r.path)
	if err != nil {
		slog.Error("taxonomy reload failed", "path", r.path, "error", err)
		return nil, err
	}
	if check != nil {
		if err := check(l); err != nil {
			slog.Error("taxonomy reload rejected", "path", r.path, "version", l.Taxonomy.Version, "error", err)
			return nil, err
		}
	}

	prev := r.current.Swap(l)
	slog.Info("taxonomy reloaded",
		"path", r.path,
		"previous_version", prev.Taxonomy.Version,
		"version", l.Taxonomy.Version,
		"categories", len(l.Taxonomy.Categories),
	)
	return l, nil
}
