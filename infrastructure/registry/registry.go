// Package registry implements the Model Registry (C6): a process-wide,
// lazily-initialized catalogue of model metadata loaded from an embedded
// manifest, with memoized path rewriting and predicate filtering.
package registry

import (
	"embed"
	"encoding/json"
	"sync"

	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/infrastructure/paths"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"go.uber.org/zap"
)

//go:embed manifest.json
var embeddedManifest embed.FS

// Registry is the process-wide model catalogue. The zero value is not
// usable; construct with New or use Default.
type Registry struct {
	resolver *paths.Resolver
	log      *logger.Logger

	mu         sync.Mutex
	loaded     bool
	loadErr    error
	byID       map[string]*model.ModelMetadata
	order      []string
	resolvedID map[string]bool // memoizes which IDs have had ModelFileNames rewritten to absolute paths
}

// New creates a Registry that resolves file paths through resolver.
// Loading is deferred to the first Get/All/Filter call.
func New(resolver *paths.Resolver, log *logger.Logger) *Registry {
	if log == nil {
		log, _ = logger.New(false)
	}
	return &Registry{
		resolver:   resolver,
		log:        log,
		byID:       make(map[string]*model.ModelMetadata),
		resolvedID: make(map[string]bool),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultMu   sync.Mutex
)

// Default returns the process-wide Registry, constructing it on first use
// against dataRoot. Later calls ignore dataRoot and return the existing
// instance; use Reset to force reconstruction (tests only).
func Default(dataRoot string) *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultOnce.Do(func() {
		defaultReg = New(paths.NewResolver(dataRoot), nil)
	})
	return defaultReg
}

// Reset clears the process-wide singleton so tests can rebuild it against
// a fresh data root. Not for production use.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultOnce = sync.Once{}
	defaultReg = nil
}

// ensureLoaded reads the embedded manifest exactly once. A failure leaves
// the registry uninitialized so a subsequent call retries, per §4.6.
func (r *Registry) ensureLoaded() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	data, err := embeddedManifest.ReadFile("manifest.json")
	if err != nil {
		r.loadErr = err
		return err
	}

	var manifest model.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		r.loadErr = err
		return err
	}

	for _, m := range manifest.Models {
		if m.ModelID == "" {
			r.log.Warn("skipping manifest entry with empty modelId")
			continue
		}
		if _, exists := r.byID[m.ModelID]; exists {
			r.log.Warn("duplicate modelId in manifest, keeping first", zap.String("model_id", m.ModelID))
			continue
		}
		r.byID[m.ModelID] = m
		r.order = append(r.order, m.ModelID)
	}

	r.loaded = true
	r.loadErr = nil
	return nil
}

// Get returns the metadata for modelID, rewriting ModelFileNames from
// logical names to absolute paths on first lookup (memoized per ID so
// repeated Get calls don't re-resolve).
func (r *Registry) Get(modelID string) (*model.ModelMetadata, bool) {
	if err := r.ensureLoaded(); err != nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[modelID]
	if !ok {
		return nil, false
	}
	if !r.resolvedID[modelID] {
		resolved := make([]string, len(m.ModelFileNames))
		for i, name := range m.ModelFileNames {
			p, err := r.resolver.FilePath(m, name)
			if err != nil {
				r.log.Warn("failed to resolve model file path", zap.String("model_id", modelID), zap.String("name", name), zap.Error(err))
				resolved[i] = name
				continue
			}
			resolved[i] = p
		}
		m.ModelFileNames = resolved
		r.resolvedID[modelID] = true
	}
	return m, true
}

// All returns every loaded model in manifest order. It does no path
// rewriting itself, but it returns the same records Get rewrites, so an
// entry already fetched through Get carries absolute file paths.
func (r *Registry) All() []*model.ModelMetadata {
	if err := r.ensureLoaded(); err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.ModelMetadata, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Filter returns every loaded model for which predicate returns true.
func (r *Registry) Filter(predicate func(*model.ModelMetadata) bool) []*model.ModelMetadata {
	var out []*model.ModelMetadata
	for _, m := range r.All() {
		if predicate(m) {
			out = append(out, m)
		}
	}
	return out
}
