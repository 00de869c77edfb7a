package extractor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// Registry holds extractors in declaration order.
type Registry struct {
	mu     sync.RWMutex
	order  []Extractor
	byName map[string]Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Extractor)}
}

// Register appends ext. Names must be unique and non-empty.
func (r *Registry) Register(ext Extractor) error {
	if ext == nil {
		return fmt.Errorf("extractor is nil")
	}
	name := strings.TrimSpace(ext.Name())
	if name == "" {
		return fmt.Errorf("extractor name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("extractor name %q is not a valid directory name", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("extractor %q already registered", name)
	}
	r.byName[name] = ext
	r.order = append(r.order, ext)
	return nil
}

// MustRegister panics on a registration error. Startup only.
func (r *Registry) MustRegister(exts ...Extractor) {
	for _, ext := range exts {
		if err := r.Register(ext); err != nil {
			panic(err)
		}
	}
}

// ListEligible returns, in declaration order, the extractors that accept
// rawURL and are enabled and selected by opts.
func (r *Registry) ListEligible(rawURL string, opts archive.Options) []Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extractor, 0, len(r.order))
	for _, ext := range r.order {
		if !opts.Selected(ext.Name()) || !ext.Enabled(opts) || !ext.Eligible(rawURL) {
			continue
		}
		out = append(out, ext)
	}
	return out
}

// Lookup returns the extractor registered under name.
func (r *Registry) Lookup(name string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.byName[name]
	return ext, ok
}

// Names lists registered extractors in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, ext := range r.order {
		out = append(out, ext.Name())
	}
	return out
}

// All returns every registered extractor in declaration order.
func (r *Registry) All() []Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Extractor(nil), r.order...)
}
