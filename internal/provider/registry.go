package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Veraticus/bankfeed/internal/common"
)

// Registry maps provider ids to adapters.
type Registry struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p. Registering the same id twice is an error.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return common.NewValidationError("provider", "is required")
	}
	id := p.ID()
	if id == "" {
		return common.NewValidationError("provider", "id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %s: %w", id, common.ErrDuplicateEntry)
	}
	r.providers[id] = p
	return nil
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrProviderNotFound, id)
	}
	return p, nil
}

// List returns the registered ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InitializeAll initializes every registered provider and returns the first failure.
func (r *Registry) InitializeAll(ctx context.Context) error {
	for _, id := range r.List() {
		p, err := r.Get(id)
		if err != nil {
			return err
		}
		if err := p.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize provider %s: %w", id, err)
		}
	}
	return nil
}
