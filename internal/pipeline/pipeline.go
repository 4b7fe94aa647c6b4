package pipeline

import (
	"context"
	"fmt"
	"sync"

	"slotflow/internal/domain"
)

// ExecConfig is what a pipeline gets to produce content for one task.
type ExecConfig struct {
	TaskID    string
	ConfigID  string
	AccountID string
}

// Executor materializes content for one task. The returned bytes are the
// artifact handed to the publish stage.
type Executor interface {
	Execute(ctx context.Context, cfg ExecConfig) ([]byte, error)
}

// Registry is a startup-time registered factory map keyed by pipeline id.
// Implementations register themselves in main; there is no dynamic loading.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Executor{}}
}

func (r *Registry) Register(id string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id] = e
}

func (r *Registry) Get(id string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	return ids
}
