package tablespec

import (
	"fmt"
	"sync"

	"github.com/Guizzs26/go-localsync/internal/syncerr"
)

// Registry holds every synced table, looked up by its logical type.
// It is filled at process start and only read afterwards
type Registry struct {
	mu    sync.RWMutex
	specs map[string]TableSpec
	order []string
}

// NewRegistry creates a registry pre-filled with specs
func NewRegistry(specs ...TableSpec) (*Registry, error) {
	r := &Registry{specs: make(map[string]TableSpec, len(specs))}
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a spec. Invalid or duplicate specs are configuration errors
func (r *Registry) Register(s TableSpec) error {
	if err := s.Validate(); err != nil {
		return syncerr.Configuration("register spec", err)
	}

	// Copy slices so later mutation by the caller cannot reorder parameters
	s.Columns = append([]string(nil), s.Columns...)
	if s.Defaults != nil {
		defaults := make(map[string]any, len(s.Defaults))
		for k, v := range s.Defaults {
			defaults[k] = v
		}
		s.Defaults = defaults
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[s.Type]; exists {
		return syncerr.Configuration("register spec", fmt.Errorf("type %q already registered", s.Type))
	}
	for _, t := range r.order {
		if r.specs[t].Table == s.Table {
			return syncerr.Configuration("register spec", fmt.Errorf("table %q already registered by type %q", s.Table, t))
		}
	}
	r.specs[s.Type] = s
	r.order = append(r.order, s.Type)
	return nil
}

// Lookup returns the spec registered for a logical type
func (r *Registry) Lookup(tableType string) (TableSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[tableType]
	return s, ok
}

// Require is Lookup for code paths where a miss means the process is misconfigured
func (r *Registry) Require(tableType string) (TableSpec, error) {
	s, ok := r.Lookup(tableType)
	if !ok {
		return TableSpec{}, syncerr.Configuration("lookup spec", fmt.Errorf("table type %q is not registered", tableType))
	}
	return s, nil
}

// All returns the specs in registration order
func (r *Registry) All() []TableSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TableSpec, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.specs[t])
	}
	return out
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
