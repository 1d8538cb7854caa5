package catalog

import (
	"context"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// Client reads the inventory of allocatable resources. It never mutates lease
// state, and its results are advisory: the lease store decides who holds what.
type Client interface {
	// ListAvailable yields every known resource matching the requirement's type and
	// tags, whatever its status, fetching further pages only as the caller
	// iterates. If the upstream cannot be reached the sequence yields a single
	// CatalogUnavailable error, which callers must read as "unknown", never as
	// "no resources".
	ListAvailable(ctx context.Context, spec alloc.RequirementSpec) iter.Seq2[alloc.Resource, error]

	// Refresh re-reads a single resource. Unknown ids return NotFound.
	Refresh(ctx context.Context, resourceID string) (alloc.Resource, error)
}

// Collect drains a listing into a slice, stopping at the first error.
func Collect(seq iter.Seq2[alloc.Resource, error]) ([]alloc.Resource, error) {
	var out []alloc.Resource
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Static is an in-memory inventory. FileCatalog keeps one and swaps its
// content on reload.
type Static struct {
	mu        sync.RWMutex
	resources map[string]alloc.Resource
}

// NewStatic creates a catalog holding resources.
func NewStatic(resources ...alloc.Resource) *Static {
	s := &Static{}
	s.Replace(resources)
	return s
}

// Replace swaps the whole inventory.
func (s *Static) Replace(resources []alloc.Resource) {
	m := make(map[string]alloc.Resource, len(resources))
	for _, r := range resources {
		r.Tags = slices.Clone(r.Tags)
		m[r.ID] = r
	}
	s.mu.Lock()
	s.resources = m
	s.mu.Unlock()
}

// Upsert adds or replaces one resource.
func (s *Static) Upsert(r alloc.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Tags = slices.Clone(r.Tags)
	s.resources[r.ID] = r
}

// ListAvailable implements Client. Results are ordered by id.
func (s *Static) ListAvailable(ctx context.Context, spec alloc.RequirementSpec) iter.Seq2[alloc.Resource, error] {
	return func(yield func(alloc.Resource, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(alloc.Resource{}, alloc.NewCatalogUnavailable("catalog query cancelled", err))
			return
		}
		for _, r := range s.snapshot(spec) {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (s *Static) snapshot(spec alloc.RequirementSpec) []alloc.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]alloc.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		if r.Matches(spec) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Refresh implements Client.
func (s *Static) Refresh(_ context.Context, resourceID string) (alloc.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[resourceID]
	if !ok {
		return alloc.Resource{}, alloc.NewNotFound("resource not in catalog").WithResource(resourceID)
	}
	return r, nil
}

// Len returns the number of resources held.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}
