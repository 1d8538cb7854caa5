package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// Registrar is a catalog that providers can add resources to. Registering an
// existing id replaces its description; lease state is never touched.
type Registrar interface {
	Register(ctx context.Context, resources []alloc.Resource) error
}

// AsRegistrar returns c as a Registrar, or an InvalidRequirementSpec error with
// code catalog_read_only when the catalog is owned by another system.
func AsRegistrar(c Client) (Registrar, error) {
	if r, ok := c.(Registrar); ok {
		return r, nil
	}
	return nil, alloc.NewInvalidRequirementSpec("the configured catalog does not accept registrations", nil).
		WithCode(alloc.CodeCatalogReadOnly)
}

// prepare validates a registration batch and fills defaults. A batch is
// accepted whole or not at all.
func prepare(resources []alloc.Resource) ([]alloc.Resource, error) {
	if len(resources) == 0 {
		return nil, alloc.NewInvalidRequirementSpec("registration carries no resources", nil).
			WithCode(alloc.CodeValidation)
	}
	out := make([]alloc.Resource, 0, len(resources))
	seen := make(map[string]struct{}, len(resources))
	for i, r := range resources {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, alloc.NewInvalidRequirementSpec(fmt.Sprintf("resource %d repeats id %s", i, r.ID), nil).
				WithCode(alloc.CodeValidation)
		}
		seen[r.ID] = struct{}{}
		if r.Status == "" {
			r.Status = alloc.ResourceFree
		}
		r.Tags = slices.Clone(r.Tags)
		out = append(out, r)
	}
	return out, nil
}

// Register implements Registrar.
func (s *Static) Register(ctx context.Context, resources []alloc.Resource) error {
	batch, err := prepare(resources)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		s.resources[r.ID] = r
	}
	return nil
}

// Register implements Registrar. The batch is merged into the inventory file,
// so registrations survive restarts and reloads.
func (f *FileCatalog) Register(ctx context.Context, resources []alloc.Resource) error {
	batch, err := prepare(resources)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	inv, err := f.read()
	if err != nil {
		return alloc.NewCatalogUnavailable("failed to read catalog file", err)
	}
	index := make(map[string]int, len(inv.Resources))
	for i, r := range inv.Resources {
		index[r.ID] = i
	}
	for _, r := range batch {
		if i, ok := index[r.ID]; ok {
			inv.Resources[i] = r
			continue
		}
		index[r.ID] = len(inv.Resources)
		inv.Resources = append(inv.Resources, r)
	}

	if err := f.write(inv); err != nil {
		return alloc.NewCatalogUnavailable("failed to write catalog file", err)
	}
	if err := f.Reload(); err != nil {
		return alloc.NewCatalogUnavailable("failed to reload catalog file", err)
	}
	f.logger.Info().Int("registered", len(batch)).Msg("Resources registered")
	return nil
}

// write replaces the inventory file through a rename so readers and the
// watcher never see a partial file.
func (f *FileCatalog) write(inv *inventoryFile) error {
	data, err := yaml.Marshal(inv)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".catalog-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// Register implements Registrar when the wrapped client does. Cached listings
// are dropped so the next attempt sees the new resources.
func (c *CachedClient) Register(ctx context.Context, resources []alloc.Resource) error {
	reg, err := AsRegistrar(c.inner)
	if err != nil {
		return err
	}
	if err := reg.Register(ctx, resources); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

var (
	_ Registrar = (*Static)(nil)
	_ Registrar = (*FileCatalog)(nil)
	_ Registrar = (*CachedClient)(nil)
)
