package catalog

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/envalloc/envalloc/pkg/alloc"
)

// inventoryFile is the YAML layout read by FileCatalog.
type inventoryFile struct {
	Resources []alloc.Resource `yaml:"resources"`
}

// FileCatalog serves an inventory kept in a YAML file and reloads it when the
// file changes. It stands in for the event repository in development and
// single-lab deployments.
type FileCatalog struct {
	*Static

	path   string
	logger zerolog.Logger

	writeMu sync.Mutex
}

// NewFileCatalog loads path.
func NewFileCatalog(path string, logger zerolog.Logger) (*FileCatalog, error) {
	fc := &FileCatalog{
		Static: NewStatic(),
		path:   path,
		logger: logger.With().Str("component", "catalog-file").Logger(),
	}
	if err := fc.Reload(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Reload re-reads the inventory file. On error the previous inventory stays.
func (f *FileCatalog) Reload() error {
	inv, err := f.read()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(inv.Resources))
	for i := range inv.Resources {
		r := &inv.Resources[i]
		if r.ID == "" || r.Type == "" {
			return fmt.Errorf("catalog file %s: resource %d needs id and type", f.path, i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("catalog file %s: duplicate resource id %s", f.path, r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Status == "" {
			r.Status = alloc.ResourceFree
		} else {
			r.Status = parseStatus(string(r.Status))
		}
	}

	f.Replace(inv.Resources)
	f.logger.Info().Int("resources", len(inv.Resources)).Str("path", f.path).Msg("Catalog loaded")
	return nil
}

func (f *FileCatalog) read() (*inventoryFile, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", f.path, err)
	}
	return &inv, nil
}

// ListAvailable implements Client.
func (f *FileCatalog) ListAvailable(ctx context.Context, spec alloc.RequirementSpec) iter.Seq2[alloc.Resource, error] {
	return f.Static.ListAvailable(ctx, spec)
}

// Watch reloads the inventory whenever the file is written or replaced, until
// ctx is done. Editors that save by rename are handled by watching the directory.
func (f *FileCatalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	go f.processEvents(ctx, watcher)
	return nil
}

func (f *FileCatalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	var reloadTimer *time.Timer
	reloadDelay := 250 * time.Millisecond
	target := filepath.Clean(f.path)

	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			f.logger.Debug().Str("op", event.Op.String()).Msg("Catalog file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := f.Reload(); err != nil {
					f.logger.Error().Err(err).Msg("Failed to reload catalog")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
