package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 100 * time.Millisecond

// CatalogStore holds the current catalog and swaps it on reload. Commands
// already resolved keep the targets they were resolved with.
type CatalogStore struct {
	path    string
	log     zerolog.Logger
	current atomic.Pointer[Catalog]
}

// NewCatalogStore loads the catalog at path.
func NewCatalogStore(path string, log zerolog.Logger) (*CatalogStore, error) {
	s := &CatalogStore{
		path: path,
		log:  log.With().Str("component", "catalog").Logger(),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// StaticCatalog wraps an already parsed catalog. Watch is a no-op for it.
func StaticCatalog(cat *Catalog) *CatalogStore {
	s := &CatalogStore{log: zerolog.Nop()}
	s.current.Store(cat)
	return s
}

// Load returns the current catalog.
func (s *CatalogStore) Load() *Catalog {
	return s.current.Load()
}

// Path returns the catalog file, or "" for a static catalog.
func (s *CatalogStore) Path() string {
	return s.path
}

// Reload re-reads the file. On error the previous catalog stays active.
func (s *CatalogStore) Reload() error {
	cat, err := LoadCatalog(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cat)
	s.log.Info().
		Int("activities", len(cat.Activities)).
		Int("devices", len(cat.Devices)).
		Int("events", len(cat.Events)).
		Msg("catalog loaded")
	return nil
}

// Watch reloads the catalog whenever its file changes, calling onChange with
// each successfully parsed version. It blocks until ctx is done.
func (s *CatalogStore) Watch(ctx context.Context, onChange func(*Catalog)) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Editors replace files instead of writing them, so watch the directory.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			if err := s.Reload(); err != nil {
				s.log.Warn().Err(err).Msg("catalog reload failed, keeping previous version")
				continue
			}
			if onChange != nil {
				onChange(s.Load())
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("watcher error")
		}
	}
}
