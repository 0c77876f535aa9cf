package datastore

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"gastrolog/internal/callgroup"
	configfile "gastrolog/internal/config/file"
	"gastrolog/internal/digest"
	"gastrolog/internal/logging"
)

// Registry is the process-wide name -> *DataStore cache. A single
// Registry should be shared by every request handler and CLI
// invocation in one process so concurrent backups against the same
// datastore share one chunk store handle (and therefore one GC
// single-flight guard).
type Registry struct {
	logger  *slog.Logger
	loader  *configfile.Store

	mu    sync.Mutex
	cache map[string]*DataStore
	opens callgroup.Group[string]

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewRegistry builds a Registry backed by loader for datastore
// definitions (name, root path, encryption key). If loader has a
// config file path, that file is watched, and any write to it evicts
// every cached DataStore instead of serving a stale root path or key.
func NewRegistry(loader *configfile.Store, logger *slog.Logger) *Registry {
	r := &Registry{
		logger: logging.Default(logger).With("component", "datastore-registry"),
		loader: loader,
		cache:  make(map[string]*DataStore),
	}
	r.startWatcher()
	return r
}

// Get returns the cached DataStore for name, opening it from the
// backing config the first time it's requested. Concurrent Gets for
// the same uncached name are coalesced into a single Open call instead
// of each opening the same chunk store directory separately.
func (r *Registry) Get(name string) (*DataStore, error) {
	r.mu.Lock()
	if ds, ok := r.cache[name]; ok {
		r.mu.Unlock()
		return ds, nil
	}
	r.mu.Unlock()

	if err := <-r.opens.DoChan(name, func() error {
		r.mu.Lock()
		_, alreadyCached := r.cache[name]
		r.mu.Unlock()
		if alreadyCached {
			return nil
		}

		def, err := r.loader.Lookup(name)
		if err != nil {
			return fmt.Errorf("datastore registry: %w", err)
		}

		var key digest.Key
		if len(def.EncryptionKey) > 0 {
			key = digest.Key(def.EncryptionKey)
		}

		ds, err := Open(name, def.RootPath, key, r.logger)
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.cache[name] = ds
		r.mu.Unlock()
		return nil
	}); err != nil {
		return nil, err
	}

	r.mu.Lock()
	ds := r.cache[name]
	r.mu.Unlock()
	return ds, nil
}

// Evict drops name from the cache; the next Get reopens it from disk.
func (r *Registry) Evict(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
	r.logger.Info("evicted datastore from cache", "name", name)
}

func (r *Registry) startWatcher() {
	if r.loader == nil || r.loader.ConfigPath() == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("fsnotify start failed, datastore config changes require a restart", "error", err)
		return
	}
	if err := watcher.Add(r.loader.ConfigPath()); err != nil {
		r.logger.Warn("watch datastore config", "path", r.loader.ConfigPath(), "error", err)
		watcher.Close()
		return
	}

	r.watcher = watcher
	r.stop = make(chan struct{})

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-r.stop:
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("datastore config watcher error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.evictAll()
			}
		}
	}()
}

// evictAll drops every cached DataStore; the config file changed and
// we don't know which definitions moved without re-reading it.
func (r *Registry) evictAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.cache))
	for name := range r.cache {
		names = append(names, name)
	}
	r.cache = make(map[string]*DataStore)
	r.mu.Unlock()

	r.logger.Info("datastore config changed, evicted cached datastores", "count", len(names))
}

// Close stops the config watcher.
func (r *Registry) Close() {
	if r.stop != nil {
		close(r.stop)
	}
}
