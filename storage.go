package precache

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/apex/log"
	"github.com/aweris/precache/internal/store"
)

// CacheStorage is the set of named caches under one directory.
//
// It is safe for concurrent use. Handles returned by Open stay valid until
// the cache is deleted; after that, lookups and writes through them fail
// with ErrCacheDeleted, even once Open has created a fresh, empty cache
// under the same name.
type CacheStorage struct {
	dir  string
	opts *StorageOptions
	log  log.Interface

	mu     sync.Mutex
	caches map[string]*Cache
}

// OpenStorage opens (creating if needed) the cache storage directory.
func OpenStorage(opts ...StorageOption) (*CacheStorage, error) {
	options := defaultStorageOptions()
	for _, opt := range opts {
		opt(options)
	}

	dir := expandPath(options.CacheDir)
	if dir == "" {
		return nil, fmt.Errorf("%w: empty cache dir", ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &CacheStorage{
		dir:    dir,
		opts:   options,
		log:    options.Logger,
		caches: make(map[string]*Cache),
	}, nil
}

// Dir returns the storage directory.
func (s *CacheStorage) Dir() string { return s.dir }

// Open returns the cache called name, creating it if absent.
func (s *CacheStorage) Open(name string) (*Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.caches[name]; ok && c.store.Exists() {
		return c, nil
	}

	ls, err := store.NewLocalStore(s.dir, name, store.Config{
		CacheSize:          s.opts.MemoryEntries,
		CompressionLevel:   s.opts.CompressionLevel,
		CompressionEnabled: s.opts.Compression,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}

	c := &Cache{name: name, store: ls, log: s.log}
	s.caches[name] = c
	return c, nil
}

// Has reports whether a cache called name exists.
func (s *CacheStorage) Has(name string) (bool, error) {
	return store.HasNamespace(s.dir, name)
}

// Keys returns the names of all caches, in creation order.
func (s *CacheStorage) Keys() ([]string, error) {
	namespaces, err := store.Namespaces(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(namespaces))
	for i, ns := range namespaces {
		names[i] = ns.Name
	}
	return names, nil
}

// Delete removes the cache called name and reports whether it existed.
func (s *CacheStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed, err := store.RemoveNamespace(s.dir, name)
	if err != nil {
		return existed, err
	}
	// Handles already given out may still be in use, so they are only
	// dropped here, not closed.
	if c, ok := s.caches[name]; ok {
		c.store.Clear()
		delete(s.caches, name)
	}
	if existed {
		s.log.WithField("cache", name).Info("deleted cache")
	}
	return existed, nil
}

// Match looks req up in every cache, oldest first, and returns the first hit.
func (s *CacheStorage) Match(req *http.Request) (*http.Response, error) {
	names, err := s.Keys()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c, err := s.lookup(name)
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue // deleted since listing
		}
		resp, err := c.Match(req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCacheDeleted) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// lookup returns the cache called name without creating it.
func (s *CacheStorage) lookup(name string) (*Cache, error) {
	ok, err := s.Has(name)
	if err != nil || !ok {
		return nil, err
	}
	return s.Open(name)
}

// Close releases every open cache handle.
func (s *CacheStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, c := range s.caches {
		errs = append(errs, c.close())
		delete(s.caches, name)
	}
	return errors.Join(errs...)
}
