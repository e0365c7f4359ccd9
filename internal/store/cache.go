package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache provides in-memory caching for decoded blobs.
type Cache interface {
	Get(key string) ([]byte, bool)
	Add(key string, value []byte)
	Has(key string) bool
	Remove(key string)
	Clear()
}

// LRUCache keeps the most recently used blobs in memory.
type LRUCache struct {
	items *lru.Cache[string, []byte]
}

// NewLRUCache creates a new LRU cache holding at most maxSize blobs.
// A non-positive size disables caching.
func NewLRUCache(maxSize int) (Cache, error) {
	if maxSize <= 0 {
		return nopCache{}, nil
	}
	items, err := lru.New[string, []byte](maxSize)
	if err != nil {
		return nil, err
	}
	return &LRUCache{items: items}, nil
}

func (c *LRUCache) Get(key string) ([]byte, bool) { return c.items.Get(key) }
func (c *LRUCache) Add(key string, value []byte)  { c.items.Add(key, value) }
func (c *LRUCache) Has(key string) bool           { return c.items.Contains(key) }
func (c *LRUCache) Remove(key string)             { c.items.Remove(key) }
func (c *LRUCache) Clear()                        { c.items.Purge() }

type nopCache struct{}

func (nopCache) Get(string) ([]byte, bool) { return nil, false }
func (nopCache) Add(string, []byte)        {}
func (nopCache) Has(string) bool           { return false }
func (nopCache) Remove(string)             {}
func (nopCache) Clear()                    {}
