package core

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache holds compiled execution models keyed by the hash of the bound
// query.
type Cache struct {
	cache *lru.TwoQueueCache[string, *ExecutionModel]
}

// initCache initializes the cache
func (gj *aggjinEngine) initCache() (err error) {
	gj.cache.cache, err = lru.New2Q[string, *ExecutionModel](gj.conf.cacheSize())
	return
}

// Get returns the value from the cache
func (c Cache) Get(key string) (val *ExecutionModel, fromCache bool) {
	if c.cache == nil {
		return
	}
	val, fromCache = c.cache.Get(key)
	return
}

// Set sets the value in the cache
func (c Cache) Set(key string, val *ExecutionModel) {
	if c.cache == nil {
		return
	}
	c.cache.Add(key, val)
}

// Len returns the number of cached models
func (c Cache) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
