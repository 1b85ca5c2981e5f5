package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/sync/singleflight"
)

type cacheKey struct {
	id     string
	digest string
}

// Cache keeps decrypted envelopes for the lifetime of a process. Concurrent
// lookups of the same envelope share one decryption.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey][]byte
	group   singleflight.Group
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey][]byte)}
}

func newCacheKey(id string, envelope []byte) cacheKey {
	sum := sha256.Sum256(envelope)
	return cacheKey{id: id, digest: hex.EncodeToString(sum[:])}
}

// Get returns a copy of the plaintext for envelope, calling decrypt at most
// once across concurrent callers. hit reports whether the value was already
// cached. Failed decryptions are not cached. The buffer returned by decrypt
// is kept by the cache and wiped when its entry is dropped.
func (c *Cache) Get(id string, envelope []byte, decrypt func() ([]byte, error)) (plain []byte, hit bool, err error) {
	key := newCacheKey(id, envelope)

	if cached, ok := c.lookup(key); ok {
		return cached, true, nil
	}

	_, err, _ = c.group.Do(key.id+"/"+key.digest, func() (interface{}, error) {
		c.mu.RLock()
		_, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return nil, nil
		}

		out, err := decrypt()
		if err != nil {
			clear(out)
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = out
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, false, err
	}

	if cached, ok := c.lookup(key); ok {
		return cached, false, nil
	}
	// Invalidated between the decryption and this lookup.
	return c.Get(id, envelope, decrypt)
}

// lookup returns a copy of a cached entry.
func (c *Cache) lookup(key cacheKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cached, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(cached), true
}

// Invalidate drops and wipes every entry for vault id.
func (c *Cache) Invalidate(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, plain := range c.entries {
		if key.id != id {
			continue
		}
		clear(plain)
		delete(c.entries, key)
		n++
	}
	return n
}

// Purge drops and wipes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, plain := range c.entries {
		clear(plain)
		delete(c.entries, key)
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
