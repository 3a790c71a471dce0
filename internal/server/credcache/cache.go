// Package credcache holds decrypted backup-backend credentials in process
// memory for the duration of one upload session. Entries are keyed by
// (user, file), expire on a TTL and are evicted eagerly when the last chunk
// of the file completes. Nothing in this package is ever persisted.
package credcache

import (
	"sync"
	"time"

	"github.com/chunkvault/chunkvault/internal/server/storage"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL bounds how long decrypted credentials may sit in memory when
// an upload stalls before its last chunk.
const DefaultTTL = 30 * time.Minute

// Clock abstracts time so eviction behavior is testable without real
// delays.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type key struct {
	userID string
	fileID string
}

type entry struct {
	creds   storage.Config
	expires time.Time
}

// Cache is safe for concurrent use. Population races are resolved
// winner-takes-all: losing writers reuse the winner's already-decrypted
// value instead of decrypting twice.
type Cache struct {
	ttl   time.Duration
	clock Clock

	mu      sync.RWMutex
	entries map[key]entry

	group singleflight.Group
}

// New builds a cache with the given TTL. A nil clock uses the system clock.
func New(ttl time.Duration, clock Clock) *Cache {
	if clock == nil {
		clock = systemClock{}
	}
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[key]entry),
	}
}

// Get returns the cached credentials if present and unexpired. Expired
// entries are removed lazily here.
func (c *Cache) Get(userID, fileID string) (storage.Config, bool) {
	k := key{userID: userID, fileID: fileID}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()

	if !ok {
		return storage.Config{}, false
	}
	if c.clock.Now().After(e.expires) {
		c.mu.Lock()
		// re-check under the write lock; a concurrent populate may have
		// refreshed the entry
		if cur, ok := c.entries[k]; ok && c.clock.Now().After(cur.expires) {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		return storage.Config{}, false
	}
	return e.creds, true
}

// GetOrPopulate returns the cached credentials, calling populate at most
// once across concurrent callers on a miss. populate typically performs the
// expensive envelope decryption.
func (c *Cache) GetOrPopulate(userID, fileID string, populate func() (storage.Config, error)) (storage.Config, error) {
	if creds, ok := c.Get(userID, fileID); ok {
		return creds, nil
	}

	v, err, _ := c.group.Do(userID+"\x00"+fileID, func() (any, error) {
		if creds, ok := c.Get(userID, fileID); ok {
			return creds, nil
		}
		creds, err := populate()
		if err != nil {
			return storage.Config{}, err
		}

		c.mu.Lock()
		c.entries[key{userID: userID, fileID: fileID}] = entry{
			creds:   creds,
			expires: c.clock.Now().Add(c.ttl),
		}
		c.mu.Unlock()

		return creds, nil
	})
	if err != nil {
		return storage.Config{}, err
	}
	return v.(storage.Config), nil
}

// Evict removes the entry for (user, file). Called when the last chunk of
// an upload completes.
func (c *Cache) Evict(userID, fileID string) {
	c.mu.Lock()
	delete(c.entries, key{userID: userID, fileID: fileID})
	c.mu.Unlock()
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
