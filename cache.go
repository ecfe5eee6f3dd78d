package nodeaddr

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/paularlott/nodeaddr/hlc"
)

// Writers that lose a swap rebuild and retry, a sweep gives up after this many attempts
const sweepRetries = 4

// TTLPolicy decides how long answers stay in the cache
type TTLPolicy struct {
	MinTTL      time.Duration
	MaxTTL      time.Duration
	NegativeTTL time.Duration
}

// clamp maps an upstream TTL into [MinTTL, MaxTTL], an upstream TTL of zero is not cached
func (p TTLPolicy) clamp(upstream time.Duration) (time.Duration, bool) {
	if upstream <= 0 {
		return 0, false
	}
	if upstream < p.MinTTL {
		upstream = p.MinTTL
	}
	if p.MaxTTL > 0 && upstream > p.MaxTTL {
		upstream = p.MaxTTL
	}
	return upstream, true
}

type cacheEntry struct {
	record     *Record
	negative   *NegativeResponseError
	expires    time.Time
	generation hlc.Timestamp
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !now.Before(e.expires)
}

// Cache maps normalised address keys to resolved records.
//
// The index is an immutable radix tree behind an atomic pointer, readers never block and writers
// publish a new tree with compare and swap. Entries are replaced, never modified in place, and
// expired entries are treated as absent until Sweep removes them.
type Cache struct {
	root    atomic.Pointer[iradix.Tree]
	policy  atomic.Pointer[TTLPolicy]
	clock   clock.Clock
	gen     *hlc.Clock
	logger  Logger
	metrics *Metrics
}

// NewCache creates an empty cache using the given policy and time source
func NewCache(policy TTLPolicy, c clock.Clock, logger Logger) *Cache {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = NewNullLogger()
	}
	cache := &Cache{
		clock:  c,
		gen:    hlc.NewClockFrom(c.Now),
		logger: logger,
	}
	cache.root.Store(iradix.New())
	cache.policy.Store(&policy)
	return cache
}

// SetPolicy replaces the TTL policy, existing entries keep their expiry
func (c *Cache) SetPolicy(policy TTLPolicy) {
	c.policy.Store(&policy)
}

// Policy returns the current TTL policy
func (c *Cache) Policy() TTLPolicy {
	return *c.policy.Load()
}

func (c *Cache) setMetrics(m *Metrics) {
	c.metrics = m
	m.entries(c.Len())
}

// Lookup returns a copy of the unexpired positive record stored under key
func (c *Cache) Lookup(key string) (*Record, bool) {
	e, ok := c.get(key)
	if !ok || e.record == nil {
		return nil, false
	}
	return e.record.Clone(), true
}

// get returns the unexpired entry for key, positive or negative. Expired entries stay in the
// tree until the next sweep so a refresh can compare against the previous answer.
func (c *Cache) get(key string) (*cacheEntry, bool) {
	v, ok := c.root.Load().Get([]byte(key))
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	if e.expired(c.clock.Now()) {
		return nil, false
	}
	return e, true
}

// peek returns the entry for key even when it has expired
func (c *Cache) peek(key string) (*cacheEntry, bool) {
	v, ok := c.root.Load().Get([]byte(key))
	if !ok {
		return nil, false
	}
	return v.(*cacheEntry), true
}

// Insert stores a positive record under key with its TTL clamped by the policy.
// It returns false when the upstream TTL was zero and nothing was stored.
func (c *Cache) Insert(key string, rec *Record) bool {
	ttl, ok := c.Policy().clamp(rec.TTL)
	if !ok {
		return false
	}

	now := c.clock.Now()
	stored := rec.Clone()
	stored.TTL = ttl
	stored.Expires = now.Add(ttl)
	stored.Generation = c.gen.Now()

	c.store(key, &cacheEntry{
		record:     stored,
		expires:    stored.Expires,
		generation: stored.Generation,
	})

	// Callers holding rec see the same expiry as the cache
	rec.TTL, rec.Expires, rec.Generation = stored.TTL, stored.Expires, stored.Generation
	return true
}

// InsertNegative records that key does not resolve, for the policy's NegativeTTL.
// It returns false when negative caching is disabled.
func (c *Cache) InsertNegative(key string, err *NegativeResponseError) bool {
	ttl := c.Policy().NegativeTTL
	if ttl <= 0 || err == nil {
		return false
	}
	c.store(key, &cacheEntry{
		negative:   err,
		expires:    c.clock.Now().Add(ttl),
		generation: c.gen.Now(),
	})
	return true
}

func (c *Cache) store(key string, e *cacheEntry) {
	k := []byte(key)
	for {
		old := c.root.Load()
		next, _, _ := old.Insert(k, e)
		if c.root.CompareAndSwap(old, next) {
			c.metrics.entries(next.Len())
			return
		}
	}
}

// Invalidate removes the entry for key, reporting whether one was present
func (c *Cache) Invalidate(key string) bool {
	k := []byte(key)
	for {
		old := c.root.Load()
		next, _, ok := old.Delete(k)
		if !ok {
			return false
		}
		if c.root.CompareAndSwap(old, next) {
			c.metrics.entries(next.Len())
			return true
		}
	}
}

// Sweep removes expired entries and returns how many were removed.
// Under heavy write contention it gives up and leaves the rest to the next sweep.
func (c *Cache) Sweep() int {
	for attempt := 0; attempt < sweepRetries; attempt++ {
		old := c.root.Load()
		now := c.clock.Now()

		txn := old.Txn()
		removed := 0
		old.Root().Walk(func(k []byte, v interface{}) bool {
			if v.(*cacheEntry).expired(now) {
				txn.Delete(k)
				removed++
			}
			return false
		})
		if removed == 0 {
			return 0
		}

		next := txn.Commit()
		if c.root.CompareAndSwap(old, next) {
			c.metrics.entries(next.Len())
			return removed
		}
	}
	c.logger.Debugf("cache: sweep abandoned after %d attempts", sweepRetries)
	return 0
}

// Len returns the number of entries including expired entries not yet removed
func (c *Cache) Len() int {
	return c.root.Load().Len()
}

// Keys returns the keys of unexpired entries in order
func (c *Cache) Keys() []string {
	now := c.clock.Now()
	root := c.root.Load()
	keys := make([]string, 0, root.Len())
	root.Root().Walk(func(k []byte, v interface{}) bool {
		if !v.(*cacheEntry).expired(now) {
			keys = append(keys, string(k))
		}
		return false
	})
	return keys
}

// Clear removes every entry
func (c *Cache) Clear() {
	c.root.Store(iradix.New())
	c.metrics.entries(0)
}
