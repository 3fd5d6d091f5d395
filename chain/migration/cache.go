package migration

import (
	"github.com/ipfs/go-cid"
	"github.com/puzpuzpuz/xsync/v2"
)

// MigrationCache stores intermediate migration results keyed by arbitrary
// strings, letting migrators turn a full re-encode of a large sharded
// structure into an incremental update when the structure was already seen
// in a previous run. A cache hit is always an optimization, never a
// correctness requirement: an empty cache must yield the same final root.
type MigrationCache interface {
	Write(key string, c cid.Cid) error
	Read(key string) (bool, cid.Cid, error)
	// Load returns the cached value for key, computing and storing it via
	// loadFunc on a miss. loadFunc must be deterministic: racing callers may
	// each compute, but all observe a single distinct value.
	Load(key string, loadFunc func() (cid.Cid, error)) (cid.Cid, error)
}

// DefaultCacheCapacity bounds the in-memory cache. The value is a tuning
// knob; at mainnet scale one entry per miner actor fits comfortably.
const DefaultCacheCapacity = 10_000

// MemMigrationCache is an in-memory MigrationCache safe for concurrent use.
type MemMigrationCache struct {
	m        *xsync.MapOf[string, cid.Cid]
	capacity int
}

var _ MigrationCache = (*MemMigrationCache)(nil)

func NewMemMigrationCache() *MemMigrationCache {
	return NewMemMigrationCacheWithCapacity(DefaultCacheCapacity)
}

// NewMemMigrationCacheWithCapacity creates a cache holding at most capacity
// entries; capacity <= 0 means unbounded. A write that would exceed the
// capacity invalidates the whole cache instead of landing, leaving the next
// run fully cold: migrators persist related keys as a group and pick the
// diff or scratch path from their joint presence, so no partial group may
// ever survive an overflow. A cold cache only costs a recompute.
func NewMemMigrationCacheWithCapacity(capacity int) *MemMigrationCache {
	return &MemMigrationCache{
		m:        xsync.NewMapOf[cid.Cid](),
		capacity: capacity,
	}
}

func (c *MemMigrationCache) Write(key string, newCid cid.Cid) error {
	if c.capacity > 0 && c.m.Size() >= c.capacity {
		if _, ok := c.m.Load(key); !ok {
			c.invalidate()
			return nil
		}
	}
	c.m.Store(key, newCid)
	return nil
}

func (c *MemMigrationCache) invalidate() {
	c.m.Range(func(k string, _ cid.Cid) bool {
		c.m.Delete(k)
		return true
	})
}

func (c *MemMigrationCache) Read(key string) (bool, cid.Cid, error) {
	v, ok := c.m.Load(key)
	if !ok {
		return false, cid.Undef, nil
	}
	return true, v, nil
}

func (c *MemMigrationCache) Load(key string, loadFunc func() (cid.Cid, error)) (cid.Cid, error) {
	if v, ok := c.m.Load(key); ok {
		return v, nil
	}

	v, err := loadFunc()
	if err != nil {
		return cid.Undef, err
	}

	if err := c.Write(key, v); err != nil {
		return cid.Undef, err
	}
	return v, nil
}

// Len reports the number of cached entries.
func (c *MemMigrationCache) Len() int {
	return c.m.Size()
}
