package ledgerapi

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/cuemby/scribe/internal/ledgertypes"
	"github.com/cuemby/scribe/internal/metrics"
)

// cache is the fixed-capacity LRU shared by every request-path
// operation on a node, grounded on spec.md §4.F's cache contract
// (get/put/remove/clear/len/capacity).
type cache struct {
	lru      *lru.Cache
	capacity int
}

func newCache(capacity int) (*cache, error) {
	c, err := lru.New(capacity)
	if err != nil {
		return nil, err
	}
	return &cache{lru: c, capacity: capacity}, nil
}

func (c *cache) get(key ledgertypes.Key) (ledgertypes.Value, bool) {
	v, ok := c.lru.Get(string(key))
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return v.(ledgertypes.Value), true
}

func (c *cache) put(key ledgertypes.Key, value ledgertypes.Value) {
	c.lru.Add(string(key), value)
}

func (c *cache) remove(key ledgertypes.Key) {
	c.lru.Remove(string(key))
}

func (c *cache) clear() {
	c.lru.Purge()
}

func (c *cache) len() int {
	return c.lru.Len()
}

func (c *cache) cap() int {
	return c.capacity
}
