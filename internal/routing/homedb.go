package routing

import (
	"github.com/dgraph-io/ristretto/v2"
)

// HomeDbCache maps an authentication principal's identity hash to the
// most recently observed home database name. Bounded size; admission and
// eviction follow ristretto's TinyLFU policy, which is frequency-based and
// not strict LRU. A hit lets the driver route optimistically against the home
// database without a round trip, and a server disagreement evicts the
// entry.
type HomeDbCache struct {
	cache *ristretto.Cache[string, string]
}

// NewHomeDbCache builds a cache holding up to maxEntries names.
func NewHomeDbCache(maxEntries int64) (*HomeDbCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Each entry costs 1, so MaxCost counts entries; without this the
		// per-item bookkeeping cost alone exceeds a small MaxCost.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &HomeDbCache{cache: cache}, nil
}

// Get returns the cached home database for the principal identity.
func (h *HomeDbCache) Get(principalID string) (string, bool) {
	return h.cache.Get(principalID)
}

// Put records the server-resolved home database for the principal.
func (h *HomeDbCache) Put(principalID, database string) {
	h.cache.Set(principalID, database, 1)
}

// Evict drops the entry after the server disagreed with the cached name.
func (h *HomeDbCache) Evict(principalID string) {
	h.cache.Del(principalID)
}

// Close releases the cache's internal resources.
func (h *HomeDbCache) Close() {
	h.cache.Close()
}
