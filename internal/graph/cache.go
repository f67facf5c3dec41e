package graph

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CacheMode resolves spec.md §9's open question: what happens to
// canonical state after the last subscriber for an entity unsubscribes.
type CacheMode int

const (
	// CacheModeRetain keeps canonical state (and the operation log)
	// indefinitely after the last unsubscribe, matching the reference
	// implementation's behavior. Default.
	CacheModeRetain CacheMode = iota
	// CacheModeEvictImmediate drops canonical state as soon as the last
	// subscriber leaves.
	CacheModeEvictImmediate
	// CacheModeTTL keeps canonical state warm for a bounded duration
	// after the last unsubscribe, then evicts it.
	CacheModeTTL
)

// ttlTombstones tracks entity keys that have lost their last subscriber
// under CacheModeTTL: the keys stay in canonical state storage until the
// TTL entry is evicted, at which point onExpire removes them for real.
type ttlTombstones struct {
	cache *lru.LRU[string, struct{}]
	// cancelling holds keys whose tombstone cancel is removing, so the
	// eviction callback that the removal triggers leaves them alone.
	cancelling sync.Map
}

func newTTLTombstones(ttl time.Duration, onExpire func(entityKey string)) *ttlTombstones {
	t := &ttlTombstones{}
	t.cache = lru.NewLRU[string, struct{}](0, func(key string, _ struct{}) {
		if _, ok := t.cancelling.Load(key); ok {
			return
		}
		// The callback runs under the cache's lock; onExpire takes the
		// manager's lock, which callers of cancel already hold.
		go onExpire(key)
	}, ttl)
	return t
}

func (t *ttlTombstones) markUnsubscribed(entityKey string) {
	t.cache.Add(entityKey, struct{}{})
}

// cancel removes entityKey from the tombstone set, used when a new
// subscriber arrives before the TTL expires.
func (t *ttlTombstones) cancel(entityKey string) {
	t.cancelling.Store(entityKey, struct{}{})
	t.cache.Remove(entityKey)
	t.cancelling.Delete(entityKey)
}
