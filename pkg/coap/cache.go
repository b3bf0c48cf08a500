package coap

import (
	"crypto/sha256"
	"time"

	"github.com/crawlins/kythira/pkg/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cacheKey [sha256.Size]byte

// A SerializationCache memoizes the wire encoding of request payloads.
// Entries are keyed by a content digest, so the same logical payload sent
// to several peers or retried after a timeout is only encoded once.
type SerializationCache struct {
	lru     *expirable.LRU[cacheKey, []byte]
	metrics metrics.Metrics
}

func NewSerializationCache(capacity int, ttl time.Duration, m metrics.Metrics) *SerializationCache {
	if capacity == 0 {
		capacity = 100
	}
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	if m == nil {
		m = metrics.Nop
	}

	c := SerializationCache{
		metrics: m,
	}

	onEvict := func(cacheKey, []byte) {
		c.metrics.Count("coap.cache_evictions", 1, nil)
	}

	c.lru = expirable.NewLRU[cacheKey, []byte](capacity, onEvict, ttl)

	return &c
}

// Key digests the content identifying an encoding. Components are joined
// with a zero byte separator.
func (c *SerializationCache) Key(parts ...[]byte) cacheKey {
	hash := sha256.New()

	for i, part := range parts {
		if i > 0 {
			hash.Write([]byte{0})
		}

		hash.Write(part)
	}

	var key cacheKey
	hash.Sum(key[:0])

	return key
}

func (c *SerializationCache) Get(key cacheKey) ([]byte, bool) {
	encoded, found := c.lru.Get(key)
	if !found {
		c.metrics.Count("coap.cache_misses", 1, nil)
		return nil, false
	}

	c.metrics.Count("coap.cache_hits", 1, nil)

	return encoded, true
}

func (c *SerializationCache) Put(key cacheKey, encoded []byte) {
	c.lru.Add(key, encoded)
	c.metrics.Count("coap.cache_stores", 1, nil)
}

func (c *SerializationCache) Len() int {
	return c.lru.Len()
}

func (c *SerializationCache) Purge() {
	c.lru.Purge()
}
