package coap

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializationCache(t *testing.T) {
	c := NewSerializationCache(10, time.Minute, nil)

	key := c.Key([]byte("/raft/append_entries"), []byte("payload"))

	_, found := c.Get(key)
	assert.False(t, found)

	c.Put(key, []byte("encoded"))

	encoded, found := c.Get(key)
	require.True(t, found)
	assert.Equal(t, []byte("encoded"), encoded)

	// The same content always digests to the same key.
	again := c.Key([]byte("/raft/append_entries"), []byte("payload"))
	encoded, found = c.Get(again)
	require.True(t, found)
	assert.Equal(t, []byte("encoded"), encoded)
}

func TestSerializationCacheKeyBoundaries(t *testing.T) {
	c := NewSerializationCache(10, time.Minute, nil)

	// Moving bytes across part boundaries must change the key.
	key1 := c.Key([]byte("ab"), []byte("c"))
	key2 := c.Key([]byte("a"), []byte("bc"))
	assert.NotEqual(t, key1, key2)

	key3 := c.Key([]byte("abc"))
	assert.NotEqual(t, key1, key3)
	assert.NotEqual(t, key2, key3)
}

func TestSerializationCacheEviction(t *testing.T) {
	c := NewSerializationCache(3, time.Minute, nil)

	keys := make([]cacheKey, 5)
	for i := range keys {
		keys[i] = c.Key([]byte(fmt.Sprintf("payload-%d", i)))
		c.Put(keys[i], []byte{byte(i)})
	}

	assert.Equal(t, 3, c.Len())

	_, found := c.Get(keys[0])
	assert.False(t, found)

	_, found = c.Get(keys[4])
	assert.True(t, found)
}

func TestSerializationCachePurge(t *testing.T) {
	c := NewSerializationCache(10, time.Minute, nil)

	c.Put(c.Key([]byte("a")), []byte("x"))
	require.Equal(t, 1, c.Len())

	c.Purge()
	assert.Zero(t, c.Len())
}
