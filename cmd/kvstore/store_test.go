package main

import (
	"testing"

	"github.com/crawlins/kythira/pkg/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreApplyOp(t *testing.T) {
	store := NewStore()

	store.ApplyOp(&OpPut{Key: "a", Value: "1"})
	store.ApplyOp(&OpPut{Key: "b", Value: "2"})

	value, found := store.Get("a")
	require.True(t, found)
	assert.Equal(t, "1", value)

	store.ApplyOp(&OpPut{Key: "a", Value: "3"})

	value, found = store.Get("a")
	require.True(t, found)
	assert.Equal(t, "3", value)

	store.ApplyOp(&OpDelete{Key: "a"})

	_, found = store.Get("a")
	assert.False(t, found)
	assert.Equal(t, 1, store.Len())

	// Deleting an unknown key is a no-op.
	store.ApplyOp(&OpDelete{Key: "missing"})
	assert.Equal(t, 1, store.Len())
}

func TestStoreApply(t *testing.T) {
	store := NewStore()

	ops := []Op{
		&OpPut{Key: "a", Value: "1"},
		&OpPut{Key: "b", Value: "2"},
		&OpDelete{Key: "a"},
	}

	for i, op := range ops {
		entry := raft.LogEntry{
			Index: raft.LogIndex(i + 1),
			Term:  1,
			Type:  raft.LogEntryCommand,
			Data:  EncodeOp(op),
		}

		require.NoError(t, store.Apply(entry))
	}

	_, found := store.Get("a")
	assert.False(t, found)

	value, found := store.Get("b")
	require.True(t, found)
	assert.Equal(t, "2", value)
}

func TestStoreApplyInvalidEntry(t *testing.T) {
	store := NewStore()

	entry := raft.LogEntry{
		Index: 7,
		Term:  1,
		Type:  raft.LogEntryCommand,
		Data:  []byte("garbage"),
	}

	err := store.Apply(entry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 7")
}

func TestStoreKeys(t *testing.T) {
	store := NewStore()

	assert.Empty(t, store.Keys())

	store.ApplyOp(&OpPut{Key: "c", Value: "3"})
	store.ApplyOp(&OpPut{Key: "a", Value: "1"})
	store.ApplyOp(&OpPut{Key: "b", Value: "2"})

	assert.Equal(t, []string{"a", "b", "c"}, store.Keys())
}

func TestStoreSnapshotRestore(t *testing.T) {
	store := NewStore()

	store.ApplyOp(&OpPut{Key: "a", Value: "1"})
	store.ApplyOp(&OpPut{Key: "b", Value: "2"})

	data, err := store.Snapshot()
	require.NoError(t, err)

	restored := NewStore()
	restored.ApplyOp(&OpPut{Key: "stale", Value: "x"})

	require.NoError(t, restored.Restore(data))

	// Restoring replaces the whole state, not just overlapping keys.
	_, found := restored.Get("stale")
	assert.False(t, found)

	assert.Equal(t, store.Keys(), restored.Keys())

	value, found := restored.Get("b")
	require.True(t, found)
	assert.Equal(t, "2", value)
}

func TestStoreRestoreInvalidData(t *testing.T) {
	store := NewStore()

	assert.Error(t, store.Restore([]byte("not json")))
}
