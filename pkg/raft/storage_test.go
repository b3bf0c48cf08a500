package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreOperations exercises the behavior every Store implementation
// must share.
func testStoreOperations(t *testing.T, store Store) {
	require.NoError(t, store.Open())
	defer store.Close()

	// Persistent state
	var state PersistentState
	require.NoError(t, store.ReadState(&state))
	assert.Equal(t, Term(0), state.CurrentTerm)
	assert.Equal(t, ServerId(""), state.VotedFor)

	err := store.WriteState(PersistentState{CurrentTerm: 3, VotedFor: "b"})
	require.NoError(t, err)

	require.NoError(t, store.ReadState(&state))
	assert.Equal(t, Term(3), state.CurrentTerm)
	assert.Equal(t, ServerId("b"), state.VotedFor)

	// Log entries
	entries, err := store.ReadLogEntries()
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = store.AppendLogEntries([]LogEntry{
		testEntry(1, 1, "a"),
		testEntry(2, 1, "b"),
	})
	require.NoError(t, err)

	err = store.AppendLogEntries([]LogEntry{
		testEntry(3, 2, "c"),
		testEntry(4, 2, "d"),
		testEntry(5, 2, "e"),
	})
	require.NoError(t, err)

	entries, err = store.ReadLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, LogIndex(1), entries[0].Index)
	assert.Equal(t, []byte("c"), entries[2].Data)

	require.NoError(t, store.TruncateLogSuffix(4))

	entries, err = store.ReadLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, LogIndex(3), entries[2].Index)

	require.NoError(t, store.CompactLogPrefix(2))

	entries, err = store.ReadLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, LogIndex(3), entries[0].Index)

	// Snapshot
	snapshot, err := store.ReadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	err = store.WriteSnapshot(&Snapshot{
		LastIndex: 3,
		LastTerm:  2,
		Configuration: ClusterConfiguration{
			Servers: testServerSet("a", "b"),
		},
		Data: []byte("machine state"),
	})
	require.NoError(t, err)

	snapshot, err = store.ReadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, LogIndex(3), snapshot.LastIndex)
	assert.Equal(t, Term(2), snapshot.LastTerm)
	assert.Equal(t, []byte("machine state"), snapshot.Data)
	assert.True(t, snapshot.Configuration.Contains("a"))
}

func TestMemoryStore(t *testing.T) {
	testStoreOperations(t, NewMemoryStore())
}

func TestMemoryStoreFailWrites(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Open())
	defer store.Close()

	store.FailWrites(true)

	assert.Error(t, store.WriteState(PersistentState{CurrentTerm: 1}))
	assert.Error(t, store.AppendLogEntries([]LogEntry{testEntry(1, 1, "a")}))
	assert.Error(t, store.WriteSnapshot(&Snapshot{LastIndex: 1, LastTerm: 1}))

	store.FailWrites(false)

	assert.NoError(t, store.WriteState(PersistentState{CurrentTerm: 1}))
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Open())
	defer store.Close()

	appended := []LogEntry{testEntry(1, 1, "abc")}
	require.NoError(t, store.AppendLogEntries(appended))

	// Mutating the caller's slice must not affect the stored entries
	appended[0].Data[0] = 'x'

	entries, err := store.ReadLogEntries()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), entries[0].Data)

	entries[0].Data[0] = 'y'

	entries, err = store.ReadLogEntries()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), entries[0].Data)
}
