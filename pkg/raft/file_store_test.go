package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	testStoreOperations(t, NewFileStore(t.TempDir()))
}

func TestFileStoreReopen(t *testing.T) {
	dirPath := t.TempDir()

	store := NewFileStore(dirPath)
	require.NoError(t, store.Open())

	err := store.WriteState(PersistentState{CurrentTerm: 7, VotedFor: "c"})
	require.NoError(t, err)

	err = store.AppendLogEntries([]LogEntry{
		testEntry(1, 6, "a"),
		testEntry(2, 7, "b"),
	})
	require.NoError(t, err)

	err = store.WriteSnapshot(&Snapshot{
		LastIndex: 1,
		LastTerm:  6,
		Configuration: ClusterConfiguration{
			Servers: testServerSet("a", "b", "c"),
		},
		Data: []byte("data"),
	})
	require.NoError(t, err)

	store.Close()

	store = NewFileStore(dirPath)
	require.NoError(t, store.Open())
	defer store.Close()

	var state PersistentState
	require.NoError(t, store.ReadState(&state))
	assert.Equal(t, Term(7), state.CurrentTerm)
	assert.Equal(t, ServerId("c"), state.VotedFor)

	entries, err := store.ReadLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Term(6), entries[0].Term)
	assert.Equal(t, []byte("b"), entries[1].Data)

	snapshot, err := store.ReadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, LogIndex(1), snapshot.LastIndex)
	assert.Equal(t, []byte("data"), snapshot.Data)
}

func TestFileStoreSnapshotOverwrite(t *testing.T) {
	store := NewFileStore(t.TempDir())
	require.NoError(t, store.Open())
	defer store.Close()

	err := store.WriteSnapshot(&Snapshot{LastIndex: 1, LastTerm: 1,
		Data: []byte("old")})
	require.NoError(t, err)

	err = store.WriteSnapshot(&Snapshot{LastIndex: 5, LastTerm: 2,
		Data: []byte("new")})
	require.NoError(t, err)

	snapshot, err := store.ReadSnapshot()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, LogIndex(5), snapshot.LastIndex)
	assert.Equal(t, []byte("new"), snapshot.Data)
}
