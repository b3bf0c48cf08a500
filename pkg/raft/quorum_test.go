package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlins/kythira/pkg/future"
)

func votePromises(ids ...ServerId) (map[ServerId]*future.Promise[bool], map[ServerId]*future.Future[bool]) {
	promises := make(map[ServerId]*future.Promise[bool])
	futures := make(map[ServerId]*future.Future[bool])

	for _, id := range ids {
		p := future.NewPromise[bool]()
		promises[id] = p
		futures[id] = p.Future()
	}

	return promises, futures
}

func TestCollectQuorumResolvesOnMajority(t *testing.T) {
	cfg := ClusterConfiguration{Servers: testServerSet("a", "b", "c")}
	promises, futures := votePromises("b", "c")

	decision := CollectQuorum(&cfg, futures, "a")

	_, _, completed := decision.Poll()
	assert.False(t, completed)

	promises["b"].Resolve(true)

	result, err := decision.Result()
	require.NoError(t, err)
	assert.True(t, result.Granted["a"])
	assert.True(t, result.Granted["b"])

	// The minority future is cancelled once the decision is made
	assert.True(t, futures["c"].Canceled())
}

func TestCollectQuorumFailsFast(t *testing.T) {
	cfg := ClusterConfiguration{Servers: testServerSet("a", "b", "c", "d",
		"e")}
	promises, futures := votePromises("b", "c", "d", "e")

	decision := CollectQuorum(&cfg, futures, "a")

	promises["b"].Resolve(false)
	promises["c"].Fail(future.ErrTimeout)

	_, _, completed := decision.Poll()
	assert.False(t, completed)

	// Third refusal: only two grants remain possible out of five
	promises["d"].Resolve(false)

	_, err := decision.Result()
	require.ErrorIs(t, err, ErrUnavailable)

	assert.True(t, futures["e"].Canceled())
}

func TestCollectQuorumSingleServer(t *testing.T) {
	cfg := ClusterConfiguration{Servers: testServerSet("a")}

	decision := CollectQuorum(&cfg, nil, "a")

	result, err := decision.Result()
	require.NoError(t, err)
	assert.True(t, result.Granted["a"])
}

func TestCollectQuorumMissingFuturesCountRefused(t *testing.T) {
	cfg := ClusterConfiguration{Servers: testServerSet("a", "b", "c")}

	// No way to reach "b" or "c": the decision fails without waiting
	decision := CollectQuorum(&cfg, nil, "a")

	_, err := decision.Result()
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCollectQuorumJoint(t *testing.T) {
	old := ClusterConfiguration{Servers: testServerSet("a", "b", "c")}
	cfg := old.MakeJoint(testServerSet("a", "d", "e"))

	promises, futures := votePromises("b", "c", "d", "e")

	decision := CollectQuorum(&cfg, futures, "a")

	// A majority of the old set only does not decide anything
	promises["b"].Resolve(true)

	select {
	case <-decision.Done():
		t.Fatal("decision made without a majority of the new set")
	case <-time.After(50 * time.Millisecond):
	}

	promises["d"].Resolve(true)

	result, err := decision.Result()
	require.NoError(t, err)
	assert.Len(t, result.Granted, 3)
}
