package coap

import (
	"testing"
	"time"

	"github.com/crawlins/kythira/pkg/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ raft.NetworkClient = (*Transport)(nil)
	_ raft.NetworkServer = (*Transport)(nil)
)

func TestPathForMsgType(t *testing.T) {
	assert.Equal(t, "/raft/request_vote",
		PathForMsgType(raft.MsgTypeRequestVote))
	assert.Equal(t, "/raft/append_entries",
		PathForMsgType(raft.MsgTypeAppendEntries))
	assert.Equal(t, "/raft/install_snapshot",
		PathForMsgType(raft.MsgTypeInstallSnapshot))
}

func TestTransportRoundtrip(t *testing.T) {
	cfg := TransportCfg{
		Server: ServerCfg{Address: "127.0.0.1:0"},
	}

	transport, err := NewTransport(cfg, newTestLogger("coap"), nil)
	require.NoError(t, err)

	transport.RegisterHandler(raft.MsgTypeRequestVote,
		func(payload []byte) ([]byte, error) {
			return append([]byte("seen:"), payload...), nil
		})

	require.NoError(t, transport.Start())
	t.Cleanup(transport.Stop)

	address := raft.ServerAddress(transport.Addr().String())

	response, err := transport.SendRequest(address, raft.MsgTypeRequestVote,
		[]byte("ballot"), time.Second).Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("seen:ballot"), response)

	// An unregistered message class is rejected by the peer.
	_, err = transport.SendRequest(address, raft.MsgTypeAppendEntries,
		[]byte("x"), time.Second).Result()
	assert.Error(t, err)
}
