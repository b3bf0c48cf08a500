package coap

import (
	"bytes"
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMulticastValidation(t *testing.T) {
	_, err := NewMulticast(MulticastCfg{}, PeerInfo{}, nil,
		newTestLogger("mc"), nil)
	assert.Error(t, err)

	mc, err := NewMulticast(MulticastCfg{},
		PeerInfo{Id: "n1", Address: "127.0.0.1:5683"}, nil,
		newTestLogger("mc"), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMulticastGroup, mc.cfg.Group)
}

func TestMulticastHandleAnnouncement(t *testing.T) {
	var peers []PeerInfo
	onPeer := func(info PeerInfo) {
		peers = append(peers, info)
	}

	mc, err := NewMulticast(MulticastCfg{},
		PeerInfo{Id: "n1", Address: "127.0.0.1:4001"}, onPeer,
		newTestLogger("mc"), nil)
	require.NoError(t, err)

	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}

	announce := func(info PeerInfo) *Message {
		payload, err := json.Marshal(info)
		require.NoError(t, err)

		msg := Message{
			Type:      TypeNonConfirmable,
			Code:      CodePost,
			MessageId: randMessageId(),
			Token:     NewToken(),
			Payload:   payload,
		}
		msg.SetPath("/discovery/announce")

		return &msg
	}

	mc.handleDatagram(announce(PeerInfo{Id: "n2",
		Address: "127.0.0.1:4002"}).Encode(), peer)
	require.Len(t, peers, 1)
	assert.Equal(t, "n2", peers[0].Id)
	assert.Equal(t, "127.0.0.1:4002", peers[0].Address)

	// Own announcements are ignored.
	mc.handleDatagram(announce(PeerInfo{Id: "n1",
		Address: "127.0.0.1:4001"}).Encode(), peer)
	assert.Len(t, peers, 1)

	// Announcements with an incomplete identity are ignored.
	mc.handleDatagram(announce(PeerInfo{Id: "n3"}).Encode(), peer)
	assert.Len(t, peers, 1)

	// Confirmable messages are not part of the discovery protocol.
	confirmable := announce(PeerInfo{Id: "n4", Address: "127.0.0.1:4004"})
	confirmable.Type = TypeConfirmable
	mc.handleDatagram(confirmable.Encode(), peer)
	assert.Len(t, peers, 1)

	// Malformed datagrams are dropped.
	mc.handleDatagram([]byte{0x00, 0x01}, peer)
	mc.handleDatagram(bytes.Repeat([]byte{0xff}, 6), peer)
	assert.Len(t, peers, 1)

	// Announcements which do not carry JSON are dropped.
	bad := announce(PeerInfo{Id: "n5", Address: "127.0.0.1:4005"})
	bad.Payload = []byte("{not json")
	mc.handleDatagram(bad.Encode(), peer)
	assert.Len(t, peers, 1)
}
