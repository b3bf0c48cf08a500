package coap

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crawlins/kythira/pkg/future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestServer(t *testing.T, cfg ServerCfg) *Server {
	t.Helper()

	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}

	server, err := NewServer(cfg, newTestLogger("server"), nil)
	require.NoError(t, err)

	return server
}

func startTestServer(t *testing.T, server *Server) string {
	t.Helper()

	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)

	return server.Addr().String()
}

func newTestClient(t *testing.T, cfg ClientCfg) *Client {
	t.Helper()

	client, err := NewClient(cfg, newTestLogger("client"), nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

func sendAndReceive(t *testing.T, conn *net.UDPConn, datagram []byte) []byte {
	t.Helper()

	_, err := conn.Write(datagram)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	buf := make([]byte, MaxDatagramSize)
	nbBytes, err := conn.Read(buf)
	require.NoError(t, err)

	return append([]byte(nil), buf[:nbBytes]...)
}

func TestClientServerRoundtrip(t *testing.T) {
	server := newTestServer(t, ServerCfg{})
	server.RegisterHandler("/echo", func(payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	})
	addr := startTestServer(t, server)

	client := newTestClient(t, ClientCfg{})

	response, err := client.SendRequest(addr, "/echo", []byte("ping"),
		time.Second).Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:ping"), response)

	// A second identical request reuses the cached wire template.
	response, err = client.SendRequest(addr, "/echo", []byte("ping"),
		time.Second).Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:ping"), response)
}

func TestClientServerBlockwise(t *testing.T) {
	payloadChan := make(chan []byte, 1)

	server := newTestServer(t, ServerCfg{})
	server.RegisterHandler("/data", func(payload []byte) ([]byte, error) {
		payloadChan <- append([]byte(nil), payload...)
		return []byte(fmt.Sprintf("%d", len(payload))), nil
	})
	addr := startTestServer(t, server)

	client := newTestClient(t, ClientCfg{MaxBlockSize: 256})

	payload := testPayload(2048)

	response, err := client.SendRequest(addr, "/data", payload,
		5*time.Second).Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("2048"), response)

	select {
	case received := <-payloadChan:
		assert.Equal(t, payload, received)
	default:
		t.Fatal("handler never received the payload")
	}
}

func TestClientServerNotFound(t *testing.T) {
	server := newTestServer(t, ServerCfg{})
	addr := startTestServer(t, server)

	client := newTestClient(t, ClientCfg{})

	_, err := client.SendRequest(addr, "/nowhere", []byte("x"),
		time.Second).Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4.04")
}

func TestClientServerHandlerError(t *testing.T) {
	server := newTestServer(t, ServerCfg{})
	server.RegisterHandler("/fail", func([]byte) ([]byte, error) {
		return nil, errors.New("boom")
	})
	addr := startTestServer(t, server)

	client := newTestClient(t, ClientCfg{})

	_, err := client.SendRequest(addr, "/fail", []byte("x"),
		time.Second).Result()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5.00")
}

func TestClientOverload(t *testing.T) {
	blockChan := make(chan struct{})

	server := newTestServer(t, ServerCfg{})
	server.RegisterHandler("/slow", func([]byte) ([]byte, error) {
		<-blockChan
		return []byte("done"), nil
	})
	addr := startTestServer(t, server)

	client := newTestClient(t, ClientCfg{MaxConcurrentRequests: 1})

	f1 := client.SendRequest(addr, "/slow", []byte("a"), 5*time.Second)

	_, err := client.SendRequest(addr, "/slow", []byte("b"),
		time.Second).Result()
	assert.ErrorIs(t, err, ErrOverloaded)

	close(blockChan)

	response, err := f1.Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), response)
}

func TestServerOverload(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})

	server := newTestServer(t, ServerCfg{MaxConcurrentRequests: 1})
	server.RegisterHandler("/slow", func([]byte) ([]byte, error) {
		entered <- struct{}{}
		<-unblock
		return nil, nil
	})
	addr := startTestServer(t, server)

	client := newTestClient(t, ClientCfg{})

	f1 := client.SendRequest(addr, "/slow", []byte("a"), 5*time.Second)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		close(unblock)
		t.Fatal("handler never invoked")
	}

	_, err := client.SendRequest(addr, "/slow", []byte("b"),
		2*time.Second).Result()
	assert.ErrorIs(t, err, ErrOverloaded)

	close(unblock)

	_, err = f1.Result()
	require.NoError(t, err)
}

func TestServerDedup(t *testing.T) {
	var calls int32

	server := newTestServer(t, ServerCfg{})
	server.RegisterHandler("/count", func(payload []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("counted"), nil
	})
	addr := startTestServer(t, server)

	peerAddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)

	conn, err := net.DialUDP("udp", nil, peerAddr)
	require.NoError(t, err)
	defer conn.Close()

	request := Message{
		Type:      TypeConfirmable,
		Code:      CodePost,
		MessageId: 1234,
		Token:     NewToken(),
		Payload:   []byte("x"),
	}
	request.SetPath("/count")
	datagram := request.Encode()

	// The same confirmable message sent twice is handled once; the second
	// copy is answered from the response cache.
	response1 := sendAndReceive(t, conn, datagram)
	response2 := sendAndReceive(t, conn, datagram)

	assert.Equal(t, response1, response2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	decoded, err := ParseMessage(response1)
	require.NoError(t, err)
	assert.Equal(t, TypeAcknowledgment, decoded.Type)
	assert.Equal(t, CodeChanged, decoded.Code)
	assert.Equal(t, uint16(1234), decoded.MessageId)
	assert.Equal(t, request.Token, decoded.Token)
}

func TestServerIgnoresMalformedDatagrams(t *testing.T) {
	server := newTestServer(t, ServerCfg{})
	server.RegisterHandler("/echo", func(payload []byte) ([]byte, error) {
		return payload, nil
	})
	addr := startTestServer(t, server)

	peerAddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)

	conn, err := net.DialUDP("udp", nil, peerAddr)
	require.NoError(t, err)
	defer conn.Close()

	garbage := [][]byte{
		{0x00},
		bytes.Repeat([]byte{0x00}, 8),
		bytes.Repeat([]byte{0xff}, 8),
		{0x40, 0x01, 0x00, 0x01, 0xf0},
	}

	for _, data := range garbage {
		_, err := conn.Write(data)
		require.NoError(t, err)
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 64)
	_, err = conn.Read(buf)
	assert.Error(t, err)

	// The server is still alive and answers well-formed requests.
	request := NewRequest(CodePost, "/echo")
	request.MessageId = 7
	request.Payload = []byte("still here")

	response := sendAndReceive(t, conn, request.Encode())

	decoded, err := ParseMessage(response)
	require.NoError(t, err)
	assert.Equal(t, CodeChanged, decoded.Code)
	assert.Equal(t, []byte("still here"), decoded.Payload)
}

func TestClientRetransmission(t *testing.T) {
	listener, err := net.ListenUDP("udp",
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	// Drop the first copy of the request, answer the retransmission.
	go func() {
		buf := make([]byte, MaxDatagramSize)

		for i := 0; ; i++ {
			nbBytes, peer, err := listener.ReadFromUDP(buf)
			if err != nil {
				return
			}

			if i == 0 {
				continue
			}

			msg, err := ParseMessage(buf[:nbBytes])
			if err != nil {
				continue
			}

			response := NewResponse(msg, CodeChanged, []byte("pong"))
			listener.WriteToUDP(response.Encode(), peer)
		}
	}()

	client := newTestClient(t, ClientCfg{
		AckTimeout:    50 * time.Millisecond,
		MaxRetransmit: 4,
	})

	start := time.Now()

	response, err := client.SendRequest(listener.LocalAddr().String(),
		"/anything", []byte("ping"), 5*time.Second).Result()
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), response)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestClientTimeout(t *testing.T) {
	listener, err := net.ListenUDP("udp",
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	client := newTestClient(t, ClientCfg{
		AckTimeout:    20 * time.Millisecond,
		MaxRetransmit: 2,
	})

	_, err = client.SendRequest(listener.LocalAddr().String(), "/void",
		[]byte("x"), time.Second).Result()
	assert.ErrorIs(t, err, future.ErrTimeout)
}

func TestClientServerConcurrentRequests(t *testing.T) {
	server := newTestServer(t, ServerCfg{})
	server.RegisterHandler("/echo", func(payload []byte) ([]byte, error) {
		return payload, nil
	})
	addr := startTestServer(t, server)

	client := newTestClient(t, ClientCfg{})

	// Concurrent exchanges share the pooled session; tokens keep the
	// interleaved responses apart.
	var group errgroup.Group

	for i := 0; i < 20; i++ {
		payload := []byte(fmt.Sprintf("request-%d", i))

		group.Go(func() error {
			response, err := client.SendRequest(addr, "/echo", payload,
				5*time.Second).Result()
			if err != nil {
				return err
			}

			if !bytes.Equal(payload, response) {
				return fmt.Errorf("got %q, expected %q", response, payload)
			}

			return nil
		})
	}

	require.NoError(t, group.Wait())
}
