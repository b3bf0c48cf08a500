package coap

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/crawlins/kythira/pkg/future"
	"github.com/crawlins/kythira/pkg/metrics"
	"github.com/crawlins/kythira/pkg/raft"
)

// PathForMsgType maps a message class to the resource path it is posted
// to, e.g. "raft.append_entries" to "/raft/append_entries".
func PathForMsgType(msgType string) string {
	return "/" + strings.ReplaceAll(msgType, ".", "/")
}

type TransportCfg struct {
	Client ClientCfg
	Server ServerCfg
}

// A Transport adapts a Client and a Server into the network interfaces the
// consensus server consumes. Each message class is posted to its own path.
type Transport struct {
	client *Client
	server *Server
}

func NewTransport(cfg TransportCfg, logger Logger, m metrics.Metrics) (*Transport, error) {
	client, err := NewClient(cfg.Client, logger, m)
	if err != nil {
		return nil, fmt.Errorf("cannot create client: %w", err)
	}

	server, err := NewServer(cfg.Server, logger, m)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot create server: %w", err)
	}

	t := Transport{
		client: client,
		server: server,
	}

	return &t, nil
}

func (t *Transport) SendRequest(address raft.ServerAddress, msgType string, payload []byte, timeout time.Duration) *future.Future[[]byte] {
	return t.client.SendRequest(string(address), PathForMsgType(msgType),
		payload, timeout)
}

func (t *Transport) RegisterHandler(msgType string, handler raft.RequestHandler) {
	t.server.RegisterHandler(PathForMsgType(msgType),
		RequestHandler(handler))
}

func (t *Transport) Start() error {
	return t.server.Start()
}

func (t *Transport) Stop() {
	t.server.Stop()
	t.client.Close()
}

// Addr returns the address the server side is bound to.
func (t *Transport) Addr() net.Addr {
	return t.server.Addr()
}
