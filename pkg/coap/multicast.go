package coap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/crawlins/kythira/pkg/future"
	"github.com/crawlins/kythira/pkg/metrics"
)

const (
	DefaultMulticastGroup = "224.0.1.187:5683"

	discoveryPath = "/discovery"
	announcePath  = "/discovery/announce"
)

// PeerInfo is the identity a node advertises on the discovery group.
type PeerInfo struct {
	Id      string `json:"id"`
	Address string `json:"address"`
}

type MulticastCfg struct {
	// Group is the multicast group to join.
	Group string

	// AnnounceInterval is the period of unsolicited announcements; zero
	// disables them.
	AnnounceInterval time.Duration
}

// Multicast joins a discovery group on which nodes announce themselves and
// answer discovery requests with their unicast identity. Everything on the
// group is non-confirmable; a lost datagram is simply a peer learned later.
type Multicast struct {
	cfg     MulticastCfg
	local   PeerInfo
	onPeer  func(PeerInfo)
	log     Logger
	metrics metrics.Metrics

	localPayload []byte
	groupAddr    *net.UDPAddr
	conn         *net.UDPConn

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMulticast creates a group member advertising the local identity.
// onPeer is called for every announcement received from another node; it
// may be nil.
func NewMulticast(cfg MulticastCfg, local PeerInfo, onPeer func(PeerInfo), logger Logger, m metrics.Metrics) (*Multicast, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultMulticastGroup
	}

	if local.Id == "" || local.Address == "" {
		return nil, fmt.Errorf("missing local identity")
	}

	localPayload, err := json.Marshal(local)
	if err != nil {
		return nil, fmt.Errorf("cannot encode local identity: %w", err)
	}

	if m == nil {
		m = metrics.Nop
	}

	mc := Multicast{
		cfg:     cfg,
		local:   local,
		onPeer:  onPeer,
		log:     logger,
		metrics: m,

		localPayload: localPayload,

		stopChan: make(chan struct{}),
	}

	return &mc, nil
}

func (m *Multicast) Start() error {
	groupAddr, err := net.ResolveUDPAddr("udp4", m.cfg.Group)
	if err != nil {
		return fmt.Errorf("cannot resolve group %q: %w", m.cfg.Group, err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("cannot join group %q: %w", m.cfg.Group, err)
	}

	m.groupAddr = groupAddr
	m.conn = conn

	m.log.Info("joined discovery group %s", groupAddr)

	m.wg.Add(1)
	go m.serve()

	if m.cfg.AnnounceInterval > 0 {
		m.wg.Add(1)
		go m.announcer()
	}

	return nil
}

func (m *Multicast) Stop() {
	close(m.stopChan)

	if m.conn != nil {
		m.conn.Close()
	}

	m.wg.Wait()
}

// Announce broadcasts the local identity to the group.
func (m *Multicast) Announce() error {
	msg := Message{
		Type:      TypeNonConfirmable,
		Code:      CodePost,
		MessageId: randMessageId(),
		Token:     NewToken(),
		Payload:   m.localPayload,
	}
	msg.SetPath(announcePath)

	if _, err := m.conn.WriteToUDP(msg.Encode(), m.groupAddr); err != nil {
		return fmt.Errorf("cannot send announcement: %w", err)
	}

	m.metrics.Count("coap.announcements_sent", 1, nil)

	return nil
}

// Discover broadcasts a discovery request and collects the answers
// arriving before the timeout. The future resolves to the peers found,
// possibly none.
func (m *Multicast) Discover(timeout time.Duration) *future.Future[[]PeerInfo] {
	promise := future.NewPromise[[]PeerInfo]()

	go func() {
		peers, err := m.discover(timeout)
		if err != nil {
			promise.Fail(err)
			return
		}

		promise.Resolve(peers)
	}()

	return promise.Future()
}

func (m *Multicast) discover(timeout time.Duration) ([]PeerInfo, error) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create discovery socket: %w", err)
	}
	defer conn.Close()

	request := Message{
		Type:      TypeNonConfirmable,
		Code:      CodePost,
		MessageId: randMessageId(),
		Token:     NewToken(),
	}
	request.SetPath(discoveryPath)

	if _, err := conn.WriteToUDP(request.Encode(), m.groupAddr); err != nil {
		return nil, fmt.Errorf("cannot send discovery request: %w", err)
	}

	m.metrics.Count("coap.discovery_requests", 1, nil)

	conn.SetReadDeadline(time.Now().Add(timeout))

	var peers []PeerInfo
	seen := make(map[string]struct{})
	buf := make([]byte, 2048)

	for {
		nbBytes, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return peers, nil
			}

			return nil, fmt.Errorf("cannot read discovery response: %w", err)
		}

		msg, err := ParseMessage(buf[:nbBytes])
		if err != nil {
			m.metrics.Count("coap.malformed_messages", 1, nil)
			continue
		}

		if !bytes.Equal(msg.Token, request.Token) ||
			msg.Code != CodeContent {
			continue
		}

		var peer PeerInfo
		if err := json.Unmarshal(msg.Payload, &peer); err != nil {
			m.log.Debug(1, "invalid discovery response: %v", err)
			continue
		}

		if peer.Id == "" || peer.Id == m.local.Id {
			continue
		}

		if _, duplicate := seen[peer.Id]; duplicate {
			continue
		}
		seen[peer.Id] = struct{}{}

		peers = append(peers, peer)
	}
}

func (m *Multicast) serve() {
	defer m.wg.Done()

	buf := make([]byte, 2048)

	for {
		nbBytes, peer, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			m.log.Error("cannot read multicast datagram: %v", err)
			continue
		}

		m.handleDatagram(buf[:nbBytes], peer)
	}
}

func (m *Multicast) handleDatagram(data []byte, peer *net.UDPAddr) {
	msg, err := ParseMessage(data)
	if err != nil {
		m.metrics.Count("coap.malformed_messages", 1, nil)
		m.log.Debug(2, "dropping multicast datagram from %s: %v", peer, err)
		return
	}

	if msg.Type != TypeNonConfirmable || !msg.Code.IsRequest() {
		return
	}

	switch msg.Path() {
	case discoveryPath:
		m.handleDiscovery(msg, peer)

	case announcePath:
		m.handleAnnouncement(msg, peer)

	default:
		m.log.Debug(2, "unknown multicast path %q from %s",
			msg.Path(), peer)
	}
}

func (m *Multicast) handleDiscovery(msg *Message, peer *net.UDPAddr) {
	response := NewResponse(msg, CodeContent, m.localPayload)

	if _, err := m.conn.WriteToUDP(response.Encode(), peer); err != nil {
		m.log.Debug(1, "cannot answer discovery from %s: %v", peer, err)
		return
	}

	m.metrics.Count("coap.discovery_responses", 1, nil)
}

func (m *Multicast) handleAnnouncement(msg *Message, peer *net.UDPAddr) {
	var info PeerInfo
	if err := json.Unmarshal(msg.Payload, &info); err != nil {
		m.log.Debug(1, "invalid announcement from %s: %v", peer, err)
		return
	}

	if info.Id == "" || info.Address == "" || info.Id == m.local.Id {
		return
	}

	m.metrics.Count("coap.announcements_received", 1, nil)

	if m.onPeer != nil {
		m.onPeer(info)
	}
}

func (m *Multicast) announcer() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.AnnounceInterval)
	defer ticker.Stop()

	if err := m.Announce(); err != nil {
		m.log.Error("%v", err)
	}

	for {
		select {
		case <-m.stopChan:
			return

		case <-ticker.C:
			if err := m.Announce(); err != nil {
				m.log.Error("%v", err)
			}
		}
	}
}
