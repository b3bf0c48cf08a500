package coap

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/crawlins/kythira/pkg/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"
)

// A RequestHandler processes the payload posted to a path and returns the
// response payload.
type RequestHandler func(payload []byte) ([]byte, error)

type ServerCfg struct {
	// Address is the UDP address to listen on.
	Address string

	// MaxRequestSize bounds incoming datagrams and reassembled payloads;
	// anything larger is dropped.
	MaxRequestSize int

	// MaxConcurrentRequests bounds requests being handled; beyond it the
	// server answers 5.03.
	MaxConcurrentRequests int64

	// BlockTransferTimeout is how long an incomplete block transfer is
	// kept before its fragments are dropped.
	BlockTransferTimeout time.Duration

	// DedupTimeout is how long responses to confirmable requests are
	// remembered so that retransmitted requests are answered without
	// being handled twice.
	DedupTimeout time.Duration
	DedupSize    int

	// MaxReassemblyBytes bounds the memory held by incomplete block
	// transfers; above it the oldest transfers are shed.
	MaxReassemblyBytes int
}

func DefaultServerCfg() ServerCfg {
	return ServerCfg{
		MaxRequestSize:        65536,
		MaxConcurrentRequests: 100,
		BlockTransferTimeout:  5 * time.Minute,
		DedupTimeout:          2 * time.Minute,
		DedupSize:             4096,
		MaxReassemblyBytes:    8 << 20,
	}
}

type dedupKey struct {
	peer      string
	messageId uint16
}

// A Server answers confirmable requests on a UDP socket. Fragmented
// requests are reassembled, retransmitted requests answered from a
// response cache, and load beyond the concurrency limit shed with 5.03.
type Server struct {
	cfg     ServerCfg
	log     Logger
	metrics metrics.Metrics

	conn     *net.UDPConn
	handlers map[string]RequestHandler

	reassembler *Reassembler
	dedup       *expirable.LRU[dedupKey, []byte]
	slots       *semaphore.Weighted

	mutex    sync.Mutex
	inflight map[dedupKey]struct{}

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewServer(cfg ServerCfg, logger Logger, m metrics.Metrics) (*Server, error) {
	defaults := DefaultServerCfg()

	if cfg.Address == "" {
		return nil, fmt.Errorf("missing listening address")
	}

	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = defaults.MaxRequestSize
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}
	if cfg.BlockTransferTimeout == 0 {
		cfg.BlockTransferTimeout = defaults.BlockTransferTimeout
	}
	if cfg.DedupTimeout == 0 {
		cfg.DedupTimeout = defaults.DedupTimeout
	}
	if cfg.DedupSize == 0 {
		cfg.DedupSize = defaults.DedupSize
	}
	if cfg.MaxReassemblyBytes == 0 {
		cfg.MaxReassemblyBytes = defaults.MaxReassemblyBytes
	}

	if m == nil {
		m = metrics.Nop
	}

	s := Server{
		cfg:     cfg,
		log:     logger,
		metrics: m,

		handlers: make(map[string]RequestHandler),

		reassembler: NewReassembler(cfg.MaxRequestSize,
			cfg.BlockTransferTimeout, m),
		dedup: expirable.NewLRU[dedupKey, []byte](cfg.DedupSize, nil,
			cfg.DedupTimeout),
		slots: semaphore.NewWeighted(cfg.MaxConcurrentRequests),

		inflight: make(map[dedupKey]struct{}),

		stopChan: make(chan struct{}),
	}

	return &s, nil
}

// RegisterHandler binds a handler to a path. All handlers must be
// registered before Start.
func (s *Server) RegisterHandler(path string, handler RequestHandler) {
	s.handlers[path] = handler
}

func (s *Server) Start() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("cannot resolve address %q: %w",
			s.cfg.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", s.cfg.Address, err)
	}

	s.conn = conn

	s.log.Info("listening on %s", conn.LocalAddr())

	s.wg.Add(2)
	go s.serve()
	go s.janitor()

	return nil
}

func (s *Server) Stop() {
	close(s.stopChan)

	if s.conn != nil {
		s.conn.Close()
	}

	s.wg.Wait()
}

// Addr returns the bound address, which differs from the configured one
// when listening on an ephemeral port.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) serve() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)

	for {
		nbBytes, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.log.Error("cannot read datagram: %v", err)
			continue
		}

		data := make([]byte, nbBytes)
		copy(data, buf[:nbBytes])

		s.handleDatagram(data, peer)
	}
}

func (s *Server) handleDatagram(data []byte, peer *net.UDPAddr) {
	if len(data) > s.cfg.MaxRequestSize {
		s.metrics.Count("coap.oversized_messages", 1, nil)
		s.log.Debug(1, "dropping %d byte datagram from %s", len(data), peer)
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		s.metrics.Count("coap.malformed_messages", 1, nil)
		s.log.Debug(1, "dropping datagram from %s: %v", peer, err)
		return
	}

	if !msg.Code.IsRequest() {
		s.log.Debug(2, "ignoring %v %v message from %s",
			msg.Type, msg.Code, peer)
		return
	}

	key := dedupKey{peer: peer.String(), messageId: msg.MessageId}

	if msg.Type == TypeConfirmable {
		if datagram, found := s.dedup.Get(key); found {
			s.metrics.Count("coap.duplicate_messages", 1, nil)
			s.writeDatagram(datagram, peer)
			return
		}

		// A retransmission can arrive while the first copy is still
		// being handled; it is dropped, the response cache will cover
		// the next one.
		s.mutex.Lock()
		_, processing := s.inflight[key]
		if !processing {
			s.inflight[key] = struct{}{}
		}
		s.mutex.Unlock()

		if processing {
			s.metrics.Count("coap.duplicate_messages", 1, nil)
			return
		}
	}

	if !s.slots.TryAcquire(1) {
		s.metrics.Count("coap.overload_rejections", 1, nil)
		s.respond(peer, msg, CodeServiceUnavailable, nil)
		s.clearInflight(key, msg)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearInflight(key, msg)
		defer s.slots.Release(1)

		s.processRequest(msg, peer)
	}()
}

func (s *Server) clearInflight(key dedupKey, msg *Message) {
	if msg.Type != TypeConfirmable {
		return
	}

	s.mutex.Lock()
	delete(s.inflight, key)
	s.mutex.Unlock()
}

func (s *Server) processRequest(msg *Message, peer *net.UDPAddr) {
	payload := msg.Payload

	if value, found := msg.Option(OptionBlock1); found {
		block, err := ParseBlockOption(value)
		if err != nil {
			s.metrics.Count("coap.malformed_messages", 1, nil)
			s.respond(peer, msg, CodeBadRequest, nil)
			return
		}

		assembled, done, err := s.reassembler.Add(msg.Token, block,
			msg.Payload)
		if err != nil {
			s.log.Debug(1, "block transfer from %s failed: %v", peer, err)
			s.respond(peer, msg, CodeRequestEntityIncomplete, nil)
			return
		}

		if !done {
			s.respond(peer, msg, CodeContinue, nil)
			return
		}

		payload = assembled
	}

	s.dispatch(msg, peer, payload)
}

func (s *Server) dispatch(msg *Message, peer *net.UDPAddr, payload []byte) {
	path := msg.Path()

	handler, found := s.handlers[path]
	if !found {
		s.log.Debug(1, "no handler for %q", path)
		s.respond(peer, msg, CodeNotFound, nil)
		return
	}

	start := time.Now()
	labels := metrics.Labels{"path": path}

	response, err := handler(payload)

	s.metrics.ObserveDuration("coap.handler_duration", time.Since(start),
		labels)

	if err != nil {
		s.log.Error("cannot handle request on %q: %v", path, err)
		s.metrics.Count("coap.handler_failures", 1, labels)
		s.respond(peer, msg, CodeInternalServerError, nil)
		return
	}

	s.respond(peer, msg, CodeChanged, response)
}

func (s *Server) respond(peer *net.UDPAddr, req *Message, code Code, payload []byte) {
	response := NewResponse(req, code, payload)
	datagram := response.Encode()

	if req.Type == TypeConfirmable {
		key := dedupKey{peer: peer.String(), messageId: req.MessageId}
		s.dedup.Add(key, datagram)
	}

	s.writeDatagram(datagram, peer)
}

func (s *Server) writeDatagram(datagram []byte, peer *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(datagram, peer); err != nil {
		s.log.Debug(1, "cannot write datagram to %s: %v", peer, err)
	}
}

func (s *Server) janitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BlockTransferTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return

		case <-ticker.C:
			s.reassembler.CleanupExpired()
			s.handleResourceExhaustion()
		}
	}
}

// handleResourceExhaustion sheds the oldest incomplete transfers when the
// memory they hold crosses the limit.
func (s *Server) handleResourceExhaustion() {
	buffered := s.reassembler.BufferedBytes()
	s.metrics.SetGauge("coap.reassembly_bytes", float64(buffered), nil)

	if buffered <= s.cfg.MaxReassemblyBytes {
		return
	}

	nbShed := s.reassembler.Shed()

	s.log.Info("reassembly memory exhausted (%d bytes buffered), "+
		"shed %d transfers", buffered, nbShed)
	s.metrics.Count("coap.resource_exhaustions", 1, nil)
}
