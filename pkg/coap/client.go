package coap

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/crawlins/kythira/pkg/future"
	"github.com/crawlins/kythira/pkg/metrics"
	"golang.org/x/sync/semaphore"
)

type ClientCfg struct {
	// MaxBlockSize is the fragment size of block-wise transfers; payloads
	// larger than it are split. Must be a power of two between 16 and 1024.
	MaxBlockSize int

	// AckTimeout is the wait before the first retransmission of a
	// confirmable message; each further attempt multiplies it by
	// RetransmitFactor, up to MaxRetransmit attempts.
	AckTimeout       time.Duration
	RetransmitFactor float64
	MaxRetransmit    int

	// MaxConcurrentRequests bounds in-flight requests; beyond it requests
	// fail immediately with ErrOverloaded.
	MaxConcurrentRequests int64

	SessionPool SessionPoolCfg

	CacheSize int
	CacheTTL  time.Duration
}

func DefaultClientCfg() ClientCfg {
	return ClientCfg{
		MaxBlockSize:          1024,
		AckTimeout:            2 * time.Second,
		RetransmitFactor:      2.0,
		MaxRetransmit:         4,
		MaxConcurrentRequests: 50,
		SessionPool:           DefaultSessionPoolCfg(),
		CacheSize:             100,
		CacheTTL:              60 * time.Second,
	}
}

// A Client sends confirmable requests to peers, fragmenting large payloads
// and retransmitting until acknowledged or out of attempts.
type Client struct {
	cfg     ClientCfg
	log     Logger
	metrics metrics.Metrics

	pool  *SessionPool
	cache *SerializationCache
	slots *semaphore.Weighted
}

func NewClient(cfg ClientCfg, logger Logger, m metrics.Metrics) (*Client, error) {
	defaults := DefaultClientCfg()

	if cfg.MaxBlockSize == 0 {
		cfg.MaxBlockSize = defaults.MaxBlockSize
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = defaults.AckTimeout
	}
	if cfg.RetransmitFactor == 0 {
		cfg.RetransmitFactor = defaults.RetransmitFactor
	}
	if cfg.MaxRetransmit == 0 {
		cfg.MaxRetransmit = defaults.MaxRetransmit
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}

	if !validBlockSize(cfg.MaxBlockSize) {
		return nil, fmt.Errorf("invalid block size %d: must be a power of "+
			"two between %d and %d", cfg.MaxBlockSize, MinBlockSize,
			MaxBlockSize)
	}

	if cfg.RetransmitFactor < 1.0 {
		return nil, fmt.Errorf("invalid retransmit factor %g: must be at "+
			"least 1.0", cfg.RetransmitFactor)
	}

	if m == nil {
		m = metrics.Nop
	}

	c := Client{
		cfg:     cfg,
		log:     logger,
		metrics: m,

		pool:  NewSessionPool(cfg.SessionPool, logger, m),
		cache: NewSerializationCache(cfg.CacheSize, cfg.CacheTTL, m),
		slots: semaphore.NewWeighted(cfg.MaxConcurrentRequests),
	}

	return &c, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// SendRequest posts a payload to a path on a peer. The returned future
// yields the response payload; it fails with ErrOverloaded when the
// concurrency limit is reached and with future.ErrTimeout when the peer
// stops answering.
func (c *Client) SendRequest(peer, path string, payload []byte, timeout time.Duration) *future.Future[[]byte] {
	promise := future.NewPromise[[]byte]()

	if !c.slots.TryAcquire(1) {
		c.metrics.Count("coap.overload_rejections", 1, nil)
		promise.Fail(fmt.Errorf("cannot send request to %q: %w",
			peer, ErrOverloaded))
		return promise.Future()
	}

	go func() {
		defer c.slots.Release(1)

		start := time.Now()
		labels := metrics.Labels{"path": path}

		response, err := c.exchange(peer, path, payload,
			start.Add(timeout))

		c.metrics.ObserveDuration("coap.request_duration",
			time.Since(start), labels)

		if err != nil {
			c.metrics.Count("coap.request_failures", 1, labels)
			promise.Fail(err)
			return
		}

		promise.Resolve(response)
	}()

	return promise.Future()
}

func (c *Client) exchange(peer, path string, payload []byte, deadline time.Time) ([]byte, error) {
	session, err := c.pool.Get(peer)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(session)

	if ShouldUseBlockTransfer(payload, c.cfg.MaxBlockSize) {
		return c.exchangeBlockwise(session, path, payload, deadline, true)
	}

	return c.exchangeSingle(session, path, payload, deadline)
}

func (c *Client) exchangeSingle(session *Session, path string, payload []byte, deadline time.Time) ([]byte, error) {
	key := c.cache.Key([]byte(path), payload)

	template, found := c.cache.Get(key)
	if !found {
		msg := Message{
			Type:    TypeConfirmable,
			Code:    CodePost,
			Token:   make([]byte, TokenLength),
			Payload: payload,
		}
		msg.SetPath(path)

		template = msg.Encode()
		c.cache.Put(key, template)
	}

	token := NewToken()
	datagram := materializeDatagram(template, session.messageId(), token)

	response, err := c.confirmExchange(session, datagram, token, deadline)
	if err != nil {
		return nil, err
	}

	return checkResponse(response, session.peer)
}

func (c *Client) exchangeBlockwise(session *Session, path string, payload []byte, deadline time.Time, retryIncomplete bool) ([]byte, error) {
	blocks := SplitPayloadIntoBlocks(payload, c.cfg.MaxBlockSize)
	token := NewToken()

	c.metrics.Count("coap.block_transfers_sent", 1, nil)

	for i, block := range blocks {
		msg := Message{
			Type:      TypeConfirmable,
			Code:      CodePost,
			MessageId: session.messageId(),
			Token:     token,
			Payload:   block,
		}
		msg.SetPath(path)

		blockOption := BlockOption{
			Num:  uint32(i),
			More: i < len(blocks)-1,
			Size: c.cfg.MaxBlockSize,
		}
		msg.AddOption(OptionBlock1, blockOption.Value())

		response, err := c.confirmExchange(session, msg.Encode(), token,
			deadline)
		if err != nil {
			return nil, err
		}

		if !blockOption.More {
			return checkResponse(response, session.peer)
		}

		if response.Code == CodeRequestEntityIncomplete && retryIncomplete {
			// The peer lost its reassembly state; start over once.
			return c.exchangeBlockwise(session, path, payload, deadline,
				false)
		}

		if response.Code != CodeContinue {
			return nil, fmt.Errorf("peer %q answered %v to an "+
				"intermediate block", session.peer, response.Code)
		}
	}

	return nil, fmt.Errorf("empty block transfer")
}

// confirmExchange sends a datagram and waits for its response,
// retransmitting the same bytes with exponential backoff. Acknowledgments
// for an earlier message id on the same token are ignored.
func (c *Client) confirmExchange(session *Session, datagram, token []byte, deadline time.Time) (*Message, error) {
	messageId := binary.BigEndian.Uint16(datagram[2:4])

	responseChan := session.expect(token)
	defer session.forget(token)

	delay := c.cfg.AckTimeout

	for attempt := 0; attempt <= c.cfg.MaxRetransmit; attempt++ {
		if attempt > 0 {
			c.metrics.Count("coap.retransmissions", 1, nil)
			c.log.Debug(2, "retransmitting message %d to %q (attempt %d)",
				messageId, session.peer, attempt)
		}

		if err := session.write(datagram); err != nil {
			return nil, err
		}

		wait := delay
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}

		if wait <= 0 {
			break
		}

		timer := time.NewTimer(wait)

	waitResponse:
		for {
			select {
			case response := <-responseChan:
				if response.Type == TypeAcknowledgment &&
					response.MessageId != messageId {
					continue waitResponse
				}

				timer.Stop()
				return response, nil

			case <-timer.C:
				break waitResponse
			}
		}

		delay = time.Duration(float64(delay) * c.cfg.RetransmitFactor)
	}

	c.metrics.Count("coap.request_timeouts", 1, nil)

	return nil, fmt.Errorf("no response from %q for message %d: %w",
		session.peer, messageId, future.ErrTimeout)
}

func checkResponse(msg *Message, peer string) ([]byte, error) {
	switch {
	case msg.Code == CodeServiceUnavailable:
		return nil, fmt.Errorf("peer %q overloaded: %w", peer, ErrOverloaded)

	case !msg.Code.IsSuccess():
		return nil, fmt.Errorf("peer %q answered %v", peer, msg.Code)
	}

	return msg.Payload, nil
}

// materializeDatagram instantiates a cached wire template for one exchange.
// Templates are encoded with a zeroed message id and token, which sit at
// fixed offsets since every token is TokenLength bytes.
func materializeDatagram(template []byte, messageId uint16, token []byte) []byte {
	datagram := make([]byte, len(template))
	copy(datagram, template)

	binary.BigEndian.PutUint16(datagram[2:4], messageId)
	copy(datagram[4:4+TokenLength], token)

	return datagram
}

func validBlockSize(size int) bool {
	for s := MinBlockSize; s <= MaxBlockSize; s <<= 1 {
		if s == size {
			return true
		}
	}

	return false
}
