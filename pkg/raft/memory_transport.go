package raft

import (
	"fmt"
	"sync"
	"time"

	"github.com/crawlins/kythira/pkg/future"
)

// A MemoryNetwork connects in-process endpoints, mostly for tests. Links
// between endpoints can be cut and restored to simulate partitions;
// requests crossing a cut link are silently dropped and surface as
// timeouts on the caller side.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[ServerAddress]*MemoryEndpoint
	cutLinks  map[memoryLink]bool
}

type memoryLink struct {
	from ServerAddress
	to   ServerAddress
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[ServerAddress]*MemoryEndpoint),
		cutLinks:  make(map[memoryLink]bool),
	}
}

// Endpoint returns the endpoint bound to an address, creating it if
// needed. An endpoint is both the client and the server side of the
// transport.
func (n *MemoryNetwork) Endpoint(address ServerAddress) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if e, found := n.endpoints[address]; found {
		return e
	}

	e := &MemoryEndpoint{
		network:  n,
		address:  address,
		handlers: make(map[string]RequestHandler),
		inbox:    make(chan memoryDelivery, 128),
		stopChan: make(chan struct{}),
	}

	n.endpoints[address] = e

	return e
}

// Cut severs the links between two addresses in both directions.
func (n *MemoryNetwork) Cut(a, b ServerAddress) {
	n.mu.Lock()
	n.cutLinks[memoryLink{a, b}] = true
	n.cutLinks[memoryLink{b, a}] = true
	n.mu.Unlock()
}

// Restore re-establishes the links between two addresses.
func (n *MemoryNetwork) Restore(a, b ServerAddress) {
	n.mu.Lock()
	delete(n.cutLinks, memoryLink{a, b})
	delete(n.cutLinks, memoryLink{b, a})
	n.mu.Unlock()
}

// Isolate severs every link involving an address.
func (n *MemoryNetwork) Isolate(address ServerAddress) {
	n.mu.Lock()
	for other := range n.endpoints {
		if other != address {
			n.cutLinks[memoryLink{address, other}] = true
			n.cutLinks[memoryLink{other, address}] = true
		}
	}
	n.mu.Unlock()
}

// Rejoin restores every link involving an address.
func (n *MemoryNetwork) Rejoin(address ServerAddress) {
	n.mu.Lock()
	for link := range n.cutLinks {
		if link.from == address || link.to == address {
			delete(n.cutLinks, link)
		}
	}
	n.mu.Unlock()
}

// HealAll restores every link.
func (n *MemoryNetwork) HealAll() {
	n.mu.Lock()
	n.cutLinks = make(map[memoryLink]bool)
	n.mu.Unlock()
}

func (n *MemoryNetwork) route(from, to ServerAddress) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.cutLinks[memoryLink{from, to}] {
		return nil
	}

	return n.endpoints[to]
}

type memoryDelivery struct {
	msgType string
	payload []byte
	promise *future.Promise[[]byte]
}

// A MemoryEndpoint delivers incoming requests sequentially, preserving the
// send order of each peer.
type MemoryEndpoint struct {
	network *MemoryNetwork
	address ServerAddress

	mu       sync.Mutex
	handlers map[string]RequestHandler
	started  bool

	inbox    chan memoryDelivery
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func (e *MemoryEndpoint) Address() ServerAddress {
	return e.address
}

func (e *MemoryEndpoint) RegisterHandler(msgType string, handler RequestHandler) {
	e.mu.Lock()
	e.handlers[msgType] = handler
	e.mu.Unlock()
}

func (e *MemoryEndpoint) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("endpoint %q already started", e.address)
	}

	e.started = true

	e.wg.Add(1)
	go e.deliver()

	return nil
}

func (e *MemoryEndpoint) Stop() {
	e.mu.Lock()

	if !e.started {
		e.mu.Unlock()
		return
	}

	e.started = false
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	e.mu.Lock()
	e.stopChan = make(chan struct{})
	e.mu.Unlock()
}

func (e *MemoryEndpoint) SendRequest(address ServerAddress, msgType string, payload []byte, timeout time.Duration) *future.Future[[]byte] {
	promise := future.NewPromise[[]byte]()

	target := e.network.route(e.address, address)
	if target == nil {
		// Dropped, exactly as a lost datagram would be
		return future.WithTimeout(promise.Future(), timeout)
	}

	delivery := memoryDelivery{
		msgType: msgType,
		payload: append([]byte(nil), payload...),
		promise: promise,
	}

	select {
	case target.inbox <- delivery:
	default:
		// Full inbox behaves as packet loss
	}

	return future.WithTimeout(promise.Future(), timeout)
}

func (e *MemoryEndpoint) deliver() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return

		case delivery := <-e.inbox:
			e.mu.Lock()
			handler := e.handlers[delivery.msgType]
			e.mu.Unlock()

			if handler == nil {
				delivery.promise.Fail(fmt.Errorf("no handler for %q",
					delivery.msgType))
				continue
			}

			response, err := handler(delivery.payload)
			if err != nil {
				delivery.promise.Fail(err)
			} else {
				delivery.promise.Resolve(response)
			}
		}
	}
}
