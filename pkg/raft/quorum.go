package raft

import (
	"sync"

	"github.com/crawlins/kythira/pkg/future"
)

// A QuorumResult lists the servers whose response counted toward the
// quorum.
type QuorumResult struct {
	Granted map[ServerId]bool
}

// CollectQuorum aggregates per-server boolean futures into a single
// decision future. The decision resolves as soon as granted responses form
// a quorum of the configuration, and fails with ErrUnavailable as soon as
// enough servers have refused or failed that a quorum cannot be reached
// anymore. Either way, outstanding futures are cancelled.
//
// Servers listed in preGranted count as granted without a future; the
// usual case is the local server. Servers of the configuration with
// neither a future nor a pre-granted vote count as refused.
func CollectQuorum(cfg *ClusterConfiguration, futures map[ServerId]*future.Future[bool], preGranted ...ServerId) *future.Future[QuorumResult] {
	c := quorumCollector{
		cfg:     cfg.Clone(),
		futures: futures,
		granted: make(map[ServerId]bool),
		refused: make(map[ServerId]bool),
		promise: future.NewPromise[QuorumResult](),
	}

	for _, id := range preGranted {
		c.granted[id] = true
	}

	for id := range c.cfg.AllServers() {
		if _, found := futures[id]; !found && !c.granted[id] {
			c.refused[id] = true
		}
	}

	c.check()

	for id, f := range futures {
		id := id

		f.Subscribe(func(granted bool, err error) {
			c.onResponse(id, granted && err == nil)
		})
	}

	return c.promise.Future()
}

type quorumCollector struct {
	mu sync.Mutex

	cfg     ClusterConfiguration
	futures map[ServerId]*future.Future[bool]

	granted map[ServerId]bool
	refused map[ServerId]bool

	decided bool
	promise *future.Promise[QuorumResult]
}

func (c *quorumCollector) onResponse(id ServerId, granted bool) {
	c.mu.Lock()

	if c.decided {
		c.mu.Unlock()
		return
	}

	if granted {
		c.granted[id] = true
	} else {
		c.refused[id] = true
	}

	c.mu.Unlock()

	c.check()
}

func (c *quorumCollector) check() {
	c.mu.Lock()

	if c.decided {
		c.mu.Unlock()
		return
	}

	reached := c.cfg.HasQuorum(c.granted)
	unreachable := !reached && c.cfg.QuorumUnreachable(c.granted, c.refused)

	if !reached && !unreachable {
		c.mu.Unlock()
		return
	}

	c.decided = true

	granted := make(map[ServerId]bool, len(c.granted))
	for id := range c.granted {
		granted[id] = true
	}

	c.mu.Unlock()

	if reached {
		c.promise.Resolve(QuorumResult{Granted: granted})
	} else {
		c.promise.Fail(ErrUnavailable)
	}

	for _, f := range c.futures {
		f.Cancel()
	}
}
