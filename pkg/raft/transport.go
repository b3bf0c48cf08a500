package raft

import (
	"fmt"
	"time"

	"github.com/crawlins/kythira/pkg/future"
)

// A NetworkClient sends an encoded RPC to a peer and resolves the returned
// future with the peer's encoded response. The timeout covers the whole
// exchange; transport-level retransmissions happen inside it.
type NetworkClient interface {
	SendRequest(address ServerAddress, msgType string, payload []byte, timeout time.Duration) *future.Future[[]byte]
}

// A RequestHandler produces the encoded response for an incoming request.
type RequestHandler func(payload []byte) ([]byte, error)

// A NetworkServer delivers incoming requests to the handler registered for
// their message class. Handlers run on transport goroutines and must not
// touch server state directly.
type NetworkServer interface {
	RegisterHandler(msgType string, handler RequestHandler)
	Start() error
	Stop()
}

// SendRPC encodes a request, sends it through the client and decodes the
// response.
func SendRPC(client NetworkClient, address ServerAddress, req RPCMsg, timeout time.Duration) *future.Future[RPCMsg] {
	payload, err := EncodeRPCMsg(req)
	if err != nil {
		return future.Failed[RPCMsg](fmt.Errorf("cannot encode message: %w",
			err))
	}

	respFuture := client.SendRequest(address, MsgTypeOf(req), payload, timeout)

	return future.Then(respFuture, func(data []byte) (RPCMsg, error) {
		msg, err := DecodeRPCMsg(data)
		if err != nil {
			return nil, fmt.Errorf("cannot decode response: %w", err)
		}

		return msg, nil
	})
}

// SendRPCWithRetry sends a request and retries failed exchanges according
// to the policy. The returned future resolves with the first response and
// fails once the policy is exhausted. Cancelling the future stops further
// attempts.
func SendRPCWithRetry(client NetworkClient, address ServerAddress, req RPCMsg, timeout time.Duration, policy RetryPolicy) *future.Future[RPCMsg] {
	p := future.NewPromise[RPCMsg]()
	f := p.Future()

	var attempt func(n int)

	attempt = func(n int) {
		if _, _, completed := f.Poll(); completed {
			return
		}

		SendRPC(client, address, req, timeout).Subscribe(
			func(msg RPCMsg, err error) {
				if err == nil {
					p.Resolve(msg)
					return
				}

				if policy.Exhausted(n + 1) {
					p.Fail(err)
					return
				}

				time.AfterFunc(policy.Delay(n+1), func() {
					attempt(n + 1)
				})
			})
	}

	attempt(1)

	return f
}
