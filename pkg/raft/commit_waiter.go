package raft

import (
	"github.com/crawlins/kythira/pkg/future"
)

// commitWaiters tracks the promises of submitted entries until they are
// applied. It is owned by the server goroutine and must not be shared.
//
// Once an entry is committed its promise is guaranteed to resolve, so on
// leadership loss only waiters above the commit index are failed.
type commitWaiters struct {
	waiters map[LogIndex]commitWaiter
}

type commitWaiter struct {
	term    Term
	promise *future.Promise[SubmitResult]
}

func newCommitWaiters() *commitWaiters {
	return &commitWaiters{
		waiters: make(map[LogIndex]commitWaiter),
	}
}

func (ws *commitWaiters) Add(index LogIndex, term Term, promise *future.Promise[SubmitResult]) {
	if _, found := ws.waiters[index]; found {
		Panicf("duplicate commit waiter for log entry %d", index)
	}

	ws.waiters[index] = commitWaiter{
		term:    term,
		promise: promise,
	}
}

// Fulfill settles the waiter registered at index, if any. The waiter
// resolves if the applied entry carries the term it was registered with,
// and fails otherwise: the entry it was waiting for has been overwritten
// by another leader.
func (ws *commitWaiters) Fulfill(index LogIndex, term Term) {
	w, found := ws.waiters[index]
	if !found {
		return
	}

	delete(ws.waiters, index)

	if w.term == term {
		w.promise.Resolve(SubmitResult{Index: index, Term: term})
	} else {
		w.promise.Fail(ErrLeadershipLost)
	}
}

// FailAbove fails every waiter registered above index.
func (ws *commitWaiters) FailAbove(index LogIndex, err error) {
	for i, w := range ws.waiters {
		if i > index {
			delete(ws.waiters, i)
			w.promise.Fail(err)
		}
	}
}

// FailAll fails every waiter.
func (ws *commitWaiters) FailAll(err error) {
	for i, w := range ws.waiters {
		delete(ws.waiters, i)
		w.promise.Fail(err)
	}
}

func (ws *commitWaiters) Len() int {
	return len(ws.waiters)
}
