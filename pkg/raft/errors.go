package raft

import "errors"

var (
	// ErrNotLeader is returned when an operation requiring leadership is
	// submitted to a follower or candidate.
	ErrNotLeader = errors.New("not leader")

	// ErrLeadershipLost fails pending operations when the server loses
	// leadership before they commit.
	ErrLeadershipLost = errors.New("leadership lost")

	// ErrUnavailable is returned when too many peers are unreachable for a
	// quorum decision.
	ErrUnavailable = errors.New("quorum unavailable")

	// ErrStopped fails pending operations when the server shuts down.
	ErrStopped = errors.New("server stopped")

	// ErrChangeInProgress is returned when a configuration change is
	// requested while another one is still being synchronized.
	ErrChangeInProgress = errors.New("configuration change in progress")
)
