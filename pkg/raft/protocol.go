package raft

import (
	"encoding/json"
	"fmt"
)

// Message classes used to route RPCs through a network transport.
const (
	MsgTypeRequestVote     = "raft.request_vote"
	MsgTypeAppendEntries   = "raft.append_entries"
	MsgTypeInstallSnapshot = "raft.install_snapshot"
)

type RPCMsg interface {
	GetType() string
	GetTerm() Term

	fmt.Stringer
}

// An IncomingRPC is a decoded request waiting for the main goroutine to
// produce its response. ResponseChan is buffered so that the main goroutine
// never blocks on a departed caller.
type IncomingRPC struct {
	SourceId     ServerId
	Msg          RPCMsg
	ResponseChan chan RPCMsg
}

type RPCRequestVoteRequest struct {
	Term         Term
	CandidateId  ServerId
	LastLogIndex LogIndex
	LastLogTerm  Term
}

func (msg *RPCRequestVoteRequest) GetType() string {
	return "requestVoteRequest"
}

func (msg *RPCRequestVoteRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteRequest) String() string {
	return fmt.Sprintf("RequestVoteRequest{term: %d, candidateId: %q, "+
		"lastLogIndex: %d, lastLogTerm: %d}",
		msg.Term, msg.CandidateId, msg.LastLogIndex, msg.LastLogTerm)
}

type RPCRequestVoteResponse struct {
	Term        Term
	VoteGranted bool
}

func (msg *RPCRequestVoteResponse) GetType() string {
	return "requestVoteResponse"
}

func (msg *RPCRequestVoteResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCRequestVoteResponse) String() string {
	return fmt.Sprintf("RequestVoteResponse{term: %d, voteGranted: %v}",
		msg.Term, msg.VoteGranted)
}

type RPCAppendEntriesRequest struct {
	Term         Term
	LeaderId     ServerId
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
}

func (msg *RPCAppendEntriesRequest) GetType() string {
	return "appendEntriesRequest"
}

func (msg *RPCAppendEntriesRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntriesRequest{term: %d, leaderId: %q, "+
		"prevLogIndex: %d, prevLogTerm: %d, %d entries, leaderCommit: %d}",
		msg.Term, msg.LeaderId, msg.PrevLogIndex, msg.PrevLogTerm,
		len(msg.Entries), msg.LeaderCommit)
}

type RPCAppendEntriesResponse struct {
	Term    Term
	Success bool

	// Replication progress when the request succeeded
	MatchIndex LogIndex

	// Backoff hints when the consistency check failed: the term of the
	// conflicting entry and the first index of that term, letting the
	// leader skip the whole term instead of probing entry by entry.
	ConflictIndex LogIndex
	ConflictTerm  Term
}

func (msg *RPCAppendEntriesResponse) GetType() string {
	return "appendEntriesResponse"
}

func (msg *RPCAppendEntriesResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCAppendEntriesResponse) String() string {
	return fmt.Sprintf("AppendEntriesResponse{term: %d, success: %v, "+
		"matchIndex: %d, conflictIndex: %d, conflictTerm: %d}",
		msg.Term, msg.Success, msg.MatchIndex, msg.ConflictIndex,
		msg.ConflictTerm)
}

type RPCInstallSnapshotRequest struct {
	Term              Term
	LeaderId          ServerId
	LastIncludedIndex LogIndex
	LastIncludedTerm  Term
	Configuration     ClusterConfiguration
	Offset            int64
	Data              []byte
	Done              bool
}

func (msg *RPCInstallSnapshotRequest) GetType() string {
	return "installSnapshotRequest"
}

func (msg *RPCInstallSnapshotRequest) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotRequest) String() string {
	return fmt.Sprintf("InstallSnapshotRequest{term: %d, leaderId: %q, "+
		"lastIncludedIndex: %d, lastIncludedTerm: %d, offset: %d, "+
		"%d bytes, done: %v}",
		msg.Term, msg.LeaderId, msg.LastIncludedIndex,
		msg.LastIncludedTerm, msg.Offset, len(msg.Data), msg.Done)
}

type RPCInstallSnapshotResponse struct {
	Term    Term
	Success bool
}

func (msg *RPCInstallSnapshotResponse) GetType() string {
	return "installSnapshotResponse"
}

func (msg *RPCInstallSnapshotResponse) GetTerm() Term {
	return msg.Term
}

func (msg *RPCInstallSnapshotResponse) String() string {
	return fmt.Sprintf("InstallSnapshotResponse{term: %d, success: %v}",
		msg.Term, msg.Success)
}

func EncodeRPCMsg(msg RPCMsg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value RPCMsg `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeRPCMsg(data []byte) (RPCMsg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg RPCMsg

	switch value.Type {
	case "requestVoteRequest":
		msg = &RPCRequestVoteRequest{}

	case "requestVoteResponse":
		msg = &RPCRequestVoteResponse{}

	case "appendEntriesRequest":
		msg = &RPCAppendEntriesRequest{}

	case "appendEntriesResponse":
		msg = &RPCAppendEntriesResponse{}

	case "installSnapshotRequest":
		msg = &RPCInstallSnapshotRequest{}

	case "installSnapshotResponse":
		msg = &RPCInstallSnapshotResponse{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, &msg); err != nil {
		return nil, err
	}

	return msg, nil
}

// MsgTypeOf maps a request to its transport message class.
func MsgTypeOf(msg RPCMsg) string {
	switch msg.(type) {
	case *RPCRequestVoteRequest:
		return MsgTypeRequestVote
	case *RPCAppendEntriesRequest:
		return MsgTypeAppendEntries
	case *RPCInstallSnapshotRequest:
		return MsgTypeInstallSnapshot
	}

	Panicf("message %v is not a request", msg)
	return ""
}

// IsRequest reports whether a message expects a response.
func IsRequest(msg RPCMsg) bool {
	switch msg.(type) {
	case *RPCRequestVoteRequest, *RPCAppendEntriesRequest,
		*RPCInstallSnapshotRequest:
		return true
	}

	return false
}

// RequestSource returns the identifier of the server which sent a request.
func RequestSource(msg RPCMsg) ServerId {
	switch m := msg.(type) {
	case *RPCRequestVoteRequest:
		return m.CandidateId
	case *RPCAppendEntriesRequest:
		return m.LeaderId
	case *RPCInstallSnapshotRequest:
		return m.LeaderId
	}

	Panicf("message %v is not a request", msg)
	return ""
}
