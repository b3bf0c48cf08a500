package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/crawlins/kythira/pkg/future"
	"github.com/crawlins/kythira/pkg/metrics"
)

type ServerCfg struct {
	Id      ServerId
	Servers ServerSet

	Store        Store
	StateMachine StateMachine

	Client    NetworkClient
	Transport NetworkServer

	Logger  Logger
	Metrics metrics.Metrics

	Tuning *Tuning
}

// A ServerStatus is a snapshot of the observable state of a server.
type ServerStatus struct {
	Id     ServerId    `json:"id"`
	State  ServerState `json:"state"`
	Term   Term        `json:"term"`
	Leader ServerId    `json:"leader,omitempty"`

	CommitIndex   LogIndex `json:"commitIndex"`
	LastApplied   LogIndex `json:"lastApplied"`
	LastLogIndex  LogIndex `json:"lastLogIndex"`
	SnapshotIndex LogIndex `json:"snapshotIndex"`

	Configuration ClusterConfiguration `json:"configuration"`
}

type Server struct {
	Cfg ServerCfg
	Log Logger

	Id            ServerId
	LocalAddress  ServerAddress
	PublicAddress ServerAddress

	state         ServerState
	currentLeader ServerId

	commitIndex LogIndex
	lastApplied LogIndex

	persistentState PersistentState

	log *Log

	// Configuration currently in effect, i.e. the latest configuration
	// entry of the log, committed or not.
	configuration ClusterConfiguration
	configIndex   LogIndex

	// Configuration carried by the latest snapshot
	snapshotConfiguration ClusterConfiguration

	// Leader only
	nextIndex         map[ServerId]LogIndex
	matchIndex        map[ServerId]LogIndex
	inflight          map[ServerId]bool
	snapshotTransfers map[ServerId]*snapshotTransfer
	departing         map[ServerId]ServerData
	waiters           *commitWaiters
	configChange      *configChange

	// Candidate only
	electionDecision *future.Future[QuorumResult]

	// Follower only
	pendingSnapshot *pendingSnapshot

	// Internal
	store   Store
	machine StateMachine

	netClient NetworkClient
	netServer NetworkServer

	tuning  *Tuning
	metrics metrics.Metrics

	randGenerator *rand.Rand

	heartbeatTicker *time.Ticker
	electionTimer   *time.Timer // follower or candidate only

	rpcChan   chan IncomingRPC
	eventChan chan serverEvent

	halted    bool
	errorChan chan<- error

	// stopChan asks the main goroutine to stop; doneChan is closed once it
	// stops consuming events, releasing blocked callers.
	stopChan chan struct{}
	doneChan chan struct{}

	wg sync.WaitGroup
}

type serverEvent interface{}

type submitEvent struct {
	data    []byte
	promise *future.Promise[SubmitResult]
}

type configChangeEvent struct {
	servers ServerSet
	promise *future.Promise[ClusterConfiguration]
}

type peerResponseEvent struct {
	peerId ServerId
	req    RPCMsg
	res    RPCMsg
	err    error
}

type electionResultEvent struct {
	term    Term
	nbVotes int
	err     error
}

type applyRetryEvent struct{}

type statusEvent struct {
	replyChan chan ServerStatus
}

type configChange struct {
	promise *future.Promise[ClusterConfiguration]
}

type snapshotTransfer struct {
	snapshot *Snapshot
	offset   int
}

type pendingSnapshot struct {
	lastIndex LogIndex
	lastTerm  Term
	data      []byte
}

func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty server id")
	}

	// A server outside its own bootstrap set is a joining server: it stays
	// passive until a configuration change brings it in.
	sdata := cfg.Servers[cfg.Id]

	if cfg.Store == nil {
		return nil, fmt.Errorf("missing store")
	}

	if cfg.StateMachine == nil {
		return nil, fmt.Errorf("missing state machine")
	}

	if cfg.Client == nil {
		return nil, fmt.Errorf("missing network client")
	}

	if cfg.Transport == nil {
		return nil, fmt.Errorf("missing network server")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop
	}

	if cfg.Tuning == nil {
		tuning := DefaultTuning()
		cfg.Tuning = &tuning
	}

	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}

	randSource := rand.NewSource(time.Now().UnixNano())

	s := &Server{
		Cfg: cfg,
		Log: cfg.Logger,

		Id:            cfg.Id,
		LocalAddress:  sdata.LocalAddress,
		PublicAddress: sdata.PublicAddress,

		log: NewLog(),

		waiters: newCommitWaiters(),

		store:   cfg.Store,
		machine: cfg.StateMachine,

		netClient: cfg.Client,
		netServer: cfg.Transport,

		tuning:  cfg.Tuning,
		metrics: cfg.Metrics,

		randGenerator: rand.New(randSource),

		rpcChan:   make(chan IncomingRPC),
		eventChan: make(chan serverEvent),

		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	return s, nil
}

func (s *Server) Start(errorChan chan<- error) error {
	s.Log.Debug(1, "starting")

	s.errorChan = errorChan

	if err := s.store.Open(); err != nil {
		return fmt.Errorf("cannot open store: %w", err)
	}

	if err := s.store.ReadState(&s.persistentState); err != nil {
		return fmt.Errorf("cannot read persistent state: %w", err)
	}

	s.Log.Debug(1, "initial persistent state: currentTerm %d, votedFor %q",
		s.persistentState.CurrentTerm, s.persistentState.VotedFor)

	// The server set of the configuration is only used the very first time
	// the server starts; afterwards membership comes from the snapshot and
	// the log.
	s.snapshotConfiguration = ClusterConfiguration{
		Servers: cloneServerSet(s.Cfg.Servers),
	}

	snapshot, err := s.store.ReadSnapshot()
	if err != nil {
		return fmt.Errorf("cannot read snapshot: %w", err)
	}

	if snapshot != nil {
		if err := s.machine.Restore(snapshot.Data); err != nil {
			return fmt.Errorf("cannot restore state machine: %w", err)
		}

		s.snapshotConfiguration = snapshot.Configuration

		s.commitIndex = snapshot.LastIndex
		s.lastApplied = snapshot.LastIndex

		s.Log.Debug(1, "restored snapshot up to entry %d", snapshot.LastIndex)
	}

	entries, err := s.store.ReadLogEntries()
	if err != nil {
		return fmt.Errorf("cannot read log entries: %w", err)
	}

	var snapshotIndex LogIndex
	var snapshotTerm Term

	if snapshot != nil {
		snapshotIndex = snapshot.LastIndex
		snapshotTerm = snapshot.LastTerm

		// The store can retain entries covered by the snapshot if the
		// server stopped between the snapshot write and the compaction.
		kept := make([]LogEntry, 0, len(entries))
		for i := range entries {
			if entries[i].Index > snapshotIndex {
				kept = append(kept, entries[i])
			}
		}
		entries = kept
	}

	s.log.Restore(snapshotIndex, snapshotTerm, entries)
	s.updateEffectiveConfiguration()

	s.Log.Debug(1, "log restored with %d entries, last index %d",
		len(entries), s.log.LastIndex())

	handler := s.handleTransportRequest
	s.netServer.RegisterHandler(MsgTypeRequestVote, handler)
	s.netServer.RegisterHandler(MsgTypeAppendEntries, handler)
	s.netServer.RegisterHandler(MsgTypeInstallSnapshot, handler)

	if err := s.netServer.Start(); err != nil {
		return fmt.Errorf("cannot start network server: %w", err)
	}

	s.state = ServerStateFollower

	s.setupHeartbeatTicker()
	s.setupElectionTimer()

	s.wg.Add(1)
	go s.main()

	s.Log.Debug(1, "started")

	return nil
}

func (s *Server) Stop() {
	s.Log.Debug(1, "stopping")

	close(s.stopChan)
	s.wg.Wait()

	s.Log.Debug(1, "stopped")
}

// Submit hands a command to the cluster. The returned future resolves once
// the command has been committed and applied, and fails with ErrNotLeader
// when this server cannot accept submissions.
func (s *Server) Submit(data []byte) *future.Future[SubmitResult] {
	promise := future.NewPromise[SubmitResult]()

	select {
	case s.eventChan <- submitEvent{data: data, promise: promise}:
	case <-s.doneChan:
		promise.Fail(ErrStopped)
	}

	return future.WithTimeout(promise.Future(), s.tuning.SubmitTimeout.Std())
}

// ChangeConfiguration replaces the cluster membership with the given
// server set. The returned future resolves with the new configuration once
// both phases of the change have been committed.
func (s *Server) ChangeConfiguration(servers ServerSet) *future.Future[ClusterConfiguration] {
	promise := future.NewPromise[ClusterConfiguration]()

	event := configChangeEvent{
		servers: cloneServerSet(servers),
		promise: promise,
	}

	select {
	case s.eventChan <- event:
	case <-s.doneChan:
		promise.Fail(ErrStopped)
	}

	return future.WithTimeout(promise.Future(),
		s.tuning.ConfigurationChangeTimeout.Std())
}

// Status reports the current state of the server.
func (s *Server) Status() (ServerStatus, error) {
	event := statusEvent{replyChan: make(chan ServerStatus, 1)}

	select {
	case s.eventChan <- event:
	case <-s.doneChan:
		return ServerStatus{}, ErrStopped
	}

	select {
	case status := <-event.replyChan:
		return status, nil
	case <-s.doneChan:
		return ServerStatus{}, ErrStopped
	}
}

func (s *Server) handleTransportRequest(payload []byte) ([]byte, error) {
	msg, err := DecodeRPCMsg(payload)
	if err != nil {
		return nil, fmt.Errorf("cannot decode message: %w", err)
	}

	if !IsRequest(msg) {
		return nil, fmt.Errorf("unexpected message %v", msg)
	}

	incoming := IncomingRPC{
		SourceId:     RequestSource(msg),
		Msg:          msg,
		ResponseChan: make(chan RPCMsg, 1),
	}

	select {
	case s.rpcChan <- incoming:
	case <-s.doneChan:
		return nil, ErrStopped
	}

	select {
	case res := <-incoming.ResponseChan:
		return EncodeRPCMsg(res)
	case <-s.doneChan:
		return nil, ErrStopped
	}
}

func (s *Server) pushEvent(event serverEvent) {
	select {
	case s.eventChan <- event:
	case <-s.doneChan:
	}
}

func (s *Server) main() {
	defer s.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			s.Log.Error("panic: %s\n%s", msg, trace)

			s.errorChan <- fmt.Errorf("panic: %s", msg)
			s.shutdown()
		}
	}()

	for {
		select {
		case <-s.stopChan:
			s.shutdown()
			return

		case <-s.heartbeatTicker.C:
			s.onHeartbeatTicker()

		case <-s.electionTimer.C:
			s.onElectionTimer()

		case incoming := <-s.rpcChan:
			s.onIncomingRPC(incoming)

		case event := <-s.eventChan:
			s.onEvent(event)
		}

		if s.halted {
			s.shutdown()
			return
		}
	}
}

func (s *Server) shutdown() {
	s.Log.Debug(1, "shutting down")

	// Release callers blocked on the event channels before stopping the
	// network server, whose handlers may be among them
	close(s.doneChan)

	s.netServer.Stop()

	s.heartbeatTicker.Stop()
	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	if s.electionDecision != nil {
		s.electionDecision.Cancel()
		s.electionDecision = nil
	}

	s.waiters.FailAll(ErrStopped)

	if s.configChange != nil {
		s.configChange.promise.Fail(ErrStopped)
		s.configChange = nil
	}

	s.store.Close()
}

// halt puts the server out of service after an unrecoverable fault,
// typically a failed durable write. Continuing with unpersisted state
// could contradict promises made to other servers.
func (s *Server) halt(err error) {
	if s.halted {
		return
	}

	s.halted = true

	s.Log.Error("halting: %v", err)

	s.errorChan <- err
}

func (s *Server) onEvent(event serverEvent) {
	switch ev := event.(type) {
	case submitEvent:
		s.onSubmit(ev)

	case configChangeEvent:
		s.onConfigurationChange(ev)

	case peerResponseEvent:
		s.onPeerResponse(ev)

	case electionResultEvent:
		s.onElectionResult(ev)

	case applyRetryEvent:
		s.applyEntries()

	case statusEvent:
		ev.replyChan <- s.status()

	default:
		Panicf("unexpected event %#v", event)
	}
}

func (s *Server) status() ServerStatus {
	return ServerStatus{
		Id:     s.Id,
		State:  s.state,
		Term:   s.persistentState.CurrentTerm,
		Leader: s.currentLeader,

		CommitIndex:   s.commitIndex,
		LastApplied:   s.lastApplied,
		LastLogIndex:  s.log.LastIndex(),
		SnapshotIndex: s.log.SnapshotIndex(),

		Configuration: s.configuration.Clone(),
	}
}

func (s *Server) onHeartbeatTicker() {
	if s.state != ServerStateLeader {
		return
	}

	s.replicateAll()
}

func (s *Server) onElectionTimer() {
	switch s.state {
	case ServerStateFollower:
		s.startElection()

	case ServerStateCandidate:
		s.onElectionTimeout()

	default:
		Panicf("unexpected election timer activation in state %v", s.state)
	}
}

func (s *Server) onIncomingRPC(incoming IncomingRPC) {
	msg := incoming.Msg

	s.Log.Debug(2, "received %v from %s", msg, incoming.SourceId)

	if term := msg.GetTerm(); term > s.persistentState.CurrentTerm {
		// A higher term means we are out-of-date and must revert to
		// follower before processing the request.

		s.Log.Debug(1, "received message with term %d (current term: %d), "+
			"reverting to follower", term, s.persistentState.CurrentTerm)

		pstate := PersistentState{CurrentTerm: term, VotedFor: ""}
		if err := s.updatePersistentState(pstate); err != nil {
			s.halt(err)
			return
		}

		s.revertToFollower()
	}

	var res RPCMsg

	switch req := msg.(type) {
	case *RPCRequestVoteRequest:
		res = s.onRequestVote(req)
	case *RPCAppendEntriesRequest:
		res = s.onAppendEntries(req)
	case *RPCInstallSnapshotRequest:
		res = s.onInstallSnapshot(req)
	default:
		Panicf("unexpected message %v from %s", msg, incoming.SourceId)
	}

	if res != nil {
		incoming.ResponseChan <- res
	}
}

func (s *Server) onRequestVote(req *RPCRequestVoteRequest) RPCMsg {
	pstate := s.persistentState

	res := RPCRequestVoteResponse{Term: pstate.CurrentTerm}

	if req.Term < pstate.CurrentTerm {
		// Stale candidate; the term in the response will update it
		return &res
	}

	noVoteGranted := pstate.VotedFor == ""
	sameVoteGranted := pstate.VotedFor == req.CandidateId

	// The candidate must be at least as up-to-date as we are
	lastTerm := s.log.LastTerm()
	logUpToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= s.log.LastIndex())

	if (noVoteGranted || sameVoteGranted) && logUpToDate {
		pstate.VotedFor = req.CandidateId

		if err := s.updatePersistentState(pstate); err != nil {
			s.halt(err)
			return nil
		}

		res.VoteGranted = true

		s.Log.Debug(1, "granting vote to %s for term %d",
			req.CandidateId, req.Term)

		if s.state == ServerStateFollower {
			s.resetElectionTimer()
		}
	}

	return &res
}

func (s *Server) onAppendEntries(req *RPCAppendEntriesRequest) RPCMsg {
	res := RPCAppendEntriesResponse{Term: s.persistentState.CurrentTerm}

	if req.Term < s.persistentState.CurrentTerm {
		// Stale leader; the term in the response will depose it
		return &res
	}

	// The request comes from the leader of the current term

	if s.state == ServerStateCandidate {
		s.revertToFollower()
	}

	if req.LeaderId != s.currentLeader {
		s.Log.Info("leader is %s", req.LeaderId)
		s.currentLeader = req.LeaderId
	}

	if s.state == ServerStateFollower {
		s.resetElectionTimer()
	}

	// Consistency check on the entry preceding the new ones
	prevTerm, ok := s.log.TermAt(req.PrevLogIndex)
	if !ok {
		if req.PrevLogIndex > s.log.LastIndex() {
			// Our log is too short; tell the leader where it ends
			res.ConflictIndex = s.log.LastIndex() + 1
		} else {
			// The previous entry has been compacted into our snapshot,
			// which only contains committed entries; the leader will fall
			// back to the first retained index.
			res.ConflictIndex = s.log.FirstIndex()
		}

		return &res
	}

	if prevTerm != req.PrevLogTerm {
		// Conflicting previous entry; hint at the whole conflicting term
		// so that the leader does not have to probe entry by entry.
		res.ConflictTerm = prevTerm

		if first, found := s.log.FirstIndexOfTerm(prevTerm); found {
			res.ConflictIndex = first
		} else {
			res.ConflictIndex = s.log.FirstIndex()
		}

		return &res
	}

	if s.appendFromLeader(req.Entries) != nil {
		// The server is halting; no response will be sent
		return nil
	}

	if req.LeaderCommit > s.commitIndex {
		commitIndex := req.LeaderCommit
		if lastIndex := s.log.LastIndex(); commitIndex > lastIndex {
			commitIndex = lastIndex
		}

		s.updateCommitIndex(commitIndex)

		if s.halted {
			return nil
		}
	}

	res.Success = true
	res.MatchIndex = req.PrevLogIndex + LogIndex(len(req.Entries))

	return &res
}

// appendFromLeader reconciles the log with entries received from the
// leader: entries we already have are skipped, a conflicting suffix is
// dropped, and the remainder is appended.
func (s *Server) appendFromLeader(entries []LogEntry) error {
	truncated := false

	for len(entries) > 0 {
		entry := &entries[0]

		if entry.Index <= s.log.SnapshotIndex() {
			// Covered by our snapshot, necessarily committed and identical
			entries = entries[1:]
			continue
		}

		term, ok := s.log.TermAt(entry.Index)
		if !ok {
			// Past the end of our log; everything left is new
			break
		}

		if term == entry.Term {
			entries = entries[1:]
			continue
		}

		// Conflict: our entry was never committed, drop it and everything
		// after it
		if entry.Index <= s.commitIndex {
			Panicf("conflict on committed log entry %d", entry.Index)
		}

		if err := s.store.TruncateLogSuffix(entry.Index); err != nil {
			err = fmt.Errorf("cannot truncate log: %w", err)
			s.halt(err)
			return err
		}

		s.log.TruncateSuffix(entry.Index)
		truncated = true

		break
	}

	hasConfiguration := false
	for i := range entries {
		if entries[i].Type == LogEntryConfiguration {
			hasConfiguration = true
		}
	}

	if len(entries) > 0 {
		if err := s.store.AppendLogEntries(entries); err != nil {
			err = fmt.Errorf("cannot append log entries: %w", err)
			s.halt(err)
			return err
		}

		s.log.Append(entries...)

		s.metrics.Count("raft.entries_appended", float64(len(entries)), nil)
	}

	if truncated || hasConfiguration {
		s.updateEffectiveConfiguration()
	}

	return nil
}

func (s *Server) onInstallSnapshot(req *RPCInstallSnapshotRequest) RPCMsg {
	res := RPCInstallSnapshotResponse{Term: s.persistentState.CurrentTerm}

	if req.Term < s.persistentState.CurrentTerm {
		return &res
	}

	if s.state == ServerStateCandidate {
		s.revertToFollower()
	}

	if req.LeaderId != s.currentLeader {
		s.Log.Info("leader is %s", req.LeaderId)
		s.currentLeader = req.LeaderId
	}

	if s.state == ServerStateFollower {
		s.resetElectionTimer()
	}

	if req.LastIncludedIndex <= s.commitIndex {
		// We already have everything the snapshot contains. Accepting it
		// would discard committed state for nothing.
		res.Success = true
		return &res
	}

	if req.Offset == 0 {
		s.pendingSnapshot = &pendingSnapshot{
			lastIndex: req.LastIncludedIndex,
			lastTerm:  req.LastIncludedTerm,
		}
	}

	p := s.pendingSnapshot

	if p == nil || p.lastIndex != req.LastIncludedIndex ||
		p.lastTerm != req.LastIncludedTerm || req.Offset != int64(len(p.data)) {
		// Out of sequence; the leader will restart from the beginning
		s.Log.Debug(1, "rejecting out-of-sequence snapshot chunk at "+
			"offset %d", req.Offset)

		s.pendingSnapshot = nil
		return &res
	}

	p.data = append(p.data, req.Data...)

	if !req.Done {
		res.Success = true
		return &res
	}

	s.pendingSnapshot = nil

	snapshot := Snapshot{
		LastIndex:     p.lastIndex,
		LastTerm:      p.lastTerm,
		Configuration: req.Configuration,
		Data:          p.data,
	}

	if err := s.installSnapshot(&snapshot); err != nil {
		s.halt(err)
		return nil
	}

	s.Log.Info("installed snapshot up to entry %d", snapshot.LastIndex)
	s.metrics.Count("raft.snapshots_installed", 1, nil)

	res.Success = true
	return &res
}

func (s *Server) installSnapshot(snapshot *Snapshot) error {
	if err := s.store.WriteSnapshot(snapshot); err != nil {
		return fmt.Errorf("cannot write snapshot: %w", err)
	}

	term, ok := s.log.TermAt(snapshot.LastIndex)

	if ok && term == snapshot.LastTerm {
		// Our log extends past the snapshot; keep the suffix
		if err := s.store.CompactLogPrefix(snapshot.LastIndex); err != nil {
			return fmt.Errorf("cannot compact log: %w", err)
		}

		s.log.CompactPrefix(snapshot.LastIndex, snapshot.LastTerm)
	} else {
		// Our log conflicts with the snapshot; discard it entirely
		if err := s.store.TruncateLogSuffix(0); err != nil {
			return fmt.Errorf("cannot truncate log: %w", err)
		}

		s.log.Restore(snapshot.LastIndex, snapshot.LastTerm, nil)
	}

	if err := s.machine.Restore(snapshot.Data); err != nil {
		return fmt.Errorf("cannot restore state machine: %w", err)
	}

	if snapshot.LastIndex > s.commitIndex {
		s.commitIndex = snapshot.LastIndex
	}
	s.lastApplied = snapshot.LastIndex

	s.snapshotConfiguration = snapshot.Configuration
	s.updateEffectiveConfiguration()

	return nil
}

func (s *Server) onSubmit(ev submitEvent) {
	if s.state != ServerStateLeader {
		s.metrics.Count("raft.submissions", 1,
			metrics.Labels{"outcome": "rejected"})

		ev.promise.Fail(ErrNotLeader)
		return
	}

	entry := LogEntry{
		Index: s.log.LastIndex() + 1,
		Term:  s.persistentState.CurrentTerm,
		Type:  LogEntryCommand,
		Data:  ev.data,
	}

	if err := s.appendLocalEntry(entry); err != nil {
		ev.promise.Fail(err)
		return
	}

	s.waiters.Add(entry.Index, entry.Term, ev.promise)

	s.metrics.Count("raft.submissions", 1,
		metrics.Labels{"outcome": "accepted"})

	s.advanceCommitIndex()
	if s.halted {
		return
	}

	s.replicateAll()
}

func (s *Server) onConfigurationChange(ev configChangeEvent) {
	if s.state != ServerStateLeader {
		ev.promise.Fail(ErrNotLeader)
		return
	}

	if s.configChange != nil || s.configuration.Joint {
		ev.promise.Fail(ErrChangeInProgress)
		return
	}

	if len(ev.servers) == 0 {
		ev.promise.Fail(fmt.Errorf("empty server set"))
		return
	}

	s.Log.Info("starting configuration change with %d servers",
		len(ev.servers))

	s.configChange = &configChange{promise: ev.promise}

	joint := s.configuration.MakeJoint(ev.servers)

	if err := s.appendConfigurationEntry(joint); err != nil {
		return
	}

	s.advanceCommitIndex()
	if s.halted {
		return
	}

	s.replicateAll()
}

func (s *Server) appendConfigurationEntry(cfg ClusterConfiguration) error {
	entry := LogEntry{
		Index: s.log.LastIndex() + 1,
		Term:  s.persistentState.CurrentTerm,
		Type:  LogEntryConfiguration,
		Data:  EncodeConfiguration(&cfg),
	}

	if err := s.appendLocalEntry(entry); err != nil {
		return err
	}

	// A configuration takes effect as soon as it is appended
	s.setConfiguration(cfg, entry.Index)

	s.Log.Info("appended configuration entry %d (joint: %v, %d servers)",
		entry.Index, cfg.Joint, len(cfg.Servers))

	return nil
}

func (s *Server) appendLocalEntry(entry LogEntry) error {
	if err := s.store.AppendLogEntries([]LogEntry{entry}); err != nil {
		err = fmt.Errorf("cannot append log entry: %w", err)
		s.halt(err)
		return err
	}

	s.log.Append(entry)

	s.metrics.Count("raft.entries_appended", 1, nil)

	return nil
}

func (s *Server) onPeerResponse(ev peerResponseEvent) {
	if ev.err != nil {
		if !future.IsCanceled(ev.err) {
			s.Log.Debug(1, "request to %s failed: %v", ev.peerId, ev.err)
		}

		switch ev.req.(type) {
		case *RPCAppendEntriesRequest, *RPCInstallSnapshotRequest:
			delete(s.inflight, ev.peerId)
		}

		return
	}

	s.Log.Debug(2, "received %v from %s", ev.res, ev.peerId)

	if term := ev.res.GetTerm(); term > s.persistentState.CurrentTerm {
		s.Log.Debug(1, "received response with term %d (current term: %d), "+
			"reverting to follower", term, s.persistentState.CurrentTerm)

		pstate := PersistentState{CurrentTerm: term, VotedFor: ""}
		if err := s.updatePersistentState(pstate); err != nil {
			s.halt(err)
			return
		}

		s.revertToFollower()
		return
	}

	switch req := ev.req.(type) {
	case *RPCRequestVoteRequest:
		// Vote tallying happens in the quorum collector

	case *RPCAppendEntriesRequest:
		res, ok := ev.res.(*RPCAppendEntriesResponse)
		if !ok {
			s.Log.Error("unexpected response %v from %s", ev.res, ev.peerId)
			delete(s.inflight, ev.peerId)
			return
		}

		s.onAppendEntriesResponse(ev.peerId, req, res)

	case *RPCInstallSnapshotRequest:
		res, ok := ev.res.(*RPCInstallSnapshotResponse)
		if !ok {
			s.Log.Error("unexpected response %v from %s", ev.res, ev.peerId)
			delete(s.inflight, ev.peerId)
			return
		}

		s.onInstallSnapshotResponse(ev.peerId, req, res)
	}
}

func (s *Server) onAppendEntriesResponse(peerId ServerId, req *RPCAppendEntriesRequest, res *RPCAppendEntriesResponse) {
	delete(s.inflight, peerId)

	if s.state != ServerStateLeader {
		return
	}

	if req.Term != s.persistentState.CurrentTerm {
		// Response to a request from a previous leadership
		return
	}

	if !res.Success {
		s.nextIndex[peerId] = s.backoffIndex(peerId, res)
		s.replicateToPeer(peerId)
		return
	}

	if res.MatchIndex > s.matchIndex[peerId] {
		s.matchIndex[peerId] = res.MatchIndex
	}

	if next := res.MatchIndex + 1; next > s.nextIndex[peerId] {
		s.nextIndex[peerId] = next
	}

	if s.releaseDepartingServer(peerId) {
		return
	}

	s.advanceCommitIndex()
	if s.halted {
		return
	}

	if s.state == ServerStateLeader &&
		s.nextIndex[peerId] <= s.log.LastIndex() {
		s.replicateToPeer(peerId)
	}
}

// releaseDepartingServer stops replicating to a removed server once it has
// confirmed the configuration entry that removed it.
func (s *Server) releaseDepartingServer(peerId ServerId) bool {
	if _, found := s.departing[peerId]; !found {
		return false
	}

	if s.matchIndex[peerId] < s.configIndex {
		return false
	}

	s.Log.Debug(1, "departing server %s has the current configuration",
		peerId)

	s.pruneReplication(peerId)

	return true
}

// backoffIndex computes where replication should resume after a failed
// consistency check, using the conflict hints of the response.
func (s *Server) backoffIndex(peerId ServerId, res *RPCAppendEntriesResponse) LogIndex {
	var next LogIndex

	switch {
	case res.ConflictTerm != 0:
		// Skip our entries of the conflicting term if we have any,
		// otherwise jump to the first index the follower has for it
		if last, found := s.log.LastIndexOfTerm(res.ConflictTerm); found {
			next = last + 1
		} else {
			next = res.ConflictIndex
		}

	case res.ConflictIndex != 0:
		next = res.ConflictIndex

	default:
		next = s.nextIndex[peerId] - 1
	}

	if next < 1 {
		next = 1
	}

	return next
}

func (s *Server) onInstallSnapshotResponse(peerId ServerId, req *RPCInstallSnapshotRequest, res *RPCInstallSnapshotResponse) {
	delete(s.inflight, peerId)

	if s.state != ServerStateLeader {
		return
	}

	transfer := s.snapshotTransfers[peerId]
	if transfer == nil ||
		transfer.snapshot.LastIndex != req.LastIncludedIndex {
		return
	}

	if !res.Success {
		// The follower lost track of the transfer; restart it
		transfer.offset = 0
		s.replicateToPeer(peerId)
		return
	}

	transfer.offset += len(req.Data)

	if !req.Done {
		s.replicateToPeer(peerId)
		return
	}

	s.Log.Info("snapshot up to entry %d installed on %s",
		transfer.snapshot.LastIndex, peerId)

	delete(s.snapshotTransfers, peerId)

	if transfer.snapshot.LastIndex > s.matchIndex[peerId] {
		s.matchIndex[peerId] = transfer.snapshot.LastIndex
	}
	s.nextIndex[peerId] = transfer.snapshot.LastIndex + 1

	if s.releaseDepartingServer(peerId) {
		return
	}

	s.advanceCommitIndex()
	if s.halted {
		return
	}

	s.replicateToPeer(peerId)
}

// replicationTargets returns the servers the leader replicates to: the
// members of the effective configuration, plus departing servers which
// still have to receive the configuration entry that removed them.
func (s *Server) replicationTargets() ServerSet {
	targets := s.configuration.AllServers()

	for id, data := range s.departing {
		targets[id] = data
	}

	return targets
}

func (s *Server) replicateAll() {
	for id := range s.replicationTargets() {
		if id == s.Id {
			continue
		}

		s.replicateTo(id)
	}
}

func (s *Server) replicateToPeer(peerId ServerId) {
	if _, found := s.replicationTargets()[peerId]; !found {
		return
	}

	s.replicateTo(peerId)
}

func (s *Server) replicateTo(peerId ServerId) {
	if s.inflight[peerId] {
		return
	}

	peer, found := s.replicationTargets()[peerId]
	if !found {
		return
	}

	next := s.nextIndex[peerId]
	if next == 0 {
		next = s.log.LastIndex() + 1
		s.nextIndex[peerId] = next
	}

	if next <= s.log.SnapshotIndex() {
		// The entries the peer needs have been compacted away
		s.sendSnapshotChunk(peerId, peer)
		return
	}

	prevIndex := next - 1

	prevTerm, ok := s.log.TermAt(prevIndex)
	if !ok {
		Panicf("no term for log entry %d", prevIndex)
	}

	entries := s.log.EntriesAfter(prevIndex, s.tuning.MaxEntriesPerAppend)

	req := &RPCAppendEntriesRequest{
		Term:         s.persistentState.CurrentTerm,
		LeaderId:     s.Id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: s.commitIndex,
	}

	timeout := s.tuning.AppendTimeout.Std()
	policy := s.tuning.AppendRetry

	if len(entries) == 0 {
		// A bare heartbeat is cheap and urgent; it retries on a much
		// tighter schedule than a bulk transfer.
		timeout = s.tuning.HeartbeatInterval.Std() * 2
		policy = s.tuning.HeartbeatRetry

		s.metrics.Count("raft.heartbeats_sent", 1, nil)
	}

	s.inflight[peerId] = true
	s.sendRequest(peerId, peer, req, timeout, policy)
}

func (s *Server) sendSnapshotChunk(peerId ServerId, peer ServerData) {
	transfer := s.snapshotTransfers[peerId]

	if transfer == nil {
		snapshot, err := s.store.ReadSnapshot()
		if err != nil {
			s.Log.Error("cannot read snapshot: %v", err)
			return
		}

		if snapshot == nil {
			Panicf("log compacted to %d without a snapshot",
				s.log.SnapshotIndex())
		}

		transfer = &snapshotTransfer{snapshot: snapshot}
		s.snapshotTransfers[peerId] = transfer

		s.Log.Info("sending snapshot up to entry %d to %s",
			snapshot.LastIndex, peerId)
	}

	snapshot := transfer.snapshot

	end := transfer.offset + s.tuning.SnapshotChunkSize
	if end > len(snapshot.Data) {
		end = len(snapshot.Data)
	}

	req := &RPCInstallSnapshotRequest{
		Term:              s.persistentState.CurrentTerm,
		LeaderId:          s.Id,
		LastIncludedIndex: snapshot.LastIndex,
		LastIncludedTerm:  snapshot.LastTerm,
		Configuration:     snapshot.Configuration,
		Offset:            int64(transfer.offset),
		Data:              snapshot.Data[transfer.offset:end],
		Done:              end == len(snapshot.Data),
	}

	s.inflight[peerId] = true
	s.sendRequest(peerId, peer, req, s.tuning.SnapshotTimeout.Std(),
		s.tuning.SnapshotRetry)
}

func (s *Server) sendRequest(peerId ServerId, peer ServerData, req RPCMsg, timeout time.Duration, policy RetryPolicy) {
	s.Log.Debug(2, "sending %v to %s", req, peerId)

	start := time.Now()
	msgType := MsgTypeOf(req)

	f := SendRPCWithRetry(s.netClient, peer.PublicAddress, req, timeout,
		policy)

	f.Subscribe(func(res RPCMsg, err error) {
		s.metrics.ObserveDuration("raft.rpc_duration", time.Since(start),
			metrics.Labels{"type": msgType})

		// The main goroutine may be busy in this very call stack, so the
		// event cannot be pushed synchronously.
		go s.pushEvent(peerResponseEvent{
			peerId: peerId,
			req:    req,
			res:    res,
			err:    err,
		})
	})
}

func (s *Server) advanceCommitIndex() {
	if s.state != ServerStateLeader {
		return
	}

	for index := s.log.LastIndex(); index > s.commitIndex; index-- {
		term, ok := s.log.TermAt(index)
		if !ok {
			break
		}

		if term != s.persistentState.CurrentTerm {
			// Entries from earlier terms are only committed indirectly,
			// through the commitment of an entry of the current term
			break
		}

		granted := map[ServerId]bool{s.Id: true}

		for id, match := range s.matchIndex {
			if match >= index {
				granted[id] = true
			}
		}

		if !s.configuration.HasQuorum(granted) {
			continue
		}

		s.updateCommitIndex(index)
		return
	}
}

func (s *Server) updateCommitIndex(index LogIndex) {
	if index <= s.commitIndex {
		return
	}

	s.Log.Debug(2, "commit index %d", index)

	s.commitIndex = index
	s.metrics.SetGauge("raft.commit_index", float64(index), nil)

	s.applyEntries()
	if s.halted {
		return
	}

	s.checkConfigurationProgress()
}

func (s *Server) applyEntries() {
	for s.lastApplied < s.commitIndex {
		index := s.lastApplied + 1

		entry, ok := s.log.Entry(index)
		if !ok {
			Panicf("cannot apply missing log entry %d", index)
		}

		if entry.Type == LogEntryCommand {
			if err := s.machine.Apply(*entry); err != nil {
				if s.onApplicationFailure(index, err) {
					return
				}
			}
		}

		s.lastApplied = index

		s.waiters.Fulfill(index, entry.Term)
	}

	s.maybeCompactLog()
}

// onApplicationFailure reacts to a state machine failure according to the
// configured policy. It returns true when applying must stop.
func (s *Server) onApplicationFailure(index LogIndex, err error) bool {
	switch s.tuning.ApplicationFailurePolicy {
	case ApplicationFailureRetry:
		s.Log.Error("cannot apply log entry %d, will retry: %v", index, err)

		delay := s.tuning.ApplicationRetryDelay.Std()
		time.AfterFunc(delay, func() {
			s.pushEvent(applyRetryEvent{})
		})

		return true

	case ApplicationFailureSkip:
		s.Log.Error("cannot apply log entry %d, skipping it: %v", index, err)
		return false

	default:
		s.halt(fmt.Errorf("cannot apply log entry %d: %w", index, err))
		return true
	}
}

func (s *Server) maybeCompactLog() {
	if s.tuning.SnapshotThreshold <= 0 {
		return
	}

	if s.log.SizeBytes() < s.tuning.SnapshotThreshold {
		return
	}

	if s.lastApplied <= s.log.SnapshotIndex() {
		return
	}

	data, err := s.machine.Snapshot()
	if err != nil {
		s.Log.Error("cannot snapshot state machine: %v", err)
		return
	}

	term, ok := s.log.TermAt(s.lastApplied)
	if !ok {
		Panicf("no term for applied log entry %d", s.lastApplied)
	}

	snapshot := Snapshot{
		LastIndex:     s.lastApplied,
		LastTerm:      term,
		Configuration: s.configurationUpTo(s.lastApplied),
		Data:          data,
	}

	if err := s.store.WriteSnapshot(&snapshot); err != nil {
		// The log is intact, so this is not fatal; compaction will be
		// attempted again later.
		s.Log.Error("cannot write snapshot: %v", err)
		return
	}

	if err := s.store.CompactLogPrefix(snapshot.LastIndex); err != nil {
		s.Log.Error("cannot compact log: %v", err)
	}

	s.log.CompactPrefix(snapshot.LastIndex, snapshot.LastTerm)
	s.snapshotConfiguration = snapshot.Configuration

	s.Log.Info("log compacted up to entry %d", snapshot.LastIndex)
}

func (s *Server) checkConfigurationProgress() {
	if s.state != ServerStateLeader {
		return
	}

	if s.configIndex == 0 || s.commitIndex < s.configIndex {
		return
	}

	if s.configuration.Joint {
		// The joint configuration is committed; move to the final one
		s.Log.Info("joint configuration committed, appending final "+
			"configuration with %d servers", len(s.configuration.Servers))

		final := s.configuration.FinalConfiguration()

		if err := s.appendConfigurationEntry(final); err != nil {
			return
		}

		s.advanceCommitIndex()
		if s.halted {
			return
		}

		s.replicateAll()
		return
	}

	if s.configChange != nil {
		s.Log.Info("configuration change complete")

		s.configChange.promise.Resolve(s.configuration.Clone())
		s.configChange = nil
	}

	if !s.configuration.Contains(s.Id) {
		// We were removed by the change we just committed
		s.Log.Info("no longer part of the configuration, stepping down")
		s.revertToFollower()
	}
}

// configurationUpTo returns the configuration in effect at the given
// index.
func (s *Server) configurationUpTo(index LogIndex) ClusterConfiguration {
	for i := index; i >= s.log.FirstIndex(); i-- {
		entry, ok := s.log.Entry(i)
		if !ok || entry.Type != LogEntryConfiguration {
			continue
		}

		cfg, err := DecodeConfiguration(entry.Data)
		if err != nil {
			Panicf("invalid configuration entry %d: %v", i, err)
		}

		return *cfg
	}

	return s.snapshotConfiguration.Clone()
}

// updateEffectiveConfiguration recomputes the effective configuration from
// the log after entries were appended, truncated or compacted.
func (s *Server) updateEffectiveConfiguration() {
	for index := s.log.LastIndex(); index >= s.log.FirstIndex(); index-- {
		entry, ok := s.log.Entry(index)
		if !ok || entry.Type != LogEntryConfiguration {
			continue
		}

		cfg, err := DecodeConfiguration(entry.Data)
		if err != nil {
			Panicf("invalid configuration entry %d: %v", index, err)
		}

		s.setConfiguration(*cfg, index)
		return
	}

	s.setConfiguration(s.snapshotConfiguration.Clone(), s.log.SnapshotIndex())
}

func (s *Server) setConfiguration(cfg ClusterConfiguration, index LogIndex) {
	previous := s.configuration.AllServers()

	s.configuration = cfg
	s.configIndex = index

	if s.state != ServerStateLeader {
		return
	}

	// Keep replication progress aligned with the membership
	servers := cfg.AllServers()

	for id := range servers {
		if id == s.Id {
			continue
		}

		if _, found := s.nextIndex[id]; !found {
			s.nextIndex[id] = s.log.LastIndex() + 1
			s.matchIndex[id] = 0
		}

		delete(s.departing, id)
	}

	// A removed server keeps receiving entries until it holds the
	// configuration that removed it: a server which never learns about its
	// removal would keep starting elections.
	for id := range s.nextIndex {
		if _, found := servers[id]; found {
			continue
		}

		if data, known := previous[id]; known {
			s.departing[id] = data
		} else {
			s.pruneReplication(id)
		}
	}
}

func (s *Server) pruneReplication(id ServerId) {
	delete(s.nextIndex, id)
	delete(s.matchIndex, id)
	delete(s.inflight, id)
	delete(s.snapshotTransfers, id)
	delete(s.departing, id)
}

func (s *Server) startElection() {
	if s.state != ServerStateFollower {
		Panicf("cannot start election in state %v", s.state)
	}

	if !s.configuration.Contains(s.Id) {
		// Servers outside the configuration do not campaign
		s.setupElectionTimer()
		return
	}

	// Start a new term and vote for ourselves
	pstate := PersistentState{
		CurrentTerm: s.persistentState.CurrentTerm + 1,
		VotedFor:    s.Id,
	}

	if err := s.updatePersistentState(pstate); err != nil {
		s.halt(err)
		return
	}

	term := s.persistentState.CurrentTerm

	s.Log.Info("starting election for term %d", term)
	s.metrics.Count("raft.elections_started", 1, nil)

	s.state = ServerStateCandidate
	s.currentLeader = ""

	req := &RPCRequestVoteRequest{
		Term:         term,
		CandidateId:  s.Id,
		LastLogIndex: s.log.LastIndex(),
		LastLogTerm:  s.log.LastTerm(),
	}

	voteFutures := make(map[ServerId]*future.Future[bool])

	for id, peer := range s.configuration.AllServers() {
		if id == s.Id {
			continue
		}

		s.Log.Debug(2, "sending %v to %s", req, id)

		f := SendRPCWithRetry(s.netClient, peer.PublicAddress, req,
			s.tuning.VoteTimeout.Std(), s.tuning.VoteRetry)

		peerId := id
		f.Subscribe(func(res RPCMsg, err error) {
			// Responses flow back to the main goroutine so that a higher
			// term is noticed even when the quorum is already decided
			go s.pushEvent(peerResponseEvent{
				peerId: peerId,
				req:    req,
				res:    res,
				err:    err,
			})
		})

		voteFutures[id] = future.Then(f, func(msg RPCMsg) (bool, error) {
			res, ok := msg.(*RPCRequestVoteResponse)
			if !ok {
				return false, fmt.Errorf("unexpected response %v", msg)
			}

			return res.Term == term && res.VoteGranted, nil
		})
	}

	decision := CollectQuorum(&s.configuration, voteFutures, s.Id)
	s.electionDecision = decision

	decision.Subscribe(func(result QuorumResult, err error) {
		go s.pushEvent(electionResultEvent{
			term:    term,
			nbVotes: len(result.Granted),
			err:     err,
		})
	})

	// Rearm the election timer to detect an election timeout
	s.setupElectionTimer()
}

func (s *Server) onElectionResult(ev electionResultEvent) {
	if s.state != ServerStateCandidate ||
		ev.term != s.persistentState.CurrentTerm {
		// Result of an election which is not ours anymore
		return
	}

	s.electionDecision = nil

	if ev.err != nil {
		// Not enough reachable voters; the election timer will trigger a
		// new election with a fresh random timeout
		s.Log.Info("election for term %d failed: %v", ev.term, ev.err)
		return
	}

	s.becomeLeader(ev.nbVotes)
}

func (s *Server) becomeLeader(nbVotes int) {
	nbServers := len(s.configuration.AllServers())

	s.Log.Info("obtained %d/%d votes, becoming leader", nbVotes, nbServers)
	s.metrics.Count("raft.elections_won", 1, nil)

	s.state = ServerStateLeader
	s.currentLeader = s.Id

	// Clear the election timer; if it already fired, drain the stale
	// activation so the main loop does not pick it up while we lead.
	if s.electionTimer != nil {
		if !s.electionTimer.Stop() {
			select {
			case <-s.electionTimer.C:
			default:
			}
		}
	}

	s.nextIndex = make(map[ServerId]LogIndex)
	s.matchIndex = make(map[ServerId]LogIndex)
	s.inflight = make(map[ServerId]bool)
	s.snapshotTransfers = make(map[ServerId]*snapshotTransfer)
	s.departing = make(map[ServerId]ServerData)

	for id := range s.configuration.AllServers() {
		if id == s.Id {
			continue
		}

		s.nextIndex[id] = s.log.LastIndex() + 1
		s.matchIndex[id] = 0
	}

	// Committing an entry of the current term is the only way to learn
	// the commit index, so append one right away.
	entry := LogEntry{
		Index: s.log.LastIndex() + 1,
		Term:  s.persistentState.CurrentTerm,
		Type:  LogEntryNoop,
	}

	if err := s.appendLocalEntry(entry); err != nil {
		return
	}

	s.advanceCommitIndex()
	if s.halted {
		return
	}

	s.replicateAll()

	// Reset the heartbeat timer
	s.resetHeartbeatTicker()
}

func (s *Server) onElectionTimeout() {
	if s.state != ServerStateCandidate {
		Panicf("election cannot timeout in state %v", s.state)
	}

	// If the current election timed out, we have to start a new election.
	// We reset the state to "follower" so that startElection is called on
	// a clean slate.

	s.Log.Debug(1, "election timeout in term %d",
		s.persistentState.CurrentTerm)

	if s.electionDecision != nil {
		s.electionDecision.Cancel()
		s.electionDecision = nil
	}

	s.state = ServerStateFollower

	// Immediately start a new election
	s.startElection()
}

func (s *Server) revertToFollower() {
	s.state = ServerStateFollower

	// Clear leader data
	s.nextIndex = nil
	s.matchIndex = nil
	s.inflight = nil
	s.snapshotTransfers = nil
	s.departing = nil

	s.waiters.FailAbove(s.commitIndex, ErrLeadershipLost)

	if s.configChange != nil {
		s.configChange.promise.Fail(ErrLeadershipLost)
		s.configChange = nil
	}

	// Clear candidate data
	if s.electionDecision != nil {
		s.electionDecision.Cancel()
		s.electionDecision = nil
	}

	// Rearm the election timer; if we do not receive any AppendEntries
	// request before the timer goes off, we will become candidate and
	// start an election.
	s.setupElectionTimer()
}

func (s *Server) setupHeartbeatTicker() {
	s.heartbeatTicker = time.NewTicker(s.tuning.HeartbeatInterval.Std())
}

func (s *Server) resetHeartbeatTicker() {
	if s.state != ServerStateLeader {
		Panicf("cannot reset heartbeat ticker in state %v", s.state)
	}

	s.heartbeatTicker.Reset(s.tuning.HeartbeatInterval.Std())
}

func (s *Server) setupElectionTimer() {
	if s.state == ServerStateLeader {
		Panicf("cannot setup election timer in state %v", s.state)
	}

	timeout := s.electionTimeout()
	s.Log.Debug(2, "election timer will expire in %v", timeout)

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	s.electionTimer = time.NewTimer(timeout)
}

func (s *Server) resetElectionTimer() {
	if s.state != ServerStateFollower {
		Panicf("cannot reset election timer in state %v", s.state)
	}

	timeout := s.electionTimeout()
	s.Log.Debug(2, "election timer will expire in %v", timeout)

	if !s.electionTimer.Stop() {
		select {
		case <-s.electionTimer.C:
		default:
		}
	}

	s.electionTimer.Reset(timeout)
}

func (s *Server) electionTimeout() time.Duration {
	minTimeoutMs := s.tuning.MinElectionTimeout.Std().Milliseconds()
	maxTimeoutMs := s.tuning.MaxElectionTimeout.Std().Milliseconds()

	jitter := s.randGenerator.Int63n(maxTimeoutMs - minTimeoutMs + 1)
	timeoutMs := minTimeoutMs + jitter

	return time.Duration(timeoutMs) * time.Millisecond
}

func (s *Server) updatePersistentState(state PersistentState) error {
	if err := s.store.WriteState(state); err != nil {
		s.Log.Error("cannot write persistent state: %v", err)
		return fmt.Errorf("cannot write persistent state: %w", err)
	}

	s.persistentState = state
	return nil
}
