package raft

type ServerId string

type ServerAddress string

type ServerSet map[ServerId]ServerData

type ServerData struct {
	LocalAddress  ServerAddress `json:"localAddress" yaml:"local_address"`
	PublicAddress ServerAddress `json:"publicAddress" yaml:"public_address"`
}

type ServerState string

const (
	ServerStateFollower  ServerState = "follower"
	ServerStateCandidate ServerState = "candidate"
	ServerStateLeader    ServerState = "leader"
)

type Term int64

type LogIndex int64

type LogEntryType string

const (
	LogEntryCommand       LogEntryType = "command"
	LogEntryConfiguration LogEntryType = "configuration"

	// Appended by a fresh leader so that commitment can advance without
	// waiting for a client command.
	LogEntryNoop LogEntryType = "noop"
)

type LogEntry struct {
	Index LogIndex
	Term  Term
	Type  LogEntryType
	Data  []byte
}

type PersistentState struct {
	CurrentTerm Term
	VotedFor    ServerId
}

// A Snapshot replaces the log prefix up to LastIndex. It carries the cluster
// configuration effective at that point so that a freshly installed server
// knows its peers.
type Snapshot struct {
	LastIndex     LogIndex
	LastTerm      Term
	Configuration ClusterConfiguration
	Data          []byte
}

// SubmitResult is the value a submission future resolves with once the
// entry has been committed and applied.
type SubmitResult struct {
	Index LogIndex
	Term  Term
}

// A StateMachine is the replicated application. Apply is called from the
// server goroutine, in log order, exactly once per committed command entry
// unless the application failure policy says otherwise.
type StateMachine interface {
	Apply(entry LogEntry) error

	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

type Logger interface {
	Debug(int, string, ...interface{})
	Info(string, ...interface{})
	Error(string, ...interface{})
}
