package raft

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so that tuning documents can spell delays as
// "150ms" or "2s" in both YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("cannot decode duration: %w", err)
	}

	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("cannot decode duration: %w", err)
	}

	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	value, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(value)
	return nil
}

type ApplicationFailurePolicy string

const (
	ApplicationFailureHalt  ApplicationFailurePolicy = "halt"
	ApplicationFailureRetry ApplicationFailurePolicy = "retry"
	ApplicationFailureSkip  ApplicationFailurePolicy = "skip"
)

// Tuning gathers the consensus timing and replication parameters. Zero
// values are replaced with defaults when a server is created.
type Tuning struct {
	MinElectionTimeout Duration `json:"minElectionTimeout" yaml:"min_election_timeout"`
	MaxElectionTimeout Duration `json:"maxElectionTimeout" yaml:"max_election_timeout"`
	HeartbeatInterval  Duration `json:"heartbeatInterval" yaml:"heartbeat_interval"`

	RPCTimeout      Duration `json:"rpcTimeout" yaml:"rpc_timeout"`
	AppendTimeout   Duration `json:"appendTimeout" yaml:"append_timeout"`
	VoteTimeout     Duration `json:"voteTimeout" yaml:"vote_timeout"`
	SnapshotTimeout Duration `json:"snapshotTimeout" yaml:"snapshot_timeout"`

	SubmitTimeout              Duration `json:"submitTimeout" yaml:"submit_timeout"`
	ConfigurationChangeTimeout Duration `json:"configurationChangeTimeout" yaml:"configuration_change_timeout"`

	MaxEntriesPerAppend int   `json:"maxEntriesPerAppend" yaml:"max_entries_per_append"`
	SnapshotThreshold   int64 `json:"snapshotThreshold" yaml:"snapshot_threshold"`
	SnapshotChunkSize   int   `json:"snapshotChunkSize" yaml:"snapshot_chunk_size"`

	HeartbeatRetry RetryPolicy `json:"heartbeatRetry" yaml:"heartbeat_retry"`
	AppendRetry    RetryPolicy `json:"appendRetry" yaml:"append_retry"`
	VoteRetry      RetryPolicy `json:"voteRetry" yaml:"vote_retry"`
	SnapshotRetry  RetryPolicy `json:"snapshotRetry" yaml:"snapshot_retry"`

	ApplicationFailurePolicy ApplicationFailurePolicy `json:"applicationFailurePolicy" yaml:"application_failure_policy"`
	ApplicationRetryDelay    Duration                 `json:"applicationRetryDelay" yaml:"application_retry_delay"`
}

func DefaultTuning() Tuning {
	return Tuning{
		MinElectionTimeout: Duration(500 * time.Millisecond),
		MaxElectionTimeout: Duration(1000 * time.Millisecond),
		HeartbeatInterval:  Duration(50 * time.Millisecond),

		RPCTimeout:      Duration(100 * time.Millisecond),
		AppendTimeout:   Duration(5 * time.Second),
		VoteTimeout:     Duration(2 * time.Second),
		SnapshotTimeout: Duration(30 * time.Second),

		SubmitTimeout:              Duration(5 * time.Second),
		ConfigurationChangeTimeout: Duration(60 * time.Second),

		MaxEntriesPerAppend: 100,
		SnapshotThreshold:   10 * 1024 * 1024,
		SnapshotChunkSize:   1024 * 1024,

		HeartbeatRetry: RetryPolicy{
			InitialDelay: Duration(50 * time.Millisecond),
			MaxDelay:     Duration(1 * time.Second),
			Multiplier:   1.5,
			Jitter:       0.1,
			MaxAttempts:  3,
		},
		AppendRetry: RetryPolicy{
			InitialDelay: Duration(100 * time.Millisecond),
			MaxDelay:     Duration(5 * time.Second),
			Multiplier:   2.0,
			Jitter:       0.1,
			MaxAttempts:  5,
		},
		VoteRetry: RetryPolicy{
			InitialDelay: Duration(100 * time.Millisecond),
			MaxDelay:     Duration(2 * time.Second),
			Multiplier:   2.0,
			Jitter:       0.1,
			MaxAttempts:  3,
		},
		SnapshotRetry: RetryPolicy{
			InitialDelay: Duration(500 * time.Millisecond),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2.0,
			Jitter:       0.1,
			MaxAttempts:  10,
		},

		ApplicationFailurePolicy: ApplicationFailureHalt,
		ApplicationRetryDelay:    Duration(1 * time.Second),
	}
}

// LoadTuning reads a YAML tuning document. Absent fields keep their default
// values.
func LoadTuning(filePath string) (*Tuning, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", filePath, err)
	}

	tuning := DefaultTuning()

	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return nil, fmt.Errorf("cannot decode yaml data: %w", err)
	}

	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}

	return &tuning, nil
}

func (t *Tuning) Validate() error {
	if t.MinElectionTimeout <= 0 {
		return fmt.Errorf("minimal election timeout must be positive")
	}

	if t.MaxElectionTimeout < t.MinElectionTimeout {
		return fmt.Errorf("maximal election timeout must not be lower than " +
			"the minimal election timeout")
	}

	if t.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	// Leaders must assert themselves well before followers give up on them
	if t.HeartbeatInterval > t.MinElectionTimeout/3 {
		return fmt.Errorf("heartbeat interval must not exceed a third of "+
			"the minimal election timeout (%v)", t.MinElectionTimeout)
	}

	if t.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("max entries per append must be positive")
	}

	if t.SnapshotChunkSize <= 0 {
		return fmt.Errorf("snapshot chunk size must be positive")
	}

	switch t.ApplicationFailurePolicy {
	case ApplicationFailureHalt, ApplicationFailureRetry,
		ApplicationFailureSkip:
	default:
		return fmt.Errorf("invalid application failure policy %q",
			t.ApplicationFailurePolicy)
	}

	if t.ApplicationFailurePolicy == ApplicationFailureRetry &&
		t.ApplicationRetryDelay <= 0 {
		return fmt.Errorf("application retry delay must be positive")
	}

	return nil
}

// RetryPolicyFor returns the retry policy associated with an RPC class.
func (t *Tuning) RetryPolicyFor(msgType string) RetryPolicy {
	switch msgType {
	case MsgTypeRequestVote:
		return t.VoteRetry
	case MsgTypeInstallSnapshot:
		return t.SnapshotRetry
	default:
		return t.AppendRetry
	}
}

// TimeoutFor returns the per-request timeout associated with an RPC class.
func (t *Tuning) TimeoutFor(msgType string) time.Duration {
	switch msgType {
	case MsgTypeRequestVote:
		return t.VoteTimeout.Std()
	case MsgTypeInstallSnapshot:
		return t.SnapshotTimeout.Std()
	default:
		return t.AppendTimeout.Std()
	}
}
