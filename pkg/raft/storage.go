package raft

import (
	"fmt"
	"sync"
)

// A Store durably holds everything a server must survive a restart with:
// the current term and vote, the log suffix, and the latest snapshot.
//
// Store failures on the write path are durability faults: a server which
// cannot persist must not acknowledge, vote or keep leading, so the caller
// halts on error rather than carry on.
type Store interface {
	Open() error
	Close()

	ReadState(state *PersistentState) error
	WriteState(state PersistentState) error

	AppendLogEntries(entries []LogEntry) error
	ReadLogEntries() ([]LogEntry, error)
	TruncateLogSuffix(from LogIndex) error
	CompactLogPrefix(upTo LogIndex) error

	WriteSnapshot(snapshot *Snapshot) error
	ReadSnapshot() (*Snapshot, error)
}

// A MemoryStore keeps everything in memory. Used by tests and by servers
// whose durability is delegated elsewhere.
type MemoryStore struct {
	mu sync.Mutex

	state    PersistentState
	entries  []LogEntry
	snapshot *Snapshot

	failWrites bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Open() error {
	return nil
}

func (s *MemoryStore) Close() {
}

// FailWrites makes every write operation fail, simulating a durability
// fault.
func (s *MemoryStore) FailWrites(fail bool) {
	s.mu.Lock()
	s.failWrites = fail
	s.mu.Unlock()
}

func (s *MemoryStore) ReadState(state *PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	*state = s.state
	return nil
}

func (s *MemoryStore) WriteState(state PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return fmt.Errorf("simulated write failure")
	}

	s.state = state
	return nil
}

func (s *MemoryStore) AppendLogEntries(entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return fmt.Errorf("simulated write failure")
	}

	s.entries = append(s.entries, CloneLogEntries(entries)...)
	return nil
}

func (s *MemoryStore) ReadLogEntries() ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return CloneLogEntries(s.entries), nil
}

func (s *MemoryStore) TruncateLogSuffix(from LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return fmt.Errorf("simulated write failure")
	}

	for i := range s.entries {
		if s.entries[i].Index >= from {
			s.entries = s.entries[:i]
			break
		}
	}

	return nil
}

func (s *MemoryStore) CompactLogPrefix(upTo LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return fmt.Errorf("simulated write failure")
	}

	kept := make([]LogEntry, 0, len(s.entries))
	for i := range s.entries {
		if s.entries[i].Index > upTo {
			kept = append(kept, s.entries[i])
		}
	}

	s.entries = kept
	return nil
}

func (s *MemoryStore) WriteSnapshot(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWrites {
		return fmt.Errorf("simulated write failure")
	}

	clone := *snapshot
	clone.Data = append([]byte(nil), snapshot.Data...)
	s.snapshot = &clone

	return nil
}

func (s *MemoryStore) ReadSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot == nil {
		return nil, nil
	}

	clone := *s.snapshot
	clone.Data = append([]byte(nil), s.snapshot.Data...)

	return &clone, nil
}
