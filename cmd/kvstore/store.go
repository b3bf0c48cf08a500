package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/crawlins/kythira/pkg/raft"
)

// A Store is the replicated state machine: a key-value map mutated only by
// applied log entries. Reads can come from any goroutine, writes only from
// the consensus server.
type Store struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewStore() *Store {
	s := Store{
		entries: make(map[string]string),
	}

	return &s
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	value, found := s.entries[key]
	s.mu.RUnlock()

	return value, found
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Strings(keys)

	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

func (s *Store) ApplyOp(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch o := op.(type) {
	case *OpPut:
		s.entries[o.Key] = o.Value

	case *OpDelete:
		delete(s.entries, o.Key)

	default:
		panic(fmt.Sprintf("unhandled operation %q", op.Name()))
	}
}

func (s *Store) Apply(entry raft.LogEntry) error {
	op, err := DecodeOp(entry.Data)
	if err != nil {
		return fmt.Errorf("cannot decode entry %d: %w", entry.Index, err)
	}

	s.ApplyOp(op)

	return nil
}

func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.Marshal(s.entries)
	if err != nil {
		return nil, fmt.Errorf("cannot encode entries: %w", err)
	}

	return data, nil
}

func (s *Store) Restore(data []byte) error {
	entries := make(map[string]string)

	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("cannot decode entries: %w", err)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	return nil
}
