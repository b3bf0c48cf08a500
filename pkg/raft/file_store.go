package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
)

// A FileStore persists server state in a directory: a state file for the
// current term and vote, an append-only log file with one JSON document
// per entry, and a snapshot file.
type FileStore struct {
	dirPath string

	stateFilePath    string
	logFilePath      string
	snapshotFilePath string

	stateFile *os.File
	logFile   *os.File
}

func NewFileStore(dirPath string) *FileStore {
	return &FileStore{
		dirPath: dirPath,

		stateFilePath:    path.Join(dirPath, "state.json"),
		logFilePath:      path.Join(dirPath, "log.jsonl"),
		snapshotFilePath: path.Join(dirPath, "snapshot.json"),
	}
}

func (s *FileStore) Open() error {
	if err := os.MkdirAll(s.dirPath, 0700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", s.dirPath, err)
	}

	flags := os.O_RDWR | os.O_CREATE

	stateFile, err := os.OpenFile(s.stateFilePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", s.stateFilePath, err)
	}

	info, err := stateFile.Stat()
	if err != nil {
		stateFile.Close()

		return fmt.Errorf("cannot stat %q: %w", s.stateFilePath, err)
	}

	s.stateFile = stateFile

	if info.Size() == 0 {
		if err := s.WriteState(PersistentState{}); err != nil {
			stateFile.Close()

			return fmt.Errorf("cannot write default state to %q: %w",
				s.stateFilePath, err)
		}
	}

	logFile, err := os.OpenFile(s.logFilePath, flags, 0600)
	if err != nil {
		stateFile.Close()

		return fmt.Errorf("cannot open %q: %w", s.logFilePath, err)
	}

	s.logFile = logFile

	return nil
}

func (s *FileStore) Close() {
	s.stateFile.Close()
	s.logFile.Close()
}

func (s *FileStore) ReadState(state *PersistentState) error {
	if _, err := s.stateFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.stateFilePath, err)
	}

	d := json.NewDecoder(s.stateFile)
	if err := d.Decode(state); err != nil {
		return fmt.Errorf("cannot read json data from %q: %w",
			s.stateFilePath, err)
	}

	return nil
}

func (s *FileStore) WriteState(state PersistentState) error {
	if _, err := s.stateFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.stateFilePath, err)
	}

	if err := s.stateFile.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.stateFilePath, err)
	}

	e := json.NewEncoder(s.stateFile)
	if err := e.Encode(&state); err != nil {
		return fmt.Errorf("cannot write json data to %q: %w",
			s.stateFilePath, err)
	}

	if err := s.stateFile.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.stateFilePath, err)
	}

	return nil
}

func (s *FileStore) AppendLogEntries(entries []LogEntry) error {
	if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.logFilePath, err)
	}

	e := json.NewEncoder(s.logFile)

	for i := range entries {
		if err := e.Encode(&entries[i]); err != nil {
			return fmt.Errorf("cannot write json data to %q: %w",
				s.logFilePath, err)
		}
	}

	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.logFilePath, err)
	}

	return nil
}

func (s *FileStore) ReadLogEntries() ([]LogEntry, error) {
	if _, err := s.logFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("cannot seek %q: %w", s.logFilePath, err)
	}

	var entries []LogEntry

	d := json.NewDecoder(s.logFile)

	for {
		var entry LogEntry

		if err := d.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return nil, fmt.Errorf("cannot read json data from %q: %w",
				s.logFilePath, err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *FileStore) TruncateLogSuffix(from LogIndex) error {
	entries, err := s.ReadLogEntries()
	if err != nil {
		return err
	}

	kept := make([]LogEntry, 0, len(entries))
	for i := range entries {
		if entries[i].Index < from {
			kept = append(kept, entries[i])
		}
	}

	return s.rewriteLog(kept)
}

func (s *FileStore) CompactLogPrefix(upTo LogIndex) error {
	entries, err := s.ReadLogEntries()
	if err != nil {
		return err
	}

	kept := make([]LogEntry, 0, len(entries))
	for i := range entries {
		if entries[i].Index > upTo {
			kept = append(kept, entries[i])
		}
	}

	return s.rewriteLog(kept)
}

func (s *FileStore) rewriteLog(entries []LogEntry) error {
	if _, err := s.logFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek %q: %w", s.logFilePath, err)
	}

	if err := s.logFile.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate %q: %w", s.logFilePath, err)
	}

	e := json.NewEncoder(s.logFile)

	for i := range entries {
		if err := e.Encode(&entries[i]); err != nil {
			return fmt.Errorf("cannot write json data to %q: %w",
				s.logFilePath, err)
		}
	}

	if err := s.logFile.Sync(); err != nil {
		return fmt.Errorf("cannot sync %q: %w", s.logFilePath, err)
	}

	return nil
}

func (s *FileStore) WriteSnapshot(snapshot *Snapshot) error {
	// A partially written snapshot must never replace a good one, so we
	// write to a temporary file and rename it into place.
	tmpFilePath := s.snapshotFilePath + ".tmp"

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	file, err := os.OpenFile(tmpFilePath, flags, 0600)
	if err != nil {
		return fmt.Errorf("cannot open %q: %w", tmpFilePath, err)
	}

	e := json.NewEncoder(file)
	if err := e.Encode(snapshot); err != nil {
		file.Close()

		return fmt.Errorf("cannot write json data to %q: %w", tmpFilePath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()

		return fmt.Errorf("cannot sync %q: %w", tmpFilePath, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("cannot close %q: %w", tmpFilePath, err)
	}

	if err := os.Rename(tmpFilePath, s.snapshotFilePath); err != nil {
		return fmt.Errorf("cannot rename %q to %q: %w",
			tmpFilePath, s.snapshotFilePath, err)
	}

	return nil
}

func (s *FileStore) ReadSnapshot() (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("cannot read %q: %w", s.snapshotFilePath, err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("cannot read json data from %q: %w",
			s.snapshotFilePath, err)
	}

	return &snapshot, nil
}
