package raft

// A Log holds the in-memory suffix of the replicated log. Entries up to
// snapshotIndex have been compacted away; snapshotIndex/snapshotTerm keep
// the consistency-check point for the entry immediately following the
// snapshot.
type Log struct {
	entries []LogEntry

	snapshotIndex LogIndex
	snapshotTerm  Term

	sizeBytes int64
}

func NewLog() *Log {
	return &Log{}
}

// Restore resets the log from persisted data.
func (l *Log) Restore(snapshotIndex LogIndex, snapshotTerm Term, entries []LogEntry) {
	l.entries = entries
	l.snapshotIndex = snapshotIndex
	l.snapshotTerm = snapshotTerm

	l.sizeBytes = 0
	for i := range entries {
		l.sizeBytes += int64(len(entries[i].Data))
	}
}

// FirstIndex returns the lowest retained index. It is snapshotIndex+1 even
// when the log is empty.
func (l *Log) FirstIndex() LogIndex {
	return l.snapshotIndex + 1
}

func (l *Log) LastIndex() LogIndex {
	return l.snapshotIndex + LogIndex(len(l.entries))
}

func (l *Log) LastTerm() Term {
	if len(l.entries) == 0 {
		return l.snapshotTerm
	}

	return l.entries[len(l.entries)-1].Term
}

func (l *Log) SnapshotIndex() LogIndex {
	return l.snapshotIndex
}

func (l *Log) SnapshotTerm() Term {
	return l.snapshotTerm
}

// SizeBytes returns the total size of retained entry payloads, used to
// decide when to compact.
func (l *Log) SizeBytes() int64 {
	return l.sizeBytes
}

func (l *Log) arrayIndex(index LogIndex) int {
	return int(index - l.snapshotIndex - 1)
}

// TermAt returns the term of the entry at the given index. The second
// return value is false when the index has been compacted away or does not
// exist yet. Index 0 and the snapshot index are always answerable.
func (l *Log) TermAt(index LogIndex) (Term, bool) {
	if index == 0 {
		return 0, true
	}

	if index == l.snapshotIndex {
		return l.snapshotTerm, true
	}

	if index < l.snapshotIndex || index > l.LastIndex() {
		return 0, false
	}

	return l.entries[l.arrayIndex(index)].Term, true
}

func (l *Log) Entry(index LogIndex) (*LogEntry, bool) {
	if index <= l.snapshotIndex || index > l.LastIndex() {
		return nil, false
	}

	return &l.entries[l.arrayIndex(index)], true
}

// EntriesAfter returns up to maxCount entries starting right after the
// given index. The returned slice is a copy safe to hand to another
// goroutine.
func (l *Log) EntriesAfter(index LogIndex, maxCount int) []LogEntry {
	if index < l.snapshotIndex {
		Panicf("cannot read entries after compacted index %d "+
			"(snapshot index %d)", index, l.snapshotIndex)
	}

	start := l.arrayIndex(index + 1)
	if start >= len(l.entries) {
		return nil
	}

	end := len(l.entries)
	if maxCount > 0 && start+maxCount < end {
		end = start + maxCount
	}

	return CloneLogEntries(l.entries[start:end])
}

func (l *Log) Append(entries ...LogEntry) {
	for i := range entries {
		if entries[i].Index != l.LastIndex()+1 {
			Panicf("cannot append entry with index %d after index %d",
				entries[i].Index, l.LastIndex())
		}

		l.entries = append(l.entries, entries[i])
		l.sizeBytes += int64(len(entries[i].Data))
	}
}

// TruncateSuffix drops every entry at or after the given index. Committed
// entries must never be truncated; enforcing that is the caller's job.
func (l *Log) TruncateSuffix(from LogIndex) {
	if from <= l.snapshotIndex {
		Panicf("cannot truncate compacted index %d (snapshot index %d)",
			from, l.snapshotIndex)
	}

	start := l.arrayIndex(from)
	if start < 0 || start >= len(l.entries) {
		return
	}

	for i := start; i < len(l.entries); i++ {
		l.sizeBytes -= int64(len(l.entries[i].Data))
	}

	l.entries = l.entries[:start]
}

// CompactPrefix drops every entry up to the given index, recording it as
// the new snapshot point.
func (l *Log) CompactPrefix(upTo LogIndex, term Term) {
	if upTo <= l.snapshotIndex {
		return
	}

	if upTo >= l.LastIndex() {
		l.entries = nil
		l.sizeBytes = 0
	} else {
		kept := CloneLogEntries(l.entries[l.arrayIndex(upTo)+1:])
		l.entries = kept

		l.sizeBytes = 0
		for i := range kept {
			l.sizeBytes += int64(len(kept[i].Data))
		}
	}

	l.snapshotIndex = upTo
	l.snapshotTerm = term
}

// FirstIndexOfTerm returns the first retained index carrying the given
// term, used to build conflict hints.
func (l *Log) FirstIndexOfTerm(term Term) (LogIndex, bool) {
	for i := range l.entries {
		if l.entries[i].Term == term {
			return l.entries[i].Index, true
		}
	}

	return 0, false
}

// LastIndexOfTerm returns the last retained index carrying the given term,
// used by leaders to react to conflict hints.
func (l *Log) LastIndexOfTerm(term Term) (LogIndex, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term == term {
			return l.entries[i].Index, true
		}
	}

	return 0, false
}

func (l *Log) AllEntries() []LogEntry {
	return CloneLogEntries(l.entries)
}
