package replfs

import (
	"sort"
)

// WriteLog holds the staged writes of a session ordered by write id. A write
// id is stored at most once.
type WriteLog struct {
	records []WriteRecord
}

func NewWriteLog() *WriteLog {
	return &WriteLog{}
}

func (l *WriteLog) Len() int {
	return len(l.records)
}

func (l *WriteLog) IsEmpty() bool {
	return len(l.records) == 0
}

func (l *WriteLog) search(wid WriteId) int {
	return sort.Search(len(l.records), func(i int) bool {
		return l.records[i].WriteId >= wid
	})
}

// Insert adds a copy of a record to the log. It returns false if a record
// with the same write id is already present.
func (l *WriteLog) Insert(record WriteRecord) bool {
	idx := l.search(record.WriteId)
	if idx < len(l.records) && l.records[idx].WriteId == record.WriteId {
		return false
	}

	record.Data = append([]byte(nil), record.Data...)

	l.records = append(l.records, WriteRecord{})
	copy(l.records[idx+1:], l.records[idx:])
	l.records[idx] = record

	return true
}

func (l *WriteLog) Get(wid WriteId) (*WriteRecord, bool) {
	idx := l.search(wid)
	if idx < len(l.records) && l.records[idx].WriteId == wid {
		return &l.records[idx], true
	}

	return nil, false
}

func (l *WriteLog) FirstWriteId() WriteId {
	if len(l.records) == 0 {
		return 0
	}

	return l.records[0].WriteId
}

func (l *WriteLog) LastWriteId() WriteId {
	if len(l.records) == 0 {
		return 0
	}

	return l.records[len(l.records)-1].WriteId
}

// Prune removes every record whose write id is strictly lower than wid.
func (l *WriteLog) Prune(wid WriteId) {
	idx := l.search(wid)
	if idx == 0 {
		return
	}

	l.records = append(l.records[:0], l.records[idx:]...)
}

// Missing returns the write ids of [from, to] absent from the log, lowest
// first, stopping after MaxMissingWriteIds ids.
func (l *WriteLog) Missing(from, to WriteId) []WriteId {
	var missing []WriteId

	if from == 0 {
		from = 1
	}

	if from > to {
		return nil
	}

	idx := l.search(from)

	for wid := from; len(missing) < MaxMissingWriteIds; wid++ {
		for idx < len(l.records) && l.records[idx].WriteId < wid {
			idx++
		}

		if idx == len(l.records) || l.records[idx].WriteId != wid {
			missing = append(missing, wid)
		}

		if wid == to {
			break
		}
	}

	return missing
}

// Range returns the records whose write id is in [from, to], in write id
// order. The slice shares the log storage.
func (l *WriteLog) Range(from, to WriteId) []WriteRecord {
	start := l.search(from)

	end := start
	for end < len(l.records) && l.records[end].WriteId <= to {
		end++
	}

	return l.records[start:end]
}

func (l *WriteLog) Clear() {
	l.records = nil
}
