package oplog

import (
	"errors"
	"sync"
)

// --- Error Definitions ---

var (
	ErrInvalidEntry    = errors.New("invalid oplog entry")
	ErrLogClosed       = errors.New("oplog is closed")
	ErrSlotNotReserved = errors.New("entry optime was not reserved")
)

// EntryFormat selects how a multi-statement transaction is rendered into
// the log: one packed applyOps entry, or one entry per statement chained by
// prevOpTime.
type EntryFormat string

const (
	FormatPacked  EntryFormat = "packed"
	FormatChained EntryFormat = "chained"
)

// Validate reports whether the format is one of the supported values.
func (f EntryFormat) Validate() error {
	switch f {
	case FormatPacked, FormatChained:
		return nil
	}
	return errors.New("entry format must be \"packed\" or \"chained\"")
}

// Log is the append surface of the operation log. Reserving slots is the
// single global serialization point: it must be cheap and must never be
// held across entry composition.
type Log interface {
	// ReserveSlots hands out n strictly increasing optimes. Entries built
	// against them are appended later with AppendReserved.
	ReserveSlots(n int) ([]OpTime, error)

	// Append reserves one slot, stamps the entry with it, and appends.
	Append(e *Entry) (OpTime, error)

	// AppendReserved appends an entry whose Timestamp/Term were already
	// assigned by ReserveSlots.
	AppendReserved(e *Entry) error
}

// MemoryLog is an in-memory Log used by unit tests and by callers that
// layer their own durability underneath.
type MemoryLog struct {
	mu     sync.Mutex
	nextTS Timestamp
	term   int64
	buf    []Entry
}

// NewMemoryLog returns an empty log at term 1.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{nextTS: 1, term: 1}
}

// ReserveSlots implements Log.
func (l *MemoryLog) ReserveSlots(n int) ([]OpTime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slots := make([]OpTime, n)
	for i := range slots {
		slots[i] = OpTime{Timestamp: l.nextTS, Term: l.term}
		l.nextTS++
	}
	return slots, nil
}

// Append implements Log.
func (l *MemoryLog) Append(e *Entry) (OpTime, error) {
	slots, err := l.ReserveSlots(1)
	if err != nil {
		return OpTime{}, err
	}
	e.Timestamp = slots[0].Timestamp
	e.Term = slots[0].Term
	if err := l.AppendReserved(e); err != nil {
		return OpTime{}, err
	}
	return slots[0], nil
}

// AppendReserved implements Log.
func (l *MemoryLog) AppendReserved(e *Entry) error {
	if e.Timestamp == 0 {
		return ErrSlotNotReserved
	}
	if err := e.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, *e)
	return nil
}

// Entries returns a copy of everything appended so far, in append order.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.buf))
	copy(out, l.buf)
	return out
}

// Len returns the number of appended entries.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// TruncateAfter drops every entry with an optime after the given one. It is
// the rollback primitive used when the replication layer discards a
// divergent log suffix; callers must have quiesced writers first.
func (l *MemoryLog) TruncateAfter(opTime OpTime) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.buf[:0]
	for _, e := range l.buf {
		if !opTime.Before(e.OpTime()) {
			kept = append(kept, e)
		}
	}
	l.buf = kept
}
