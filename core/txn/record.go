// Package txn implements multi-statement transaction assembly on top of
// the operation log: it buffers statements per session, folds them into
// packed applyOps entries or per-statement chains, and keeps the durable
// per-session transaction record in sync with what it writes.
package txn

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/cainiaofei/mongo/core/oplog"
)

// DurableTxnState is the on-disk lifecycle state of a session's current
// transaction. Absence of a state means no transaction outcome has been
// recorded yet for that transaction number.
type DurableTxnState string

const (
	StateCommitted DurableTxnState = "committed"
	StatePrepared  DurableTxnState = "prepared"
	StateAborted   DurableTxnState = "aborted"
)

// ErrStaleTxnNumber reports an upsert carrying a transaction number lower
// than the one already recorded for the session.
var ErrStaleTxnNumber = errors.New("txn: transaction number is older than the recorded one")

// Record is the durable transaction record for one session. One record
// exists per session and is overwritten as transaction numbers advance.
type Record struct {
	SessionID       uuid.UUID       `json:"_id"`
	TxnNumber       int64           `json:"txnNum"`
	LastWriteOpTime oplog.OpTime    `json:"lastWriteOpTime"`
	State           DurableTxnState `json:"state,omitempty"`
	StartOpTime     *oplog.OpTime   `json:"startOpTime,omitempty"`
}

// RecordStore persists transaction records keyed by session.
type RecordStore interface {
	Upsert(rec Record) error
	Read(sessionID uuid.UUID) (Record, bool)
}

// MemoryStore is an in-memory RecordStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]Record)}
}

func (s *MemoryStore) Upsert(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.SessionID]; ok && existing.TxnNumber > rec.TxnNumber {
		return ErrStaleTxnNumber
	}
	s.records[rec.SessionID] = rec
	return nil
}

func (s *MemoryStore) Read(sessionID uuid.UUID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	return rec, ok
}
