package txn

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cainiaofei/mongo/core/oplog"
)

// Registry hands out the per-session Assembler. It is the in-memory face
// of the session catalog: Checkout creates participants lazily, and
// Invalidate drops them after rollback so the next checkout reloads from
// the durable record.
type Registry struct {
	logger       *zap.Logger
	log          oplog.Log
	store        RecordStore
	metrics      *Metrics
	maxEntrySize int

	mu       sync.Mutex
	sessions map[uuid.UUID]*Assembler
}

func NewRegistry(log oplog.Log, store RecordStore, logger *zap.Logger, metrics *Metrics, maxEntrySize int) *Registry {
	return &Registry{
		logger:       logger,
		log:          log,
		store:        store,
		metrics:      metrics,
		maxEntrySize: maxEntrySize,
		sessions:     make(map[uuid.UUID]*Assembler),
	}
}

// Checkout returns the session's participant, creating it on first use.
func (r *Registry) Checkout(sessionID uuid.UUID) *Assembler {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.sessions[sessionID]
	if !ok || a.Invalidated() {
		a = NewAssembler(sessionID, r.log, r.store, r.logger, r.metrics, r.maxEntrySize)
		r.sessions[sessionID] = a
	}
	return a
}

// Lookup returns the participant if one is checked in, without creating.
func (r *Registry) Lookup(sessionID uuid.UUID) (*Assembler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.sessions[sessionID]
	return a, ok
}

// Invalidate marks the session's in-memory state stale and removes it.
func (r *Registry) Invalidate(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.sessions[sessionID]; ok {
		a.Invalidate()
		delete(r.sessions, sessionID)
		r.logger.Info("invalidated session transaction state",
			zap.String("sessionId", sessionID.String()))
	}
}

// Store exposes the durable record store backing the registry.
func (r *Registry) Store() RecordStore {
	return r.store
}
