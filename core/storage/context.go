package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cainiaofei/mongo/core/oplog"
)

// ErrNoPreImage reports an onDelete hook firing without a matching
// aboutToDelete call on the same operation context. This is a protocol
// violation by the caller, not a recoverable condition.
var ErrNoPreImage = errors.New("storage: onDelete called without a preceding aboutToDelete")

// OperationContext carries the session state and storage state for one
// logical operation. A context is single-threaded: only one statement
// executes on it at a time.
type OperationContext struct {
	SessionID *uuid.UUID
	TxnNumber *int64
	RU        *RecoveryUnit

	// pendingDeletes maps namespace+key to the document captured by
	// AboutToDelete, consumed by the matching OnDelete.
	pendingDeletes map[string]oplog.Document
}

func NewOperationContext() *OperationContext {
	return &OperationContext{
		RU:             NewRecoveryUnit(),
		pendingDeletes: make(map[string]oplog.Document),
	}
}

// WithSession attaches session identity, making the context transactional.
func (opCtx *OperationContext) WithSession(sessionID uuid.UUID, txnNumber int64) *OperationContext {
	opCtx.SessionID = &sessionID
	opCtx.TxnNumber = &txnNumber
	return opCtx
}

func (opCtx *OperationContext) InSession() bool {
	return opCtx.SessionID != nil
}

// CapturePreImage stages the document about to be deleted, keyed by
// namespace and document key.
func (opCtx *OperationContext) CapturePreImage(ns oplog.Namespace, key oplog.Document, doc oplog.Document) error {
	k, err := arenaKey(ns, key)
	if err != nil {
		return err
	}
	opCtx.pendingDeletes[k] = doc
	return nil
}

// ConsumePreImage removes and returns the staged pre-image for the key.
// A miss means the delete protocol was violated.
func (opCtx *OperationContext) ConsumePreImage(ns oplog.Namespace, key oplog.Document) (oplog.Document, error) {
	k, err := arenaKey(ns, key)
	if err != nil {
		return nil, err
	}
	doc, ok := opCtx.pendingDeletes[k]
	if !ok {
		return nil, ErrNoPreImage
	}
	delete(opCtx.pendingDeletes, k)
	return doc, nil
}

// arenaKey builds a canonical string key. json.Marshal sorts map keys, so
// equivalent documents collide as intended.
func arenaKey(ns oplog.Namespace, key oplog.Document) (string, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize document key: %w", err)
	}
	return ns.String() + "\x00" + string(data), nil
}
