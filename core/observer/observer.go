// Package observer is the write-path façade: every insert, update, delete,
// DDL change, and transaction lifecycle event passes through it exactly
// once per logical change, and it decides what gets written to the
// operation log and when session bookkeeping is updated.
package observer

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cainiaofei/mongo/core/oplog"
	"github.com/cainiaofei/mongo/core/storage"
	"github.com/cainiaofei/mongo/core/txn"
)

// ErrNoSession reports a transaction lifecycle hook called on an operation
// context that has no session checked out. The session checkout is an
// upstream precondition; its absence here means the write path is broken.
var ErrNoSession = errors.New("observer: operation context has no session")

// Observer routes write hooks to the log or to the calling session's
// transaction assembler. It is stateless apart from its collaborators.
type Observer struct {
	logger   *zap.Logger
	log      oplog.Log
	sessions *txn.Registry

	// FormatProvider resolves the packed-vs-chained mode. It is read once
	// per finalize call, never per operation.
	FormatProvider func() oplog.EntryFormat

	// fatal handles programming-error faults. Defaults to logger.Fatal;
	// tests inject their own to observe the fault without dying.
	fatal func(msg string, fields ...zap.Field)
}

func New(log oplog.Log, sessions *txn.Registry, logger *zap.Logger) *Observer {
	return &Observer{
		logger:         logger,
		log:            log,
		sessions:       sessions,
		FormatProvider: func() oplog.EntryFormat { return oplog.FormatPacked },
		fatal:          logger.Fatal,
	}
}

// SetFatalHandler replaces the handler for programming-error faults.
func (o *Observer) SetFatalHandler(fatal func(msg string, fields ...zap.Field)) {
	o.fatal = fatal
}

func (o *Observer) format() oplog.EntryFormat {
	return o.FormatProvider()
}

// participant returns the assembler for the context's session, positioned
// at the context's transaction number. Calling a transaction hook on a
// context with no checked-out session is a programming-error fault.
func (o *Observer) participant(opCtx *storage.OperationContext) (*txn.Assembler, error) {
	if !opCtx.InSession() {
		o.fatal("transaction hook invoked on an operation context with no session")
		return nil, ErrNoSession
	}
	a := o.sessions.Checkout(*opCtx.SessionID)
	if err := a.BeginOrContinue(*opCtx.TxnNumber); err != nil {
		return nil, err
	}
	return a, nil
}

// InsertStatement pairs one inserted document with its statement id.
type InsertStatement struct {
	StmtID int32
	Doc    oplog.Document
}

// OnInserts logs a vector of inserts: buffered when a transaction is
// active on the context, one immediate entry per document otherwise.
func (o *Observer) OnInserts(opCtx *storage.OperationContext, ns oplog.Namespace, ui uuid.UUID, inserts []InsertStatement, fromMigrate bool) error {
	if opCtx.InSession() {
		a, err := o.participant(opCtx)
		if err != nil {
			return err
		}
		for _, ins := range inserts {
			uiCopy := ui
			if err := a.Add(txn.Operation{
				OpType:    oplog.OpTypeInsert,
				Namespace: ns,
				UI:        &uiCopy,
				Object:    ins.Doc,
				StmtID:    ins.StmtID,
			}); err != nil {
				return err
			}
		}
		return nil
	}
	for _, ins := range inserts {
		uiCopy := ui
		stmtID := ins.StmtID
		e := &oplog.Entry{
			OpType:      oplog.OpTypeInsert,
			Namespace:   ns.String(),
			UI:          &uiCopy,
			Object:      ins.Doc,
			StmtID:      &stmtID,
			FromMigrate: fromMigrate,
		}
		if _, err := o.log.Append(e); err != nil {
			return fmt.Errorf("failed to log insert on %s: %w", ns, err)
		}
	}
	return nil
}

// UpdateArgs describes one update statement.
type UpdateArgs struct {
	StmtID      int32
	Update      oplog.Document // the modifier applied
	Criteria    oplog.Document // match criteria identifying the document
	FromMigrate bool
}

// OnUpdate logs one update: buffered when a transaction is active,
// immediate otherwise.
func (o *Observer) OnUpdate(opCtx *storage.OperationContext, ns oplog.Namespace, ui uuid.UUID, args UpdateArgs) error {
	if opCtx.InSession() {
		a, err := o.participant(opCtx)
		if err != nil {
			return err
		}
		uiCopy := ui
		return a.Add(txn.Operation{
			OpType:    oplog.OpTypeUpdate,
			Namespace: ns,
			UI:        &uiCopy,
			Object:    args.Update,
			Object2:   args.Criteria,
			StmtID:    args.StmtID,
		})
	}
	uiCopy := ui
	stmtID := args.StmtID
	e := &oplog.Entry{
		OpType:      oplog.OpTypeUpdate,
		Namespace:   ns.String(),
		UI:          &uiCopy,
		Object:      args.Update,
		Object2:     args.Criteria,
		StmtID:      &stmtID,
		FromMigrate: args.FromMigrate,
	}
	if _, err := o.log.Append(e); err != nil {
		return fmt.Errorf("failed to log update on %s: %w", ns, err)
	}
	return nil
}

// AboutToDelete captures the document about to be removed. It must be
// called once immediately before each matching OnDelete on the same
// context; OnDelete consumes the capture.
func (o *Observer) AboutToDelete(opCtx *storage.OperationContext, ns oplog.Namespace, doc oplog.Document) error {
	key := deleteKey(doc)
	return opCtx.CapturePreImage(ns, key, doc)
}

// OnDelete logs one delete. Calling it without a preceding AboutToDelete
// for the same key, or twice for one capture, is a programming-error
// fault: the write path lost the document needed to log the deletion.
func (o *Observer) OnDelete(opCtx *storage.OperationContext, ns oplog.Namespace, ui uuid.UUID, stmtID int32, key oplog.Document, fromMigrate bool) error {
	key = deleteKey(key)
	if _, err := opCtx.ConsumePreImage(ns, key); err != nil {
		o.fatal("onDelete fired without a matching aboutToDelete",
			zap.String("ns", ns.String()),
			zap.Any("key", key),
			zap.Error(err))
		return err
	}
	if opCtx.InSession() {
		a, err := o.participant(opCtx)
		if err != nil {
			return err
		}
		uiCopy := ui
		return a.Add(txn.Operation{
			OpType:    oplog.OpTypeDelete,
			Namespace: ns,
			UI:        &uiCopy,
			Object:    key,
			StmtID:    stmtID,
		})
	}
	uiCopy := ui
	stmtIDCopy := stmtID
	e := &oplog.Entry{
		OpType:      oplog.OpTypeDelete,
		Namespace:   ns.String(),
		UI:          &uiCopy,
		Object:      key,
		StmtID:      &stmtIDCopy,
		FromMigrate: fromMigrate,
	}
	if _, err := o.log.Append(e); err != nil {
		return fmt.Errorf("failed to log delete on %s: %w", ns, err)
	}
	return nil
}

// deleteKey extracts the document key used to pair AboutToDelete with
// OnDelete and to populate the delete entry's o field.
func deleteKey(doc oplog.Document) oplog.Document {
	if id, ok := doc["_id"]; ok {
		return oplog.Document{"_id": id}
	}
	return doc
}
