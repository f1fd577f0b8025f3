package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cainiaofei/mongo/core/oplog"
	"github.com/cainiaofei/mongo/core/storage"
)

// --- Error Definitions ---

var (
	// ErrTransactionTooLarge reports a packed transaction whose single
	// applyOps entry would exceed the log's maximum entry size. Nothing is
	// written; the caller's storage transaction must abort.
	ErrTransactionTooLarge = errors.New("txn: transaction too large to fit in a single oplog entry")

	// ErrTxnInvalidState reports a lifecycle call that is illegal in the
	// assembler's current state.
	ErrTxnInvalidState = errors.New("txn: invalid transaction state for operation")

	// ErrTxnInvalidated reports use of an assembler invalidated by rollback.
	ErrTxnInvalidated = errors.New("txn: transaction participant was invalidated")

	// ErrWrongSlotCount reports a prepare called with a reserved-slot count
	// that does not match the buffered operations and format.
	ErrWrongSlotCount = errors.New("txn: reserved slot count does not match transaction shape")
)

// State is the in-memory lifecycle state of one transaction.
type State int

const (
	StateActive State = iota
	StateInPrepare
	StateCommittedWithoutPrepare
	StateCommittedWithPrepare
	StateAbortedWithoutPrepare
	StateAbortedWithPrepare
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInPrepare:
		return "prepared"
	case StateCommittedWithoutPrepare:
		return "committedWithoutPrepare"
	case StateCommittedWithPrepare:
		return "committedWithPrepare"
	case StateAbortedWithoutPrepare:
		return "abortedWithoutPrepare"
	case StateAbortedWithPrepare:
		return "abortedWithPrepare"
	}
	return "unknown"
}

// Operation is one buffered statement of an active transaction, not yet
// durable. StmtID is assigned by the caller in statement-execution order.
type Operation struct {
	OpType    oplog.OpType
	Namespace oplog.Namespace
	UI        *uuid.UUID
	Object    oplog.Document
	Object2   oplog.Document
	StmtID    int32
}

// applyOpsElement renders the operation as one element of an applyOps
// array.
func (op Operation) applyOpsElement() oplog.Document {
	elem := oplog.Document{
		"op": string(op.OpType),
		"ns": op.Namespace.String(),
		"o":  op.Object,
	}
	if op.UI != nil {
		elem["ui"] = op.UI.String()
	}
	if op.Object2 != nil {
		elem["o2"] = op.Object2
	}
	return elem
}

// Assembler accumulates one session's buffered operations and renders them
// into the log at finalize time, driving the prepare/commit/abort state
// machine and the durable session record. An assembler is single-writer:
// the session checkout layer guarantees one execution context at a time.
type Assembler struct {
	logger  *zap.Logger
	log     oplog.Log
	store   RecordStore
	metrics *Metrics

	sessionID    uuid.UUID
	txnNumber    int64
	state        State
	invalidated  bool
	buffer       []Operation
	maxEntrySize int

	lastWriteOpTime oplog.OpTime
	prepareOpTime   oplog.OpTime
	nextStmtID      int32
}

// NewAssembler returns an assembler for one session, initially with no
// active transaction number.
func NewAssembler(sessionID uuid.UUID, log oplog.Log, store RecordStore, logger *zap.Logger, metrics *Metrics, maxEntrySize int) *Assembler {
	if maxEntrySize <= 0 {
		maxEntrySize = oplog.MaxEntrySize
	}
	return &Assembler{
		logger:       logger.With(zap.String("sessionId", sessionID.String())),
		log:          log,
		store:        store,
		metrics:      metrics,
		sessionID:    sessionID,
		txnNumber:    -1,
		state:        StateActive,
		maxEntrySize: maxEntrySize,
	}
}

func (a *Assembler) SessionID() uuid.UUID             { return a.sessionID }
func (a *Assembler) TxnNumber() int64                 { return a.txnNumber }
func (a *Assembler) State() State                     { return a.state }
func (a *Assembler) LastWriteOpTime() oplog.OpTime    { return a.lastWriteOpTime }
func (a *Assembler) PrepareOpTime() oplog.OpTime      { return a.prepareOpTime }
func (a *Assembler) CompletedOperations() []Operation { return a.buffer }

// BeginOrContinue starts buffering for txnNumber. A higher number discards
// any leftover state from the previous transaction; a lower one is stale.
func (a *Assembler) BeginOrContinue(txnNumber int64) error {
	if a.invalidated {
		return ErrTxnInvalidated
	}
	if txnNumber < a.txnNumber {
		return fmt.Errorf("%w: txnNumber %d is older than active %d",
			ErrStaleTxnNumber, txnNumber, a.txnNumber)
	}
	if txnNumber > a.txnNumber {
		a.txnNumber = txnNumber
		a.state = StateActive
		a.buffer = nil
		a.lastWriteOpTime = oplog.OpTime{}
		a.prepareOpTime = oplog.OpTime{}
		a.nextStmtID = 0
	}
	return nil
}

// Add buffers one statement. Legal only while the transaction is active.
func (a *Assembler) Add(op Operation) error {
	if a.invalidated {
		return ErrTxnInvalidated
	}
	if a.state != StateActive {
		return fmt.Errorf("%w: cannot buffer in state %s", ErrTxnInvalidState, a.state)
	}
	a.buffer = append(a.buffer, op)
	return nil
}

// PrepareSlotCount returns the number of log slots a prepare of the current
// buffer needs under the given format. Callers reserve these before calling
// Prepare so the entries can embed their own final optimes.
func (a *Assembler) PrepareSlotCount(format oplog.EntryFormat) int {
	if format == oplog.FormatChained && len(a.buffer) > 0 {
		return len(a.buffer) + 1
	}
	return 1
}

// CommitUnprepared finalizes the transaction without a prepare phase. An
// empty buffer is a pure no-op: no entries, no session record.
func (a *Assembler) CommitUnprepared(opCtx *storage.OperationContext, format oplog.EntryFormat) error {
	if a.invalidated {
		return ErrTxnInvalidated
	}
	if a.state != StateActive {
		return fmt.Errorf("%w: commit in state %s", ErrTxnInvalidState, a.state)
	}
	ops := a.buffer
	if len(ops) == 0 {
		a.state = StateCommittedWithoutPrepare
		return nil
	}

	var last oplog.OpTime
	switch format {
	case oplog.FormatPacked:
		slots, err := a.log.ReserveSlots(1)
		if err != nil {
			return err
		}
		entry := a.buildPackedEntry(ops, slots[0], false)
		if err := a.checkSize(entry); err != nil {
			return err
		}
		if err := a.log.AppendReserved(entry); err != nil {
			return err
		}
		last = slots[0]
		a.countEntries(1)
	case oplog.FormatChained:
		slots, err := a.log.ReserveSlots(len(ops) + 1)
		if err != nil {
			return err
		}
		marker := oplog.Document{oplog.CmdCommitTransaction: int64(1), "prepare": false}
		if err := a.appendChain(ops, slots, marker); err != nil {
			return err
		}
		last = slots[len(slots)-1]
		a.countEntries(len(slots))
	default:
		return format.Validate()
	}

	if err := a.store.Upsert(Record{
		SessionID:       a.sessionID,
		TxnNumber:       a.txnNumber,
		LastWriteOpTime: last,
		State:           StateCommitted,
	}); err != nil {
		return err
	}
	a.lastWriteOpTime = last
	a.buffer = nil
	a.state = StateCommittedWithoutPrepare
	a.logger.Debug("transaction committed",
		zap.Int64("txnNumber", a.txnNumber),
		zap.Int("operations", len(ops)),
		zap.String("format", string(format)))
	a.incCommitted()
	return nil
}

// Prepare finalizes the first phase of two-phase commit. The buffered
// operations (possibly none) are rendered against the pre-reserved slots;
// the last slot's timestamp becomes the prepare timestamp handed to the
// storage transaction. An empty buffer still writes one prepare entry.
func (a *Assembler) Prepare(opCtx *storage.OperationContext, format oplog.EntryFormat, reservedSlots []oplog.OpTime) error {
	if a.invalidated {
		return ErrTxnInvalidated
	}
	if a.state != StateActive {
		return fmt.Errorf("%w: prepare in state %s", ErrTxnInvalidState, a.state)
	}
	if len(reservedSlots) != a.PrepareSlotCount(format) {
		return fmt.Errorf("%w: got %d slots, need %d",
			ErrWrongSlotCount, len(reservedSlots), a.PrepareSlotCount(format))
	}
	ops := a.buffer
	prepareSlot := reservedSlots[len(reservedSlots)-1]

	switch format {
	case oplog.FormatPacked:
		entry := a.buildPackedEntry(ops, prepareSlot, true)
		if err := a.checkSize(entry); err != nil {
			return err
		}
		if err := a.log.AppendReserved(entry); err != nil {
			return err
		}
		a.nextStmtID = 1
		a.countEntries(1)
	case oplog.FormatChained:
		if len(ops) == 0 {
			entry := a.buildMarkerEntry(oplog.Document{oplog.CmdPrepareTransaction: int64(1)},
				prepareSlot, oplog.OpTime{}, 0)
			if err := a.log.AppendReserved(entry); err != nil {
				return err
			}
			a.nextStmtID = 1
			a.countEntries(1)
			break
		}
		marker := oplog.Document{oplog.CmdPrepareTransaction: int64(1)}
		if err := a.appendChain(ops, reservedSlots, marker); err != nil {
			return err
		}
		a.nextStmtID = int32(len(ops)) + 1
		a.countEntries(len(reservedSlots))
	default:
		return format.Validate()
	}

	opCtx.RU.SetPrepareTimestamp(prepareSlot.Timestamp)
	if err := a.store.Upsert(Record{
		SessionID:       a.sessionID,
		TxnNumber:       a.txnNumber,
		LastWriteOpTime: prepareSlot,
		State:           StatePrepared,
		StartOpTime:     &prepareSlot,
	}); err != nil {
		return err
	}
	a.prepareOpTime = prepareSlot
	a.lastWriteOpTime = prepareSlot
	a.buffer = nil
	a.state = StateInPrepare
	a.logger.Debug("transaction prepared",
		zap.Int64("txnNumber", a.txnNumber),
		zap.Int("operations", len(ops)),
		zap.String("format", string(format)),
		zap.String("prepareOpTime", prepareSlot.String()))
	a.incPrepared()
	return nil
}

// CommitPrepared writes the commit marker for a prepared transaction at the
// pre-reserved commit slot, carrying the prepare timestamp as the commit
// timestamp.
func (a *Assembler) CommitPrepared(opCtx *storage.OperationContext, commitSlot oplog.OpTime, prepareTS oplog.Timestamp) error {
	if a.invalidated {
		return ErrTxnInvalidated
	}
	if a.state != StateInPrepare {
		return fmt.Errorf("%w: prepared commit in state %s", ErrTxnInvalidState, a.state)
	}
	marker := oplog.Document{
		oplog.CmdCommitTransaction: int64(1),
		"commitTimestamp":          uint64(prepareTS),
	}
	entry := a.buildMarkerEntry(marker, commitSlot, a.prepareOpTime, a.nextStmtID)
	if err := a.log.AppendReserved(entry); err != nil {
		return err
	}
	if err := a.store.Upsert(Record{
		SessionID:       a.sessionID,
		TxnNumber:       a.txnNumber,
		LastWriteOpTime: commitSlot,
		State:           StateCommitted,
	}); err != nil {
		return err
	}
	a.lastWriteOpTime = commitSlot
	a.state = StateCommittedWithPrepare
	a.logger.Debug("prepared transaction committed",
		zap.Int64("txnNumber", a.txnNumber),
		zap.Uint64("commitTimestamp", uint64(prepareTS)))
	a.countEntries(1)
	a.incCommitted()
	return nil
}

// Abort ends the transaction. abortSlot is non-nil only when the
// transaction reached prepare: a durable abort marker must then undo the
// durable promise the prepare made. lastWriteOpTime never advances on
// abort. An unprepared abort touches neither the log nor the record store.
func (a *Assembler) Abort(opCtx *storage.OperationContext, abortSlot *oplog.OpTime) error {
	if a.invalidated {
		return ErrTxnInvalidated
	}
	switch a.state {
	case StateActive:
		if abortSlot != nil {
			return fmt.Errorf("%w: abort slot reserved for unprepared transaction", ErrTxnInvalidState)
		}
		a.buffer = nil
		a.state = StateAbortedWithoutPrepare
		a.incAborted()
		return nil
	case StateInPrepare:
		if abortSlot == nil {
			return fmt.Errorf("%w: prepared abort needs a reserved slot", ErrTxnInvalidState)
		}
		entry := a.buildMarkerEntry(oplog.Document{oplog.CmdAbortTransaction: int64(1)},
			*abortSlot, a.prepareOpTime, a.nextStmtID)
		if err := a.log.AppendReserved(entry); err != nil {
			return err
		}
		if err := a.store.Upsert(Record{
			SessionID:       a.sessionID,
			TxnNumber:       a.txnNumber,
			LastWriteOpTime: a.lastWriteOpTime,
			State:           StateAborted,
		}); err != nil {
			return err
		}
		a.state = StateAbortedWithPrepare
		a.logger.Debug("prepared transaction aborted", zap.Int64("txnNumber", a.txnNumber))
		a.countEntries(1)
		a.incAborted()
		return nil
	default:
		return fmt.Errorf("%w: abort in state %s", ErrTxnInvalidState, a.state)
	}
}

// Invalidate discards all in-memory transaction state. Used by the
// rollback reactor; the next access to the session reloads from the
// truncated durable record.
func (a *Assembler) Invalidate() {
	a.invalidated = true
	a.buffer = nil
}

func (a *Assembler) Invalidated() bool {
	return a.invalidated
}

// buildPackedEntry renders all operations as one applyOps command entry at
// the given slot.
func (a *Assembler) buildPackedEntry(ops []Operation, slot oplog.OpTime, prepare bool) *oplog.Entry {
	elems := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		elems = append(elems, op.applyOpsElement())
	}
	obj := oplog.Document{oplog.CmdApplyOps: elems}
	if prepare {
		obj["prepare"] = true
	}
	sessionID := a.sessionID
	txnNumber := a.txnNumber
	stmtID := int32(0)
	prev := oplog.OpTime{}
	e := &oplog.Entry{
		OpType:     oplog.OpTypeCommand,
		Namespace:  oplog.AdminCommandNamespace.String(),
		Object:     obj,
		SessionID:  &sessionID,
		TxnNumber:  &txnNumber,
		StmtID:     &stmtID,
		PrevOpTime: &prev,
		Timestamp:  slot.Timestamp,
		Term:       slot.Term,
	}
	if prepare {
		t := true
		e.Prepare = &t
	}
	return e
}

// buildMarkerEntry renders a transaction control marker (commit, abort, or
// bare prepare) at the given slot, linked to prev.
func (a *Assembler) buildMarkerEntry(obj oplog.Document, slot oplog.OpTime, prev oplog.OpTime, stmtID int32) *oplog.Entry {
	sessionID := a.sessionID
	txnNumber := a.txnNumber
	prevCopy := prev
	return &oplog.Entry{
		OpType:     oplog.OpTypeCommand,
		Namespace:  oplog.AdminCommandNamespace.String(),
		Object:     obj,
		SessionID:  &sessionID,
		TxnNumber:  &txnNumber,
		StmtID:     &stmtID,
		PrevOpTime: &prevCopy,
		Timestamp:  slot.Timestamp,
		Term:       slot.Term,
	}
}

// appendChain writes one entry per operation plus the trailing marker,
// linking each entry to its predecessor. slots must hold len(ops)+1
// reserved optimes.
func (a *Assembler) appendChain(ops []Operation, slots []oplog.OpTime, marker oplog.Document) error {
	prev := oplog.OpTime{}
	for i, op := range ops {
		sessionID := a.sessionID
		txnNumber := a.txnNumber
		stmtID := op.StmtID
		prevCopy := prev
		e := &oplog.Entry{
			OpType:     op.OpType,
			Namespace:  op.Namespace.String(),
			UI:         op.UI,
			Object:     op.Object,
			Object2:    op.Object2,
			SessionID:  &sessionID,
			TxnNumber:  &txnNumber,
			StmtID:     &stmtID,
			PrevOpTime: &prevCopy,
			InTxn:      true,
			Timestamp:  slots[i].Timestamp,
			Term:       slots[i].Term,
		}
		if err := a.log.AppendReserved(e); err != nil {
			return err
		}
		prev = slots[i]
	}
	markerEntry := a.buildMarkerEntry(marker, slots[len(slots)-1], prev, int32(len(ops)))
	return a.log.AppendReserved(markerEntry)
}

// checkSize enforces the packed-path entry size ceiling. On failure the
// finalize attempt is rejected whole.
func (a *Assembler) checkSize(e *oplog.Entry) error {
	size, err := e.EncodedSize()
	if err != nil {
		return err
	}
	if size > a.maxEntrySize {
		a.logger.Warn("transaction exceeds max entry size",
			zap.Int64("txnNumber", a.txnNumber),
			zap.Int("size", size),
			zap.Int("limit", a.maxEntrySize))
		a.incTooLarge()
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTransactionTooLarge, size, a.maxEntrySize)
	}
	return nil
}

func (a *Assembler) incCommitted() {
	if a.metrics != nil {
		a.metrics.CommittedCounter.Add(context.Background(), 1)
	}
}

func (a *Assembler) incPrepared() {
	if a.metrics != nil {
		a.metrics.PreparedCounter.Add(context.Background(), 1)
	}
}

func (a *Assembler) incAborted() {
	if a.metrics != nil {
		a.metrics.AbortedCounter.Add(context.Background(), 1)
	}
}

func (a *Assembler) incTooLarge() {
	if a.metrics != nil {
		a.metrics.TooLargeCounter.Add(context.Background(), 1)
	}
}

func (a *Assembler) countEntries(n int) {
	if a.metrics != nil {
		a.metrics.EntriesCounter.Add(context.Background(), int64(n))
	}
}
