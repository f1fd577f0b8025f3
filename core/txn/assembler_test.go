package txn

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cainiaofei/mongo/core/oplog"
	"github.com/cainiaofei/mongo/core/storage"
)

// --- Test Helpers ---

type assemblerFixture struct {
	log   *oplog.MemoryLog
	store *MemoryStore
	asm   *Assembler
	opCtx *storage.OperationContext
	sid   uuid.UUID
}

// setupAssembler creates an assembler with an active transaction number 1.
func setupAssembler(t *testing.T) *assemblerFixture {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	sid := uuid.New()
	log := oplog.NewMemoryLog()
	store := NewMemoryStore()
	asm := NewAssembler(sid, log, store, logger, nil, 0)
	require.NoError(t, asm.BeginOrContinue(1))

	opCtx := storage.NewOperationContext().WithSession(sid, 1)
	return &assemblerFixture{log: log, store: store, asm: asm, opCtx: opCtx, sid: sid}
}

func testOperation(ns string, stmtID int32, doc oplog.Document) Operation {
	ui := uuid.New()
	return Operation{
		OpType:    oplog.OpTypeInsert,
		Namespace: oplog.ParseNamespace(ns),
		UI:        &ui,
		Object:    doc,
		StmtID:    stmtID,
	}
}

func (f *assemblerFixture) addOps(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.asm.Add(testOperation("testDB.coll", int32(i), oplog.Document{"_id": i})))
	}
}

func (f *assemblerFixture) prepare(t *testing.T, format oplog.EntryFormat) []oplog.OpTime {
	t.Helper()
	slots, err := f.log.ReserveSlots(f.asm.PrepareSlotCount(format))
	require.NoError(t, err)
	require.NoError(t, f.asm.Prepare(f.opCtx, format, slots))
	return slots
}

// --- Unprepared Commit ---

func TestAssembler_PackedUnpreparedCommit(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 2)

	require.NoError(t, f.asm.CommitUnprepared(f.opCtx, oplog.FormatPacked))
	require.Equal(t, StateCommittedWithoutPrepare, f.asm.State())

	// Exactly one applyOps entry on the admin command namespace.
	entries := f.log.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, oplog.OpTypeCommand, e.OpType)
	require.Equal(t, "admin.$cmd", e.Namespace)
	require.Equal(t, f.sid, *e.SessionID)
	require.Equal(t, int64(1), *e.TxnNumber)
	require.Equal(t, int32(0), *e.StmtID)
	require.True(t, e.PrevOpTime.IsNull())
	require.Nil(t, e.Prepare, "an unprepared commit carries no prepare flag")

	elems := e.Object[oplog.CmdApplyOps].([]interface{})
	require.Len(t, elems, 2)
	first := elems[0].(oplog.Document)
	require.Equal(t, "i", first["op"])
	require.Equal(t, "testDB.coll", first["ns"])
	_, hasPrepare := e.Object["prepare"]
	require.False(t, hasPrepare)

	rec, ok := f.store.Read(f.sid)
	require.True(t, ok)
	require.Equal(t, StateCommitted, rec.State)
	require.Equal(t, e.OpTime(), rec.LastWriteOpTime)
	require.Equal(t, e.OpTime(), f.asm.LastWriteOpTime())
}

func TestAssembler_EmptyUnpreparedCommitIsNoOp(t *testing.T) {
	for _, format := range []oplog.EntryFormat{oplog.FormatPacked, oplog.FormatChained} {
		f := setupAssembler(t)
		require.NoError(t, f.asm.CommitUnprepared(f.opCtx, format))
		require.Equal(t, StateCommittedWithoutPrepare, f.asm.State())
		require.Equal(t, 0, f.log.Len(), "format %s wrote entries for an empty commit", format)
		_, ok := f.store.Read(f.sid)
		require.False(t, ok, "format %s created a session record for an empty commit", format)
	}
}

func TestAssembler_ChainedUnpreparedCommit(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 3)

	require.NoError(t, f.asm.CommitUnprepared(f.opCtx, oplog.FormatChained))

	// Three statement entries plus the commit marker.
	entries := f.log.Entries()
	require.Len(t, entries, 4)

	prev := oplog.OpTime{}
	var last oplog.Timestamp
	for i := 0; i < 3; i++ {
		e := entries[i]
		require.Equal(t, oplog.OpTypeInsert, e.OpType)
		require.True(t, e.InTxn)
		require.Equal(t, int32(i), *e.StmtID)
		require.Equal(t, prev, *e.PrevOpTime)
		require.Greater(t, e.Timestamp, last)
		prev = e.OpTime()
		last = e.Timestamp
	}

	marker := entries[3]
	require.Equal(t, oplog.OpTypeCommand, marker.OpType)
	require.Equal(t, int64(1), marker.Object[oplog.CmdCommitTransaction])
	require.Equal(t, false, marker.Object["prepare"])
	require.Equal(t, int32(3), *marker.StmtID)
	require.Equal(t, entries[2].OpTime(), *marker.PrevOpTime)
	require.False(t, marker.InTxn)

	rec, ok := f.store.Read(f.sid)
	require.True(t, ok)
	require.Equal(t, StateCommitted, rec.State)
	require.Equal(t, marker.OpTime(), rec.LastWriteOpTime)
}

// --- Prepare ---

func TestAssembler_PackedPrepare(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 2)

	require.Equal(t, 1, f.asm.PrepareSlotCount(oplog.FormatPacked))
	slots := f.prepare(t, oplog.FormatPacked)
	require.Equal(t, StateInPrepare, f.asm.State())

	entries := f.log.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	require.Equal(t, slots[0], e.OpTime())
	require.NotNil(t, e.Prepare)
	require.True(t, *e.Prepare)
	require.Equal(t, true, e.Object["prepare"])
	require.Len(t, e.Object[oplog.CmdApplyOps].([]interface{}), 2)

	// The prepare timestamp lands on the recovery unit.
	require.Equal(t, slots[0].Timestamp, f.opCtx.RU.PrepareTimestamp())

	rec, ok := f.store.Read(f.sid)
	require.True(t, ok)
	require.Equal(t, StatePrepared, rec.State)
	require.Equal(t, slots[0], rec.LastWriteOpTime)
	require.NotNil(t, rec.StartOpTime)
	require.Equal(t, slots[0], *rec.StartOpTime)
}

func TestAssembler_ChainedPrepare(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 2)

	require.Equal(t, 3, f.asm.PrepareSlotCount(oplog.FormatChained))
	slots := f.prepare(t, oplog.FormatChained)

	entries := f.log.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, entries[0].OpTime(), *entries[1].PrevOpTime)
	require.Equal(t, entries[1].OpTime(), *entries[2].PrevOpTime)

	marker := entries[2]
	require.Equal(t, int64(1), marker.Object[oplog.CmdPrepareTransaction])
	require.Equal(t, int32(2), *marker.StmtID)

	// The prepare timestamp is the last reserved slot's.
	require.Equal(t, slots[2].Timestamp, f.opCtx.RU.PrepareTimestamp())
	require.Equal(t, slots[2], f.asm.PrepareOpTime())
}

func TestAssembler_EmptyPrepareStillWritesOneEntry(t *testing.T) {
	t.Run("packed", func(t *testing.T) {
		f := setupAssembler(t)
		f.prepare(t, oplog.FormatPacked)

		entries := f.log.Entries()
		require.Len(t, entries, 1)
		e := entries[0]
		require.Len(t, e.Object[oplog.CmdApplyOps].([]interface{}), 0)
		require.Equal(t, true, e.Object["prepare"])

		rec, ok := f.store.Read(f.sid)
		require.True(t, ok)
		require.Equal(t, StatePrepared, rec.State)
	})

	t.Run("chained", func(t *testing.T) {
		f := setupAssembler(t)
		require.Equal(t, 1, f.asm.PrepareSlotCount(oplog.FormatChained))
		f.prepare(t, oplog.FormatChained)

		entries := f.log.Entries()
		require.Len(t, entries, 1)
		e := entries[0]
		require.Equal(t, int64(1), e.Object[oplog.CmdPrepareTransaction])
		require.Equal(t, int32(0), *e.StmtID)
		require.True(t, e.PrevOpTime.IsNull())

		rec, ok := f.store.Read(f.sid)
		require.True(t, ok)
		require.Equal(t, StatePrepared, rec.State)
	})
}

func TestAssembler_PrepareSlotCountMismatch(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 2)

	slots, err := f.log.ReserveSlots(1)
	require.NoError(t, err)
	err = f.asm.Prepare(f.opCtx, oplog.FormatChained, slots)
	require.ErrorIs(t, err, ErrWrongSlotCount)
}

// --- Prepared Commit / Abort ---

func TestAssembler_PreparedCommit(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 1)
	slots := f.prepare(t, oplog.FormatPacked)
	prepareOpTime := slots[0]

	commitSlots, err := f.log.ReserveSlots(1)
	require.NoError(t, err)
	require.NoError(t, f.asm.CommitPrepared(f.opCtx, commitSlots[0], prepareOpTime.Timestamp))
	require.Equal(t, StateCommittedWithPrepare, f.asm.State())

	entries := f.log.Entries()
	require.Len(t, entries, 2)
	marker := entries[1]
	require.Equal(t, int64(1), marker.Object[oplog.CmdCommitTransaction])
	require.Equal(t, uint64(prepareOpTime.Timestamp), marker.Object["commitTimestamp"])
	require.Equal(t, int32(1), *marker.StmtID)
	require.Equal(t, prepareOpTime, *marker.PrevOpTime)

	rec, _ := f.store.Read(f.sid)
	require.Equal(t, StateCommitted, rec.State)
	require.Equal(t, commitSlots[0], rec.LastWriteOpTime)
}

func TestAssembler_PreparedAbortLeavesLastWriteOpTime(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 1)
	slots := f.prepare(t, oplog.FormatPacked)
	prepareOpTime := slots[0]

	abortSlots, err := f.log.ReserveSlots(1)
	require.NoError(t, err)
	require.NoError(t, f.asm.Abort(f.opCtx, &abortSlots[0]))
	require.Equal(t, StateAbortedWithPrepare, f.asm.State())

	entries := f.log.Entries()
	require.Len(t, entries, 2)
	marker := entries[1]
	require.Equal(t, int64(1), marker.Object[oplog.CmdAbortTransaction])
	require.Equal(t, int32(1), *marker.StmtID)
	require.Equal(t, prepareOpTime, *marker.PrevOpTime)

	// Abort is not a logical write: lastWriteOpTime stays at the prepare.
	rec, _ := f.store.Read(f.sid)
	require.Equal(t, StateAborted, rec.State)
	require.Equal(t, prepareOpTime, rec.LastWriteOpTime)
	require.Equal(t, prepareOpTime, f.asm.LastWriteOpTime())
}

func TestAssembler_UnpreparedAbortWritesNothing(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 3)

	require.NoError(t, f.asm.Abort(f.opCtx, nil))
	require.Equal(t, StateAbortedWithoutPrepare, f.asm.State())
	require.Equal(t, 0, f.log.Len())
	_, ok := f.store.Read(f.sid)
	require.False(t, ok)
}

func TestAssembler_ChainedPreparedCommitStmtID(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 2)
	f.prepare(t, oplog.FormatChained)

	commitSlots, err := f.log.ReserveSlots(1)
	require.NoError(t, err)
	require.NoError(t, f.asm.CommitPrepared(f.opCtx, commitSlots[0], f.asm.PrepareOpTime().Timestamp))

	entries := f.log.Entries()
	marker := entries[len(entries)-1]
	require.Equal(t, int32(3), *marker.StmtID, "the marker takes the next sequential statement id")
}

// --- Size Enforcement ---

func TestAssembler_TransactionTooLarge(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sid := uuid.New()
	log := oplog.NewMemoryLog()
	store := NewMemoryStore()
	asm := NewAssembler(sid, log, store, logger, nil, 256)
	require.NoError(t, asm.BeginOrContinue(1))
	opCtx := storage.NewOperationContext().WithSession(sid, 1)

	big := make([]byte, 512)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, asm.Add(testOperation("testDB.coll", 0, oplog.Document{"_id": 1, "blob": string(big)})))

	err = asm.CommitUnprepared(opCtx, oplog.FormatPacked)
	require.ErrorIs(t, err, ErrTransactionTooLarge)

	// All-or-nothing: no partial entry, no session record.
	require.Equal(t, 0, log.Len())
	_, ok := store.Read(sid)
	require.False(t, ok)
}

// --- State Machine ---

func TestAssembler_LifecycleViolations(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 1)

	// Prepared commit before prepare.
	err := f.asm.CommitPrepared(f.opCtx, oplog.OpTime{Timestamp: 9, Term: 1}, 1)
	require.ErrorIs(t, err, ErrTxnInvalidState)

	// Abort slot without a prepare.
	slot := oplog.OpTime{Timestamp: 9, Term: 1}
	require.ErrorIs(t, f.asm.Abort(f.opCtx, &slot), ErrTxnInvalidState)

	// Prepared abort without a slot.
	f.prepare(t, oplog.FormatPacked)
	require.ErrorIs(t, f.asm.Abort(f.opCtx, nil), ErrTxnInvalidState)

	// Buffering after finalize.
	require.ErrorIs(t, f.asm.Add(testOperation("testDB.coll", 1, oplog.Document{"_id": 2})), ErrTxnInvalidState)
}

func TestAssembler_TxnNumberMonotonicity(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 2)

	require.ErrorIs(t, f.asm.BeginOrContinue(0), ErrStaleTxnNumber)

	// Continuing the same number keeps the buffer.
	require.NoError(t, f.asm.BeginOrContinue(1))
	require.Len(t, f.asm.CompletedOperations(), 2)

	// A higher number starts fresh.
	require.NoError(t, f.asm.BeginOrContinue(2))
	require.Len(t, f.asm.CompletedOperations(), 0)
	require.Equal(t, int64(2), f.asm.TxnNumber())
}

func TestAssembler_InvalidatedRejectsEverything(t *testing.T) {
	f := setupAssembler(t)
	f.addOps(t, 1)
	f.asm.Invalidate()

	require.ErrorIs(t, f.asm.Add(testOperation("testDB.coll", 1, oplog.Document{"_id": 2})), ErrTxnInvalidated)
	require.ErrorIs(t, f.asm.CommitUnprepared(f.opCtx, oplog.FormatPacked), ErrTxnInvalidated)
	require.ErrorIs(t, f.asm.BeginOrContinue(2), ErrTxnInvalidated)
	require.Equal(t, 0, f.log.Len())
}

func TestRegistry_CheckoutAndInvalidate(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	log := oplog.NewMemoryLog()
	reg := NewRegistry(log, NewMemoryStore(), logger, nil, 0)
	sid := uuid.New()

	a := reg.Checkout(sid)
	require.Same(t, a, reg.Checkout(sid), "checkout is stable per session")

	reg.Invalidate(sid)
	require.True(t, a.Invalidated())
	_, ok := reg.Lookup(sid)
	require.False(t, ok)

	// The next checkout hands out a fresh participant.
	b := reg.Checkout(sid)
	require.NotSame(t, a, b)
	require.False(t, b.Invalidated())
}
