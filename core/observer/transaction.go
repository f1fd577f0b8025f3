package observer

import (
	"github.com/cainiaofei/mongo/core/oplog"
	"github.com/cainiaofei/mongo/core/storage"
)

// OnUnpreparedTransactionCommit finalizes the context's transaction in one
// step. Committing an empty transaction writes nothing.
func (o *Observer) OnUnpreparedTransactionCommit(opCtx *storage.OperationContext) error {
	a, err := o.participant(opCtx)
	if err != nil {
		return err
	}
	return a.CommitUnprepared(opCtx, o.format())
}

// PrepareSlotCount reports how many slots the caller must reserve before
// OnTransactionPrepare, which depends on the buffer and the active format.
func (o *Observer) PrepareSlotCount(opCtx *storage.OperationContext) (int, error) {
	a, err := o.participant(opCtx)
	if err != nil {
		return 0, err
	}
	return a.PrepareSlotCount(o.format()), nil
}

// OnTransactionPrepare writes the prepare representation of the context's
// transaction against the pre-reserved slots. The last slot's timestamp is
// stamped on the context's recovery unit as the prepare timestamp.
func (o *Observer) OnTransactionPrepare(opCtx *storage.OperationContext, reservedSlots []oplog.OpTime) error {
	a, err := o.participant(opCtx)
	if err != nil {
		return err
	}
	return a.Prepare(opCtx, o.format(), reservedSlots)
}

// OnPreparedTransactionCommit writes the commit marker for an already
// prepared transaction.
func (o *Observer) OnPreparedTransactionCommit(opCtx *storage.OperationContext, commitSlot oplog.OpTime, prepareTS oplog.Timestamp) error {
	a, err := o.participant(opCtx)
	if err != nil {
		return err
	}
	return a.CommitPrepared(opCtx, commitSlot, prepareTS)
}

// OnTransactionAbort ends the context's transaction. abortSlot must be set
// when and only when the transaction was prepared; an unprepared abort is
// purely in-memory.
func (o *Observer) OnTransactionAbort(opCtx *storage.OperationContext, abortSlot *oplog.OpTime) error {
	a, err := o.participant(opCtx)
	if err != nil {
		return err
	}
	return a.Abort(opCtx, abortSlot)
}
