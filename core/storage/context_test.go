package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cainiaofei/mongo/core/oplog"
)

func TestOperationContext_PreImageArena(t *testing.T) {
	opCtx := NewOperationContext()
	ns := oplog.ParseNamespace("testDB.coll")
	key := oplog.Document{"_id": "doc1"}
	doc := oplog.Document{"_id": "doc1", "data": "x"}

	require.NoError(t, opCtx.CapturePreImage(ns, key, doc))

	got, err := opCtx.ConsumePreImage(ns, key)
	require.NoError(t, err)
	require.Equal(t, doc, got)

	// A capture is consumed exactly once.
	_, err = opCtx.ConsumePreImage(ns, key)
	require.ErrorIs(t, err, ErrNoPreImage)
}

func TestOperationContext_PreImageKeyedByNamespace(t *testing.T) {
	opCtx := NewOperationContext()
	key := oplog.Document{"_id": 1}
	require.NoError(t, opCtx.CapturePreImage(oplog.ParseNamespace("testDB.a"), key, oplog.Document{"_id": 1}))

	_, err := opCtx.ConsumePreImage(oplog.ParseNamespace("testDB.b"), key)
	require.ErrorIs(t, err, ErrNoPreImage)
}

func TestRecoveryUnit_PrepareTimestamp(t *testing.T) {
	ru := NewRecoveryUnit()
	require.False(t, ru.InUnitOfWork())

	ru.BeginUnitOfWork()
	require.True(t, ru.InUnitOfWork())
	ru.SetPrepareTimestamp(42)
	require.Equal(t, oplog.Timestamp(42), ru.PrepareTimestamp())

	ru.CommitUnitOfWork()
	require.False(t, ru.InUnitOfWork())
	require.Equal(t, oplog.Timestamp(42), ru.PrepareTimestamp())

	ru.BeginUnitOfWork()
	ru.AbortUnitOfWork()
	require.Equal(t, oplog.Timestamp(0), ru.PrepareTimestamp())
}
