package xact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undorecordset/internal/logger"
	"undorecordset/internal/undolog"
	"undorecordset/internal/urs"
	"undorecordset/internal/urstypes"
)

func newTestDeps(t *testing.T) urs.Deps {
	t.Helper()
	store, err := undolog.NewStore(undolog.DefaultOptions(t.TempDir()), logger.New("test", logger.Config{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return urs.Deps{Alloc: store, Mgr: store, WAL: store, Log: logger.New("xact-test", logger.Config{})}
}

func TestCommitClosesRecordSetsAtOrAboveLevel(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	reg := NewRegistry(nil)

	outer := reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)
	inner := reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 2, nil)

	_, err := outer.Insert(ctx, []byte("outer record"))
	require.NoError(t, err)
	_, err = inner.Insert(ctx, []byte("inner record"))
	require.NoError(t, err)

	require.Equal(t, 2, reg.Len())

	// Subtransaction at level 2 commits: only the inner record set closes.
	require.NoError(t, reg.CloseAndDestroyForXactLevel(ctx, 2, true, false))
	assert.Equal(t, urs.StateClosed, inner.State())
	assert.Equal(t, urs.StateDirty, outer.State())
	assert.Equal(t, 1, reg.Len())

	// Top-level commit closes everything still registered.
	require.NoError(t, reg.CloseAndDestroyForXactLevel(ctx, 1, true, false))
	assert.Equal(t, urs.StateClosed, outer.State())
	assert.Equal(t, 0, reg.Len())
}

func TestResetInsertionDetachesWithoutClosing(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	reg := NewRegistry(nil)

	rs := reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)
	_, err := rs.Insert(ctx, []byte("payload"))
	require.NoError(t, err)

	reg.ResetInsertion(rs)
	assert.Equal(t, 0, reg.Len())

	// A level-1 commit no longer touches it; caller owns its lifetime now.
	require.NoError(t, reg.CloseAndDestroyForXactLevel(ctx, 1, true, false))
	assert.Equal(t, urs.StateDirty, rs.State())

	require.NoError(t, rs.Close(ctx))
}

func TestAtProcExitPanicsWhenRecordSetsStillOpen(t *testing.T) {
	deps := newTestDeps(t)
	reg := NewRegistry(nil)
	reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)

	assert.Panics(t, func() { reg.AtProcExit() })
}

func TestAtProcExitIsQuietWhenEmpty(t *testing.T) {
	reg := NewRegistry(nil)
	assert.NotPanics(t, func() { reg.AtProcExit() })
}

func TestAbortedSubtransactionClosesOnlyItsOwnRecordSets(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	reg := NewRegistry(nil)

	never := reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)
	aborted := reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 3, nil)

	// never is never written to: aborting level 3 must not touch it at all.
	_, err := aborted.Insert(ctx, []byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, reg.CloseAndDestroyForXactLevel(ctx, 3, false, false))
	assert.Equal(t, urs.StateClosed, aborted.State())
	assert.Equal(t, urs.StateClean, never.State())

	require.NoError(t, reg.CloseAndDestroyForXactLevel(ctx, 1, false, false))
	assert.Equal(t, urs.StateClosed, never.State())
}

func TestCloseAndDestroyForXactLevelSharesOneWALRecordAcrossSiblings(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	reg := NewRegistry(nil)

	a := reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 2, nil)
	b := reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 2, nil)

	_, err := a.Insert(ctx, []byte("sibling a"))
	require.NoError(t, err)
	_, err = b.Insert(ctx, []byte("sibling b"))
	require.NoError(t, err)

	// Both record sets were created at the same nesting level and are
	// still Dirty, so prepareToMarkClosedForXactLevel must hand both to
	// the same critical section: closing one must not leave the other
	// only half-closed.
	require.NoError(t, reg.CloseAndDestroyForXactLevel(ctx, 2, true, false))
	assert.Equal(t, urs.StateClosed, a.State())
	assert.Equal(t, urs.StateClosed, b.State())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryTypeLayerNotifiesOnCloseWithHeader(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	reg := NewRegistry(nil)
	reg.SetTypeHeaderSize(8)

	type notification struct {
		typeHeader []byte
		begin, end urstypes.UndoRecPtr
		isCommit   bool
		isPrepare  bool
	}
	var got *notification
	reg.SetOnClose(func(typeHeader []byte, begin, end urstypes.UndoRecPtr, isCommit, isPrepare bool) error {
		got = &notification{typeHeader: typeHeader, begin: begin, end: end, isCommit: isCommit, isPrepare: isPrepare}
		return nil
	})

	rs := reg.Create(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, []byte("12345678"))
	_, err := rs.Insert(ctx, []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, reg.CloseAndDestroyForXactLevel(ctx, 1, true, false))

	require.NotNil(t, got)
	assert.Equal(t, []byte("12345678"), got.typeHeader)
	assert.Equal(t, rs.Begin(), got.begin)
	assert.True(t, got.isCommit)
	assert.False(t, got.isPrepare)
}
