package urs

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undorecordset/internal/logger"
	"undorecordset/internal/page"
	"undorecordset/internal/undolog"
	"undorecordset/internal/urstypes"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	store, err := undolog.NewStore(undolog.DefaultOptions(t.TempDir()), logger.New("test", logger.Config{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return Deps{Alloc: store, Mgr: store, WAL: store, Log: logger.New("urs-test", logger.Config{})}
}

func storeOf(deps Deps) *undolog.Store { return deps.Mgr.(*undolog.Store) }

func TestInsertSingleSmallRecordSinglePage(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	rs := New(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)

	rp, err := rs.Insert(ctx, []byte("hello undo"))
	require.NoError(t, err)
	assert.True(t, rp.Valid())
	assert.Equal(t, StateDirty, rs.State())
	assert.True(t, rs.Begin().Valid())

	require.NoError(t, rs.Close(ctx))
	assert.Equal(t, StateClosed, rs.State())
}

// TestInsertSingleSmallRecordSinglePageWithTypeHeader checks the insertion
// point lands exactly where the chunk header, type header and record size
// imply: SizeOfUndoPageHeader + SizeOfChunkHeader + len(typeHeader) +
// len(payload), matching the worked layout example in the original.
func TestInsertSingleSmallRecordSinglePageWithTypeHeader(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	typeHeader := []byte("12345678")
	rs := New(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, typeHeader)

	payload := []byte("payload")
	_, err := rs.Insert(ctx, payload)
	require.NoError(t, err)

	want := urstypes.SizeOfUndoPageHeader + urstypes.SizeOfChunkHeader + len(typeHeader) + len(payload)
	pg, _, err := deps.Mgr.Pin(ctx, rs.Begin(), false)
	require.NoError(t, err)
	hdr, err := page.ReadHeader(pg.Data())
	require.NoError(t, err)
	deps.Mgr.Unpin(pg)
	assert.Equal(t, want, int(hdr.InsertionPoint))

	require.NoError(t, rs.Close(ctx))
}

func TestAbortBeforeInsertNeverTouchesStorage(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	rs := New(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)

	require.NoError(t, rs.Close(ctx))
	assert.Equal(t, StateClosed, rs.State())
	assert.Equal(t, urstypes.InvalidLogNumber, rs.LogNum())
}

func TestCloseIsIdempotent(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	rs := New(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)
	_, err := rs.Insert(ctx, []byte("payload"))
	require.NoError(t, err)

	require.NoError(t, rs.Close(ctx))
	require.NoError(t, rs.Close(ctx)) // no-op, must not error or double-write
}

func TestInsertStraddlesPageBoundary(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	rs := New(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)

	big := bytes.Repeat([]byte{0x5A}, urstypes.BlockSize*2+100)
	rp, err := rs.Insert(ctx, big)
	require.NoError(t, err)
	assert.True(t, rp.Valid())

	snap := storeOf(deps).Stats()
	assert.GreaterOrEqual(t, snap.PageHits+snap.PageMisses, uint64(3))

	require.NoError(t, rs.Close(ctx))
}

func TestInsertRollsOverWhenLogIsFull(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	rs := New(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)

	_, err := rs.Insert(ctx, []byte("first chunk"))
	require.NoError(t, err)
	firstLog := rs.LogNum()
	firstChunkLoc := rs.Begin()

	require.NoError(t, storeOf(deps).MarkFull(ctx, firstLog))

	_, err = rs.Insert(ctx, []byte("second chunk, new log"))
	require.NoError(t, err)

	assert.NotEqual(t, firstLog, rs.LogNum())
	assert.Equal(t, firstChunkLoc, rs.Begin(), "begin pointer tracks the record set's true first chunk, not the rolled-over one")

	require.NoError(t, rs.Close(ctx))
}

func TestRecoverySweepClosesDanglingChunk(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	rs := New(deps, urstypes.PersistencePermanent, urstypes.RecordSetTypeTransaction, 1, nil)

	_, err := rs.Insert(ctx, []byte("never closed before the simulated crash"))
	require.NoError(t, err)
	logNum := rs.LogNum()
	headerLoc := rs.Begin()
	// Deliberately do not call rs.Close — simulating a crash.

	store := storeOf(deps)
	reports, err := CloseDanglingRecordSets(ctx, deps, store, []urstypes.UndoLogNumber{logNum}, RecoveryOptions{})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, headerLoc, reports[0].HeaderLoc)
	assert.Equal(t, uint64(urstypes.SizeOfChunkHeader+len("never closed before the simulated crash")), reports[0].ClosedSize)

	// Running it again must be a no-op: the chunk is now closed.
	reports2, err := CloseDanglingRecordSets(ctx, deps, store, []urstypes.UndoLogNumber{logNum}, RecoveryOptions{})
	require.NoError(t, err)
	assert.Empty(t, reports2)
}

func TestRecoverySweepSkipsUntouchedLog(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	store := storeOf(deps)
	logNum, _, err := store.Acquire(ctx, urstypes.PersistencePermanent)
	require.NoError(t, err)

	reports, err := CloseDanglingRecordSets(ctx, deps, store, []urstypes.UndoLogNumber{logNum}, RecoveryOptions{})
	require.NoError(t, err)
	assert.Empty(t, reports)
}
