package undolog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undorecordset/internal/logger"
	"undorecordset/internal/urstypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(DefaultOptions(dir), logger.New("test", logger.Config{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAcquireAndExtend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	logNum, tail, err := s.Acquire(ctx, urstypes.PersistencePermanent)
	require.NoError(t, err)
	assert.Equal(t, urstypes.UndoLogOffset(urstypes.SizeOfUndoPageHeader), tail.Offset())

	newSpace, reserved, err := s.Extend(ctx, logNum, 100)
	require.NoError(t, err)
	assert.Equal(t, tail, newSpace, "Extend's first reservation must start exactly where Acquire said the tail was")
	assert.Equal(t, urstypes.UndoLogOffset(urstypes.BlockSize*2), reserved, "100 bytes plus the page-boundary slack rounds up to two pages")

	again, reserved2, err := s.Extend(ctx, logNum, 100)
	require.NoError(t, err)
	assert.Equal(t, urstypes.UndoLogOffset(urstypes.SizeOfUndoPageHeader+urstypes.BlockSize*2), again.Offset())
	assert.Equal(t, urstypes.UndoLogOffset(urstypes.BlockSize*2), reserved2)
}

func TestNewStoreAttachesExistingLogFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewStore(DefaultOptions(dir), logger.New("test", logger.Config{}))
	require.NoError(t, err)
	logNum, _, err := s1.Acquire(ctx, urstypes.PersistencePermanent)
	require.NoError(t, err)
	// Extend reserves two pages (the +1 slack) but only page 0 is ever
	// actually written to.
	_, _, err = s1.Extend(ctx, logNum, urstypes.BlockSize)
	require.NoError(t, err)
	p, _, err := s1.Pin(ctx, urstypes.MakeRecPtr(logNum, 0), true)
	require.NoError(t, err)
	p.Data()[0] = 0x7F
	p.SetDirty()
	s1.Unpin(p)
	require.NoError(t, s1.Close())

	discovered, err := DiscoverLogNumbers(dir)
	require.NoError(t, err)
	assert.Equal(t, []urstypes.UndoLogNumber{logNum}, discovered)

	s2, err := NewStore(DefaultOptions(dir), logger.New("test", logger.Config{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	used, err := s2.Used(logNum)
	require.NoError(t, err)
	assert.Equal(t, urstypes.UndoLogOffset(urstypes.BlockSize), used, "reserved-but-never-written page must not count as used")

	// A second Acquire on the reopened store must not collide with the
	// log number the first process already used.
	newLog, _, err := s2.Acquire(ctx, urstypes.PersistencePermanent)
	require.NoError(t, err)
	assert.Greater(t, newLog, logNum)
}

func TestPinNewPageThenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logNum, _, err := s.Acquire(ctx, urstypes.PersistencePermanent)
	require.NoError(t, err)
	_, _, err = s.Extend(ctx, logNum, urstypes.BlockSize)
	require.NoError(t, err)

	rp := urstypes.MakeRecPtr(logNum, 0)
	p, isNew, err := s.Pin(ctx, rp, true)
	require.NoError(t, err)
	assert.True(t, isNew)

	p.Data()[0] = 0xAB
	p.SetDirty()
	s.Unpin(p)

	p2, isNew2, err := s.Pin(ctx, rp, false)
	require.NoError(t, err)
	assert.False(t, isNew2)
	assert.Equal(t, byte(0xAB), p2.Data()[0])
	s.Unpin(p2)
}

func TestPinReusesAlreadyPinnedPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logNum, _, _ := s.Acquire(ctx, urstypes.PersistencePermanent)
	_, _, _ = s.Extend(ctx, logNum, urstypes.BlockSize)

	rp := urstypes.MakeRecPtr(logNum, 10)
	p1, _, err := s.Pin(ctx, rp, true)
	require.NoError(t, err)
	p2, _, err := s.Pin(ctx, rp, true)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestIsDiscarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logNum, _, _ := s.Acquire(ctx, urstypes.PersistencePermanent)

	rp := urstypes.MakeRecPtr(logNum, 10)
	assert.False(t, s.IsDiscarded(rp))

	require.NoError(t, s.Discard(logNum, 20))
	assert.True(t, s.IsDiscarded(rp))
	assert.False(t, s.IsDiscarded(urstypes.MakeRecPtr(logNum, 20)))
}

func TestIsDiscardedUnknownLogIsTrue(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.IsDiscarded(urstypes.MakeRecPtr(999, 0)))
}

func TestWALInsertStampsLSNOnRegisteredBuffers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	logNum, _, _ := s.Acquire(ctx, urstypes.PersistencePermanent)
	_, _, _ = s.Extend(ctx, logNum, urstypes.BlockSize)

	rp := urstypes.MakeRecPtr(logNum, 0)
	p, _, err := s.Pin(ctx, rp, true)
	require.NoError(t, err)

	h := s.BeginInsert()
	h.RegisterBuffer(p, []byte{1, 2, 3})
	h.RegisterData([]byte("extra"))
	lsn, err := h.Insert(ctx)
	require.NoError(t, err)
	assert.Greater(t, lsn, uint64(0))

	s.Unpin(p)
}

func TestOptionsRoundTripViaYAML(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions(dir)
	opts.SyncOnWrite = true
	path := dir + "/options.yaml"
	require.NoError(t, opts.Save(path))

	loaded, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, opts, loaded)
}
