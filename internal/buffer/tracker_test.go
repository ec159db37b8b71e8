package buffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undorecordset/internal/bufdata"
	"undorecordset/internal/urstypes"
)

type fakePage struct {
	data  []byte
	dirty bool
	lsn   uint64
}

func (p *fakePage) Data() []byte  { return p.data }
func (p *fakePage) SetDirty()     { p.dirty = true }
func (p *fakePage) SetLSN(l uint64) { p.lsn = l }

type fakeManager struct {
	pages    map[urstypes.UndoRecPtr]*fakePage
	pinCount int
	unpinned []Page
}

func newFakeManager() *fakeManager {
	return &fakeManager{pages: make(map[urstypes.UndoRecPtr]*fakePage)}
}

func (m *fakeManager) Pin(ctx context.Context, rp urstypes.UndoRecPtr, forWrite bool) (Page, bool, error) {
	aligned := pageOf(rp)
	m.pinCount++
	if p, ok := m.pages[aligned]; ok {
		return p, false, nil
	}
	p := &fakePage{data: make([]byte, urstypes.BlockSize)}
	m.pages[aligned] = p
	return p, true, nil
}

func (m *fakeManager) Unpin(p Page) { m.unpinned = append(m.unpinned, p) }

func TestFindOrReadPinsOncePerPage(t *testing.T) {
	mgr := newFakeManager()
	tr := NewTracker(mgr, 4)

	rp1 := urstypes.MakeRecPtr(1, 10)
	rp2 := urstypes.MakeRecPtr(1, 20) // same page as rp1
	rp3 := urstypes.MakeRecPtr(1, urstypes.BlockSize+10)

	e1, err := tr.FindOrRead(context.Background(), rp1, true)
	require.NoError(t, err)
	e2, err := tr.FindOrRead(context.Background(), rp2, true)
	require.NoError(t, err)
	e3, err := tr.FindOrRead(context.Background(), rp3, true)
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.NotSame(t, e1, e3)
	assert.Equal(t, 2, mgr.pinCount)
	assert.Equal(t, 2, tr.Len())
}

func TestFindOrReadMarksFreshPages(t *testing.T) {
	mgr := newFakeManager()
	tr := NewTracker(mgr, 1)

	e, err := tr.FindOrRead(context.Background(), urstypes.MakeRecPtr(1, 0), true)
	require.NoError(t, err)
	assert.True(t, e.IsNew)
	assert.True(t, e.NeedsInit)
}

func TestReleaseUnpinsAllAndClears(t *testing.T) {
	mgr := newFakeManager()
	tr := NewTracker(mgr, 2)
	_, _ = tr.FindOrRead(context.Background(), urstypes.MakeRecPtr(1, 0), true)
	_, _ = tr.FindOrRead(context.Background(), urstypes.MakeRecPtr(1, urstypes.BlockSize), true)

	tr.Release()
	assert.Equal(t, 0, tr.Len())
	assert.Len(t, mgr.unpinned, 2)
}

func TestMarkDirtySetsFlagsAndDirtyBit(t *testing.T) {
	mgr := newFakeManager()
	tr := NewTracker(mgr, 1)
	e, err := tr.FindOrRead(context.Background(), urstypes.MakeRecPtr(1, 0), true)
	require.NoError(t, err)

	e.MarkDirty(bufdata.FlagCreate)
	assert.True(t, e.Page.(*fakePage).dirty)
	assert.True(t, e.BufData.Flags.Has(bufdata.FlagCreate))
}

func TestReserveArrayPreservesEntries(t *testing.T) {
	mgr := newFakeManager()
	tr := NewTracker(mgr, 1)
	e, err := tr.FindOrRead(context.Background(), urstypes.MakeRecPtr(1, 0), true)
	require.NoError(t, err)

	tr.ReserveArray(8)
	assert.Equal(t, 1, tr.Len())
	assert.Same(t, e, tr.Entries()[0])
}
