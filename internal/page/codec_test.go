package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undorecordset/internal/urstypes"
)

func newPage() []byte { return make([]byte, urstypes.BlockSize) }

func TestHeaderRoundTrip(t *testing.T) {
	buf := newPage()
	h := Header{InsertionPoint: 42, FirstChunk: urstypes.SizeOfUndoPageHeader, ContinueChunk: urstypes.MakeRecPtr(1, 99)}
	require.NoError(t, WriteHeader(buf, h))

	got, err := ReadHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestReadHeaderShortBuffer(t *testing.T) {
	_, err := ReadHeader(make([]byte, 2))
	assert.ErrorIs(t, err, ErrShortPage)
}

func TestInsertHeaderFitsOnePage(t *testing.T) {
	p0 := newPage()
	data := []byte("chunkheader-24b!")
	onFirst := InsertHeader([][]byte{p0}, 100, data)
	assert.Equal(t, len(data), onFirst)
	assert.Equal(t, data, p0[100:100+len(data)])
}

func TestInsertHeaderSpillsToNextPage(t *testing.T) {
	p0 := newPage()
	p1 := newPage()
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	offset := len(p0) - 10 // only 10 bytes fit before spilling
	onFirst := InsertHeader([][]byte{p0, p1}, offset, data)
	assert.Equal(t, 10, onFirst)
	assert.Equal(t, data[:10], p0[offset:])
	assert.Equal(t, data[10:], p1[urstypes.SizeOfUndoPageHeader:urstypes.SizeOfUndoPageHeader+22])
}

func TestInsertHeaderPanicsWithoutSecondPage(t *testing.T) {
	p0 := newPage()
	data := make([]byte, 32)
	offset := len(p0) - 10
	assert.Panics(t, func() {
		InsertHeader([][]byte{p0}, offset, data)
	})
}

func TestSkipMirrorsInsertArithmetic(t *testing.T) {
	pageLen := urstypes.BlockSize
	offset := pageLen - 10
	size := 32
	assert.Equal(t, 10, SkipHeader(pageLen, offset, size))
	assert.Equal(t, 10, SkipRecord(pageLen, offset, size))
	assert.Equal(t, 10, SkipOverwrite(pageLen, offset, size))
}

func TestOverwriteInPlace(t *testing.T) {
	p0 := newPage()
	original := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	copy(p0[50:], original)

	newSize := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	Overwrite([][]byte{p0}, 50, newSize)
	assert.Equal(t, newSize, p0[50:58])
}

func TestInitPageFreshChunk(t *testing.T) {
	buf := newPage()
	require.NoError(t, InitPage(buf, urstypes.InvalidRecPtr))
	h, err := ReadHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(urstypes.SizeOfUndoPageHeader), h.InsertionPoint)
	assert.Equal(t, uint16(urstypes.SizeOfUndoPageHeader), h.FirstChunk)
	assert.False(t, h.ContinueChunk.Valid())
}

func TestInitPageContinuation(t *testing.T) {
	buf := newPage()
	prev := urstypes.MakeRecPtr(1, 4096)
	require.NoError(t, InitPage(buf, prev))
	h, err := ReadHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), h.FirstChunk)
	assert.Equal(t, prev, h.ContinueChunk)
}
