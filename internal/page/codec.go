// Package page implements the on-disk byte layout of a single undo page:
// the fixed page header and the primitives for writing a chunk header,
// writing a record, and overwriting an already-reserved size field, each of
// which may spill across exactly one page boundary. Every write has a
// "skip" mirror used by replay when the bytes already arrived via a
// full-page image and only the logical cursor needs to advance.
//
// Grounded directly on UndoPageInsertHeader / UndoPageInsertRecord /
// UndoPageOverwrite / UndoPageSkip* in the original undorecordset.c: the
// byte layout and spill-at-most-one-page-boundary behavior are carried over
// exactly, re-expressed with Go slices instead of pointer arithmetic into a
// fixed 8KiB buffer.
package page

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"undorecordset/internal/urstypes"
)

// Header is the decoded form of the fixed header every undo page starts
// with.
type Header struct {
	// InsertionPoint is the byte offset within this page where the next
	// insertion will begin.
	InsertionPoint uint16
	// FirstChunk is the byte offset of the first chunk header that starts
	// on this page, or 0 if the page only continues a chunk begun earlier.
	FirstChunk uint16
	// ContinueChunk points at the chunk (possibly on an earlier page) that
	// this page's leading bytes, if any, belong to.
	ContinueChunk urstypes.UndoRecPtr
}

// ErrShortPage is returned when a page buffer is smaller than the fixed
// header requires.
var ErrShortPage = errors.New("page: buffer shorter than header size")

// ReadHeader decodes the fixed header from the start of page.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < urstypes.SizeOfUndoPageHeader {
		return Header{}, ErrShortPage
	}
	return Header{
		InsertionPoint: binary.LittleEndian.Uint16(buf[0:2]),
		FirstChunk:     binary.LittleEndian.Uint16(buf[2:4]),
		ContinueChunk:  urstypes.UndoRecPtr(binary.LittleEndian.Uint64(buf[4:12])),
	}, nil
}

// WriteHeader encodes h into the start of buf.
func WriteHeader(buf []byte, h Header) error {
	if len(buf) < urstypes.SizeOfUndoPageHeader {
		return ErrShortPage
	}
	binary.LittleEndian.PutUint16(buf[0:2], h.InsertionPoint)
	binary.LittleEndian.PutUint16(buf[2:4], h.FirstChunk)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.ContinueChunk))
	return nil
}

// SetInsertionPoint patches just the InsertionPoint field of an
// already-initialized page, leaving FirstChunk and ContinueChunk untouched.
// Every insertion advances this field to the next free byte on the page so
// a later reader (the recovery sweep, most notably) can tell where this
// page's written data actually ends without decoding every chunk on it.
func SetInsertionPoint(buf []byte, point uint16) error {
	if len(buf) < urstypes.SizeOfUndoPageHeader {
		return ErrShortPage
	}
	binary.LittleEndian.PutUint16(buf[0:2], point)
	return nil
}

// SpanSizes computes how many of size bytes, starting at offset within a
// page of pageLen bytes, land on the current page versus spill onto the
// next one. Exported so callers that need to pre-pin a continuation page
// before calling InsertHeader/InsertRecord/Overwrite can tell up front
// whether one is needed.
func SpanSizes(pageLen, offset, size int) (onCurrent, onNext int) {
	avail := pageLen - offset
	if avail < 0 {
		avail = 0
	}
	if avail >= size {
		return size, 0
	}
	return avail, size - avail
}

func spanSizes(pageLen, offset, size int) (onCurrent, onNext int) {
	return SpanSizes(pageLen, offset, size)
}

// writeSpanning copies data into pages[0] starting at offset, spilling any
// remainder into pages[1] starting right after that page's header. It
// panics if data would spill past a second page; the buffer tracker is
// responsible for never reserving a write that large.
func writeSpanning(pages [][]byte, offset int, data []byte) (onFirst int) {
	if len(pages) == 0 {
		panic("page: no pages supplied to write into")
	}
	onCurrent, onNext := spanSizes(len(pages[0]), offset, len(data))
	copy(pages[0][offset:offset+onCurrent], data[:onCurrent])
	if onNext == 0 {
		return onCurrent
	}
	if len(pages) < 2 {
		panic("page: write spills past the last pinned page")
	}
	copy(pages[1][urstypes.SizeOfUndoPageHeader:urstypes.SizeOfUndoPageHeader+onNext], data[onCurrent:])
	return onCurrent
}

// InsertHeader writes a chunk header (and any immediately following
// type-specific header bytes) starting at offset in pages[0], continuing
// onto pages[1] if it doesn't fit. Returns the number of bytes that landed
// on the first page, which the caller needs to decide whether the
// "header_more" continuation flag must be set for replay.
func InsertHeader(pages [][]byte, offset int, header []byte) int {
	return writeSpanning(pages, offset, header)
}

// InsertRecord writes a record payload the same way InsertHeader writes a
// chunk header. Kept as a distinct entry point, matching the original's
// separate UndoPageInsertRecord, because replay dispatches on which kind of
// write is being mirrored even though the byte-copying logic is identical.
func InsertRecord(pages [][]byte, offset int, record []byte) int {
	return writeSpanning(pages, offset, record)
}

// Overwrite rewrites bytes that were already reserved by an earlier
// insertion — used to stamp a chunk's final size into the 8 bytes placed at
// the front of its header when the chunk is closed. Like the original
// insertions, the region being overwritten may itself straddle a page
// boundary if the chunk header did.
func Overwrite(pages [][]byte, offset int, data []byte) int {
	return writeSpanning(pages, offset, data)
}

// skipSpanning is the non-writing mirror of writeSpanning: it advances the
// cursor bookkeeping by the same arithmetic without touching any bytes,
// used during replay when a page was already restored from a full-page
// image.
func skipSpanning(pageLen, offset, size int) (onFirst int) {
	onCurrent, _ := spanSizes(pageLen, offset, size)
	return onCurrent
}

// SkipHeader mirrors InsertHeader without writing.
func SkipHeader(pageLen, offset, size int) int { return skipSpanning(pageLen, offset, size) }

// SkipRecord mirrors InsertRecord without writing.
func SkipRecord(pageLen, offset, size int) int { return skipSpanning(pageLen, offset, size) }

// SkipOverwrite mirrors Overwrite without writing.
func SkipOverwrite(pageLen, offset, size int) int { return skipSpanning(pageLen, offset, size) }

// InitPage resets buf to a freshly-initialized empty page: header only,
// insertion point right after it. When continueChunk is invalid, FirstChunk
// is set to the first byte after the header; otherwise FirstChunk is 0 and
// ContinueChunk records the chunk this page continues.
func InitPage(buf []byte, continueChunk urstypes.UndoRecPtr) error {
	for i := range buf {
		buf[i] = 0
	}
	firstChunk := uint16(0)
	if !continueChunk.Valid() {
		firstChunk = urstypes.SizeOfUndoPageHeader
	}
	return WriteHeader(buf, Header{
		InsertionPoint: urstypes.SizeOfUndoPageHeader,
		FirstChunk:     firstChunk,
		ContinueChunk:  continueChunk,
	})
}
