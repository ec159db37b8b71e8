package urs

import (
	"context"

	"github.com/pkg/errors"

	"undorecordset/internal/bufdata"
	"undorecordset/internal/buffer"
	"undorecordset/internal/page"
	"undorecordset/internal/undolog"
	"undorecordset/internal/urstypes"
)

// closePrep holds the buffers PrepareToMarkClosed pins until MarkClosed,
// RegisterCloseBuffers, and SetCloseLSN (or ReleaseClose, on an aborted
// attempt) consume them. Splitting the close protocol into these phases is
// what lets internal/xact close several record sets inside one shared
// critical section and one shared WAL record, the way
// close_and_destroy_for_xact_level does, instead of one WAL record per
// record set.
type closePrep struct {
	tr         *buffer.Tracker
	entry      *buffer.Entry
	nextEntry  *buffer.Entry
	offset     int
	multiChunk bool
	sizeBytes  []byte
}

// Close finalizes the record set: if it was never written to, it simply
// transitions to Closed with no I/O, since nothing was ever allocated. If
// it is dirty, this runs the full close protocol and notifies the type
// layer once every page write has succeeded.
//
// Close is idempotent; closing an already-closed record set is a no-op,
// matching callers that defensively close on both the commit and the
// abort path of the same transaction.
func (rs *RecordSet) Close(ctx context.Context) error {
	if rs.state == StateClosed {
		return nil
	}
	if rs.state == StateClean {
		rs.state = StateClosed
		return nil
	}
	return rs.closeCurrentChunk(ctx, true)
}

// closeCurrentChunk drives the close protocol phases for this one record
// set end to end, opening its own WAL record. rollOverToNewLog uses
// final=false to close a chunk that is being replaced, not destroyed; Close
// uses final=true.
func (rs *RecordSet) closeCurrentChunk(ctx context.Context, final bool) error {
	needed, err := rs.PrepareToMarkClosed(ctx)
	if err != nil {
		return err
	}
	if !needed {
		if final {
			rs.state = StateClosed
		}
		return nil
	}
	if err := rs.MarkClosed(final); err != nil {
		rs.ReleaseClose()
		return err
	}

	handle := rs.deps.WAL.BeginInsert()
	rs.RegisterCloseBuffers(handle)
	lsn, err := handle.Insert(ctx)
	if err != nil {
		rs.ReleaseClose()
		return errors.Wrap(err, "urs: wal insert for close")
	}
	rs.SetCloseLSN(lsn)

	if final {
		rs.state = StateClosed
		if err := rs.NotifyClosed(false, false); err != nil {
			return err
		}
	}
	return nil
}

// PrepareToMarkClosed pins and exclusively locks the page(s) holding the
// active chunk's size field, the first step of the close protocol —
// prepare_to_mark_closed in the original. It reports false, with nothing
// pinned, when there is no open chunk to close (a record set that was never
// written to).
func (rs *RecordSet) PrepareToMarkClosed(ctx context.Context) (bool, error) {
	if !rs.currentChunkHeaderLoc.Valid() {
		return false, nil
	}

	tr := buffer.NewTracker(rs.deps.Mgr, 2)
	offset := int(uint64(rs.currentChunkHeaderLoc.Offset()) % urstypes.BlockSize)

	entry, err := tr.FindOrRead(ctx, rs.currentChunkHeaderLoc, true)
	if err != nil {
		tr.Release()
		return false, errors.Wrap(err, "urs: pin chunk header page")
	}

	_, onNext := page.SpanSizes(urstypes.BlockSize, offset, 8)
	var nextEntry *buffer.Entry
	if onNext > 0 {
		nextPtr := rs.currentChunkHeaderLoc.Add(urstypes.UndoLogOffset(urstypes.BlockSize - offset))
		nextEntry, err = tr.FindOrRead(ctx, nextPtr, true)
		if err != nil {
			tr.Release()
			return false, errors.Wrap(err, "urs: pin chunk header continuation page")
		}
	}

	rs.close = &closePrep{
		tr:         tr,
		entry:      entry,
		nextEntry:  nextEntry,
		offset:     offset,
		multiChunk: rs.begin != rs.currentChunkHeaderLoc,
	}
	return true, nil
}

// MarkClosed stamps the final chunk size into the pages PrepareToMarkClosed
// pinned. size is insert − header_offset, the chunk's header-inclusive
// byte count, not just the bytes of the records it carries: the chunk
// header's own bytes and any type header are part of what the chunk
// occupies on disk. final additionally stages the FlagClose bufdata that
// marks the whole record set, not just this chunk, as closing, and moves the
// record set to Closed. FlagCloseMultiChunk is staged whenever the chunk
// being closed is not the set's first chunk, final or not.
func (rs *RecordSet) MarkClosed(final bool) error {
	cp := rs.close
	if cp == nil {
		return errors.New("urs: mark closed called without a prior PrepareToMarkClosed")
	}

	size := uint64(rs.tail.Offset()) - uint64(rs.currentChunkHeaderLoc.Offset())
	sizeBytes := encodeSize(size)

	pages := [][]byte{cp.entry.Page.Data()}
	if cp.nextEntry != nil {
		pages = append(pages, cp.nextEntry.Page.Data())
	}
	page.Overwrite(pages, cp.offset, sizeBytes)

	flags := bufdata.FlagCloseChunk
	if final {
		flags |= bufdata.FlagClose
	}
	if cp.multiChunk {
		flags |= bufdata.FlagCloseMultiChunk
	}

	cp.entry.MarkDirty(flags)
	cp.entry.BufData.URSType = rs.rsType
	cp.entry.BufData.ChunkSizePageOffset = uint16(cp.offset)
	cp.entry.BufData.ChunkSize = size
	if final {
		cp.entry.BufData.TypeHeaderSize = uint8(len(rs.typeHeader))
		cp.entry.BufData.TypeHeader = rs.typeHeader
	}
	if cp.multiChunk {
		cp.entry.BufData.FirstChunkHeaderLocation = rs.begin
	}
	if cp.nextEntry != nil {
		cp.nextEntry.Page.SetDirty()
	}

	cp.sizeBytes = sizeBytes
	if final {
		rs.state = StateClosed
	}
	return nil
}

// RegisterCloseBuffers attaches the pages PrepareToMarkClosed pinned (and
// MarkClosed wrote into) to handle. Split out from MarkClosed so
// internal/xact can register every record set it is closing together
// against one shared WAL record — register_xlog_buffers_for_xact_level in
// the original.
func (rs *RecordSet) RegisterCloseBuffers(handle undolog.WALHandle) {
	cp := rs.close
	if cp == nil {
		return
	}
	handle.RegisterBuffer(cp.entry.Page, bufdata.Encode(cp.entry.BufData))
	if cp.nextEntry != nil {
		// The continuation page carries no payload of its own: replay
		// recovers the rest of the size write from the carry-over it
		// already derived while processing the first buffer.
		handle.RegisterBuffer(cp.nextEntry.Page, bufdata.Encode(bufdata.BufData{}))
	}
	handle.RegisterData(cp.sizeBytes)
}

// SetCloseLSN stamps lsn onto every page PrepareToMarkClosed pinned,
// releases them, and clears the in-progress close state.
func (rs *RecordSet) SetCloseLSN(lsn uint64) {
	cp := rs.close
	if cp == nil {
		return
	}
	cp.entry.Page.SetLSN(lsn)
	if cp.nextEntry != nil {
		cp.nextEntry.Page.SetLSN(lsn)
	}
	rs.deps.Log.Debugf("urs: closed chunk %s size=%d", rs.currentChunkHeaderLoc, cp.sizeBytes)
	cp.tr.Release()
	rs.close = nil
}

// ReleaseClose unpins whatever PrepareToMarkClosed pinned without writing
// an LSN, used to unwind a close attempt that failed before the WAL insert
// that was supposed to finish it.
func (rs *RecordSet) ReleaseClose() {
	if rs.close == nil {
		return
	}
	rs.close.tr.Release()
	rs.close = nil
}
