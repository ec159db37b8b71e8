package urs

import (
	"context"

	"github.com/pkg/errors"

	"undorecordset/internal/bufdata"
	"undorecordset/internal/page"
	"undorecordset/internal/urstypes"
)

// XLogBlock is one already-decoded page registration belonging to a single
// WAL record, exactly as it was staged by a RegisterBuffer call during
// Insert or a close. Decoding the raw WAL wire format into this shape is
// the job of the embedding's own WAL/redo subsystem; this package never
// parses an XLogRecord byte stream itself, matching the fact that
// RegisterBuffer/RegisterData never had to change to make replay possible.
type XLogBlock struct {
	// RecPtr is the page-aligned address this block's bufdata was
	// registered against.
	RecPtr urstypes.UndoRecPtr
	Data   bufdata.BufData
	// FPI marks that the redo subsystem already restored this page's bytes
	// from a full-page image rather than delivering the page as it stood
	// before this record. Replay on such a block never mutates page bytes,
	// only advances the logical cursors its bufdata implies.
	FPI bool
	// Missing marks that this block's effects should not be reapplied —
	// e.g. the page is already known durable past this record's LSN.
	// Handled the same way as FPI: cursors advance, bytes don't change.
	Missing bool
}

// XLogRecord is one already-decoded WAL record touching this package: the
// ordered list of buffers it registered (RegisterBuffer, in registration
// order) and whatever condition flags matter to the type layer this record
// closes on behalf of, if any.
type XLogRecord struct {
	LSN       uint64
	Blocks    []XLogBlock
	IsCommit  bool
	IsPrepare bool
}

// ErrReplayStarved is returned when a record's registered data runs out
// before the blocks that claim to consume it are satisfied — Insert always
// registers exactly as many data bytes as its FlagInsert blocks need, so
// running out means a truncated or corrupted WAL record.
var ErrReplayStarved = errors.New("urs: replay record data exhausted before its blocks were")

// Replay applies one already-decoded WAL record, mirroring UndoReplay: each
// block is visited once, in registration order, and dispatched by the
// structural flags its bufdata carries. A chunk header or a closed chunk's
// size field is reconstructed directly from bufdata — both are fully
// described by it, so replay never needs the record's registered data for
// them — while the record bytes an Insert wrote are read off recordData as
// each FlagInsert block reports how far its own insertion point advanced. A
// header or close-size write that spilled onto a second page during the
// original insertion resumes on whichever block comes next, carried in a
// local pending span rather than re-derived from that block's own bufdata,
// since a pure continuation page never repeats the structural flags of the
// page that started the write.
func Replay(ctx context.Context, deps Deps, rec XLogRecord, recordData []byte, recordSize int) error {
	if recordSize != len(recordData) {
		return errors.New("urs: replay recordSize does not match recordData length")
	}

	cursor := 0
	take := func(n int) ([]byte, error) {
		if cursor+n > len(recordData) {
			return nil, errors.WithStack(ErrReplayStarved)
		}
		b := recordData[cursor : cursor+n]
		cursor += n
		return b, nil
	}

	var pendingHeader []byte
	var pendingSize []byte

	var closeNotify *struct {
		ursType    urstypes.RecordSetType
		typeHeader []byte
		begin, end urstypes.UndoRecPtr
	}

	for _, blk := range rec.Blocks {
		write := !blk.FPI && !blk.Missing

		pg, isNew, err := deps.Mgr.Pin(ctx, blk.RecPtr, write)
		if err != nil {
			return errors.Wrapf(err, "urs: replay pin %s", blk.RecPtr)
		}

		if isNew {
			continueChunk := blk.Data.ChunkHeaderLocation
			startsHeaderHere := pendingHeader == nil && (blk.Data.Flags.Has(bufdata.FlagCreate) || blk.Data.Flags.Has(bufdata.FlagAddChunk))
			if startsHeaderHere {
				continueChunk = urstypes.InvalidRecPtr
			}
			if write {
				if err := page.InitPage(pg.Data(), continueChunk); err != nil {
					deps.Mgr.Unpin(pg)
					return errors.Wrap(err, "urs: replay init page")
				}
			}
		}

		offset := urstypes.SizeOfUndoPageHeader
		dirty := false
		// advanced is set only by header and record writes; a close-size
		// overwrite leaves the page's insertion point where it was.
		advanced := false

		if pendingHeader != nil {
			n := applySpan(pg.Data(), urstypes.SizeOfUndoPageHeader, pendingHeader, write)
			if n < len(pendingHeader) {
				return errors.New("urs: replay header continuation did not fit on its page")
			}
			pendingHeader = nil
			offset = urstypes.SizeOfUndoPageHeader + n
			dirty = dirty || write
			advanced = true
		} else if pendingSize != nil {
			n := applySpan(pg.Data(), urstypes.SizeOfUndoPageHeader, pendingSize, write)
			if n < len(pendingSize) {
				return errors.New("urs: replay close-size continuation did not fit on its page")
			}
			pendingSize = nil
			dirty = dirty || write
		} else if blk.Data.Flags.Has(bufdata.FlagCreate) || blk.Data.Flags.Has(bufdata.FlagAddChunk) {
			previous := urstypes.InvalidRecPtr
			if blk.Data.Flags.Has(bufdata.FlagAddChunk) {
				previous = blk.Data.PreviousChunkHeaderLocation
			}
			header := encodeChunkHeader(chunkHeader{Size: 0, Previous: previous, Type: blk.Data.URSType})
			if blk.Data.Flags.Has(bufdata.FlagCreate) && blk.Data.TypeHeaderSize > 0 {
				header = append(header, blk.Data.TypeHeader...)
			}
			start := int(uint64(blk.Data.ChunkHeaderLocation.Offset()) % urstypes.BlockSize)
			n := applySpan(pg.Data(), start, header, write)
			offset = start + n
			dirty = dirty || write
			advanced = true
			if n < len(header) {
				pendingHeader = header[n:]
			}
		}

		if blk.Data.Flags.Has(bufdata.FlagInsert) {
			end := int(blk.Data.InsertPageOffset)
			if end < offset {
				return errors.New("urs: replay insert offset precedes write cursor")
			}
			want := end - offset
			chunk, err := take(want)
			if err != nil {
				deps.Mgr.Unpin(pg)
				return err
			}
			n := applySpan(pg.Data(), offset, chunk, write)
			if n != want {
				return errors.New("urs: replay insert did not fit where bufdata claimed it would")
			}
			dirty = dirty || write
			advanced = true
		}

		if blk.Data.Flags.Has(bufdata.FlagCloseChunk) {
			sizeBytes := encodeSize(blk.Data.ChunkSize)
			start := int(blk.Data.ChunkSizePageOffset)
			n := applySpan(pg.Data(), start, sizeBytes, write)
			dirty = dirty || write
			if n < len(sizeBytes) {
				pendingSize = sizeBytes[n:]
			}

			if blk.Data.Flags.Has(bufdata.FlagClose) {
				chunkLoc := blk.RecPtr.Add(urstypes.UndoLogOffset(start))
				begin := chunkLoc
				if blk.Data.Flags.Has(bufdata.FlagCloseMultiChunk) {
					begin = blk.Data.FirstChunkHeaderLocation
				}
				end := chunkLoc.Add(urstypes.UndoLogOffset(blk.Data.ChunkSize))
				closeNotify = &struct {
					ursType    urstypes.RecordSetType
					typeHeader []byte
					begin, end urstypes.UndoRecPtr
				}{ursType: blk.Data.URSType, typeHeader: blk.Data.TypeHeader, begin: begin, end: end}
			}
		}

		if write && dirty {
			pg.SetDirty()
			if advanced {
				if err := page.SetInsertionPoint(pg.Data(), uint16(maxInt(offset, int(blk.Data.InsertPageOffset)))); err != nil {
					deps.Mgr.Unpin(pg)
					return errors.Wrap(err, "urs: replay advance insertion point")
				}
			}
			pg.SetLSN(rec.LSN)
		}
		deps.Mgr.Unpin(pg)
	}

	if pendingHeader != nil || pendingSize != nil {
		return errors.New("urs: replay record ended with an unresolved continuation")
	}

	if closeNotify != nil && closeNotify.ursType == urstypes.RecordSetTypeTransaction && deps.Type != nil {
		if err := deps.Type.OnCloseRecordSet(closeNotify.typeHeader, closeNotify.begin, closeNotify.end, rec.IsCommit, rec.IsPrepare); err != nil {
			return errors.Wrap(err, "urs: notify type layer after replayed close")
		}
	}

	return nil
}

// applySpan writes (or, if write is false, merely measures) up to len(data)
// bytes of data into buf starting at offset, stopping at the page boundary
// exactly as InsertHeader/InsertRecord/Overwrite do, and returns how many
// bytes landed on this page. Replay never hands these functions more than
// one page at a time — any remainder that would have spilled onto a second
// page is instead carried forward as a pending span for the next block,
// since that next page is a separate Pin/Unpin cycle here, unlike the
// single multi-page call the original write made.
func applySpan(buf []byte, offset int, data []byte, write bool) int {
	onCur, _ := page.SpanSizes(len(buf), offset, len(data))
	if write {
		page.Overwrite([][]byte{buf}, offset, data[:onCur])
	}
	return onCur
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
