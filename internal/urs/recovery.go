package urs

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"undorecordset/internal/bufdata"
	"undorecordset/internal/buffer"
	"undorecordset/internal/page"
	"undorecordset/internal/urstypes"
)

// LogInspector is the read-side view of a log an Allocator manages, needed
// by the recovery sweep to find where a log's written data currently ends
// without the sweep having to track that itself. undolog.Store implements
// this alongside Allocator.
type LogInspector interface {
	// Used reports how many bytes of logNum have actually been written at
	// least once (as opposed to merely reserved by Extend).
	Used(logNum urstypes.UndoLogNumber) (urstypes.UndoLogOffset, error)
}

// RepairReport describes one chunk the recovery sweep found open and
// closed on the crashed process's behalf.
type RepairReport struct {
	RunID      string
	Log        urstypes.UndoLogNumber
	HeaderLoc  urstypes.UndoRecPtr
	ClosedSize uint64
}

// CloseDanglingRecordSets scans every log named in logNums for a final
// chunk whose size field was never written — the signature of a process
// that crashed after UndoInsert but before UndoMarkClosed — and closes it
// in place, exactly as if the owning record set's Close had run.
//
// Grounded closely on CloseDanglingUndoRecordSets in the original
// undorecordset.c: find the final chunk via
// find_start_of_final_chunk_in_undo_log, walk the previous_chunk chain
// back verifying nothing on it has been discarded, and write the missing
// size field in a single WAL-logged overwrite.
func CloseDanglingRecordSets(ctx context.Context, deps Deps, inspector LogInspector, logNums []urstypes.UndoLogNumber, opts RecoveryOptions) ([]RepairReport, error) {
	runID := uuid.New().String()
	log := deps.Log.With("recovery_run", runID)

	var reports []RepairReport
	for _, logNum := range logNums {
		report, err := closeDanglingInLog(ctx, deps, inspector, logNum, opts, runID)
		if err != nil {
			return reports, errors.Wrapf(err, "urs: recovery sweep on log %d", logNum)
		}
		if report != nil {
			log.Infof("repaired dangling chunk %s in log %d, size=%d", report.HeaderLoc, logNum, report.ClosedSize)
			reports = append(reports, *report)
		}
	}
	return reports, nil
}

// RecoveryOptions controls optional, legacy-compatibility behavior of the
// sweep.
type RecoveryOptions struct {
	// EmitLegacyNoopPadding, when true, appends a dummy 24-byte NOOP
	// payload to the WAL record that repairs a chunk, reproducing the
	// original implementation's padding record. Off by default — see
	// DESIGN.md open question 2.
	EmitLegacyNoopPadding bool
}

func closeDanglingInLog(ctx context.Context, deps Deps, inspector LogInspector, logNum urstypes.UndoLogNumber, opts RecoveryOptions, runID string) (*RepairReport, error) {
	used, err := inspector.Used(logNum)
	if err != nil {
		return nil, errors.Wrap(err, "urs: inspect log usage")
	}
	if used == 0 {
		return nil, nil // log was acquired but nothing was ever written to it
	}

	tr := buffer.NewTracker(deps.Mgr, 2)
	defer tr.Release()

	headerLoc, err := findStartOfFinalChunk(ctx, deps, tr, logNum, used)
	if err != nil {
		return nil, err
	}
	if !headerLoc.Valid() {
		return nil, nil
	}

	hdr, err := readChunkHeader(ctx, deps, tr, headerLoc)
	if err != nil {
		return nil, err
	}
	if hdr.Size != 0 {
		return nil, nil // already closed
	}

	begin, err := verifyChainNotDiscarded(ctx, deps, tr, headerLoc)
	if err != nil {
		return nil, err
	}

	lastPageOffset := urstypes.UndoLogOffset((uint64(used-1) / urstypes.BlockSize) * urstypes.BlockSize)
	lastPageEntry, err := tr.FindOrRead(ctx, urstypes.MakeRecPtr(logNum, lastPageOffset), false)
	if err != nil {
		return nil, errors.Wrap(err, "urs: read final page")
	}
	lastHeader, err := page.ReadHeader(lastPageEntry.Page.Data())
	if err != nil {
		return nil, err
	}
	trueEnd := lastPageOffset + urstypes.UndoLogOffset(lastHeader.InsertionPoint)
	end := urstypes.MakeRecPtr(logNum, trueEnd)

	// size is insert − header_offset: the whole chunk, header and type
	// header included, not just the record bytes it carries.
	size := uint64(trueEnd) - uint64(headerLoc.Offset())

	var typeHeader []byte
	if n := typeHeaderSize(deps, hdr.Type); n > 0 {
		typeHeader, err = readSpanning(ctx, tr, begin.Add(urstypes.UndoLogOffset(urstypes.SizeOfChunkHeader)), n)
		if err != nil {
			return nil, errors.Wrap(err, "urs: read type header for repair")
		}
	}

	if err := writeClosedSize(ctx, deps, headerLoc, begin, hdr.Type, typeHeader, size, opts); err != nil {
		return nil, err
	}

	if hdr.Type == urstypes.RecordSetTypeTransaction && deps.Type != nil {
		if err := deps.Type.OnCloseRecordSet(typeHeader, begin, end, false, false); err != nil {
			return nil, errors.Wrap(err, "urs: notify type layer after repair")
		}
	}

	return &RepairReport{RunID: runID, Log: logNum, HeaderLoc: headerLoc, ClosedSize: size}, nil
}

// typeHeaderSize consults deps.Type for how many type-header bytes follow a
// chunk header of type t, treating a nil Type (no type layer configured) as
// zero — the same convention a caller that never creates TRANSACTION-typed
// sets relies on throughout this package.
func typeHeaderSize(deps Deps, t urstypes.RecordSetType) int {
	if deps.Type == nil {
		return 0
	}
	return deps.Type.TypeHeaderSize(t)
}

// findStartOfFinalChunk locates the header of the last chunk in logNum,
// whether or not it has been closed. Grounded on
// find_start_of_final_chunk_in_undo_log / find_start_of_chunk_on_final_page:
// the last written page's header tells us directly (via ContinueChunk) if
// it's pure continuation data, or (via FirstChunk) where to start walking
// forward through same-page chunks to find the last one.
func findStartOfFinalChunk(ctx context.Context, deps Deps, tr *buffer.Tracker, logNum urstypes.UndoLogNumber, used urstypes.UndoLogOffset) (urstypes.UndoRecPtr, error) {
	lastPageOffset := urstypes.UndoLogOffset((uint64(used-1) / urstypes.BlockSize) * urstypes.BlockSize)
	entry, err := tr.FindOrRead(ctx, urstypes.MakeRecPtr(logNum, lastPageOffset), false)
	if err != nil {
		return urstypes.InvalidRecPtr, errors.Wrap(err, "urs: read last page header")
	}
	h, err := page.ReadHeader(entry.Page.Data())
	if err != nil {
		return urstypes.InvalidRecPtr, err
	}

	if h.FirstChunk == 0 {
		// This page holds no chunk header of its own; everything on it
		// continues the chunk named by ContinueChunk.
		return h.ContinueChunk, nil
	}

	// Walk forward through same-page chunk headers until we find one that
	// is still open, reaches this page's insertion point (nothing was
	// written after it), or runs past the end of this page (meaning it is
	// the final chunk, continuing onto whatever page comes after this one —
	// which does not exist, since this is the last written page).
	cursor := urstypes.MakeRecPtr(logNum, lastPageOffset+urstypes.UndoLogOffset(h.FirstChunk))
	insertEnd := uint64(lastPageOffset) + uint64(h.InsertionPoint)
	for {
		hdr, err := readChunkHeader(ctx, deps, tr, cursor)
		if err != nil {
			return urstypes.InvalidRecPtr, err
		}
		if hdr.Size == 0 {
			return cursor, nil
		}
		next := cursor.Add(urstypes.UndoLogOffset(hdr.Size))
		if uint64(next.Offset()) >= uint64(lastPageOffset)+urstypes.BlockSize || uint64(next.Offset()) >= insertEnd {
			return cursor, nil
		}
		cursor = next
	}
}

// readChunkHeader reads the (possibly two-page-spanning) chunk header
// starting at loc.
func readChunkHeader(ctx context.Context, deps Deps, tr *buffer.Tracker, loc urstypes.UndoRecPtr) (chunkHeader, error) {
	raw, err := readSpanning(ctx, tr, loc, urstypes.SizeOfChunkHeader)
	if err != nil {
		return chunkHeader{}, err
	}
	return decodeChunkHeader(raw), nil
}

// readSpanning reads n bytes starting at loc, which may straddle one page
// boundary, mirroring read_undo_header's 1-or-2-buffer read.
func readSpanning(ctx context.Context, tr *buffer.Tracker, loc urstypes.UndoRecPtr, n int) ([]byte, error) {
	offset := int(uint64(loc.Offset()) % urstypes.BlockSize)
	entry, err := tr.FindOrRead(ctx, loc, false)
	if err != nil {
		return nil, errors.Wrap(err, "urs: read header page")
	}
	onFirst, onNext := page.SpanSizes(urstypes.BlockSize, offset, n)
	out := make([]byte, n)
	copy(out, entry.Page.Data()[offset:offset+onFirst])
	if onNext > 0 {
		nextPtr := loc.Add(urstypes.UndoLogOffset(urstypes.BlockSize - offset))
		nextEntry, err := tr.FindOrRead(ctx, nextPtr, false)
		if err != nil {
			return nil, errors.Wrap(err, "urs: read header continuation page")
		}
		copy(out[onFirst:], nextEntry.Page.Data()[urstypes.SizeOfUndoPageHeader:urstypes.SizeOfUndoPageHeader+onNext])
	}
	return out, nil
}

// verifyChainNotDiscarded walks the previous_chunk chain starting at loc
// back to the record set's first chunk, panicking if it ever finds a
// pointer the allocator reports as discarded — storage for a chunk a live
// chunk still points to must never have been reclaimed. It returns the
// location of that first chunk (the one whose Previous is invalid), needed
// both to size the CLOSE_MULTI_CHUNK payload and to locate the type header,
// which only ever follows the record set's very first chunk header.
func verifyChainNotDiscarded(ctx context.Context, deps Deps, tr *buffer.Tracker, loc urstypes.UndoRecPtr) (urstypes.UndoRecPtr, error) {
	begin := loc
	for loc.Valid() {
		if deps.Alloc.IsDiscarded(loc) {
			panic(errors.Errorf("urs: chunk chain references discarded pointer %s", loc))
		}
		begin = loc
		hdr, err := readChunkHeader(ctx, deps, tr, loc)
		if err != nil {
			return urstypes.InvalidRecPtr, err
		}
		loc = hdr.Previous
	}
	return begin, nil
}

// writeClosedSize performs the actual repair write: stamp size into the
// chunk header at loc and log it, optionally followed by the legacy NOOP
// padding record. multiChunk is true when begin (the record set's first
// chunk) differs from loc (the chunk actually being closed) — it, not
// whether the size field itself straddles a page, is what FlagCloseMultiChunk
// reports.
func writeClosedSize(ctx context.Context, deps Deps, loc, begin urstypes.UndoRecPtr, ursType urstypes.RecordSetType, typeHeader []byte, size uint64, opts RecoveryOptions) error {
	tr := buffer.NewTracker(deps.Mgr, 2)
	defer tr.Release()

	offset := int(uint64(loc.Offset()) % urstypes.BlockSize)
	sizeBytes := encodeSize(size)

	entry, err := tr.FindOrRead(ctx, loc, true)
	if err != nil {
		return errors.Wrap(err, "urs: pin chunk header for repair")
	}
	pages := [][]byte{entry.Page.Data()}

	_, onNext := page.SpanSizes(urstypes.BlockSize, offset, len(sizeBytes))
	var nextEntry *buffer.Entry
	if onNext > 0 {
		nextPtr := loc.Add(urstypes.UndoLogOffset(urstypes.BlockSize - offset))
		nextEntry, err = tr.FindOrRead(ctx, nextPtr, true)
		if err != nil {
			return errors.Wrap(err, "urs: pin chunk header continuation for repair")
		}
		pages = append(pages, nextEntry.Page.Data())
	}

	page.Overwrite(pages, offset, sizeBytes)

	multiChunk := begin != loc
	flags := bufdata.FlagCloseChunk | bufdata.FlagClose
	if multiChunk {
		flags |= bufdata.FlagCloseMultiChunk
	}
	entry.MarkDirty(flags)
	entry.BufData.URSType = ursType
	entry.BufData.ChunkSizePageOffset = uint16(offset)
	entry.BufData.ChunkSize = size
	entry.BufData.TypeHeaderSize = uint8(len(typeHeader))
	entry.BufData.TypeHeader = typeHeader
	if multiChunk {
		entry.BufData.FirstChunkHeaderLocation = begin
	}

	handle := deps.WAL.BeginInsert()
	handle.RegisterBuffer(entry.Page, bufdata.Encode(entry.BufData))
	if nextEntry != nil {
		nextEntry.Page.SetDirty()
		handle.RegisterBuffer(nextEntry.Page, bufdata.Encode(bufdata.BufData{}))
	}
	handle.RegisterData(sizeBytes)
	if opts.EmitLegacyNoopPadding {
		handle.RegisterData(make([]byte, 24))
	}

	lsn, err := handle.Insert(ctx)
	if err != nil {
		return errors.Wrap(err, "urs: wal insert for repair")
	}
	entry.Page.SetLSN(lsn)
	if nextEntry != nil {
		nextEntry.Page.SetLSN(lsn)
	}
	return nil
}
