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

// State is the three-state lifecycle every record set passes through:
// it starts Clean (no log space consumed yet), becomes Dirty on its first
// insertion, and ends Closed, at which point no further insertion is
// permitted.
type State uint8

const (
	StateClean State = iota
	StateDirty
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Insert when the record set has already been
// closed.
var ErrClosed = errors.New("urs: record set is closed")

// RecordSet is a single undo record set: a sequence of one or more chunks,
// each a contiguous run of undo records in one log, chained together by
// the Previous pointer in each chunk's header so that closing the record
// set (or recovering after a crash) can walk them without consulting any
// in-memory state beyond the current chunk.
type RecordSet struct {
	deps Deps

	persistence urstypes.Persistence
	rsType      urstypes.RecordSetType
	nestingLevel int

	state State

	logNum urstypes.UndoLogNumber
	tail   urstypes.UndoRecPtr // next byte to be written

	// reservedUntil is how far rs.logNum has already been extended on this
	// record set's behalf. Extend always grows by whole pages, so it is
	// normally well ahead of tail; Insert only calls it again once tail
	// catches up, rather than on every insertion.
	reservedUntil urstypes.UndoRecPtr

	begin urstypes.UndoRecPtr // location of the very first chunk's header

	// typeHeader is the type-specific payload supplied at New, written
	// immediately after this record set's very first chunk header and
	// nowhere else — switching logs rolls onto a new chunk, not a new
	// type header.
	typeHeader []byte

	currentChunkHeaderLoc urstypes.UndoRecPtr
	previousChunkForCurrent urstypes.UndoRecPtr

	needChunkHeader bool
	needTypeHeader  bool

	close *closePrep // set between PrepareToMarkClosed and SetCloseLSN/ReleaseClose
}

// New creates a record set in the Clean state. No log space is consumed
// and no WAL record is written until the first call to Insert, matching
// the original's UndoCreate, which is cheap precisely so that callers can
// create one speculatively and never use it. typeHeader is the type
// layer's payload for this specific record set; it is written once,
// immediately after the first chunk header, and is opaque to this package.
func New(deps Deps, persistence urstypes.Persistence, rsType urstypes.RecordSetType, nestingLevel int, typeHeader []byte) *RecordSet {
	return &RecordSet{
		deps:            deps,
		persistence:     persistence,
		rsType:          rsType,
		nestingLevel:    nestingLevel,
		state:           StateClean,
		typeHeader:      typeHeader,
		needChunkHeader: true,
		needTypeHeader:  true,
	}
}

// State returns the record set's current lifecycle state.
func (rs *RecordSet) State() State { return rs.state }

// Begin returns the location of the record set's first chunk header. It is
// only valid once the record set has left the Clean state.
func (rs *RecordSet) Begin() urstypes.UndoRecPtr { return rs.begin }

// NestingLevel returns the transaction nesting level this record set was
// created at, used by internal/xact to auto-close record sets when their
// owning subtransaction is popped.
func (rs *RecordSet) NestingLevel() int { return rs.nestingLevel }

// LogNum returns the log the record set is currently writing to. It is
// InvalidLogNumber until the first Insert call.
func (rs *RecordSet) LogNum() urstypes.UndoLogNumber { return rs.logNum }

// WAL returns the WAL collaborator this record set writes through, so a
// caller closing several record sets together (internal/xact) can open one
// shared WAL record on their behalf instead of one per record set.
func (rs *RecordSet) WAL() undolog.WAL { return rs.deps.WAL }

// NotifyClosed tells the type layer this record set just closed, if it is
// a TRANSACTION-typed set and a type layer was supplied. Called only after
// every page write for the close has already succeeded, matching the
// original's deferred on_close_record_set placement.
func (rs *RecordSet) NotifyClosed(isCommit, isPrepare bool) error {
	if rs.rsType != urstypes.RecordSetTypeTransaction || rs.deps.Type == nil {
		return nil
	}
	return rs.deps.Type.OnCloseRecordSet(rs.typeHeader, rs.begin, rs.tail, isCommit, isPrepare)
}

// Insert reserves space for and writes record, returning the UndoRecPtr of
// the first byte of the record (right after any chunk header this
// insertion had to create). It transitions the record set from Clean or
// Dirty to Dirty.
//
// Grounded on UndoPrepareToInsert/UndoInsert: a chunk header is written
// exactly when needChunkHeader is set (true for the very first insertion,
// and again after the active chunk is rolled over onto a new log). A chunk
// rolled off because its log is full is closed in its own WAL record,
// written before this insertion's record; the insertion and that close
// never share one WAL record.
func (rs *RecordSet) Insert(ctx context.Context, record []byte) (urstypes.UndoRecPtr, error) {
	if rs.state == StateClosed {
		return urstypes.InvalidRecPtr, ErrClosed
	}

	if rs.logNum == 0 {
		logNum, tail, err := rs.deps.Alloc.Acquire(ctx, rs.persistence)
		if err != nil {
			return urstypes.InvalidRecPtr, errors.Wrap(err, "urs: acquire log")
		}
		rs.logNum = logNum
		rs.tail = tail
		rs.reservedUntil = tail
	}

	var header []byte
	writesTypeHeader := false
	if rs.needChunkHeader {
		rs.currentChunkHeaderLoc = rs.tail
		if !rs.begin.Valid() {
			rs.begin = rs.currentChunkHeaderLoc
		}
		header = encodeChunkHeader(chunkHeader{
			Size:     0,
			Previous: rs.previousChunkForCurrent,
			Type:     rs.rsType,
		})
		// need_type_header is set only by New and cleared only by a
		// successful first insert; it never becomes true again when a
		// later insert rolls the active chunk onto a new log.
		if rs.needTypeHeader {
			header = append(header, rs.typeHeader...)
			writesTypeHeader = true
		}
	}

	totalSize := len(header) + len(record)

	if err := rs.ensureReserved(ctx, totalSize); err != nil {
		if errors.Is(err, undolog.ErrLogFull) {
			if rollErr := rs.rollOverToNewLog(ctx); rollErr != nil {
				return urstypes.InvalidRecPtr, rollErr
			}
			return rs.Insert(ctx, record)
		}
		return urstypes.InvalidRecPtr, err
	}

	tr := buffer.NewTracker(rs.deps.Mgr, totalSize/urstypes.BlockSize+2)
	createdNewChunk := rs.needChunkHeader
	cursor := rs.tail

	if len(header) > 0 {
		var err error
		cursor, err = rs.writeSpanning(ctx, tr, cursor, header, func(bd *bufdata.BufData, continuation bool) {
			// ChunkHeaderLocation names which chunk this page belongs to
			// regardless of which other flags end up set on it, so replay
			// can always tell a freshly-initialized page's continueChunk
			// without needing in-memory record set state.
			bd.ChunkHeaderLocation = rs.currentChunkHeaderLoc
			// A header that spills onto a second page leaves the rest of
			// that page's bufdata alone here — it's tagged FlagAddPage by
			// the sweep below instead, so replay doesn't mistake it for
			// the start of a second, unrelated chunk header.
			if continuation {
				return
			}
			bd.URSType = rs.rsType
			if rs.previousChunkForCurrent.Valid() {
				bd.Flags |= bufdata.FlagAddChunk
				bd.PreviousChunkHeaderLocation = rs.previousChunkForCurrent
			} else {
				bd.Flags |= bufdata.FlagCreate
			}
			if writesTypeHeader {
				bd.TypeHeaderSize = uint8(len(rs.typeHeader))
				bd.TypeHeader = rs.typeHeader
			}
		})
		if err != nil {
			tr.Release()
			return urstypes.InvalidRecPtr, err
		}
		rs.needChunkHeader = false
		if writesTypeHeader {
			rs.needTypeHeader = false
		}
	}

	recordStart := cursor
	var recErr error
	cursor, recErr = rs.writeSpanning(ctx, tr, cursor, record, func(bd *bufdata.BufData, _ bool) {
		bd.Flags |= bufdata.FlagInsert
		bd.ChunkHeaderLocation = rs.currentChunkHeaderLoc
	})
	if recErr != nil {
		tr.Release()
		return urstypes.InvalidRecPtr, recErr
	}

	// Every page this insertion touched needs some bufdata registered
	// against it so replay sees a block for it at all. A page that wrote
	// the start of a chunk header (or of a record) already has a specific
	// flag from the writes above; anything left bare at this point only
	// received the spillover of a header or a freshly-initialized
	// continuation of the active chunk, which ADD_PAGE's payload — which
	// chunk this page belongs to — covers exactly.
	for _, e := range tr.Entries() {
		if e.BufData.Flags != 0 {
			continue
		}
		e.BufData.Flags |= bufdata.FlagAddPage
		e.BufData.URSType = rs.rsType
		e.BufData.ChunkHeaderLocation = rs.currentChunkHeaderLoc
	}

	handle := rs.deps.WAL.BeginInsert()
	for _, e := range tr.Entries() {
		if e.BufData.Flags == 0 {
			continue
		}
		handle.RegisterBuffer(e.Page, bufdata.Encode(e.BufData))
	}
	handle.RegisterData(header)
	handle.RegisterData(record)

	lsn, err := handle.Insert(ctx)
	if err != nil {
		tr.Release()
		return urstypes.InvalidRecPtr, errors.Wrap(err, "urs: wal insert")
	}
	for _, e := range tr.Entries() {
		e.Page.SetLSN(lsn)
	}

	tr.Release()

	rs.tail = cursor
	rs.state = StateDirty
	if createdNewChunk {
		rs.deps.Log.Debugf("urs: created chunk %s in log %d", rs.currentChunkHeaderLoc, rs.logNum)
	}

	return recordStart, nil
}

// ensureReserved makes sure at least totalSize bytes, plus enough slack to
// cover whatever page-header bytes writeSpanning will skip over while
// writing them, are available starting at rs.tail, calling Extend only when
// the reservation left over from an earlier call has run dry. Extend always
// rounds up to whole pages, so most calls to Insert find enough slack left
// over from the previous one and never reach the allocator at all.
func (rs *RecordSet) ensureReserved(ctx context.Context, totalSize int) error {
	if rs.deps.Alloc.IsFull(rs.logNum) {
		return undolog.ErrLogFull
	}

	var available uint64
	if rs.reservedUntil.Valid() {
		available = uint64(rs.reservedUntil.Offset()) - uint64(rs.tail.Offset())
	}

	maxCrossings := uint64(totalSize)/urstypes.BlockSize + 2
	needed := uint64(totalSize) + maxCrossings*urstypes.SizeOfUndoPageHeader
	if available >= needed {
		return nil
	}

	extStart, reserved, err := rs.deps.Alloc.Extend(ctx, rs.logNum, urstypes.UndoLogOffset(needed-available))
	if errors.Is(err, undolog.ErrLogFull) {
		return err
	}
	if err != nil {
		return errors.Wrap(err, "urs: extend log")
	}
	if extStart != rs.reservedUntil {
		panic("urs: allocator extended at an address other than the record set's own reservation frontier")
	}
	rs.reservedUntil = rs.reservedUntil.Add(reserved)
	return nil
}

// rollOverToNewLog closes the current chunk in place and arranges for the
// next Insert call to open a fresh chunk on a newly acquired log. Mirrors
// the chunk-rolling branch of UndoPrepareToInsert: the chunk being rolled
// off is closed, not abandoned, so a reader walking the previous_chunk
// chain never finds a chunk whose size was never written.
func (rs *RecordSet) rollOverToNewLog(ctx context.Context) error {
	if rs.state == StateDirty {
		if err := rs.closeCurrentChunk(ctx, false); err != nil {
			return errors.Wrap(err, "urs: close chunk before rollover")
		}
	}
	logNum, tail, err := rs.deps.Alloc.Acquire(ctx, rs.persistence)
	if err != nil {
		return errors.Wrap(err, "urs: acquire replacement log")
	}
	rs.logNum = logNum
	rs.tail = tail
	rs.reservedUntil = tail
	rs.previousChunkForCurrent = rs.currentChunkHeaderLoc
	rs.needChunkHeader = true
	return nil
}

// writeSpanning writes data starting at cursor, pinning pages through tr as
// needed and spilling across at most one page boundary per call, exactly as
// InsertHeader/InsertRecord do — a single call to the page codec writes both
// the current-page portion and the continuation-page portion (starting right
// after that page's header) in one pass, so a write longer than what the
// current plus one following page can hold is sliced into several such
// calls. mark is invoked once per page touched, with continuation true for
// every page after the first one data lands on, so the caller can record
// the right bufdata.Flag combination and payload fields (Create vs.
// AddChunk vs. Insert) without mistakenly re-tagging a spillover page as
// the start of a second, unrelated structural event.
func (rs *RecordSet) writeSpanning(ctx context.Context, tr *buffer.Tracker, cursor urstypes.UndoRecPtr, data []byte, mark func(bd *bufdata.BufData, continuation bool)) (urstypes.UndoRecPtr, error) {
	remaining := data
	for len(remaining) > 0 {
		// A cursor landing exactly on a page boundary names that page's
		// header byte, never a writable position — normalize it forward
		// past SizeOfUndoPageHeader before touching it. This is the only
		// place that needs to do so: every cursor this loop produces for
		// its own next iteration is either mid-page or exactly on a
		// boundary, never already past one.
		if uint64(cursor.Offset())%urstypes.BlockSize == 0 {
			cursor = cursor.Add(urstypes.UndoLogOffset(urstypes.SizeOfUndoPageHeader))
		}

		entry, err := tr.FindOrRead(ctx, cursor, true)
		if err != nil {
			return cursor, err
		}
		if entry.NeedsInit {
			if err := page.InitPage(entry.Page.Data(), rs.continuationPointerFor(cursor)); err != nil {
				return cursor, errors.Wrap(err, "urs: init page")
			}
			entry.NeedsInit = false
		}

		offset := int(uint64(cursor.Offset()) % urstypes.BlockSize)
		capacityThisPage := urstypes.BlockSize - offset
		capacityNextPage := urstypes.BlockSize - urstypes.SizeOfUndoPageHeader

		chunk := remaining
		pages := [][]byte{entry.Page.Data()}
		var nextEntry *buffer.Entry
		var nextPtr urstypes.UndoRecPtr
		if len(chunk) > capacityThisPage {
			nextPtr = cursor.Add(urstypes.UndoLogOffset(capacityThisPage))
			nextEntry, err = tr.FindOrRead(ctx, nextPtr, true)
			if err != nil {
				return cursor, err
			}
			if nextEntry.NeedsInit {
				if err := page.InitPage(nextEntry.Page.Data(), rs.continuationPointerFor(cursor)); err != nil {
					return cursor, errors.Wrap(err, "urs: init continuation page")
				}
				nextEntry.NeedsInit = false
			}
			pages = append(pages, nextEntry.Page.Data())
			if len(chunk) > capacityThisPage+capacityNextPage {
				chunk = chunk[:capacityThisPage+capacityNextPage]
			}
		}

		onFirst := page.InsertRecord(pages, offset, chunk)
		onNext := len(chunk) - onFirst

		mark(&entry.BufData, false)
		entry.Page.SetDirty()
		entry.BufData.InsertPageOffset = uint16(offset + onFirst)
		if err := page.SetInsertionPoint(entry.Page.Data(), uint16(offset+onFirst)); err != nil {
			return cursor, errors.Wrap(err, "urs: advance insertion point")
		}

		if onNext > 0 {
			mark(&nextEntry.BufData, true)
			nextEntry.Page.SetDirty()
			nextEntry.BufData.InsertPageOffset = uint16(urstypes.SizeOfUndoPageHeader + onNext)
			if err := page.SetInsertionPoint(nextEntry.Page.Data(), uint16(urstypes.SizeOfUndoPageHeader+onNext)); err != nil {
				return cursor, errors.Wrap(err, "urs: advance continuation insertion point")
			}
			cursor = nextPtr.Add(urstypes.UndoLogOffset(urstypes.SizeOfUndoPageHeader + onNext))
		} else {
			cursor = cursor.Add(urstypes.UndoLogOffset(onFirst))
		}
		remaining = remaining[len(chunk):]
	}
	return cursor, nil
}

// continuationPointerFor returns the value that should be written into a
// freshly-initialized page's ud_continue_chunk field: invalid if cursor is
// exactly the start of a new chunk's header (the page starts a chunk, not a
// continuation of one), otherwise the current chunk's header location.
func (rs *RecordSet) continuationPointerFor(cursor urstypes.UndoRecPtr) urstypes.UndoRecPtr {
	if cursor == rs.currentChunkHeaderLoc {
		return urstypes.InvalidRecPtr
	}
	return rs.currentChunkHeaderLoc
}
