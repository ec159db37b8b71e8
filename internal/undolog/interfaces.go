// Package undolog declares the external collaborators the undo record set
// core depends on but does not own — the log space allocator, the WAL, and
// (by way of buffer.Manager) the buffer pool — and ships filelog, a
// reference file-backed implementation of all three used by the package's
// own tests and by cmd/ursdump. A production embedding is expected to
// supply its own Allocator/WAL bound to its real log and redo
// infrastructure; filelog exists so this engine is runnable and testable
// standalone.
package undolog

import (
	"context"

	"github.com/pkg/errors"

	"undorecordset/internal/buffer"
	"undorecordset/internal/urstypes"
)

// ErrLogFull is returned by Allocator.Extend when the log has been marked
// full via MarkFull; the insertion planner responds by closing the active
// chunk and rolling over onto a freshly acquired log.
var ErrLogFull = errors.New("undolog: log is full")

// Allocator manages the address space of undo logs: which logs exist, how
// far each has been extended, and which portion of each has since been
// discarded (its storage reclaimed, making any UndoRecPtr into it invalid
// to dereference).
type Allocator interface {
	// Acquire reserves a log of the given persistence level for exclusive
	// use by the caller's current insertion, returning its number and the
	// recptr of its current tail (where the next byte will be written).
	Acquire(ctx context.Context, persistence urstypes.Persistence) (urstypes.UndoLogNumber, urstypes.UndoRecPtr, error)
	// Extend grows log by at least minBytes and returns the recptr marking
	// the start of the newly available space (the log's tail before the
	// extension) along with how many bytes were actually reserved (always
	// rounded up to whole pages, so normally more than minBytes). Callers
	// that don't consume all of a reservation in one insertion are expected
	// to track the remainder themselves and only call Extend again once it
	// runs out — Extend itself doesn't remember a caller's consumption, only
	// how far it has physically grown the log.
	Extend(ctx context.Context, log urstypes.UndoLogNumber, minBytes urstypes.UndoLogOffset) (urstypes.UndoRecPtr, urstypes.UndoLogOffset, error)
	// MarkFull marks log as no longer eligible to receive new chunks, e.g.
	// because it doesn't have room for the chunk header being rolled onto
	// it. A full log still accepts reads until it is eventually discarded.
	MarkFull(ctx context.Context, log urstypes.UndoLogNumber) error
	// IsFull reports whether log was previously marked full. Insertion
	// planners must check this even when they're sitting on an unspent
	// reservation, since MarkFull can be called out of band (rollover forced
	// by something other than running out of reserved space).
	IsFull(log urstypes.UndoLogNumber) bool
	// IsDiscarded reports whether rp's storage has already been reclaimed.
	// A discarded pointer reached by walking a chunk chain is a corruption,
	// not a recoverable condition; callers should panic rather than return
	// an error when this is true mid-walk.
	IsDiscarded(rp urstypes.UndoRecPtr) bool
}

// WALHandle accumulates the buffers and extra payload for a single WAL
// insertion, mirroring the begin/register/insert sequence the original's
// XLogBeginInsert/XLogRegisterBuffer/XLogInsert triad performs for one
// record. Buffers must be registered in the order the caller wants them
// replayed in — inserts before the close of the chunk they rolled off — the
// handle does not reorder them.
type WALHandle interface {
	// RegisterBuffer attaches a page and its encoded bufdata.BufData to
	// this WAL record.
	RegisterBuffer(page buffer.Page, encodedBufData []byte)
	// RegisterData attaches caller-defined payload bytes (e.g. the record
	// body itself) not tied to any one page.
	RegisterData(data []byte)
	// Insert finalizes and writes the WAL record, returning its LSN. Every
	// registered page must have SetLSN(lsn) called on it before it is
	// unpinned; callers typically do that immediately after Insert
	// returns.
	Insert(ctx context.Context) (lsn uint64, err error)
}

// WAL begins new WAL insertions.
type WAL interface {
	BeginInsert() WALHandle
}

// BufferManager is the collaborator behavior the core package needs from a
// buffer pool. It adds nothing beyond buffer.Manager's pin/unpin; the
// recovery sweep reads header data through Pin with forWrite false.
type BufferManager interface {
	buffer.Manager
}
