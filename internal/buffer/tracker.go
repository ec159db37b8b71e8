// Package buffer implements the per-insertion buffer tracker: the small,
// dynamically growing array of pinned-and-locked pages that a single
// UndoRecordSet operation (an insertion, a close, a replay step) touches.
// It does not own page storage itself — that's the BufferManager
// collaborator's job — it only tracks which pages are currently held, in
// what order, and what WAL bufdata has been staged against each one so
// far, reusing an already-pinned page instead of pinning it twice when two
// writes in the same operation land on the same page.
//
// Grounded on server/innodb/buffer_pool/buffer_pool.go for the pin-count
// and dirty-tracking idiom (though that package manages the whole pool;
// this one only manages the handful of pages one call needs) and directly
// on reserve_buffer_array / find_or_read_buffer in the original
// undorecordset.c for the reuse-before-pin discipline.
package buffer

import (
	"context"

	"github.com/pkg/errors"

	"undorecordset/internal/bufdata"
	"undorecordset/internal/urstypes"
)

// Page is a single pinned, lockable undo page. Implementations are
// supplied by an undolog.BufferManager; the tracker only ever calls back
// through this narrower interface.
type Page interface {
	// Data returns the page's raw bytes. The slice must stay valid and
	// writable until Unpin is called on the owning handle.
	Data() []byte
	// SetDirty marks the page as needing to be written back.
	SetDirty()
	// SetLSN stamps the page with the LSN of the WAL record that last
	// modified it, the final step before releasing it.
	SetLSN(lsn uint64)
}

// Manager is the subset of buffer-pool behavior the tracker needs from its
// caller: pin a page for a given undo-log address, optionally allocating it
// if it doesn't exist yet, and release it when the operation is done.
type Manager interface {
	// Pin returns the page containing rp, pinned and content-locked for
	// writing. isNew reports whether the page had to be freshly allocated
	// (its bytes are undefined and the caller must initialize them) rather
	// than read back from storage.
	Pin(ctx context.Context, rp urstypes.UndoRecPtr, forWrite bool) (page Page, isNew bool, err error)
	// Unpin releases a page obtained from Pin.
	Unpin(page Page)
}

// Entry is one tracked page together with the bookkeeping the insertion
// planner and close protocol accumulate against it over the lifetime of a
// single operation.
type Entry struct {
	RecPtr    urstypes.UndoRecPtr // address of the start of this page
	Page      Page
	IsNew     bool // the page was freshly allocated by Pin
	NeedsInit bool // caller must still write a fresh page header
	BufData   bufdata.BufData
}

// pageOf rounds an UndoRecPtr down to the start of the page it falls on, so
// two pointers into the same page compare equal for reuse purposes.
func pageOf(rp urstypes.UndoRecPtr) urstypes.UndoRecPtr {
	offset := rp.Offset()
	aligned := (uint64(offset) / urstypes.BlockSize) * urstypes.BlockSize
	return urstypes.MakeRecPtr(rp.Log(), urstypes.UndoLogOffset(aligned))
}

// Tracker holds the buffers pinned by one in-flight operation, in the order
// they were first touched — an order the WAL registration step depends on,
// since inserts must be registered before the close of the chunk they
// rolled off, for replay's sake.
type Tracker struct {
	mgr     Manager
	entries []*Entry
}

// NewTracker creates an empty tracker bound to mgr. capacity hints at how
// many pages this operation is expected to touch; it is not a hard limit.
func NewTracker(mgr Manager, capacity int) *Tracker {
	return &Tracker{mgr: mgr, entries: make([]*Entry, 0, capacity)}
}

// Len reports how many distinct pages are currently tracked.
func (t *Tracker) Len() int { return len(t.entries) }

// Entries returns the tracked entries in pin order. The slice must not be
// retained past the next call to FindOrRead or Release.
func (t *Tracker) Entries() []*Entry { return t.entries }

// find returns the already-tracked entry for rp's page, or nil.
func (t *Tracker) find(rp urstypes.UndoRecPtr) *Entry {
	target := pageOf(rp)
	for _, e := range t.entries {
		if e.RecPtr == target {
			return e
		}
	}
	return nil
}

// FindOrRead returns the tracked entry covering rp, pinning a fresh one
// through the manager if this operation hasn't touched that page yet.
// Reusing an already-pinned entry is what lets a single insertion spanning
// a chunk-close-and-reopen on the same page see one consistent, still-dirty
// buffer instead of pinning it twice and losing the first pin's writes.
func (t *Tracker) FindOrRead(ctx context.Context, rp urstypes.UndoRecPtr, forWrite bool) (*Entry, error) {
	if e := t.find(rp); e != nil {
		return e, nil
	}

	page, isNew, err := t.mgr.Pin(ctx, rp, forWrite)
	if err != nil {
		return nil, errors.Wrapf(err, "buffer: pin %s", rp)
	}
	e := &Entry{
		RecPtr:    pageOf(rp),
		Page:      page,
		IsNew:     isNew,
		NeedsInit: isNew,
	}
	t.entries = append(t.entries, e)
	return e, nil
}

// ReserveArray grows the tracker's backing array so the next len(t.entries)
// insertions up to n don't force a reallocation mid-operation, mirroring
// the original's up-front reserve_buffer_array sizing of total_size/BLCKSZ+2
// pages before the pin-then-lock loop begins.
func (t *Tracker) ReserveArray(n int) {
	if cap(t.entries) >= n {
		return
	}
	grown := make([]*Entry, len(t.entries), n)
	copy(grown, t.entries)
	t.entries = grown
}

// Release unpins every tracked page, in pin order, and clears the tracker.
// Callers must have already stamped LSNs via SetLSN on pages that were
// modified; Release does not do that itself since some callers (replay's
// skip path) pin pages they never end up needing to dirty.
func (t *Tracker) Release() {
	for _, e := range t.entries {
		t.mgr.Unpin(e.Page)
	}
	t.entries = t.entries[:0]
}

// MarkDirty flags a tracked entry's page as dirty and records the bufdata
// that should be attached to it when the caller registers WAL buffers.
func (e *Entry) MarkDirty(flags bufdata.Flag) {
	e.Page.SetDirty()
	e.BufData.Flags |= flags
}
