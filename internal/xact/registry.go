// Package xact is the transaction-level façade over urs.RecordSet: it
// tracks which record sets are currently open at which subtransaction
// nesting level for one session, closes the right ones automatically when a
// subtransaction commits or aborts, and is itself the type layer
// TRANSACTION-typed record sets close through — the type-specific
// collaborator urs.Deps.Type names.
//
// Grounded on the implicit per-nesting-level bookkeeping in
// original_source/undorecordset.c (UndoRecordSetList, walked by nesting
// level on commit/abort/AtProcExit) and on the mutex-guarded
// map-plus-constructor shape of server/innodb/manager/undo_log_manager.go's
// UndoLogManager.activeTxns. Unlike that C global list, the registry here
// is owned per-caller (one per session/worker) rather than process-wide: Go
// gives every connection its own goroutine and struct, so there is no
// single process boundary to hang a package-level list off of, and a
// process-global registry would just be a second mutex contending with
// itself across unrelated sessions for no benefit.
package xact

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"undorecordset/internal/logger"
	"undorecordset/internal/undolog"
	"undorecordset/internal/urs"
	"undorecordset/internal/urstypes"
)

// Registry tracks the record sets open on behalf of one session, keyed by
// the subtransaction nesting level they were created at. It is not safe to
// share across sessions; create one per connection/worker the way a
// session owns its own transaction state.
type Registry struct {
	mu   sync.Mutex
	log  *logger.Logger
	sets []*entry

	// typeHeaderSize and onClose let an embedding wire its own
	// transaction-undo format in without this package needing to know its
	// shape. Both default to the zero value: no type header, no
	// notification, which is what every test in this package that never
	// calls the setters relies on.
	typeHeaderSize int
	onClose        func(typeHeader []byte, begin, end urstypes.UndoRecPtr, isCommit, isPrepare bool) error
}

type entry struct {
	rs    *urs.RecordSet
	level int
}

// NewRegistry creates an empty registry. log may be nil, in which case a
// component logger at default level is created.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.New("xact", logger.Config{})
	}
	return &Registry{log: log}
}

// SetTypeHeaderSize configures how many type-header bytes this session's
// TRANSACTION-typed record sets carry after their first chunk header.
func (r *Registry) SetTypeHeaderSize(n int) { r.typeHeaderSize = n }

// SetOnClose configures the callback invoked after a TRANSACTION-typed
// record set this registry owns finishes closing, live or replayed.
func (r *Registry) SetOnClose(fn func(typeHeader []byte, begin, end urstypes.UndoRecPtr, isCommit, isPrepare bool) error) {
	r.onClose = fn
}

// TypeHeaderSize implements urs.TypeLayer. Only TRANSACTION-typed record
// sets carry a header this registry knows the shape of; anything else
// carries none.
func (r *Registry) TypeHeaderSize(t urstypes.RecordSetType) int {
	if t != urstypes.RecordSetTypeTransaction {
		return 0
	}
	return r.typeHeaderSize
}

// OnCloseRecordSet implements urs.TypeLayer, forwarding to the configured
// callback, if any.
func (r *Registry) OnCloseRecordSet(typeHeader []byte, begin, end urstypes.UndoRecPtr, isCommit, isPrepare bool) error {
	if r.onClose == nil {
		return nil
	}
	return r.onClose(typeHeader, begin, end, isCommit, isPrepare)
}

// Create makes a new record set at nestingLevel and registers it with the
// registry so it is closed automatically when that level (or an enclosing
// one) commits or aborts. The caller still owns the returned RecordSet for
// the purpose of calling Insert directly. typeHeader is only meaningful for
// RecordSetTypeTransaction; deps.Type is always overwritten with the
// registry itself, since a record set this registry tracks must notify
// this registry's type layer, not whatever deps.Type the caller happened
// to pass in.
func (r *Registry) Create(deps urs.Deps, persistence urstypes.Persistence, rsType urstypes.RecordSetType, nestingLevel int, typeHeader []byte) *urs.RecordSet {
	deps.Type = r
	rs := urs.New(deps, persistence, rsType, nestingLevel, typeHeader)
	r.mu.Lock()
	r.sets = append(r.sets, &entry{rs: rs, level: nestingLevel})
	r.mu.Unlock()
	return rs
}

// ResetInsertion drops the registry's bookkeeping for rs without closing
// it, used when a caller is about to hand the record set off to code that
// will manage its lifetime itself (e.g. handing it to a different nesting
// level after the fact). Mirrors the original's ResetUndoRecordSet, which
// exists for exactly this "detach without closing" case.
func (r *Registry) ResetInsertion(rs *urs.RecordSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.sets {
		if e.rs == rs {
			r.sets = append(r.sets[:i], r.sets[i+1:]...)
			return
		}
	}
}

// candidatesAtOrAbove removes and returns, in creation order, every
// registered entry at nestingLevel or deeper.
func (r *Registry) candidatesAtOrAbove(nestingLevel int) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var toClose []*entry
	kept := r.sets[:0]
	for _, e := range r.sets {
		if e.level >= nestingLevel {
			toClose = append(toClose, e)
		} else {
			kept = append(kept, e)
		}
	}
	r.sets = kept
	return toClose
}

// prepareToMarkClosedForXactLevel pins and locks the closing page(s) of
// every record set in candidates that actually has an open chunk, skipping
// (and immediately finishing, via a plain Close) any that are still Clean
// or already Closed — those have nothing for a shared WAL record to do.
// Grounded on prepare_to_mark_closed_for_xact_level in the original, which
// performs exactly this filtering pass before opening the critical section
// the rest of the close happens in.
func prepareToMarkClosedForXactLevel(ctx context.Context, candidates []*entry) ([]*urs.RecordSet, error) {
	var work []*urs.RecordSet
	for _, e := range candidates {
		if e.rs.State() != urs.StateDirty {
			if err := e.rs.Close(ctx); err != nil {
				return nil, errors.Wrapf(err, "xact: close clean/closed record set at level %d", e.level)
			}
			continue
		}
		needed, err := e.rs.PrepareToMarkClosed(ctx)
		if err != nil {
			for _, done := range work {
				done.ReleaseClose()
			}
			return nil, errors.Wrapf(err, "xact: prepare close for record set at level %d", e.level)
		}
		if needed {
			work = append(work, e.rs)
		}
	}
	return work, nil
}

// markClosedForXactLevel stamps the final chunk size into every record set
// in work. Grounded on mark_closed_for_xact_level.
func markClosedForXactLevel(work []*urs.RecordSet) error {
	for _, rs := range work {
		if err := rs.MarkClosed(true); err != nil {
			return errors.Wrap(err, "xact: mark record set closed")
		}
	}
	return nil
}

// registerXlogBuffersForXactLevel attaches every record set in work's
// pinned pages to one shared WAL handle. Grounded on
// register_xlog_buffers_for_xact_level, which is exactly why the close
// protocol is split into phases at all: committing or aborting a
// subtransaction with several open record sets closes all of them with a
// single WAL record instead of one per record set.
func registerXlogBuffersForXactLevel(handle undolog.WALHandle, work []*urs.RecordSet) {
	for _, rs := range work {
		rs.RegisterCloseBuffers(handle)
	}
}

// setLSNForXactLevel stamps lsn onto every record set in work's pinned
// pages and releases them. Grounded on set_lsn_for_xact_level.
func setLSNForXactLevel(work []*urs.RecordSet, lsn uint64) {
	for _, rs := range work {
		rs.SetCloseLSN(lsn)
	}
}

// destroyForXactLevel fires the type layer notification for every record
// set in work, in creation order; MarkClosed already moved each of them to
// Closed. Candidates prepareToMarkClosedForXactLevel finished with a plain
// Close are not in work and get no notification. Grounded on
// destroy_for_xact_level.
func destroyForXactLevel(work []*urs.RecordSet, isCommit, isPrepare bool) error {
	var firstErr error
	for _, rs := range work {
		if err := rs.NotifyClosed(isCommit, isPrepare); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "xact: notify type layer after close")
		}
	}
	return firstErr
}

// CloseAndDestroyForXactLevel closes every record set registered at
// nestingLevel or deeper and removes them from the registry, composing the
// five phases above exactly as close_and_destroy_for_xact_level does in the
// original: prepare every candidate, and only if at least one of them
// actually has work to do, open a single critical section (one WAL record)
// that marks them all closed, registers all their buffers together, and
// stamps the resulting LSN across all of them, before finally notifying the
// type layer for each.
func (r *Registry) CloseAndDestroyForXactLevel(ctx context.Context, nestingLevel int, isCommit, isPrepare bool) error {
	candidates := r.candidatesAtOrAbove(nestingLevel)
	if len(candidates) == 0 {
		return nil
	}

	work, err := prepareToMarkClosedForXactLevel(ctx, candidates)
	if err != nil {
		return err
	}
	if len(work) == 0 {
		// Every candidate was Clean or already Closed; prepare already
		// finished them with a plain Close, which — like a single record
		// set's own Close on a set that was never written to — needs no
		// WAL record and no type layer notification.
		return nil
	}

	if err := markClosedForXactLevel(work); err != nil {
		releaseAll(work)
		return err
	}

	handle := work[0].WAL().BeginInsert()
	registerXlogBuffersForXactLevel(handle, work)
	lsn, err := handle.Insert(ctx)
	if err != nil {
		releaseAll(work)
		return errors.Wrap(err, "xact: wal insert for shared close")
	}
	setLSNForXactLevel(work, lsn)

	if err := destroyForXactLevel(work, isCommit, isPrepare); err != nil {
		return err
	}

	r.log.Debugf("xact: closed %d record set(s) at nesting level >= %d in one WAL record", len(work), nestingLevel)
	return nil
}

func releaseAll(work []*urs.RecordSet) {
	for _, rs := range work {
		rs.ReleaseClose()
	}
}

// Len reports how many record sets are currently tracked, across all
// nesting levels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// AtProcExit panics if the registry still holds open record sets, mirroring
// AtProcExit_UndoRecordSet's PANIC in the original: reaching process (here,
// session/worker) exit with an undo record set still open means some commit
// or abort path failed to close everything it owned, which is a bug in the
// caller, not a recoverable runtime condition.
func (r *Registry) AtProcExit() {
	r.mu.Lock()
	n := len(r.sets)
	r.mu.Unlock()
	if n > 0 {
		panic(errors.Errorf("xact: %d record set(s) still open at exit", n))
	}
}
