// Package urs implements the undo record set core: the clean/dirty/closed
// state machine, the chunk list, the insertion planner, the close
// protocol, and the startup recovery sweep that repairs chunks left open
// by a crash.
//
// Grounded directly on original_source/undorecordset.c for algorithm
// shape (UndoPrepareToInsert/UndoInsert, UndoMarkChunkClosed/UndoMarkClosed,
// CloseDanglingUndoRecordSets, find_start_of_final_chunk_in_undo_log,
// find_start_of_chunk_on_final_page, read_undo_header); Go struct and
// constructor idiom grounded on server/innodb/manager/undo_log_manager.go
// and server/innodb/buffer_pool/buffer_pool.go (mutex-guarded struct,
// New* constructor, stats fields, logger.InfoLogger/ErrorLogger split).
package urs

import (
	"undorecordset/internal/logger"
	"undorecordset/internal/undolog"
	"undorecordset/internal/urstypes"
)

// TypeLayer is the type-specific collaborator named in this package's own
// scope: something that knows how many type-header bytes a record set type
// carries (get_type_header_size) and wants to be told when a record set it
// cares about closes (on_close_record_set). internal/xact.Registry
// implements this for RecordSetTypeTransaction, the only type with a close
// callback wired to anything in this module.
type TypeLayer interface {
	// TypeHeaderSize returns how many type-header bytes follow a chunk
	// header for record sets of type t. Consulted by the recovery sweep and
	// by Replay, which both reconstruct chunk layout from disk rather than
	// from an in-memory RecordSet that already knows its own header length.
	TypeHeaderSize(t urstypes.RecordSetType) int
	// OnCloseRecordSet is invoked after every page write for a closing
	// record set has already succeeded — never before, so a failure here
	// can't leave a half-applied close behind. begin and end bound the
	// closed record set's undo: begin is its first chunk's header, end is
	// one past the last byte written.
	OnCloseRecordSet(typeHeader []byte, begin, end urstypes.UndoRecPtr, isCommit, isPrepare bool) error
}

// Deps bundles the external collaborators a RecordSet needs. A production
// embedding supplies its own Allocator/WAL bound to real log and redo
// infrastructure; tests and cmd/ursdump use undolog.Store, which
// implements all three.
type Deps struct {
	Alloc undolog.Allocator
	Mgr   undolog.BufferManager
	WAL   undolog.WAL
	Log   *logger.Logger
	// Type is consulted by the recovery sweep and by Replay to size and
	// react to a chunk's type header. A nil Type is treated as "no type
	// header, nothing to notify" — cmd/ursdump passes no Type, so its sweep
	// reads no type header and notifies nothing.
	Type TypeLayer
}
