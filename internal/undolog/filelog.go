package undolog

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"undorecordset/internal/buffer"
	"undorecordset/internal/logger"
	"undorecordset/internal/urstypes"
)

// Store is the reference, file-backed implementation of Allocator, WAL and
// BufferManager used by this package's own tests and by cmd/ursdump. It is
// deliberately simple: one growable file per undo log, one append-only WAL
// file, no caching beyond the pages currently pinned. It is grounded on
// server/innodb/manager/undo_log_manager.go's append-only, fsync-on-write
// file discipline, generalized from "one file of typed entries" to "one
// file per log plus a separate WAL stream", since the core package needs
// page-addressable storage rather than a flat entry log.
type Store struct {
	mu   sync.Mutex
	opts Options
	log  *logger.Logger

	logs    map[urstypes.UndoLogNumber]*logFile
	nextLog urstypes.UndoLogNumber

	pinned map[pageKey]*page

	walFile *os.File
	lsn     uint64

	stats Stats
}

type logFile struct {
	f               *os.File
	tail            urstypes.UndoLogOffset // storage reserved via Extend
	used            urstypes.UndoLogOffset // storage that has actually been written at least once
	discardedBefore urstypes.UndoLogOffset
	full            bool
}

type pageKey struct {
	log    urstypes.UndoLogNumber
	offset urstypes.UndoLogOffset
}

// NewStore opens (creating if necessary) the directory backing opts,
// attaches every log file already present in it (the case that matters for
// a process starting up after a crash, cmd/ursdump's whole reason for
// existing), and returns a ready-to-use Store.
func NewStore(opts Options, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "filelog: create dir %s", opts.Dir)
	}
	walFile, err := os.OpenFile(filepath.Join(opts.Dir, "wal.log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "filelog: open wal file")
	}
	s := &Store{
		opts:    opts,
		log:     log,
		logs:    make(map[urstypes.UndoLogNumber]*logFile),
		pinned:  make(map[pageKey]*page),
		walFile: walFile,
	}
	if err := s.attachExistingLogs(); err != nil {
		walFile.Close()
		return nil, err
	}
	return s, nil
}

// attachExistingLogs scans opts.Dir for log-<n>-<persistence>.undo files
// left by an earlier process and registers each one, so a freshly started
// Store can read and repair logs it did not itself Acquire.
func (s *Store) attachExistingLogs() error {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return errors.Wrapf(err, "filelog: scan dir %s", s.opts.Dir)
	}
	for _, ent := range entries {
		number, ok := parseLogFileName(ent.Name())
		if !ok {
			continue
		}
		f, err := os.OpenFile(filepath.Join(s.opts.Dir, ent.Name()), os.O_RDWR, 0644)
		if err != nil {
			return errors.Wrapf(err, "filelog: reopen %s", ent.Name())
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return errors.Wrapf(err, "filelog: stat %s", ent.Name())
		}
		size := urstypes.UndoLogOffset(info.Size())
		used, err := lastNonEmptyPageEnd(f, size)
		if err != nil {
			f.Close()
			return errors.Wrapf(err, "filelog: scan %s for used extent", ent.Name())
		}
		s.logs[number] = &logFile{f: f, tail: size, used: used}
		if number >= s.nextLog {
			s.nextLog = number
		}
	}
	return nil
}

// lastNonEmptyPageEnd finds how much of a log file was actually written to
// at least once, as opposed to merely reserved by Extend's Truncate call
// (which can grow the file well past any page a writer actually touched,
// per the +1-page reservation slack in Extend). It scans backward from the
// file's current size one page at a time and returns the offset right past
// the last page that isn't all zero bytes; a freshly truncated page a
// writer never touched reads back as all zero, which a real chunk or page
// header never is (InitPage always stamps a nonzero InsertionPoint).
func lastNonEmptyPageEnd(f *os.File, size urstypes.UndoLogOffset) (urstypes.UndoLogOffset, error) {
	lastPage := (uint64(size) / urstypes.BlockSize)
	buf := make([]byte, urstypes.BlockSize)
	for lastPage > 0 {
		off := (lastPage - 1) * urstypes.BlockSize
		if _, err := f.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
			return 0, err
		}
		if !allZero(buf) {
			return urstypes.UndoLogOffset(off + urstypes.BlockSize), nil
		}
		lastPage--
	}
	return 0, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// parseLogFileName extracts the log number from a "log-<n>-<persistence>.undo"
// file name produced by logFileName, or reports ok=false for anything else
// found in the directory (the WAL file, a stray temp file, etc).
func parseLogFileName(name string) (urstypes.UndoLogNumber, bool) {
	const prefix = "log-"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	rest := name[len(prefix):]
	dash := -1
	for i := 0; i < len(rest); i++ {
		if rest[i] == '-' {
			dash = i
			break
		}
	}
	if dash <= 0 {
		return 0, false
	}
	var n uint64
	for i := 0; i < dash; i++ {
		c := rest[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return urstypes.UndoLogNumber(n), true
}

// DiscoverLogNumbers lists the undo log numbers present in dir without
// opening a Store against it, used by cmd/ursdump to default -logs to
// everything on disk.
func DiscoverLogNumbers(dir string) ([]urstypes.UndoLogNumber, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "filelog: scan dir %s", dir)
	}
	var out []urstypes.UndoLogNumber
	for _, ent := range entries {
		if number, ok := parseLogFileName(ent.Name()); ok {
			out = append(out, number)
		}
	}
	return out, nil
}

// Close releases the WAL file and every open log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, lf := range s.logs {
		if err := lf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.walFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Stats returns a point-in-time snapshot of this store's counters.
func (s *Store) Stats() Snapshot { return s.stats.Snapshot() }

func alignOffset(off urstypes.UndoLogOffset) urstypes.UndoLogOffset {
	return urstypes.UndoLogOffset((uint64(off) / urstypes.BlockSize) * urstypes.BlockSize)
}

// Used implements urs.LogInspector: how much of logNum has actually been
// written at least once, as opposed to merely reserved.
func (s *Store) Used(logNum urstypes.UndoLogNumber) (urstypes.UndoLogOffset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.logs[logNum]
	if !ok {
		return 0, errors.Errorf("filelog: used: unknown log %d", logNum)
	}
	return lf.used, nil
}

// --- Allocator ---

// Acquire implements Allocator.
func (s *Store) Acquire(ctx context.Context, persistence urstypes.Persistence) (urstypes.UndoLogNumber, urstypes.UndoRecPtr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLog++
	number := s.nextLog
	name := filepath.Join(s.opts.Dir, logFileName(number, persistence))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return 0, urstypes.InvalidRecPtr, errors.Wrapf(err, "filelog: create log file for log %d", number)
	}
	// The first SizeOfUndoPageHeader bytes of page 0 belong to the page
	// header; tail starts right after it, matching the insertion point
	// InitPage gives every fresh page, and Extend's own bookkeeping must
	// agree with this or its first call on this log would report having
	// extended at a different address than the one just handed back.
	initialTail := urstypes.UndoLogOffset(urstypes.SizeOfUndoPageHeader)
	s.logs[number] = &logFile{f: f, tail: initialTail}
	s.log.Debugf("acquired log %d (%s) at %s", number, persistence, name)
	return number, urstypes.MakeRecPtr(number, initialTail), nil
}

func logFileName(n urstypes.UndoLogNumber, p urstypes.Persistence) string {
	return "log-" + itoa(uint64(n)) + "-" + p.String() + ".undo"
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Extend implements Allocator.
func (s *Store) Extend(ctx context.Context, logNum urstypes.UndoLogNumber, minBytes urstypes.UndoLogOffset) (urstypes.UndoRecPtr, urstypes.UndoLogOffset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lf, ok := s.logs[logNum]
	if !ok {
		return urstypes.InvalidRecPtr, 0, errors.Errorf("filelog: extend unknown log %d", logNum)
	}
	if lf.full {
		return urstypes.InvalidRecPtr, 0, ErrLogFull
	}
	// One extra page of slack: minBytes is a raw payload count that doesn't
	// account for the per-page header every continuation page reserves, so
	// a write landing close to a page-count boundary could otherwise need
	// one more physical page than this division predicts. The caller is
	// expected to track and reuse whatever of this goes unconsumed.
	pages := (uint64(minBytes)+urstypes.BlockSize-1)/urstypes.BlockSize + 1
	if pages == 0 {
		pages = 1
	}
	reserved := urstypes.UndoLogOffset(pages * urstypes.BlockSize)
	old := lf.tail
	newTail := old + reserved
	if err := lf.f.Truncate(int64(newTail)); err != nil {
		return urstypes.InvalidRecPtr, 0, errors.Wrapf(err, "filelog: extend log %d", logNum)
	}
	lf.tail = newTail
	return urstypes.MakeRecPtr(logNum, old), reserved, nil
}

// MarkFull implements Allocator.
func (s *Store) MarkFull(ctx context.Context, logNum urstypes.UndoLogNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.logs[logNum]
	if !ok {
		return errors.Errorf("filelog: mark-full unknown log %d", logNum)
	}
	lf.full = true
	return nil
}

// IsFull implements Allocator.
func (s *Store) IsFull(logNum urstypes.UndoLogNumber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.logs[logNum]
	return ok && lf.full
}

// IsDiscarded implements Allocator.
func (s *Store) IsDiscarded(rp urstypes.UndoRecPtr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.logs[rp.Log()]
	if !ok {
		return true
	}
	return rp.Offset() < lf.discardedBefore
}

// Discard advances the discard boundary for logNum to through, making every
// pointer before it report IsDiscarded, which the recovery sweep's
// chain-walk guard checks.
func (s *Store) Discard(logNum urstypes.UndoLogNumber, through urstypes.UndoLogOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lf, ok := s.logs[logNum]
	if !ok {
		return errors.Errorf("filelog: discard unknown log %d", logNum)
	}
	if through > lf.discardedBefore {
		lf.discardedBefore = through
	}
	return nil
}

// --- BufferManager / buffer.Manager ---

type page struct {
	data   []byte
	dirty  bool
	lsn    uint64
	log    urstypes.UndoLogNumber
	offset urstypes.UndoLogOffset
}

func (p *page) Data() []byte    { return p.data }
func (p *page) SetDirty()       { p.dirty = true }
func (p *page) SetLSN(l uint64) { p.lsn = l }

// Pin implements buffer.Manager.
func (s *Store) Pin(ctx context.Context, rp urstypes.UndoRecPtr, forWrite bool) (buffer.Page, bool, error) {
	aligned := alignOffset(rp.Offset())
	key := pageKey{rp.Log(), aligned}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pinned[key]; ok {
		s.stats.recordHit()
		return p, false, nil
	}

	lf, ok := s.logs[rp.Log()]
	if !ok {
		return nil, false, errors.Errorf("filelog: pin unknown log %d", rp.Log())
	}
	s.stats.recordMiss()

	data := make([]byte, urstypes.BlockSize)
	isNew := false
	if aligned+urstypes.UndoLogOffset(urstypes.BlockSize) <= lf.used {
		if _, err := lf.f.ReadAt(data, int64(aligned)); err != nil && err != io.EOF {
			return nil, false, errors.Wrapf(err, "filelog: read page at %s", rp)
		}
	} else {
		if !forWrite {
			return nil, false, errors.Errorf("filelog: page %s has never been written", rp)
		}
		isNew = true
		lf.used = aligned + urstypes.UndoLogOffset(urstypes.BlockSize)
	}

	p := &page{data: data, log: rp.Log(), offset: aligned}
	s.pinned[key] = p
	return p, isNew, nil
}

// Unpin implements buffer.Manager, writing the page back if it was dirtied.
func (s *Store) Unpin(pg buffer.Page) {
	p, ok := pg.(*page)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.dirty {
		if lf, ok := s.logs[p.log]; ok {
			if _, err := lf.f.WriteAt(p.data, int64(p.offset)); err != nil {
				s.log.Errorf("filelog: write-back page %d:%d failed: %v", p.log, p.offset, err)
			} else {
				s.stats.recordWrite()
				if s.opts.SyncOnWrite {
					_ = lf.f.Sync()
				}
			}
		}
	}
	delete(s.pinned, pageKey{p.log, p.offset})
}

// --- WAL ---

type regBuf struct {
	page    buffer.Page
	bufdata []byte
}

type walHandle struct {
	store   *Store
	buffers []regBuf
	extra   [][]byte
}

// BeginInsert implements WAL.
func (s *Store) BeginInsert() WALHandle {
	return &walHandle{store: s}
}

func (h *walHandle) RegisterBuffer(page buffer.Page, encodedBufData []byte) {
	h.buffers = append(h.buffers, regBuf{page: page, bufdata: encodedBufData})
}

func (h *walHandle) RegisterData(data []byte) {
	h.extra = append(h.extra, data)
}

func (h *walHandle) Insert(ctx context.Context) (uint64, error) {
	var body bytes.Buffer
	for _, b := range h.buffers {
		binary.Write(&body, binary.LittleEndian, uint32(len(b.bufdata)))
		body.Write(b.bufdata)
	}
	binary.Write(&body, binary.LittleEndian, uint16(len(h.extra)))
	for _, d := range h.extra {
		binary.Write(&body, binary.LittleEndian, uint32(len(d)))
		body.Write(d)
	}

	h.store.mu.Lock()
	h.store.lsn++
	lsn := h.store.lsn

	var header [12]byte
	binary.LittleEndian.PutUint64(header[0:8], lsn)
	binary.LittleEndian.PutUint32(header[8:12], uint32(body.Len()))

	var writeErr error
	if _, err := h.store.walFile.Write(header[:]); err != nil {
		writeErr = errors.Wrap(err, "filelog: write wal header")
	} else if _, err := h.store.walFile.Write(body.Bytes()); err != nil {
		writeErr = errors.Wrap(err, "filelog: write wal body")
	} else if h.store.opts.SyncOnWrite {
		writeErr = h.store.walFile.Sync()
	}
	h.store.mu.Unlock()

	if writeErr != nil {
		return 0, writeErr
	}

	for _, b := range h.buffers {
		b.page.SetLSN(lsn)
	}
	return lsn, nil
}
