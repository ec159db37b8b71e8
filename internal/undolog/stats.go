package undolog

import "sync/atomic"

// Stats accumulates counters for a filelog instance, in the spirit of the
// hit/miss/read/write atomics on server/innodb/buffer_pool.BufferPool, but
// scoped to this engine's own operations. Store records only page hits,
// misses and write-backs; the chunk and sweep counters are never
// incremented, so ChunksOpened, ChunksClosed and SweepRepairs read 0.
type Stats struct {
	pageHits    uint64
	pageMisses  uint64
	pagesWriten uint64
	chunksOpened uint64
	chunksClosed uint64
	sweepRepairs uint64
}

func (s *Stats) recordHit()    { atomic.AddUint64(&s.pageHits, 1) }
func (s *Stats) recordMiss()   { atomic.AddUint64(&s.pageMisses, 1) }
func (s *Stats) recordWrite()  { atomic.AddUint64(&s.pagesWriten, 1) }
func (s *Stats) recordOpen()   { atomic.AddUint64(&s.chunksOpened, 1) }
func (s *Stats) recordClose()  { atomic.AddUint64(&s.chunksClosed, 1) }
func (s *Stats) recordRepair() { atomic.AddUint64(&s.sweepRepairs, 1) }

// Snapshot is a point-in-time, race-free copy of Stats for reporting.
type Snapshot struct {
	PageHits     uint64
	PageMisses   uint64
	PagesWritten uint64
	ChunksOpened uint64
	ChunksClosed uint64
	SweepRepairs uint64
}

// Snapshot reads s's counters atomically.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PageHits:     atomic.LoadUint64(&s.pageHits),
		PageMisses:   atomic.LoadUint64(&s.pageMisses),
		PagesWritten: atomic.LoadUint64(&s.pagesWriten),
		ChunksOpened: atomic.LoadUint64(&s.chunksOpened),
		ChunksClosed: atomic.LoadUint64(&s.chunksClosed),
		SweepRepairs: atomic.LoadUint64(&s.sweepRepairs),
	}
}

// HitRatio mirrors BufferPool.GetHitRatio's shape: hits over hits+misses,
// 0 when nothing has been attempted yet.
func (snap Snapshot) HitRatio() float64 {
	total := snap.PageHits + snap.PageMisses
	if total == 0 {
		return 0
	}
	return float64(snap.PageHits) / float64(total)
}
