package wal

import (
	"io"
	"os"
)

// ReadStats summarizes an iteration.
type ReadStats struct {
	Records          int
	Bytes            int64
	DiscardedBytes   int64
	DiscardedRecords int
	// Stop is the position right after the last valid record read.
	Stop Offset
	// Corrupted is set when iteration ended on a bad record instead of the end of the log.
	Corrupted bool
	Reason    error
}

// Iterator walks records across segments in order.
//
//	it := store.ReadFrom(0, 0)
//	defer it.Close()
//	for it.Next() {
//		rec := it.Record()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	segs       []Segment
	next       int
	pos        int64
	maxPayload int

	file   *os.File
	reader *Reader
	seg    Segment
	base   int64

	rec   Record
	off   Offset
	stats ReadStats
	err   error
	done  bool
}

func newIterator(segs []Segment, pos int64, maxPayload int) *Iterator {
	it := &Iterator{
		segs:       segs,
		pos:        pos,
		maxPayload: maxPayload,
	}
	if len(segs) != 0 {
		it.stats.Stop = Offset{Segment: segs[0].Index, Pos: pos}
	}
	return it
}

// Next advances to the next valid record. It returns false at the end of the log,
// at the first bad record, or on an I/O error.
func (it *Iterator) Next() bool {
	for !it.done {
		if it.reader == nil {
			if !it.openNext() {
				return false
			}
			continue
		}

		start := it.base + it.reader.Pos()
		rec, err := it.reader.Next()
		if err == nil {
			it.rec = rec
			it.off = Offset{Segment: it.seg.Index, Pos: start}
			size := rec.Size()
			it.stats.Records++
			it.stats.Bytes += size
			it.stats.Stop = it.off.Add(size)
			return true
		}

		if err == io.EOF {
			if it.seg.Corrupt {
				it.stopAt(it.seg)
				return false
			}
			it.closeFile()
			continue
		}

		if isCorruption(err) {
			it.stats.Corrupted = true
			it.stats.Reason = err
			it.stats.Stop = Offset{Segment: it.seg.Index, Pos: start}
			it.stats.DiscardedBytes = it.seg.Size - start
			it.stats.DiscardedRecords = 1
		} else {
			it.err = err
		}
		it.finish()
	}
	return false
}

func (it *Iterator) openNext() bool {
	if it.next >= len(it.segs) {
		it.finish()
		return false
	}
	seg := it.segs[it.next]
	it.next++

	pos := it.pos
	it.pos = 0
	if pos >= seg.Size {
		if seg.Corrupt {
			it.stopAt(seg)
			return false
		}
		it.stats.Stop = Offset{Segment: seg.Index, Pos: seg.Size}
		return true
	}

	file, err := os.Open(seg.Path)
	if err != nil {
		it.err = err
		it.finish()
		return false
	}
	if pos > 0 {
		if _, err := file.Seek(pos, io.SeekStart); err != nil {
			_ = file.Close()
			it.err = err
			it.finish()
			return false
		}
	}

	it.file = file
	it.seg = seg
	it.base = pos
	it.reader = NewReader(io.LimitReader(file, seg.Size-pos), it.maxPayload)
	return true
}

// stopAt ends iteration at the end of the valid prefix of a corrupt segment.
func (it *Iterator) stopAt(seg Segment) {
	it.stats.Corrupted = true
	it.stats.Reason = seg.CorruptReason
	it.stats.Stop = Offset{Segment: seg.Index, Pos: seg.Size}
	it.stats.DiscardedBytes = seg.Discarded
	it.stats.DiscardedRecords = 1
	it.finish()
}

func (it *Iterator) closeFile() {
	if it.file != nil {
		_ = it.file.Close()
	}
	it.file = nil
	it.reader = nil
}

func (it *Iterator) finish() {
	it.closeFile()
	it.done = true
}

// Record returns the current record. The payload is valid until the next call to Next.
func (it *Iterator) Record() Record {
	return it.rec
}

// Offset returns the position of the current record.
func (it *Iterator) Offset() Offset {
	return it.off
}

// End returns the position right after the current record.
func (it *Iterator) End() Offset {
	return it.off.Add(it.rec.Size())
}

// Stats reports progress and, once iteration ended, why it ended.
func (it *Iterator) Stats() ReadStats {
	return it.stats
}

// Err returns the I/O error that stopped iteration, if any. Bad records are not errors.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the open segment file.
func (it *Iterator) Close() error {
	it.finish()
	return nil
}
