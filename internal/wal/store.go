package wal

import (
	"bufio"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var (
	ErrWriteFailed      = errors.New("wal: write failed")
	ErrOutOfOrder       = errors.New("wal: sequence out of order")
	ErrClosed           = errors.New("wal: store closed")
	ErrRecordTooLarge   = errors.New("wal: record too large")
	ErrSegmentNotFound  = errors.New("wal: segment not found")
	ErrSegmentCorrupted = errors.New("wal: segment does not match its index")
	ErrNilRecord        = errors.New("wal: nil record")
)

// segmentFile is the write handle of the active segment.
type segmentFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

func openSegmentFile(path string) (segmentFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

type activeSegment struct {
	seg  Segment
	file segmentFile
	buf  *bufio.Writer
}

// Store is the append-only segment store. It exclusively owns segment files:
// Append, RotateIfFull, Sync and Close are serialized, reads go through
// iterators opened on the durable prefix of each segment.
type Store struct {
	cfg       Config
	indexPath string
	openFile  func(path string) (segmentFile, error)

	mu       sync.Mutex
	sealed   []Segment
	active   *activeSegment
	lastSeq  uint64
	scratch  []byte
	broken   error
	closed   bool
	recovery ReadStats
}

// Open creates the directory if needed, discovers existing segments, truncates a
// torn tail in the newest segment and restores the last sequence number.
func Open(cfg Config) (*Store, error) {
	return open(cfg, openSegmentFile)
}

func open(cfg Config, openFile func(string) (segmentFile, error)) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:       cfg,
		indexPath: filepath.Join(cfg.Dir, cfg.FilePrefix+indexSuffix),
		openFile:  openFile,
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	indexes, err := listSegments(s.cfg.Dir, s.cfg.FilePrefix)
	if err != nil {
		return err
	}
	entries, err := loadIndex(s.indexPath)
	if err != nil {
		return errors.Wrap(err, "load segment index")
	}

	for i, index := range indexes {
		path := filepath.Join(s.cfg.Dir, segmentName(s.cfg.FilePrefix, index))
		last := i == len(indexes)-1

		if entry, ok := entries[index]; ok {
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if info.Size() == entry.Size {
				s.sealed = append(s.sealed, entry.segment(path))
				continue
			}
			logs.Warnf("wal: segment %d size %d does not match index size %d, rescan", index, info.Size(), entry.Size)
		}

		seg, stats, err := scanSegment(path, index, s.cfg.MaxPayloadSize)
		if err != nil {
			return errors.Wrapf(err, "scan segment %d", index)
		}

		if !last {
			seg.Sealed = true
			if stats.Corrupted {
				// readers stop at the bad record; the segment stays out of the index.
				logs.Warnf("wal: sealed segment %d has %d bad bytes at %d, reason: %+v", index, stats.DiscardedBytes, stats.Stop.Pos, stats.Reason)
				seg.markCorrupt(stats)
			} else if err := appendIndexEntry(s.indexPath, newIndexEntry(seg)); err != nil {
				return errors.Wrapf(err, "index segment %d", index)
			}
			s.sealed = append(s.sealed, seg)
			continue
		}

		if stats.DiscardedBytes > 0 {
			logs.Warnf("wal: truncate torn tail of segment %d, %d bytes discarded, reason: %+v", index, stats.DiscardedBytes, stats.Reason)
			if err := os.Truncate(path, seg.Size); err != nil {
				return errors.Wrapf(err, "truncate segment %d", index)
			}
		}
		s.recovery = stats

		file, err := s.openFile(path)
		if err != nil {
			return errors.Wrapf(err, "open segment %d", index)
		}
		s.active = &activeSegment{
			seg:  seg,
			file: file,
			buf:  bufio.NewWriterSize(file, s.cfg.BufferSize),
		}
	}

	for _, seg := range s.sealed {
		if seg.LastSeq > s.lastSeq {
			s.lastSeq = seg.LastSeq
		}
	}
	if s.active != nil && s.active.seg.LastSeq > s.lastSeq {
		s.lastSeq = s.active.seg.LastSeq
	}

	if len(indexes) != 0 {
		logs.Infof("wal: opened %d segments in %s, last seq %d", len(indexes), s.cfg.Dir, s.lastSeq)
	}
	return nil
}

// Append durably writes rec and returns the offset of its first byte.
// A zero rec.Seq is assigned the next sequence number; a non-zero one must be
// greater than every sequence already stored. On success rec.Seq holds the
// stored sequence. On an I/O error the segment is rolled back and the store's
// sequence does not advance.
func (s *Store) Append(rec *Record) (Offset, error) {
	if rec == nil {
		return Offset{}, ErrNilRecord
	}
	if !rec.Type.Valid() {
		return Offset{}, ErrInvalidRecordType
	}
	if len(rec.Payload) > s.cfg.MaxPayloadSize {
		return Offset{}, errors.Wrapf(ErrRecordTooLarge, "payload %d > %d", len(rec.Payload), s.cfg.MaxPayloadSize)
	}
	size := rec.Size()
	if size > s.cfg.SegmentMaxBytes {
		return Offset{}, errors.Wrapf(ErrRecordTooLarge, "record %d > segment %d", size, s.cfg.SegmentMaxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Offset{}, ErrClosed
	}
	if s.broken != nil {
		return Offset{}, errors.Wrapf(ErrWriteFailed, "store unusable until reopened: %+v", s.broken)
	}

	seq := rec.Seq
	if seq == 0 {
		seq = s.lastSeq + 1
	} else if seq <= s.lastSeq {
		return Offset{}, errors.Wrapf(ErrOutOfOrder, "seq %d <= last %d", seq, s.lastSeq)
	}

	if s.active != nil && s.active.seg.Size > 0 && s.active.seg.Size+size > s.cfg.SegmentMaxBytes {
		if err := s.seal(); err != nil {
			return Offset{}, err
		}
	}
	if s.active == nil {
		if err := s.openNext(); err != nil {
			return Offset{}, errors.Wrapf(ErrWriteFailed, "open segment: %+v", err)
		}
	}

	a := s.active
	out := Record{Type: rec.Type, Seq: seq, Ts: rec.Ts, Payload: rec.Payload}
	s.scratch = appendRecord(s.scratch[:0], &out)
	off := Offset{Segment: a.seg.Index, Pos: a.seg.Size}

	if err := s.write(a, s.scratch); err != nil {
		if rbErr := s.rollback(a); rbErr != nil {
			s.broken = rbErr
			logs.Errorf("wal: rollback segment %d to %d failed, store halted, err: %+v", a.seg.Index, a.seg.Size, rbErr)
		}
		return Offset{}, errors.Wrapf(ErrWriteFailed, "segment %d seq %d: %+v", a.seg.Index, seq, err)
	}

	a.seg.observe(&out, size)
	a.seg.CRC = crc32.Update(a.seg.CRC, crcTable, s.scratch)
	s.lastSeq = seq
	rec.Seq = seq
	return off, nil
}

func (s *Store) write(a *activeSegment, data []byte) error {
	if _, err := a.buf.Write(data); err != nil {
		return err
	}
	if err := a.buf.Flush(); err != nil {
		return err
	}
	if s.cfg.DisableSync {
		return nil
	}
	return a.file.Sync()
}

// rollback cuts the segment back to its last durable size.
func (s *Store) rollback(a *activeSegment) error {
	a.buf.Reset(a.file)
	return a.file.Truncate(a.seg.Size)
}

// RotateIfFull seals the active segment when it reached the configured size.
func (s *Store) RotateIfFull() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if s.active == nil || s.active.seg.Size < s.cfg.SegmentMaxBytes {
		return false, nil
	}
	if err := s.seal(); err != nil {
		return false, err
	}
	return true, nil
}

// seal flushes, syncs and closes the active segment and records it in the index.
// The next append opens a new segment.
func (s *Store) seal() error {
	a := s.active
	if err := a.buf.Flush(); err != nil {
		s.broken = err
		return errors.Wrapf(ErrWriteFailed, "flush segment %d: %+v", a.seg.Index, err)
	}
	if err := a.file.Sync(); err != nil {
		s.broken = err
		return errors.Wrapf(ErrWriteFailed, "sync segment %d: %+v", a.seg.Index, err)
	}
	if err := a.file.Close(); err != nil {
		s.broken = err
		return errors.Wrapf(ErrWriteFailed, "close segment %d: %+v", a.seg.Index, err)
	}

	seg := a.seg
	seg.Sealed = true
	s.sealed = append(s.sealed, seg)
	s.active = nil

	if err := appendIndexEntry(s.indexPath, newIndexEntry(seg)); err != nil {
		// the segment stays sealed on disk, the next Open rescans it.
		logs.Errorf("wal: index segment %d, err: %+v", seg.Index, err)
	}
	logs.Infof("wal: sealed segment %d, records %d, seq %d-%d, size %d", seg.Index, seg.Records, seg.FirstSeq, seg.LastSeq, seg.Size)
	return nil
}

func (s *Store) openNext() error {
	var index uint64
	if n := len(s.sealed); n != 0 {
		index = s.sealed[n-1].Index + 1
	}
	path := filepath.Join(s.cfg.Dir, segmentName(s.cfg.FilePrefix, index))
	file, err := s.openFile(path)
	if err != nil {
		return err
	}
	s.active = &activeSegment{
		seg:  Segment{Index: index, Path: path},
		file: file,
		buf:  bufio.NewWriterSize(file, s.cfg.BufferSize),
	}
	return nil
}

// Sync flushes and fsyncs the active segment.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.active == nil {
		return nil
	}
	if err := s.active.buf.Flush(); err != nil {
		return err
	}
	return s.active.file.Sync()
}

// Close syncs and closes the active segment. The segment stays unsealed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.active == nil {
		return nil
	}
	a := s.active
	s.active = nil
	if err := a.buf.Flush(); err != nil {
		_ = a.file.Close()
		return err
	}
	if err := a.file.Sync(); err != nil {
		_ = a.file.Close()
		return err
	}
	return a.file.Close()
}

// LastSeq returns the sequence of the last durable record.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Segments returns every segment in index order, the active one last.
func (s *Store) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmentsLocked()
}

func (s *Store) segmentsLocked() []Segment {
	segs := make([]Segment, 0, len(s.sealed)+1)
	segs = append(segs, s.sealed...)
	if s.active != nil {
		segs = append(segs, s.active.seg)
	}
	return segs
}

// Recovery reports what Open discarded from the newest segment.
func (s *Store) Recovery() ReadStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovery
}

// Config returns the resolved configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// ReadFrom iterates every record from the given position onward, across segments.
// Iteration covers the bytes durable when ReadFrom was called.
func (s *Store) ReadFrom(segment uint64, pos int64) *Iterator {
	segs := s.Segments()
	start := 0
	for start < len(segs) && segs[start].Index < segment {
		start++
	}
	if start < len(segs) && segs[start].Index != segment {
		pos = 0
	}
	return newIterator(segs[start:], pos, s.cfg.MaxPayloadSize)
}

// ReadSegment returns every valid record of one segment, payloads copied.
func (s *Store) ReadSegment(index uint64) ([]Record, ReadStats, error) {
	seg, ok := s.segment(index)
	if !ok {
		return nil, ReadStats{}, errors.Wrapf(ErrSegmentNotFound, "segment %d", index)
	}
	file, err := os.Open(seg.Path)
	if err != nil {
		return nil, ReadStats{}, err
	}
	defer file.Close()

	records, stats, err := collect(NewReader(io.LimitReader(file, seg.Size), s.cfg.MaxPayloadSize), index, seg.Size)
	if err == nil && seg.Corrupt && !stats.Corrupted {
		stats.Corrupted = true
		stats.Reason = seg.CorruptReason
		stats.DiscardedBytes = seg.Discarded
		stats.DiscardedRecords = 1
	}
	return records, stats, err
}

// Verify rescans a sealed segment and compares it with its recorded size and CRC.
func (s *Store) Verify(index uint64) error {
	seg, ok := s.segment(index)
	if !ok {
		return errors.Wrapf(ErrSegmentNotFound, "segment %d", index)
	}
	scanned, stats, err := scanSegment(seg.Path, index, s.cfg.MaxPayloadSize)
	if err != nil {
		return err
	}
	if !seg.Sealed {
		return nil
	}
	if stats.Corrupted || scanned.Size != seg.Size || scanned.CRC != seg.CRC || scanned.Records != seg.Records {
		return errors.Wrapf(ErrSegmentCorrupted, "segment %d: size %d/%d, crc %08x/%08x, records %d/%d",
			index, scanned.Size, seg.Size, scanned.CRC, seg.CRC, scanned.Records, seg.Records)
	}
	return nil
}

func (s *Store) segment(index uint64) (Segment, bool) {
	for _, seg := range s.Segments() {
		if seg.Index == index {
			return seg, true
		}
	}
	return Segment{}, false
}

// ReadAt returns the record starting at off with its payload copied.
func (s *Store) ReadAt(off Offset) (Record, error) {
	it := s.ReadFrom(off.Segment, off.Pos)
	defer it.Close()

	if !it.Next() {
		if err := it.Err(); err != nil {
			return Record{}, err
		}
		if stats := it.Stats(); stats.Corrupted {
			return Record{}, stats.Reason
		}
		return Record{}, errors.Wrapf(ErrSegmentNotFound, "no record at %d:%d", off.Segment, off.Pos)
	}
	if it.Offset() != off {
		return Record{}, errors.Wrapf(ErrSegmentNotFound, "no record at %d:%d", off.Segment, off.Pos)
	}
	rec := it.Record()
	rec.Payload = append([]byte(nil), rec.Payload...)
	return rec, nil
}

// End returns the position right after the last durable record.
func (s *Store) End() Offset {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return Offset{Segment: s.active.seg.Index, Pos: s.active.seg.Size}
	}
	if n := len(s.sealed); n != 0 {
		return Offset{Segment: s.sealed[n-1].Index + 1}
	}
	return Offset{}
}
