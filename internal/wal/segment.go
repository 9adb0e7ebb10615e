package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"lobcore/internal/schema"
)

const segmentSuffix = ".wal"

// Segment describes one segment file. Rotation and validation state lives here
// rather than in the store so it can be checked on its own.
type Segment struct {
	Index    uint64
	Path     string
	Size     int64
	Records  int
	FirstSeq uint64
	LastSeq  uint64
	FirstTs  schema.Ts
	LastTs   schema.Ts
	// CRC is the Castagnoli checksum of the segment's bytes.
	CRC    uint32
	Sealed bool
	// Corrupt marks a sealed segment whose scan stopped on a bad record. Size
	// then covers the valid prefix only and readers must stop there.
	Corrupt       bool
	CorruptReason error
	Discarded     int64
}

// markCorrupt records where a scan of the segment stopped.
func (s *Segment) markCorrupt(stats ReadStats) {
	s.Corrupt = true
	s.CorruptReason = stats.Reason
	s.Discarded = stats.DiscardedBytes
}

func (s *Segment) observe(rec *Record, size int64) {
	if s.Records == 0 {
		s.FirstSeq = rec.Seq
		s.FirstTs = rec.Ts
	}
	s.Records++
	s.LastSeq = rec.Seq
	s.LastTs = rec.Ts
	s.Size += size
}

func segmentName(prefix string, index uint64) string {
	return fmt.Sprintf("%s-%010d%s", prefix, index, segmentSuffix)
}

func parseSegmentName(prefix, name string) (uint64, bool) {
	head := prefix + "-"
	if !strings.HasPrefix(name, head) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, head), segmentSuffix)
	if len(digits) != 10 {
		return 0, false
	}
	index, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return index, true
}

func listSegments(dir, prefix string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var indexes []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if index, ok := parseSegmentName(prefix, entry.Name()); ok {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

// scanSegment reads a segment file from the start and returns its valid prefix.
// Bytes after the first bad record are reported in ReadStats, not returned as an error.
func scanSegment(path string, index uint64, maxPayload int) (Segment, ReadStats, error) {
	seg := Segment{Index: index, Path: path}
	file, err := os.Open(path)
	if err != nil {
		return seg, ReadStats{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return seg, ReadStats{}, err
	}

	var stats ReadStats
	reader := NewReader(file, maxPayload)
	for {
		rec, err := reader.Next()
		if err == nil {
			size := rec.Size()
			seg.observe(&rec, size)
			seg.CRC = reader.updateCRC(seg.CRC)
			stats.Records++
			stats.Bytes += size
			continue
		}
		if err == io.EOF {
			break
		}
		if !isCorruption(err) {
			return seg, stats, err
		}
		stats.Corrupted = true
		stats.Reason = err
		break
	}

	stats.Stop = Offset{Segment: index, Pos: reader.Pos()}
	if discarded := info.Size() - reader.Pos(); discarded > 0 {
		stats.DiscardedBytes = discarded
		stats.DiscardedRecords = 1
	}
	return seg, stats, nil
}

// ReadSegmentFile decodes a single segment file without opening a store.
// It never modifies the file.
func ReadSegmentFile(path string, maxPayload int) ([]Record, ReadStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, ReadStats{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, ReadStats{}, err
	}

	index, _ := parseSegmentName(segmentPrefix(path), filepath.Base(path))
	records, stats, err := collect(NewReader(file, maxPayload), index, info.Size())
	return records, stats, err
}

func segmentPrefix(path string) string {
	name := filepath.Base(path)
	if i := strings.LastIndexByte(name, '-'); i > 0 {
		return name[:i]
	}
	return name
}

func collect(reader *Reader, index uint64, size int64) ([]Record, ReadStats, error) {
	var (
		records []Record
		stats   ReadStats
	)
	for {
		rec, err := reader.Next()
		if err == nil {
			rec.Payload = append([]byte(nil), rec.Payload...)
			records = append(records, rec)
			stats.Records++
			stats.Bytes += rec.Size()
			continue
		}
		if err == io.EOF {
			break
		}
		if !isCorruption(err) {
			return records, stats, err
		}
		stats.Corrupted = true
		stats.Reason = err
		break
	}
	stats.Stop = Offset{Segment: index, Pos: reader.Pos()}
	if discarded := size - reader.Pos(); discarded > 0 {
		stats.DiscardedBytes = discarded
		stats.DiscardedRecords = 1
	}
	return records, stats, nil
}
