package wal

import (
	"bytes"
	"os"

	"lobcore/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"
)

const indexSuffix = ".index"

// indexEntry is one JSON line of the segment index, written when a segment is sealed.
type indexEntry struct {
	Index    uint64 `json:"index"`
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
	FirstTs  int64  `json:"first_ts"`
	LastTs   int64  `json:"last_ts"`
	Records  int    `json:"records"`
	Size     int64  `json:"size"`
	CRC      uint32 `json:"crc"`
}

func newIndexEntry(seg Segment) indexEntry {
	return indexEntry{
		Index:    seg.Index,
		FirstSeq: seg.FirstSeq,
		LastSeq:  seg.LastSeq,
		FirstTs:  int64(seg.FirstTs),
		LastTs:   int64(seg.LastTs),
		Records:  seg.Records,
		Size:     seg.Size,
		CRC:      seg.CRC,
	}
}

func (e indexEntry) segment(path string) Segment {
	return Segment{
		Index:    e.Index,
		Path:     path,
		Size:     e.Size,
		Records:  e.Records,
		FirstSeq: e.FirstSeq,
		LastSeq:  e.LastSeq,
		FirstTs:  schema.Ts(e.FirstTs),
		LastTs:   schema.Ts(e.LastTs),
		CRC:      e.CRC,
		Sealed:   true,
	}
}

// appendIndexEntry adds a sealed segment to the index file and syncs it.
func appendIndexEntry(path string, entry indexEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := sonic.ConfigFastest.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// loadIndex reads every index entry. Unparsable lines are skipped, the later
// entry wins when a segment appears twice.
func loadIndex(path string) (map[uint64]indexEntry, error) {
	entries := make(map[uint64]indexEntry)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}

	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var e indexEntry
		if err := sonic.Unmarshal(line, &e); err != nil {
			logs.Warnf("wal: skip unparsable index line in %s, err: %+v", path, err)
			continue
		}
		entries[e.Index] = e
	}
	return entries, nil
}
