package wal

import (
	"encoding/binary"
	"hash/crc32"

	"lobcore/internal/schema"

	"github.com/yanun0323/errors"
)

// RecordType is the closed set of WAL record kinds.
type RecordType uint8

const (
	RecordTick RecordType = iota
	RecordLobSnapshot
	RecordOrderEvent
	RecordFillEvent
)

const (
	lengthFieldSize = 4
	crcFieldSize    = 4
	// bodyHeaderSize covers type, sequence and timestamp.
	bodyHeaderSize = 1 + 8 + 8

	// HeaderSize is the fixed overhead of a record on disk.
	HeaderSize = lengthFieldSize + crcFieldSize + bodyHeaderSize
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrInvalidRecordType = errors.New("wal: invalid record type")
	ErrInvalidLength     = errors.New("wal: invalid record length")
	ErrChecksumMismatch  = errors.New("wal: checksum mismatch")
	ErrTruncated         = errors.New("wal: truncated record")
)

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	return t <= RecordFillEvent
}

func (t RecordType) String() string {
	switch t {
	case RecordTick:
		return "tick"
	case RecordLobSnapshot:
		return "lob_snapshot"
	case RecordOrderEvent:
		return "order_event"
	case RecordFillEvent:
		return "fill_event"
	default:
		return "unknown"
	}
}

// IsUpdate reports whether records of this type carry a book update payload.
func (t RecordType) IsUpdate() bool {
	return t == RecordTick || t == RecordOrderEvent || t == RecordFillEvent
}

// Record is a single WAL entry.
type Record struct {
	Type    RecordType
	Seq     uint64
	Ts      schema.Ts
	Payload []byte
}

// Size returns the number of bytes the record occupies on disk.
func (r *Record) Size() int64 {
	return RecordSize(len(r.Payload))
}

// RecordSize returns the on-disk size of a record with the given payload length.
func RecordSize(payloadLen int) int64 {
	return int64(HeaderSize + payloadLen)
}

// Offset locates a record: the segment index and the byte position inside it.
type Offset struct {
	Segment uint64
	Pos     int64
}

// Add returns the offset n bytes further into the same segment.
func (o Offset) Add(n int64) Offset {
	return Offset{Segment: o.Segment, Pos: o.Pos + n}
}

// Less orders offsets by segment then position.
func (o Offset) Less(other Offset) bool {
	if o.Segment != other.Segment {
		return o.Segment < other.Segment
	}
	return o.Pos < other.Pos
}

// appendRecord encodes r onto dst:
// [u32 length][u32 crc32][u8 type][u64 seq][u64 ts][payload], little endian.
// length counts the bytes after the crc field, the crc covers the same bytes.
func appendRecord(dst []byte, r *Record) []byte {
	start := len(dst)
	size := HeaderSize + len(r.Payload)
	if cap(dst)-start < size {
		grown := make([]byte, start, start+size)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+size]
	buf := dst[start:]

	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyHeaderSize+len(r.Payload)))
	buf[8] = uint8(r.Type)
	binary.LittleEndian.PutUint64(buf[9:17], r.Seq)
	binary.LittleEndian.PutUint64(buf[17:25], uint64(r.Ts))
	copy(buf[HeaderSize:], r.Payload)
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(buf[8:], crcTable))

	return dst
}

// decodeFrameHeader reads the length and crc fields.
func decodeFrameHeader(src []byte) (length uint32, sum uint32) {
	return binary.LittleEndian.Uint32(src[0:4]), binary.LittleEndian.Uint32(src[4:8])
}

// decodeBody parses type, sequence, timestamp and payload from the checked body.
// The payload aliases body.
func decodeBody(body []byte) (Record, error) {
	if len(body) < bodyHeaderSize {
		return Record{}, ErrInvalidLength
	}
	typ := RecordType(body[0])
	if !typ.Valid() {
		return Record{}, ErrInvalidRecordType
	}
	return Record{
		Type:    typ,
		Seq:     binary.LittleEndian.Uint64(body[1:9]),
		Ts:      schema.Ts(int64(binary.LittleEndian.Uint64(body[9:17]))),
		Payload: body[bodyHeaderSize:],
	}, nil
}
