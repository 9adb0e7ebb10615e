package wal

import (
	"bufio"
	"hash/crc32"
	"io"
)

// Reader decodes WAL records sequentially from a byte stream.
type Reader struct {
	r          *bufio.Reader
	maxPayload int
	header     [lengthFieldSize + crcFieldSize]byte
	body       []byte
	pos        int64
}

// NewReader wraps an io.Reader with WAL decoding. maxPayload <= 0 disables the payload limit.
func NewReader(r io.Reader, maxPayload int) *Reader {
	return &Reader{
		r:          bufio.NewReader(r),
		maxPayload: maxPayload,
	}
}

// Next returns the next record.
// The payload is only valid until the next call to Next.
// io.EOF marks a clean end; ErrTruncated, ErrInvalidLength, ErrInvalidRecordType and
// ErrChecksumMismatch mark a bad record, after which the stream must not be read further.
func (r *Reader) Next() (Record, error) {
	n, err := io.ReadFull(r.r, r.header[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return Record{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return Record{}, ErrTruncated
		}
		return Record{}, err
	}

	length, sum := decodeFrameHeader(r.header[:])
	if length < bodyHeaderSize {
		return Record{}, ErrInvalidLength
	}
	if r.maxPayload > 0 && uint64(length-bodyHeaderSize) > uint64(r.maxPayload) {
		return Record{}, ErrInvalidLength
	}

	if cap(r.body) < int(length) {
		r.body = make([]byte, length)
	}
	r.body = r.body[:length]
	if _, err := io.ReadFull(r.r, r.body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, ErrTruncated
		}
		return Record{}, err
	}

	if crc32.Checksum(r.body, crcTable) != sum {
		return Record{}, ErrChecksumMismatch
	}

	rec, err := decodeBody(r.body)
	if err != nil {
		return Record{}, err
	}
	r.pos += int64(len(r.header)) + int64(length)
	return rec, nil
}

// Pos returns the number of bytes consumed through the last valid record.
func (r *Reader) Pos() int64 {
	return r.pos
}

// updateCRC folds the raw bytes of the last valid record into crc.
func (r *Reader) updateCRC(crc uint32) uint32 {
	crc = crc32.Update(crc, crcTable, r.header[:])
	return crc32.Update(crc, crcTable, r.body)
}

func isCorruption(err error) bool {
	switch err {
	case ErrTruncated, ErrInvalidLength, ErrInvalidRecordType, ErrChecksumMismatch:
		return true
	default:
		return false
	}
}
