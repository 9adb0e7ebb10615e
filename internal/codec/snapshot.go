package codec

import (
	"encoding/binary"

	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/internal/wal"
)

const (
	snapshotVersion    uint16 = 1
	snapshotHeaderSize        = 64
	levelSize                 = 20

	// MaxBookSnapshotSize is the payload size of a snapshot with both ladders full.
	MaxBookSnapshotSize = snapshotHeaderSize + 2*lob.MaxDepth*levelSize
)

// BookSnapshotSize returns the payload size for a view.
func BookSnapshotSize(v *lob.View) int {
	return snapshotHeaderSize + (v.BidLen+v.AskLen)*levelSize
}

// EncodeBookSnapshot serializes a book view into a LobSnapshot payload.
// Only populated rungs are written.
func EncodeBookSnapshot(dst []byte, v *lob.View) []byte {
	size := BookSnapshotSize(v)
	if cap(dst) < size {
		dst = make([]byte, size)
	} else {
		dst = dst[:size]
	}

	copy(dst[0:16], v.Symbol[:])
	binary.LittleEndian.PutUint64(dst[16:24], v.Seq)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(v.LastTs))
	binary.LittleEndian.PutUint64(dst[32:40], v.WalSeq)
	binary.LittleEndian.PutUint64(dst[40:48], v.Resume.Segment)
	binary.LittleEndian.PutUint64(dst[48:56], uint64(v.Resume.Pos))
	binary.LittleEndian.PutUint16(dst[56:58], snapshotVersion)
	dst[58] = uint8(v.BidLen)
	dst[59] = uint8(v.AskLen)
	binary.LittleEndian.PutUint32(dst[60:64], 0)

	off := snapshotHeaderSize
	for _, lvl := range v.BidLevels() {
		putLevel(dst[off:off+levelSize], lvl)
		off += levelSize
	}
	for _, lvl := range v.AskLevels() {
		putLevel(dst[off:off+levelSize], lvl)
		off += levelSize
	}

	return dst
}

// DecodeBookSnapshot parses a LobSnapshot payload.
func DecodeBookSnapshot(src []byte) (lob.View, bool) {
	if len(src) < snapshotHeaderSize {
		return lob.View{}, false
	}
	if binary.LittleEndian.Uint16(src[56:58]) != snapshotVersion {
		return lob.View{}, false
	}
	bids, asks := int(src[58]), int(src[59])
	if bids > lob.MaxDepth || asks > lob.MaxDepth {
		return lob.View{}, false
	}
	if len(src) < snapshotHeaderSize+(bids+asks)*levelSize {
		return lob.View{}, false
	}

	var v lob.View
	copy(v.Symbol[:], src[0:16])
	v.Seq = binary.LittleEndian.Uint64(src[16:24])
	v.LastTs = schema.Ts(int64(binary.LittleEndian.Uint64(src[24:32])))
	v.WalSeq = binary.LittleEndian.Uint64(src[32:40])
	v.Resume = wal.Offset{
		Segment: binary.LittleEndian.Uint64(src[40:48]),
		Pos:     int64(binary.LittleEndian.Uint64(src[48:56])),
	}
	v.BidLen = bids
	v.AskLen = asks

	off := snapshotHeaderSize
	for i := 0; i < bids; i++ {
		v.Bids[i] = getLevel(src[off : off+levelSize])
		off += levelSize
	}
	for i := 0; i < asks; i++ {
		v.Asks[i] = getLevel(src[off : off+levelSize])
		off += levelSize
	}
	return v, true
}

func putLevel(dst []byte, lvl lob.Level) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(lvl.Price))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(lvl.Quantity))
	binary.LittleEndian.PutUint32(dst[16:20], lvl.OrderCount)
}

func getLevel(src []byte) lob.Level {
	return lob.Level{
		Price:      schema.Px(int64(binary.LittleEndian.Uint64(src[0:8]))),
		Quantity:   schema.Qty(int64(binary.LittleEndian.Uint64(src[8:16]))),
		OrderCount: binary.LittleEndian.Uint32(src[16:20]),
	}
}
