package codec

import (
	"encoding/binary"

	"lobcore/internal/schema"
)

// UpdatePayloadSize is the payload size of Tick, OrderEvent and FillEvent records.
const UpdatePayloadSize = 64

// EncodeUpdate serializes an update into a fixed-size payload.
func EncodeUpdate(dst []byte, u schema.Update) []byte {
	if cap(dst) < UpdatePayloadSize {
		dst = make([]byte, UpdatePayloadSize)
	} else {
		dst = dst[:UpdatePayloadSize]
	}

	copy(dst[0:16], u.Symbol[:])
	dst[16] = uint8(u.Side)
	dst[17] = uint8(u.Kind)
	dst[18] = uint8(u.Action)
	dst[19] = u.Flags
	binary.LittleEndian.PutUint32(dst[20:24], u.OrderCount)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(u.Price))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(u.Quantity))
	binary.LittleEndian.PutUint64(dst[40:48], u.OrderID)
	binary.LittleEndian.PutUint64(dst[48:56], uint64(u.OrderQty))
	binary.LittleEndian.PutUint64(dst[56:64], u.FeedSeq)

	return dst
}

// DecodeUpdate parses a fixed-size update payload.
func DecodeUpdate(src []byte) (schema.Update, bool) {
	if len(src) < UpdatePayloadSize {
		return schema.Update{}, false
	}
	var u schema.Update
	copy(u.Symbol[:], src[0:16])
	u.Side = schema.Side(src[16])
	u.Kind = schema.UpdateKind(src[17])
	u.Action = schema.OrderAction(src[18])
	u.Flags = src[19]
	u.OrderCount = binary.LittleEndian.Uint32(src[20:24])
	u.Price = schema.Px(int64(binary.LittleEndian.Uint64(src[24:32])))
	u.Quantity = schema.Qty(int64(binary.LittleEndian.Uint64(src[32:40])))
	u.OrderID = binary.LittleEndian.Uint64(src[40:48])
	u.OrderQty = schema.Qty(int64(binary.LittleEndian.Uint64(src[48:56])))
	u.FeedSeq = binary.LittleEndian.Uint64(src[56:64])
	return u, true
}

// PeekSymbol reads the symbol of an update or book snapshot payload without decoding the rest.
func PeekSymbol(src []byte) (schema.Symbol, bool) {
	var s schema.Symbol
	if len(src) < schema.SymbolCap {
		return s, false
	}
	copy(s[:], src[:schema.SymbolCap])
	return s, true
}
