package publish

import (
	"math"

	"lobcore/internal/analytics"
	"lobcore/internal/engine"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/yanun0323/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Outbound messages use the protobuf wire format:
//
//	message Level     { sint64 price = 1; sint64 quantity = 2; uint32 order_count = 3; }
//	message Book      { string symbol = 1; uint64 seq = 2; sint64 last_ts = 3; uint64 wal_seq = 4;
//	                    repeated Level bids = 5; repeated Level asks = 6; }
//	message Analytics { sint64 ts = 1; bool has_quote = 2; sint64 spread = 3; sint64 mid = 4;
//	                    double micro_price = 5; double imbalance = 6; double vpin = 7;
//	                    double kyle_lambda = 8; double amihud = 9; uint32 flags = 10; uint64 trades = 11; }
//	message LobSnapshotEvent { Book book = 1; Analytics analytics = 2; }
//	message TickEvent { string symbol = 1; uint64 seq = 2; sint64 ts = 3; uint32 type = 4;
//	                    uint32 side = 5; uint32 kind = 6; uint32 action = 7; sint64 price = 8;
//	                    sint64 quantity = 9; uint32 order_count = 10; uint64 order_id = 11;
//	                    sint64 order_qty = 12; uint64 feed_seq = 13; uint32 flags = 14; }

var ErrMalformed = errors.New("publish: malformed message")

// AppendTickEvent appends the wire form of ev to dst.
func AppendTickEvent(dst []byte, ev engine.TickEvent) []byte {
	u := &ev.Update
	dst = appendString(dst, 1, u.Symbol)
	dst = appendUvarint(dst, 2, ev.Seq)
	dst = appendSvarint(dst, 3, int64(ev.Ts))
	dst = appendUvarint(dst, 4, uint64(ev.Type))
	dst = appendUvarint(dst, 5, uint64(u.Side))
	dst = appendUvarint(dst, 6, uint64(u.Kind))
	dst = appendUvarint(dst, 7, uint64(u.Action))
	dst = appendSvarint(dst, 8, int64(u.Price))
	dst = appendSvarint(dst, 9, int64(u.Quantity))
	dst = appendUvarint(dst, 10, uint64(u.OrderCount))
	dst = appendUvarint(dst, 11, u.OrderID)
	dst = appendSvarint(dst, 12, int64(u.OrderQty))
	dst = appendUvarint(dst, 13, u.FeedSeq)
	dst = appendUvarint(dst, 14, uint64(u.Flags))
	return dst
}

// AppendLobSnapshotEvent appends the wire form of ev to dst.
func AppendLobSnapshotEvent(dst []byte, ev engine.LobSnapshotEvent) []byte {
	dst = protowire.AppendTag(dst, 1, protowire.BytesType)
	dst = protowire.AppendBytes(dst, appendBook(nil, &ev.View))
	dst = protowire.AppendTag(dst, 2, protowire.BytesType)
	dst = protowire.AppendBytes(dst, appendAnalytics(nil, &ev.Analytics))
	return dst
}

func appendBook(dst []byte, v *lob.View) []byte {
	dst = appendString(dst, 1, v.Symbol)
	dst = appendUvarint(dst, 2, v.Seq)
	dst = appendSvarint(dst, 3, int64(v.LastTs))
	dst = appendUvarint(dst, 4, v.WalSeq)
	var lvl [32]byte
	for _, l := range v.BidLevels() {
		dst = protowire.AppendTag(dst, 5, protowire.BytesType)
		dst = protowire.AppendBytes(dst, appendLevel(lvl[:0], l))
	}
	for _, l := range v.AskLevels() {
		dst = protowire.AppendTag(dst, 6, protowire.BytesType)
		dst = protowire.AppendBytes(dst, appendLevel(lvl[:0], l))
	}
	return dst
}

func appendLevel(dst []byte, l lob.Level) []byte {
	dst = appendSvarint(dst, 1, int64(l.Price))
	dst = appendSvarint(dst, 2, int64(l.Quantity))
	return appendUvarint(dst, 3, uint64(l.OrderCount))
}

func appendAnalytics(dst []byte, s *analytics.Snapshot) []byte {
	dst = appendSvarint(dst, 1, int64(s.Ts))
	if s.HasQuote {
		dst = appendUvarint(dst, 2, 1)
	}
	dst = appendSvarint(dst, 3, int64(s.Spread))
	dst = appendSvarint(dst, 4, int64(s.Mid))
	dst = appendDouble(dst, 5, s.MicroPrice)
	dst = appendDouble(dst, 6, s.Imbalance)
	dst = appendDouble(dst, 7, s.VPIN)
	dst = appendDouble(dst, 8, s.KyleLambda)
	dst = appendDouble(dst, 9, s.Amihud)
	dst = appendUvarint(dst, 10, uint64(s.Flags))
	return appendUvarint(dst, 11, uint64(s.Trades))
}

func appendString(dst []byte, num protowire.Number, sym schema.Symbol) []byte {
	dst = protowire.AppendTag(dst, num, protowire.BytesType)
	var buf [schema.SymbolCap]byte
	return protowire.AppendBytes(dst, sym.AppendString(buf[:0]))
}

// zero values are omitted as in proto3.
func appendUvarint(dst []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return dst
	}
	dst = protowire.AppendTag(dst, num, protowire.VarintType)
	return protowire.AppendVarint(dst, v)
}

func appendSvarint(dst []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return dst
	}
	dst = protowire.AppendTag(dst, num, protowire.VarintType)
	return protowire.AppendVarint(dst, protowire.EncodeZigZag(v))
}

func appendDouble(dst []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return dst
	}
	dst = protowire.AppendTag(dst, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(dst, math.Float64bits(v))
}

// DecodeTickEvent parses the wire form written by AppendTickEvent.
func DecodeTickEvent(b []byte) (engine.TickEvent, error) {
	var ev engine.TickEvent
	u := &ev.Update
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) {
		switch num {
		case 1:
			u.Symbol = schema.NewSymbol(string(data))
		case 2:
			ev.Seq = v
		case 3:
			ev.Ts = schema.Ts(protowire.DecodeZigZag(v))
		case 4:
			ev.Type = wal.RecordType(v)
		case 5:
			u.Side = schema.Side(v)
		case 6:
			u.Kind = schema.UpdateKind(v)
		case 7:
			u.Action = schema.OrderAction(v)
		case 8:
			u.Price = schema.Px(protowire.DecodeZigZag(v))
		case 9:
			u.Quantity = schema.Qty(protowire.DecodeZigZag(v))
		case 10:
			u.OrderCount = uint32(v)
		case 11:
			u.OrderID = v
		case 12:
			u.OrderQty = schema.Qty(protowire.DecodeZigZag(v))
		case 13:
			u.FeedSeq = v
		case 14:
			u.Flags = uint8(v)
		}
	})
	return ev, err
}

// DecodeLobSnapshotEvent parses the wire form written by AppendLobSnapshotEvent.
func DecodeLobSnapshotEvent(b []byte) (engine.LobSnapshotEvent, error) {
	var ev engine.LobSnapshotEvent
	var inner error
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) {
		switch num {
		case 1:
			if err := decodeBook(data, &ev.View); err != nil {
				inner = err
			}
		case 2:
			if err := decodeAnalytics(data, &ev.Analytics); err != nil {
				inner = err
			}
		}
	})
	if err != nil {
		return ev, err
	}
	ev.Analytics.Symbol = ev.View.Symbol
	ev.Analytics.Seq = ev.View.Seq
	return ev, inner
}

func decodeBook(b []byte, v *lob.View) error {
	var inner error
	err := eachField(b, func(num protowire.Number, typ protowire.Type, x uint64, data []byte) {
		switch num {
		case 1:
			v.Symbol = schema.NewSymbol(string(data))
		case 2:
			v.Seq = x
		case 3:
			v.LastTs = schema.Ts(protowire.DecodeZigZag(x))
		case 4:
			v.WalSeq = x
		case 5, 6:
			lvl, err := decodeLevel(data)
			if err != nil {
				inner = err
				return
			}
			if num == 5 && v.BidLen < lob.MaxDepth {
				v.Bids[v.BidLen] = lvl
				v.BidLen++
			} else if num == 6 && v.AskLen < lob.MaxDepth {
				v.Asks[v.AskLen] = lvl
				v.AskLen++
			}
		}
	})
	if err != nil {
		return err
	}
	return inner
}

func decodeLevel(b []byte) (lob.Level, error) {
	var l lob.Level
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) {
		switch num {
		case 1:
			l.Price = schema.Px(protowire.DecodeZigZag(v))
		case 2:
			l.Quantity = schema.Qty(protowire.DecodeZigZag(v))
		case 3:
			l.OrderCount = uint32(v)
		}
	})
	return l, err
}

func decodeAnalytics(b []byte, s *analytics.Snapshot) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, v uint64, data []byte) {
		switch num {
		case 1:
			s.Ts = schema.Ts(protowire.DecodeZigZag(v))
		case 2:
			s.HasQuote = v != 0
		case 3:
			s.Spread = schema.Px(protowire.DecodeZigZag(v))
		case 4:
			s.Mid = schema.Px(protowire.DecodeZigZag(v))
		case 5:
			s.MicroPrice = math.Float64frombits(v)
		case 6:
			s.Imbalance = math.Float64frombits(v)
		case 7:
			s.VPIN = math.Float64frombits(v)
		case 8:
			s.KyleLambda = math.Float64frombits(v)
		case 9:
			s.Amihud = math.Float64frombits(v)
		case 10:
			s.Flags = analytics.Flags(v)
		case 11:
			s.Trades = v
		}
	})
}

// eachField walks the top-level fields of a message. Varint and fixed64 values
// arrive in v, length-delimited values in data; unknown wire types are skipped.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, data []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "tag: %+v", protowire.ParseError(n))
		}
		b = b[n:]

		var v uint64
		var data []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Wrapf(ErrMalformed, "field %d: %+v", num, protowire.ParseError(n))
		}
		b = b[n:]
		fn(num, typ, v, data)
	}
	return nil
}
