package archive

import (
	"lobcore/internal/analytics"
	"lobcore/internal/lob"
	"lobcore/internal/schema"
)

// Record is one archived microstructure snapshot. Prices and quantities keep
// their fixed-point integer form.
type Record struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Symbol     string `gorm:"size:16;not null;index:idx_symbol_ts,priority:1"`
	Ts         int64  `gorm:"not null;index:idx_symbol_ts,priority:2"`
	Seq        uint64 `gorm:"not null"`
	BestBid    int64
	BestBidQty int64
	BestAsk    int64
	BestAskQty int64
	HasQuote   bool
	Spread     int64
	Mid        int64
	MicroPrice float64
	Imbalance  float64
	VPIN       float64 `gorm:"column:vpin"`
	KyleLambda float64
	Amihud     float64
	Flags      uint8
	Trades     uint64
}

func (Record) TableName() string {
	return "microstructure_snapshots"
}

// NewRecord flattens a snapshot and the top of the book it was computed on.
func NewRecord(view *lob.View, snap *analytics.Snapshot) Record {
	r := Record{
		Symbol:     snap.Symbol.String(),
		Ts:         int64(snap.Ts),
		Seq:        snap.Seq,
		HasQuote:   snap.HasQuote,
		Spread:     int64(snap.Spread),
		Mid:        int64(snap.Mid),
		MicroPrice: snap.MicroPrice,
		Imbalance:  snap.Imbalance,
		VPIN:       snap.VPIN,
		KyleLambda: snap.KyleLambda,
		Amihud:     snap.Amihud,
		Flags:      uint8(snap.Flags),
		Trades:     snap.Trades,
	}
	if bid, ok := view.BestBid(); ok {
		r.BestBid, r.BestBidQty = int64(bid.Price), int64(bid.Quantity)
	}
	if ask, ok := view.BestAsk(); ok {
		r.BestAsk, r.BestAskQty = int64(ask.Price), int64(ask.Quantity)
	}
	return r
}

// Snapshot converts the record back to its analytics form.
func (r Record) Snapshot() analytics.Snapshot {
	return analytics.Snapshot{
		Symbol:     schema.NewSymbol(r.Symbol),
		Ts:         schema.Ts(r.Ts),
		Seq:        r.Seq,
		HasQuote:   r.HasQuote,
		Spread:     schema.Px(r.Spread),
		Mid:        schema.Px(r.Mid),
		MicroPrice: r.MicroPrice,
		Imbalance:  r.Imbalance,
		VPIN:       r.VPIN,
		KyleLambda: r.KyleLambda,
		Amihud:     r.Amihud,
		Flags:      analytics.Flags(r.Flags),
		Trades:     r.Trades,
	}
}
