package lob

import (
	"sync/atomic"

	"lobcore/internal/schema"
	"lobcore/internal/wal"
)

// View is an immutable copy of a book at one sequence number.
// Views are plain values: comparable with == and safe to share.
type View struct {
	Symbol schema.Symbol
	Seq    uint64
	LastTs schema.Ts
	// WalSeq is the sequence of the last WAL record folded into this state and
	// Resume the WAL position right after it.
	WalSeq uint64
	Resume wal.Offset
	BidLen int
	AskLen int
	Bids   [MaxDepth]Level
	Asks   [MaxDepth]Level
}

// BidLevels returns the populated bid rungs, best first.
func (v *View) BidLevels() []Level {
	return v.Bids[:v.BidLen]
}

// AskLevels returns the populated ask rungs, best first.
func (v *View) AskLevels() []Level {
	return v.Asks[:v.AskLen]
}

// BestBid returns the highest bid.
func (v *View) BestBid() (Level, bool) {
	if v.BidLen == 0 {
		return Level{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask.
func (v *View) BestAsk() (Level, bool) {
	if v.AskLen == 0 {
		return Level{}, false
	}
	return v.Asks[0], true
}

// Spread returns best ask minus best bid when both sides are populated.
func (v *View) Spread() (schema.Px, bool) {
	bid, okBid := v.BestBid()
	ask, okAsk := v.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// Mid returns the midpoint of the best prices, rounded down to the price scale.
func (v *View) Mid() (schema.Px, bool) {
	bid, okBid := v.BestBid()
	ask, okAsk := v.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return bid.Price + (ask.Price-bid.Price)/2, true
}

// Validate checks the ladder invariants: depth bounds, strict price ordering,
// positive prices and quantities, zero unused slots and an uncrossed top.
func (v *View) Validate() error {
	if v.BidLen < 0 || v.BidLen > MaxDepth || v.AskLen < 0 || v.AskLen > MaxDepth {
		return ErrInvalidDepth
	}
	if err := validateSide(v.Bids[:], v.BidLen, schema.SideBid); err != nil {
		return err
	}
	if err := validateSide(v.Asks[:], v.AskLen, schema.SideAsk); err != nil {
		return err
	}
	if v.BidLen > 0 && v.AskLen > 0 && v.Bids[0].Price >= v.Asks[0].Price {
		return ErrCrossedBook
	}
	return nil
}

func validateSide(levels []Level, n int, side schema.Side) error {
	for i := 0; i < n; i++ {
		if levels[i].Price <= 0 {
			return ErrInvalidPrice
		}
		if levels[i].Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if i == 0 {
			continue
		}
		prev, cur := levels[i-1].Price, levels[i].Price
		if (side == schema.SideBid && cur >= prev) || (side == schema.SideAsk && cur <= prev) {
			return ErrUnorderedLadder
		}
	}
	for i := n; i < len(levels); i++ {
		if levels[i] != (Level{}) {
			return ErrUnorderedLadder
		}
	}
	return nil
}

// pooledView is a published view plus the number of readers copying it.
type pooledView struct {
	view View
	refs atomic.Int32
}

// publisher hands views from the single writer to any number of readers without locks.
// The writer only rewrites a pooled view that is neither the latest one nor pinned by
// a reader, so steady state publication reuses the pool instead of allocating.
type publisher struct {
	latest atomic.Pointer[pooledView]
	pool   []*pooledView
	next   int
}

func newPublisher(size int) publisher {
	pool := make([]*pooledView, size)
	for i := range pool {
		pool[i] = &pooledView{}
	}
	return publisher{pool: pool}
}

// acquire returns a view the writer may overwrite.
func (p *publisher) acquire() *pooledView {
	cur := p.latest.Load()
	for range p.pool {
		pv := p.pool[p.next]
		p.next = (p.next + 1) % len(p.pool)
		if pv != cur && pv.refs.Load() == 0 {
			return pv
		}
	}
	// every spare view is pinned by a slow reader.
	pv := &pooledView{}
	p.pool = append(p.pool, pv)
	return pv
}

func (p *publisher) publish(pv *pooledView) {
	p.latest.Store(pv)
}

// load copies the latest view.
func (p *publisher) load() (View, bool) {
	for {
		pv := p.latest.Load()
		if pv == nil {
			return View{}, false
		}
		pv.refs.Add(1)
		if p.latest.Load() != pv {
			pv.refs.Add(-1)
			continue
		}
		v := pv.view
		pv.refs.Add(-1)
		return v, true
	}
}
