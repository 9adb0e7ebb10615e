package analytics

import (
	"math"

	"lobcore/internal/lob"
	"lobcore/internal/schema"
)

// Flags is the toxicity bitmask of a snapshot.
type Flags uint8

const (
	FlagSpoofing Flags = 1 << iota
	FlagLayering
	FlagMomentumIgnition
)

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	s := ""
	for _, item := range []struct {
		flag Flags
		name string
	}{
		{FlagSpoofing, "spoofing"},
		{FlagLayering, "layering"},
		{FlagMomentumIgnition, "momentum_ignition"},
	} {
		if f.Has(item.flag) {
			if s != "" {
				s += "|"
			}
			s += item.name
		}
	}
	return s
}

// Snapshot is the microstructure state derived from one book update.
type Snapshot struct {
	Symbol schema.Symbol
	Ts     schema.Ts
	Seq    uint64

	// HasQuote is set when both sides are populated; Spread, Mid and MicroPrice
	// are zero otherwise.
	HasQuote   bool
	Spread     schema.Px
	Mid        schema.Px
	MicroPrice float64
	Imbalance  float64

	VPIN       float64
	KyleLambda float64
	Amihud     float64
	Flags      Flags
	Trades     uint64
}

type lambdaSample struct {
	signedVolume float64
	deltaMid     float64
}

type orderEvent struct {
	ts     schema.Ts
	side   schema.Side
	price  schema.Px
	cancel bool
}

type tradeEvent struct {
	ts    schema.Ts
	buy   bool
	price schema.Px
}

// symbolState is allocated once per symbol; its rings never grow.
type symbolState struct {
	bucketBuy  schema.Qty
	bucketSell schema.Qty
	buckets    ring[float64]

	lastMid     float64
	hasLastMid  bool
	lambda      ring[lambdaSample]
	lastTradePx schema.Px
	amihud      ring[float64]

	largeOrders ring[orderEvent]
	orders      ring[orderEvent]
	trades      ring[tradeEvent]
	tradeCount  uint64
}

// Extractor computes microstructure snapshots. It only reads book views and the
// updates that produced them, keyed on event timestamps, so the same input
// sequence always yields the same output sequence.
//
// An Extractor is owned by one goroutine.
type Extractor struct {
	cfg    Config
	states map[schema.Symbol]*symbolState
}

// NewExtractor validates cfg and creates an extractor.
func NewExtractor(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{
		cfg:    cfg,
		states: make(map[schema.Symbol]*symbolState),
	}, nil
}

// Config returns the extractor configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

func (e *Extractor) state(symbol schema.Symbol) *symbolState {
	st, ok := e.states[symbol]
	if ok {
		return st
	}
	st = &symbolState{
		buckets:     newRing[float64](e.cfg.VPINWindow),
		lambda:      newRing[lambdaSample](e.cfg.LambdaWindow),
		amihud:      newRing[float64](e.cfg.AmihudWindow),
		largeOrders: newRing[orderEvent](e.cfg.EventRingSize),
		orders:      newRing[orderEvent](e.cfg.EventRingSize),
		trades:      newRing[tradeEvent](e.cfg.EventRingSize),
	}
	e.states[symbol] = st
	return st
}

// OnUpdate folds the updates behind view into the symbol state and returns the
// resulting snapshot. events may be empty when only the book changed.
func (e *Extractor) OnUpdate(view *lob.View, events []schema.Update, ts schema.Ts) Snapshot {
	st := e.state(view.Symbol)
	snap := Snapshot{
		Symbol: view.Symbol,
		Ts:     ts,
		Seq:    view.Seq,
	}

	bid, okBid := view.BestBid()
	ask, okAsk := view.BestAsk()
	var mid float64
	if okBid && okAsk {
		snap.HasQuote = true
		snap.Spread = ask.Price - bid.Price
		snap.Mid, _ = view.Mid()
		mid = (bid.Price.Float64() + ask.Price.Float64()) / 2
		snap.MicroPrice = microPrice(bid, ask)
	}
	snap.Imbalance = imbalance(view, e.cfg.ImbalanceLevels)

	for i := range events {
		u := &events[i]
		switch {
		case u.Kind == schema.KindTrade:
			e.onTrade(st, u, ts, mid, snap.HasQuote)
		case u.Action == schema.ActionAdd || u.Action == schema.ActionCancel:
			e.onOrder(st, u, ts)
		}
	}

	snap.VPIN = mean(&st.buckets)
	snap.KyleLambda = slope(&st.lambda)
	snap.Amihud = mean(&st.amihud)
	snap.Flags = e.flags(st, ts)
	snap.Trades = st.tradeCount
	return snap
}

func (e *Extractor) onTrade(st *symbolState, u *schema.Update, ts schema.Ts, mid float64, hasMid bool) {
	if u.OrderQty <= 0 {
		return
	}
	volume := u.OrderQty.Float64()
	// the update side is the resting side that was hit.
	buy := u.Side == schema.SideAsk
	st.tradeCount++

	remaining := u.OrderQty
	bucket := e.cfg.VPINBucketVolume
	for remaining > 0 {
		take := min(remaining, bucket-(st.bucketBuy+st.bucketSell))
		if buy {
			st.bucketBuy += take
		} else {
			st.bucketSell += take
		}
		remaining -= take
		if st.bucketBuy+st.bucketSell == bucket {
			diff := st.bucketBuy - st.bucketSell
			if diff < 0 {
				diff = -diff
			}
			st.buckets.push(diff.Float64() / bucket.Float64())
			st.bucketBuy, st.bucketSell = 0, 0
		}
	}

	if hasMid {
		if st.hasLastMid {
			signed := volume
			if !buy {
				signed = -volume
			}
			st.lambda.push(lambdaSample{signedVolume: signed, deltaMid: mid - st.lastMid})
		}
		st.lastMid = mid
		st.hasLastMid = true
	}

	if st.lastTradePx > 0 && u.Price > 0 {
		ret := math.Abs(math.Log(u.Price.Float64() / st.lastTradePx.Float64()))
		st.amihud.push(ret / volume)
	}
	st.lastTradePx = u.Price

	st.trades.push(tradeEvent{ts: ts, buy: buy, price: u.Price})
}

func (e *Extractor) onOrder(st *symbolState, u *schema.Update, ts schema.Ts) {
	ev := orderEvent{
		ts:     ts,
		side:   u.Side,
		price:  u.Price,
		cancel: u.Action == schema.ActionCancel,
	}
	st.orders.push(ev)
	if u.OrderQty >= e.cfg.SpoofMinOrderQty {
		st.largeOrders.push(ev)
	}
}

func (e *Extractor) flags(st *symbolState, now schema.Ts) Flags {
	var f Flags

	expire := func(window int64) func(orderEvent) bool {
		return func(ev orderEvent) bool { return int64(now-ev.ts) > window }
	}
	st.largeOrders.dropWhile(expire(e.cfg.SpoofWindow.Nanoseconds()))
	st.orders.dropWhile(expire(e.cfg.LayeringWindow.Nanoseconds()))
	momentumWindow := e.cfg.MomentumWindow.Nanoseconds()
	st.trades.dropWhile(func(ev tradeEvent) bool { return int64(now-ev.ts) > momentumWindow })

	if spoofing(&st.largeOrders, e.cfg.SpoofMinOrders, e.cfg.SpoofCancelRatio) {
		f |= FlagSpoofing
	}
	if layering(&st.orders, schema.SideBid, e.cfg.LayeringMinLevels) || layering(&st.orders, schema.SideAsk, e.cfg.LayeringMinLevels) {
		f |= FlagLayering
	}
	if momentum(&st.trades, e.cfg.MomentumMinTrades, e.cfg.MomentumMinMove) {
		f |= FlagMomentumIgnition
	}
	return f
}

// spoofing: enough large orders placed, and most of them pulled, inside the window.
func spoofing(orders *ring[orderEvent], minOrders int, cancelRatio float64) bool {
	var adds, cancels int
	for i := 0; i < orders.len(); i++ {
		if orders.at(i).cancel {
			cancels++
		} else {
			adds++
		}
	}
	if adds < minOrders {
		return false
	}
	return float64(cancels)/float64(adds) >= cancelRatio
}

// layering: orders added then cancelled on at least minLevels distinct rungs of one side.
func layering(orders *ring[orderEvent], side schema.Side, minLevels int) bool {
	levels := 0
	for i := 0; i < orders.len(); i++ {
		c := orders.at(i)
		if !c.cancel || c.side != side {
			continue
		}
		counted, added := false, false
		for j := 0; j < orders.len(); j++ {
			o := orders.at(j)
			if o.side != side || o.price != c.price {
				continue
			}
			if j < i && o.cancel {
				counted = true
				break
			}
			if j < i && !o.cancel {
				added = true
			}
		}
		if counted || !added {
			continue
		}
		levels++
		if levels >= minLevels {
			return true
		}
	}
	return false
}

// momentum: a burst of same-direction aggressive trades that moved the price.
func momentum(trades *ring[tradeEvent], minTrades int, minMove schema.Px) bool {
	n := trades.len()
	if n < minTrades {
		return false
	}
	last := trades.at(n - 1)
	count := 0
	var first schema.Px
	for i := 0; i < n; i++ {
		tr := trades.at(i)
		if tr.buy != last.buy {
			continue
		}
		if count == 0 {
			first = tr.price
		}
		count++
	}
	if count < minTrades {
		return false
	}
	move := last.price - first
	if !last.buy {
		move = -move
	}
	return move >= minMove
}

func microPrice(bid, ask lob.Level) float64 {
	bq, aq := bid.Quantity.Float64(), ask.Quantity.Float64()
	if bq+aq == 0 {
		return (bid.Price.Float64() + ask.Price.Float64()) / 2
	}
	return (bid.Price.Float64()*aq + ask.Price.Float64()*bq) / (bq + aq)
}

func imbalance(view *lob.View, levels int) float64 {
	var bids, asks schema.Qty
	for i := 0; i < levels && i < view.BidLen; i++ {
		bids += view.Bids[i].Quantity
	}
	for i := 0; i < levels && i < view.AskLen; i++ {
		asks += view.Asks[i].Quantity
	}
	if bids+asks == 0 {
		return 0
	}
	return (bids.Float64() - asks.Float64()) / (bids.Float64() + asks.Float64())
}

func mean(r *ring[float64]) float64 {
	if r.len() == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.len(); i++ {
		sum += r.at(i)
	}
	return sum / float64(r.len())
}

// slope is the OLS coefficient of deltaMid on signedVolume.
func slope(r *ring[lambdaSample]) float64 {
	n := r.len()
	if n < 2 {
		return 0
	}
	var sx, sy float64
	for i := 0; i < n; i++ {
		s := r.at(i)
		sx += s.signedVolume
		sy += s.deltaMid
	}
	mx, my := sx/float64(n), sy/float64(n)
	var cov, varx float64
	for i := 0; i < n; i++ {
		s := r.at(i)
		dx := s.signedVolume - mx
		cov += dx * (s.deltaMid - my)
		varx += dx * dx
	}
	if varx == 0 {
		return 0
	}
	return cov / varx
}
