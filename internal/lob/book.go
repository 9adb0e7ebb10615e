package lob

import (
	"sync/atomic"

	"lobcore/internal/schema"
	"lobcore/internal/wal"

	"github.com/yanun0323/errors"
)

const defaultViewPool = 4

// Config controls a book.
type Config struct {
	Depth    int
	ViewPool int
}

// DefaultConfig returns a baseline book configuration.
func DefaultConfig() Config {
	return Config{Depth: DefaultDepth, ViewPool: defaultViewPool}
}

func (c Config) withDefaults() Config {
	if c.Depth == 0 {
		c.Depth = DefaultDepth
	}
	if c.ViewPool == 0 {
		c.ViewPool = defaultViewPool
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Depth < 1 || c.Depth > MaxDepth {
		return errors.Wrapf(ErrInvalidDepth, "depth %d not in [1, %d]", c.Depth, MaxDepth)
	}
	if c.ViewPool < 2 {
		return errors.New("invalid book config: ViewPool must be >= 2")
	}
	return nil
}

// Book is the aggregated limit order book of one symbol.
//
// Exactly one goroutine may call the mutating methods (ApplyUpdate, ApplyCommitted,
// Commit, Restore). Snapshot and Rejects are safe from any goroutine and never block
// the writer.
type Book struct {
	symbol schema.Symbol
	depth  int

	bids Ladder
	asks Ladder

	seq    uint64
	lastTs schema.Ts
	walSeq uint64
	resume wal.Offset

	rejects [rejectReasonCount]atomic.Uint64
	pub     publisher
}

// NewBook creates an empty book.
func NewBook(symbol schema.Symbol, cfg Config) (*Book, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if symbol.IsZero() {
		return nil, schema.ErrSymbolEmpty
	}
	b := &Book{
		symbol: symbol,
		depth:  cfg.Depth,
		bids:   newLadder(schema.SideBid, cfg.Depth),
		asks:   newLadder(schema.SideAsk, cfg.Depth),
		pub:    newPublisher(cfg.ViewPool),
	}
	b.publish()
	return b, nil
}

// Symbol returns the book's instrument.
func (b *Book) Symbol() schema.Symbol {
	return b.symbol
}

// Depth returns the configured number of rungs per side.
func (b *Book) Depth() int {
	return b.depth
}

// Seq returns the number of accepted updates. Writer goroutine only.
func (b *Book) Seq() uint64 {
	return b.seq
}

// WalSeq returns the last committed WAL sequence. Writer goroutine only.
func (b *Book) WalSeq() uint64 {
	return b.walSeq
}

// ApplyUpdate folds one update into the book.
// Invalid and crossing updates are rejected with the book unchanged. Every accepted
// update, including no-ops, advances Seq and LastTs. The update path never allocates.
func (b *Book) ApplyUpdate(u schema.Update, ts schema.Ts) (Outcome, error) {
	outcome, err := b.apply(&u, ts)
	if err != nil {
		return outcome, err
	}
	b.publish()
	return outcome, nil
}

// ApplyCommitted is ApplyUpdate for an update read from or written to the WAL: the
// published view carries walSeq and resume together with the resulting state.
// A rejected update leaves the commit position untouched.
func (b *Book) ApplyCommitted(u schema.Update, ts schema.Ts, walSeq uint64, resume wal.Offset) (Outcome, error) {
	outcome, err := b.apply(&u, ts)
	if err != nil {
		return outcome, err
	}
	b.walSeq = walSeq
	b.resume = resume
	b.publish()
	return outcome, nil
}

// Commit records the WAL position of a record that did not change the book.
func (b *Book) Commit(walSeq uint64, resume wal.Offset) {
	b.walSeq = walSeq
	b.resume = resume
	b.publish()
}

func (b *Book) apply(u *schema.Update, ts schema.Ts) (Outcome, error) {
	if u.Symbol != b.symbol {
		return b.reject(RejectSymbolMismatch, ErrSymbolMismatch)
	}
	if !u.Side.Valid() {
		return b.reject(RejectInvalidSide, ErrInvalidSide)
	}
	if !u.Kind.Valid() {
		return b.reject(RejectInvalidKind, ErrInvalidKind)
	}
	if u.Price <= 0 {
		return b.reject(RejectInvalidPrice, ErrInvalidPrice)
	}
	if u.Quantity < 0 {
		return b.reject(RejectInvalidQuantity, ErrInvalidQuantity)
	}

	own, other := &b.bids, &b.asks
	if u.Side == schema.SideAsk {
		own, other = &b.asks, &b.bids
	}

	var outcome Outcome
	if u.Quantity == 0 || u.Kind == schema.KindDelete {
		outcome = own.remove(u.Price)
	} else {
		if own.places(u.Price) && crosses(u.Side, u.Price, other) {
			return b.reject(RejectCrossed, ErrCrossedBook)
		}
		outcome = own.upsert(u.Price, u.Quantity, u.OrderCount)
	}

	b.seq++
	b.lastTs = ts
	return outcome, nil
}

// crosses reports whether a rung at price on side would meet or pass the opposite best.
func crosses(side schema.Side, price schema.Px, other *Ladder) bool {
	best, ok := other.Best()
	if !ok {
		return false
	}
	if side == schema.SideBid {
		return price >= best.Price
	}
	return price <= best.Price
}

func (b *Book) reject(reason RejectReason, err error) (Outcome, error) {
	b.rejects[reason].Add(1)
	return OutcomeRejected, err
}

// Restore replaces the book state with a snapshot view.
// Rungs beyond the configured depth are dropped.
func (b *Book) Restore(v View) error {
	if v.Symbol != b.symbol {
		return ErrSymbolMismatch
	}
	if err := v.Validate(); err != nil {
		return err
	}

	b.bids.reset()
	b.asks.reset()
	b.bids.n = copy(b.bids.levels[:b.depth], v.Bids[:min(v.BidLen, b.depth)])
	b.asks.n = copy(b.asks.levels[:b.depth], v.Asks[:min(v.AskLen, b.depth)])
	b.seq = v.Seq
	b.lastTs = v.LastTs
	b.walSeq = v.WalSeq
	b.resume = v.Resume
	b.publish()
	return nil
}

func (b *Book) publish() {
	pv := b.pub.acquire()
	v := &pv.view
	v.Symbol = b.symbol
	v.Seq = b.seq
	v.LastTs = b.lastTs
	v.WalSeq = b.walSeq
	v.Resume = b.resume
	v.BidLen = b.bids.n
	v.AskLen = b.asks.n
	v.Bids = b.bids.levels
	v.Asks = b.asks.levels
	b.pub.publish(pv)
}

// Snapshot returns a copy of the latest published state. It never blocks the writer.
func (b *Book) Snapshot() View {
	v, _ := b.pub.load()
	return v
}

// Rejects returns the reject counters.
func (b *Book) Rejects() Rejects {
	var out Rejects
	for i := range b.rejects {
		out[i] = b.rejects[i].Load()
	}
	return out
}
