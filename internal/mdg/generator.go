package mdg

import (
	"math/rand/v2"
	"time"

	"lobcore/internal/schema"

	"github.com/yanun0323/errors"
)

// GeneratorConfig shapes the synthetic feed.
type GeneratorConfig struct {
	Symbols []string
	// Mid is fixed per symbol; bids stay below it and asks above, so the
	// generated book never crosses.
	Mid    schema.Px
	Tick   schema.Px
	Levels int
	// MaxQty bounds a single order.
	MaxQty schema.Qty
	Seed   uint64
	Start  time.Time
	Step   time.Duration
}

func (c GeneratorConfig) withDefaults() GeneratorConfig {
	if c.Mid == 0 {
		c.Mid = schema.MustPx("100")
	}
	if c.Tick == 0 {
		c.Tick = schema.MustPx("0.01")
	}
	if c.Levels == 0 {
		c.Levels = 10
	}
	if c.MaxQty == 0 {
		c.MaxQty = schema.MustQty("10")
	}
	if c.Start.IsZero() {
		c.Start = time.Unix(1_700_000_000, 0)
	}
	if c.Step == 0 {
		c.Step = time.Millisecond
	}
	return c
}

// Validate checks if the configuration is usable.
func (c GeneratorConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return errors.New("invalid generator config: no symbols")
	}
	if c.Tick <= 0 || c.Levels < 1 || c.MaxQty <= 0 {
		return errors.New("invalid generator config: Tick, Levels and MaxQty must be positive")
	}
	if c.Mid-schema.Px(c.Levels)*c.Tick <= 0 {
		return errors.New("invalid generator config: Mid too small for Levels")
	}
	return nil
}

type rung struct {
	qty    schema.Qty
	orders uint32
}

type genBook struct {
	symbol schema.Symbol
	bids   map[schema.Px]rung
	asks   map[schema.Px]rung
}

func (b *genBook) side(s schema.Side) map[schema.Px]rung {
	if s == schema.SideBid {
		return b.bids
	}
	return b.asks
}

// Generator creates a deterministic synthetic feed of ticks, order events and
// fills whose aggregates stay consistent with the book they build.
type Generator struct {
	cfg     GeneratorConfig
	rng     *rand.Rand
	books   []*genBook
	index   int
	seq     uint64
	orderID uint64
}

// NewGenerator creates a generator. The same config yields the same feed.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	books := make([]*genBook, 0, len(cfg.Symbols))
	for _, name := range cfg.Symbols {
		sym, err := schema.ParseSymbol(name)
		if err != nil {
			return nil, err
		}
		books = append(books, &genBook{
			symbol: sym,
			bids:   make(map[schema.Px]rung),
			asks:   make(map[schema.Px]rung),
		})
	}
	return &Generator{
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		books: books,
	}, nil
}

// Next creates the next event, rotating over the symbols.
func (g *Generator) Next() schema.Event {
	book := g.books[g.index]
	g.index = (g.index + 1) % len(g.books)
	g.seq++

	ev := schema.Event{
		Symbol:    book.symbol,
		Timestamp: schema.Ts(g.cfg.Start.Add(time.Duration(g.seq) * g.cfg.Step).UnixNano()),
		Sequence:  g.seq,
		Side:      schema.SideBid,
	}
	if g.rng.IntN(2) == 1 {
		ev.Side = schema.SideAsk
	}
	ladder := book.side(ev.Side)

	switch roll := g.rng.IntN(100); {
	case roll < 10 && len(ladder) > 0:
		g.fill(&ev, ladder)
	case roll < 40 && len(ladder) > 0:
		g.cancel(&ev, ladder)
	case roll < 70:
		g.add(&ev, ladder)
	default:
		g.tick(&ev, ladder)
	}
	return ev
}

func (g *Generator) price(side schema.Side, level int) schema.Px {
	if side == schema.SideBid {
		return g.cfg.Mid - schema.Px(level)*g.cfg.Tick
	}
	return g.cfg.Mid + schema.Px(level)*g.cfg.Tick
}

func (g *Generator) qty() schema.Qty {
	return schema.Qty(1 + g.rng.Int64N(int64(g.cfg.MaxQty)))
}

// best returns the rung nearest the mid.
func (g *Generator) best(side schema.Side, ladder map[schema.Px]rung) schema.Px {
	for level := 1; level <= g.cfg.Levels; level++ {
		px := g.price(side, level)
		if _, ok := ladder[px]; ok {
			return px
		}
	}
	return 0
}

func (g *Generator) randomRung(side schema.Side, ladder map[schema.Px]rung) schema.Px {
	for {
		px := g.price(side, 1+g.rng.IntN(g.cfg.Levels))
		if _, ok := ladder[px]; ok {
			return px
		}
	}
}

func (g *Generator) set(ev *schema.Event, ladder map[schema.Px]rung, px schema.Px, r rung) {
	ev.Price = px
	ev.Quantity = r.qty
	ev.OrderCount = r.orders
	if r.qty <= 0 {
		ev.Kind = schema.KindDelete
		ev.Quantity = 0
		ev.OrderCount = 0
		delete(ladder, px)
		return
	}
	if _, ok := ladder[px]; ok {
		ev.Kind = schema.KindModify
	} else {
		ev.Kind = schema.KindInsert
	}
	ladder[px] = r
}

func (g *Generator) add(ev *schema.Event, ladder map[schema.Px]rung) {
	px := g.price(ev.Side, 1+g.rng.IntN(g.cfg.Levels))
	q := g.qty()
	r := ladder[px]
	g.orderID++
	ev.Type = schema.EventOrder
	ev.Action = schema.ActionAdd
	ev.OrderID = g.orderID
	ev.OrderQty = q
	g.set(ev, ladder, px, rung{qty: r.qty + q, orders: r.orders + 1})
}

func (g *Generator) cancel(ev *schema.Event, ladder map[schema.Px]rung) {
	px := g.randomRung(ev.Side, ladder)
	r := ladder[px]
	q := min(g.qty(), r.qty)
	g.orderID++
	ev.Type = schema.EventOrder
	ev.Action = schema.ActionCancel
	ev.OrderID = g.orderID
	ev.OrderQty = q
	orders := r.orders
	if orders > 1 {
		orders--
	}
	g.set(ev, ladder, px, rung{qty: r.qty - q, orders: orders})
}

func (g *Generator) fill(ev *schema.Event, ladder map[schema.Px]rung) {
	px := g.best(ev.Side, ladder)
	r := ladder[px]
	q := min(g.qty(), r.qty)
	ev.Type = schema.EventFill
	ev.OrderQty = q
	g.set(ev, ladder, px, rung{qty: r.qty - q, orders: r.orders})
	ev.Kind = schema.KindTrade
	if ev.Quantity == 0 {
		ev.Kind = schema.KindDelete
	}
}

func (g *Generator) tick(ev *schema.Event, ladder map[schema.Px]rung) {
	px := g.price(ev.Side, 1+g.rng.IntN(g.cfg.Levels))
	ev.Type = schema.EventTick
	g.set(ev, ladder, px, rung{qty: g.qty(), orders: uint32(1 + g.rng.IntN(5))})
}
