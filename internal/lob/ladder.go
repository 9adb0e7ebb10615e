package lob

import "lobcore/internal/schema"

const (
	// MaxDepth is the capacity of a ladder. Configured depth may be lower.
	MaxDepth     = 32
	DefaultDepth = 10
)

// Level is one aggregated price rung.
type Level struct {
	Price      schema.Px
	Quantity   schema.Qty
	OrderCount uint32
}

// Outcome describes what an accepted update did to the book.
type Outcome uint8

const (
	OutcomeRejected Outcome = iota
	OutcomeInserted
	OutcomeUpdated
	OutcomeRemoved
	OutcomeNoop
	OutcomeOutOfRange
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRemoved:
		return "removed"
	case OutcomeNoop:
		return "noop"
	case OutcomeOutOfRange:
		return "out_of_range"
	default:
		return "rejected"
	}
}

// Ladder holds the best rungs of one side, best first: bids descending, asks ascending.
// Slots past n are always zero.
type Ladder struct {
	side   schema.Side
	depth  int
	n      int
	levels [MaxDepth]Level
}

func newLadder(side schema.Side, depth int) Ladder {
	return Ladder{side: side, depth: depth}
}

// Len returns the number of populated rungs.
func (l *Ladder) Len() int {
	return l.n
}

// Best returns the top rung.
func (l *Ladder) Best() (Level, bool) {
	if l.n == 0 {
		return Level{}, false
	}
	return l.levels[0], true
}

// At returns the rung at index i, 0 being the best.
func (l *Ladder) At(i int) (Level, bool) {
	if i < 0 || i >= l.n {
		return Level{}, false
	}
	return l.levels[i], true
}

// better reports whether price a ranks ahead of price b on this side.
func (l *Ladder) better(a, b schema.Px) bool {
	if l.side == schema.SideBid {
		return a > b
	}
	return a < b
}

// find returns the index of price, or the index it would be inserted at.
func (l *Ladder) find(price schema.Px) (int, bool) {
	for i := 0; i < l.n; i++ {
		p := l.levels[i].Price
		if p == price {
			return i, true
		}
		if l.better(price, p) {
			return i, false
		}
	}
	return l.n, false
}

// places reports whether an upsert at price would end up in the ladder.
func (l *Ladder) places(price schema.Px) bool {
	idx, found := l.find(price)
	return found || idx < l.depth
}

func (l *Ladder) upsert(price schema.Px, qty schema.Qty, count uint32) Outcome {
	idx, found := l.find(price)
	if found {
		lvl := &l.levels[idx]
		lvl.Quantity = qty
		if count != 0 {
			lvl.OrderCount = count
		}
		return OutcomeUpdated
	}
	if idx >= l.depth {
		return OutcomeOutOfRange
	}
	if count == 0 {
		count = 1
	}

	last := l.n
	if last == l.depth {
		// full: the worst rung falls off.
		last--
	} else {
		l.n++
	}
	copy(l.levels[idx+1:last+1], l.levels[idx:last])
	l.levels[idx] = Level{Price: price, Quantity: qty, OrderCount: count}
	return OutcomeInserted
}

func (l *Ladder) remove(price schema.Px) Outcome {
	idx, found := l.find(price)
	if !found {
		return OutcomeNoop
	}
	copy(l.levels[idx:l.n-1], l.levels[idx+1:l.n])
	l.n--
	l.levels[l.n] = Level{}
	return OutcomeRemoved
}

func (l *Ladder) reset() {
	l.n = 0
	l.levels = [MaxDepth]Level{}
}
