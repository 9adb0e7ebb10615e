package schema

// Side selects one ladder of a book.
type Side uint8

const (
	SideUnknown Side = iota
	SideBid
	SideAsk
)

// Valid reports whether s names a book side.
func (s Side) Valid() bool {
	return s == SideBid || s == SideAsk
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	switch s {
	case SideBid:
		return SideAsk
	case SideAsk:
		return SideBid
	default:
		return SideUnknown
	}
}

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// UpdateKind describes how a price rung changes.
type UpdateKind uint8

const (
	KindUnknown UpdateKind = iota
	KindInsert
	KindModify
	KindDelete
	KindTrade
)

// Valid reports whether k is one of the closed set of kinds.
func (k UpdateKind) Valid() bool {
	return k >= KindInsert && k <= KindTrade
}

func (k UpdateKind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindModify:
		return "modify"
	case KindDelete:
		return "delete"
	case KindTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// OrderAction describes an individual order message behind an update.
type OrderAction uint8

const (
	ActionNone OrderAction = iota
	ActionAdd
	ActionCancel
	ActionModify
)

// Update is the payload of Tick, OrderEvent and FillEvent WAL records.
//
// Price/Quantity/OrderCount describe the rung after the event (Quantity is the
// new aggregate at Price). OrderID/OrderQty describe the individual order or,
// for fills, the executed size. For fills Side is the resting side that was hit.
type Update struct {
	Symbol     Symbol
	Side       Side
	Kind       UpdateKind
	Action     OrderAction
	Flags      uint8
	OrderCount uint32
	Price      Px
	Quantity   Qty
	OrderID    uint64
	OrderQty   Qty
	FeedSeq    uint64
}

// EventType classifies inbound events; each maps to one WAL record type.
type EventType uint8

const (
	EventUnknown EventType = iota
	EventTick
	EventOrder
	EventFill
)

func (t EventType) String() string {
	switch t {
	case EventTick:
		return "tick"
	case EventOrder:
		return "order"
	case EventFill:
		return "fill"
	default:
		return "unknown"
	}
}

// Event is the normalized inbound event produced by the market data adapter.
type Event struct {
	Symbol     Symbol
	Type       EventType
	Kind       UpdateKind
	Side       Side
	Price      Px
	Quantity   Qty
	OrderCount uint32
	Action     OrderAction
	OrderID    uint64
	OrderQty   Qty
	Timestamp  Ts
	Sequence   uint64
}

// Update converts the event into its WAL payload form.
func (e Event) Update() Update {
	return Update{
		Symbol:     e.Symbol,
		Side:       e.Side,
		Kind:       e.Kind,
		Action:     e.Action,
		OrderCount: e.OrderCount,
		Price:      e.Price,
		Quantity:   e.Quantity,
		OrderID:    e.OrderID,
		OrderQty:   e.OrderQty,
		FeedSeq:    e.Sequence,
	}
}
