package mdg

import (
	"strings"
	"time"

	"lobcore/internal/schema"
	"lobcore/pkg/exception"

	"github.com/yanun0323/errors"
)

// RawEvent is one line of the JSON feed. Prices and quantities are decimal
// strings so no precision is lost before scaling.
type RawEvent struct {
	Symbol     string `json:"symbol"`
	Type       string `json:"type"`
	Kind       string `json:"kind"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	OrderCount uint32 `json:"order_count,omitempty"`
	Action     string `json:"action,omitempty"`
	OrderID    uint64 `json:"order_id,omitempty"`
	OrderQty   string `json:"order_qty,omitempty"`
	Ts         int64  `json:"ts,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
}

// Normalizer maps raw feed events to schema events.
type Normalizer struct {
	reg *schema.Registry
	now func() time.Time
}

// NewNormalizer creates a normalizer for a registry. A nil or empty registry
// accepts every symbol.
func NewNormalizer(reg *schema.Registry) *Normalizer {
	return &Normalizer{reg: reg, now: time.Now}
}

// Normalize converts a raw event. A missing ts is stamped with the receive time.
func (n *Normalizer) Normalize(raw RawEvent) (schema.Event, error) {
	sym, err := schema.ParseSymbol(raw.Symbol)
	if err != nil {
		return schema.Event{}, err
	}
	if !n.reg.Allows(sym) {
		return schema.Event{}, errors.Wrapf(exception.ErrUnknownSymbol, "symbol %s", raw.Symbol)
	}

	ev := schema.Event{
		Symbol:     sym,
		OrderCount: raw.OrderCount,
		OrderID:    raw.OrderID,
		Timestamp:  schema.Ts(raw.Ts),
		Sequence:   raw.Seq,
	}
	if ev.Type, err = parseType(raw.Type); err != nil {
		return schema.Event{}, err
	}
	if ev.Kind, err = parseKind(raw.Kind); err != nil {
		return schema.Event{}, err
	}
	if ev.Side, err = parseSide(raw.Side); err != nil {
		return schema.Event{}, err
	}
	if ev.Action, err = parseAction(raw.Action); err != nil {
		return schema.Event{}, err
	}
	if ev.Price, err = schema.ParsePx(raw.Price); err != nil {
		return schema.Event{}, err
	}
	if ev.Quantity, err = schema.ParseQty(raw.Quantity); err != nil {
		return schema.Event{}, err
	}
	if raw.OrderQty != "" {
		if ev.OrderQty, err = schema.ParseQty(raw.OrderQty); err != nil {
			return schema.Event{}, err
		}
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = schema.Ts(n.now().UnixNano())
	}
	return ev, nil
}

// Format is the inverse of Normalize.
func Format(ev schema.Event) RawEvent {
	raw := RawEvent{
		Symbol:     ev.Symbol.String(),
		Type:       ev.Type.String(),
		Kind:       ev.Kind.String(),
		Side:       ev.Side.String(),
		Price:      ev.Price.String(),
		Quantity:   ev.Quantity.String(),
		OrderCount: ev.OrderCount,
		OrderID:    ev.OrderID,
		Ts:         int64(ev.Timestamp),
		Seq:        ev.Sequence,
	}
	if ev.Action != schema.ActionNone {
		raw.Action = actionNames[ev.Action]
	}
	if ev.OrderQty != 0 {
		raw.OrderQty = ev.OrderQty.String()
	}
	return raw
}

var actionNames = map[schema.OrderAction]string{
	schema.ActionAdd:    "add",
	schema.ActionCancel: "cancel",
	schema.ActionModify: "modify",
}

func invalid(field, value string) error {
	return errors.Wrapf(exception.ErrInvalidEvent, "%s %q", field, value)
}

func parseType(s string) (schema.EventType, error) {
	switch strings.ToLower(s) {
	case "tick", "":
		return schema.EventTick, nil
	case "order":
		return schema.EventOrder, nil
	case "fill", "trade":
		return schema.EventFill, nil
	default:
		return 0, invalid("type", s)
	}
}

func parseKind(s string) (schema.UpdateKind, error) {
	switch strings.ToLower(s) {
	case "insert", "new":
		return schema.KindInsert, nil
	case "modify", "change":
		return schema.KindModify, nil
	case "delete":
		return schema.KindDelete, nil
	case "trade":
		return schema.KindTrade, nil
	default:
		return 0, invalid("kind", s)
	}
}

func parseSide(s string) (schema.Side, error) {
	switch strings.ToLower(s) {
	case "bid", "buy", "b":
		return schema.SideBid, nil
	case "ask", "sell", "s", "offer":
		return schema.SideAsk, nil
	default:
		return 0, invalid("side", s)
	}
}

func parseAction(s string) (schema.OrderAction, error) {
	switch strings.ToLower(s) {
	case "":
		return schema.ActionNone, nil
	case "add":
		return schema.ActionAdd, nil
	case "cancel":
		return schema.ActionCancel, nil
	case "modify":
		return schema.ActionModify, nil
	default:
		return 0, invalid("action", s)
	}
}
