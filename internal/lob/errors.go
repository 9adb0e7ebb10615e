package lob

import "github.com/yanun0323/errors"

var (
	ErrInvalidPrice    = errors.New("lob: price must be positive")
	ErrInvalidQuantity = errors.New("lob: quantity must not be negative")
	ErrInvalidSide     = errors.New("lob: invalid side")
	ErrInvalidKind     = errors.New("lob: invalid update kind")
	ErrCrossedBook     = errors.New("lob: update would cross the book")
	ErrSymbolMismatch  = errors.New("lob: update for another symbol")
	ErrInvalidDepth    = errors.New("lob: invalid depth")
	ErrUnorderedLadder = errors.New("lob: ladder out of order")
)

// RejectReason indexes the reject counters of a book.
type RejectReason uint8

const (
	RejectInvalidPrice RejectReason = iota
	RejectInvalidQuantity
	RejectInvalidSide
	RejectInvalidKind
	RejectCrossed
	RejectSymbolMismatch
	rejectReasonCount
)

func (r RejectReason) String() string {
	switch r {
	case RejectInvalidPrice:
		return "invalid_price"
	case RejectInvalidQuantity:
		return "invalid_quantity"
	case RejectInvalidSide:
		return "invalid_side"
	case RejectInvalidKind:
		return "invalid_kind"
	case RejectCrossed:
		return "crossed"
	case RejectSymbolMismatch:
		return "symbol_mismatch"
	default:
		return "unknown"
	}
}

// Rejects is a snapshot of reject counters.
type Rejects [rejectReasonCount]uint64

// Total sums every reason.
func (r Rejects) Total() uint64 {
	var total uint64
	for _, n := range r {
		total += n
	}
	return total
}

// NumRejectReasons is the number of distinct reject reasons.
const NumRejectReasons = int(rejectReasonCount)

// ReasonOf maps an error returned by ApplyUpdate to its reject reason.
func ReasonOf(err error) (RejectReason, bool) {
	switch err {
	case ErrInvalidPrice:
		return RejectInvalidPrice, true
	case ErrInvalidQuantity:
		return RejectInvalidQuantity, true
	case ErrInvalidSide:
		return RejectInvalidSide, true
	case ErrInvalidKind:
		return RejectInvalidKind, true
	case ErrCrossedBook:
		return RejectCrossed, true
	case ErrSymbolMismatch:
		return RejectSymbolMismatch, true
	default:
		return 0, false
	}
}
