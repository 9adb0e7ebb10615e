package schema

import (
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Scale is the number of decimal places used by every scaled integer.
// Changing it changes the meaning of every WAL byte already written.
const Scale = 4

// ScaleMultiplier is 10^Scale.
const ScaleMultiplier = 10_000

var (
	ErrInvalidNumber  = errors.New("schema: invalid number")
	ErrPrecisionLoss  = errors.New("schema: more fractional digits than scale")
	ErrNumberOverflow = errors.New("schema: number out of int64 range")
	ErrNegativeNumber = errors.New("schema: negative number")
)

var (
	maxScaledInt64 = decimal.NewFromInt(int64(^uint64(0) >> 1))
	minScaledInt64 = decimal.NewFromInt(-int64(^uint64(0)>>1) - 1)
)

// Px is a price scaled by ScaleMultiplier.
type Px int64

// Qty is a quantity scaled by ScaleMultiplier.
type Qty int64

// Ts is a timestamp in nanoseconds since the Unix epoch.
type Ts int64

// ParsePx converts a decimal string such as "100.05" into a Px.
func ParsePx(s string) (Px, error) {
	v, err := parseScaled(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse price %q", s)
	}
	return Px(v), nil
}

// ParseQty converts a decimal string into a non-negative Qty.
func ParseQty(s string) (Qty, error) {
	v, err := parseScaled(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse quantity %q", s)
	}
	if v < 0 {
		return 0, errors.Wrapf(ErrNegativeNumber, "parse quantity %q", s)
	}
	return Qty(v), nil
}

// MustPx is ParsePx for constants and tests.
func MustPx(s string) Px {
	p, err := ParsePx(s)
	if err != nil {
		panic(err)
	}
	return p
}

// MustQty is ParseQty for constants and tests.
func MustQty(s string) Qty {
	q, err := ParseQty(s)
	if err != nil {
		panic(err)
	}
	return q
}

func parseScaled(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidNumber
	}
	scaled := d.Shift(Scale)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrPrecisionLoss
	}
	if scaled.GreaterThan(maxScaledInt64) || scaled.LessThan(minScaledInt64) {
		return 0, ErrNumberOverflow
	}
	return scaled.IntPart(), nil
}

func (p Px) String() string {
	return string(appendScaledInt(nil, int64(p), Scale))
}

// Decimal returns the price as an exact decimal.
func (p Px) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -Scale)
}

// Float64 is for analytics only; never feed the result back into prices.
func (p Px) Float64() float64 {
	return float64(p) / ScaleMultiplier
}

func (q Qty) String() string {
	return string(appendScaledInt(nil, int64(q), Scale))
}

// Decimal returns the quantity as an exact decimal.
func (q Qty) Decimal() decimal.Decimal {
	return decimal.New(int64(q), -Scale)
}

// Float64 is for analytics only.
func (q Qty) Float64() float64 {
	return float64(q) / ScaleMultiplier
}

// AppendString appends the decimal form of p without allocating.
func (p Px) AppendString(buf []byte) []byte {
	return appendScaledInt(buf, int64(p), Scale)
}

// AppendString appends the decimal form of q without allocating.
func (q Qty) AppendString(buf []byte) []byte {
	return appendScaledInt(buf, int64(q), Scale)
}

func appendScaledInt(buf []byte, value int64, scale int) []byte {
	if scale <= 0 {
		return strconv.AppendInt(buf, value, 10)
	}

	neg := value < 0
	u := uint64(value)
	if neg {
		u = uint64(^value) + 1
	}

	var tmp [32]byte
	digits := strconv.AppendUint(tmp[:0], u, 10)

	if neg {
		buf = append(buf, '-')
	}

	if len(digits) <= scale {
		buf = append(buf, '0', '.')
		for i := 0; i < scale-len(digits); i++ {
			buf = append(buf, '0')
		}
		buf = append(buf, digits...)
		return buf
	}

	idx := len(digits) - scale
	buf = append(buf, digits[:idx]...)
	buf = append(buf, '.')
	buf = append(buf, digits[idx:]...)
	return buf
}
