package schema

import "github.com/yanun0323/errors"

// SymbolCap is the fixed width of a Symbol.
const SymbolCap = 16

var (
	ErrSymbolEmpty   = errors.New("schema: symbol is empty")
	ErrSymbolTooLong = errors.New("schema: symbol too long")
	ErrSymbolCharset = errors.New("schema: symbol has unsupported character")
)

var (
	symbolCharset = [...]rune{
		'\x00', ' ',
		'0', '1', '2', '3', '4', '5', '6', '7', '8', '9',
		'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm', 'n', 'o', 'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z',
		'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O', 'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z',
		'-', '_', '.', '*', '=', '/', ':', '|',
	}
	symbolCharsetMap = initSymbolCharsetMap()
)

// Symbol is a fixed-width, charset-encoded instrument identifier.
// It is comparable and never points at heap memory.
type Symbol [SymbolCap]uint8

// NewSymbol encodes name, truncating at SymbolCap and at the first unsupported rune.
func NewSymbol(name string) Symbol {
	var s Symbol
	i := 0
	for _, char := range name {
		if i >= SymbolCap {
			break
		}
		code, ok := symbolCharsetMap[char]
		if !ok || code == 0 {
			break
		}
		s[i] = code
		i++
	}
	return s
}

// ParseSymbol encodes name and reports names that do not fit exactly.
func ParseSymbol(name string) (Symbol, error) {
	if len(name) == 0 {
		return Symbol{}, ErrSymbolEmpty
	}
	var s Symbol
	i := 0
	for _, char := range name {
		if i >= SymbolCap {
			return Symbol{}, errors.Wrapf(ErrSymbolTooLong, "symbol: %s", name)
		}
		code, ok := symbolCharsetMap[char]
		if !ok || code == 0 {
			return Symbol{}, errors.Wrapf(ErrSymbolCharset, "symbol: %s", name)
		}
		s[i] = code
		i++
	}
	return s, nil
}

// IsZero reports whether the symbol is unset.
func (symbol Symbol) IsZero() bool {
	return symbol[0] == 0
}

func (symbol Symbol) String() string {
	return string(symbol.AppendString(make([]byte, 0, SymbolCap)))
}

// AppendString appends the decoded symbol to buf.
func (symbol Symbol) AppendString(buf []byte) []byte {
	for _, n := range symbol {
		if n == 0 || int(n) >= len(symbolCharset) {
			break
		}
		buf = append(buf, byte(symbolCharset[n]))
	}
	return buf
}

func initSymbolCharsetMap() map[rune]uint8 {
	m := make(map[rune]uint8, len(symbolCharset))
	for i, char := range symbolCharset {
		m[char] = uint8(i)
	}

	return m
}
