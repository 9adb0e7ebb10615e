package schema

import "github.com/yanun0323/errors"

var ErrSymbolExists = errors.New("schema: symbol already registered")

// Registry holds the set of instruments the core accepts.
// An empty registry accepts every symbol.
type Registry struct {
	symbols []Symbol
	byName  map[Symbol]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[Symbol]int)}
}

// NewRegistryFromNames builds a registry from configuration names.
func NewRegistryFromNames(names []string) (*Registry, error) {
	reg := NewRegistry()
	for _, name := range names {
		sym, err := ParseSymbol(name)
		if err != nil {
			return nil, err
		}
		if err := reg.Add(sym); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Add registers a symbol.
func (r *Registry) Add(sym Symbol) error {
	if sym.IsZero() {
		return ErrSymbolEmpty
	}
	if _, ok := r.byName[sym]; ok {
		return errors.Wrapf(ErrSymbolExists, "symbol: %s", sym)
	}
	r.byName[sym] = len(r.symbols)
	r.symbols = append(r.symbols, sym)
	return nil
}

// Allows reports whether sym may be ingested.
func (r *Registry) Allows(sym Symbol) bool {
	if sym.IsZero() {
		return false
	}
	if r == nil || len(r.symbols) == 0 {
		return true
	}
	_, ok := r.byName[sym]
	return ok
}

// Count returns the number of registered symbols.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	return len(r.symbols)
}

// SymbolAt returns the symbol by zero-based index.
func (r *Registry) SymbolAt(index int) (Symbol, bool) {
	if r == nil || index < 0 || index >= len(r.symbols) {
		return Symbol{}, false
	}
	return r.symbols[index], true
}
