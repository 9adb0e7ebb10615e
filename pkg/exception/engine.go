package exception

import "github.com/yanun0323/errors"

// Engine errors
var (
	ErrIngestHalted  = errors.New("engine: ingest halted for symbol")
	ErrUnknownSymbol = errors.New("engine: unknown symbol")
	ErrInvalidEvent  = errors.New("engine: invalid event")
	ErrEngineClosed  = errors.New("engine: closed")
	ErrEngineStarted = errors.New("engine: event loop already started")
)
