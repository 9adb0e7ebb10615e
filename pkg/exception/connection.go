package exception

import "github.com/yanun0323/errors"

// Connection errors
var (
	ErrSinkUnavailable = errors.New("sink unavailable")
)
