package exception

import "github.com/yanun0323/errors"

var (
	ErrBookUnavailable = errors.New("market data: book unavailable")
	ErrUnknownSymbol   = errors.New("market data: unknown symbol")
)
