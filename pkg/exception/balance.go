package exception

import "errors"

var (
	ErrInsufficientSurplus  = errors.New("balance: no source has sufficient surplus")
	ErrWalletAddressMissing = errors.New("balance: wallet address missing")
	ErrWalletRPCMissing     = errors.New("balance: wallet rpc url missing")
	ErrEmptyBalanceReply    = errors.New("balance: empty balanceOf reply")
)
