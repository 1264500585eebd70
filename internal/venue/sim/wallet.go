package sim

import (
	"context"
	"sync"

	"keeper/internal/errors"
	"keeper/pkg/exception"

	"github.com/shopspring/decimal"
)

// Wallet is an in-memory on-chain wallet. It implements adapter.WalletReader.
type Wallet struct {
	mu      sync.Mutex
	balance decimal.Decimal
	fail    error
}

// NewWallet creates a wallet holding balance.
func NewWallet(balance decimal.Decimal) *Wallet {
	return &Wallet{balance: balance}
}

// FailReads makes every balance read fail with err until reset with nil.
func (w *Wallet) FailReads(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail = err
}

func (w *Wallet) CollateralBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return decimal.Zero, w.fail
	}
	return w.balance, nil
}

// Balance returns the current balance without failure injection.
func (w *Wallet) Balance() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance
}

func (w *Wallet) debit(amount decimal.Decimal) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if amount.GreaterThan(w.balance) {
		return errors.Wrapf(exception.ErrInvalidArgument, "wallet holds %s, need %s", w.balance, amount)
	}
	w.balance = w.balance.Sub(amount)
	return nil
}

func (w *Wallet) credit(amount decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance = w.balance.Add(amount)
}
