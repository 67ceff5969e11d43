package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// PaymentHook runs after an incoming transfer to the account has committed.
// Returning an error makes the whole transfer fail and roll back, the same
// way a rejected payable call reverts the payment.
type PaymentHook func(ctx context.Context, from string, amount decimal.Decimal) error

// Bank models the settlement currency as explicit account balances. The
// marketplace's host environment provides this implicitly; here the currency
// held, moved and paid out has to be tracked for real so the proceeds
// invariant is checkable.
type Bank struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	hooks    map[string]PaymentHook
}

func New() *Bank {
	return &Bank{
		balances: make(map[string]decimal.Decimal),
		hooks:    make(map[string]PaymentHook),
	}
}

// Deposit mints funds into an account, creating it if needed.
func (b *Bank) Deposit(account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account] = b.balances[account].Add(amount)
	return nil
}

// BalanceOf returns the current balance. Unknown accounts read as zero.
func (b *Bank) BalanceOf(account string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[account]
}

// SetPaymentHook registers a hook fired on transfers into the account.
// Passing nil removes the hook.
func (b *Bank) SetPaymentHook(account string, hook PaymentHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hook == nil {
		delete(b.hooks, account)
		return
	}
	b.hooks[account] = hook
}

// Transfer moves funds between accounts. The balances move first and the
// recipient hook runs after the bank's lock is released, so hook code sees
// committed balances; a hook error undoes the movement and fails the
// transfer.
func (b *Bank) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}

	b.mu.Lock()
	if b.balances[from].LessThan(amount) {
		b.mu.Unlock()
		return fmt.Errorf("transfer %s from %s: %w", amount, from, ErrInsufficientFunds)
	}
	b.balances[from] = b.balances[from].Sub(amount)
	b.balances[to] = b.balances[to].Add(amount)
	hook := b.hooks[to]
	b.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, amount); err != nil {
		b.mu.Lock()
		b.balances[to] = b.balances[to].Sub(amount)
		b.balances[from] = b.balances[from].Add(amount)
		b.mu.Unlock()
		return fmt.Errorf("payment rejected by %s: %w", to, err)
	}
	return nil
}

// Refund moves funds without running the recipient's payment hook.
// Compensation paths use it so that undoing a transfer cannot itself be
// vetoed by receiver code.
func (b *Bank) Refund(ctx context.Context, from, to string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balances[from].LessThan(amount) {
		return fmt.Errorf("refund %s from %s: %w", amount, from, ErrInsufficientFunds)
	}
	b.balances[from] = b.balances[from].Sub(amount)
	b.balances[to] = b.balances[to].Add(amount)
	return nil
}

// TotalSupply returns the sum of all balances.
func (b *Bank) TotalSupply() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	for _, bal := range b.balances {
		total = total.Add(bal)
	}
	return total
}
