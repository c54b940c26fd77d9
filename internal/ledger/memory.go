package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryLedger is the in-process implementation, used by tests and the
// single-node deployment. Accounts credited before being provisioned are
// created implicitly; debits require an existing account.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[common.Address]uint64
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[common.Address]uint64)}
}

// Provision implements Ledger.
func (l *MemoryLedger) Provision(_ context.Context, account common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.balances[account]; !ok {
		l.balances[account] = 0
	}
	return nil
}

// BalanceOf implements Ledger.
func (l *MemoryLedger) BalanceOf(_ context.Context, account common.Address) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	balance, ok := l.balances[account]
	if !ok {
		return 0, ErrAccountUnknown
	}
	return balance, nil
}

// Credit implements Ledger.
func (l *MemoryLedger) Credit(_ context.Context, account common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit(account, amount)
}

// Debit implements Ledger.
func (l *MemoryLedger) Debit(_ context.Context, account common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debit(account, amount)
}

// Transfer implements Ledger. Both movements happen under one lock so a
// failed debit leaves the destination untouched.
func (l *MemoryLedger) Transfer(_ context.Context, from, to common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debit(from, amount); err != nil {
		return err
	}
	if err := l.credit(to, amount); err != nil {
		// Undo the debit so the call stays atomic.
		l.balances[from] += amount
		return err
	}
	return nil
}

func (l *MemoryLedger) credit(account common.Address, amount uint64) error {
	balance := l.balances[account]
	if balance+amount < balance {
		return ErrBalanceOverflow
	}
	l.balances[account] = balance + amount
	return nil
}

func (l *MemoryLedger) debit(account common.Address, amount uint64) error {
	balance, ok := l.balances[account]
	if !ok {
		return ErrAccountUnknown
	}
	if balance < amount {
		return ErrUnderfunded
	}
	l.balances[account] = balance - amount
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
