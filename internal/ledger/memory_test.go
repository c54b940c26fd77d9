package ledger

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

func TestMemoryLedgerBasics(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if _, err := l.BalanceOf(ctx, alice); !errors.Is(err, ErrAccountUnknown) {
		t.Fatalf("err = %v, want ErrAccountUnknown", err)
	}
	if err := l.Provision(ctx, alice); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if balance, err := l.BalanceOf(ctx, alice); err != nil || balance != 0 {
		t.Fatalf("balance = %d, err = %v, want 0/nil", balance, err)
	}

	if err := l.Credit(ctx, alice, 500); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := l.Debit(ctx, alice, 200); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if err := l.Debit(ctx, alice, 1_000); !errors.Is(err, ErrUnderfunded) {
		t.Fatalf("overdraft err = %v, want ErrUnderfunded", err)
	}
	if err := l.Debit(ctx, bob, 1); !errors.Is(err, ErrAccountUnknown) {
		t.Fatalf("unknown debit err = %v, want ErrAccountUnknown", err)
	}

	balance, err := l.BalanceOf(ctx, alice)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if balance != 300 {
		t.Fatalf("balance = %d, want 300", balance)
	}
}

func TestMemoryLedgerCreditOverflow(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Credit(ctx, alice, math.MaxUint64); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := l.Credit(ctx, alice, 1); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("err = %v, want ErrBalanceOverflow", err)
	}
}

func TestMemoryLedgerTransfer(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Credit(ctx, alice, 400); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := l.Transfer(ctx, alice, bob, 150); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	a, _ := l.BalanceOf(ctx, alice)
	b, _ := l.BalanceOf(ctx, bob)
	if a != 250 || b != 150 {
		t.Fatalf("balances = %d/%d, want 250/150", a, b)
	}

	if err := l.Transfer(ctx, alice, bob, 1_000); !errors.Is(err, ErrUnderfunded) {
		t.Fatalf("err = %v, want ErrUnderfunded", err)
	}
	a, _ = l.BalanceOf(ctx, alice)
	b, _ = l.BalanceOf(ctx, bob)
	if a != 250 || b != 150 {
		t.Fatalf("failed transfer moved funds: %d/%d", a, b)
	}
}

func TestMemoryLedgerTransferUndoOnCreditOverflow(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.Credit(ctx, alice, 100); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := l.Credit(ctx, bob, math.MaxUint64); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	if err := l.Transfer(ctx, alice, bob, 50); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("err = %v, want ErrBalanceOverflow", err)
	}
	a, _ := l.BalanceOf(ctx, alice)
	if a != 100 {
		t.Fatalf("debit not undone, balance = %d, want 100", a)
	}
}
