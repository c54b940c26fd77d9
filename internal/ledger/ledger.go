// Package ledger abstracts the fungible-balance service the engine settles
// against. The engine keeps its own bookkeeping; the ledger owns the actual
// balances, and every call is atomic on its own.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "vaultd/internal/errors"
)

// Error codes of the ledger boundary.
const (
	CodeUnderfunded     xerrors.Code = "LEDGER_UNDERFUNDED"
	CodeAccountUnknown  xerrors.Code = "LEDGER_ACCOUNT_UNKNOWN"
	CodeBalanceOverflow xerrors.Code = "LEDGER_BALANCE_OVERFLOW"
)

var (
	// ErrUnderfunded means a debit exceeds the account balance.
	ErrUnderfunded = xerrors.New(CodeUnderfunded, "ledger account underfunded")
	// ErrAccountUnknown means the account was never provisioned.
	ErrAccountUnknown = xerrors.New(CodeAccountUnknown, "ledger account unknown")
	// ErrBalanceOverflow means a credit would wrap the balance counter.
	ErrBalanceOverflow = xerrors.New(CodeBalanceOverflow, "ledger balance overflow", xerrors.WithSeverity(xerrors.SeverityCritical), xerrors.WithAlert(true))
)

func init() {
	xerrors.Register(CodeUnderfunded, xerrors.Attributes{
		Message:  "ledger account underfunded",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAccountUnknown, xerrors.Attributes{
		Message:  "ledger account unknown",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBalanceOverflow, xerrors.Attributes{
		Message:  "ledger balance overflow",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Ledger is the balance service boundary. Implementations must make each
// call atomic: a failed Transfer leaves both accounts untouched.
type Ledger interface {
	// Provision ensures an account entry exists with a zero balance.
	// Provisioning an existing account is a no-op.
	Provision(ctx context.Context, account common.Address) error
	BalanceOf(ctx context.Context, account common.Address) (uint64, error)
	Credit(ctx context.Context, account common.Address, amount uint64) error
	Debit(ctx context.Context, account common.Address, amount uint64) error
	// Transfer moves amount from one account to another, atomically.
	Transfer(ctx context.Context, from, to common.Address, amount uint64) error
}
