package vault

import (
	"github.com/ethereum/go-ethereum/common"

	xerrors "vaultd/internal/errors"
)

// Permissions is the capability bitmask granted to a delegate.
type Permissions uint64

// Capability bits. The layout is fixed policy: changing an assignment
// invalidates every stored delegate record.
const (
	PermTrade     Permissions = 1 << 0
	PermWithdraw  Permissions = 1 << 1
	PermCloseOnly Permissions = 1 << 2
	PermViewOnly  Permissions = 1 << 3
)

// Has reports whether all bits of perm are set.
func (p Permissions) Has(perm Permissions) bool {
	return p&perm == perm
}

// ConfigVersion is the protocol version the engine accepts.
const ConfigVersion uint8 = 1

// Operational ceilings, in minor units of the settlement asset (e6).
// They guard against fat-fingered callers, not against malice.
const (
	MaxDepositAmount   uint64 = 1_000_000_000_000_000
	MaxNotionalCeiling uint64 = 1_000_000_000_000_000
	// MaxExpiryHorizon is the furthest ahead a delegate may expire,
	// expressed in height ticks (about one year at 2s per tick).
	MaxExpiryHorizon uint64 = 365 * 24 * 60 * 60 / 2
)

// NoAdmin is the sentinel meaning administrative control was renounced.
var NoAdmin = common.Address{}

// GlobalConfig is the engine-wide singleton record.
type GlobalConfig struct {
	Version         uint8          `json:"version"`
	Admin           common.Address `json:"admin"`
	SettlementAsset common.Address `json:"settlement_asset"`
	CreatedAt       int64          `json:"created_at"`
}

// Vault is the per-owner custody account.
type Vault struct {
	Owner          common.Address `json:"owner"`
	Admin          common.Address `json:"admin"`
	Balance        uint64         `json:"balance"`
	LockedMargin   uint64         `json:"locked_margin"`
	TotalDeposited uint64         `json:"total_deposited"`
	TotalWithdrawn uint64         `json:"total_withdrawn"`
	Frozen         bool           `json:"frozen"`
	CreatedAt      int64          `json:"created_at"`
	UpdatedAt      int64          `json:"updated_at"`
}

// Available returns the balance not reserved as margin.
func (v *Vault) Available() uint64 {
	if v == nil || v.LockedMargin > v.Balance {
		return 0
	}
	return v.Balance - v.LockedMargin
}

// AdminRenounced reports whether control of the vault was given up for good.
func (v *Vault) AdminRenounced() bool {
	return v != nil && v.Admin == NoAdmin
}

// Delegate is a scoped, revocable, expiring capability bound to one
// secondary identity. Records are never deleted; revocation and expiry
// make them inert while preserving the audit trail.
type Delegate struct {
	Owner            common.Address `json:"owner"`
	Address          common.Address `json:"address"`
	Permissions      Permissions    `json:"permissions"`
	MaxNotional      uint64         `json:"max_notional"`
	ConsumedNotional uint64         `json:"consumed_notional"`
	ExpiryHeight     uint64         `json:"expiry_height"`
	Revoked          bool           `json:"revoked"`
	CreatedAt        int64          `json:"created_at"`
	UpdatedAt        int64          `json:"updated_at"`
}

// Expired reports whether the capability has aged out at the given height.
// Expiry is computed at check time, never cached.
func (d *Delegate) Expired(height uint64) bool {
	return d == nil || height >= d.ExpiryHeight
}

// CanConsume reports whether amount fits under the notional ceiling.
func (d *Delegate) CanConsume(amount uint64) bool {
	if d == nil {
		return false
	}
	sum := d.ConsumedNotional + amount
	if sum < d.ConsumedNotional {
		return false
	}
	return sum <= d.MaxNotional
}

// Error codes of the engine. Every rejection carries exactly one of these;
// none is ever downgraded to a generic failure.
const (
	CodeAlreadyInitialized    xerrors.Code = "ALREADY_INITIALIZED"
	CodeConfigNotFound        xerrors.Code = "CONFIG_NOT_FOUND"
	CodeVaultExists           xerrors.Code = "VAULT_ALREADY_EXISTS"
	CodeVaultNotFound         xerrors.Code = "VAULT_NOT_FOUND"
	CodeVaultFrozen           xerrors.Code = "VAULT_FROZEN"
	CodeAlreadyFrozen         xerrors.Code = "VAULT_ALREADY_FROZEN"
	CodeNotFrozen             xerrors.Code = "VAULT_NOT_FROZEN"
	CodeNotAdmin              xerrors.Code = "NOT_ADMIN"
	CodeUnderfunded           xerrors.Code = "UNDERFUNDED"
	CodeInsufficientAvailable xerrors.Code = "INSUFFICIENT_AVAILABLE_BALANCE"
	CodeInsufficientBalance   xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeInvalidUnlock         xerrors.Code = "INVALID_UNLOCK"
	CodeInsolvency            xerrors.Code = "INSOLVENCY"
	CodeDelegateNotFound      xerrors.Code = "DELEGATE_NOT_FOUND"
	CodeNoSuchDelegate        xerrors.Code = "NO_SUCH_DELEGATE"
	CodeDelegateRevoked       xerrors.Code = "DELEGATE_REVOKED"
	CodeDelegateExpired       xerrors.Code = "DELEGATE_EXPIRED"
	CodePermissionDenied      xerrors.Code = "PERMISSION_DENIED"
	CodeNotionalExceeded      xerrors.Code = "NOTIONAL_EXCEEDED"
	CodeInvalidExpiry         xerrors.Code = "INVALID_EXPIRY"
	CodeInvalidAmount         xerrors.Code = "INVALID_AMOUNT"
	CodeInvalidPermissions    xerrors.Code = "INVALID_PERMISSIONS"
	CodeInvalidMaxNotional    xerrors.Code = "INVALID_MAX_NOTIONAL"
	CodeInvalidAdmin          xerrors.Code = "INVALID_ADMIN"
	CodeOverflow              xerrors.Code = "ARITHMETIC_OVERFLOW"
	CodeStateDivergence       xerrors.Code = "STATE_DIVERGENCE"
)

var (
	// ErrAlreadyInitialized guards the one-time config creation.
	ErrAlreadyInitialized = xerrors.New(CodeAlreadyInitialized, "global config already initialized")
	// ErrConfigNotFound means the engine was used before InitializeConfig.
	ErrConfigNotFound = xerrors.New(CodeConfigNotFound, "global config not found")
	// ErrVaultExists guards the one-time vault creation per owner.
	ErrVaultExists = xerrors.New(CodeVaultExists, "vault already exists")
	// ErrVaultNotFound means no vault record exists for the owner.
	ErrVaultNotFound = xerrors.New(CodeVaultNotFound, "vault not found")
	// ErrVaultFrozen rejects balance-moving and delegate-mutating work.
	ErrVaultFrozen = xerrors.New(CodeVaultFrozen, "vault is frozen")
	// ErrAlreadyFrozen surfaces a redundant freeze instead of absorbing it.
	ErrAlreadyFrozen = xerrors.New(CodeAlreadyFrozen, "vault already frozen")
	// ErrNotFrozen surfaces a redundant unfreeze.
	ErrNotFrozen = xerrors.New(CodeNotFrozen, "vault is not frozen")
	// ErrNotAdmin rejects callers without administrative control.
	ErrNotAdmin = xerrors.New(CodeNotAdmin, "caller is not the vault admin")
	// ErrUnderfunded means the depositor's external balance cannot cover the amount.
	ErrUnderfunded = xerrors.New(CodeUnderfunded, "depositor balance insufficient")
	// ErrInsufficientAvailable means the amount exceeds balance minus locked margin.
	ErrInsufficientAvailable = xerrors.New(CodeInsufficientAvailable, "insufficient available balance")
	// ErrInsufficientBalance means the margin lock would exceed the balance.
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance for margin lock")
	// ErrInvalidUnlock means the unlock amount exceeds the locked margin.
	ErrInvalidUnlock = xerrors.New(CodeInvalidUnlock, "unlock amount exceeds locked margin")
	// ErrInsolvency is fatal: a PnL settlement would drive the vault below
	// zero or below its locked margin. Caller-side accounting bug.
	ErrInsolvency = xerrors.New(CodeInsolvency, "pnl settlement would make vault insolvent")
	// ErrDelegateNotFound means no delegate record exists for the key.
	ErrDelegateNotFound = xerrors.New(CodeDelegateNotFound, "delegate not found")
	// ErrNoSuchDelegate rejects a spend by an identity with no capability.
	ErrNoSuchDelegate = xerrors.New(CodeNoSuchDelegate, "no delegate record for signer")
	// ErrDelegateRevoked rejects a spend through a revoked capability.
	ErrDelegateRevoked = xerrors.New(CodeDelegateRevoked, "delegate revoked")
	// ErrDelegateExpired rejects a spend through an aged-out capability.
	ErrDelegateExpired = xerrors.New(CodeDelegateExpired, "delegate expired")
	// ErrPermissionDenied rejects a spend lacking the required capability bit.
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
	// ErrNotionalExceeded rejects a spend over the cumulative ceiling.
	ErrNotionalExceeded = xerrors.New(CodeNotionalExceeded, "notional ceiling exceeded")
	// ErrInvalidExpiry rejects expiry markers not strictly in the future.
	ErrInvalidExpiry = xerrors.New(CodeInvalidExpiry, "invalid expiry height")
	// ErrInvalidAmount rejects zero or out-of-ceiling amounts.
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid amount")
	// ErrInvalidPermissions rejects an empty capability set.
	ErrInvalidPermissions = xerrors.New(CodeInvalidPermissions, "permissions cannot be empty")
	// ErrInvalidMaxNotional rejects a zero or out-of-ceiling notional limit.
	ErrInvalidMaxNotional = xerrors.New(CodeInvalidMaxNotional, "invalid max notional")
	// ErrInvalidAdmin rejects transferring control to the renounce sentinel.
	ErrInvalidAdmin = xerrors.New(CodeInvalidAdmin, "cannot transfer admin to the zero address")
	// ErrOverflow rejects arithmetic that would wrap a balance counter.
	ErrOverflow = xerrors.New(CodeOverflow, "arithmetic overflow", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func init() {
	terminal := func(msg string, sev xerrors.Severity) xerrors.Attributes {
		return xerrors.Attributes{Message: msg, Severity: sev, Retryable: false, Alert: false}
	}
	xerrors.Register(CodeAlreadyInitialized, terminal("global config already initialized", xerrors.SeverityInfo))
	xerrors.Register(CodeConfigNotFound, terminal("global config not found", xerrors.SeverityWarning))
	xerrors.Register(CodeVaultExists, terminal("vault already exists", xerrors.SeverityInfo))
	xerrors.Register(CodeVaultNotFound, terminal("vault not found", xerrors.SeverityInfo))
	xerrors.Register(CodeVaultFrozen, terminal("vault is frozen", xerrors.SeverityInfo))
	xerrors.Register(CodeAlreadyFrozen, terminal("vault already frozen", xerrors.SeverityWarning))
	xerrors.Register(CodeNotFrozen, terminal("vault is not frozen", xerrors.SeverityWarning))
	xerrors.Register(CodeNotAdmin, terminal("caller is not the vault admin", xerrors.SeverityWarning))
	xerrors.Register(CodeUnderfunded, terminal("depositor balance insufficient", xerrors.SeverityInfo))
	xerrors.Register(CodeInsufficientAvailable, terminal("insufficient available balance", xerrors.SeverityInfo))
	xerrors.Register(CodeInsufficientBalance, terminal("insufficient balance for margin lock", xerrors.SeverityInfo))
	xerrors.Register(CodeInvalidUnlock, terminal("unlock amount exceeds locked margin", xerrors.SeverityWarning))
	xerrors.Register(CodeDelegateNotFound, terminal("delegate not found", xerrors.SeverityInfo))
	xerrors.Register(CodeNoSuchDelegate, terminal("no delegate record for signer", xerrors.SeverityWarning))
	xerrors.Register(CodeDelegateRevoked, terminal("delegate revoked", xerrors.SeverityWarning))
	xerrors.Register(CodeDelegateExpired, terminal("delegate expired", xerrors.SeverityInfo))
	xerrors.Register(CodePermissionDenied, terminal("permission denied", xerrors.SeverityWarning))
	xerrors.Register(CodeNotionalExceeded, terminal("notional ceiling exceeded", xerrors.SeverityWarning))
	xerrors.Register(CodeInvalidExpiry, terminal("invalid expiry height", xerrors.SeverityInfo))
	xerrors.Register(CodeInvalidAmount, terminal("invalid amount", xerrors.SeverityInfo))
	xerrors.Register(CodeInvalidPermissions, terminal("permissions cannot be empty", xerrors.SeverityInfo))
	xerrors.Register(CodeInvalidMaxNotional, terminal("invalid max notional", xerrors.SeverityInfo))
	xerrors.Register(CodeInvalidAdmin, terminal("cannot transfer admin to the zero address", xerrors.SeverityWarning))
	xerrors.Register(CodeInsolvency, xerrors.Attributes{
		Message:   "pnl settlement would make vault insolvent",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeOverflow, xerrors.Attributes{
		Message:   "arithmetic overflow",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	// Raised when a record write fails after the ledger already moved and
	// the movement could not be reversed. Never retryable: a replay would
	// move the funds a second time.
	xerrors.Register(CodeStateDivergence, xerrors.Attributes{
		Message:   "engine state diverged mid-instruction",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
