// Package vault implements the custody and delegated-authorization engine:
// the per-owner vault records, the delegate capability records, and the
// twelve instructions that mutate them.
package vault

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/internal/chain"
	xerrors "vaultd/internal/errors"
	"vaultd/internal/keys"
	"vaultd/internal/ledger"
	"vaultd/pkg/logger"
)

// allPermBits is the set of defined capability bits. Anything outside it
// in an upsert request is rejected.
const allPermBits = PermTrade | PermWithdraw | PermCloseOnly | PermViewOnly

// Engine applies instructions against the store and the balance ledger.
// It is a sequential ledger: one instruction mutates state at a time, and
// every instruction either fully applies or leaves no trace.
type Engine struct {
	mu      sync.Mutex
	store   Store
	funds   ledger.Ledger
	heights chain.HeightSource
	log     *slog.Logger
	now     func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger overrides the engine logger.
func WithLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine wires an engine over its three dependencies.
func NewEngine(store Store, funds ledger.Ledger, heights chain.HeightSource, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		funds:   funds,
		heights: heights,
		log:     logger.L(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Receipt summarizes one applied instruction.
type Receipt struct {
	Kind      Kind           `json:"kind"`
	Signer    common.Address `json:"signer"`
	Owner     common.Address `json:"owner"`
	AppliedAt time.Time      `json:"applied_at"`
}

// Apply dispatches one decoded operation on behalf of signer. The signer
// identity comes from the submission envelope and is trusted here; the
// transport layer is responsible for having authenticated it.
func (e *Engine) Apply(ctx context.Context, signer common.Address, op Operation) (*Receipt, error) {
	owner := op.Owner
	var err error

	switch op.Kind {
	case KindInitializeConfig:
		_, err = e.InitializeConfig(ctx, signer, op.Asset)
	case KindCreateVault:
		owner = signer
		_, err = e.CreateVault(ctx, signer)
	case KindDeposit:
		_, err = e.Deposit(ctx, op.Owner, signer, op.Amount)
	case KindWithdraw:
		_, err = e.Withdraw(ctx, op.Owner, signer, op.Amount)
	case KindUpsertDelegate:
		_, err = e.UpsertDelegate(ctx, op.Owner, signer, op.Delegate, op.Permissions, op.MaxNotional, op.ExpiryHeight)
	case KindRevokeDelegate:
		_, err = e.RevokeDelegate(ctx, op.Owner, signer, op.Delegate)
	case KindLockMargin:
		_, err = e.LockMargin(ctx, op.Owner, signer, op.Amount)
	case KindUnlockMargin:
		_, err = e.UnlockMargin(ctx, op.Owner, signer, op.UnlockAmount, op.PnlDelta)
	case KindTransferAdmin:
		_, err = e.TransferAdmin(ctx, op.Owner, signer, op.NewAdmin)
	case KindRenounceAdmin:
		_, err = e.RenounceAdmin(ctx, op.Owner, signer)
	case KindFreezeVault:
		_, err = e.FreezeVault(ctx, op.Owner, signer)
	case KindUnfreezeVault:
		_, err = e.UnfreezeVault(ctx, op.Owner, signer)
	default:
		err = xerrors.New(xerrors.CodeCodecFailure, "unknown operation kind")
	}
	if err != nil {
		return nil, err
	}

	return &Receipt{
		Kind:      op.Kind,
		Signer:    signer,
		Owner:     owner,
		AppliedAt: e.now(),
	}, nil
}

// InitializeConfig creates the engine-wide singleton. It runs exactly once
// per protocol version.
func (e *Engine) InitializeConfig(ctx context.Context, admin, settlementAsset common.Address) (*GlobalConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if admin == NoAdmin {
		return nil, ErrInvalidAdmin
	}
	if settlementAsset == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "settlement asset is required")
	}

	cfg := &GlobalConfig{
		Version:         ConfigVersion,
		Admin:           admin,
		SettlementAsset: settlementAsset,
		CreatedAt:       e.now().Unix(),
	}
	if err := e.store.PutConfig(ctx, cfg); err != nil {
		return nil, err
	}

	e.log.Info("global config initialized",
		"admin", admin.Hex(),
		"settlement_asset", settlementAsset.Hex(),
		"version", cfg.Version,
	)
	return cfg, nil
}

// CreateVault opens the custody account for owner. The owner starts as its
// own admin; administrative control moves only through TransferAdmin.
func (e *Engine) CreateVault(ctx context.Context, owner common.Address) (*Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if owner == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "vault owner is required")
	}
	if _, err := e.store.GetConfig(ctx, ConfigVersion); err != nil {
		return nil, err
	}

	now := e.now().Unix()
	v := &Vault{
		Owner:     owner,
		Admin:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateVault(ctx, v); err != nil {
		return nil, err
	}
	if err := e.funds.Provision(ctx, keys.VaultFundsAddress(owner)); err != nil {
		return nil, err
	}

	e.log.Info("vault created", "owner", owner.Hex())
	return v, nil
}

// Deposit moves amount from the depositor's ledger account into the vault's
// custody account. Anyone may fund any vault; only spending is gated.
func (e *Engine) Deposit(ctx context.Context, owner, depositor common.Address, amount uint64) (*Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == 0 || amount > MaxDepositAmount {
		return nil, ErrInvalidAmount
	}
	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if v.Frozen {
		return nil, ErrVaultFrozen
	}
	if v.Balance+amount < v.Balance || v.TotalDeposited+amount < v.TotalDeposited {
		return nil, ErrOverflow
	}

	if err := e.funds.Transfer(ctx, depositor, keys.VaultFundsAddress(owner), amount); err != nil {
		if errors.Is(err, ledger.ErrUnderfunded) || errors.Is(err, ledger.ErrAccountUnknown) {
			return nil, ErrUnderfunded
		}
		return nil, err
	}

	v.Balance += amount
	v.TotalDeposited += amount
	v.UpdatedAt = e.now().Unix()
	if err := e.store.UpdateVault(ctx, v); err != nil {
		return nil, e.unwind(ctx, err, func() error {
			return e.funds.Transfer(ctx, keys.VaultFundsAddress(owner), depositor, amount)
		})
	}

	logger.Audit().Info("deposit applied",
		"owner", owner.Hex(),
		"depositor", depositor.Hex(),
		"amount", amount,
		"balance", v.Balance,
	)
	return v, nil
}

// Withdraw releases amount from the vault to the requester. The admin may
// always withdraw; anyone else goes through the delegate gate and consumes
// notional headroom.
func (e *Engine) Withdraw(ctx context.Context, owner, requester common.Address, amount uint64) (*Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if v.Frozen {
		return nil, ErrVaultFrozen
	}
	d, err := e.authorize(ctx, v, requester, PermWithdraw, amount)
	if err != nil {
		return nil, err
	}
	if amount > v.Available() {
		return nil, ErrInsufficientAvailable
	}
	if v.TotalWithdrawn+amount < v.TotalWithdrawn {
		return nil, ErrOverflow
	}

	if err := e.funds.Transfer(ctx, keys.VaultFundsAddress(owner), requester, amount); err != nil {
		return nil, err
	}

	v.Balance -= amount
	v.TotalWithdrawn += amount
	v.UpdatedAt = e.now().Unix()
	if err := e.store.UpdateVault(ctx, v); err != nil {
		return nil, e.unwind(ctx, err, func() error {
			return e.funds.Transfer(ctx, requester, keys.VaultFundsAddress(owner), amount)
		})
	}
	if err := e.consume(ctx, d, amount); err != nil {
		// The vault record already committed; a replay would pay out twice.
		return nil, xerrors.Wrap(CodeStateDivergence, err, "notional charge failed after withdraw committed")
	}

	logger.Audit().Info("withdraw applied",
		"owner", owner.Hex(),
		"requester", requester.Hex(),
		"amount", amount,
		"balance", v.Balance,
		"delegated", d != nil,
	)
	return v, nil
}

// UpsertDelegate grants or fully replaces the capability bound to
// (owner, delegate). A replacement resets consumed notional to zero and
// clears any earlier revocation; the admin is re-stating the grant.
func (e *Engine) UpsertDelegate(ctx context.Context, owner, caller, delegate common.Address, perms Permissions, maxNotional, expiryHeight uint64) (*Delegate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if v.Frozen {
		return nil, ErrVaultFrozen
	}
	if v.AdminRenounced() || caller != v.Admin {
		return nil, ErrNotAdmin
	}
	if delegate == (common.Address{}) || delegate == owner {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "invalid delegate address")
	}
	if perms == 0 || perms&^allPermBits != 0 {
		return nil, ErrInvalidPermissions
	}
	if maxNotional == 0 || maxNotional > MaxNotionalCeiling {
		return nil, ErrInvalidMaxNotional
	}
	height, err := e.heights.Height(ctx)
	if err != nil {
		return nil, err
	}
	if expiryHeight <= height || expiryHeight > height+MaxExpiryHorizon {
		return nil, ErrInvalidExpiry
	}

	now := e.now().Unix()
	d := &Delegate{
		Owner:        owner,
		Address:      delegate,
		Permissions:  perms,
		MaxNotional:  maxNotional,
		ExpiryHeight: expiryHeight,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if prev, err := e.store.GetDelegate(ctx, owner, delegate); err == nil {
		d.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, ErrDelegateNotFound) {
		return nil, err
	}
	if err := e.store.PutDelegate(ctx, d); err != nil {
		return nil, err
	}

	logger.Audit().Info("delegate upserted",
		"owner", owner.Hex(),
		"delegate", delegate.Hex(),
		"permissions", uint64(perms),
		"max_notional", maxNotional,
		"expiry_height", expiryHeight,
	)
	return d, nil
}

// RevokeDelegate marks the capability inert. The record stays readable for
// audit. Revocation works on frozen vaults: it only removes authority.
func (e *Engine) RevokeDelegate(ctx context.Context, owner, caller, delegate common.Address) (*Delegate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if v.AdminRenounced() || caller != v.Admin {
		return nil, ErrNotAdmin
	}
	d, err := e.store.GetDelegate(ctx, owner, delegate)
	if err != nil {
		return nil, err
	}
	if d.Revoked {
		// Revocation is monotone and terminal; re-revoking is a no-op
		// success.
		return d, nil
	}

	d.Revoked = true
	d.UpdatedAt = e.now().Unix()
	if err := e.store.PutDelegate(ctx, d); err != nil {
		return nil, err
	}

	logger.Audit().Info("delegate revoked", "owner", owner.Hex(), "delegate", delegate.Hex())
	return d, nil
}

// LockMargin reserves amount of the vault balance as margin. Locked margin
// cannot be withdrawn until released by UnlockMargin.
func (e *Engine) LockMargin(ctx context.Context, owner, caller common.Address, amount uint64) (*Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if v.Frozen {
		return nil, ErrVaultFrozen
	}
	d, err := e.authorize(ctx, v, caller, PermTrade, amount)
	if err != nil {
		return nil, err
	}
	if v.LockedMargin+amount < v.LockedMargin {
		return nil, ErrOverflow
	}
	if v.LockedMargin+amount > v.Balance {
		return nil, ErrInsufficientBalance
	}

	v.LockedMargin += amount
	v.UpdatedAt = e.now().Unix()
	if err := e.store.UpdateVault(ctx, v); err != nil {
		return nil, err
	}
	if err := e.consume(ctx, d, amount); err != nil {
		// The margin lock already committed; a replay would lock twice.
		return nil, xerrors.Wrap(CodeStateDivergence, err, "notional charge failed after margin lock committed")
	}

	logger.Audit().Info("margin locked",
		"owner", owner.Hex(),
		"caller", caller.Hex(),
		"amount", amount,
		"locked_margin", v.LockedMargin,
	)
	return v, nil
}

// UnlockMargin releases locked margin and settles a signed PnL delta
// against the balance in one atomic step. It stays usable on frozen vaults
// so open positions can still be wound down. A settlement that would leave
// the balance negative or below the remaining locked margin is an
// insolvency and is rejected without clamping.
func (e *Engine) UnlockMargin(ctx context.Context, owner, caller common.Address, unlock uint64, pnl int64) (*Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	// Unlocking reduces exposure, so close-only delegates qualify and no
	// notional headroom is charged.
	if _, err := e.authorize(ctx, v, caller, PermTrade|PermCloseOnly, 0); err != nil {
		return nil, err
	}
	if unlock > v.LockedMargin {
		return nil, ErrInvalidUnlock
	}

	newBalance := v.Balance
	if pnl >= 0 {
		gain := uint64(pnl)
		if newBalance+gain < newBalance {
			return nil, ErrOverflow
		}
		newBalance += gain
	} else {
		loss := uint64(-pnl)
		if loss > newBalance {
			return nil, ErrInsolvency
		}
		newBalance -= loss
	}
	newLocked := v.LockedMargin - unlock
	if newBalance < newLocked {
		return nil, ErrInsolvency
	}

	fundsAddr := keys.VaultFundsAddress(owner)
	if pnl > 0 {
		if err := e.funds.Credit(ctx, fundsAddr, uint64(pnl)); err != nil {
			return nil, err
		}
	} else if pnl < 0 {
		if err := e.funds.Debit(ctx, fundsAddr, uint64(-pnl)); err != nil {
			return nil, err
		}
	}

	v.Balance = newBalance
	v.LockedMargin = newLocked
	v.UpdatedAt = e.now().Unix()
	if err := e.store.UpdateVault(ctx, v); err != nil {
		return nil, e.unwind(ctx, err, func() error {
			if pnl > 0 {
				return e.funds.Debit(ctx, fundsAddr, uint64(pnl))
			}
			if pnl < 0 {
				return e.funds.Credit(ctx, fundsAddr, uint64(-pnl))
			}
			return nil
		})
	}

	logger.Audit().Info("margin unlocked",
		"owner", owner.Hex(),
		"caller", caller.Hex(),
		"unlock", unlock,
		"pnl", pnl,
		"balance", v.Balance,
		"locked_margin", v.LockedMargin,
	)
	return v, nil
}

// TransferAdmin hands administrative control of the vault to newAdmin.
func (e *Engine) TransferAdmin(ctx context.Context, owner, caller, newAdmin common.Address) (*Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if v.AdminRenounced() || caller != v.Admin {
		return nil, ErrNotAdmin
	}
	if newAdmin == NoAdmin {
		return nil, ErrInvalidAdmin
	}

	v.Admin = newAdmin
	v.UpdatedAt = e.now().Unix()
	if err := e.store.UpdateVault(ctx, v); err != nil {
		return nil, err
	}

	logger.Audit().Info("admin transferred", "owner", owner.Hex(), "new_admin", newAdmin.Hex())
	return v, nil
}

// RenounceAdmin gives up administrative control for good. Afterwards no
// identity passes the admin check; existing delegates keep working until
// they expire, get exhausted, or were revoked beforehand.
func (e *Engine) RenounceAdmin(ctx context.Context, owner, caller common.Address) (*Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if v.AdminRenounced() || caller != v.Admin {
		return nil, ErrNotAdmin
	}

	v.Admin = NoAdmin
	v.UpdatedAt = e.now().Unix()
	if err := e.store.UpdateVault(ctx, v); err != nil {
		return nil, err
	}

	logger.Audit().Info("admin renounced", "owner", owner.Hex())
	return v, nil
}

// FreezeVault halts deposits, withdrawals, margin locks, and delegate
// grants on the vault. A redundant freeze is surfaced, not absorbed.
func (e *Engine) FreezeVault(ctx context.Context, owner, caller common.Address) (*Vault, error) {
	return e.setFrozen(ctx, owner, caller, true)
}

// UnfreezeVault lifts a freeze.
func (e *Engine) UnfreezeVault(ctx context.Context, owner, caller common.Address) (*Vault, error) {
	return e.setFrozen(ctx, owner, caller, false)
}

func (e *Engine) setFrozen(ctx context.Context, owner, caller common.Address, frozen bool) (*Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.store.GetVault(ctx, owner)
	if err != nil {
		return nil, err
	}
	if v.AdminRenounced() || caller != v.Admin {
		return nil, ErrNotAdmin
	}
	if frozen && v.Frozen {
		return nil, ErrAlreadyFrozen
	}
	if !frozen && !v.Frozen {
		return nil, ErrNotFrozen
	}

	v.Frozen = frozen
	v.UpdatedAt = e.now().Unix()
	if err := e.store.UpdateVault(ctx, v); err != nil {
		return nil, err
	}

	logger.Audit().Info("vault freeze changed", "owner", owner.Hex(), "frozen", frozen)
	return v, nil
}

// Config returns the singleton config.
func (e *Engine) Config(ctx context.Context) (*GlobalConfig, error) {
	return e.store.GetConfig(ctx, ConfigVersion)
}

// Vault returns the custody record of owner.
func (e *Engine) Vault(ctx context.Context, owner common.Address) (*Vault, error) {
	return e.store.GetVault(ctx, owner)
}

// Delegate returns the capability record keyed (owner, delegate).
func (e *Engine) Delegate(ctx context.Context, owner, delegate common.Address) (*Delegate, error) {
	return e.store.GetDelegate(ctx, owner, delegate)
}

// Delegates lists every capability record of owner, revoked ones included.
func (e *Engine) Delegates(ctx context.Context, owner common.Address) ([]*Delegate, error) {
	return e.store.ListDelegates(ctx, owner)
}

// authorize runs the permission gate for a spending instruction. The checks
// run in a fixed order so a caller always sees the most specific rejection:
// admin, then delegate existence, revocation, expiry, capability bit, and
// finally the notional ceiling. A nil delegate return means the admin path
// authorized the call and no notional is consumed.
func (e *Engine) authorize(ctx context.Context, v *Vault, caller common.Address, need Permissions, notional uint64) (*Delegate, error) {
	if !v.AdminRenounced() && caller == v.Admin {
		return nil, nil
	}

	d, err := e.store.GetDelegate(ctx, v.Owner, caller)
	if err != nil {
		if errors.Is(err, ErrDelegateNotFound) {
			if v.AdminRenounced() {
				// With control renounced there is no admin path left; a
				// caller without a capability failed an admin claim, not
				// a delegate lookup.
				return nil, ErrNotAdmin
			}
			return nil, ErrNoSuchDelegate
		}
		return nil, err
	}
	if d.Revoked {
		return nil, ErrDelegateRevoked
	}
	height, err := e.heights.Height(ctx)
	if err != nil {
		return nil, err
	}
	if d.Expired(height) {
		return nil, ErrDelegateExpired
	}
	// The capability check is any-of: holding one of the needed bits is
	// enough. Single-bit gates degenerate to an exact check.
	if d.Permissions&need == 0 {
		return nil, ErrPermissionDenied
	}
	if notional > 0 && !d.CanConsume(notional) {
		return nil, ErrNotionalExceeded
	}
	return d, nil
}

// unwind reverses a committed ledger movement after a record write failed.
// When the reversal succeeds the original error comes back unchanged and a
// replay is safe. When the reversal fails too, ledger and records have
// diverged and the error is marked non-replayable so the pipeline parks the
// instruction for operator attention instead of moving funds again.
func (e *Engine) unwind(ctx context.Context, cause error, reverse func() error) error {
	if err := reverse(); err != nil {
		e.log.Error("ledger reversal failed", "error", err, "cause", cause.Error())
		return xerrors.Wrap(CodeStateDivergence, cause, "record write failed after funds moved")
	}
	return cause
}

// consume charges notional headroom after a delegated spend committed.
func (e *Engine) consume(ctx context.Context, d *Delegate, notional uint64) error {
	if d == nil || notional == 0 {
		return nil
	}
	d.ConsumedNotional += notional
	d.UpdatedAt = e.now().Unix()
	return e.store.PutDelegate(ctx, d)
}
