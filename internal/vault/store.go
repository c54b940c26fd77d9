package vault

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists the engine's records. Implementations must be safe for
// concurrent use and must never physically delete a record: revoked
// delegates and renounced vaults stay readable for audit.
type Store interface {
	GetConfig(ctx context.Context, version uint8) (*GlobalConfig, error)
	// PutConfig creates the singleton config. Fails with
	// ErrAlreadyInitialized if a config of the same version exists.
	PutConfig(ctx context.Context, cfg *GlobalConfig) error

	GetVault(ctx context.Context, owner common.Address) (*Vault, error)
	// CreateVault fails with ErrVaultExists if the owner already has one.
	CreateVault(ctx context.Context, v *Vault) error
	// UpdateVault fails with ErrVaultNotFound if the record is absent.
	UpdateVault(ctx context.Context, v *Vault) error

	GetDelegate(ctx context.Context, owner, delegate common.Address) (*Delegate, error)
	// PutDelegate creates or fully replaces the record keyed
	// (owner, delegate address).
	PutDelegate(ctx context.Context, d *Delegate) error
	ListDelegates(ctx context.Context, owner common.Address) ([]*Delegate, error)

	Close() error
}
