// Package keys derives the deterministic addresses that key engine records
// and ledger accounts. Derivation is keccak-256 over a seed label and the
// involved identities, so the same inputs always map to the same address
// and distinct record kinds can never collide.
package keys

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Seed labels, one per record kind.
const (
	seedGlobal     = "global"
	seedVault      = "vault"
	seedVaultFunds = "vault-funds"
	seedDelegate   = "delegate"
)

func derive(parts ...[]byte) common.Address {
	hash := crypto.Keccak256(parts...)
	return common.BytesToAddress(hash[12:])
}

// ConfigAddress returns the address keying the global config record of the
// given protocol version.
func ConfigAddress(version uint8) common.Address {
	return derive([]byte(seedGlobal), []byte{version})
}

// VaultAddress returns the address keying the vault record of an owner.
func VaultAddress(owner common.Address) common.Address {
	return derive([]byte(seedVault), owner.Bytes())
}

// VaultFundsAddress returns the ledger account holding a vault's custody
// balance. It is distinct from the vault record address so bookkeeping and
// funds can never be confused.
func VaultFundsAddress(owner common.Address) common.Address {
	return derive([]byte(seedVaultFunds), owner.Bytes())
}

// DelegateAddress returns the address keying the capability record bound
// to (owner, delegate).
func DelegateAddress(owner, delegate common.Address) common.Address {
	return derive([]byte(seedDelegate), owner.Bytes(), delegate.Bytes())
}
