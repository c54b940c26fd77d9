package keys

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDerivationIsDeterministic(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegate := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if ConfigAddress(1) != ConfigAddress(1) {
		t.Fatal("config address not deterministic")
	}
	if VaultAddress(owner) != VaultAddress(owner) {
		t.Fatal("vault address not deterministic")
	}
	if DelegateAddress(owner, delegate) != DelegateAddress(owner, delegate) {
		t.Fatal("delegate address not deterministic")
	}
}

func TestDerivationSeparatesRecordKinds(t *testing.T) {
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	delegate := common.HexToAddress("0x2222222222222222222222222222222222222222")

	seen := map[common.Address]string{
		ConfigAddress(1):                 "config",
		VaultAddress(owner):              "vault",
		VaultFundsAddress(owner):         "vault funds",
		DelegateAddress(owner, delegate): "delegate",
	}
	if len(seen) != 4 {
		t.Fatalf("derived addresses collide: %v", seen)
	}
	for addr := range seen {
		if addr == (common.Address{}) {
			t.Fatal("derived the zero address")
		}
	}
}

func TestDerivationSeparatesInputs(t *testing.T) {
	a := common.HexToAddress("0x1111111111111111111111111111111111111111")
	b := common.HexToAddress("0x2222222222222222222222222222222222222222")

	if VaultAddress(a) == VaultAddress(b) {
		t.Fatal("different owners share a vault address")
	}
	if VaultFundsAddress(a) == VaultAddress(a) {
		t.Fatal("funds account collides with the vault record")
	}
	if DelegateAddress(a, b) == DelegateAddress(b, a) {
		t.Fatal("delegate derivation is order insensitive")
	}
	if ConfigAddress(1) == ConfigAddress(2) {
		t.Fatal("different versions share a config address")
	}
}
