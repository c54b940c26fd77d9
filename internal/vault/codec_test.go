package vault

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestOperationRoundTrip(t *testing.T) {
	owner := common.HexToAddress("0xaaa0000000000000000000000000000000000001")
	other := common.HexToAddress("0xbbb0000000000000000000000000000000000002")

	cases := []Operation{
		{Kind: KindInitializeConfig, Asset: other},
		{Kind: KindCreateVault},
		{Kind: KindDeposit, Owner: owner, Amount: 12_345},
		{Kind: KindWithdraw, Owner: owner, Amount: 1},
		{Kind: KindUpsertDelegate, Owner: owner, Delegate: other, Permissions: PermTrade | PermWithdraw, MaxNotional: 500_000, ExpiryHeight: 9_999},
		{Kind: KindRevokeDelegate, Owner: owner, Delegate: other},
		{Kind: KindLockMargin, Owner: owner, Amount: 777},
		{Kind: KindUnlockMargin, Owner: owner, UnlockAmount: 100, PnlDelta: -42},
		{Kind: KindTransferAdmin, Owner: owner, NewAdmin: other},
		{Kind: KindRenounceAdmin, Owner: owner},
		{Kind: KindFreezeVault, Owner: owner},
		{Kind: KindUnfreezeVault, Owner: owner},
	}

	for _, op := range cases {
		t.Run(op.Kind.String(), func(t *testing.T) {
			encoded, err := op.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if Kind(encoded[0]) != op.Kind {
				t.Fatalf("kind byte = %d, want %d", encoded[0], op.Kind)
			}
			decoded, err := DecodeOperation(encoded)
			if err != nil {
				t.Fatalf("DecodeOperation: %v", err)
			}
			if decoded != op {
				t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", decoded, op)
			}
		})
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	op := Operation{Kind: KindDeposit, Owner: common.HexToAddress("0x1"), Amount: 5}
	encoded, err := op.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	cases := map[string][]byte{
		"empty":          {},
		"truncated":      encoded[:len(encoded)-1],
		"trailing bytes": append(append([]byte{}, encoded...), 0x00),
		"unknown kind":   {0xff, 0x01},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeOperation(payload); err == nil {
				t.Fatal("malformed payload accepted")
			}
		})
	}

	if _, err := DecodeOperation([]byte{byte(KindDeposit), 0x01}); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("err = %v, want ErrBadPayload", err)
	}
}

func TestNegativePnlSurvivesRoundTrip(t *testing.T) {
	op := Operation{Kind: KindUnlockMargin, Owner: common.HexToAddress("0x2"), UnlockAmount: 0, PnlDelta: -1}
	encoded, err := op.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeOperation(encoded)
	if err != nil {
		t.Fatalf("DecodeOperation: %v", err)
	}
	if decoded.PnlDelta != -1 {
		t.Fatalf("pnl = %d, want -1", decoded.PnlDelta)
	}
}

func TestKindNames(t *testing.T) {
	for kind := KindInitializeConfig; kind <= KindUnfreezeVault; kind++ {
		name := kind.String()
		parsed, ok := KindFromString(name)
		if !ok {
			t.Fatalf("KindFromString(%q) not found", name)
		}
		if parsed != kind {
			t.Fatalf("KindFromString(%q) = %d, want %d", name, parsed, kind)
		}
	}
	if _, ok := KindFromString("teleport"); ok {
		t.Fatal("unknown name resolved")
	}
	if Kind(200).IsValid() {
		t.Fatal("invalid kind reported valid")
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	if _, err := (Operation{Kind: Kind(42)}).Encode(); err == nil {
		t.Fatal("unknown kind encoded")
	}
}
