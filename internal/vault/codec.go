package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "vaultd/internal/errors"
)

// Kind identifies one of the twelve engine operations. The numbering is
// part of the wire format and must never be reordered.
type Kind uint8

const (
	KindInitializeConfig Kind = iota
	KindCreateVault
	KindDeposit
	KindWithdraw
	KindUpsertDelegate
	KindRevokeDelegate
	KindLockMargin
	KindUnlockMargin
	KindTransferAdmin
	KindRenounceAdmin
	KindFreezeVault
	KindUnfreezeVault
)

var kindNames = map[Kind]string{
	KindInitializeConfig: "initialize_config",
	KindCreateVault:      "create_vault",
	KindDeposit:          "deposit",
	KindWithdraw:         "withdraw",
	KindUpsertDelegate:   "upsert_delegate",
	KindRevokeDelegate:   "revoke_delegate",
	KindLockMargin:       "lock_margin",
	KindUnlockMargin:     "unlock_margin_update_pnl",
	KindTransferAdmin:    "transfer_admin",
	KindRenounceAdmin:    "renounce_admin",
	KindFreezeVault:      "freeze_vault",
	KindUnfreezeVault:    "unfreeze_vault",
}

// String returns the operation name used in logs and API responses.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// KindFromString resolves an operation name back to its Kind.
func KindFromString(name string) (Kind, bool) {
	for kind, n := range kindNames {
		if n == name {
			return kind, true
		}
	}
	return 0, false
}

// IsValid reports whether the kind is one of the twelve operations.
func (k Kind) IsValid() bool {
	_, ok := kindNames[k]
	return ok
}

// Operation is the decoded form of one instruction payload. Only the
// fields relevant to the Kind are meaningful; the rest stay zero. The
// signer is not part of the payload; it arrives with the submission
// envelope as an authenticated identity.
type Operation struct {
	Kind         Kind           `json:"kind"`
	Owner        common.Address `json:"owner,omitempty"`
	Asset        common.Address `json:"asset,omitempty"`
	Delegate     common.Address `json:"delegate,omitempty"`
	NewAdmin     common.Address `json:"new_admin,omitempty"`
	Amount       uint64         `json:"amount,omitempty"`
	Permissions  Permissions    `json:"permissions,omitempty"`
	MaxNotional  uint64         `json:"max_notional,omitempty"`
	ExpiryHeight uint64         `json:"expiry_height,omitempty"`
	UnlockAmount uint64         `json:"unlock_amount,omitempty"`
	PnlDelta     int64          `json:"pnl_delta,omitempty"`
}

// ErrBadPayload rejects payloads whose layout does not match their kind.
var ErrBadPayload = xerrors.New(xerrors.CodeCodecFailure, "malformed instruction payload")

const (
	addrLen = common.AddressLength
	wordLen = 8
)

// Encode serializes the operation into its compact fixed-layout wire form:
// one kind byte followed by fixed-width little-endian fields.
func (op Operation) Encode() ([]byte, error) {
	buf := make([]byte, 0, 1+3*addrLen+3*wordLen)
	buf = append(buf, byte(op.Kind))

	switch op.Kind {
	case KindInitializeConfig:
		buf = append(buf, op.Asset.Bytes()...)
	case KindCreateVault:
		// Kind byte only; the owner is the signer.
	case KindDeposit, KindWithdraw, KindLockMargin:
		buf = append(buf, op.Owner.Bytes()...)
		buf = appendUint64(buf, op.Amount)
	case KindUpsertDelegate:
		buf = append(buf, op.Owner.Bytes()...)
		buf = append(buf, op.Delegate.Bytes()...)
		buf = appendUint64(buf, uint64(op.Permissions))
		buf = appendUint64(buf, op.MaxNotional)
		buf = appendUint64(buf, op.ExpiryHeight)
	case KindRevokeDelegate:
		buf = append(buf, op.Owner.Bytes()...)
		buf = append(buf, op.Delegate.Bytes()...)
	case KindUnlockMargin:
		buf = append(buf, op.Owner.Bytes()...)
		buf = appendUint64(buf, op.UnlockAmount)
		buf = appendUint64(buf, uint64(op.PnlDelta))
	case KindTransferAdmin:
		buf = append(buf, op.Owner.Bytes()...)
		buf = append(buf, op.NewAdmin.Bytes()...)
	case KindRenounceAdmin, KindFreezeVault, KindUnfreezeVault:
		buf = append(buf, op.Owner.Bytes()...)
	default:
		return nil, xerrors.New(xerrors.CodeCodecFailure, fmt.Sprintf("unknown operation kind %d", op.Kind))
	}
	return buf, nil
}

// DecodeOperation parses a wire payload back into an Operation. Payloads
// with trailing or missing bytes are rejected outright.
func DecodeOperation(payload []byte) (Operation, error) {
	if len(payload) == 0 {
		return Operation{}, ErrBadPayload
	}
	op := Operation{Kind: Kind(payload[0])}
	body := payload[1:]

	switch op.Kind {
	case KindInitializeConfig:
		if len(body) != addrLen {
			return Operation{}, ErrBadPayload
		}
		op.Asset = common.BytesToAddress(body)
	case KindCreateVault:
		if len(body) != 0 {
			return Operation{}, ErrBadPayload
		}
	case KindDeposit, KindWithdraw, KindLockMargin:
		if len(body) != addrLen+wordLen {
			return Operation{}, ErrBadPayload
		}
		op.Owner = common.BytesToAddress(body[:addrLen])
		op.Amount = binary.LittleEndian.Uint64(body[addrLen:])
	case KindUpsertDelegate:
		if len(body) != 2*addrLen+3*wordLen {
			return Operation{}, ErrBadPayload
		}
		op.Owner = common.BytesToAddress(body[:addrLen])
		op.Delegate = common.BytesToAddress(body[addrLen : 2*addrLen])
		rest := body[2*addrLen:]
		op.Permissions = Permissions(binary.LittleEndian.Uint64(rest[:wordLen]))
		op.MaxNotional = binary.LittleEndian.Uint64(rest[wordLen : 2*wordLen])
		op.ExpiryHeight = binary.LittleEndian.Uint64(rest[2*wordLen:])
	case KindRevokeDelegate:
		if len(body) != 2*addrLen {
			return Operation{}, ErrBadPayload
		}
		op.Owner = common.BytesToAddress(body[:addrLen])
		op.Delegate = common.BytesToAddress(body[addrLen:])
	case KindUnlockMargin:
		if len(body) != addrLen+2*wordLen {
			return Operation{}, ErrBadPayload
		}
		op.Owner = common.BytesToAddress(body[:addrLen])
		op.UnlockAmount = binary.LittleEndian.Uint64(body[addrLen : addrLen+wordLen])
		op.PnlDelta = int64(binary.LittleEndian.Uint64(body[addrLen+wordLen:]))
	case KindTransferAdmin:
		if len(body) != 2*addrLen {
			return Operation{}, ErrBadPayload
		}
		op.Owner = common.BytesToAddress(body[:addrLen])
		op.NewAdmin = common.BytesToAddress(body[addrLen:])
	case KindRenounceAdmin, KindFreezeVault, KindUnfreezeVault:
		if len(body) != addrLen {
			return Operation{}, ErrBadPayload
		}
		op.Owner = common.BytesToAddress(body)
	default:
		return Operation{}, xerrors.New(xerrors.CodeCodecFailure, fmt.Sprintf("unknown operation kind %d", payload[0]))
	}
	return op, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var word [wordLen]byte
	binary.LittleEndian.PutUint64(word[:], v)
	return append(buf, word[:]...)
}
