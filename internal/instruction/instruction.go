// Package instruction manages the submission pipeline in front of the
// engine: durable instruction records, the queue feeding the processor,
// and the status lifecycle clients poll.
package instruction

import (
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "vaultd/internal/errors"
	"vaultd/internal/vault"
)

// Status is the lifecycle state of a submitted instruction.
type Status string

const (
	// StatusPending means the instruction is queued and not yet applied.
	StatusPending Status = "pending"
	// StatusApplying means a worker claimed the instruction.
	StatusApplying Status = "applying"
	// StatusApplied means the engine accepted the instruction.
	StatusApplied Status = "applied"
	// StatusRejected means the engine refused the instruction. Rejections
	// are terminal: replaying the same instruction cannot succeed.
	StatusRejected Status = "rejected"
	// StatusFailed means infrastructure kept the instruction from being
	// applied and retries ran out.
	StatusFailed Status = "failed"
)

// IsValidStatus checks whether status is a supported lifecycle value.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusApplying, StatusApplied, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusFailed
}

// Instruction is one durable submission. The payload is the encoded wire
// form of the operation; the signer comes from the authenticated envelope.
type Instruction struct {
	ID         string          `json:"id"`
	Kind       vault.Kind      `json:"kind"`
	Signer     common.Address  `json:"signer"`
	Payload    []byte          `json:"payload"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Receipt    *vault.Receipt  `json:"receipt,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

const (
	CodeNotFound   xerrors.Code = "INSTRUCTION_NOT_FOUND"
	CodeConflict   xerrors.Code = "INSTRUCTION_CONFLICT"
	CodeCompleted  xerrors.Code = "INSTRUCTION_COMPLETED"
	CodeExhausted  xerrors.Code = "INSTRUCTION_RETRIES_EXHAUSTED"
	CodeValidation xerrors.Code = "INSTRUCTION_VALIDATION_FAILED"
	CodePublish    xerrors.Code = "INSTRUCTION_PUBLISH_FAILED"
	CodeProcessing xerrors.Code = "INSTRUCTION_PROCESSING_FAILED"
)

var (
	// ErrNotFound means no instruction exists under the ID.
	ErrNotFound = xerrors.New(CodeNotFound, "instruction not found")
	// ErrConflict means the instruction cannot move to the requested state.
	ErrConflict = xerrors.New(CodeConflict, "instruction conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrCompleted means the instruction already reached a terminal state.
	ErrCompleted = xerrors.New(CodeCompleted, "instruction already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrExhausted means the retry budget ran out.
	ErrExhausted = xerrors.New(CodeExhausted, "instruction retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:   "instruction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message:   "instruction conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCompleted, xerrors.Attributes{
		Message:   "instruction already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeExhausted, xerrors.Attributes{
		Message:   "instruction retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "instruction validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePublish, xerrors.Attributes{
		Message:   "failed to publish instruction",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeProcessing, xerrors.Attributes{
		Message:   "instruction processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsInstructionError reports whether err carries the given pipeline code.
func IsInstructionError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeNotFound:
		return stdErrors.Is(err, ErrNotFound)
	case CodeConflict:
		return stdErrors.Is(err, ErrConflict)
	case CodeCompleted:
		return stdErrors.Is(err, ErrCompleted)
	case CodeExhausted:
		return stdErrors.Is(err, ErrExhausted)
	default:
		return false
	}
}

func cloneInstruction(in *Instruction) *Instruction {
	if in == nil {
		return nil
	}
	out := *in
	if in.Payload != nil {
		out.Payload = append([]byte(nil), in.Payload...)
	}
	if in.Receipt != nil {
		receipt := *in.Receipt
		out.Receipt = &receipt
	}
	return &out
}
