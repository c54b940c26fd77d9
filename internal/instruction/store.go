package instruction

import (
	"context"

	xerrors "vaultd/internal/errors"
	"vaultd/internal/vault"
)

// Store persists instruction state across the pipeline.
type Store interface {
	// Create inserts a new pending record. Fails with ErrConflict when the
	// ID is already taken.
	Create(ctx context.Context, in *Instruction) error
	Get(ctx context.Context, id string) (*Instruction, error)
	// Claim moves a pending or retryable instruction to applying and
	// increments its attempt counter. Terminal records yield ErrCompleted
	// or ErrExhausted; records claimed by another worker yield ErrConflict.
	Claim(ctx context.Context, id string) (*Instruction, error)
	MarkApplied(ctx context.Context, id string, receipt vault.Receipt) error
	// MarkRejected records a terminal engine rejection.
	MarkRejected(ctx context.Context, id string, code xerrors.Code, lastError string) error
	// MarkFailed records an infrastructure failure. Non-terminal failures
	// stay claimable for a retry.
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Instruction, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats aggregates the pipeline state for dashboards and health checks.
type Stats struct {
	Total           int64 `json:"total"`
	Pending         int64 `json:"pending"`
	Applying        int64 `json:"applying"`
	Applied         int64 `json:"applied"`
	Rejected        int64 `json:"rejected"`
	Failed          int64 `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}
