package instruction

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "vaultd/internal/errors"
	"vaultd/internal/vault"
	"vaultd/pkg/logger"
)

// SubmitRequest carries one operation into the pipeline. The optional ID
// makes the submission idempotent: resubmitting an existing ID returns the
// stored record instead of queueing a duplicate.
type SubmitRequest struct {
	ID     string          `json:"id,omitempty"`
	Signer common.Address  `json:"signer"`
	Op     vault.Operation `json:"op"`
}

// Service accepts submissions and answers status queries.
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService wires the submission service.
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit validates, persists, and enqueues one instruction.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Instruction, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "instruction service not initialized")
	}
	if req.Signer == (common.Address{}) {
		return nil, xerrors.New(CodeValidation, "signer is required")
	}
	if !req.Op.Kind.IsValid() {
		return nil, xerrors.New(CodeValidation, "unknown operation kind")
	}
	payload, err := req.Op.Encode()
	if err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "encode operation")
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		in, err := s.store.Get(ctx, id)
		if err == nil {
			return in, nil
		}
		if !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	in := &Instruction{
		ID:         id,
		Kind:       req.Op.Kind,
		Signer:     req.Signer,
		Payload:    payload,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, in); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			existing, getErr := s.store.Get(ctx, id)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("enqueue instruction failed", slog.Any("error", err), slog.String("instruction_id", id))
		wrapped := xerrors.Wrap(CodePublish, err, "publish instruction to queue")
		_ = s.store.MarkFailed(ctx, id, CodePublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("instruction enqueued",
		slog.String("instruction_id", id),
		slog.String("kind", in.Kind.String()),
		slog.String("signer", in.Signer.Hex()),
		slog.Int("max_retries", in.MaxRetries),
	)
	return in, nil
}

// Get returns the stored record of one instruction.
func (s *Service) Get(ctx context.Context, id string) (*Instruction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "instruction store not initialized")
	}
	return s.store.Get(ctx, id)
}

// List returns instructions matching the filters.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Instruction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "instruction store not initialized")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats returns aggregated pipeline counts matching the filters.
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "instruction store not initialized")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close releases the store and the queue producer.
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilSettled polls until the instruction reaches a terminal state.
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Instruction, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		in, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if in.Status.Terminal() {
			return in, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
