package instruction

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "vaultd/internal/errors"
	"vaultd/internal/observability/alerting"
	"vaultd/internal/vault"
	"vaultd/pkg/logger"
)

// Applier is the engine capability the processor needs.
type Applier interface {
	Apply(ctx context.Context, signer common.Address, op vault.Operation) (*vault.Receipt, error)
}

// Processor drains the queue and feeds instructions to the engine. Engine
// rejections are terminal; only infrastructure failures are retried.
type Processor struct {
	applier     Applier
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the debug logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount sets the number of consuming workers.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher sets the alert sink.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor wires the processing loop.
func NewProcessor(applier Applier, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		applier:     applier,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start runs the consuming loop until the context ends.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "instruction consumer not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.store == nil || p.applier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialized")
	}
	in, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrCompleted) || stdErrors.Is(err, ErrExhausted) {
			p.logDebug("skipping instruction", slog.String("instruction_id", id), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("claim instruction failed", slog.Any("error", err), slog.String("instruction_id", id))
		p.emitAlert(ctx, &Instruction{ID: id}, CodeProcessing, err, "claim")
		return err
	}

	op, err := vault.DecodeOperation(in.Payload)
	if err != nil {
		// A payload that fails to decode can never apply; reject outright.
		return p.reject(ctx, in, err)
	}

	receipt, applyErr := p.applier.Apply(ctx, in.Signer, op)
	if applyErr != nil {
		return p.handleApplyFailure(ctx, in, applyErr)
	}

	if receipt == nil {
		receipt = &vault.Receipt{Kind: in.Kind, Signer: in.Signer, AppliedAt: time.Now()}
	}
	if err := p.store.MarkApplied(ctx, in.ID, *receipt); err != nil {
		logger.L().Error("mark instruction applied failed", slog.Any("error", err), slog.String("instruction_id", in.ID))
		if storeErr := p.store.MarkFailed(ctx, in.ID, CodeProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("write failed status after apply", slog.Any("error", storeErr), slog.String("instruction_id", in.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, in.ID); pubErr != nil {
			return xerrors.Wrap(CodePublish, pubErr, fmt.Sprintf("requeue instruction %s after bookkeeping failure", in.ID))
		}
		logger.Audit().Warn("instruction requeued after bookkeeping failure",
			slog.String("instruction_id", in.ID),
			slog.String("kind", in.Kind.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Audit().Info("instruction applied",
		slog.String("instruction_id", in.ID),
		slog.String("kind", in.Kind.String()),
		slog.String("signer", in.Signer.Hex()),
		slog.String("owner", receipt.Owner.Hex()),
	)
	return nil
}

// reject records a terminal engine rejection.
func (p *Processor) reject(ctx context.Context, in *Instruction, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeProcessing
	}
	if err := p.store.MarkRejected(ctx, in.ID, code, cause.Error()); err != nil {
		logger.L().Error("mark instruction rejected failed", slog.Any("error", err), slog.String("instruction_id", in.ID))
		return err
	}
	logger.Audit().Warn("instruction rejected",
		slog.String("instruction_id", in.ID),
		slog.String("kind", in.Kind.String()),
		slog.String("signer", in.Signer.Hex()),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
	)
	if xerrors.ShouldAlert(cause) {
		p.emitAlert(ctx, in, code, cause, "rejected")
	}
	return nil
}

func (p *Processor) handleApplyFailure(ctx context.Context, in *Instruction, applyErr error) error {
	// Engine rejections are non-retryable: replaying the same instruction
	// against the same state yields the same answer. Anything retryable is
	// an infrastructure fault.
	if !xerrors.RetryableError(applyErr) {
		return p.reject(ctx, in, applyErr)
	}

	code := xerrors.CodeOf(applyErr)
	if code == xerrors.CodeUnknown {
		code = CodeProcessing
	}
	terminal := in.Attempts >= in.MaxRetries

	if storeErr := p.store.MarkFailed(ctx, in.ID, code, applyErr.Error(), terminal); storeErr != nil {
		logger.L().Error("mark instruction failed errored", slog.Any("error", storeErr), slog.String("instruction_id", in.ID))
		return storeErr
	}
	logger.Audit().Warn("instruction processing failed",
		slog.String("instruction_id", in.ID),
		slog.String("kind", in.Kind.String()),
		slog.Bool("terminal", terminal),
		slog.String("error", applyErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", in.Attempts),
		slog.Int("max_retries", in.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	p.emitAlert(ctx, in, code, applyErr, stage)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, in.ID); pubErr != nil {
			return xerrors.Wrap(CodePublish, pubErr, fmt.Sprintf("requeue instruction %s", in.ID))
		}
		p.logDebug("instruction requeued", slog.String("instruction_id", in.ID), slog.Int("attempts", in.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, in *Instruction, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || in == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:          code,
		Message:       message,
		Severity:      attrs.Severity,
		InstructionID: in.ID,
		Kind:          in.Kind.String(),
		Attempts:      in.Attempts,
		MaxRetries:    in.MaxRetries,
		Metadata:      metadata,
		OccurredAt:    time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("alert notification failed",
			slog.Any("error", err),
			slog.String("instruction_id", in.ID),
			slog.String("stage", stage),
		)
	}
}
