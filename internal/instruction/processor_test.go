package instruction

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/internal/chain"
	xerrors "vaultd/internal/errors"
	"vaultd/internal/vault"
)

type stubApplier struct {
	receipt *vault.Receipt
	err     error
	calls   int
}

func (s *stubApplier) Apply(_ context.Context, signer common.Address, op vault.Operation) (*vault.Receipt, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.receipt != nil {
		return s.receipt, nil
	}
	return &vault.Receipt{Kind: op.Kind, Signer: signer, Owner: op.Owner}, nil
}

type recordingProducer struct {
	published []string
}

func (r *recordingProducer) Publish(_ context.Context, id string) error {
	r.published = append(r.published, id)
	return nil
}

func (r *recordingProducer) Close() error { return nil }

func seedInstruction(t *testing.T, store Store, id string, maxRetries int) *Instruction {
	t.Helper()
	op := vault.Operation{Kind: vault.KindDeposit, Owner: testSigner, Amount: 100}
	payload, err := op.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	in := &Instruction{
		ID:         id,
		Kind:       op.Kind,
		Signer:     testSigner,
		Payload:    payload,
		Status:     StatusPending,
		MaxRetries: maxRetries,
	}
	if err := store.Create(context.Background(), in); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return in
}

func TestProcessorAppliesInstruction(t *testing.T) {
	store := NewMemoryStore()
	applier := &stubApplier{}
	producer := &recordingProducer{}
	p := NewProcessor(applier, store, nil, producer)
	seedInstruction(t, store, "in-1", 3)

	if err := p.handle(context.Background(), "in-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, err := store.Get(context.Background(), "in-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusApplied {
		t.Fatalf("status = %s, want applied", got.Status)
	}
	if got.Receipt == nil || got.Receipt.Kind != vault.KindDeposit || got.Receipt.Owner != testSigner {
		t.Fatalf("receipt = %+v", got.Receipt)
	}
	if applier.calls != 1 {
		t.Fatalf("applier called %d times, want 1", applier.calls)
	}
	if len(producer.published) != 0 {
		t.Fatalf("applied instruction requeued: %v", producer.published)
	}
}

func TestProcessorRejectsEngineErrors(t *testing.T) {
	store := NewMemoryStore()
	applier := &stubApplier{err: vault.ErrVaultFrozen}
	producer := &recordingProducer{}
	p := NewProcessor(applier, store, nil, producer)
	seedInstruction(t, store, "in-1", 3)

	if err := p.handle(context.Background(), "in-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), "in-1")
	if got.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if got.ErrorCode != string(vault.CodeVaultFrozen) {
		t.Fatalf("error code = %s, want %s", got.ErrorCode, vault.CodeVaultFrozen)
	}
	if len(producer.published) != 0 {
		t.Fatalf("rejected instruction requeued: %v", producer.published)
	}

	// Rejections do not come back: the next delivery is a no-op.
	if err := p.handle(context.Background(), "in-1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if applier.calls != 1 {
		t.Fatalf("applier called %d times, want 1", applier.calls)
	}
}

func TestProcessorRetriesInfrastructureFailures(t *testing.T) {
	store := NewMemoryStore()
	applier := &stubApplier{err: xerrors.New(chain.CodeUnavailable, "rpc endpoint down")}
	producer := &recordingProducer{}
	p := NewProcessor(applier, store, nil, producer)
	seedInstruction(t, store, "in-1", 2)

	// First attempt fails retryably and goes back on the queue.
	if err := p.handle(context.Background(), "in-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), "in-1")
	if got.Status != StatusFailed || got.Attempts != 1 {
		t.Fatalf("status = %s, attempts = %d, want failed/1", got.Status, got.Attempts)
	}
	if len(producer.published) != 1 || producer.published[0] != "in-1" {
		t.Fatalf("published = %v, want [in-1]", producer.published)
	}

	// Second attempt burns the budget; no requeue this time.
	if err := p.handle(context.Background(), "in-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ = store.Get(context.Background(), "in-1")
	if got.Status != StatusFailed || got.Attempts != 2 {
		t.Fatalf("status = %s, attempts = %d, want failed/2", got.Status, got.Attempts)
	}
	if got.ErrorCode != string(chain.CodeUnavailable) {
		t.Fatalf("error code = %s, want %s", got.ErrorCode, chain.CodeUnavailable)
	}
	if len(producer.published) != 1 {
		t.Fatalf("exhausted instruction requeued: %v", producer.published)
	}

	// The budget is spent; redelivery skips without touching the engine.
	if err := p.handle(context.Background(), "in-1"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if applier.calls != 2 {
		t.Fatalf("applier called %d times, want 2", applier.calls)
	}
}

func TestProcessorRejectsUndecodablePayload(t *testing.T) {
	store := NewMemoryStore()
	applier := &stubApplier{}
	p := NewProcessor(applier, store, nil, &recordingProducer{})

	in := &Instruction{
		ID:         "in-1",
		Kind:       vault.KindDeposit,
		Signer:     testSigner,
		Payload:    []byte{byte(vault.KindDeposit), 0xde, 0xad},
		Status:     StatusPending,
		MaxRetries: 3,
	}
	if err := store.Create(context.Background(), in); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := p.handle(context.Background(), "in-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), "in-1")
	if got.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}
	if applier.calls != 0 {
		t.Fatal("engine invoked for an undecodable payload")
	}
}

func TestProcessorSkipsUnknownInstruction(t *testing.T) {
	p := NewProcessor(&stubApplier{}, NewMemoryStore(), nil, &recordingProducer{})
	if err := p.handle(context.Background(), "missing"); err != nil {
		t.Fatalf("handle: %v", err)
	}
}
