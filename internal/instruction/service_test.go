package instruction

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/internal/vault"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return errors.New("broker unreachable")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), &recordingProducer{}, 3)
	ctx := context.Background()

	op := vault.Operation{Kind: vault.KindDeposit, Owner: testSigner, Amount: 10}
	if _, err := svc.Submit(ctx, SubmitRequest{Signer: common.Address{}, Op: op}); err == nil {
		t.Fatal("zero signer accepted")
	}
	if _, err := svc.Submit(ctx, SubmitRequest{Signer: testSigner, Op: vault.Operation{Kind: vault.Kind(99)}}); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestServiceSubmitEnqueues(t *testing.T) {
	producer := &recordingProducer{}
	svc := NewService(NewMemoryStore(), producer, 5)
	ctx := context.Background()

	in, err := svc.Submit(ctx, SubmitRequest{
		Signer: testSigner,
		Op:     vault.Operation{Kind: vault.KindDeposit, Owner: testSigner, Amount: 10},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if in.ID == "" {
		t.Fatal("no ID assigned")
	}
	if in.Status != StatusPending || in.MaxRetries != 5 {
		t.Fatalf("unexpected record: %+v", in)
	}
	if len(producer.published) != 1 || producer.published[0] != in.ID {
		t.Fatalf("published = %v, want [%s]", producer.published, in.ID)
	}

	// The payload round-trips back to the submitted operation.
	op, err := vault.DecodeOperation(in.Payload)
	if err != nil {
		t.Fatalf("DecodeOperation: %v", err)
	}
	if op.Kind != vault.KindDeposit || op.Amount != 10 {
		t.Fatalf("decoded op = %+v", op)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	producer := &recordingProducer{}
	svc := NewService(NewMemoryStore(), producer, 3)
	ctx := context.Background()

	req := SubmitRequest{
		ID:     "client-chosen",
		Signer: testSigner,
		Op:     vault.Operation{Kind: vault.KindDeposit, Owner: testSigner, Amount: 10},
	}
	first, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("resubmit returned %s, want %s", second.ID, first.ID)
	}
	if len(producer.published) != 1 {
		t.Fatalf("resubmission enqueued a duplicate: %v", producer.published)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, 3)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{
		ID:     "in-1",
		Signer: testSigner,
		Op:     vault.Operation{Kind: vault.KindDeposit, Owner: testSigner, Amount: 10},
	})
	if err == nil {
		t.Fatal("publish failure not surfaced")
	}

	// The record lands terminally failed so operators can see it.
	got, getErr := store.Get(ctx, "in-1")
	if getErr != nil {
		t.Fatalf("Get: %v", getErr)
	}
	if got.Status != StatusFailed || got.ErrorCode != string(CodePublish) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, claimErr := store.Claim(ctx, "in-1"); !errors.Is(claimErr, ErrExhausted) {
		t.Fatalf("claim err = %v, want ErrExhausted", claimErr)
	}
}

func TestServiceListAndStats(t *testing.T) {
	svc := NewService(NewMemoryStore(), &recordingProducer{}, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Submit(ctx, SubmitRequest{
			Signer: testSigner,
			Op:     vault.Operation{Kind: vault.KindDeposit, Owner: testSigner, Amount: uint64(i + 1)},
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	listed, err := svc.List(ctx, WithStatuses(StatusPending), WithLimit(2))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed %d, want 2", len(listed))
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
