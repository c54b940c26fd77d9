package instruction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultd/internal/vault"
)

var testSigner = common.HexToAddress("0x9000000000000000000000000000000000000009")

func pendingInstruction(id string) *Instruction {
	return &Instruction{
		ID:         id,
		Kind:       vault.KindDeposit,
		Signer:     testSigner,
		Payload:    []byte{byte(vault.KindDeposit)},
		Status:     StatusPending,
		MaxRetries: 3,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.Create(ctx, pendingInstruction("in-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, pendingInstruction("in-1")); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate err = %v, want ErrConflict", err)
	}

	got, err := store.Get(ctx, "in-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending || got.Kind != vault.KindDeposit {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Returned records are clones.
	got.Status = StatusApplied
	fresh, _ := store.Get(ctx, "in-1")
	if fresh.Status != StatusPending {
		t.Fatal("stored record mutated through a returned clone")
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := store.Create(ctx, pendingInstruction("in-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	in, err := store.Claim(ctx, "in-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if in.Status != StatusApplying || in.Attempts != 1 {
		t.Fatalf("status = %s, attempts = %d, want applying/1", in.Status, in.Attempts)
	}

	// A second claim while applying conflicts.
	if _, err := store.Claim(ctx, "in-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("concurrent claim err = %v, want ErrConflict", err)
	}

	if err := store.MarkApplied(ctx, "in-1", vault.Receipt{Kind: vault.KindDeposit, Signer: testSigner, AppliedAt: time.Now()}); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	if _, err := store.Claim(ctx, "in-1"); !errors.Is(err, ErrCompleted) {
		t.Fatalf("claim applied err = %v, want ErrCompleted", err)
	}
	got, _ := store.Get(ctx, "in-1")
	if got.Receipt == nil || got.Receipt.Kind != vault.KindDeposit {
		t.Fatalf("receipt missing: %+v", got)
	}
}

func TestMemoryStoreRetryBudget(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, pendingInstruction("in-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.Claim(ctx, "in-1"); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := store.MarkFailed(ctx, "in-1", CodeProcessing, "boom", false); err != nil {
			t.Fatalf("MarkFailed %d: %v", i, err)
		}
	}
	if _, err := store.Claim(ctx, "in-1"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("claim after budget err = %v, want ErrExhausted", err)
	}
}

func TestMemoryStoreMarkRejectedIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, pendingInstruction("in-1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Claim(ctx, "in-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkRejected(ctx, "in-1", vault.CodeVaultFrozen, "vault is frozen"); err != nil {
		t.Fatalf("MarkRejected: %v", err)
	}
	got, _ := store.Get(ctx, "in-1")
	if got.Status != StatusRejected || got.ErrorCode != string(vault.CodeVaultFrozen) {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := store.Claim(ctx, "in-1"); !errors.Is(err, ErrCompleted) {
		t.Fatalf("claim rejected err = %v, want ErrCompleted", err)
	}
}

func TestMemoryStoreListAndStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	other := common.HexToAddress("0x7000000000000000000000000000000000000007")
	for _, in := range []*Instruction{
		{ID: "a", Kind: vault.KindDeposit, Signer: testSigner, Status: StatusPending, MaxRetries: 3},
		{ID: "b", Kind: vault.KindWithdraw, Signer: testSigner, Status: StatusPending, MaxRetries: 3},
		{ID: "c", Kind: vault.KindDeposit, Signer: other, Status: StatusPending, MaxRetries: 3},
	} {
		if err := store.Create(ctx, in); err != nil {
			t.Fatalf("Create %s: %v", in.ID, err)
		}
	}
	if _, err := store.Claim(ctx, "b"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkApplied(ctx, "b", vault.Receipt{Kind: vault.KindWithdraw}); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}

	bySigner, err := store.List(ctx, ListOptions{Signer: &testSigner})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(bySigner) != 2 {
		t.Fatalf("listed %d, want 2", len(bySigner))
	}

	byStatus, err := store.List(ctx, ListOptions{Statuses: []Status{StatusApplied}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "b" {
		t.Fatalf("unexpected applied listing: %+v", byStatus)
	}

	byKind, err := store.List(ctx, ListOptions{Kinds: []vault.Kind{vault.KindDeposit}})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byKind) != 2 {
		t.Fatalf("listed %d deposits, want 2", len(byKind))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Applied != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
