package stripewebhook

import (
	"context"
	"testing"
	"time"
)

func TestLedgerClaimOnce(t *testing.T) {
	ledger, err := NewLedger(newMemoryLedgerStore(), time.Hour)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	ctx := context.Background()

	claimed, err := ledger.Claim(ctx, "pi_1")
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	claimed, err = ledger.Claim(ctx, "pi_1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim succeeded, want rejected")
	}
}

func TestLedgerCommitRoundtrip(t *testing.T) {
	ledger, err := NewLedger(newMemoryLedgerStore(), time.Hour)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, "pi_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Commit(ctx, "pi_1", Entry{OrderID: "draft_1", State: StateACHPending}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entry, err := ledger.GetEntry(ctx, "pi_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry == nil || entry.State != StateACHPending || entry.OrderID != "draft_1" {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.UpdatedAt.IsZero() {
		t.Fatal("commit did not stamp UpdatedAt")
	}
}

func TestLedgerReleaseReopensClaim(t *testing.T) {
	ledger, err := NewLedger(newMemoryLedgerStore(), time.Hour)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, "pi_1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Release(ctx, "pi_1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	claimed, err := ledger.Claim(ctx, "pi_1")
	if err != nil || !claimed {
		t.Fatalf("claim after release = %v, %v", claimed, err)
	}

	entry, err := ledger.GetEntry(ctx, "pi_unknown")
	if err != nil || entry != nil {
		t.Fatalf("unknown entry = %+v, %v", entry, err)
	}
}
