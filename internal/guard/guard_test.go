package guard

import (
	"context"
	"testing"

	"kairos-exec/internal/config"
	"kairos-exec/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestService_BlockAndClear(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Block(ctx, "acct-1", "BTC/KRW", "insufficient balance"); err != nil {
		t.Fatalf("Block returned error: %v", err)
	}

	blocked, reason, err := svc.Blocked(ctx, "acct-1", "BTC/KRW")
	if err != nil {
		t.Fatalf("Blocked returned error: %v", err)
	}
	if !blocked || reason != "insufficient balance" {
		t.Fatalf("expected active block, got blocked=%v reason=%q", blocked, reason)
	}

	// 其他交易对不受影响。
	if blocked, _, _ := svc.Blocked(ctx, "acct-1", "ETH/KRW"); blocked {
		t.Fatalf("unexpected block on different symbol")
	}
	if blocked, _, _ := svc.Blocked(ctx, "acct-2", "BTC/KRW"); blocked {
		t.Fatalf("unexpected block on different account")
	}

	cleared, err := svc.Clear(ctx, "acct-1", "BTC/KRW")
	if err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	if !cleared {
		t.Fatalf("expected block cleared")
	}
	if blocked, _, _ := svc.Blocked(ctx, "acct-1", "BTC/KRW"); blocked {
		t.Fatalf("expected block gone after clearance")
	}

	cleared, err = svc.Clear(ctx, "acct-1", "BTC/KRW")
	if err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	if cleared {
		t.Fatalf("expected nothing left to clear")
	}
}

func TestService_BlockUpdatesActiveReason(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Block(ctx, "acct-1", "BTC/KRW", "first"); err != nil {
		t.Fatalf("Block returned error: %v", err)
	}
	if err := svc.Block(ctx, "acct-1", "BTC/KRW", "second"); err != nil {
		t.Fatalf("Block returned error: %v", err)
	}

	_, reason, err := svc.Blocked(ctx, "acct-1", "BTC/KRW")
	if err != nil {
		t.Fatalf("Blocked returned error: %v", err)
	}
	if reason != "second" {
		t.Fatalf("expected reason updated, got %q", reason)
	}

	active, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive returned error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected a single active block, got %d", len(active))
	}
}

func TestService_ClearAll(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_ = svc.Block(ctx, "acct-1", "BTC/KRW", "insufficient balance")
	_ = svc.Block(ctx, "acct-2", "ETH/KRW", "insufficient balance")

	removed, err := svc.ClearAll(ctx)
	if err != nil {
		t.Fatalf("ClearAll returned error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 blocks cleared, got %d", removed)
	}

	active, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive returned error: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active blocks, got %d", len(active))
	}
}
