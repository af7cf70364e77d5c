package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"kairos-exec/internal/account"
	"kairos-exec/internal/coordinator"
	"kairos-exec/internal/guard"
	"kairos-exec/internal/planner"
	"kairos-exec/internal/resilience"
	"kairos-exec/internal/scheduler"
)

type stubCoord struct {
	snap coordinator.HealthSnapshot
	err  error
}

func (s *stubCoord) Health(ctx context.Context) (coordinator.HealthSnapshot, error) {
	return s.snap, s.err
}

type stubBreakers struct {
	snaps []resilience.Snapshot
}

func (s *stubBreakers) Snapshots() []resilience.Snapshot { return s.snaps }

type stubPlans struct {
	progress []scheduler.PlanProgress
	err      error
}

func (s *stubPlans) ListProgress(ctx context.Context, statuses ...planner.PlanStatus) ([]scheduler.PlanProgress, error) {
	return s.progress, s.err
}

type stubBalances struct {
	snaps []account.Snapshot
}

func (s *stubBalances) LastSnapshots() []account.Snapshot { return s.snaps }

type stubBlocks struct {
	blocks []guard.Block
	err    error
}

func (s *stubBlocks) ListActive(ctx context.Context) ([]guard.Block, error) {
	return s.blocks, s.err
}

func newCollector(coord *stubCoord, breakers *stubBreakers, plans *stubPlans,
	balances *stubBalances, blocks *stubBlocks) *Collector {
	return NewCollector(coord, breakers, plans, balances, blocks, zap.NewNop())
}

func TestCollector_HealthySystemReportsOK(t *testing.T) {
	collector := newCollector(
		&stubCoord{snap: coordinator.HealthSnapshot{Workers: 3, QueueDepth: 2}},
		&stubBreakers{snaps: []resilience.Snapshot{{ServiceID: "coinone:public", State: resilience.StateClosed}}},
		&stubPlans{progress: []scheduler.PlanProgress{{ID: "plan-1", Status: "active"}}},
		&stubBalances{snaps: []account.Snapshot{{AccountID: "acct-1"}}},
		&stubBlocks{},
	)

	snap := collector.Collect(context.Background())
	if snap.Status != "ok" {
		t.Fatalf("status = %s, want ok", snap.Status)
	}
	if snap.Coordinator.Workers != 3 {
		t.Fatalf("coordinator workers = %d, want 3", snap.Coordinator.Workers)
	}
	if len(snap.Breakers) != 1 || snap.Breakers[0].State != "closed" {
		t.Fatalf("breakers = %+v", snap.Breakers)
	}
	if len(snap.ActivePlans) != 1 || snap.ActivePlans[0].ID != "plan-1" {
		t.Fatalf("plans = %+v", snap.ActivePlans)
	}
	if snap.GeneratedAt.IsZero() {
		t.Fatal("generated_at should be set")
	}
}

func TestCollector_OpenBreakerDegrades(t *testing.T) {
	cooldown := time.Date(2025, 6, 1, 9, 1, 0, 0, time.UTC)
	collector := newCollector(
		&stubCoord{},
		&stubBreakers{snaps: []resilience.Snapshot{{
			ServiceID:           "coinone:acct-1",
			State:               resilience.StateOpen,
			ConsecutiveFailures: 5,
			CooldownUntil:       cooldown,
		}}},
		&stubPlans{},
		&stubBalances{},
		&stubBlocks{},
	)

	snap := collector.Collect(context.Background())
	if snap.Status != "degraded" {
		t.Fatalf("status = %s, want degraded", snap.Status)
	}
	breaker := snap.Breakers[0]
	if breaker.State != "open" || breaker.Failures != 5 {
		t.Fatalf("breaker = %+v", breaker)
	}
	if breaker.CooldownUntil == nil || !breaker.CooldownUntil.Equal(cooldown) {
		t.Fatalf("cooldown = %v, want %v", breaker.CooldownUntil, cooldown)
	}
}

func TestCollector_ActiveBlockDegrades(t *testing.T) {
	collector := newCollector(
		&stubCoord{},
		&stubBreakers{},
		&stubPlans{},
		&stubBalances{},
		&stubBlocks{blocks: []guard.Block{{AccountID: "acct-1", Symbol: "BTC/KRW", Reason: "余额不足"}}},
	)

	snap := collector.Collect(context.Background())
	if snap.Status != "degraded" {
		t.Fatalf("status = %s, want degraded", snap.Status)
	}
	if len(snap.Blocks) != 1 {
		t.Fatalf("blocks = %+v", snap.Blocks)
	}
}

func TestCollector_PartialFailureStillAssembles(t *testing.T) {
	collector := newCollector(
		&stubCoord{err: errors.New("db closed")},
		&stubBreakers{snaps: []resilience.Snapshot{{ServiceID: "coinone:public", State: resilience.StateClosed}}},
		&stubPlans{err: errors.New("db closed")},
		&stubBalances{snaps: []account.Snapshot{{AccountID: "acct-1"}}},
		&stubBlocks{},
	)

	snap := collector.Collect(context.Background())
	if snap.Status != "degraded" {
		t.Fatalf("status = %s, want degraded", snap.Status)
	}
	if len(snap.Breakers) != 1 {
		t.Fatalf("breakers should still be collected, got %+v", snap.Breakers)
	}
	if len(snap.Balances) != 1 {
		t.Fatalf("balances should still be collected, got %+v", snap.Balances)
	}
}
