package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/config"
	"kairos-exec/internal/coordinator"
	"kairos-exec/internal/gateway"
	"kairos-exec/internal/monitor"
	"kairos-exec/internal/planner"
	"kairos-exec/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Environment: "test", TickInterval: time.Second},
		Exchange: config.ExchangeConfig{
			Name:    "coinone",
			Quote:   "KRW",
			Symbols: []string{"BTC/KRW", "ETH/KRW"},
			Accounts: []config.AccountCredentials{
				{ID: "acct-1"},
				{ID: "acct-2"},
			},
			Simulation: true,
		},
		Planner: config.PlannerConfig{
			ATRVolatileThreshold: 5.0,
			ATRTimeframe:         "1d",
			StableSlices:         4,
			StableInterval:       30 * time.Minute,
			VolatileSlices:       8,
			VolatileInterval:     10 * time.Minute,
			MinOrderAmount:       5000,
			MinTradeAmount:       10000,
			ImmediateThreshold:   50000,
		},
		Scheduler: config.SchedulerConfig{
			FillRecheck:           10 * time.Millisecond,
			FailureAlertThreshold: 3,
		},
		Retry: config.RetryConfig{
			Strategy:    "fixed",
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 2,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Cooldown:         time.Minute,
		},
		Coordinator: config.CoordinatorConfig{
			Workers:         2,
			TaskMaxAttempts: 2,
			Retention:       time.Hour,
			JanitorInterval: time.Hour,
		},
		Account:  config.AccountConfig{SafetyMargin: 0.98},
		Alert:    config.AlertConfig{Timeout: time.Second, MinSeverity: "info"},
		Database: config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1},
		Logging: config.LoggingConfig{
			Level:            "info",
			Encoding:         "json",
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Status: config.StatusConfig{Port: 18787},
	}
}

func newTestOrchestrator(t *testing.T) *orchestrator {
	t.Helper()

	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config should validate: %v", err)
	}

	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	orch, err := newOrchestrator(cfg, zap.NewNop(), st)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewOrchestrator_SimulationModeWiring(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	if _, ok := orch.venue.(*gateway.Simulator); !ok {
		t.Fatalf("simulation config should wire the simulated venue, got %T", orch.venue)
	}

	accounts := orch.venue.Accounts()
	if len(accounts) != 2 || accounts[0] != "acct-1" || accounts[1] != "acct-2" {
		t.Fatalf("unexpected accounts: %v", accounts)
	}

	snap := orch.health.Collect(ctx)
	if snap.Status != "ok" {
		t.Fatalf("fresh engine should report ok, got %q", snap.Status)
	}
	if snap.Coordinator.Workers != 2 {
		t.Fatalf("expected 2 workers in snapshot, got %d", snap.Coordinator.Workers)
	}
}

func TestSubmitRebalance_ComputesVolatilityAndQueuesTask(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	task, err := orch.SubmitRebalance(ctx, "acct-1", "BTC/KRW", planner.SideBuy, decimal.NewFromInt(120000))
	if err != nil {
		t.Fatalf("SubmitRebalance: %v", err)
	}
	if task.Kind != coordinator.KindRebalance || task.ID == "" {
		t.Fatalf("unexpected task: kind=%s id=%q", task.Kind, task.ID)
	}

	// 模拟K线高低点围绕中价对称偏移0.5%，ATR相对值应接近1%。
	if task.Payload.ATRPct < 0.9 || task.Payload.ATRPct > 1.1 {
		t.Fatalf("expected ATR pct near 1.0, got %f", task.Payload.ATRPct)
	}

	live, err := orch.tasks.ListLive(ctx, coordinator.KindRebalance)
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(live) != 1 || live[0].ID != task.ID {
		t.Fatalf("expected the submitted task to be live, got %d tasks", len(live))
	}
}

func TestSubmitRebalance_RejectsBadCommands(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		accountID string
		symbol    string
		side      planner.Side
		total     decimal.Decimal
		wantErr   error
	}{
		{"unknown side", "acct-1", "BTC/KRW", planner.Side("hold"), decimal.NewFromInt(100000), planner.ErrInvalidDelta},
		{"non-positive total", "acct-1", "BTC/KRW", planner.SideBuy, decimal.Zero, planner.ErrInvalidDelta},
		{"unsupported symbol", "acct-1", "DOGE/KRW", planner.SideBuy, decimal.NewFromInt(100000), planner.ErrInvalidDelta},
		{"unknown account", "acct-9", "BTC/KRW", planner.SideBuy, decimal.NewFromInt(100000), gateway.ErrUnknownAccount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := orch.SubmitRebalance(ctx, tc.accountID, tc.symbol, tc.side, tc.total)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	live, err := orch.tasks.ListLive(ctx, coordinator.KindRebalance)
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("rejected commands must not enqueue tasks, found %d", len(live))
	}
}

func TestTick_KeepsSinglePeriodicTaskPerKind(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	if err := orch.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := orch.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	for _, kind := range []coordinator.Kind{coordinator.KindHealthCheck, coordinator.KindJanitor} {
		live, err := orch.tasks.ListLive(ctx, kind)
		if err != nil {
			t.Fatalf("ListLive %s: %v", kind, err)
		}
		if len(live) != 1 {
			t.Fatalf("expected exactly one live %s task, got %d", kind, len(live))
		}
	}
}

func TestResume_RemountsAdvanceTasksForUnfinishedPlans(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	plan, err := orch.builder.Build("acct-1", "BTC/KRW", planner.SideBuy, decimal.NewFromInt(120000), 1.0)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if err := orch.plans.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	if err := orch.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	live, err := orch.tasks.ListLive(ctx, coordinator.KindAdvancePlan)
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(live) != 1 || live[0].Payload.PlanID != plan.ID {
		t.Fatalf("expected one advance task for plan %s, got %d", plan.ID, len(live))
	}

	// 再次恢复不会为同一计划重复挂载推进任务。
	if err := orch.Resume(ctx); err != nil {
		t.Fatalf("second resume: %v", err)
	}
	live, err = orch.tasks.ListLive(ctx, coordinator.KindAdvancePlan)
	if err != nil {
		t.Fatalf("ListLive after second resume: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("expected advance task to stay unique, got %d", len(live))
	}
}

func TestTick_RecordsBreakerOpenOnce(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	breaker := orch.breakers.Get("market")
	for i := 0; i < 3; i++ {
		breaker.RecordFailure()
	}

	if err := orch.Tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := orch.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	events, err := orch.monitor.ListEvents(ctx, monitor.EventBreakerOpen, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("breaker opening should be recorded once, got %d events", len(events))
	}
}

func TestRebalanceFlowFillsFirstSliceEndToEnd(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = orch.tasks.Run(ctx)
		close(done)
	}()

	if _, err := orch.SubmitRebalance(ctx, "acct-1", "BTC/KRW", planner.SideBuy, decimal.NewFromInt(120000)); err != nil {
		t.Fatalf("SubmitRebalance: %v", err)
	}

	// 低波动下 120000 分4片，首片立即到期并经模拟盘成交。
	waitFor(t, 5*time.Second, func() bool {
		progress, err := orch.plans.ListProgress(context.Background(), planner.PlanActive)
		return err == nil && len(progress) == 1 && progress[0].SlicesDone >= 1
	}, "first slice should fill through the simulated venue")

	progress, err := orch.plans.ListProgress(context.Background(), planner.PlanActive)
	if err != nil {
		t.Fatalf("ListProgress: %v", err)
	}
	if progress[0].AccountID != "acct-1" || progress[0].Symbol != "BTC/KRW" || progress[0].SliceCount != 4 {
		t.Fatalf("unexpected plan progress: %+v", progress[0])
	}

	cancel()
	<-done
}
