package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kairos-exec/internal/account"
	"kairos-exec/internal/coordinator"
	"kairos-exec/internal/guard"
	"kairos-exec/internal/planner"
	"kairos-exec/internal/resilience"
	"kairos-exec/internal/scheduler"
)

type coordinatorSource interface {
	Health(ctx context.Context) (coordinator.HealthSnapshot, error)
}

type breakerSource interface {
	Snapshots() []resilience.Snapshot
}

type planSource interface {
	ListProgress(ctx context.Context, statuses ...planner.PlanStatus) ([]scheduler.PlanProgress, error)
}

type balanceSource interface {
	LastSnapshots() []account.Snapshot
}

type blockSource interface {
	ListActive(ctx context.Context) ([]guard.Block, error)
}

// BreakerStatus 是熔断器状态的对外视图。
type BreakerStatus struct {
	ServiceID     string     `json:"service_id"`
	State         string     `json:"state"`
	Failures      int        `json:"failures"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Snapshot 是一次完整的运行状况汇总。
type Snapshot struct {
	Status      string                      `json:"status"`
	Coordinator coordinator.HealthSnapshot  `json:"coordinator"`
	Breakers    []BreakerStatus             `json:"breakers"`
	ActivePlans []scheduler.PlanProgress    `json:"active_plans"`
	Balances    []account.Snapshot          `json:"balances"`
	Blocks      []guard.Block               `json:"blocks"`
	GeneratedAt time.Time                   `json:"generated_at"`
}

// Collector 聚合协调器、熔断器、执行计划与账户余额的状态，
// 供状态接口一次性输出。
type Collector struct {
	coord    coordinatorSource
	breakers breakerSource
	plans    planSource
	balances balanceSource
	blocks   blockSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewCollector 创建状态收集器。
func NewCollector(coord coordinatorSource, breakers breakerSource, plans planSource,
	balances balanceSource, blocks blockSource, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		coord:    coord,
		breakers: breakers,
		plans:    plans,
		balances: balances,
		blocks:   blocks,
		logger:   logger,
		now:      time.Now,
	}
}

// Collect 汇总当前运行状况。任何打开的熔断器或活跃封锁都会把
// 整体状态降为 degraded，局部采集失败不阻断其余部分。
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:      "ok",
		GeneratedAt: c.now(),
	}

	coordSnap, err := c.coord.Health(ctx)
	if err != nil {
		c.logger.Warn("采集协调器状态失败", zap.Error(err))
		snap.Status = "degraded"
	} else {
		snap.Coordinator = coordSnap
	}

	for _, breaker := range c.breakers.Snapshots() {
		status := BreakerStatus{
			ServiceID: breaker.ServiceID,
			State:     breaker.State.String(),
			Failures:  breaker.ConsecutiveFailures,
		}
		if !breaker.CooldownUntil.IsZero() {
			until := breaker.CooldownUntil
			status.CooldownUntil = &until
		}
		if breaker.State != resilience.StateClosed {
			snap.Status = "degraded"
		}
		snap.Breakers = append(snap.Breakers, status)
	}

	plans, err := c.plans.ListProgress(ctx, planner.PlanPending, planner.PlanActive)
	if err != nil {
		c.logger.Warn("采集计划进度失败", zap.Error(err))
		snap.Status = "degraded"
	} else {
		snap.ActivePlans = plans
	}

	snap.Balances = c.balances.LastSnapshots()

	blocks, err := c.blocks.ListActive(ctx)
	if err != nil {
		c.logger.Warn("采集封锁记录失败", zap.Error(err))
		snap.Status = "degraded"
	} else {
		snap.Blocks = blocks
		if len(blocks) > 0 {
			snap.Status = "degraded"
		}
	}

	return snap
}
