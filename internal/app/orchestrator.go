package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"kairos-exec/internal/account"
	"kairos-exec/internal/alert"
	"kairos-exec/internal/config"
	"kairos-exec/internal/coordinator"
	"kairos-exec/internal/gateway"
	"kairos-exec/internal/guard"
	"kairos-exec/internal/health"
	"kairos-exec/internal/indicator"
	"kairos-exec/internal/monitor"
	"kairos-exec/internal/planner"
	"kairos-exec/internal/resilience"
	"kairos-exec/internal/scheduler"
	"kairos-exec/internal/store"
)

// ATR(14) 需要至少15根K线，多取一些抵御交易所截断返回。
const atrCandleLimit = 40

// orchestrator 组装全部组件，承载调仓受理、状态恢复与周期巡检。
type orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	venue      gateway.Exchange
	breakers   *resilience.Registry
	indicators *indicator.Calculator
	builder    *planner.Planner
	plans      *scheduler.Scheduler
	guard      *guard.Service
	accounts   *account.Manager
	monitor    *monitor.Service
	alerts     *alert.Notifier
	tasks      *coordinator.Coordinator
	health     *health.Collector
	metrics    *metrics

	now func() time.Time

	// 上一轮 Tick 观察到的熔断器状态，用于只在跳变时记录事件。
	lastBreakers map[string]resilience.State
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	breakerStore, err := resilience.NewSQLiteStateStore(st.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化熔断器存储失败: %w", err)
	}
	breakers := resilience.NewRegistry(resilience.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, breakerStore, logger)

	policy := resilience.Policy{
		Strategy:    resilience.ParseStrategy(cfg.Retry.Strategy),
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Jitter:      cfg.Retry.Jitter,
	}

	var venue gateway.Exchange
	if cfg.Exchange.Simulation {
		logger.Info("交易所网关处于模拟模式", zap.String("exchange", cfg.Exchange.Name))
		venue = gateway.NewSimulator(cfg.Exchange, logger)
	} else {
		venue, err = gateway.NewService(cfg.Exchange, policy, breakers, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化交易所网关失败: %w", err)
		}
	}

	guardSvc, err := guard.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化封锁服务失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	accounts := account.NewManager(venue, cfg.Exchange.Quote, cfg.Account.SafetyMargin, logger)
	alerts := alert.NewNotifier(cfg.Alert, logger)
	builder := planner.New(planner.SettingsFromConfig(cfg.Planner, cfg.Exchange.Symbols), logger)

	planStore, err := scheduler.NewStore(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化计划存储失败: %w", err)
	}
	sched, err := scheduler.New(planStore, venue, accounts, guardSvc, monitorSvc, alerts,
		scheduler.SettingsFromConfig(cfg.Scheduler, cfg.Breaker), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化切片调度器失败: %w", err)
	}

	taskStore, err := coordinator.NewTaskStore(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化任务存储失败: %w", err)
	}
	coord, err := coordinator.New(taskStore, builder, sched, venue, monitorSvc, monitorSvc, alerts,
		policy, coordinator.SettingsFromConfig(cfg.Coordinator), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化任务协调器失败: %w", err)
	}

	collector := health.NewCollector(coord, breakers, sched, accounts, guardSvc, logger)

	return &orchestrator{
		cfg:          cfg,
		logger:       logger,
		venue:        venue,
		breakers:     breakers,
		indicators:   indicator.NewCalculator(),
		builder:      builder,
		plans:        sched,
		guard:        guardSvc,
		accounts:     accounts,
		monitor:      monitorSvc,
		alerts:       alerts,
		tasks:        coord,
		health:       collector,
		metrics:      newMetrics(),
		now:          func() time.Time { return time.Now().UTC() },
		lastBreakers: make(map[string]resilience.State),
	}, nil
}

// SubmitRebalance 受理一条调仓指令：按配置周期计算 ATR 波动率，
// 组装调仓任务交给协调器异步执行，返回已入队的任务。
func (o *orchestrator) SubmitRebalance(ctx context.Context, accountID, symbol string,
	side planner.Side, total decimal.Decimal) (*coordinator.Task, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: 未知方向 %q", planner.ErrInvalidDelta, side)
	}
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("%w: 金额必须为正 total=%s", planner.ErrInvalidDelta, total)
	}
	if !o.supported(symbol) {
		return nil, fmt.Errorf("%w: 不支持的交易对 %s", planner.ErrInvalidDelta, symbol)
	}
	if !o.knownAccount(accountID) {
		return nil, fmt.Errorf("%w: %s", gateway.ErrUnknownAccount, accountID)
	}

	candles, err := o.venue.Candles(ctx, symbol, o.cfg.Planner.ATRTimeframe, atrCandleLimit)
	if err != nil {
		return nil, fmt.Errorf("拉取K线失败: %w", err)
	}
	result, err := o.indicators.Compute(symbol, o.cfg.Planner.ATRTimeframe, candles)
	if err != nil {
		return nil, err
	}

	task := coordinator.NewRebalanceTask(accountID, symbol, side, total, result.RelativePercent(), o.now())
	if err := o.tasks.Enqueue(ctx, task); err != nil {
		return nil, fmt.Errorf("入队调仓任务失败: %w", err)
	}

	o.logger.Info("调仓指令已受理",
		zap.String("task_id", task.ID),
		zap.String("account_id", accountID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("total", total.String()),
		zap.Float64("atr_pct", result.RelativePercent()))
	return task, nil
}

// Resume 恢复崩溃前的持久化状态：历史任务重新入队，
// 未完成的计划补挂推进任务。
func (o *orchestrator) Resume(ctx context.Context) error {
	if _, err := o.tasks.Resume(ctx); err != nil {
		return fmt.Errorf("恢复任务队列失败: %w", err)
	}

	plans, err := o.plans.Resume(ctx)
	if err != nil {
		return fmt.Errorf("恢复执行计划失败: %w", err)
	}
	if len(plans) == 0 {
		return nil
	}

	live, err := o.tasks.ListLive(ctx, coordinator.KindAdvancePlan)
	if err != nil {
		return fmt.Errorf("检查在途推进任务失败: %w", err)
	}
	driven := make(map[string]bool, len(live))
	for _, task := range live {
		driven[task.Payload.PlanID] = true
	}

	mounted := 0
	for _, plan := range plans {
		if driven[plan.ID] {
			continue
		}
		task := coordinator.NewAdvanceTask(plan.AccountID, plan.ID, plan.Symbol, o.now())
		if err := o.tasks.Enqueue(ctx, task); err != nil {
			return fmt.Errorf("挂载计划推进任务失败: %w", err)
		}
		mounted++
	}
	if mounted > 0 {
		o.logger.Info("未完成计划已重新挂载推进任务", zap.Int("count", mounted))
	}
	return nil
}

// Tick 周期性巡检：补齐健康检查与清理任务，刷新指标，
// 并把熔断器状态跳变落为事件。部分失败不中断其余步骤。
func (o *orchestrator) Tick(ctx context.Context) error {
	var errs error

	if err := o.ensurePeriodicTask(ctx, coordinator.KindHealthCheck); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := o.ensurePeriodicTask(ctx, coordinator.KindJanitor); err != nil {
		errs = multierr.Append(errs, err)
	}

	planCounts, sliceCounts, err := o.plans.Counts(ctx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("统计计划状态失败: %w", err))
	} else {
		o.metrics.observePlans(planCounts, sliceCounts)
	}

	coordSnap, err := o.tasks.Health(ctx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("获取协调器快照失败: %w", err))
	} else {
		o.metrics.observeCoordinator(coordSnap)
	}

	blocks, err := o.guard.ListActive(ctx)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("查询封锁列表失败: %w", err))
	} else {
		o.metrics.observeBlocks(len(blocks))
	}

	o.trackBreakers(ctx)
	return errs
}

// Purge 运维清理：解除全部封锁并删除失败与取消的计划。
func (o *orchestrator) Purge(ctx context.Context) (purged int64, cleared int64, err error) {
	active, err := o.guard.ListActive(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("查询封锁列表失败: %w", err)
	}
	cleared, err = o.guard.ClearAll(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("解除封锁失败: %w", err)
	}
	for _, block := range active {
		o.monitor.RecordBlockCleared(ctx, block.AccountID, block.Symbol)
	}

	purged, err = o.plans.Purge(ctx)
	if err != nil {
		return 0, cleared, fmt.Errorf("清理终态计划失败: %w", err)
	}

	o.logger.Info("运维清理完成", zap.Int64("plans", purged), zap.Int64("blocks", cleared))
	return purged, cleared, nil
}

// ensurePeriodicTask 保证指定周期任务有且只有一个存活实例。
func (o *orchestrator) ensurePeriodicTask(ctx context.Context, kind coordinator.Kind) error {
	live, err := o.tasks.ListLive(ctx, kind)
	if err != nil {
		return fmt.Errorf("检查周期任务失败: %w", err)
	}
	if len(live) > 0 {
		return nil
	}

	var task *coordinator.Task
	switch kind {
	case coordinator.KindHealthCheck:
		task = coordinator.NewHealthCheckTask(o.now())
	case coordinator.KindJanitor:
		task = coordinator.NewJanitorTask(o.now())
	default:
		return nil
	}
	if err := o.tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("入队周期任务失败: %w", err)
	}
	return nil
}

// trackBreakers 刷新熔断器指标，状态跳变写入事件流并告警。
func (o *orchestrator) trackBreakers(ctx context.Context) {
	snaps := o.breakers.Snapshots()
	o.metrics.observeBreakers(snaps)

	for _, snap := range snaps {
		prev, seen := o.lastBreakers[snap.ServiceID]
		if snap.State == resilience.StateOpen && (!seen || prev != resilience.StateOpen) {
			o.monitor.RecordBreakerOpen(ctx, snap.ServiceID, snap.ConsecutiveFailures)
			o.alerts.Warn("熔断器打开",
				fmt.Sprintf("service=%s failures=%d cooldown_until=%s",
					snap.ServiceID, snap.ConsecutiveFailures, snap.CooldownUntil.Format(time.RFC3339)))
		}
		if snap.State == resilience.StateClosed && seen && prev != resilience.StateClosed {
			o.monitor.RecordBreakerRecovered(ctx, snap.ServiceID)
			o.alerts.Info("熔断器已恢复", fmt.Sprintf("service=%s", snap.ServiceID))
		}
		o.lastBreakers[snap.ServiceID] = snap.State
	}
}

func (o *orchestrator) supported(symbol string) bool {
	for _, s := range o.cfg.Exchange.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func (o *orchestrator) knownAccount(accountID string) bool {
	for _, id := range o.venue.Accounts() {
		if id == accountID {
			return true
		}
	}
	return false
}
