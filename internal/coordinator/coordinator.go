package coordinator

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kairos-exec/internal/config"
	"kairos-exec/internal/gateway"
	"kairos-exec/internal/planner"
	"kairos-exec/internal/resilience"
	"kairos-exec/internal/scheduler"
)

var errTaskPanic = errors.New("coordinator: 任务执行发生panic")

type planBuilder interface {
	Build(accountID, symbol string, side planner.Side, total decimal.Decimal, atrPct float64) (*planner.Plan, error)
}

type planDriver interface {
	CreatePlan(ctx context.Context, plan *planner.Plan) error
	Advance(ctx context.Context, planID string) (scheduler.StepResult, error)
}

type healthProber interface {
	Health(ctx context.Context) map[string]error
}

type eventPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type taskEventSink interface {
	RecordTaskFailed(ctx context.Context, accountID, taskID, kind string, attempts int, cause error)
	RecordHealthDegraded(ctx context.Context, accountID, component string, cause error)
}

type alerter interface {
	Warn(title, body string)
	Critical(title, body string)
}

// Settings 控制工作协程数与任务重试、保留策略。
type Settings struct {
	Workers         int
	MaxAttempts     int
	Retention       time.Duration
	JanitorInterval time.Duration
}

// SettingsFromConfig 组装协调器参数。
func SettingsFromConfig(cfg config.CoordinatorConfig) Settings {
	return Settings{
		Workers:         cfg.Workers,
		MaxAttempts:     cfg.TaskMaxAttempts,
		Retention:       cfg.Retention,
		JanitorInterval: cfg.JanitorInterval,
	}
}

func (s Settings) normalize() Settings {
	if s.Workers <= 0 {
		s.Workers = 3
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.Retention <= 0 {
		s.Retention = 24 * time.Hour
	}
	if s.JanitorInterval <= 0 {
		s.JanitorInterval = time.Hour
	}
	return s
}

// HealthSnapshot 是协调器的运行快照。
type HealthSnapshot struct {
	Workers    int            `json:"workers"`
	QueueDepth int            `json:"queue_depth"`
	InFlight   int            `json:"in_flight"`
	TaskStates map[string]int `json:"task_states"`
}

// Coordinator 在多账户间调度任务：优先级出队、互斥执行、
// 失败退避重排、崩溃后从任务表恢复。
type Coordinator struct {
	store    *TaskStore
	builder  planBuilder
	plans    planDriver
	prober   healthProber
	pruner   eventPruner
	events   taskEventSink
	alerts   alerter
	policy   resilience.Policy
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	queue    *readyQueue
	inflight map[string]struct{}
	wake     chan struct{}
}

// New 创建任务协调器。
func New(store *TaskStore, builder planBuilder, plans planDriver, prober healthProber,
	pruner eventPruner, events taskEventSink, alerts alerter,
	policy resilience.Policy, settings Settings, logger *zap.Logger) (*Coordinator, error) {
	if store == nil || builder == nil || plans == nil || prober == nil || pruner == nil || events == nil || alerts == nil {
		return nil, errors.New("coordinator: 依赖不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		store:    store,
		builder:  builder,
		plans:    plans,
		prober:   prober,
		pruner:   pruner,
		events:   events,
		alerts:   alerts,
		policy:   policy,
		settings: settings.normalize(),
		logger:   logger,
		now:      time.Now,
		queue:    newReadyQueue(),
		inflight: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Enqueue 持久化并入队一个任务。
func (c *Coordinator) Enqueue(ctx context.Context, task *Task) error {
	if task == nil || !task.Kind.Valid() {
		return fmt.Errorf("coordinator: 非法任务类型: %v", task)
	}
	if task.State == "" {
		task.State = StateQueued
	}
	now := c.now()
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	if err := c.store.Insert(ctx, task); err != nil {
		return err
	}

	c.mu.Lock()
	c.queue.push(task)
	c.mu.Unlock()
	c.wakeDispatcher()

	c.logger.Debug("任务已入队",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("priority", task.Priority.String()),
		zap.Time("scheduled_at", task.ScheduledAt))
	return nil
}

// Resume 恢复崩溃前未完成的任务：执行中回退为排队，排队与待重试重新入队。
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	reverted, err := c.store.RevertRunning(ctx)
	if err != nil {
		return 0, err
	}

	tasks, err := c.store.ListByState(ctx, StateQueued, StateRetrying)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	for _, task := range tasks {
		c.queue.push(task)
	}
	c.mu.Unlock()
	c.wakeDispatcher()

	if len(tasks) > 0 || reverted > 0 {
		c.logger.Info("已恢复历史任务",
			zap.Int("requeued", len(tasks)),
			zap.Int64("reverted_running", reverted))
	}
	return len(tasks), nil
}

// Run 启动派发循环与工作协程池，阻塞到 ctx 取消。
func (c *Coordinator) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	tasks := make(chan *Task)

	for i := 0; i < c.settings.Workers; i++ {
		group.Go(func() error {
			return c.worker(groupCtx, tasks)
		})
	}
	group.Go(func() error {
		return c.dispatch(groupCtx, tasks)
	})

	return group.Wait()
}

// Health 汇总队列深度与任务状态分布。
func (c *Coordinator) Health(ctx context.Context) (HealthSnapshot, error) {
	counts, err := c.store.CountByState(ctx)
	if err != nil {
		return HealthSnapshot{}, err
	}

	states := make(map[string]int, len(counts))
	for state, count := range counts {
		states[string(state)] = count
	}

	c.mu.Lock()
	depth := c.queue.Len()
	inflight := len(c.inflight)
	c.mu.Unlock()

	return HealthSnapshot{
		Workers:    c.settings.Workers,
		QueueDepth: depth,
		InFlight:   inflight,
		TaskStates: states,
	}, nil
}

// HasQueued 报告队列中是否存在指定类型的任务。
func (c *Coordinator) HasQueued(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.countByKind(kind) > 0
}

// ListLive 从任务表返回尚未到达终态的指定类型任务，
// 与 HasQueued 不同，执行中的任务也计入，供周期性任务去重。
func (c *Coordinator) ListLive(ctx context.Context, kind Kind) ([]*Task, error) {
	tasks, err := c.store.ListByState(ctx, StateQueued, StateRunning, StateRetrying)
	if err != nil {
		return nil, err
	}

	live := make([]*Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Kind == kind {
			live = append(live, task)
		}
	}
	return live, nil
}

// AdvanceDueNow 把排队中的计划推进任务统一提前到当前时刻，供运维手动触发。
func (c *Coordinator) AdvanceDueNow(ctx context.Context) (int, error) {
	now := c.now()
	count := 0
	var updateErr error

	c.mu.Lock()
	c.queue.forEach(func(task *Task) {
		if updateErr != nil || task.Kind != KindAdvancePlan || !task.ScheduledAt.After(now) {
			return
		}
		task.ScheduledAt = now
		if err := c.store.Update(ctx, task); err != nil {
			updateErr = err
			return
		}
		count++
	})
	if count > 0 {
		heap.Init(c.queue)
	}
	c.mu.Unlock()

	if updateErr != nil {
		return count, updateErr
	}
	if count > 0 {
		c.wakeDispatcher()
		c.logger.Info("已手动触发计划推进", zap.Int("count", count))
	}
	return count, nil
}

func (c *Coordinator) dispatch(ctx context.Context, out chan<- *Task) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for {
			task := c.nextRunnable()
			if task == nil {
				break
			}
			select {
			case out <- task:
			case <-ctx.Done():
				c.release(task)
				return nil
			}
		}

		var timerC <-chan time.Time
		c.mu.Lock()
		next := c.queue.earliestAfter(c.now())
		c.mu.Unlock()
		if !next.IsZero() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		case <-timerC:
		}
	}
}

func (c *Coordinator) worker(ctx context.Context, in <-chan *Task) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-in:
			c.runTask(ctx, task)
		}
	}
}

// nextRunnable 弹出一个可执行任务并占用其互斥键。
func (c *Coordinator) nextRunnable() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := c.queue.popRunnable(c.now(), func(key string) bool {
		_, held := c.inflight[key]
		return held
	})
	if task == nil {
		return nil
	}
	c.inflight[task.ExclusionKey()] = struct{}{}
	return task
}

func (c *Coordinator) release(task *Task) {
	c.mu.Lock()
	delete(c.inflight, task.ExclusionKey())
	c.mu.Unlock()
	c.wakeDispatcher()
}

func (c *Coordinator) wakeDispatcher() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) runTask(ctx context.Context, task *Task) {
	defer c.release(task)

	task.State = StateRunning
	task.Attempts++
	if err := c.store.Update(ctx, task); err != nil {
		c.logger.Error("标记任务执行中失败", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	rerun, err := c.execute(ctx, task)
	if err == nil {
		if !rerun.IsZero() {
			c.requeue(ctx, task, rerun)
			return
		}
		task.State = StateSucceeded
		task.LastError = ""
		if updateErr := c.store.Update(ctx, task); updateErr != nil {
			c.logger.Error("标记任务完成失败", zap.String("task_id", task.ID), zap.Error(updateErr))
		}
		c.logger.Debug("任务执行完成",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Int("attempts", task.Attempts))
		return
	}

	switch gateway.Classify(err) {
	case resilience.ClassTransient, resilience.ClassUnavailable:
		if task.Attempts >= c.settings.MaxAttempts {
			c.fail(ctx, task, err)
			return
		}
		delay := c.policy.Delay(task.Attempts)
		task.State = StateRetrying
		task.LastError = err.Error()
		c.logger.Warn("任务暂时失败，退避后重试",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Int("attempt", task.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		c.requeue(ctx, task, c.now().Add(delay))
	default:
		c.fail(ctx, task, err)
	}
}

// requeue 写回目标时间并重新入队，保持内存与任务表一致。
func (c *Coordinator) requeue(ctx context.Context, task *Task, at time.Time) {
	if task.State == StateRunning {
		task.State = StateQueued
		task.LastError = ""
	}
	task.ScheduledAt = at
	if err := c.store.Update(ctx, task); err != nil {
		c.logger.Error("任务重新入队失败", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.queue.push(task)
	c.mu.Unlock()
	c.wakeDispatcher()
}

func (c *Coordinator) fail(ctx context.Context, task *Task, cause error) {
	task.State = StateFailed
	task.LastError = cause.Error()
	if err := c.store.Update(ctx, task); err != nil {
		c.logger.Error("标记任务失败状态失败", zap.String("task_id", task.ID), zap.Error(err))
	}

	c.events.RecordTaskFailed(ctx, task.AccountID, task.ID, string(task.Kind), task.Attempts, cause)
	c.alerts.Warn("任务失败",
		fmt.Sprintf("task=%s kind=%s account=%s attempts=%d error=%v",
			task.ID, task.Kind, task.AccountID, task.Attempts, cause))
	c.logger.Error("任务执行失败",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("account_id", task.AccountID),
		zap.Int("attempts", task.Attempts),
		zap.Error(cause))
}

// execute 穷举任务类型执行，panic 被捕获并按确定性失败处理。
func (c *Coordinator) execute(ctx context.Context, task *Task) (rerun time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			rerun = time.Time{}
			err = fmt.Errorf("%w: %v", errTaskPanic, r)
		}
	}()

	switch task.Kind {
	case KindRebalance:
		return time.Time{}, c.runRebalance(ctx, task)
	case KindAdvancePlan:
		return c.runAdvance(ctx, task)
	case KindHealthCheck:
		return time.Time{}, c.runHealthCheck(ctx, task)
	case KindJanitor:
		return c.runJanitor(ctx, task)
	default:
		return time.Time{}, fmt.Errorf("coordinator: 未知任务类型: %s", task.Kind)
	}
}

// runRebalance 依据调仓指令生成计划并挂上推进任务。
func (c *Coordinator) runRebalance(ctx context.Context, task *Task) error {
	total, err := decimal.NewFromString(task.Payload.Total)
	if err != nil {
		return fmt.Errorf("解析调仓金额失败: %w", err)
	}

	plan, err := c.builder.Build(task.AccountID, task.Payload.Symbol,
		planner.Side(task.Payload.Side), total, task.Payload.ATRPct)
	if err != nil {
		return err
	}
	if err := c.plans.CreatePlan(ctx, plan); err != nil {
		return err
	}

	advance := NewAdvanceTask(task.AccountID, plan.ID, plan.Symbol, c.now())
	if err := c.Enqueue(ctx, advance); err != nil {
		return fmt.Errorf("挂载计划推进任务失败: %w", err)
	}
	return nil
}

// runAdvance 推进计划一步，未完成时按调度器给出的时间重新排队。
func (c *Coordinator) runAdvance(ctx context.Context, task *Task) (time.Time, error) {
	result, err := c.plans.Advance(ctx, task.Payload.PlanID)
	if err != nil {
		return time.Time{}, err
	}
	if result.Done {
		c.logger.Info("计划推进结束",
			zap.String("plan_id", result.PlanID),
			zap.String("status", string(result.Status)))
		return time.Time{}, nil
	}

	next := result.NextAt
	if next.IsZero() {
		next = c.now()
	}
	return next, nil
}

// runHealthCheck 探测行情与账户可达性，降级仅记录事件不失败任务。
func (c *Coordinator) runHealthCheck(ctx context.Context, task *Task) error {
	results := c.prober.Health(ctx)
	degraded := 0
	for component, probeErr := range results {
		if probeErr == nil {
			continue
		}
		degraded++
		accountID := component
		if component == "market" {
			accountID = ""
		}
		c.events.RecordHealthDegraded(ctx, accountID, component, probeErr)
		c.logger.Warn("健康巡检发现降级",
			zap.String("component", component),
			zap.Error(probeErr))
	}
	if degraded == 0 {
		c.logger.Debug("健康巡检通过", zap.Int("components", len(results)))
	}
	return nil
}

// runJanitor 清理超过保留期的终态任务与历史事件，然后自我排队。
func (c *Coordinator) runJanitor(ctx context.Context, task *Task) (time.Time, error) {
	cutoff := c.now().Add(-c.settings.Retention)

	tasks, err := c.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return time.Time{}, err
	}
	events, err := c.pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		return time.Time{}, err
	}

	if tasks > 0 || events > 0 {
		c.logger.Info("历史数据清理完成",
			zap.Int64("tasks", tasks),
			zap.Int64("events", events))
	}
	return c.now().Add(c.settings.JanitorInterval), nil
}
