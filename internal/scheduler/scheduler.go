package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/config"
	"kairos-exec/internal/gateway"
	"kairos-exec/internal/planner"
	"kairos-exec/internal/resilience"
)

var (
	// ErrPlanConflict 表示该交易对已有激活中的计划，拒绝并发执行。
	ErrPlanConflict = errors.New("scheduler: 交易对已有执行中的计划")
	// ErrAccountBlocked 表示账户交易对处于封锁状态，需人工解除。
	ErrAccountBlocked = errors.New("scheduler: 账户交易对已被封锁")
)

type orderGateway interface {
	PlaceMarketOrder(ctx context.Context, accountID, symbol, side string, quoteAmount decimal.Decimal) (gateway.Order, error)
	OrderStatus(ctx context.Context, accountID, orderID, symbol string) (gateway.Order, error)
}

type balanceChecker interface {
	AvailableQuote(ctx context.Context, accountID string) (decimal.Decimal, error)
}

type pairGuard interface {
	Block(ctx context.Context, accountID, symbol, reason string) error
	Blocked(ctx context.Context, accountID, symbol string) (bool, string, error)
}

type eventSink interface {
	RecordPlanCreated(ctx context.Context, plan *planner.Plan)
	RecordPlanCompleted(ctx context.Context, plan *planner.Plan, filled string)
	RecordPlanFailed(ctx context.Context, plan *planner.Plan, reason string)
	RecordPlanCancelled(ctx context.Context, plan *planner.Plan, reason string)
	RecordPlanSuperseded(ctx context.Context, accountID, symbol, oldPlanID, newPlanID string)
	RecordSliceFailed(ctx context.Context, plan *planner.Plan, slice planner.Slice, cause error)
	RecordBalanceBlocked(ctx context.Context, accountID, symbol, reason string)
}

type alerter interface {
	Warn(title, body string)
	Critical(title, body string)
}

// Settings 控制切片推进节奏与告警阈值。
type Settings struct {
	FillRecheck           time.Duration
	FailureAlertThreshold int
	UnavailableDelay      time.Duration
}

// SettingsFromConfig 组装调度参数，通道不可用时的等待取熔断冷却时长。
func SettingsFromConfig(sched config.SchedulerConfig, breaker config.BreakerConfig) Settings {
	return Settings{
		FillRecheck:           sched.FillRecheck,
		FailureAlertThreshold: sched.FailureAlertThreshold,
		UnavailableDelay:      breaker.Cooldown,
	}
}

func (s Settings) normalize() Settings {
	if s.FillRecheck <= 0 {
		s.FillRecheck = 5 * time.Second
	}
	if s.FailureAlertThreshold <= 0 {
		s.FailureAlertThreshold = 3
	}
	if s.UnavailableDelay <= 0 {
		s.UnavailableDelay = time.Minute
	}
	return s
}

// StepResult 描述一次推进后的计划状态与下次唤醒时间。
type StepResult struct {
	PlanID string
	Status planner.PlanStatus
	Done   bool
	NextAt time.Time
}

// Scheduler 按切片顺序推进执行计划。每一步先落库再生效，
// 进程崩溃后依据数据库状态原位续跑。
type Scheduler struct {
	store    *Store
	venue    orderGateway
	balances balanceChecker
	guard    pairGuard
	events   eventSink
	alerts   alerter
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// New 创建切片调度器。
func New(store *Store, venue orderGateway, balances balanceChecker, guard pairGuard,
	events eventSink, alerts alerter, settings Settings, logger *zap.Logger) (*Scheduler, error) {
	if store == nil || venue == nil || balances == nil || guard == nil || events == nil || alerts == nil {
		return nil, errors.New("scheduler: 依赖不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		store:    store,
		venue:    venue,
		balances: balances,
		guard:    guard,
		events:   events,
		alerts:   alerts,
		settings: settings.normalize(),
		logger:   logger,
		now:      time.Now,
		failures: make(map[string]int),
	}, nil
}

// CreatePlan 落库并激活一份新计划。同一 (账户, 交易对) 上：
// 未激活的旧计划被新计划取代；已激活的计划拒绝新计划；封锁中的交易对直接拒绝。
func (s *Scheduler) CreatePlan(ctx context.Context, plan *planner.Plan) error {
	blocked, reason, err := s.guard.Blocked(ctx, plan.AccountID, plan.Symbol)
	if err != nil {
		return fmt.Errorf("查询封锁状态失败: %w", err)
	}
	if blocked {
		return fmt.Errorf("%w: %s", ErrAccountBlocked, reason)
	}

	existing, found, err := s.store.FindNonTerminal(ctx, plan.AccountID, plan.Symbol)
	if err != nil {
		return err
	}
	if found {
		if existing.Status == planner.PlanActive {
			return fmt.Errorf("%w: plan=%s", ErrPlanConflict, existing.ID)
		}
		// 未激活的计划尚无任何在途委托，直接作废让位。
		if _, err := s.store.MarkPendingSlices(ctx, existing.ID, planner.SliceCancelled); err != nil {
			return err
		}
		if err := s.store.UpdatePlanStatus(ctx, existing, planner.PlanCancelled, "被新计划取代"); err != nil {
			return err
		}
		s.events.RecordPlanSuperseded(ctx, plan.AccountID, plan.Symbol, existing.ID, plan.ID)
		s.logger.Info("已作废未激活的旧计划",
			zap.String("old_plan", existing.ID),
			zap.String("new_plan", plan.ID))
	}

	if err := s.store.InsertPlan(ctx, plan); err != nil {
		return err
	}
	if err := s.store.UpdatePlanStatus(ctx, plan, planner.PlanActive, ""); err != nil {
		return err
	}

	s.events.RecordPlanCreated(ctx, plan)
	s.logger.Info("计划已激活",
		zap.String("plan_id", plan.ID),
		zap.String("account_id", plan.AccountID),
		zap.String("symbol", plan.Symbol),
		zap.String("side", string(plan.Side)),
		zap.String("total", plan.TotalAmount.String()),
		zap.Int("slices", plan.SliceCount))
	return nil
}

// Advance 推进计划一步：确认在途切片或提交下一片到期切片，
// 返回下次应当唤醒的时间。切片严格按序号推进，前一片未终态时不碰后续切片。
func (s *Scheduler) Advance(ctx context.Context, planID string) (StepResult, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return StepResult{PlanID: planID}, err
	}

	if plan.Status.Terminal() {
		return StepResult{PlanID: plan.ID, Status: plan.Status, Done: true}, nil
	}
	if plan.Status == planner.PlanPending {
		// 崩溃可能落在写入与激活之间，续跑时补一次激活。
		if err := s.store.UpdatePlanStatus(ctx, plan, planner.PlanActive, ""); err != nil {
			return errResult(plan), err
		}
	}

	idx := nextSliceIndex(plan)
	if idx < 0 {
		return s.finalize(ctx, plan)
	}
	slice := &plan.Slices[idx]

	switch slice.Status {
	case planner.SliceSubmitted:
		return s.pollSlice(ctx, plan, slice)
	case planner.SlicePending:
		if now := s.now(); slice.ScheduledAt.After(now) {
			return StepResult{PlanID: plan.ID, Status: plan.Status, NextAt: slice.ScheduledAt}, nil
		}
		return s.submitSlice(ctx, plan, slice)
	default:
		return errResult(plan), fmt.Errorf("scheduler: 意外的切片状态: plan=%s slice=%d status=%s", plan.ID, slice.Index, slice.Status)
	}
}

// Cancel 取消计划。待执行切片立即作废；在途切片先等确认，
// 确认落地后计划才收尾为已取消。
func (s *Scheduler) Cancel(ctx context.Context, planID string) (StepResult, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return StepResult{PlanID: planID}, err
	}
	if plan.Status.Terminal() {
		return StepResult{PlanID: plan.ID, Status: plan.Status, Done: true}, nil
	}

	if _, err := s.store.MarkPendingSlices(ctx, plan.ID, planner.SliceCancelled); err != nil {
		return errResult(plan), err
	}

	for i := range plan.Slices {
		if plan.Slices[i].Status == planner.SliceSubmitted {
			s.logger.Info("取消请求已受理，等待在途切片确认",
				zap.String("plan_id", plan.ID),
				zap.Int("slice", plan.Slices[i].Index))
			return StepResult{PlanID: plan.ID, Status: plan.Status, NextAt: s.now().Add(s.settings.FillRecheck)}, nil
		}
	}

	if err := s.store.UpdatePlanStatus(ctx, plan, planner.PlanCancelled, "人工取消"); err != nil {
		return errResult(plan), err
	}
	s.clearFailures(plan.ID)
	s.events.RecordPlanCancelled(ctx, plan, "人工取消")
	s.logger.Info("计划已取消", zap.String("plan_id", plan.ID))
	return StepResult{PlanID: plan.ID, Status: planner.PlanCancelled, Done: true}, nil
}

// Resume 列出进程重启前尚未完成的计划，调用方负责重新排期。
func (s *Scheduler) Resume(ctx context.Context) ([]*planner.Plan, error) {
	plans, err := s.store.ListPlansByStatus(ctx, planner.PlanPending, planner.PlanActive)
	if err != nil {
		return nil, err
	}

	for _, plan := range plans {
		s.logger.Info("恢复未完成计划",
			zap.String("plan_id", plan.ID),
			zap.String("account_id", plan.AccountID),
			zap.String("symbol", plan.Symbol),
			zap.String("status", string(plan.Status)))
	}
	return plans, nil
}

// Purge 删除已失败与已取消的计划，供运维清理接口使用。
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	count, err := s.store.PurgePlans(ctx, planner.PlanFailed, planner.PlanCancelled)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("已清理终态计划", zap.Int64("count", count))
	}
	return count, nil
}

// Progress 返回单个计划的执行进度。
func (s *Scheduler) Progress(ctx context.Context, planID string) (PlanProgress, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return PlanProgress{}, err
	}
	return progressOf(plan), nil
}

// ListProgress 按状态汇总计划进度，供状态接口展示。
func (s *Scheduler) ListProgress(ctx context.Context, statuses ...planner.PlanStatus) ([]PlanProgress, error) {
	plans, err := s.store.ListPlansByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}

	progress := make([]PlanProgress, 0, len(plans))
	for _, plan := range plans {
		progress = append(progress, progressOf(plan))
	}
	return progress, nil
}

// Counts 统计计划与切片的状态分布，供指标上报。
func (s *Scheduler) Counts(ctx context.Context) (map[planner.PlanStatus]int, map[planner.SliceStatus]int, error) {
	plans, err := s.store.CountPlansByStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	slices, err := s.store.CountSlicesByStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	return plans, slices, nil
}

func (s *Scheduler) submitSlice(ctx context.Context, plan *planner.Plan, slice *planner.Slice) (StepResult, error) {
	if plan.Side == planner.SideBuy {
		available, err := s.balances.AvailableQuote(ctx, plan.AccountID)
		if err != nil {
			// 余额读取失败不终结切片，稍后重查。
			s.logger.Warn("查询可用余额失败",
				zap.String("plan_id", plan.ID),
				zap.String("account_id", plan.AccountID),
				zap.Error(err))
			return StepResult{PlanID: plan.ID, Status: plan.Status, NextAt: s.now().Add(s.settings.FillRecheck)}, nil
		}
		if available.LessThan(slice.Amount) {
			cause := fmt.Errorf("%w: available=%s need=%s",
				gateway.ErrInsufficientBalance, available.String(), slice.Amount.String())
			return s.failPlanForBalance(ctx, plan, slice, cause)
		}
	}

	order, err := s.venue.PlaceMarketOrder(ctx, plan.AccountID, plan.Symbol, string(plan.Side), slice.Amount)
	if err != nil {
		return s.handleSubmitError(ctx, plan, slice, err)
	}

	slice.Status = planner.SliceSubmitted
	slice.OrderID = order.ID
	if err := s.store.UpdateSlice(ctx, slice); err != nil {
		return errResult(plan), err
	}
	s.logger.Info("切片已提交",
		zap.String("plan_id", plan.ID),
		zap.Int("slice", slice.Index),
		zap.String("order_id", order.ID),
		zap.String("amount", slice.Amount.String()))

	if order.State.Terminal() {
		// 市价单通常在提交响应里直接带回终态，省掉一次查询。
		return s.applyOrderState(ctx, plan, slice, order)
	}
	return s.pollSlice(ctx, plan, slice)
}

func (s *Scheduler) pollSlice(ctx context.Context, plan *planner.Plan, slice *planner.Slice) (StepResult, error) {
	order, err := s.venue.OrderStatus(ctx, plan.AccountID, slice.OrderID, plan.Symbol)
	if err != nil {
		// 查询失败不改变切片状态，订单可能已在交易所成交。
		delay := s.settings.FillRecheck
		if gateway.Classify(err) == resilience.ClassUnavailable {
			delay = s.settings.UnavailableDelay
		}
		s.logger.Warn("查询订单状态失败",
			zap.String("plan_id", plan.ID),
			zap.Int("slice", slice.Index),
			zap.String("order_id", slice.OrderID),
			zap.Error(err))
		return StepResult{PlanID: plan.ID, Status: plan.Status, NextAt: s.now().Add(delay)}, nil
	}
	return s.applyOrderState(ctx, plan, slice, order)
}

func (s *Scheduler) applyOrderState(ctx context.Context, plan *planner.Plan, slice *planner.Slice, order gateway.Order) (StepResult, error) {
	switch order.State {
	case gateway.OrderClosed:
		filled := order.FilledCost
		if filled.Sign() <= 0 {
			filled = slice.Amount
		}
		slice.Status = planner.SliceFilled
		slice.FilledAmount = filled
		if err := s.store.UpdateSlice(ctx, slice); err != nil {
			return errResult(plan), err
		}
		s.clearFailures(plan.ID)
		s.logger.Info("切片已成交",
			zap.String("plan_id", plan.ID),
			zap.Int("slice", slice.Index),
			zap.String("order_id", order.ID),
			zap.String("filled", filled.String()))
		return s.afterSlice(ctx, plan)

	case gateway.OrderCanceled, gateway.OrderRejected, gateway.OrderExpired:
		cause := fmt.Errorf("scheduler: 订单未成交: state=%s order=%s", order.State, order.ID)
		return s.failSlice(ctx, plan, slice, cause)

	default:
		// 仍在撮合中，保留已提交状态等待下次确认。
		if !order.FilledCost.Equal(slice.FilledAmount) {
			slice.FilledAmount = order.FilledCost
			if err := s.store.UpdateSlice(ctx, slice); err != nil {
				return errResult(plan), err
			}
		}
		return StepResult{PlanID: plan.ID, Status: plan.Status, NextAt: s.now().Add(s.settings.FillRecheck)}, nil
	}
}

func (s *Scheduler) handleSubmitError(ctx context.Context, plan *planner.Plan, slice *planner.Slice, cause error) (StepResult, error) {
	switch gateway.Classify(cause) {
	case resilience.ClassInsufficientBalance:
		return s.failPlanForBalance(ctx, plan, slice, cause)
	case resilience.ClassUnavailable:
		// 通道熔断或交易所维护，切片原样保留，冷却后再试。
		s.logger.Warn("交易通道不可用，延后执行",
			zap.String("plan_id", plan.ID),
			zap.Int("slice", slice.Index),
			zap.Error(cause))
		return StepResult{PlanID: plan.ID, Status: plan.Status, NextAt: s.now().Add(s.settings.UnavailableDelay)}, nil
	default:
		return s.failSlice(ctx, plan, slice, cause)
	}
}

// failSlice 终结单个切片并继续推进后续切片。
func (s *Scheduler) failSlice(ctx context.Context, plan *planner.Plan, slice *planner.Slice, cause error) (StepResult, error) {
	slice.Status = planner.SliceFailed
	slice.RetryCount++
	if err := s.store.UpdateSlice(ctx, slice); err != nil {
		return errResult(plan), err
	}

	s.events.RecordSliceFailed(ctx, plan, *slice, cause)
	s.logger.Error("切片执行失败",
		zap.String("plan_id", plan.ID),
		zap.Int("slice", slice.Index),
		zap.Error(cause))

	streak := s.bumpFailures(plan.ID)
	if streak >= s.settings.FailureAlertThreshold {
		s.alerts.Warn("连续切片失败",
			fmt.Sprintf("plan=%s account=%s symbol=%s streak=%d", plan.ID, plan.AccountID, plan.Symbol, streak))
	}
	return s.afterSlice(ctx, plan)
}

// failPlanForBalance 处理余额不足：当前切片失败，剩余切片跳过，
// 计划终结并封锁交易对，等待人工处理。
func (s *Scheduler) failPlanForBalance(ctx context.Context, plan *planner.Plan, slice *planner.Slice, cause error) (StepResult, error) {
	slice.Status = planner.SliceFailed
	slice.RetryCount++
	if err := s.store.UpdateSlice(ctx, slice); err != nil {
		return errResult(plan), err
	}

	skipped, err := s.store.MarkPendingSlices(ctx, plan.ID, planner.SliceSkipped)
	if err != nil {
		return errResult(plan), err
	}

	reason := fmt.Sprintf("余额不足: %v", cause)
	if err := s.store.UpdatePlanStatus(ctx, plan, planner.PlanFailed, reason); err != nil {
		return errResult(plan), err
	}

	if blockErr := s.guard.Block(ctx, plan.AccountID, plan.Symbol, reason); blockErr != nil {
		s.logger.Error("写入封锁记录失败",
			zap.String("account_id", plan.AccountID),
			zap.String("symbol", plan.Symbol),
			zap.Error(blockErr))
	}

	s.events.RecordSliceFailed(ctx, plan, *slice, cause)
	s.events.RecordPlanFailed(ctx, plan, reason)
	s.events.RecordBalanceBlocked(ctx, plan.AccountID, plan.Symbol, reason)
	s.alerts.Critical("余额不足，计划终止",
		fmt.Sprintf("plan=%s account=%s symbol=%s skipped=%d", plan.ID, plan.AccountID, plan.Symbol, skipped))
	s.clearFailures(plan.ID)

	s.logger.Error("余额不足，计划终止并封锁交易对",
		zap.String("plan_id", plan.ID),
		zap.String("account_id", plan.AccountID),
		zap.String("symbol", plan.Symbol),
		zap.Int64("skipped", skipped),
		zap.Error(cause))
	return StepResult{PlanID: plan.ID, Status: planner.PlanFailed, Done: true}, nil
}

// afterSlice 在一片切片到达终态后计算下一次唤醒时间，全部终态则收尾计划。
func (s *Scheduler) afterSlice(ctx context.Context, plan *planner.Plan) (StepResult, error) {
	idx := nextSliceIndex(plan)
	if idx < 0 {
		return s.finalize(ctx, plan)
	}

	next := plan.Slices[idx].ScheduledAt
	if now := s.now(); next.Before(now) {
		next = now
	}
	return StepResult{PlanID: plan.ID, Status: plan.Status, NextAt: next}, nil
}

func (s *Scheduler) finalize(ctx context.Context, plan *planner.Plan) (StepResult, error) {
	var (
		filled         decimal.Decimal
		filledCount    int
		failedCount    int
		cancelledCount int
	)
	for _, slice := range plan.Slices {
		switch slice.Status {
		case planner.SliceFilled:
			filled = filled.Add(slice.FilledAmount)
			filledCount++
		case planner.SliceFailed:
			failedCount++
		case planner.SliceCancelled:
			cancelledCount++
		}
	}

	status := planner.PlanCompleted
	reason := ""
	switch {
	case cancelledCount > 0:
		// 取消请求发出时有在途切片，确认完成后计划按取消收尾。
		status = planner.PlanCancelled
		reason = "人工取消"
	case filledCount == 0 && failedCount > 0:
		status = planner.PlanFailed
		reason = "全部切片失败"
	}

	if err := s.store.UpdatePlanStatus(ctx, plan, status, reason); err != nil {
		return errResult(plan), err
	}
	s.clearFailures(plan.ID)

	switch status {
	case planner.PlanCompleted:
		s.events.RecordPlanCompleted(ctx, plan, filled.String())
		s.logger.Info("计划执行完成",
			zap.String("plan_id", plan.ID),
			zap.String("filled", filled.String()),
			zap.Int("failed_slices", failedCount))
	case planner.PlanFailed:
		s.events.RecordPlanFailed(ctx, plan, reason)
		s.alerts.Warn("计划失败", fmt.Sprintf("plan=%s account=%s symbol=%s reason=%s", plan.ID, plan.AccountID, plan.Symbol, reason))
		s.logger.Error("计划失败",
			zap.String("plan_id", plan.ID),
			zap.String("reason", reason))
	case planner.PlanCancelled:
		s.events.RecordPlanCancelled(ctx, plan, reason)
		s.logger.Info("计划已取消", zap.String("plan_id", plan.ID))
	}
	return StepResult{PlanID: plan.ID, Status: status, Done: true}, nil
}

func (s *Scheduler) bumpFailures(planID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[planID]++
	return s.failures[planID]
}

func (s *Scheduler) clearFailures(planID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, planID)
}

func nextSliceIndex(plan *planner.Plan) int {
	for i := range plan.Slices {
		if !plan.Slices[i].Status.Terminal() {
			return i
		}
	}
	return -1
}

func errResult(plan *planner.Plan) StepResult {
	return StepResult{PlanID: plan.ID, Status: plan.Status}
}
