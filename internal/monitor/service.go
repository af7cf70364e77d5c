package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kairos-exec/internal/planner"
	"kairos-exec/internal/store"
)

// Service 负责持久化引擎事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	symbol TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
CREATE INDEX IF NOT EXISTS idx_monitor_events_account ON monitor_events(account_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, severity, account_id, symbol, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(event.Type), string(event.Severity), event.AccountID, event.Symbol,
		string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordPlanCreated 记录计划创建。
func (s *Service) RecordPlanCreated(ctx context.Context, plan *planner.Plan) {
	s.recordPlan(ctx, EventPlanCreated, SeverityInfo, plan, "", "")
}

// RecordPlanCompleted 记录计划完成。
func (s *Service) RecordPlanCompleted(ctx context.Context, plan *planner.Plan, filled string) {
	s.recordPlan(ctx, EventPlanCompleted, SeverityInfo, plan, filled, "")
}

// RecordPlanFailed 记录计划终态失败。
func (s *Service) RecordPlanFailed(ctx context.Context, plan *planner.Plan, reason string) {
	s.recordPlan(ctx, EventPlanFailed, SeverityCritical, plan, "", reason)
}

// RecordPlanCancelled 记录计划取消。
func (s *Service) RecordPlanCancelled(ctx context.Context, plan *planner.Plan, reason string) {
	s.recordPlan(ctx, EventPlanCancelled, SeverityInfo, plan, "", reason)
}

func (s *Service) recordPlan(ctx context.Context, typ EventType, severity Severity, plan *planner.Plan, filled, reason string) {
	if plan == nil {
		return
	}
	if err := s.Record(ctx, Event{
		Type:      typ,
		Severity:  severity,
		AccountID: plan.AccountID,
		Symbol:    plan.Symbol,
		Payload: PlanPayload{
			PlanID: plan.ID,
			Side:   string(plan.Side),
			Total:  plan.TotalAmount.String(),
			Regime: string(plan.Regime),
			Slices: plan.SliceCount,
			Filled: filled,
			Reason: reason,
		},
	}); err != nil {
		s.logger.Warn("记录计划事件失败", zap.Error(err))
	}
}

// RecordPlanSuperseded 记录旧计划被新计划取代。
func (s *Service) RecordPlanSuperseded(ctx context.Context, accountID, symbol, oldPlanID, newPlanID string) {
	if err := s.Record(ctx, Event{
		Type:      EventPlanSuperseded,
		Severity:  SeverityInfo,
		AccountID: accountID,
		Symbol:    symbol,
		Payload:   SupersededPayload{OldPlanID: oldPlanID, NewPlanID: newPlanID},
	}); err != nil {
		s.logger.Warn("记录计划取代事件失败", zap.Error(err))
	}
}

// RecordSliceFailed 记录切片失败。
func (s *Service) RecordSliceFailed(ctx context.Context, plan *planner.Plan, slice planner.Slice, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := s.Record(ctx, Event{
		Type:      EventSliceFailed,
		Severity:  SeverityWarning,
		AccountID: plan.AccountID,
		Symbol:    plan.Symbol,
		Payload: SlicePayload{
			PlanID:  plan.ID,
			Index:   slice.Index,
			Amount:  slice.Amount.String(),
			OrderID: slice.OrderID,
			Error:   detail,
		},
	}); err != nil {
		s.logger.Warn("记录切片失败事件失败", zap.Error(err))
	}
}

// RecordBalanceBlocked 记录余额不足封锁。
func (s *Service) RecordBalanceBlocked(ctx context.Context, accountID, symbol, reason string) {
	if err := s.Record(ctx, Event{
		Type:      EventBalanceBlocked,
		Severity:  SeverityCritical,
		AccountID: accountID,
		Symbol:    symbol,
		Payload:   BlockPayload{Reason: reason},
	}); err != nil {
		s.logger.Warn("记录封锁事件失败", zap.Error(err))
	}
}

// RecordBlockCleared 记录人工解除封锁。
func (s *Service) RecordBlockCleared(ctx context.Context, accountID, symbol string) {
	if err := s.Record(ctx, Event{
		Type:      EventBlockCleared,
		Severity:  SeverityInfo,
		AccountID: accountID,
		Symbol:    symbol,
		Payload:   BlockPayload{},
	}); err != nil {
		s.logger.Warn("记录解封事件失败", zap.Error(err))
	}
}

// RecordBreakerOpen 记录熔断器打开。
func (s *Service) RecordBreakerOpen(ctx context.Context, serviceID string, failures int) {
	if err := s.Record(ctx, Event{
		Type:     EventBreakerOpen,
		Severity: SeverityWarning,
		Payload:  BreakerPayload{ServiceID: serviceID, Failures: failures},
	}); err != nil {
		s.logger.Warn("记录熔断事件失败", zap.Error(err))
	}
}

// RecordBreakerRecovered 记录熔断器恢复闭合。
func (s *Service) RecordBreakerRecovered(ctx context.Context, serviceID string) {
	if err := s.Record(ctx, Event{
		Type:     EventBreakerRecovered,
		Severity: SeverityInfo,
		Payload:  BreakerPayload{ServiceID: serviceID},
	}); err != nil {
		s.logger.Warn("记录熔断恢复事件失败", zap.Error(err))
	}
}

// RecordTaskFailed 记录任务重试耗尽后的终态失败。
func (s *Service) RecordTaskFailed(ctx context.Context, accountID, taskID, kind string, attempts int, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := s.Record(ctx, Event{
		Type:      EventTaskFailed,
		Severity:  SeverityCritical,
		AccountID: accountID,
		Payload:   TaskPayload{TaskID: taskID, Kind: kind, Attempts: attempts, Error: detail},
	}); err != nil {
		s.logger.Warn("记录任务失败事件失败", zap.Error(err))
	}
}

// RecordHealthDegraded 记录组件健康退化。
func (s *Service) RecordHealthDegraded(ctx context.Context, accountID, component string, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	if err := s.Record(ctx, Event{
		Type:      EventHealthDegraded,
		Severity:  SeverityWarning,
		AccountID: accountID,
		Payload:   HealthPayload{Component: component, Error: detail},
	}); err != nil {
		s.logger.Warn("记录健康事件失败", zap.Error(err))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:     EventError,
		Severity: SeverityWarning,
		Payload:  payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, event_type, severity, account_id, symbol, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			id       int64
			typ      string
			severity string
			account  string
			symbol   string
			payload  string
			created  string
		)
		if scanErr := rows.Scan(&id, &typ, &severity, &account, &symbol, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			ID:        id,
			Type:      EventType(typ),
			Severity:  Severity(severity),
			AccountID: account,
			Symbol:    symbol,
			Payload:   json.RawMessage(payload),
			Timestamp: ts,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}

// PruneBefore 删除早于截止时间的事件，返回删除数量。
func (s *Service) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM monitor_events WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("monitor: 清理事件失败: %w", err)
	}
	return removed, nil
}
