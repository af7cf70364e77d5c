package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/planner"
	"kairos-exec/internal/store"
)

var (
	// ErrPlanNotFound 表示计划不存在。
	ErrPlanNotFound = errors.New("scheduler: 计划不存在")
	// ErrVersionConflict 表示乐观锁版本不匹配，说明有并发写入。
	ErrVersionConflict = errors.New("scheduler: 版本冲突")
)

// Store 持久化执行计划与切片。所有状态变更通过版本号做乐观锁，
// 崩溃后以数据库内容为准恢复。
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore 初始化计划存储，创建所需表结构。
func NewStore(st *store.Store, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, fmt.Errorf("scheduler: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		db:     st.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS execution_plans (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	total_amount TEXT NOT NULL,
	slice_count INTEGER NOT NULL,
	slice_interval_ms INTEGER NOT NULL,
	regime TEXT NOT NULL,
	status TEXT NOT NULL,
	fail_reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_execution_plans_pair ON execution_plans(account_id, symbol);
CREATE INDEX IF NOT EXISTS idx_execution_plans_status ON execution_plans(status);

CREATE TABLE IF NOT EXISTS plan_slices (
	plan_id TEXT NOT NULL,
	slice_index INTEGER NOT NULL,
	scheduled_at TEXT NOT NULL,
	amount TEXT NOT NULL,
	status TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	filled_amount TEXT NOT NULL DEFAULT '0',
	retry_count INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (plan_id, slice_index),
	FOREIGN KEY (plan_id) REFERENCES execution_plans(id)
);
CREATE INDEX IF NOT EXISTS idx_plan_slices_status ON plan_slices(status);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("scheduler: 初始化表失败: %w", err)
	}
	return nil
}

// InsertPlan 原子写入计划及全部切片。
func (s *Store) InsertPlan(ctx context.Context, plan *planner.Plan) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduler: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_plans
			(id, account_id, symbol, side, total_amount, slice_count, slice_interval_ms, regime, status, fail_reason, created_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		plan.ID, plan.AccountID, plan.Symbol, string(plan.Side), plan.TotalAmount.String(),
		plan.SliceCount, plan.SliceInterval.Milliseconds(), string(plan.Regime),
		string(plan.Status), plan.FailReason, formatTime(plan.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("scheduler: 写入计划失败: %w", err)
	}

	for _, slice := range plan.Slices {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO plan_slices
				(plan_id, slice_index, scheduled_at, amount, status, order_id, filled_amount, retry_count, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			plan.ID, slice.Index, formatTime(slice.ScheduledAt), slice.Amount.String(),
			string(slice.Status), slice.OrderID, slice.FilledAmount.String(), slice.RetryCount,
		)
		if err != nil {
			return fmt.Errorf("scheduler: 写入切片失败: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("scheduler: 提交计划失败: %w", err)
	}

	plan.Version = 0
	return nil
}

// GetPlan 读取计划及其全部切片，切片按序号升序。
func (s *Store) GetPlan(ctx context.Context, planID string) (*planner.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, symbol, side, total_amount, slice_count, slice_interval_ms, regime, status, fail_reason, created_at, version
		 FROM execution_plans WHERE id = ?`, planID)

	plan, err := scanPlan(row)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	default:
		return nil, fmt.Errorf("scheduler: 查询计划失败: %w", err)
	}

	slices, err := s.loadSlices(ctx, planID)
	if err != nil {
		return nil, err
	}
	plan.Slices = slices
	return plan, nil
}

// FindNonTerminal 查找 (账户, 交易对) 当前未到达终态的计划。
func (s *Store) FindNonTerminal(ctx context.Context, accountID, symbol string) (*planner.Plan, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, symbol, side, total_amount, slice_count, slice_interval_ms, regime, status, fail_reason, created_at, version
		 FROM execution_plans
		 WHERE account_id = ? AND symbol = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		accountID, symbol, string(planner.PlanPending), string(planner.PlanActive))

	plan, err := scanPlan(row)
	switch {
	case err == nil:
		return plan, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("scheduler: 查询计划失败: %w", err)
	}
}

// ListPlansByStatus 按状态列出计划（含切片）。
func (s *Store) ListPlansByStatus(ctx context.Context, statuses ...planner.PlanStatus) ([]*planner.Plan, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `SELECT id, account_id, symbol, side, total_amount, slice_count, slice_interval_ms, regime, status, fail_reason, created_at, version
	 FROM execution_plans WHERE status IN (`
	args := make([]interface{}, 0, len(statuses))
	for i, status := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(status))
	}
	query += `) ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: 查询计划列表失败: %w", err)
	}
	defer rows.Close()

	plans := make([]*planner.Plan, 0)
	for rows.Next() {
		plan, scanErr := scanPlan(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scheduler: 解析计划失败: %w", scanErr)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: 读取计划失败: %w", err)
	}

	for _, plan := range plans {
		slices, loadErr := s.loadSlices(ctx, plan.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		plan.Slices = slices
	}
	return plans, nil
}

// UpdatePlanStatus 以乐观锁推进计划状态，成功后更新内存中的版本号。
func (s *Store) UpdatePlanStatus(ctx context.Context, plan *planner.Plan, status planner.PlanStatus, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_plans SET status = ?, fail_reason = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(status), reason, plan.ID, plan.Version)
	if err != nil {
		return fmt.Errorf("scheduler: 更新计划状态失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("scheduler: 更新计划状态失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: plan=%s version=%d", ErrVersionConflict, plan.ID, plan.Version)
	}

	plan.Status = status
	plan.FailReason = reason
	plan.Version++
	return nil
}

// UpdateSlice 以乐观锁写回切片的可变字段，成功后更新内存中的版本号。
func (s *Store) UpdateSlice(ctx context.Context, slice *planner.Slice) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE plan_slices
		 SET scheduled_at = ?, status = ?, order_id = ?, filled_amount = ?, retry_count = ?, version = version + 1
		 WHERE plan_id = ? AND slice_index = ? AND version = ?`,
		formatTime(slice.ScheduledAt), string(slice.Status), slice.OrderID,
		slice.FilledAmount.String(), slice.RetryCount,
		slice.PlanID, slice.Index, slice.Version)
	if err != nil {
		return fmt.Errorf("scheduler: 更新切片失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("scheduler: 更新切片失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: plan=%s slice=%d version=%d", ErrVersionConflict, slice.PlanID, slice.Index, slice.Version)
	}

	slice.Version++
	return nil
}

// MarkPendingSlices 将计划内全部待执行切片批量转入目标状态，返回数量。
// status 谓词充当本批量更新的比较条件。
func (s *Store) MarkPendingSlices(ctx context.Context, planID string, to planner.SliceStatus) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE plan_slices SET status = ?, version = version + 1
		 WHERE plan_id = ? AND status = ?`,
		string(to), planID, string(planner.SlicePending))
	if err != nil {
		return 0, fmt.Errorf("scheduler: 批量更新切片失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("scheduler: 批量更新切片失败: %w", err)
	}
	return affected, nil
}

// CountPlansByStatus 统计各状态计划数量。
func (s *Store) CountPlansByStatus(ctx context.Context) (map[planner.PlanStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM execution_plans GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("scheduler: 统计计划失败: %w", err)
	}
	defer rows.Close()

	counts := make(map[planner.PlanStatus]int)
	for rows.Next() {
		var status string
		var count int
		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return nil, fmt.Errorf("scheduler: 统计计划失败: %w", scanErr)
		}
		counts[planner.PlanStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: 统计计划失败: %w", err)
	}
	return counts, nil
}

// CountSlicesByStatus 统计各状态切片数量。
func (s *Store) CountSlicesByStatus(ctx context.Context) (map[planner.SliceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM plan_slices GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("scheduler: 统计切片失败: %w", err)
	}
	defer rows.Close()

	counts := make(map[planner.SliceStatus]int)
	for rows.Next() {
		var status string
		var count int
		if scanErr := rows.Scan(&status, &count); scanErr != nil {
			return nil, fmt.Errorf("scheduler: 统计切片失败: %w", scanErr)
		}
		counts[planner.SliceStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: 统计切片失败: %w", err)
	}
	return counts, nil
}

// PurgePlans 删除指定终态计划及其切片，供运维清理指令使用。
func (s *Store) PurgePlans(ctx context.Context, statuses ...planner.PlanStatus) (count int64, err error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := ""
	args := make([]interface{}, 0, len(statuses))
	for i, status := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(status))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("scheduler: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM plan_slices WHERE plan_id IN (SELECT id FROM execution_plans WHERE status IN (`+placeholders+`))`, args...)
	if err != nil {
		return 0, fmt.Errorf("scheduler: 清理切片失败: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM execution_plans WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("scheduler: 清理计划失败: %w", err)
	}
	count, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("scheduler: 清理计划失败: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("scheduler: 提交清理失败: %w", err)
	}
	return count, nil
}

func (s *Store) loadSlices(ctx context.Context, planID string) ([]planner.Slice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT plan_id, slice_index, scheduled_at, amount, status, order_id, filled_amount, retry_count, version
		 FROM plan_slices WHERE plan_id = ? ORDER BY slice_index`, planID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: 查询切片失败: %w", err)
	}
	defer rows.Close()

	slices := make([]planner.Slice, 0)
	for rows.Next() {
		var (
			slice     planner.Slice
			scheduled string
			amount    string
			status    string
			filled    string
		)
		if scanErr := rows.Scan(&slice.PlanID, &slice.Index, &scheduled, &amount, &status,
			&slice.OrderID, &filled, &slice.RetryCount, &slice.Version); scanErr != nil {
			return nil, fmt.Errorf("scheduler: 解析切片失败: %w", scanErr)
		}

		slice.ScheduledAt = parseTime(scheduled)
		slice.Status = planner.SliceStatus(status)
		if slice.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("scheduler: 解析切片金额失败: %w", err)
		}
		if slice.FilledAmount, err = decimal.NewFromString(filled); err != nil {
			return nil, fmt.Errorf("scheduler: 解析切片成交额失败: %w", err)
		}
		slices = append(slices, slice)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduler: 读取切片失败: %w", err)
	}
	return slices, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*planner.Plan, error) {
	var (
		plan       planner.Plan
		side       string
		total      string
		intervalMs int64
		regime     string
		status     string
		created    string
	)
	if err := row.Scan(&plan.ID, &plan.AccountID, &plan.Symbol, &side, &total, &plan.SliceCount,
		&intervalMs, &regime, &status, &plan.FailReason, &created, &plan.Version); err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("解析计划金额失败: %w", err)
	}

	plan.Side = planner.Side(side)
	plan.TotalAmount = amount
	plan.SliceInterval = time.Duration(intervalMs) * time.Millisecond
	plan.Regime = planner.Regime(regime)
	plan.Status = planner.PlanStatus(status)
	plan.CreatedAt = parseTime(created)
	return &plan, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
