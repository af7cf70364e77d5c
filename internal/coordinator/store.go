package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kairos-exec/internal/store"
)

// ErrVersionConflict 表示任务乐观锁版本不匹配。
var ErrVersionConflict = errors.New("coordinator: 任务版本冲突")

// TaskStore 持久化任务，使协调器崩溃后能恢复队列。
type TaskStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTaskStore 初始化任务存储。
func NewTaskStore(st *store.Store, logger *zap.Logger) (*TaskStore, error) {
	if st == nil {
		return nil, fmt.Errorf("coordinator: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &TaskStore{db: st.DB(), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TaskStore) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS coordinator_tasks (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	priority INTEGER NOT NULL,
	account_id TEXT NOT NULL DEFAULT '',
	resource TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	scheduled_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_coordinator_tasks_state ON coordinator_tasks(state);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("coordinator: 初始化表失败: %w", err)
	}
	return nil
}

// Insert 写入新任务。
func (s *TaskStore) Insert(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("coordinator: 序列化任务参数失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO coordinator_tasks
			(id, kind, priority, account_id, resource, payload, state, attempts, last_error, scheduled_at, created_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		task.ID, string(task.Kind), int(task.Priority), task.AccountID, task.Resource,
		string(payload), string(task.State), task.Attempts, task.LastError,
		formatTaskTime(task.ScheduledAt), formatTaskTime(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("coordinator: 写入任务失败: %w", err)
	}

	task.Version = 0
	return nil
}

// Update 以乐观锁写回任务的可变字段，成功后更新内存中的版本号。
func (s *TaskStore) Update(ctx context.Context, task *Task) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE coordinator_tasks
		 SET state = ?, attempts = ?, last_error = ?, scheduled_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(task.State), task.Attempts, task.LastError,
		formatTaskTime(task.ScheduledAt), task.ID, task.Version)
	if err != nil {
		return fmt.Errorf("coordinator: 更新任务失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("coordinator: 更新任务失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: task=%s version=%d", ErrVersionConflict, task.ID, task.Version)
	}

	task.Version++
	return nil
}

// RevertRunning 把崩溃时残留的执行中任务改回排队状态，返回数量。
func (s *TaskStore) RevertRunning(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE coordinator_tasks SET state = ?, version = version + 1 WHERE state = ?`,
		string(StateQueued), string(StateRunning))
	if err != nil {
		return 0, fmt.Errorf("coordinator: 恢复执行中任务失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("coordinator: 恢复执行中任务失败: %w", err)
	}
	return affected, nil
}

// ListByState 按状态列出任务。
func (s *TaskStore) ListByState(ctx context.Context, states ...State) ([]*Task, error) {
	if len(states) == 0 {
		return nil, nil
	}

	query := `SELECT id, kind, priority, account_id, resource, payload, state, attempts, last_error, scheduled_at, created_at, version
	 FROM coordinator_tasks WHERE state IN (`
	args := make([]interface{}, 0, len(states))
	for i, state := range states {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(state))
	}
	query += `) ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("coordinator: 查询任务失败: %w", err)
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		var (
			task      Task
			kind      string
			priority  int
			payload   string
			state     string
			scheduled string
			created   string
		)
		if scanErr := rows.Scan(&task.ID, &kind, &priority, &task.AccountID, &task.Resource,
			&payload, &state, &task.Attempts, &task.LastError, &scheduled, &created, &task.Version); scanErr != nil {
			return nil, fmt.Errorf("coordinator: 解析任务失败: %w", scanErr)
		}

		task.Kind = Kind(kind)
		task.Priority = Priority(priority)
		task.State = State(state)
		task.ScheduledAt = parseTaskTime(scheduled)
		task.CreatedAt = parseTaskTime(created)
		if unmarshalErr := json.Unmarshal([]byte(payload), &task.Payload); unmarshalErr != nil {
			return nil, fmt.Errorf("coordinator: 解析任务参数失败: %w", unmarshalErr)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("coordinator: 读取任务失败: %w", err)
	}
	return tasks, nil
}

// CountByState 统计各状态任务数量。
func (s *TaskStore) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM coordinator_tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("coordinator: 统计任务失败: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var count int
		if scanErr := rows.Scan(&state, &count); scanErr != nil {
			return nil, fmt.Errorf("coordinator: 统计任务失败: %w", scanErr)
		}
		counts[State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("coordinator: 统计任务失败: %w", err)
	}
	return counts, nil
}

// PurgeTerminal 删除在 cutoff 之前创建且已到达终态的任务，返回数量。
func (s *TaskStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM coordinator_tasks WHERE state IN (?, ?) AND created_at < ?`,
		string(StateSucceeded), string(StateFailed), formatTaskTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("coordinator: 清理任务失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("coordinator: 清理任务失败: %w", err)
	}
	return affected, nil
}

func formatTaskTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTaskTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
