package resilience

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrVersionConflict 表示乐观锁更新失败，状态已被其他写入者修改。
var ErrVersionConflict = errors.New("resilience: 版本冲突")

// SQLiteStateStore 将熔断器状态落盘到 SQLite。
type SQLiteStateStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStateStore 创建熔断器状态存储并初始化表结构。
func NewSQLiteStateStore(db *sql.DB, logger *zap.Logger) (*SQLiteStateStore, error) {
	if db == nil {
		return nil, errors.New("resilience: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &SQLiteStateStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStateStore) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS breaker_states (
	service_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	consecutive_successes INTEGER NOT NULL DEFAULT 0,
	opened_at TEXT,
	cooldown_until TEXT,
	updated_at TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("resilience: 初始化表结构失败: %w", err)
	}
	return nil
}

// Load 读取指定服务的熔断器状态。
func (s *SQLiteStateStore) Load(ctx context.Context, serviceID string) (Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state, consecutive_failures, consecutive_successes, opened_at, cooldown_until, version
		 FROM breaker_states WHERE service_id = ?`, serviceID)

	var (
		state     string
		failures  int
		successes int
		openedAt  sql.NullString
		cooldown  sql.NullString
		version   int64
	)
	switch scanErr := row.Scan(&state, &failures, &successes, &openedAt, &cooldown, &version); {
	case scanErr == nil:
	case errors.Is(scanErr, sql.ErrNoRows):
		return Snapshot{}, false, nil
	default:
		return Snapshot{}, false, fmt.Errorf("resilience: 查询熔断器状态失败: %w", scanErr)
	}

	snap := Snapshot{
		ServiceID:            serviceID,
		State:                ParseState(state),
		ConsecutiveFailures:  failures,
		ConsecutiveSuccesses: successes,
		OpenedAt:             parseTime(openedAt.String),
		CooldownUntil:        parseTime(cooldown.String),
		Version:              version,
	}
	return snap, true, nil
}

// Save 以乐观锁方式写入状态。snap.Version 为调用方持有的当前版本。
func (s *SQLiteStateStore) Save(ctx context.Context, snap Snapshot) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	result, err := s.db.ExecContext(ctx,
		`UPDATE breaker_states
		 SET state = ?, consecutive_failures = ?, consecutive_successes = ?,
		     opened_at = ?, cooldown_until = ?, updated_at = ?, version = version + 1
		 WHERE service_id = ? AND version = ?`,
		snap.State.String(), snap.ConsecutiveFailures, snap.ConsecutiveSuccesses,
		formatTime(snap.OpenedAt), formatTime(snap.CooldownUntil), now,
		snap.ServiceID, snap.Version,
	)
	if err != nil {
		return fmt.Errorf("resilience: 更新熔断器状态失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resilience: 读取更新结果失败: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// 行不存在时插入；行存在但版本不匹配则让调用方重新加载。
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO breaker_states
		     (service_id, state, consecutive_failures, consecutive_successes, opened_at, cooldown_until, updated_at, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ServiceID, snap.State.String(), snap.ConsecutiveFailures, snap.ConsecutiveSuccesses,
		formatTime(snap.OpenedAt), formatTime(snap.CooldownUntil), now, snap.Version+1,
	)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrVersionConflict, snap.ServiceID)
	}
	return nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
