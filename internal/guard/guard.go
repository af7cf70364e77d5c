package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kairos-exec/internal/store"
)

// Block 表示一条 (账户, 交易对) 封锁记录。
type Block struct {
	AccountID string     `json:"account_id"`
	Symbol    string     `json:"symbol"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ClearedAt *time.Time `json:"cleared_at,omitempty"`
}

// Service 持久化余额不足封锁。封锁存在期间该账户交易对拒绝新计划，
// 直到运维人工解除。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化封锁服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("guard: store 不能为空")
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
CREATE TABLE IF NOT EXISTS balance_blocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at TEXT NOT NULL,
	cleared_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_balance_blocks_pair ON balance_blocks(account_id, symbol);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("guard: 初始化表失败: %w", err)
	}
	return nil
}

// Block 对 (账户, 交易对) 加封锁。已有未解除封锁时仅更新原因。
func (s *Service) Block(ctx context.Context, accountID, symbol, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx,
		`UPDATE balance_blocks SET reason = ?, created_at = ? WHERE account_id = ? AND symbol = ? AND cleared_at IS NULL`,
		reason, now, accountID, symbol,
	)
	if err != nil {
		return fmt.Errorf("guard: 更新封锁失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("guard: 更新封锁失败: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO balance_blocks (account_id, symbol, reason, created_at) VALUES (?, ?, ?, ?)`,
		accountID, symbol, reason, now,
	)
	if err != nil {
		return fmt.Errorf("guard: 写入封锁失败: %w", err)
	}

	s.logger.Warn("已封锁账户交易对",
		zap.String("account", accountID),
		zap.String("symbol", symbol),
		zap.String("reason", reason),
	)
	return nil
}

// Blocked 查询 (账户, 交易对) 是否处于封锁中。
func (s *Service) Blocked(ctx context.Context, accountID, symbol string) (bool, string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT reason FROM balance_blocks WHERE account_id = ? AND symbol = ? AND cleared_at IS NULL ORDER BY id DESC LIMIT 1`,
		accountID, symbol,
	)

	var reason string
	switch scanErr := row.Scan(&reason); {
	case scanErr == nil:
		return true, reason, nil
	case errors.Is(scanErr, sql.ErrNoRows):
		return false, "", nil
	default:
		return false, "", fmt.Errorf("guard: 查询封锁失败: %w", scanErr)
	}
}

// Clear 人工解除 (账户, 交易对) 的封锁，返回是否有封锁被解除。
func (s *Service) Clear(ctx context.Context, accountID, symbol string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE balance_blocks SET cleared_at = ? WHERE account_id = ? AND symbol = ? AND cleared_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), accountID, symbol,
	)
	if err != nil {
		return false, fmt.Errorf("guard: 解除封锁失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("guard: 解除封锁失败: %w", err)
	}

	if affected > 0 {
		s.logger.Info("已解除封锁",
			zap.String("account", accountID),
			zap.String("symbol", symbol),
		)
	}
	return affected > 0, nil
}

// ClearAll 解除全部封锁，供运维清理指令使用，返回解除数量。
func (s *Service) ClearAll(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE balance_blocks SET cleared_at = ? WHERE cleared_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("guard: 批量解除封锁失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("guard: 批量解除封锁失败: %w", err)
	}
	return affected, nil
}

// ListActive 返回全部未解除的封锁。
func (s *Service) ListActive(ctx context.Context) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, symbol, reason, created_at FROM balance_blocks WHERE cleared_at IS NULL ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("guard: 查询封锁列表失败: %w", err)
	}
	defer rows.Close()

	blocks := make([]Block, 0)
	for rows.Next() {
		var block Block
		var created string
		if scanErr := rows.Scan(&block.AccountID, &block.Symbol, &block.Reason, &created); scanErr != nil {
			return nil, fmt.Errorf("guard: 解析封锁失败: %w", scanErr)
		}
		if ts, parseErr := time.Parse(time.RFC3339, created); parseErr == nil {
			block.CreatedAt = ts
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("guard: 读取封锁失败: %w", err)
	}
	return blocks, nil
}
