package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/gateway"
)

type balanceSource interface {
	Balances(ctx context.Context, accountID string) (gateway.AccountBalances, error)
}

// Snapshot 表示某账户一次余额快照。
type Snapshot struct {
	AccountID string                     `json:"account_id"`
	Assets    map[string]gateway.Balance `json:"assets"`
	QuoteFree decimal.Decimal            `json:"quote_free"`
	Timestamp time.Time                  `json:"timestamp"`
}

// Manager 维护账户余额状态，并提供带安全边际的可用资金预检。
type Manager struct {
	source       balanceSource
	quote        string
	safetyMargin decimal.Decimal
	logger       *zap.Logger

	mu   sync.Mutex
	last map[string]Snapshot
}

// NewManager 创建余额管理器。safetyMargin 取 (0,1]，预留手续费与行情滑动空间。
func NewManager(source balanceSource, quote string, safetyMargin float64, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if safetyMargin <= 0 || safetyMargin > 1 {
		safetyMargin = 1
	}

	return &Manager{
		source:       source,
		quote:        quote,
		safetyMargin: decimal.NewFromFloat(safetyMargin),
		logger:       logger,
		last:         make(map[string]Snapshot),
	}
}

// Snapshot 拉取账户最新余额并缓存，供状态接口复用。
func (m *Manager) Snapshot(ctx context.Context, accountID string) (Snapshot, error) {
	balances, err := m.source.Balances(ctx, accountID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("获取账户余额失败: %w", err)
	}

	snapshot := Snapshot{
		AccountID: accountID,
		Assets:    balances.Assets,
		QuoteFree: balances.Asset(m.quote).Free,
		Timestamp: balances.Timestamp,
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	m.last[accountID] = snapshot
	m.mu.Unlock()

	return snapshot, nil
}

// AvailableQuote 返回扣除安全边际后的可用报价资金，向下取整到最小货币单位。
func (m *Manager) AvailableQuote(ctx context.Context, accountID string) (decimal.Decimal, error) {
	snapshot, err := m.Snapshot(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return snapshot.QuoteFree.Mul(m.safetyMargin).Floor(), nil
}

// LastSnapshot 返回最近一次成功的快照。
func (m *Manager) LastSnapshot(accountID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.last[accountID]
	return snapshot, ok
}

// LastSnapshots 返回全部账户的最近快照。
func (m *Manager) LastSnapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.last))
	for _, snapshot := range m.last {
		out = append(out, snapshot)
	}
	return out
}
