package planner

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/config"
)

// ErrInvalidDelta 表示调仓指令不可执行：方向或交易对非法、金额非正或低于最小成交额。
var ErrInvalidDelta = errors.New("planner: 无效的调仓指令")

// Settings 控制切片策略。金额均为报价货币。
type Settings struct {
	VolatileThresholdPct float64
	StableSlices         int
	StableInterval       time.Duration
	VolatileSlices       int
	VolatileInterval     time.Duration
	MinOrderAmount       decimal.Decimal
	MinTradeAmount       decimal.Decimal
	ImmediateThreshold   decimal.Decimal
	Symbols              []string
}

// SettingsFromConfig 从配置构造切片参数。
func SettingsFromConfig(cfg config.PlannerConfig, symbols []string) Settings {
	return Settings{
		VolatileThresholdPct: cfg.ATRVolatileThreshold,
		StableSlices:         cfg.StableSlices,
		StableInterval:       cfg.StableInterval,
		VolatileSlices:       cfg.VolatileSlices,
		VolatileInterval:     cfg.VolatileInterval,
		MinOrderAmount:       decimal.NewFromInt(cfg.MinOrderAmount),
		MinTradeAmount:       decimal.NewFromInt(cfg.MinTradeAmount),
		ImmediateThreshold:   decimal.NewFromInt(cfg.ImmediateThreshold),
		Symbols:              symbols,
	}
}

// Planner 把调仓差额转换为 TWAP 执行计划。
type Planner struct {
	settings  Settings
	supported map[string]bool
	logger    *zap.Logger
	now       func() time.Time
}

// New 创建 Planner。
func New(settings Settings, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}

	supported := make(map[string]bool, len(settings.Symbols))
	for _, symbol := range settings.Symbols {
		supported[symbol] = true
	}

	return &Planner{
		settings:  settings,
		supported: supported,
		logger:    logger,
		now:       time.Now,
	}
}

// Build 根据差额、方向与波动率生成执行计划。
// 切片金额取整到报价货币最小单位，末片吸收余数，保证合计与总额精确相等。
func (p *Planner) Build(accountID, symbol string, side Side, total decimal.Decimal, atrPct float64) (*Plan, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: 未知方向 %q", ErrInvalidDelta, side)
	}
	if !p.supported[symbol] {
		return nil, fmt.Errorf("%w: 不支持的交易对 %s", ErrInvalidDelta, symbol)
	}
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("%w: 金额必须为正 total=%s", ErrInvalidDelta, total)
	}
	if total.LessThan(p.settings.MinTradeAmount) {
		return nil, fmt.Errorf("%w: 金额低于最小成交额 total=%s min=%s",
			ErrInvalidDelta, total, p.settings.MinTradeAmount)
	}

	regime := RegimeStable
	count := p.settings.StableSlices
	interval := p.settings.StableInterval
	if atrPct > p.settings.VolatileThresholdPct {
		regime = RegimeVolatile
		count = p.settings.VolatileSlices
		interval = p.settings.VolatileInterval
	}

	// 小额直接单笔执行，不做时间分摊。
	if total.LessThanOrEqual(p.settings.ImmediateThreshold) {
		count = 1
		interval = 0
	}

	// 保证每片不低于交易所最低下单额，不足则对半收缩，最少保留一片。
	for count > 1 && total.Div(decimal.NewFromInt(int64(count))).LessThan(p.settings.MinOrderAmount) {
		count /= 2
	}
	if count < 1 {
		count = 1
	}

	now := p.now().UTC()
	plan := &Plan{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		Symbol:        symbol,
		Side:          side,
		TotalAmount:   total,
		SliceCount:    count,
		SliceInterval: interval,
		Regime:        regime,
		Status:        PlanPending,
		CreatedAt:     now,
		Slices:        buildSlices(total, count, interval, now),
	}
	for i := range plan.Slices {
		plan.Slices[i].PlanID = plan.ID
	}

	p.logger.Info("已生成执行计划",
		zap.String("plan_id", plan.ID),
		zap.String("account", accountID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("total", total.String()),
		zap.String("regime", string(regime)),
		zap.Int("slices", count),
		zap.Duration("interval", interval),
		zap.Float64("atr_pct", atrPct),
	)
	return plan, nil
}

func buildSlices(total decimal.Decimal, count int, interval time.Duration, start time.Time) []Slice {
	per := total.Div(decimal.NewFromInt(int64(count))).Floor()

	slices := make([]Slice, 0, count)
	allocated := decimal.Zero
	for i := 0; i < count; i++ {
		amount := per
		if i == count-1 {
			amount = total.Sub(allocated)
		}
		allocated = allocated.Add(amount)

		slices = append(slices, Slice{
			Index:       i,
			ScheduledAt: start.Add(time.Duration(i) * interval),
			Amount:      amount,
			Status:      SlicePending,
		})
	}
	return slices
}
