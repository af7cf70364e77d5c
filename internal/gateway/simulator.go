package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/config"
)

// 模拟盘的初始报价余额与默认行情，量级对齐 KRW 现货市场。
var (
	simulatedSeedBalance = decimal.NewFromInt(10_000_000)

	simulatedPrices = map[string]decimal.Decimal{
		"BTC/KRW": decimal.NewFromInt(163_000_000),
		"ETH/KRW": decimal.NewFromInt(6_200_000),
		"XRP/KRW": decimal.NewFromInt(4_100),
		"SOL/KRW": decimal.NewFromInt(270_000),
	}
)

// Simulator 提供内存撮合的模拟交易所，市价单立即按当前价格全额成交。
type Simulator struct {
	logger *zap.Logger
	quote  string

	mu       sync.Mutex
	accounts []string
	prices   map[string]decimal.Decimal
	balances map[string]map[string]decimal.Decimal
	orders   map[string]Order
}

var _ Exchange = (*Simulator)(nil)

// NewSimulator 根据配置构造模拟交易所，每个账户预置相同的报价余额。
func NewSimulator(cfg config.ExchangeConfig, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}

	prices := make(map[string]decimal.Decimal, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		if price, ok := simulatedPrices[symbol]; ok {
			prices[symbol] = price
		} else {
			prices[symbol] = decimal.NewFromInt(1_000_000)
		}
	}

	accounts := make([]string, 0, len(cfg.Accounts))
	balances := make(map[string]map[string]decimal.Decimal, len(cfg.Accounts))
	for _, creds := range cfg.Accounts {
		accounts = append(accounts, creds.ID)
		balances[creds.ID] = map[string]decimal.Decimal{
			cfg.Quote: simulatedSeedBalance,
		}
	}
	sort.Strings(accounts)

	return &Simulator{
		logger:   logger,
		quote:    cfg.Quote,
		accounts: accounts,
		prices:   prices,
		balances: balances,
		orders:   make(map[string]Order),
	}
}

// Accounts 返回模拟账户标识。
func (s *Simulator) Accounts() []string {
	out := make([]string, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// SetPrice 调整某交易对的模拟价格。
func (s *Simulator) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// SetBalance 直接设置某账户某币种的余额。
func (s *Simulator) SetBalance(accountID, currency string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.balances[accountID]; !ok {
		s.balances[accountID] = make(map[string]decimal.Decimal)
	}
	s.balances[accountID][currency] = amount
}

// Ticker 返回模拟行情。
func (s *Simulator) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, err := s.priceLocked(symbol)
	if err != nil {
		return Ticker{}, err
	}

	spread := price.Mul(decimal.NewFromFloat(0.0005))
	return Ticker{
		Symbol:    symbol,
		Last:      price,
		Bid:       price.Sub(spread),
		Ask:       price.Add(spread),
		Timestamp: time.Now().UTC(),
	}, nil
}

// Candles 围绕当前模拟价格合成低波动K线序列。
func (s *Simulator) Candles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	s.mu.Lock()
	price, err := s.priceLocked(symbol)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1
	}

	step := time.Hour
	if strings.EqualFold(timeframe, "1d") {
		step = 24 * time.Hour
	}

	mid := price.InexactFloat64()
	now := time.Now().UTC().Truncate(step)

	candles := make([]Candle, 0, limit)
	for i := limit; i > 0; i-- {
		candles = append(candles, Candle{
			Timestamp: now.Add(-time.Duration(i) * step),
			Open:      mid,
			High:      mid * 1.005,
			Low:       mid * 0.995,
			Close:     mid,
			Volume:    1,
		})
	}
	return candles, nil
}

// Balances 返回账户余额快照。
func (s *Simulator) Balances(ctx context.Context, accountID string) (AccountBalances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.balances[accountID]
	if !ok {
		return AccountBalances{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	assets := make(map[string]Balance, len(held))
	for currency, amount := range held {
		assets[currency] = Balance{Currency: currency, Free: amount, Total: amount}
	}

	return AccountBalances{
		AccountID: accountID,
		Assets:    assets,
		Timestamp: time.Now().UTC(),
	}, nil
}

// PlaceMarketOrder 立即按模拟价格全额成交并更新余额。
func (s *Simulator) PlaceMarketOrder(ctx context.Context, accountID, symbol, side string, quoteAmount decimal.Decimal) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.balances[accountID]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	price, err := s.priceLocked(symbol)
	if err != nil {
		return Order{}, err
	}
	if quoteAmount.Sign() <= 0 {
		return Order{}, fmt.Errorf("gateway: 下单金额无效 amount=%s", quoteAmount)
	}

	base := strings.SplitN(symbol, "/", 2)[0]
	qty := quoteAmount.Div(price)

	switch strings.ToLower(side) {
	case "buy":
		if held[s.quote].LessThan(quoteAmount) {
			return Order{}, fmt.Errorf("%w: account=%s free=%s need=%s",
				ErrInsufficientBalance, accountID, held[s.quote], quoteAmount)
		}
		held[s.quote] = held[s.quote].Sub(quoteAmount)
		held[base] = held[base].Add(qty)
	case "sell":
		if held[base].LessThan(qty) {
			return Order{}, fmt.Errorf("%w: account=%s free=%s need=%s",
				ErrInsufficientBalance, accountID, held[base], qty)
		}
		held[base] = held[base].Sub(qty)
		held[s.quote] = held[s.quote].Add(quoteAmount)
	default:
		return Order{}, fmt.Errorf("gateway: 不支持的订单方向 %s", side)
	}

	order := Order{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       strings.ToLower(side),
		State:      OrderClosed,
		Amount:     qty,
		FilledQty:  qty,
		FilledCost: quoteAmount,
		AvgPrice:   price,
		Timestamp:  time.Now().UTC(),
	}
	s.orders[order.ID] = order

	s.logger.Debug("模拟订单已成交",
		zap.String("account", accountID),
		zap.String("symbol", symbol),
		zap.String("side", order.Side),
		zap.String("quote_amount", quoteAmount.String()),
	)
	return order, nil
}

// OrderStatus 查询历史模拟订单。
func (s *Simulator) OrderStatus(ctx context.Context, accountID, orderID, symbol string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("gateway: 订单不存在 id=%s", orderID)
	}
	return order, nil
}

// Health 模拟盘始终可达。
func (s *Simulator) Health(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.accounts)+1)
	results["market"] = nil
	for _, id := range s.accounts {
		results[id] = nil
	}
	return results
}

func (s *Simulator) priceLocked(symbol string) (decimal.Decimal, error) {
	price, ok := s.prices[symbol]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}
	return price, nil
}
