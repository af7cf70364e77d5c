package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Candle 表示一根K线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Ticker 表示最新行情快照。
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Balance 表示单一币种的余额。
type Balance struct {
	Currency string
	Free     decimal.Decimal
	Total    decimal.Decimal
}

// AccountBalances 表示某账户全部币种余额。
type AccountBalances struct {
	AccountID string
	Assets    map[string]Balance
	Timestamp time.Time
}

// Asset 返回指定币种余额，不存在时返回零值。
func (b AccountBalances) Asset(currency string) Balance {
	if asset, ok := b.Assets[currency]; ok {
		return asset
	}
	return Balance{Currency: currency}
}

// OrderState 表示统一订单状态。
type OrderState string

const (
	OrderOpen     OrderState = "open"
	OrderClosed   OrderState = "closed"
	OrderCanceled OrderState = "canceled"
	OrderRejected OrderState = "rejected"
	OrderExpired  OrderState = "expired"
)

// Terminal 判断订单是否已到达终态。
func (s OrderState) Terminal() bool {
	switch s {
	case OrderClosed, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// Order 表示交易所返回的订单。
type Order struct {
	ID         string
	Symbol     string
	Side       string
	State      OrderState
	Amount     decimal.Decimal
	FilledQty  decimal.Decimal
	FilledCost decimal.Decimal
	AvgPrice   decimal.Decimal
	Timestamp  time.Time
}

// Exchange 定义调度、账户与健康模块依赖的交易所能力。
type Exchange interface {
	Accounts() []string
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error)
	Balances(ctx context.Context, accountID string) (AccountBalances, error)
	PlaceMarketOrder(ctx context.Context, accountID, symbol, side string, quoteAmount decimal.Decimal) (Order, error)
	OrderStatus(ctx context.Context, accountID, orderID, symbol string) (Order, error)
	Health(ctx context.Context) map[string]error
}
