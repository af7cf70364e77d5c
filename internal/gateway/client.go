package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/config"
)

// Client 封装单个账户的 Coinone 接入。调用为单次执行，重试与熔断由 Service 统一处理。
type Client struct {
	accountID string
	logger    *zap.Logger
	exchange  *ccxt.Coinone

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Coinone 现货客户端。凭证为空时仅能访问公共行情接口。
func NewClient(cfg config.ExchangeConfig, creds config.AccountCredentials, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			// 市价买单直接以报价金额下单，不按基础数量换算。
			"createMarketBuyOrderRequiresPrice": false,
		},
	}

	if creds.APIKey != "" {
		userConfig["apiKey"] = creds.APIKey
	}
	if creds.APISecret != "" {
		userConfig["secret"] = creds.APISecret
	}

	ex := ccxt.NewCoinone(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		accountID: creds.ID,
		logger:    logger,
		exchange:  ex,
	}, nil
}

// AccountID 返回该客户端绑定的账户标识。
func (c *Client) AccountID() string {
	return c.accountID
}

// Ticker 获取最新行情。
func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Ticker{}, err
	}

	raw, err := c.exchange.FetchTicker(symbol)
	if err != nil {
		return Ticker{}, normalizeError(err)
	}

	ts := time.Now().UTC()
	if raw.Timestamp != nil {
		ts = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	return Ticker{
		Symbol:    symbol,
		Last:      decimal.NewFromFloat(derefFloat(raw.Last)),
		Bid:       decimal.NewFromFloat(derefFloat(raw.Bid)),
		Ask:       decimal.NewFromFloat(derefFloat(raw.Ask)),
		Timestamp: ts,
	}, nil
}

// Candles 获取指定周期的K线数据。
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	if limit <= 0 {
		limit = 1
	}

	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	raw, err := c.exchange.FetchOHLCV(
		symbol,
		ccxt.WithFetchOHLCVTimeframe(timeframe),
		ccxt.WithFetchOHLCVLimit(limit),
	)
	if err != nil {
		return nil, normalizeError(err)
	}

	candles := make([]Candle, 0, len(raw))
	for _, item := range raw {
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(item.Timestamp).UTC(),
			Open:      item.Open,
			High:      item.High,
			Low:       item.Low,
			Close:     item.Close,
			Volume:    item.Volume,
		})
	}

	return candles, nil
}

// Balances 获取账户全部币种余额。
func (c *Client) Balances(ctx context.Context) (AccountBalances, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return AccountBalances{}, err
	}

	raw, err := c.exchange.FetchBalance()
	if err != nil {
		return AccountBalances{}, normalizeError(err)
	}

	assets := make(map[string]Balance)
	if raw.Total != nil {
		for currency, total := range raw.Total {
			if total == nil {
				continue
			}
			asset := assets[currency]
			asset.Currency = currency
			asset.Total = decimal.NewFromFloat(*total)
			assets[currency] = asset
		}
	}
	if raw.Free != nil {
		for currency, free := range raw.Free {
			if free == nil {
				continue
			}
			asset := assets[currency]
			asset.Currency = currency
			asset.Free = decimal.NewFromFloat(*free)
			assets[currency] = asset
		}
	}

	return AccountBalances{
		AccountID: c.accountID,
		Assets:    assets,
		Timestamp: time.Now().UTC(),
	}, nil
}

// PlaceMarketOrder 按报价金额提交市价单。卖单按最新价换算成基础数量。
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, quoteAmount decimal.Decimal) (Order, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Order{}, err
	}
	if quoteAmount.Sign() <= 0 {
		return Order{}, fmt.Errorf("gateway: 下单金额无效 amount=%s", quoteAmount)
	}

	amount := quoteAmount.InexactFloat64()
	if strings.EqualFold(side, "sell") {
		ticker, err := c.Ticker(ctx, symbol)
		if err != nil {
			return Order{}, fmt.Errorf("换算卖出数量失败: %w", err)
		}
		if ticker.Last.Sign() <= 0 {
			return Order{}, fmt.Errorf("gateway: 行情价格无效 symbol=%s", symbol)
		}
		amount = quoteAmount.Div(ticker.Last).InexactFloat64()
	}

	raw, err := c.exchange.CreateMarketOrder(symbol, strings.ToLower(side), amount)
	if err != nil {
		return Order{}, normalizeError(err)
	}

	order := convertOrder(symbol, raw)
	c.logger.Info("市价单已提交",
		zap.String("account", c.accountID),
		zap.String("symbol", symbol),
		zap.String("side", strings.ToLower(side)),
		zap.String("quote_amount", quoteAmount.String()),
		zap.String("order_id", order.ID),
	)
	return order, nil
}

// OrderStatus 查询订单当前状态。
func (c *Client) OrderStatus(ctx context.Context, orderID, symbol string) (Order, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Order{}, err
	}

	raw, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
	if err != nil {
		return Order{}, normalizeError(err)
	}

	return convertOrder(symbol, raw), nil
}

// Ping 做一次轻量可达性探测。
func (c *Client) Ping(ctx context.Context, symbol string) error {
	_, err := c.Ticker(ctx, symbol)
	return err
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if _, err := c.exchange.LoadMarkets(); err != nil {
		return normalizeError(err)
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("account", c.accountID))
	return nil
}

func convertOrder(symbol string, raw ccxt.Order) Order {
	state := OrderState(strings.ToLower(derefString(raw.Status)))
	if state == "" {
		state = OrderOpen
	}

	ts := time.Now().UTC()
	if raw.Timestamp != nil {
		ts = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	return Order{
		ID:         derefString(raw.Id),
		Symbol:     symbol,
		Side:       strings.ToLower(derefString(raw.Side)),
		State:      state,
		Amount:     decimal.NewFromFloat(derefFloat(raw.Amount)),
		FilledQty:  decimal.NewFromFloat(derefFloat(raw.Filled)),
		FilledCost: decimal.NewFromFloat(derefFloat(raw.Cost)),
		AvgPrice:   decimal.NewFromFloat(derefFloat(raw.Average)),
		Timestamp:  ts,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
