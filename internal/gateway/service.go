package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kairos-exec/internal/config"
	"kairos-exec/internal/resilience"
)

// Service 聚合多账户客户端，并为每次交易所调用套上熔断与重试。
// 行情接口走独立的公共客户端，账户接口按账户路由，熔断器按账户隔离。
type Service struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	retryer  *resilience.Retryer
	breakers *resilience.Registry

	market  *Client
	clients map[string]*Client
}

var _ Exchange = (*Service)(nil)

// NewService 根据配置构造所有账户客户端。
func NewService(cfg config.ExchangeConfig, policy resilience.Policy, breakers *resilience.Registry, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		return nil, fmt.Errorf("gateway: 缺少熔断器注册表")
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("gateway: 未配置任何账户")
	}

	market, err := NewClient(cfg, config.AccountCredentials{ID: "public"}, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}

	clients := make(map[string]*Client, len(cfg.Accounts))
	for _, creds := range cfg.Accounts {
		client, err := NewClient(cfg, creds, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化账户客户端失败: %w", err)
		}
		clients[creds.ID] = client
	}

	return &Service{
		cfg:      cfg,
		logger:   logger,
		retryer:  resilience.NewRetryer(policy, Classify, logger),
		breakers: breakers,
		market:   market,
		clients:  clients,
	}, nil
}

// Accounts 返回已注册的账户标识，按字典序排列。
func (s *Service) Accounts() []string {
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Ticker 获取最新行情。
func (s *Service) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	var result Ticker
	err := s.retryer.Do(ctx, "fetch_ticker", s.marketBreaker(), func(callCtx context.Context) error {
		ticker, err := s.market.Ticker(callCtx, symbol)
		if err != nil {
			return err
		}
		result = ticker
		return nil
	})
	return result, err
}

// Candles 获取指定周期的K线数据。
func (s *Service) Candles(ctx context.Context, symbol, timeframe string, limit int64) ([]Candle, error) {
	var result []Candle
	operation := fmt.Sprintf("fetch_ohlcv_%s", timeframe)
	err := s.retryer.Do(ctx, operation, s.marketBreaker(), func(callCtx context.Context) error {
		candles, err := s.market.Candles(callCtx, symbol, timeframe, limit)
		if err != nil {
			return err
		}
		result = candles
		return nil
	})
	return result, err
}

// Balances 获取指定账户的余额。
func (s *Service) Balances(ctx context.Context, accountID string) (AccountBalances, error) {
	client, err := s.client(accountID)
	if err != nil {
		return AccountBalances{}, err
	}

	var result AccountBalances
	err = s.retryer.Do(ctx, "fetch_balance", s.accountBreaker(accountID), func(callCtx context.Context) error {
		balances, err := client.Balances(callCtx)
		if err != nil {
			return err
		}
		result = balances
		return nil
	})
	return result, err
}

// PlaceMarketOrder 在指定账户提交市价单。
func (s *Service) PlaceMarketOrder(ctx context.Context, accountID, symbol, side string, quoteAmount decimal.Decimal) (Order, error) {
	client, err := s.client(accountID)
	if err != nil {
		return Order{}, err
	}

	var result Order
	err = s.retryer.Do(ctx, "create_market_order", s.accountBreaker(accountID), func(callCtx context.Context) error {
		order, err := client.PlaceMarketOrder(callCtx, symbol, side, quoteAmount)
		if err != nil {
			return err
		}
		result = order
		return nil
	})
	return result, err
}

// OrderStatus 查询指定账户的订单状态。
func (s *Service) OrderStatus(ctx context.Context, accountID, orderID, symbol string) (Order, error) {
	client, err := s.client(accountID)
	if err != nil {
		return Order{}, err
	}

	var result Order
	err = s.retryer.Do(ctx, "fetch_order", s.accountBreaker(accountID), func(callCtx context.Context) error {
		order, err := client.OrderStatus(callCtx, orderID, symbol)
		if err != nil {
			return err
		}
		result = order
		return nil
	})
	return result, err
}

// Health 并发探测行情与各账户可达性。探测为单次调用，不计入熔断统计。
func (s *Service) Health(ctx context.Context) map[string]error {
	probeSymbol := ""
	if len(s.cfg.Symbols) > 0 {
		probeSymbol = s.cfg.Symbols[0]
	}

	var mu sync.Mutex
	results := make(map[string]error, len(s.clients)+1)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := s.market.Ping(groupCtx, probeSymbol)
		mu.Lock()
		results["market"] = err
		mu.Unlock()
		return nil
	})

	for id, client := range s.clients {
		group.Go(func() error {
			_, err := client.Balances(groupCtx)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}

	_ = group.Wait()
	return results
}

func (s *Service) client(accountID string) (*Client, error) {
	client, ok := s.clients[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return client, nil
}

func (s *Service) marketBreaker() *resilience.Breaker {
	return s.breakers.Get(s.cfg.Name + ":public")
}

func (s *Service) accountBreaker(accountID string) *resilience.Breaker {
	return s.breakers.Get(s.cfg.Name + ":" + accountID)
}
