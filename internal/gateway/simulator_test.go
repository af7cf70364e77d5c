package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"kairos-exec/internal/config"
)

func newTestSimulator() *Simulator {
	cfg := config.ExchangeConfig{
		Name:    "coinone",
		Quote:   "KRW",
		Symbols: []string{"BTC/KRW", "ETH/KRW"},
		Accounts: []config.AccountCredentials{
			{ID: "acct-1"},
			{ID: "acct-2"},
		},
	}
	return NewSimulator(cfg, nil)
}

func TestSimulator_BuyMovesQuoteIntoBase(t *testing.T) {
	sim := newTestSimulator()
	ctx := context.Background()

	sim.SetPrice("BTC/KRW", decimal.NewFromInt(100_000_000))

	order, err := sim.PlaceMarketOrder(ctx, "acct-1", "BTC/KRW", "buy", decimal.NewFromInt(1_000_000))
	if err != nil {
		t.Fatalf("PlaceMarketOrder returned error: %v", err)
	}
	if order.State != OrderClosed {
		t.Fatalf("expected immediate fill, got %s", order.State)
	}

	balances, err := sim.Balances(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Balances returned error: %v", err)
	}
	if got := balances.Asset("KRW").Free; !got.Equal(decimal.NewFromInt(9_000_000)) {
		t.Fatalf("expected 9000000 KRW left, got %s", got)
	}
	if got := balances.Asset("BTC").Free; !got.Equal(decimal.NewFromFloat(0.01)) {
		t.Fatalf("expected 0.01 BTC acquired, got %s", got)
	}

	fetched, err := sim.OrderStatus(ctx, "acct-1", order.ID, "BTC/KRW")
	if err != nil {
		t.Fatalf("OrderStatus returned error: %v", err)
	}
	if !fetched.FilledCost.Equal(decimal.NewFromInt(1_000_000)) {
		t.Fatalf("expected filled cost 1000000, got %s", fetched.FilledCost)
	}
}

func TestSimulator_SellRoundTripRestoresQuote(t *testing.T) {
	sim := newTestSimulator()
	ctx := context.Background()

	sim.SetPrice("ETH/KRW", decimal.NewFromInt(5_000_000))

	if _, err := sim.PlaceMarketOrder(ctx, "acct-1", "ETH/KRW", "buy", decimal.NewFromInt(2_000_000)); err != nil {
		t.Fatalf("buy returned error: %v", err)
	}
	if _, err := sim.PlaceMarketOrder(ctx, "acct-1", "ETH/KRW", "sell", decimal.NewFromInt(2_000_000)); err != nil {
		t.Fatalf("sell returned error: %v", err)
	}

	balances, err := sim.Balances(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Balances returned error: %v", err)
	}
	if got := balances.Asset("KRW").Free; !got.Equal(decimal.NewFromInt(10_000_000)) {
		t.Fatalf("expected quote restored to 10000000, got %s", got)
	}
	if got := balances.Asset("ETH").Free; !got.IsZero() {
		t.Fatalf("expected base position flat, got %s", got)
	}
}

func TestSimulator_InsufficientBalanceIsSentinel(t *testing.T) {
	sim := newTestSimulator()

	_, err := sim.PlaceMarketOrder(context.Background(), "acct-1", "BTC/KRW", "buy", decimal.NewFromInt(50_000_000))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestSimulator_UnknownSymbolAndAccount(t *testing.T) {
	sim := newTestSimulator()
	ctx := context.Background()

	if _, err := sim.Ticker(ctx, "DOGE/KRW"); !errors.Is(err, ErrUnsupportedSymbol) {
		t.Fatalf("expected ErrUnsupportedSymbol, got %v", err)
	}
	if _, err := sim.Balances(ctx, "ghost"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestSimulator_CandlesStayNearPrice(t *testing.T) {
	sim := newTestSimulator()

	candles, err := sim.Candles(context.Background(), "BTC/KRW", "1d", 20)
	if err != nil {
		t.Fatalf("Candles returned error: %v", err)
	}
	if len(candles) != 20 {
		t.Fatalf("expected 20 candles, got %d", len(candles))
	}
	for _, candle := range candles {
		if candle.High < candle.Low || candle.Close <= 0 {
			t.Fatalf("malformed candle: %+v", candle)
		}
	}
	if !candles[0].Timestamp.Before(candles[len(candles)-1].Timestamp) {
		t.Fatalf("expected ascending timestamps")
	}
}
