package indicator

import (
	"math"
	"testing"
	"time"

	"kairos-exec/internal/gateway"
)

func flatCandles(n int, close, spread float64) []gateway.Candle {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]gateway.Candle, 0, n)
	for i := 0; i < n; i++ {
		candles = append(candles, gateway.Candle{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Open:      close,
			High:      close + spread/2,
			Low:       close - spread/2,
			Close:     close,
			Volume:    1,
		})
	}
	return candles
}

func TestCalculator_RelativeATRFromConstantRange(t *testing.T) {
	calc := NewCalculator()

	// 每根K线真实波幅恒为 2，对应收盘价 100 的 2%。
	result, err := calc.Compute("BTC/KRW", "1d", flatCandles(30, 100, 2))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}

	if math.Abs(result.ATR.Absolute-2.0) > 1e-9 {
		t.Fatalf("expected ATR 2.0, got %f", result.ATR.Absolute)
	}
	if math.Abs(result.RelativePercent()-2.0) > 1e-9 {
		t.Fatalf("expected relative ATR 2%%, got %f", result.RelativePercent())
	}
	if result.Close != 100 {
		t.Fatalf("expected close 100, got %f", result.Close)
	}
}

func TestCalculator_WideRangeReadsVolatile(t *testing.T) {
	calc := NewCalculator()

	result, err := calc.Compute("SOL/KRW", "1d", flatCandles(30, 100, 12))
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if result.RelativePercent() <= 5.0 {
		t.Fatalf("expected relative ATR above 5%%, got %f", result.RelativePercent())
	}
}

func TestCalculator_RejectsShortSeries(t *testing.T) {
	calc := NewCalculator()

	if _, err := calc.Compute("BTC/KRW", "1d", flatCandles(10, 100, 2)); err == nil {
		t.Fatalf("expected error for short series")
	}
	if _, err := calc.Compute("BTC/KRW", "1d", nil); err == nil {
		t.Fatalf("expected error for empty series")
	}
}

func TestCalculator_CachesSameCandle(t *testing.T) {
	calc := NewCalculator()
	candles := flatCandles(30, 100, 2)

	first, err := calc.Compute("BTC/KRW", "1d", candles)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	second, err := calc.Compute("BTC/KRW", "1d", candles)
	if err != nil {
		t.Fatalf("Compute returned error: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached result for identical series")
	}
}
