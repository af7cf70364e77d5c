package indicator

import (
	"fmt"
	"sync"

	talib "github.com/markcheno/go-talib"

	"kairos-exec/internal/gateway"
)

const atrPeriod = 14

// ATRResult 保存 ATR 指标。Relative 为 ATR 与最新收盘价之比。
type ATRResult struct {
	Absolute     float64
	Relative     float64
	PrevAbsolute float64
}

// Result 为一次波动率计算的汇总。
type Result struct {
	Symbol        string
	Timeframe     string
	ATR           ATRResult
	Close         float64
	PreviousClose float64
}

// RelativePercent 返回 ATR 相对收盘价的百分比。
func (r Result) RelativePercent() float64 {
	return r.ATR.Relative * 100
}

type cacheEntry struct {
	key    string
	result Result
}

// Calculator 提供波动率指标计算并带有简单缓存，按交易对与周期分键。
type Calculator struct {
	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		cache: make(map[string]cacheEntry),
	}
}

// Compute 依据给定K线计算 ATR 波动率。同一根K线上的重复调用命中缓存。
func (c *Calculator) Compute(symbol, timeframe string, candles []gateway.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("计算指标失败: 输入K线为空")
	}
	if len(candles) <= atrPeriod {
		return Result{}, fmt.Errorf("计算指标失败: K线数量不足 need=%d got=%d", atrPeriod+1, len(candles))
	}

	series := NewSeries(candles)
	slot := symbol + ":" + timeframe
	cacheKey := fmt.Sprintf("%s:%d:%d", slot, series.Len(), series.Timestamps[len(series.Timestamps)-1].Unix())

	c.mu.Lock()
	if entry, ok := c.cache[slot]; ok && entry.key == cacheKey {
		c.mu.Unlock()
		return entry.result, nil
	}
	c.mu.Unlock()

	result := c.calculate(symbol, timeframe, series)

	c.mu.Lock()
	c.cache[slot] = cacheEntry{key: cacheKey, result: result}
	c.mu.Unlock()

	return result, nil
}

func (c *Calculator) calculate(symbol, timeframe string, series Series) Result {
	atr := talib.Atr(series.High, series.Low, series.Close, atrPeriod)

	lastClose := Last(series.Close)
	atrAbs := Last(atr)

	return Result{
		Symbol:        symbol,
		Timeframe:     timeframe,
		ATR:           ATRResult{Absolute: atrAbs, Relative: SafeDivide(atrAbs, lastClose), PrevAbsolute: Prev(atr)},
		Close:         lastClose,
		PreviousClose: Prev(series.Close),
	}
}
