package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testSettings() Settings {
	return Settings{
		VolatileThresholdPct: 5.0,
		StableSlices:         12,
		StableInterval:       30 * time.Minute,
		VolatileSlices:       24,
		VolatileInterval:     time.Hour,
		MinOrderAmount:       decimal.NewFromInt(5_000),
		MinTradeAmount:       decimal.NewFromInt(10_000),
		ImmediateThreshold:   decimal.NewFromInt(50_000),
		Symbols:              []string{"BTC/KRW", "ETH/KRW", "XRP/KRW", "SOL/KRW"},
	}
}

func newTestPlanner(t *testing.T) (*Planner, time.Time) {
	t.Helper()
	p := New(testSettings(), nil)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return start }
	return p, start
}

func sliceSum(slices []Slice) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range slices {
		sum = sum.Add(s.Amount)
	}
	return sum
}

func TestBuild_StableRegimeTwelveSlices(t *testing.T) {
	p, start := newTestPlanner(t)

	plan, err := p.Build("acct-1", "BTC/KRW", SideBuy, decimal.NewFromInt(100_000), 2.0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if plan.Regime != RegimeStable {
		t.Fatalf("expected stable regime, got %s", plan.Regime)
	}
	if plan.SliceCount != 12 || len(plan.Slices) != 12 {
		t.Fatalf("expected 12 slices, got %d/%d", plan.SliceCount, len(plan.Slices))
	}
	if plan.SliceInterval != 30*time.Minute {
		t.Fatalf("expected 30m interval, got %v", plan.SliceInterval)
	}

	for i, slice := range plan.Slices[:11] {
		if !slice.Amount.Equal(decimal.NewFromInt(8_333)) {
			t.Fatalf("slice %d: expected 8333, got %s", i, slice.Amount)
		}
	}
	if last := plan.Slices[11].Amount; !last.Equal(decimal.NewFromInt(8_337)) {
		t.Fatalf("expected last slice 8337, got %s", last)
	}
	if sum := sliceSum(plan.Slices); !sum.Equal(plan.TotalAmount) {
		t.Fatalf("slice sum %s != total %s", sum, plan.TotalAmount)
	}

	if !plan.Slices[0].ScheduledAt.Equal(start) {
		t.Fatalf("expected first slice due immediately, got %v", plan.Slices[0].ScheduledAt)
	}
	if got := plan.Slices[5].ScheduledAt; !got.Equal(start.Add(150 * time.Minute)) {
		t.Fatalf("expected slice 5 at +150m, got %v", got)
	}
}

func TestBuild_VolatileRegimeTwentyFourSlices(t *testing.T) {
	p, _ := newTestPlanner(t)

	plan, err := p.Build("acct-1", "ETH/KRW", SideSell, decimal.NewFromInt(1_000_000), 7.0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if plan.Regime != RegimeVolatile {
		t.Fatalf("expected volatile regime, got %s", plan.Regime)
	}
	if plan.SliceCount != 24 {
		t.Fatalf("expected 24 slices, got %d", plan.SliceCount)
	}
	if plan.SliceInterval != time.Hour {
		t.Fatalf("expected 60m interval, got %v", plan.SliceInterval)
	}
	if sum := sliceSum(plan.Slices); !sum.Equal(plan.TotalAmount) {
		t.Fatalf("slice sum %s != total %s", sum, plan.TotalAmount)
	}
}

func TestBuild_HalvesSliceCountBelowMinimum(t *testing.T) {
	p, _ := newTestPlanner(t)

	// 59999/12 < 5000，对半收缩一次后 59999/6 达标。
	plan, err := p.Build("acct-1", "XRP/KRW", SideBuy, decimal.NewFromInt(59_999), 1.0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if plan.SliceCount != 6 {
		t.Fatalf("expected 6 slices after halving, got %d", plan.SliceCount)
	}
	for i, slice := range plan.Slices {
		if slice.Amount.LessThan(decimal.NewFromInt(5_000)) {
			t.Fatalf("slice %d below exchange minimum: %s", i, slice.Amount)
		}
	}
	if sum := sliceSum(plan.Slices); !sum.Equal(plan.TotalAmount) {
		t.Fatalf("slice sum %s != total %s", sum, plan.TotalAmount)
	}
}

func TestBuild_HalvingFloorsAtSingleSlice(t *testing.T) {
	settings := testSettings()
	settings.MinOrderAmount = decimal.NewFromInt(20_000)
	settings.ImmediateThreshold = decimal.NewFromInt(15_000)
	p := New(settings, nil)

	plan, err := p.Build("acct-1", "BTC/KRW", SideBuy, decimal.NewFromInt(16_000), 1.0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if plan.SliceCount != 1 {
		t.Fatalf("expected halving to floor at 1 slice, got %d", plan.SliceCount)
	}
	if !plan.Slices[0].Amount.Equal(plan.TotalAmount) {
		t.Fatalf("single slice must carry the full amount, got %s", plan.Slices[0].Amount)
	}
}

func TestBuild_ImmediateThresholdSingleSlice(t *testing.T) {
	p, start := newTestPlanner(t)

	plan, err := p.Build("acct-1", "SOL/KRW", SideBuy, decimal.NewFromInt(50_000), 9.0)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if plan.SliceCount != 1 {
		t.Fatalf("expected single immediate slice, got %d", plan.SliceCount)
	}
	if !plan.Slices[0].ScheduledAt.Equal(start) {
		t.Fatalf("expected immediate execution, got %v", plan.Slices[0].ScheduledAt)
	}
	if plan.Regime != RegimeVolatile {
		t.Fatalf("regime should still reflect the market, got %s", plan.Regime)
	}
}

func TestBuild_RejectsInvalidDeltas(t *testing.T) {
	p, _ := newTestPlanner(t)

	cases := []struct {
		name   string
		symbol string
		side   Side
		total  decimal.Decimal
	}{
		{"zero total", "BTC/KRW", SideBuy, decimal.Zero},
		{"negative total", "BTC/KRW", SideSell, decimal.NewFromInt(-10_000)},
		{"dust below min trade", "BTC/KRW", SideBuy, decimal.NewFromInt(9_999)},
		{"unsupported symbol", "DOGE/KRW", SideBuy, decimal.NewFromInt(100_000)},
		{"unknown side", "BTC/KRW", Side("hold"), decimal.NewFromInt(100_000)},
	}

	for _, tc := range cases {
		if _, err := p.Build("acct-1", tc.symbol, tc.side, tc.total, 1.0); !errors.Is(err, ErrInvalidDelta) {
			t.Fatalf("%s: expected ErrInvalidDelta, got %v", tc.name, err)
		}
	}
}

func TestBuild_SliceSumAlwaysExact(t *testing.T) {
	p, _ := newTestPlanner(t)

	totals := []decimal.Decimal{
		decimal.NewFromInt(60_001),
		decimal.NewFromInt(99_999),
		decimal.NewFromInt(123_457),
		decimal.NewFromInt(1_000_003),
		decimal.RequireFromString("250000.75"),
	}

	for _, total := range totals {
		for _, atr := range []float64{1.0, 8.0} {
			plan, err := p.Build("acct-1", "BTC/KRW", SideBuy, total, atr)
			if err != nil {
				t.Fatalf("total %s atr %.1f: Build returned error: %v", total, atr, err)
			}
			if sum := sliceSum(plan.Slices); !sum.Equal(total) {
				t.Fatalf("total %s atr %.1f: slice sum %s drifted", total, atr, sum)
			}
			if plan.SliceCount > 1 {
				for i, slice := range plan.Slices {
					if slice.Amount.LessThan(decimal.NewFromInt(5_000)) {
						t.Fatalf("total %s: slice %d below minimum: %s", total, i, slice.Amount)
					}
				}
			}
		}
	}
}
