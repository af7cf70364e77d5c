package planner

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示调仓方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid 判断方向是否合法。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Regime 表示市场波动状态。
type Regime string

const (
	RegimeStable   Regime = "stable"
	RegimeVolatile Regime = "volatile"
)

// PlanStatus 表示执行计划状态。
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// Terminal 判断计划是否已到达终态。
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

// SliceStatus 表示单个切片状态。
type SliceStatus string

const (
	SlicePending   SliceStatus = "pending"
	SliceSubmitted SliceStatus = "submitted"
	SliceFilled    SliceStatus = "filled"
	SliceFailed    SliceStatus = "failed"
	SliceSkipped   SliceStatus = "skipped"
	SliceCancelled SliceStatus = "cancelled"
)

// Terminal 判断切片是否已到达终态。
func (s SliceStatus) Terminal() bool {
	switch s {
	case SliceFilled, SliceFailed, SliceSkipped, SliceCancelled:
		return true
	default:
		return false
	}
}

// Plan 表示一次调仓的 TWAP 执行计划。
type Plan struct {
	ID            string
	AccountID     string
	Symbol        string
	Side          Side
	TotalAmount   decimal.Decimal
	SliceCount    int
	SliceInterval time.Duration
	Regime        Regime
	Status        PlanStatus
	FailReason    string
	CreatedAt     time.Time
	Version       int64

	Slices []Slice
}

// Slice 表示计划内的单笔子单，金额以报价货币计。
type Slice struct {
	PlanID       string
	Index        int
	ScheduledAt  time.Time
	Amount       decimal.Decimal
	Status       SliceStatus
	OrderID      string
	FilledAmount decimal.Decimal
	RetryCount   int
	Version      int64
}
