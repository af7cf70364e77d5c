package coordinator

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kairos-exec/internal/planner"
)

// Kind 是封闭的任务类型集合，调度时穷举匹配，未知类型按错误处理。
type Kind string

const (
	// KindRebalance 根据调仓指令生成并激活执行计划。
	KindRebalance Kind = "rebalance"
	// KindAdvancePlan 推进执行计划一步，未完成时按返回时间重新排队。
	KindAdvancePlan Kind = "advance_plan"
	// KindHealthCheck 探测行情与各账户可达性。
	KindHealthCheck Kind = "health_check"
	// KindJanitor 清理过期任务与事件，周期性自我排队。
	KindJanitor Kind = "janitor"
)

// Valid 判断任务类型是否在封闭集合内。
func (k Kind) Valid() bool {
	switch k {
	case KindRebalance, KindAdvancePlan, KindHealthCheck, KindJanitor:
		return true
	default:
		return false
	}
}

// Priority 数值越小优先级越高。
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// State 表示任务生命周期状态。
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal 判断任务是否已到达终态。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Payload 承载各类任务的参数，金额以字符串持久化避免精度漂移。
type Payload struct {
	Symbol string  `json:"symbol,omitempty"`
	Side   string  `json:"side,omitempty"`
	Total  string  `json:"total,omitempty"`
	ATRPct float64 `json:"atr_pct,omitempty"`
	PlanID string  `json:"plan_id,omitempty"`
}

// Task 是协调器的最小调度单元。
type Task struct {
	ID          string
	Kind        Kind
	Priority    Priority
	AccountID   string
	Resource    string
	Payload     Payload
	State       State
	Attempts    int
	LastError   string
	ScheduledAt time.Time
	CreatedAt   time.Time
	Version     int64
}

// ExclusionKey 是互斥键：同键任务同一时刻最多一个在执行。
func (t *Task) ExclusionKey() string {
	return t.AccountID + "|" + t.Resource
}

// NewRebalanceTask 构造调仓任务。
func NewRebalanceTask(accountID, symbol string, side planner.Side, total decimal.Decimal, atrPct float64, due time.Time) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Kind:      KindRebalance,
		Priority:  PriorityHigh,
		AccountID: accountID,
		Resource:  symbol,
		Payload: Payload{
			Symbol: symbol,
			Side:   string(side),
			Total:  total.String(),
			ATRPct: atrPct,
		},
		State:       StateQueued,
		ScheduledAt: due,
		CreatedAt:   due,
	}
}

// NewAdvanceTask 构造计划推进任务。推进与调仓共用 symbol 资源键，
// 同一交易对上两者互斥。
func NewAdvanceTask(accountID, planID, symbol string, due time.Time) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Kind:      KindAdvancePlan,
		Priority:  PriorityCritical,
		AccountID: accountID,
		Resource:  symbol,
		Payload: Payload{
			Symbol: symbol,
			PlanID: planID,
		},
		State:       StateQueued,
		ScheduledAt: due,
		CreatedAt:   due,
	}
}

// NewHealthCheckTask 构造健康巡检任务。
func NewHealthCheckTask(due time.Time) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Kind:        KindHealthCheck,
		Priority:    PriorityMedium,
		Resource:    "health",
		State:       StateQueued,
		ScheduledAt: due,
		CreatedAt:   due,
	}
}

// NewJanitorTask 构造清理任务。
func NewJanitorTask(due time.Time) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Kind:        KindJanitor,
		Priority:    PriorityLow,
		Resource:    "janitor",
		State:       StateQueued,
		ScheduledAt: due,
		CreatedAt:   due,
	}
}
