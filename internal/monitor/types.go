package monitor

import (
	"time"
)

// EventType 表示引擎事件类型。
type EventType string

const (
	EventPlanCreated      EventType = "plan_created"
	EventPlanCompleted    EventType = "plan_completed"
	EventPlanFailed       EventType = "plan_failed"
	EventPlanCancelled    EventType = "plan_cancelled"
	EventPlanSuperseded   EventType = "plan_superseded"
	EventSliceFailed      EventType = "slice_failed"
	EventBalanceBlocked   EventType = "balance_blocked"
	EventBlockCleared     EventType = "block_cleared"
	EventBreakerOpen      EventType = "breaker_open"
	EventBreakerRecovered EventType = "breaker_recovered"
	EventTaskFailed       EventType = "task_failed"
	EventHealthDegraded   EventType = "health_degraded"
	EventError            EventType = "error"
)

// Severity 表示事件严重级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event 封装一条持久化引擎事件。
type Event struct {
	ID        int64       `json:"id,omitempty"`
	Type      EventType   `json:"type"`
	Severity  Severity    `json:"severity"`
	AccountID string      `json:"account_id,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// PlanPayload 记录计划生命周期。
type PlanPayload struct {
	PlanID string `json:"plan_id"`
	Side   string `json:"side"`
	Total  string `json:"total"`
	Regime string `json:"regime"`
	Slices int    `json:"slices"`
	Filled string `json:"filled,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SupersededPayload 记录计划被新计划取代。
type SupersededPayload struct {
	OldPlanID string `json:"old_plan_id"`
	NewPlanID string `json:"new_plan_id"`
}

// SlicePayload 记录切片失败详情。
type SlicePayload struct {
	PlanID  string `json:"plan_id"`
	Index   int    `json:"index"`
	Amount  string `json:"amount"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error"`
}

// BlockPayload 记录余额不足封锁及解除。
type BlockPayload struct {
	Reason string `json:"reason,omitempty"`
}

// BreakerPayload 记录熔断器状态变更。
type BreakerPayload struct {
	ServiceID string `json:"service_id"`
	Failures  int    `json:"failures,omitempty"`
}

// TaskPayload 记录任务终态失败。
type TaskPayload struct {
	TaskID   string `json:"task_id"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// HealthPayload 记录组件健康退化。
type HealthPayload struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
