package scheduler

import (
	"time"

	"github.com/shopspring/decimal"

	"kairos-exec/internal/planner"
)

// PlanProgress 是计划执行进度的只读视图，直接序列化给状态接口。
type PlanProgress struct {
	ID         string     `json:"id"`
	AccountID  string     `json:"account_id"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	Regime     string     `json:"regime"`
	Status     string     `json:"status"`
	FailReason string     `json:"fail_reason,omitempty"`
	Total      string     `json:"total"`
	Filled     string     `json:"filled"`
	SliceCount int        `json:"slice_count"`
	SlicesDone int        `json:"slices_done"`
	NextDue    *time.Time `json:"next_due,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func progressOf(plan *planner.Plan) PlanProgress {
	progress := PlanProgress{
		ID:         plan.ID,
		AccountID:  plan.AccountID,
		Symbol:     plan.Symbol,
		Side:       string(plan.Side),
		Regime:     string(plan.Regime),
		Status:     string(plan.Status),
		FailReason: plan.FailReason,
		Total:      plan.TotalAmount.String(),
		SliceCount: plan.SliceCount,
		CreatedAt:  plan.CreatedAt,
	}

	filled := decimal.Zero
	for i := range plan.Slices {
		slice := &plan.Slices[i]
		if slice.Status.Terminal() {
			progress.SlicesDone++
			filled = filled.Add(slice.FilledAmount)
			continue
		}
		if progress.NextDue == nil && slice.Status == planner.SlicePending {
			due := slice.ScheduledAt
			progress.NextDue = &due
		}
	}
	progress.Filled = filled.String()
	return progress
}
