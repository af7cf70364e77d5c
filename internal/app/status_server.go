package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/gateway"
	"kairos-exec/internal/monitor"
	"kairos-exec/internal/planner"
)

// statusServer 暴露运维所需的状态查询与手动触发接口。
type statusServer struct {
	orch   *orchestrator
	logger *zap.Logger
}

func startStatusServer(ctx context.Context, orch *orchestrator, port int, logger *zap.Logger) error {
	s := &statusServer{orch: orch, logger: logger}

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: s.routes()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭状态服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("状态服务异常", zap.Error(err))
		}
	}()

	logger.Info("状态接口已启动", zap.String("addr", addr))
	return nil
}

func (s *statusServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/plans", s.handlePlans)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/rebalance", s.handleRebalance)
	mux.HandleFunc("/advance", s.handleAdvance)
	mux.HandleFunc("/purge", s.handlePurge)
	mux.Handle("/metrics", promhttp.HandlerFor(s.orch.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *statusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.orch.health.Collect(r.Context())
	code := http.StatusOK
	if snap.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": snap.Status})
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.health.Collect(r.Context()))
}

// handlePlans 按状态过滤计划进度，缺省展示未完成的计划。
func (s *statusServer) handlePlans(w http.ResponseWriter, r *http.Request) {
	statuses := []planner.PlanStatus{planner.PlanPending, planner.PlanActive}
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		statuses = statuses[:0]
		for _, part := range strings.Split(raw, ",") {
			status, ok := parsePlanStatus(part)
			if !ok {
				http.Error(w, fmt.Sprintf("未知计划状态: %s", part), http.StatusBadRequest)
				return
			}
			statuses = append(statuses, status)
		}
	}

	progress, err := s.orch.plans.ListProgress(r.Context(), statuses...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *statusServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	events, err := s.orch.monitor.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// rebalanceRequest 是调仓受理接口的请求体，金额以报价货币字符串表示。
type rebalanceRequest struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Total     string `json:"total"`
}

func (s *statusServer) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req rebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("解析请求失败: %v", err), http.StatusBadRequest)
		return
	}
	total, err := decimal.NewFromString(strings.TrimSpace(req.Total))
	if err != nil {
		http.Error(w, fmt.Sprintf("解析金额失败: %v", err), http.StatusBadRequest)
		return
	}

	task, err := s.orch.SubmitRebalance(r.Context(), req.AccountID, req.Symbol,
		planner.Side(strings.ToLower(req.Side)), total)
	switch {
	case errors.Is(err, planner.ErrInvalidDelta), errors.Is(err, gateway.ErrUnknownAccount):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": task.ID,
		"atr_pct": task.Payload.ATRPct,
	})
}

func (s *statusServer) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	count, err := s.orch.tasks.AdvanceDueNow(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"advanced": count})
}

func (s *statusServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	plans, blocks, err := s.orch.Purge(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{
		"plans_purged":   plans,
		"blocks_cleared": blocks,
	})
}

func (s *statusServer) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("写入状态响应失败", zap.Error(err))
	}
}

func parsePlanStatus(raw string) (planner.PlanStatus, bool) {
	status := planner.PlanStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case planner.PlanPending, planner.PlanActive, planner.PlanCompleted,
		planner.PlanFailed, planner.PlanCancelled:
		return status, true
	default:
		return "", false
	}
}
