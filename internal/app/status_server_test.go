package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kairos-exec/internal/coordinator"
	"kairos-exec/internal/health"
	"kairos-exec/internal/monitor"
	"kairos-exec/internal/planner"
	"kairos-exec/internal/scheduler"
)

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator) {
	t.Helper()

	orch := newTestOrchestrator(t)
	s := &statusServer{orch: orch, logger: zap.NewNop()}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return srv, orch
}

func getJSON(t *testing.T, srv *httptest.Server, path string, out interface{}) int {
	t.Helper()

	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode GET %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, srv *httptest.Server, path string, payload interface{}, out interface{}) int {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	resp, err := http.Post(srv.URL+path, "application/json", body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode POST %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestStatusServer_HealthzAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	var probe map[string]string
	if code := getJSON(t, srv, "/healthz", &probe); code != http.StatusOK {
		t.Fatalf("healthz returned %d", code)
	}
	if probe["status"] != "ok" {
		t.Fatalf("expected ok probe, got %v", probe)
	}

	var snap health.Snapshot
	if code := getJSON(t, srv, "/status", &snap); code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	if snap.Status != "ok" || snap.Coordinator.Workers != 2 {
		t.Fatalf("unexpected status snapshot: status=%q workers=%d", snap.Status, snap.Coordinator.Workers)
	}
}

func TestStatusServer_RebalanceAcceptsCommand(t *testing.T) {
	srv, orch := newTestServer(t)

	var accepted struct {
		TaskID string  `json:"task_id"`
		ATRPct float64 `json:"atr_pct"`
	}
	code := postJSON(t, srv, "/rebalance", rebalanceRequest{
		AccountID: "acct-1",
		Symbol:    "BTC/KRW",
		Side:      "BUY",
		Total:     "120000",
	}, &accepted)
	if code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if accepted.TaskID == "" || accepted.ATRPct <= 0 {
		t.Fatalf("unexpected acceptance body: %+v", accepted)
	}

	live, err := orch.tasks.ListLive(context.Background(), coordinator.KindRebalance)
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(live) != 1 || live[0].ID != accepted.TaskID {
		t.Fatalf("accepted task should be queued, got %d tasks", len(live))
	}
}

func TestStatusServer_RebalanceRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name string
		req  rebalanceRequest
		want int
	}{
		{"unsupported symbol", rebalanceRequest{AccountID: "acct-1", Symbol: "DOGE/KRW", Side: "buy", Total: "100000"}, http.StatusBadRequest},
		{"unknown account", rebalanceRequest{AccountID: "acct-9", Symbol: "BTC/KRW", Side: "buy", Total: "100000"}, http.StatusBadRequest},
		{"unknown side", rebalanceRequest{AccountID: "acct-1", Symbol: "BTC/KRW", Side: "hold", Total: "100000"}, http.StatusBadRequest},
		{"malformed total", rebalanceRequest{AccountID: "acct-1", Symbol: "BTC/KRW", Side: "buy", Total: "abc"}, http.StatusBadRequest},
		{"negative total", rebalanceRequest{AccountID: "acct-1", Symbol: "BTC/KRW", Side: "buy", Total: "-1"}, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := postJSON(t, srv, "/rebalance", tc.req, nil); code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, code)
			}
		})
	}

	if code := getJSON(t, srv, "/rebalance", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /rebalance should be rejected, got %d", code)
	}
}

func TestStatusServer_PlansFilter(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	var progress []scheduler.PlanProgress
	if code := getJSON(t, srv, "/plans", &progress); code != http.StatusOK {
		t.Fatalf("plans returned %d", code)
	}
	if len(progress) != 0 {
		t.Fatalf("expected no plans yet, got %d", len(progress))
	}

	plan, err := orch.builder.Build("acct-1", "BTC/KRW", planner.SideBuy, decimal.NewFromInt(120000), 1.0)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if err := orch.plans.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}

	progress = nil
	if code := getJSON(t, srv, "/plans", &progress); code != http.StatusOK {
		t.Fatalf("plans returned %d", code)
	}
	if len(progress) != 1 || progress[0].Status != string(planner.PlanActive) {
		t.Fatalf("expected one active plan, got %+v", progress)
	}

	progress = nil
	if code := getJSON(t, srv, "/plans?state=cancelled", &progress); code != http.StatusOK {
		t.Fatalf("filtered plans returned %d", code)
	}
	if len(progress) != 0 {
		t.Fatalf("cancelled filter should be empty, got %d", len(progress))
	}

	if code := getJSON(t, srv, "/plans?state=bogus", nil); code != http.StatusBadRequest {
		t.Fatalf("unknown state should be rejected, got %d", code)
	}
}

func TestStatusServer_AdvanceRequiresPost(t *testing.T) {
	srv, _ := newTestServer(t)

	if code := getJSON(t, srv, "/advance", nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /advance should be rejected, got %d", code)
	}

	var result map[string]int
	if code := postJSON(t, srv, "/advance", nil, &result); code != http.StatusOK {
		t.Fatalf("POST /advance returned %d", code)
	}
	if result["advanced"] != 0 {
		t.Fatalf("nothing should be due, got %d", result["advanced"])
	}
}

func TestStatusServer_PurgeClearsBlocksAndPlans(t *testing.T) {
	srv, orch := newTestServer(t)
	ctx := context.Background()

	if err := orch.guard.Block(ctx, "acct-1", "BTC/KRW", "余额不足"); err != nil {
		t.Fatalf("block: %v", err)
	}
	plan, err := orch.builder.Build("acct-2", "ETH/KRW", planner.SideSell, decimal.NewFromInt(60000), 1.0)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if err := orch.plans.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := orch.plans.Cancel(ctx, plan.ID); err != nil {
		t.Fatalf("cancel plan: %v", err)
	}

	// 活跃封锁令健康检查降级，清理后恢复。
	if code := getJSON(t, srv, "/healthz", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("blocked pair should degrade healthz, got %d", code)
	}

	var result map[string]int64
	if code := postJSON(t, srv, "/purge", nil, &result); code != http.StatusOK {
		t.Fatalf("POST /purge returned %d", code)
	}
	if result["plans_purged"] != 1 || result["blocks_cleared"] != 1 {
		t.Fatalf("unexpected purge result: %v", result)
	}

	if code := getJSON(t, srv, "/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz should recover after purge, got %d", code)
	}

	var events []monitor.Event
	if code := getJSON(t, srv, "/events?type=block_cleared", &events); code != http.StatusOK {
		t.Fatalf("events returned %d", code)
	}
	if len(events) != 1 || events[0].AccountID != "acct-1" {
		t.Fatalf("expected one block_cleared event for acct-1, got %+v", events)
	}
}

func TestStatusServer_MetricsExposition(t *testing.T) {
	srv, orch := newTestServer(t)

	if err := orch.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	for _, family := range []string{"kairos_task_queue_depth", "kairos_plan_count", "kairos_active_block_count"} {
		if !strings.Contains(string(body), family) {
			t.Fatalf("metrics output missing %s", family)
		}
	}
}
