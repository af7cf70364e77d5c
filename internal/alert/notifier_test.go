package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kairos-exec/internal/config"
)

func TestNotifier_DeliversWebhookPayload(t *testing.T) {
	received := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(config.AlertConfig{
		WebhookURL:  server.URL,
		Timeout:     time.Second,
		MinSeverity: "warning",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Critical("plan failed", "acct-1 BTC/KRW insufficient balance")

	select {
	case body := <-received:
		var payload map[string]string
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if !strings.Contains(payload["text"], "[critical] plan failed") {
			t.Fatalf("unexpected text: %q", payload["text"])
		}
		if !strings.Contains(payload["text"], "insufficient balance") {
			t.Fatalf("body missing detail: %q", payload["text"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook never received the alert")
	}
}

func TestNotifier_SeverityGateDropsLowLevels(t *testing.T) {
	received := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
	}))
	defer server.Close()

	n := NewNotifier(config.AlertConfig{
		WebhookURL:  server.URL,
		Timeout:     time.Second,
		MinSeverity: "critical",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	n.Info("noise", "ignored")
	n.Warn("still noise", "ignored")
	n.Critical("real", "delivered")

	select {
	case body := <-received:
		if !strings.Contains(body, "real") {
			t.Fatalf("expected only the critical alert, got %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("critical alert was not delivered")
	}

	select {
	case body := <-received:
		t.Fatalf("gated alert leaked through: %q", body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotifier_EmptyURLLogsOnly(t *testing.T) {
	n := NewNotifier(config.AlertConfig{MinSeverity: "info"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// 不配置 Webhook 时投递不应崩溃或阻塞。
	for i := 0; i < 10; i++ {
		n.Critical("no webhook", "noop")
	}
	time.Sleep(50 * time.Millisecond)
}
