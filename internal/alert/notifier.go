package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"kairos-exec/internal/config"
)

// Severity 表示告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Message 表示一条待推送告警。
type Message struct {
	Severity Severity
	Title    string
	Body     string
}

// Notifier 通过 Webhook 推送告警。推送为尽力而为：独立 goroutine 消费
// 缓冲队列，失败只记日志，绝不阻塞调度主路径。
type Notifier struct {
	url     string
	minRank int
	timeout time.Duration
	logger  *zap.Logger
	client  *http.Client
	queue   chan Message
}

// NewNotifier 创建告警推送器。webhook_url 为空时退化为仅记录日志。
func NewNotifier(cfg config.AlertConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	minRank, ok := severityRanks[Severity(cfg.MinSeverity)]
	if !ok {
		minRank = severityRanks[SeverityWarning]
	}

	return &Notifier{
		url:     cfg.WebhookURL,
		minRank: minRank,
		timeout: timeout,
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		queue:   make(chan Message, 64),
	}
}

// Run 消费告警队列直到 ctx 取消。
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		}
	}
}

// Notify 投递一条告警。低于配置级别的消息被丢弃，队列满时丢弃并记日志。
func (n *Notifier) Notify(msg Message) {
	rank, ok := severityRanks[msg.Severity]
	if !ok || rank < n.minRank {
		return
	}

	select {
	case n.queue <- msg:
	default:
		n.logger.Warn("告警队列已满，丢弃消息",
			zap.String("severity", string(msg.Severity)),
			zap.String("title", msg.Title),
		)
	}
}

// Info 推送信息级告警。
func (n *Notifier) Info(title, body string) {
	n.Notify(Message{Severity: SeverityInfo, Title: title, Body: body})
}

// Warn 推送警告级告警。
func (n *Notifier) Warn(title, body string) {
	n.Notify(Message{Severity: SeverityWarning, Title: title, Body: body})
}

// Critical 推送严重级告警。
func (n *Notifier) Critical(title, body string) {
	n.Notify(Message{Severity: SeverityCritical, Title: title, Body: body})
}

func (n *Notifier) deliver(ctx context.Context, msg Message) {
	text := fmt.Sprintf("[%s] %s", msg.Severity, msg.Title)
	if msg.Body != "" {
		text += "\n" + msg.Body
	}

	if n.url == "" {
		n.logger.Info("告警(未配置Webhook)",
			zap.String("severity", string(msg.Severity)),
			zap.String("title", msg.Title),
			zap.String("body", msg.Body),
		)
		return
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		n.logger.Warn("序列化告警失败", zap.Error(err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Warn("构造告警请求失败", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("推送告警失败", zap.String("title", msg.Title), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("告警服务返回异常状态",
			zap.Int("status", resp.StatusCode),
			zap.String("title", msg.Title),
		)
	}
}
