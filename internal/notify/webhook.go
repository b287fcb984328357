package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/trialkey/internal/metrics"
	"github.com/hitoshi/trialkey/internal/model"
	"github.com/hitoshi/trialkey/internal/security"
)

// 重要度ごとの埋め込みカラー
const (
	colorInfo     = 0x2ecc71
	colorWarning  = 0xe67e22
	colorCritical = 0xe74c3c
)

// descriptionLimit はDiscord埋め込みのdescriptionの上限文字数。
const descriptionLimit = 4096

// WebhookConfig はWebhookNotifierの設定。
type WebhookConfig struct {
	URLs     []string
	Username string
	Timeout  time.Duration
	// Rate は1エンドポイントあたりの毎秒送信数。Burstは瞬間的な許容量。
	Rate  rate.Limit
	Burst int
}

// DefaultWebhookConfig はDiscord Webhookの制限に合わせたデフォルト設定を返す。
func DefaultWebhookConfig(urls []string) WebhookConfig {
	return WebhookConfig{
		URLs:     urls,
		Username: "Trial Key Bot",
		Timeout:  5 * time.Second,
		Rate:     rate.Every(time.Second),
		Burst:    5,
	}
}

type endpoint struct {
	url     string
	limiter *rate.Limiter
}

// WebhookNotifier はイベントをDiscord互換のWebhookへ送信する。
// 送信はエンドポイントごとに独立したゴルーチンで行い、1つの失敗が他に影響しない。
type WebhookNotifier struct {
	endpoints []endpoint
	client    *http.Client
	username  string
	timeout   time.Duration
	sanitizer *security.TextSanitizer
	metrics   metrics.MetricsCollector

	wg sync.WaitGroup
}

// NewWebhookNotifier はWebhookNotifierを生成する。
// clientがnilの場合はSSRF防止付きクライアントを使う。metricsはnilでもよい。
func NewWebhookNotifier(cfg WebhookConfig, client *http.Client, m metrics.MetricsCollector) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = rate.Every(time.Second)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if client == nil {
		client = security.NewOutboundGuard().Client(cfg.Timeout)
	}

	n := &WebhookNotifier{
		client:    client,
		username:  cfg.Username,
		timeout:   cfg.Timeout,
		sanitizer: security.NewTextSanitizer(descriptionLimit),
		metrics:   m,
	}
	for _, u := range cfg.URLs {
		if u == "" {
			continue
		}
		n.endpoints = append(n.endpoints, endpoint{
			url:     u,
			limiter: rate.NewLimiter(cfg.Rate, cfg.Burst),
		})
	}
	return n
}

// Notify はイベントを全エンドポイントへ非同期に送信する。
// 呼び出し元のキャンセルは送信に影響しない。
func (n *WebhookNotifier) Notify(ctx context.Context, event model.Event) {
	if len(n.endpoints) == 0 {
		return
	}

	body, err := json.Marshal(n.payload(event))
	if err != nil {
		slog.Error("failed to encode webhook payload", slog.String("error", err.Error()))
		return
	}

	detached := context.WithoutCancel(ctx)
	for _, ep := range n.endpoints {
		n.wg.Add(1)
		go func(ep endpoint) {
			defer n.wg.Done()
			if err := n.deliver(detached, ep, body); err != nil {
				if n.metrics != nil {
					n.metrics.RecordNotifyFailure()
				}
				slog.Warn("webhook delivery failed",
					slog.String("kind", string(event.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}(ep)
	}
}

// Wait は送信中の通知がすべて終わるまで待つ。
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

func (n *WebhookNotifier) deliver(ctx context.Context, ep endpoint, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := ep.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

func (n *WebhookNotifier) payload(event model.Event) webhookPayload {
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	return webhookPayload{
		Username: n.username,
		Embeds: []embed{{
			Title:       n.sanitizer.Sanitize(event.Title),
			Description: n.sanitizer.Sanitize(event.Detail),
			Color:       colorFor(event.Severity),
			Timestamp:   at.UTC().Format(time.RFC3339),
		}},
	}
}

func colorFor(s model.Severity) int {
	switch s {
	case model.SeverityCritical:
		return colorCritical
	case model.SeverityWarning:
		return colorWarning
	default:
		return colorInfo
	}
}

// compile-time interface check
var _ Observer = (*WebhookNotifier)(nil)
