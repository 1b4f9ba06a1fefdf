package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const wxpusherContentText = 1

// WxPusherOptions configure the WxPusher executor.
type WxPusherOptions struct {
	AppToken      string
	UIDs          []string
	Summary       string
	APIBase       string
	RetryTimes    int
	RetryDelay    time.Duration
	Timeout       time.Duration
	RatePerSecond float64
}

// WxPusherNotifier 通过 WxPusher 推送微信消息，失败时按配置重试。
type WxPusherNotifier struct {
	opts   WxPusherOptions
	client *http.Client
	guard  *guard
	logger zerolog.Logger
}

// NewWxPusherNotifier validates credentials and builds the executor.
func NewWxPusherNotifier(opts WxPusherOptions, logger zerolog.Logger) (*WxPusherNotifier, error) {
	if len(opts.AppToken) < 10 {
		return nil, errors.New("wxpusher: invalid app_token")
	}
	if len(opts.UIDs) == 0 {
		return nil, errors.New("wxpusher: at least one uid is required")
	}
	if opts.Summary == "" {
		opts.Summary = "新消息通知"
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://wxpusher.zjiecode.com"
	}
	if opts.RetryTimes <= 0 {
		opts.RetryTimes = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")

	logger = logger.With().Str("component", "alert_wxpusher").Logger()
	return &WxPusherNotifier{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		guard:  newGuard("wxpusher", opts.RatePerSecond, 1, logger),
		logger: logger,
	}, nil
}

func (n *WxPusherNotifier) Name() string { return "wxpusher" }

// Notify retries failed pushes up to RetryTimes attempts.
func (n *WxPusherNotifier) Notify(ctx context.Context, alert Alert) error {
	content := fmt.Sprintf("【%s】\n\n%s", n.opts.Summary, renderMessage(alert))

	var lastErr error
	for attempt := 1; attempt <= n.opts.RetryTimes; attempt++ {
		lastErr = n.guard.do(ctx, func() error {
			return n.send(ctx, content)
		})
		if lastErr == nil {
			n.logger.Info().Str("alert_id", alert.ID).Int("attempt", attempt).Msg("告警已发送 (WxPusher)")
			return nil
		}
		n.logger.Warn().Err(lastErr).Int("attempt", attempt).Int("max", n.opts.RetryTimes).Msg("wxpusher push failed")

		if attempt == n.opts.RetryTimes {
			break
		}
		timer := time.NewTimer(n.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("wxpusher: giving up after %d attempts: %w", n.opts.RetryTimes, lastErr)
}

func (n *WxPusherNotifier) send(ctx context.Context, content string) error {
	payload := map[string]any{
		"appToken":    n.opts.AppToken,
		"content":     content,
		"summary":     n.opts.Summary,
		"contentType": wxpusherContentText,
		"uids":        n.opts.UIDs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal wxpusher payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.opts.APIBase+"/api/send/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create wxpusher request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send wxpusher request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("wxpusher 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		Success bool   `json:"success"`
		Msg     string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode wxpusher response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("wxpusher 返回失败: %s", result.Msg)
	}
	return nil
}

var _ Notifier = (*WxPusherNotifier)(nil)
