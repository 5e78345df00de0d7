package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookSender 通过 Slack Incoming Webhook 发送消息。
type WebhookSender struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSender 创建 Slack webhook 发送器。
func NewWebhookSender(url string, timeout time.Duration) (*WebhookSender, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("未提供 Slack webhook 地址")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSender{url: url, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Send 实现 SlackSender。channel 为空时使用 webhook 绑定的默认频道。
func (s *WebhookSender) Send(ctx context.Context, channel, content string) error {
	body := map[string]string{"text": content}
	if channel != "" {
		body["channel"] = channel
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化 Slack 消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建 Slack 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求 Slack 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("Slack 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
