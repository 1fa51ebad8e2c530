package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	symbol     string
	decimals   int
	client     *http.Client
}

func NewSlackChannel(webhookURL, symbol string, decimals int) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		symbol:     symbol,
		decimals:   decimals,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, a model.Alert) (bool, bool, error) {
	payload := map[string]string{"text": formatText(a, s.symbol, s.decimals)}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, false, fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false, false, fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Network level failures are worth retrying.
		return false, true, fmt.Errorf("send slack alert: %w", err)
	}
	defer resp.Body.Close()

	confirmed, retryable := classifyHTTPStatus(resp.StatusCode)
	if !confirmed {
		return false, retryable, fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return true, false, nil
}
