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

// WebhookChannel posts the alert as structured JSON to an arbitrary
// HTTP endpoint.
type WebhookChannel struct {
	url      string
	decimals int
	client   *http.Client
}

func NewWebhookChannel(url string, decimals int) *WebhookChannel {
	return &WebhookChannel{
		url:      url,
		decimals: decimals,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, a model.Alert) (bool, bool, error) {
	payload := map[string]any{
		"dedup_key":    a.DedupKey,
		"type":         string(a.Type),
		"severity":     string(a.Severity),
		"score":        a.Score,
		"reasons":      a.Reasons,
		"tx_hash":      a.Transfer.TxHash,
		"log_index":    a.Transfer.LogIndex,
		"block_number": a.Transfer.BlockNumber,
		"from":         a.Transfer.FromAddress,
		"to":           a.Transfer.ToAddress,
		"amount":       a.Transfer.AmountRaw,
		"amount_fmt":   model.FormatUnits(a.Transfer.Amount, w.decimals),
		"time":         time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, false, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, false, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	confirmed, retryable := classifyHTTPStatus(resp.StatusCode)
	if !confirmed {
		return false, retryable, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return true, false, nil
}

// DiscordChannel is a Discord webhook; same transport as the generic
// webhook but with Discord's content payload shape.
type DiscordChannel struct {
	url      string
	symbol   string
	decimals int
	client   *http.Client
}

func NewDiscordChannel(url, symbol string, decimals int) *DiscordChannel {
	return &DiscordChannel{
		url:      url,
		symbol:   symbol,
		decimals: decimals,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Send(ctx context.Context, a model.Alert) (bool, bool, error) {
	payload := map[string]string{"content": formatText(a, d.symbol, d.decimals)}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, false, fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return false, false, fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("send discord alert: %w", err)
	}
	defer resp.Body.Close()

	confirmed, retryable := classifyHTTPStatus(resp.StatusCode)
	if !confirmed {
		return false, retryable, fmt.Errorf("discord returned status %d", resp.StatusCode)
	}
	return true, false, nil
}
