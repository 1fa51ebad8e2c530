// Package alert turns scoring verdicts into notifications and delivers
// them across independent channels with at-least-once semantics.
package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

// Channel delivers one alert to one destination. confirmed reports a
// positive acknowledgement; retryable distinguishes failures worth
// another attempt (timeouts, throttling, 5xx) from terminal rejections.
type Channel interface {
	Name() string
	Send(ctx context.Context, a model.Alert) (confirmed bool, retryable bool, err error)
}

func severityEmoji(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "🚨"
	case model.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// formatText renders the shared plain-text alert body used by the chat
// style channels.
func formatText(a model.Alert, symbol string, decimals int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s [%s]\n", severityEmoji(a.Severity), alertTitle(a.Type), strings.ToUpper(string(a.Severity)))
	fmt.Fprintf(&b, "Amount: %s %s\n", model.FormatUnits(a.Transfer.Amount, decimals), symbol)
	fmt.Fprintf(&b, "From: %s\n", a.Transfer.FromAddress)
	fmt.Fprintf(&b, "To: %s\n", a.Transfer.ToAddress)
	fmt.Fprintf(&b, "Tx: %s (log %d, block %d)\n", a.Transfer.TxHash, a.Transfer.LogIndex, a.Transfer.BlockNumber)
	if a.Score > 0 {
		fmt.Fprintf(&b, "Score: %.2f\n", a.Score)
	}
	if len(a.Reasons) > 0 {
		fmt.Fprintf(&b, "Reasons: %s\n", strings.Join(a.Reasons, ", "))
	}
	return b.String()
}

func alertTitle(t model.AlertType) string {
	switch t {
	case model.AlertExactTargetMatch:
		return "Target amount transfer detected"
	case model.AlertLargeTransfer:
		return "Large transfer detected"
	case model.AlertPatternAnomaly:
		return "Anomalous transfer pattern"
	case model.AlertReorgCompensation:
		return "Transfer superseded by reorg"
	default:
		return string(t)
	}
}

// classifyHTTPStatus maps webhook-style responses onto the channel
// result contract.
func classifyHTTPStatus(status int) (confirmed bool, retryable bool) {
	switch {
	case status >= 200 && status < 300:
		return true, false
	case status == 429 || status >= 500:
		return false, true
	default:
		return false, false
	}
}
