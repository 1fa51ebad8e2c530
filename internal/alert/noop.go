package alert

import (
	"context"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

// NoopChannel confirms everything without delivering anywhere. Used when
// no channels are configured so the pipeline still exercises the full
// delivery path.
type NoopChannel struct{}

func (n *NoopChannel) Name() string { return "noop" }

func (n *NoopChannel) Send(_ context.Context, _ model.Alert) (bool, bool, error) {
	return true, false, nil
}
