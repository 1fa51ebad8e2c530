package event

import "time"

// ReorgEvent signals that the chain diverged from the recorded history.
// ForkBlock is the first block whose recorded hash no longer matches the
// canonical chain; the poller rewinds its cursor there and re-polls.
type ReorgEvent struct {
	ForkBlock  uint64
	OldHash    string
	NewHash    string
	Depth      uint64
	DetectedAt time.Time
}
