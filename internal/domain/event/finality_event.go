package event

import "time"

// FinalityPromotion announces that every block at or below
// FinalizedHeight is final: pending transfers there can be promoted and
// their dedup identifiers evicted, since no conflicting copy can arrive.
type FinalityPromotion struct {
	FinalizedHeight uint64
	Head            uint64
	PromotedAt      time.Time
}
