// Package ledger provides read access to the chain the monitor watches.
// The rest of the pipeline only sees the Source interface; everything
// EVM-specific stays behind it.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferEventSig is topic0 of the ERC-20 Transfer event.
var TransferEventSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// BlockRef identifies one block and its position in the chain.
type BlockRef struct {
	Number     uint64
	Hash       string
	ParentHash string
	Time       time.Time
}

// Source is the ledger RPC surface the poller depends on.
type Source interface {
	// HeadBlock returns the latest block number the node knows about.
	HeadBlock(ctx context.Context) (uint64, error)
	// BlockByNumber resolves a block number to its hash and parent hash.
	BlockByNumber(ctx context.Context, number uint64) (BlockRef, error)
	// PollLogs returns every Transfer log of the watched contract in the
	// inclusive block range [from, to].
	PollLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

// rangeTooLargeTokens match the messages nodes return when a log filter
// covers too many results. Wording varies by provider.
var rangeTooLargeTokens = []string{
	"query returned more than",
	"log response size exceeded",
	"block range is too large",
	"too many results",
}

// IsRangeTooLarge reports whether the node rejected a log filter because
// the requested block range matched too many logs. Callers should shrink
// the range and retry.
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, token := range rangeTooLargeTokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}
