package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/ledger/ratelimit"
)

// Client implements Source against a JSON-RPC endpoint via ethclient.
// Every call goes through a client-side token bucket so the monitor
// stays inside provider rate limits.
type Client struct {
	eth      *ethclient.Client
	limiter  *ratelimit.Limiter
	contract common.Address
	logger   *slog.Logger
}

type ClientConfig struct {
	URL          string
	Contract     string
	RequestsPS   float64
	RequestBurst int
}

func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint: %w", err)
	}

	return &Client{
		eth:      eth,
		limiter:  ratelimit.NewLimiter(cfg.RequestsPS, cfg.RequestBurst),
		contract: common.HexToAddress(cfg.Contract),
		logger:   logger.With("component", "ledger"),
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	head, err := c.eth.BlockNumber(ctx)
	ratelimit.RecordRPCCall("eth_blockNumber", err)
	if err != nil {
		return 0, fmt.Errorf("get head block: %w", err)
	}
	return head, nil
}

func (c *Client) BlockByNumber(ctx context.Context, number uint64) (BlockRef, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return BlockRef{}, err
	}
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	ratelimit.RecordRPCCall("eth_getBlockByNumber", err)
	if err != nil {
		return BlockRef{}, fmt.Errorf("get block %d: %w", number, err)
	}
	return BlockRef{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
		Time:       time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

func (c *Client) PollLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{TransferEventSig}},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	ratelimit.RecordRPCCall("eth_getLogs", err)
	if err != nil {
		return nil, fmt.Errorf("filter logs [%d, %d]: %w", from, to, err)
	}

	c.logger.Debug("polled logs", "from", from, "to", to, "count", len(logs))
	return logs, nil
}
