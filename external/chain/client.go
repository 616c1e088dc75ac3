package chain

import (
	"context"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultMaxChunk    uint64 = 2000
	defaultReadTimeout        = 20 * time.Second
)

// LogBackend is the read side of the rpc node used by the watcher.
type LogBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type Client struct {
	backend     LogBackend
	contract    common.Address
	readTimeout time.Duration
	maxChunk    uint64
	logger      *zap.SugaredLogger
}

func NewClient(backend LogBackend, contract common.Address, readTimeout time.Duration, logger *zap.SugaredLogger) *Client {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &Client{
		backend:     backend,
		contract:    contract,
		readTimeout: readTimeout,
		maxChunk:    defaultMaxChunk,
		logger:      logger,
	}
}

// Dial connects to the rpc node, retrying with a growing delay until the context ends.
func Dial(ctx context.Context, rpcURL string, logger *zap.SugaredLogger) (*ethclient.Client, error) {
	for attempt := 1; ; attempt++ {
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err == nil {
			return client, nil
		}
		delay := min(time.Duration(attempt)*time.Second, 30*time.Second)
		logger.Warnw("Dialing rpc node failed. Retrying.", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(err, "dialing rpc node")
		case <-time.After(delay):
		}
	}
}

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "getting block number")
	}
	return block, nil
}

// FetchEvents returns all watched events of the contract in [from, to], ordered by block and log index. The
// range is split into chunks; a chunk is shrunk when the node rejects its size.
func (c *Client) FetchEvents(ctx context.Context, from, to uint64) ([]entities.ChainEvent, error) {
	if from > to {
		return nil, nil
	}

	chunk := min(to-from+1, c.maxChunk)
	var logs []types.Log
	for start := from; start <= to; {
		end := min(start+chunk-1, to)

		chunkLogs, err := c.filterLogs(ctx, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if limit, ok := parseRangeLimit(err); ok && limit > 0 && limit < chunk {
				chunk = limit
				c.logger.Warnw("eth_getLogs range limit detected. Retrying.", "chunk", chunk)
				continue
			}
			if chunk > 1 {
				chunk = chunk / 2
				c.logger.Warnw("eth_getLogs failed. Retrying with smaller range.", "chunk", chunk, "error", err)
				continue
			}
			return nil, errors.Wrapf(err, "filtering logs [%d-%d]", start, end)
		}
		logs = append(logs, chunkLogs...)
		start = end + 1
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	events := make([]entities.ChainEvent, 0, len(logs))
	for _, vLog := range logs {
		if vLog.Removed {
			continue
		}
		events = append(events, DecodeLog(vLog))
	}
	return events, nil
}

func (c *Client) filterLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	return c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{WatchedTopics()},
	})
}

var rangeLimitPattern = regexp.MustCompile(`(?i)(?:range|limit)[^0-9]{0,40}(\d+)\s*block`)

// parseRangeLimit extracts the block range limit from node errors like "exceed maximum block range: 500 blocks".
func parseRangeLimit(err error) (uint64, bool) {
	match := rangeLimitPattern.FindStringSubmatch(err.Error())
	if len(match) != 2 {
		return 0, false
	}
	limit, parseErr := strconv.ParseUint(match[1], 10, 64)
	if parseErr != nil {
		return 0, false
	}
	return limit, true
}
