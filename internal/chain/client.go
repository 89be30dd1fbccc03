// Package chain implements the ledger collaborator on top of a go-ethereum
// JSON-RPC client.
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"eventScope/internal/ledger"
	"eventScope/internal/metrics"
	"eventScope/internal/model"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultCacheSize = 1024
)

type Options struct {
	// Timeout bounds every RPC call.
	Timeout time.Duration
	// RequestsPerSecond limits outgoing calls; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// CacheSize is the number of headers kept by hash.
	CacheSize int
}

// Client wraps go-ethereum RPC and satisfies ledger.Ledger.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client

	timeout    time.Duration
	limiter    *rate.Limiter
	headers    *lru.Cache[common.Hash, model.Block]
	timestamps *lru.Cache[uint64, uint64]
}

var _ ledger.Ledger = (*Client)(nil)

// NewClient dials rpcURL.
func NewClient(ctx context.Context, rpcURL string, opts Options) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, ledger.Unavailable("dial", err)
	}
	c, err := NewClientFromRPC(rpcClient, opts)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	return c, nil
}

// NewClientFromRPC wraps an already connected RPC client.
func NewClientFromRPC(rpcClient *rpc.Client, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	headers, err := lru.New[common.Hash, model.Block](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	timestamps, err := lru.New[uint64, uint64](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		rpcClient:  rpcClient,
		ethClient:  ethclient.NewClient(rpcClient),
		timeout:    opts.Timeout,
		limiter:    limiter,
		headers:    headers,
		timestamps: timestamps,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// ChainID returns the chain ID.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "chain_id", func(ctx context.Context) (err error) {
		id, err = c.ethClient.ChainID(ctx)
		return err
	})
	return id, err
}

// LatestBlockNumber returns the latest block number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := c.call(ctx, "block_number", func(ctx context.Context) (err error) {
		number, err = c.ethClient.BlockNumber(ctx)
		return err
	})
	return number, err
}

// FetchHead returns the latest block header.
func (c *Client) FetchHead(ctx context.Context) (model.Block, error) {
	var header *types.Header
	err := c.call(ctx, "fetch_head", func(ctx context.Context) (err error) {
		header, err = c.ethClient.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return model.Block{}, err
	}
	b := model.BlockFromHeader(header)
	c.headers.Add(b.Hash, b)
	return b, nil
}

// FetchBlock returns a header by hash or number. Lookups by hash are cached.
func (c *Client) FetchBlock(ctx context.Context, id ledger.BlockID) (model.Block, error) {
	if hash, ok := id.Hash(); ok {
		if b, ok := c.headers.Get(hash); ok {
			return b, nil
		}
	}

	var header *types.Header
	err := c.call(ctx, "fetch_block", func(ctx context.Context) (err error) {
		if hash, ok := id.Hash(); ok {
			header, err = c.ethClient.HeaderByHash(ctx, hash)
			return err
		}
		number, _ := id.Number()
		header, err = c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return model.Block{}, err
	}

	b := model.BlockFromHeader(header)
	if hash, ok := id.Hash(); ok && b.Hash != hash {
		return model.Block{}, ledger.Malformed("fetch block",
			fmt.Errorf("asked for %s, got %s", hash.Hex(), b.Hash.Hex()))
	}
	c.headers.Add(b.Hash, b)
	return b, nil
}

// FetchLogs returns every log of the block with the given hash.
func (c *Client) FetchLogs(ctx context.Context, blockHash common.Hash) ([]model.EventRecord, error) {
	var logs []types.Log
	err := c.call(ctx, "fetch_logs", func(ctx context.Context) (err error) {
		logs, err = c.ethClient.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &blockHash})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.EventRecord, 0, len(logs))
	for _, lg := range logs {
		if lg.BlockHash != blockHash {
			return nil, ledger.Malformed("fetch logs",
				fmt.Errorf("log %d of %s carries block hash %s", lg.Index, blockHash.Hex(), lg.BlockHash.Hex()))
		}
		out = append(out, model.EventRecordFromLog(lg))
	}
	return out, nil
}

// BlockTimestamp returns the block timestamp, using an in-memory cache.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	if ts, ok := c.timestamps.Get(number); ok {
		return ts, nil
	}

	b, err := c.FetchBlock(ctx, ledger.ByNumber(number))
	if err != nil {
		return 0, err
	}
	c.timestamps.Add(number, b.Timestamp)
	return b.Timestamp, nil
}

// FilterLogs returns logs in the given range for addresses and topic filters.
func (c *Client) FilterLogs(
	ctx context.Context,
	fromBlock uint64,
	toBlock uint64,
	addresses []common.Address,
	topics [][]common.Hash,
) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: addresses,
		Topics:    topics,
	}
	var logs []types.Log
	err := c.call(ctx, "filter_logs", func(ctx context.Context) (err error) {
		logs, err = c.ethClient.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		metrics.RPCRequest(op, false)
		return ledger.Unavailable(op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := classify(op, fn(callCtx))
	metrics.RPCRequest(op, err == nil)
	return err
}

// classify maps an RPC failure onto the ledger error taxonomy. Anything that
// is not recognizably a transport problem is a malformed response.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		rpcErr  rpc.Error
		httpErr rpc.HTTPError
		netErr  net.Error
	)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return ledger.Malformed(op, err)
	case errors.As(err, &rpcErr):
		return ledger.Malformed(op, err)
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, rpc.ErrClientQuit),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &httpErr),
		errors.As(err, &netErr):
		return ledger.Unavailable(op, err)
	default:
		return ledger.Malformed(op, err)
	}
}
