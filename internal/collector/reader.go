package collector

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ChainReader is the subset of the JSON-RPC client the collector needs. *ethclient.Client satisfies it.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial connects to every endpoint and returns a reader that fails over between them.
func Dial(ctx context.Context, urls []string, logger zerolog.Logger) (*Failover, error) {
	if len(urls) == 0 {
		return nil, errors.New("no rpc endpoints configured")
	}
	readers := make([]ChainReader, 0, len(urls))
	for _, url := range urls {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			logger.Warn().Err(err).Str("rpc", url).Msg("rpc endpoint unavailable; skipping")
			continue
		}
		readers = append(readers, client)
	}
	if len(readers) == 0 {
		return nil, fmt.Errorf("dial rpc: all %d endpoints failed", len(urls))
	}
	return NewFailover(logger, readers...), nil
}

// Failover rotates to the next endpoint when a call fails and sticks with the one that answered.
type Failover struct {
	logger  zerolog.Logger
	readers []ChainReader

	mu      sync.Mutex
	current int
}

// NewFailover wraps readers in preference order.
func NewFailover(logger zerolog.Logger, readers ...ChainReader) *Failover {
	return &Failover{logger: logger, readers: readers}
}

func attempt[T any](ctx context.Context, f *Failover, call func(ChainReader) (T, error)) (T, error) {
	f.mu.Lock()
	start := f.current
	f.mu.Unlock()

	var (
		zero    T
		lastErr error
	)
	for i := range f.readers {
		idx := (start + i) % len(f.readers)
		out, err := call(f.readers[idx])
		if err == nil {
			if idx != start {
				f.mu.Lock()
				f.current = idx
				f.mu.Unlock()
				f.logger.Warn().Int("endpoint", idx).Msg("rpc failover")
			}
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ethereum.NotFound) || isReverted(err) {
			break
		}
	}
	return zero, lastErr
}

func (f *Failover) ChainID(ctx context.Context) (*big.Int, error) {
	return attempt(ctx, f, func(r ChainReader) (*big.Int, error) { return r.ChainID(ctx) })
}

func (f *Failover) BlockNumber(ctx context.Context) (uint64, error) {
	return attempt(ctx, f, func(r ChainReader) (uint64, error) { return r.BlockNumber(ctx) })
}

func (f *Failover) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return attempt(ctx, f, func(r ChainReader) (*types.Header, error) { return r.HeaderByNumber(ctx, number) })
}

func (f *Failover) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return attempt(ctx, f, func(r ChainReader) (*types.Block, error) { return r.BlockByNumber(ctx, number) })
}

type txResult struct {
	tx      *types.Transaction
	pending bool
}

func (f *Failover) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	res, err := attempt(ctx, f, func(r ChainReader) (txResult, error) {
		tx, pending, err := r.TransactionByHash(ctx, hash)
		return txResult{tx: tx, pending: pending}, err
	})
	return res.tx, res.pending, err
}

func (f *Failover) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return attempt(ctx, f, func(r ChainReader) ([]types.Log, error) { return r.FilterLogs(ctx, q) })
}

func (f *Failover) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return attempt(ctx, f, func(r ChainReader) ([]byte, error) { return r.CallContract(ctx, msg, blockNumber) })
}

// Close releases the underlying clients.
func (f *Failover) Close() {
	for _, r := range f.readers {
		if c, ok := r.(*ethclient.Client); ok {
			c.Close()
		}
	}
}

var _ ChainReader = (*Failover)(nil)
