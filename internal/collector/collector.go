package collector

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/metrics"
	"token-sentinel/internal/scheduler"
	"token-sentinel/internal/transfer"
)

// Submitter consumes normalized events; *pipeline.Coordinator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, ev transfer.Event) ([]alerting.Alert, error)
}

// Options describe what a collector watches on one chain.
type Options struct {
	ChainID             uint64
	Name                string
	Tokens              []common.Address
	PollInterval        time.Duration
	MaxBlocksPerScan    uint64
	StartBlock          uint64
	Confirmations       uint64
	RequestTimeout      time.Duration
	IncludeNative       bool
	NativeSymbol        string
	DetectContractCalls bool
	DEXRouters          transfer.AddressSet
	KnownContracts      transfer.AddressSet
}

// Collector 轮询单条链上的 ERC-20 Transfer 日志与原生币转账，按区块顺序提交给流水线。
type Collector struct {
	opts        Options
	reader      ChainReader
	sink        Submitter
	checkpoints Checkpoints
	tokens      *tokenCache
	logger      zerolog.Logger
	label       string

	next    uint64
	started bool
}

// New builds a collector. Scan is not safe for concurrent use; one goroutine drives it.
func New(opts Options, reader ChainReader, sink Submitter, checkpoints Checkpoints, logger zerolog.Logger) *Collector {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 12 * time.Second
	}
	if opts.MaxBlocksPerScan == 0 {
		opts.MaxBlocksPerScan = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.NativeSymbol == "" {
		opts.NativeSymbol = "ETH"
	}
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpoints()
	}
	label := strconv.FormatUint(opts.ChainID, 10)
	c := &Collector{
		opts:        opts,
		reader:      reader,
		sink:        sink,
		checkpoints: checkpoints,
		label:       label,
		logger: logger.With().
			Str("component", "collector").
			Str("chain", label).
			Str("chain_name", opts.Name).
			Logger(),
	}
	c.tokens = newTokenCache(reader, c.logger)
	return c
}

// Run polls until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	sched := scheduler.New(scheduler.Options{Interval: c.opts.PollInterval}, c.logger)
	c.logger.Info().
		Int("tokens", len(c.opts.Tokens)).
		Bool("native", c.opts.IncludeNative).
		Dur("poll_interval", c.opts.PollInterval).
		Msg("collector started")
	err := sched.Run(ctx, c.Scan)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Scan processes the next range of confirmed blocks and reports whether more are pending.
func (c *Collector) Scan(ctx context.Context) (bool, error) {
	more, err := c.scan(ctx)
	if err != nil && ctx.Err() == nil {
		metrics.CollectorErrors.WithLabelValues(c.label).Inc()
	}
	return more, err
}

func (c *Collector) scan(ctx context.Context) (bool, error) {
	head, err := c.withTimeout(ctx, func(ctx context.Context) (uint64, error) { return c.reader.BlockNumber(ctx) })
	if err != nil {
		return false, fmt.Errorf("block number: %w", err)
	}
	if head < c.opts.Confirmations {
		return false, nil
	}
	safe := head - c.opts.Confirmations

	if err := c.resume(ctx, safe); err != nil {
		return false, err
	}
	if c.next > safe {
		return false, nil
	}

	from := c.next
	to := min(safe, from+c.opts.MaxBlocksPerScan-1)

	events, err := c.collect(ctx, from, to)
	if err != nil {
		return false, err
	}

	alerts := 0
	for _, ev := range events {
		emitted, err := c.sink.Submit(ctx, ev)
		if errors.Is(err, transfer.ErrMalformed) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("submit %s: %w", ev.Ref(), err)
		}
		alerts += len(emitted)
	}

	if err := c.checkpoints.SetCheckpoint(ctx, c.opts.ChainID, to); err != nil {
		return false, fmt.Errorf("save checkpoint: %w", err)
	}
	c.next = to + 1
	metrics.CollectorHead.WithLabelValues(c.label).Set(float64(to))

	c.logger.Debug().
		Uint64("from", from).
		Uint64("to", to).
		Int("events", len(events)).
		Int("alerts", alerts).
		Msg("blocks scanned")
	return to < safe, nil
}

// resume picks the first block to scan: checkpoint+1, then start_block, then the current safe head.
func (c *Collector) resume(ctx context.Context, safe uint64) error {
	if c.started {
		return nil
	}
	cp, ok, err := c.checkpoints.GetCheckpoint(ctx, c.opts.ChainID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	switch {
	case ok:
		c.next = cp.LastBlock + 1
	case c.opts.StartBlock > 0:
		c.next = c.opts.StartBlock
	default:
		c.next = safe
	}
	c.started = true
	c.logger.Info().Uint64("from_block", c.next).Bool("checkpoint", ok).Msg("collector resuming")
	return nil
}

// BackfillSummary reports a historical scan.
type BackfillSummary struct {
	Blocks uint64
	Events int
	Alerts int
}

// Backfill scans [from, to] in MaxBlocksPerScan chunks without touching checkpoints.
func (c *Collector) Backfill(ctx context.Context, from, to uint64) (BackfillSummary, error) {
	var summary BackfillSummary
	if from > to {
		return summary, fmt.Errorf("backfill range %d-%d is empty", from, to)
	}
	for start := from; start <= to; start += c.opts.MaxBlocksPerScan {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		end := min(to, start+c.opts.MaxBlocksPerScan-1)
		events, err := c.collect(ctx, start, end)
		if err != nil {
			return summary, err
		}
		for _, ev := range events {
			emitted, err := c.sink.Submit(ctx, ev)
			if errors.Is(err, transfer.ErrMalformed) {
				continue
			}
			if err != nil {
				return summary, fmt.Errorf("submit %s: %w", ev.Ref(), err)
			}
			summary.Events++
			summary.Alerts += len(emitted)
		}
		summary.Blocks += end - start + 1
		c.logger.Info().Uint64("from", start).Uint64("to", end).Int("events", summary.Events).Msg("backfill progress")
		if end == to {
			break
		}
	}
	return summary, nil
}

// Next reports the next block the collector will scan.
func (c *Collector) Next() uint64 {
	return c.next
}

func (c *Collector) collect(ctx context.Context, from, to uint64) ([]transfer.Event, error) {
	scan := &blockScan{c: c, headers: make(map[uint64]time.Time), txs: make(map[common.Hash]*types.Transaction)}

	var events []transfer.Event
	if len(c.opts.Tokens) > 0 {
		tokenEvents, err := scan.tokenTransfers(ctx, from, to)
		if err != nil {
			return nil, err
		}
		events = append(events, tokenEvents...)
	}
	if c.opts.IncludeNative {
		for n := from; n <= to; n++ {
			nativeEvents, err := scan.nativeTransfers(ctx, n)
			if err != nil {
				return nil, err
			}
			events = append(events, nativeEvents...)
		}
	}

	// Token logs come first within a block, then native transfers in transaction order.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].BlockNumber < events[j].BlockNumber
	})
	return events, nil
}

// blockScan caches headers and transactions for one scanned range.
type blockScan struct {
	c       *Collector
	headers map[uint64]time.Time
	txs     map[common.Hash]*types.Transaction
}

func (s *blockScan) tokenTransfers(ctx context.Context, from, to uint64) ([]transfer.Event, error) {
	c := s.c
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: c.opts.Tokens,
		Topics:    [][]common.Hash{{TransferTopic}},
	}
	logs, err := c.withTimeoutLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	events := make([]transfer.Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		raw, err := decodeTransfer(lg)
		if err != nil {
			if !errors.Is(err, errNotTransfer) {
				c.logger.Warn().Err(err).Str("tx", lg.TxHash.Hex()).Uint("log_index", lg.Index).Msg("skipping undecodable log")
			}
			continue
		}

		token, err := c.tokens.get(ctx, lg.Address)
		if err != nil {
			return nil, err
		}
		if token.Symbol == "" {
			continue
		}
		at, err := s.blockTime(ctx, lg.BlockNumber)
		if err != nil {
			return nil, err
		}

		ev := transfer.Event{
			ChainID:     c.opts.ChainID,
			TxHash:      lg.TxHash,
			LogIndex:    lg.Index,
			BlockNumber: lg.BlockNumber,
			Timestamp:   at,
			From:        raw.from,
			To:          raw.to,
			Token:       token,
			Amount:      decimal.NewFromBigInt(raw.value, -int32(token.Decimals)),
			ViaDEX:      c.opts.DEXRouters.Has(raw.from) || c.opts.DEXRouters.Has(raw.to),
		}
		ev.ContractInteraction = c.opts.KnownContracts.Has(raw.from) || c.opts.KnownContracts.Has(raw.to)

		if c.opts.DetectContractCalls {
			tx, err := s.transaction(ctx, lg.TxHash)
			if err != nil {
				return nil, err
			}
			if tx != nil && tx.To() != nil && *tx.To() != lg.Address {
				ev.ContractInteraction = true
				if c.opts.DEXRouters.Has(*tx.To()) {
					ev.ViaDEX = true
				}
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *blockScan) nativeTransfers(ctx context.Context, number uint64) ([]transfer.Event, error) {
	c := s.c
	block, err := withTimeout(ctx, c.opts.RequestTimeout, func(ctx context.Context) (*types.Block, error) {
		return c.reader.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}
	at := time.Unix(int64(block.Time()), 0).UTC()
	s.headers[number] = at

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(c.opts.ChainID))
	native := transfer.Token{Native: true, Symbol: c.opts.NativeSymbol, Decimals: defaultDecimals}

	var events []transfer.Event
	for i, tx := range block.Transactions() {
		if tx.To() == nil || tx.Value().Sign() == 0 {
			continue
		}
		from, err := types.Sender(signer, tx)
		if err != nil {
			c.logger.Warn().Err(err).Str("tx", tx.Hash().Hex()).Msg("cannot recover sender; skipping")
			continue
		}
		to := *tx.To()
		events = append(events, transfer.Event{
			ChainID:             c.opts.ChainID,
			TxHash:              tx.Hash(),
			LogIndex:            uint(i),
			BlockNumber:         number,
			Timestamp:           at,
			From:                from,
			To:                  to,
			Token:               native,
			Amount:              decimal.NewFromBigInt(tx.Value(), -defaultDecimals),
			ViaDEX:              c.opts.DEXRouters.Has(to),
			ContractInteraction: len(tx.Data()) > 0 || c.opts.KnownContracts.Has(to),
		})
	}
	return events, nil
}

func (s *blockScan) blockTime(ctx context.Context, number uint64) (time.Time, error) {
	if at, ok := s.headers[number]; ok {
		return at, nil
	}
	header, err := withTimeout(ctx, s.c.opts.RequestTimeout, func(ctx context.Context) (*types.Header, error) {
		return s.c.reader.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	at := time.Unix(int64(header.Time), 0).UTC()
	s.headers[number] = at
	return at, nil
}

func (s *blockScan) transaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	if tx, ok := s.txs[hash]; ok {
		return tx, nil
	}
	tx, err := withTimeout(ctx, s.c.opts.RequestTimeout, func(ctx context.Context) (*types.Transaction, error) {
		tx, _, err := s.c.reader.TransactionByHash(ctx, hash)
		return tx, err
	})
	if errors.Is(err, ethereum.NotFound) {
		s.txs[hash] = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash.Hex(), err)
	}
	s.txs[hash] = tx
	return tx, nil
}

func (c *Collector) withTimeout(ctx context.Context, fn func(context.Context) (uint64, error)) (uint64, error) {
	return withTimeout(ctx, c.opts.RequestTimeout, fn)
}

func (c *Collector) withTimeoutLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return withTimeout(ctx, c.opts.RequestTimeout, func(ctx context.Context) ([]types.Log, error) {
		return c.reader.FilterLogs(ctx, q)
	})
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

// ParseTokens converts configured token addresses.
func ParseTokens(values []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid token address %q", raw)
		}
		out = append(out, common.HexToAddress(raw))
	}
	return out, nil
}
