package filter

import (
	"github.com/shopspring/decimal"

	"token-sentinel/internal/stats"
	"token-sentinel/internal/threshold"
	"token-sentinel/internal/transfer"
)

// Filter names as they appear in logs and metrics.
const (
	NameWhitelist      = "whitelist"
	NameSmallTransfer  = "small_transfer"
	NameDEXTrade       = "dex_trade"
	NameSimpleTransfer = "simple_transfer"
)

// Whitelist rejects transfers touching a whitelisted address.
type Whitelist struct {
	enabled   bool
	addresses transfer.AddressSet
}

// NewWhitelist builds the whitelist filter.
func NewWhitelist(enabled bool, addresses transfer.AddressSet) *Whitelist {
	return &Whitelist{enabled: enabled, addresses: addresses}
}

func (f *Whitelist) Name() string  { return NameWhitelist }
func (f *Whitelist) Enabled() bool { return f.enabled }

func (f *Whitelist) Accept(ev transfer.Event) bool {
	return !f.addresses.Either(ev)
}

// SmallTransferOptions configure the small-transfer filter.
type SmallTransferOptions struct {
	Enabled bool
	// Ratio of the rolling mean below which a transfer counts as noise.
	Threshold float64
	// MinStatsCount is the sample count required before the filter rejects anything.
	MinStatsCount int
}

// SmallTransfer drops transfers that are small relative to the token's rolling mean.
type SmallTransfer struct {
	opts      SmallTransferOptions
	ratio     decimal.Decimal
	stats     stats.Reader
	watchlist transfer.Watchlist
}

// NewSmallTransfer wires the filter to a read-only stats view.
func NewSmallTransfer(opts SmallTransferOptions, reader stats.Reader, watchlist transfer.Watchlist) *SmallTransfer {
	return &SmallTransfer{
		opts:      opts,
		ratio:     decimal.NewFromFloat(opts.Threshold),
		stats:     reader,
		watchlist: watchlist,
	}
}

func (f *SmallTransfer) Name() string  { return NameSmallTransfer }
func (f *SmallTransfer) Enabled() bool { return f.opts.Enabled }

func (f *SmallTransfer) Accept(ev transfer.Event) bool {
	if f.watchlist.Touches(ev) {
		return true
	}
	snap := f.stats.Snapshot(ev.ChainID, ev.TokenKey(), ev.Timestamp)
	if snap.Count < f.opts.MinStatsCount || snap.Count == 0 {
		return true
	}
	return !ev.Amount.LessThan(snap.Mean.Mul(f.ratio))
}

// DEXTradeOptions configure the DEX-trade filter.
type DEXTradeOptions struct {
	Enabled         bool
	FilterDEXTrades bool
	OnlyDEXTrades   bool
}

// DEXTrade keeps or drops router-mediated transfers.
type DEXTrade struct {
	opts DEXTradeOptions
}

// NewDEXTrade builds the DEX-trade filter.
func NewDEXTrade(opts DEXTradeOptions) *DEXTrade {
	return &DEXTrade{opts: opts}
}

func (f *DEXTrade) Name() string  { return NameDEXTrade }
func (f *DEXTrade) Enabled() bool { return f.opts.Enabled }

// Accept applies filter_dex_trades before only_dex_trades, so enabling both rejects everything.
func (f *DEXTrade) Accept(ev transfer.Event) bool {
	if f.opts.FilterDEXTrades && ev.ViaDEX {
		return false
	}
	if f.opts.OnlyDEXTrades && !ev.ViaDEX {
		return false
	}
	return true
}

// SimpleTransferOptions configure the simple-transfer filter.
type SimpleTransferOptions struct {
	Enabled            bool
	RequireSignificant bool
}

// SimpleTransfer 要求普通地址间转账达到显著阈值。
type SimpleTransfer struct {
	opts       SimpleTransferOptions
	thresholds *threshold.Table
	contracts  transfer.AddressSet
	watchlist  transfer.Watchlist
}

// NewSimpleTransfer shares the threshold table with the significant-transfer detector.
func NewSimpleTransfer(opts SimpleTransferOptions, thresholds *threshold.Table, contracts transfer.AddressSet, watchlist transfer.Watchlist) *SimpleTransfer {
	return &SimpleTransfer{opts: opts, thresholds: thresholds, contracts: contracts, watchlist: watchlist}
}

func (f *SimpleTransfer) Name() string  { return NameSimpleTransfer }
func (f *SimpleTransfer) Enabled() bool { return f.opts.Enabled }

func (f *SimpleTransfer) Accept(ev transfer.Event) bool {
	if !f.opts.RequireSignificant {
		return true
	}
	if ev.ViaDEX || ev.ContractInteraction || f.contracts.Either(ev) || f.watchlist.Touches(ev) {
		return true
	}
	return ev.Amount.GreaterThanOrEqual(f.thresholds.Lookup(ev.Token.Symbol))
}

var (
	_ Filter = (*Whitelist)(nil)
	_ Filter = (*SmallTransfer)(nil)
	_ Filter = (*DEXTrade)(nil)
	_ Filter = (*SimpleTransfer)(nil)
)
