package pipeline

import (
	"fmt"

	"github.com/rs/zerolog"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/config"
	"token-sentinel/internal/cooldown"
	"token-sentinel/internal/detector"
	"token-sentinel/internal/filter"
	"token-sentinel/internal/stats"
	"token-sentinel/internal/threshold"
	"token-sentinel/internal/transfer"
)

// Build assembles a coordinator from configuration. Filters run in a fixed order:
// whitelist, dex_trade, small_transfer, simple_transfer.
func Build(cfg *config.Config, sink alerting.Sink, logger zerolog.Logger) (*Coordinator, error) {
	sig := cfg.Detectors.SignificantTransfer
	table, err := threshold.New(sig.Thresholds, sig.StablecoinThreshold, sig.Stablecoins)
	if err != nil && (sig.Enabled || cfg.Filters.SimpleTransfer.RequireSignificant || len(sig.Thresholds) > 0) {
		return nil, fmt.Errorf("significant thresholds: %w", err)
	}

	whitelist, err := transfer.ParseAddressSet(cfg.Filters.Whitelist.Addresses)
	if err != nil {
		return nil, fmt.Errorf("filters.whitelist: %w", err)
	}
	watchedAddrs, err := transfer.ParseAddressSet(cfg.Detectors.WatchedAddress.Addresses)
	if err != nil {
		return nil, fmt.Errorf("detectors.watched_address: %w", err)
	}
	watchedTokens := transfer.ParseTokenSet(cfg.Detectors.WatchedToken.Tokens)

	contracts := make([]transfer.AddressSet, 0, len(cfg.Chains)*2)
	for _, chain := range cfg.Chains {
		routers, err := transfer.ParseAddressSet(chain.DEXRouters)
		if err != nil {
			return nil, fmt.Errorf("chain %d dex_routers: %w", chain.ChainID, err)
		}
		known, err := transfer.ParseAddressSet(chain.KnownContracts)
		if err != nil {
			return nil, fmt.Errorf("chain %d known_contracts: %w", chain.ChainID, err)
		}
		contracts = append(contracts, routers, known)
	}

	watchlist := transfer.Watchlist{}
	if cfg.Detectors.WatchedAddress.Enabled {
		watchlist.Addresses = watchedAddrs
	}
	if cfg.Detectors.WatchedToken.Enabled {
		watchlist.Tokens = watchedTokens
	}

	store := stats.New(stats.Options{
		SampleSize: cfg.Stats.SampleSize,
		Window:     cfg.Stats.Window(),
	})

	f := cfg.Filters
	chain := filter.NewChain(
		filter.NewWhitelist(f.Whitelist.Enabled, whitelist),
		filter.NewDEXTrade(filter.DEXTradeOptions{
			Enabled:         f.DEXTrade.Enabled,
			FilterDEXTrades: f.DEXTrade.FilterDEXTrades,
			OnlyDEXTrades:   f.DEXTrade.OnlyDEXTrades,
		}),
		filter.NewSmallTransfer(filter.SmallTransferOptions{
			Enabled:       f.SmallTransfer.Enabled,
			Threshold:     f.SmallTransfer.Threshold,
			MinStatsCount: f.SmallTransfer.MinStatsCount,
		}, store, watchlist),
		filter.NewSimpleTransfer(filter.SimpleTransferOptions{
			Enabled:            f.SimpleTransfer.Enabled,
			RequireSignificant: f.SimpleTransfer.RequireSignificant,
		}, table, transfer.Union(contracts...), watchlist),
	)

	detectors := buildDetectors(cfg.Detectors, table, watchedAddrs, watchedTokens)

	coordinator := New(
		Options{Concurrency: cfg.Pipeline.DetectorConcurrency},
		chain,
		store,
		detectors,
		cooldown.New(cfg.Pipeline.AlertCooldown),
		sink,
		logger,
	)
	logger.Info().
		Strs("filters", chain.Names()).
		Strs("detectors", coordinator.Detectors()).
		Dur("cooldown", cfg.Pipeline.AlertCooldown).
		Msg("pipeline assembled")
	return coordinator, nil
}

func buildDetectors(d config.DetectorsConfig, table *threshold.Table, addrs transfer.AddressSet, tokens transfer.TokenSet) []detector.Detector {
	return []detector.Detector{
		detector.NewSignificantTransfer(d.SignificantTransfer.Enabled, table),
		detector.NewHighFrequency(detector.HighFrequencyOptions{
			Enabled:      d.HighFrequency.Enabled,
			WindowSize:   d.HighFrequency.WindowSize,
			MinTransfers: d.HighFrequency.MinTransfers,
			Threshold:    d.HighFrequency.UnusualFrequencyThreshold,
			MinSpan:      d.HighFrequency.MinSpan,
			IdleTTL:      d.HighFrequency.IdleTTL,
		}),
		detector.NewMultiHop(detector.MultiHopOptions{
			Enabled:      d.MultiHop.Enabled,
			Window:       d.MultiHop.ArbitrageTimeWindow,
			MinAddresses: d.MultiHop.MinAddresses,
			MinTokens:    d.MultiHop.MinTokens,
			MaxHops:      d.MultiHop.MaxHops,
			MaxPaths:     d.MultiHop.MaxPaths,
		}),
		detector.NewWashTrading(detector.WashTradingOptions{
			Enabled:     d.WashTrading.Enabled,
			Window:      d.WashTrading.Window,
			CycleLength: d.WashTrading.CircularTransferThreshold,
			MaxHops:     d.WashTrading.MaxHops,
			MaxPaths:    d.WashTrading.MaxPaths,
		}),
		detector.NewContinuousFlow(detector.ContinuousFlowOptions{
			Enabled:            d.ContinuousFlow.Enabled,
			Window:             d.ContinuousFlow.FlowWindow,
			MinTransfers:       d.ContinuousFlow.MinTransfers,
			DirectionThreshold: d.ContinuousFlow.DirectionThreshold,
			MinVolume:          d.ContinuousFlow.MinVolume,
		}),
		detector.NewPeriodicTransfer(detector.PeriodicTransferOptions{
			Enabled:      d.PeriodicTransfer.Enabled,
			Window:       d.PeriodicTransfer.Window,
			MinTransfers: d.PeriodicTransfer.MinTransfers,
			MaxVariation: d.PeriodicTransfer.MaxVariation,
		}),
		detector.NewWatchedAddress(d.WatchedAddress.Enabled, addrs),
		detector.NewWatchedToken(d.WatchedToken.Enabled, tokens),
	}
}
