package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/collector"
	"token-sentinel/internal/config"
	"token-sentinel/internal/metrics"
	"token-sentinel/internal/pipeline"
	"token-sentinel/internal/service"
	"token-sentinel/internal/storage"
	"token-sentinel/internal/transfer"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := storage.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

// newNotifiers builds the enabled executors. The returned closer releases producer connections.
func (a *App) newNotifiers(store *storage.Store) ([]alerting.Notifier, func(), error) {
	ex := a.Config.Executors
	var (
		notifiers []alerting.Notifier
		closers   []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if ex.Log.Enabled {
		notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
	}
	if ex.Telegram.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:      ex.Telegram.BotToken,
			ChatID:        ex.Telegram.ChatID,
			APIBase:       ex.Telegram.APIBase,
			Timeout:       a.Config.Pipeline.NotifyTimeout,
			RatePerSecond: ex.Telegram.RatePerSecond,
		}, a.Logger))
	}
	if ex.WxPusher.Enabled {
		wx, err := alerting.NewWxPusherNotifier(alerting.WxPusherOptions{
			AppToken:      ex.WxPusher.AppToken,
			UIDs:          ex.WxPusher.UIDs,
			Summary:       ex.WxPusher.Summary,
			APIBase:       ex.WxPusher.APIBase,
			RetryTimes:    ex.WxPusher.RetryTimes,
			RetryDelay:    ex.WxPusher.RetryDelay,
			Timeout:       a.Config.Pipeline.NotifyTimeout,
			RatePerSecond: ex.WxPusher.RatePerSecond,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, wx)
	}
	if ex.Kafka.Enabled {
		kafka, err := alerting.NewKafkaNotifier(ex.Kafka.Brokers, ex.Kafka.Topic, nil)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		notifiers = append(notifiers, kafka)
		closers = append(closers, func() {
			if err := kafka.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka producer")
			}
		})
	}
	if ex.Store.Enabled {
		if store != nil {
			notifiers = append(notifiers, alerting.NewStoreNotifier(store))
		} else {
			a.Logger.Warn().Msg("executors.store enabled but database.dsn not configured; alerts will not be persisted")
		}
	}
	return notifiers, closeAll, nil
}

func (a *App) newDispatcher(notifiers []alerting.Notifier) *alerting.Dispatcher {
	p := a.Config.Pipeline
	return alerting.NewDispatcher(alerting.DispatcherOptions{
		Buffer:  p.DispatchBuffer,
		Workers: p.DispatchWorkers,
		Timeout: p.NotifyTimeout,
	}, a.Logger, notifiers...)
}

func (a *App) collectorOptions(chain config.ChainConfig) (collector.Options, error) {
	tokens, err := collector.ParseTokens(chain.Tokens)
	if err != nil {
		return collector.Options{}, err
	}
	routers, err := transfer.ParseAddressSet(chain.DEXRouters)
	if err != nil {
		return collector.Options{}, err
	}
	known, err := transfer.ParseAddressSet(chain.KnownContracts)
	if err != nil {
		return collector.Options{}, err
	}
	return collector.Options{
		ChainID:             chain.ChainID,
		Name:                chain.Name,
		Tokens:              tokens,
		PollInterval:        chain.PollInterval,
		MaxBlocksPerScan:    chain.MaxBlocksPerScan,
		StartBlock:          chain.StartBlock,
		Confirmations:       chain.Confirmations,
		RequestTimeout:      chain.RequestTimeout,
		IncludeNative:       chain.IncludeNative,
		NativeSymbol:        chain.NativeSymbol,
		DetectContractCalls: chain.DetectContractCalls,
		DEXRouters:          routers,
		KnownContracts:      known,
	}, nil
}

// dialChain connects to the chain's endpoints and checks the reported chain id.
func (a *App) dialChain(ctx context.Context, chain config.ChainConfig) (*collector.Failover, error) {
	reader, err := collector.Dial(ctx, chain.RPCURLs, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("chain %d: %w", chain.ChainID, err)
	}
	id, err := reader.ChainID(ctx)
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("chain %d: query chain id: %w", chain.ChainID, err)
	}
	if id.Uint64() != chain.ChainID {
		reader.Close()
		return nil, fmt.Errorf("chain %d: rpc reports chain id %s", chain.ChainID, id)
	}
	return reader, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Chains) == 0 {
		return errors.New("no chains configured")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and checkpoints are in-memory only")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if a.Config.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, a.Config.Metrics.Listen, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics listener stopped")
			}
		}()
	}

	notifiers, closeNotifiers, err := a.newNotifiers(store)
	if err != nil {
		return err
	}
	defer closeNotifiers()

	dispatcher := a.newDispatcher(notifiers)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	coordinator, err := pipeline.Build(a.Config, dispatcher, a.Logger)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	var checkpoints collector.Checkpoints = collector.NewMemoryCheckpoints()
	var locker storage.AdvisoryLocker
	var alerts storage.AlertStore
	if store != nil {
		checkpoints, locker, alerts = store, store, store
	}

	chains := make([]service.Chain, 0, len(a.Config.Chains))
	for _, chainCfg := range a.Config.Chains {
		opts, err := a.collectorOptions(chainCfg)
		if err != nil {
			return fmt.Errorf("chain %d: %w", chainCfg.ChainID, err)
		}
		reader, err := a.dialChain(ctx, chainCfg)
		if err != nil {
			return err
		}
		defer reader.Close()

		chains = append(chains, service.Chain{
			ChainID: chainCfg.ChainID,
			Name:    chainCfg.Name,
			LockKey: chainCfg.AdvisoryLockKey,
			Runner:  collector.New(opts, reader, coordinator, checkpoints, a.Logger),
		})
	}

	svc := service.New(service.Options{
		Retention: a.Config.Database.AlertRetention,
	}, chains, locker, alerts, a.Logger)

	a.Logger.Info().Int("chains", len(chains)).Int("executors", len(notifiers)).Msg("starting monitoring service")
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical alerts.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	// Detector restricts the export to one detector when set.
	Detector string
	// Bucket overrides export.bucket for the PNG chart.
	Bucket time.Duration
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Detector string
}

// ReplayOptions configure offline replay.
type ReplayOptions struct {
	Path string
	// Deliver routes alerts through the configured executors instead of only logging them.
	Deliver bool
}

// BackfillOptions configure a historical block-range scan.
type BackfillOptions struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   uint64
	Deliver   bool
}
