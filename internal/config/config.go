package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"token-sentinel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Chains    []ChainConfig   `mapstructure:"chains"`
	Filters   FiltersConfig   `mapstructure:"filters"`
	Detectors DetectorsConfig `mapstructure:"detectors"`
	Executors ExecutorsConfig `mapstructure:"executors"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
}

// MetricsConfig toggles the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// PipelineConfig governs fan-out, cooldown and dispatch.
type PipelineConfig struct {
	AlertCooldown       time.Duration `mapstructure:"alert_cooldown"`
	DetectorConcurrency int           `mapstructure:"detector_concurrency"`
	DispatchBuffer      int           `mapstructure:"dispatch_buffer"`
	DispatchWorkers     int           `mapstructure:"dispatch_workers"`
	NotifyTimeout       time.Duration `mapstructure:"notify_timeout"`
}

// StatsConfig bounds the rolling statistics store.
type StatsConfig struct {
	WindowHours int `mapstructure:"window_hours"`
	SampleSize  int `mapstructure:"sample_size"`
}

// Window converts WindowHours to a duration.
func (s StatsConfig) Window() time.Duration {
	return time.Duration(s.WindowHours) * time.Hour
}

// ChainConfig 描述单条链的采集参数。
type ChainConfig struct {
	ChainID             uint64        `mapstructure:"chain_id"`
	Name                string        `mapstructure:"name"`
	RPCURLs             []string      `mapstructure:"rpc_urls"`
	Tokens              []string      `mapstructure:"tokens"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaxBlocksPerScan    uint64        `mapstructure:"max_blocks_per_scan"`
	StartBlock          uint64        `mapstructure:"start_block"`
	Confirmations       uint64        `mapstructure:"confirmations"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	IncludeNative       bool          `mapstructure:"include_native"`
	NativeSymbol        string        `mapstructure:"native_symbol"`
	DetectContractCalls bool          `mapstructure:"detect_contract_calls"`
	DEXRouters          []string      `mapstructure:"dex_routers"`
	KnownContracts      []string      `mapstructure:"known_contracts"`
	AdvisoryLockKey     int64         `mapstructure:"advisory_lock_key"`
}

// FiltersConfig groups the filter chain settings.
type FiltersConfig struct {
	Whitelist      WhitelistConfig      `mapstructure:"whitelist"`
	SmallTransfer  SmallTransferConfig  `mapstructure:"small_transfer"`
	DEXTrade       DEXTradeConfig       `mapstructure:"dex_trade"`
	SimpleTransfer SimpleTransferConfig `mapstructure:"simple_transfer"`
}

// WhitelistConfig lists addresses whose transfers are ignored.
type WhitelistConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
}

// SmallTransferConfig drops transfers small relative to the rolling mean.
type SmallTransferConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Threshold     float64 `mapstructure:"small_transfer_threshold"`
	MinStatsCount int     `mapstructure:"min_stats_count"`
}

// DEXTradeConfig keeps or drops router-mediated transfers.
type DEXTradeConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	FilterDEXTrades bool `mapstructure:"filter_dex_trades"`
	OnlyDEXTrades   bool `mapstructure:"only_dex_trades"`
}

// SimpleTransferConfig requires plain transfers to be significant.
type SimpleTransferConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	RequireSignificant bool `mapstructure:"require_significant"`
}

// DetectorsConfig groups the detector settings.
type DetectorsConfig struct {
	SignificantTransfer SignificantTransferConfig `mapstructure:"significant_transfer"`
	HighFrequency       HighFrequencyConfig       `mapstructure:"high_frequency"`
	MultiHop            MultiHopConfig            `mapstructure:"multi_hop"`
	WashTrading         WashTradingConfig         `mapstructure:"wash_trading"`
	ContinuousFlow      ContinuousFlowConfig      `mapstructure:"continuous_flow"`
	PeriodicTransfer    PeriodicTransferConfig    `mapstructure:"periodic_transfer"`
	WatchedAddress      WatchedAddressConfig      `mapstructure:"watched_address"`
	WatchedToken        WatchedTokenConfig        `mapstructure:"watched_token"`
}

// SignificantTransferConfig 按代币符号设置显著转账阈值。
type SignificantTransferConfig struct {
	Enabled             bool               `mapstructure:"enabled"`
	Thresholds          map[string]float64 `mapstructure:"thresholds"`
	StablecoinThreshold float64            `mapstructure:"stablecoin_threshold"`
	Stablecoins         []string           `mapstructure:"stablecoins"`
}

// HighFrequencyConfig tunes the frequency outlier detector.
type HighFrequencyConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	WindowSize                int           `mapstructure:"window_size"`
	MinTransfers              int           `mapstructure:"min_transfers"`
	UnusualFrequencyThreshold float64       `mapstructure:"unusual_frequency_threshold"`
	MinSpan                   time.Duration `mapstructure:"min_span"`
	IdleTTL                   time.Duration `mapstructure:"idle_ttl"`
}

// MultiHopConfig tunes the multi-hop path detector.
type MultiHopConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ArbitrageTimeWindow time.Duration `mapstructure:"arbitrage_time_window"`
	MinAddresses        int           `mapstructure:"min_addresses"`
	MinTokens           int           `mapstructure:"min_tokens"`
	MaxHops             int           `mapstructure:"max_hops"`
	MaxPaths            int           `mapstructure:"max_paths"`
}

// WashTradingConfig tunes the cycle detector.
type WashTradingConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	Window                    time.Duration `mapstructure:"window"`
	CircularTransferThreshold int           `mapstructure:"circular_transfer_threshold"`
	MaxHops                   int           `mapstructure:"max_hops"`
	MaxPaths                  int           `mapstructure:"max_paths"`
}

// ContinuousFlowConfig tunes the directional flow detector.
type ContinuousFlowConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	FlowWindow         time.Duration `mapstructure:"flow_window"`
	MinTransfers       int           `mapstructure:"min_transfers"`
	DirectionThreshold float64       `mapstructure:"direction_threshold"`
	MinVolume          float64       `mapstructure:"min_volume"`
}

// PeriodicTransferConfig tunes the periodic sender detector.
type PeriodicTransferConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Window       time.Duration `mapstructure:"window"`
	MinTransfers int           `mapstructure:"min_transfers"`
	MaxVariation float64       `mapstructure:"max_variation"`
}

// WatchedAddressConfig lists addresses that always alert.
type WatchedAddressConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
}

// WatchedTokenConfig lists tokens (address or symbol) that always alert.
type WatchedTokenConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Tokens  []string `mapstructure:"tokens"`
}

// ExecutorsConfig configures alert delivery.
type ExecutorsConfig struct {
	Log      LogExecutorConfig `mapstructure:"log"`
	Telegram TelegramConfig    `mapstructure:"telegram"`
	WxPusher WxPusherConfig    `mapstructure:"wxpusher"`
	Kafka    KafkaConfig       `mapstructure:"kafka"`
	Store    StoreConfig       `mapstructure:"store"`
}

// LogExecutorConfig toggles alert logging.
type LogExecutorConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	BotToken      string  `mapstructure:"bot_token"`
	ChatID        string  `mapstructure:"chat_id"`
	APIBase       string  `mapstructure:"api_base"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// WxPusherConfig 描述 WxPusher 推送参数。
type WxPusherConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	AppToken      string        `mapstructure:"app_token"`
	UIDs          []string      `mapstructure:"uids"`
	Summary       string        `mapstructure:"summary"`
	APIBase       string        `mapstructure:"api_base"`
	RetryTimes    int           `mapstructure:"retry_times"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
}

// KafkaConfig configures the Kafka alert stream.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// StoreConfig toggles alert persistence.
type StoreConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int           `mapstructure:"max_data_points"`
	Bucket        time.Duration `mapstructure:"bucket"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TOKENSENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "token-sentinel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.alert_retention", "720h")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9108")

	v.SetDefault("pipeline.alert_cooldown", "15m")
	v.SetDefault("pipeline.detector_concurrency", 0)
	v.SetDefault("pipeline.dispatch_buffer", 1024)
	v.SetDefault("pipeline.dispatch_workers", 2)
	v.SetDefault("pipeline.notify_timeout", "15s")

	v.SetDefault("stats.window_hours", 24)
	v.SetDefault("stats.sample_size", 1000)

	v.SetDefault("filters.whitelist.enabled", true)
	v.SetDefault("filters.small_transfer.enabled", true)
	v.SetDefault("filters.small_transfer.small_transfer_threshold", 0.1)
	v.SetDefault("filters.small_transfer.min_stats_count", 100)
	v.SetDefault("filters.dex_trade.enabled", false)
	v.SetDefault("filters.simple_transfer.enabled", false)
	v.SetDefault("filters.simple_transfer.require_significant", false)

	v.SetDefault("detectors.significant_transfer.enabled", true)
	v.SetDefault("detectors.significant_transfer.thresholds", map[string]float64{
		"ETH":     100,
		"WETH":    100,
		"DEFAULT": 100000,
	})
	v.SetDefault("detectors.significant_transfer.stablecoin_threshold", 100000)
	v.SetDefault("detectors.significant_transfer.stablecoins", []string{"USDT", "USDC", "DAI", "BUSD", "TUSD"})

	v.SetDefault("detectors.high_frequency.enabled", true)
	v.SetDefault("detectors.high_frequency.window_size", 100)
	v.SetDefault("detectors.high_frequency.min_transfers", 10)
	v.SetDefault("detectors.high_frequency.unusual_frequency_threshold", 3.0)
	v.SetDefault("detectors.high_frequency.min_span", "1m")
	v.SetDefault("detectors.high_frequency.idle_ttl", "1h")

	v.SetDefault("detectors.multi_hop.enabled", true)
	v.SetDefault("detectors.multi_hop.arbitrage_time_window", "60s")
	v.SetDefault("detectors.multi_hop.min_addresses", 3)
	v.SetDefault("detectors.multi_hop.min_tokens", 2)
	v.SetDefault("detectors.multi_hop.max_hops", 6)
	v.SetDefault("detectors.multi_hop.max_paths", 128)

	v.SetDefault("detectors.wash_trading.enabled", true)
	v.SetDefault("detectors.wash_trading.window", "1h")
	v.SetDefault("detectors.wash_trading.circular_transfer_threshold", 3)
	v.SetDefault("detectors.wash_trading.max_hops", 8)
	v.SetDefault("detectors.wash_trading.max_paths", 128)

	v.SetDefault("detectors.continuous_flow.enabled", true)
	v.SetDefault("detectors.continuous_flow.flow_window", "1h")
	v.SetDefault("detectors.continuous_flow.min_transfers", 10)
	v.SetDefault("detectors.continuous_flow.direction_threshold", 0.8)
	v.SetDefault("detectors.continuous_flow.min_volume", 0)

	v.SetDefault("detectors.periodic_transfer.enabled", true)
	v.SetDefault("detectors.periodic_transfer.window", "168h")
	v.SetDefault("detectors.periodic_transfer.min_transfers", 4)
	v.SetDefault("detectors.periodic_transfer.max_variation", 0.1)

	v.SetDefault("detectors.watched_address.enabled", true)
	v.SetDefault("detectors.watched_token.enabled", true)

	v.SetDefault("executors.log.enabled", true)
	v.SetDefault("executors.telegram.enabled", false)
	v.SetDefault("executors.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("executors.telegram.rate_per_second", 1.0)
	v.SetDefault("executors.wxpusher.enabled", false)
	v.SetDefault("executors.wxpusher.api_base", "https://wxpusher.zjiecode.com")
	v.SetDefault("executors.wxpusher.retry_times", 3)
	v.SetDefault("executors.wxpusher.retry_delay", "1s")
	v.SetDefault("executors.wxpusher.rate_per_second", 1.0)
	v.SetDefault("executors.kafka.enabled", false)
	v.SetDefault("executors.kafka.topic", "token-sentinel.alerts")
	v.SetDefault("executors.store.enabled", true)

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("export.bucket", "1h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks; any error is fatal at startup.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Export.Bucket <= 0 {
		return fmt.Errorf("export.bucket must be greater than zero")
	}
	if c.Pipeline.AlertCooldown < 0 {
		return fmt.Errorf("pipeline.alert_cooldown cannot be negative")
	}
	if c.Stats.WindowHours < 0 || c.Stats.SampleSize <= 0 {
		return fmt.Errorf("stats.window_hours must be >= 0 and stats.sample_size > 0")
	}
	if err := c.validateChains(); err != nil {
		return err
	}
	if err := c.validateFilters(); err != nil {
		return err
	}
	if err := c.validateDetectors(); err != nil {
		return err
	}
	return c.validateExecutors()
}

func (c *Config) validateChains() error {
	seen := make(map[uint64]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		if chain.ChainID == 0 {
			return fmt.Errorf("chains[%d].chain_id is required", i)
		}
		if _, dup := seen[chain.ChainID]; dup {
			return fmt.Errorf("chains[%d]: duplicate chain_id %d", i, chain.ChainID)
		}
		seen[chain.ChainID] = struct{}{}
		if len(chain.RPCURLs) == 0 {
			return fmt.Errorf("chains[%d].rpc_urls 必须配置", i)
		}
		if len(chain.Tokens) == 0 && !chain.IncludeNative {
			return fmt.Errorf("chains[%d] monitors nothing: set tokens or include_native", i)
		}
		if err := checkAddresses(fmt.Sprintf("chains[%d].tokens", i), chain.Tokens); err != nil {
			return err
		}
		if err := checkAddresses(fmt.Sprintf("chains[%d].dex_routers", i), chain.DEXRouters); err != nil {
			return err
		}
		if err := checkAddresses(fmt.Sprintf("chains[%d].known_contracts", i), chain.KnownContracts); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateFilters() error {
	f := c.Filters
	if err := checkAddresses("filters.whitelist.addresses", f.Whitelist.Addresses); err != nil {
		return err
	}
	if f.SmallTransfer.Threshold < 0 {
		return fmt.Errorf("filters.small_transfer.small_transfer_threshold cannot be negative")
	}
	if f.SmallTransfer.MinStatsCount < 0 {
		return fmt.Errorf("filters.small_transfer.min_stats_count cannot be negative")
	}
	return nil
}

func (c *Config) validateDetectors() error {
	d := c.Detectors
	// A threshold map that is present is validated even when nothing consumes it yet.
	if d.SignificantTransfer.Enabled || c.Filters.SimpleTransfer.RequireSignificant || len(d.SignificantTransfer.Thresholds) > 0 {
		if _, ok := lookupFold(d.SignificantTransfer.Thresholds, "DEFAULT"); !ok {
			return fmt.Errorf("detectors.significant_transfer.thresholds requires a DEFAULT entry")
		}
		for symbol, value := range d.SignificantTransfer.Thresholds {
			if value <= 0 {
				return fmt.Errorf("detectors.significant_transfer.thresholds.%s must be greater than zero", symbol)
			}
		}
	}
	if hf := d.HighFrequency; hf.Enabled && (hf.WindowSize <= 0 || hf.UnusualFrequencyThreshold < 0) {
		return fmt.Errorf("detectors.high_frequency: window_size must be > 0 and unusual_frequency_threshold >= 0")
	}
	if mh := d.MultiHop; mh.Enabled && (mh.ArbitrageTimeWindow <= 0 || mh.MinAddresses < 2 || mh.MinTokens < 1) {
		return fmt.Errorf("detectors.multi_hop: arbitrage_time_window > 0, min_addresses >= 2 and min_tokens >= 1 required")
	}
	if wt := d.WashTrading; wt.Enabled && (wt.Window <= 0 || wt.CircularTransferThreshold < 1) {
		return fmt.Errorf("detectors.wash_trading: window > 0 and circular_transfer_threshold >= 1 required")
	}
	if cf := d.ContinuousFlow; cf.Enabled {
		if cf.FlowWindow <= 0 || cf.MinTransfers < 1 {
			return fmt.Errorf("detectors.continuous_flow: flow_window > 0 and min_transfers >= 1 required")
		}
		if cf.DirectionThreshold <= 0.5 || cf.DirectionThreshold > 1 {
			return fmt.Errorf("detectors.continuous_flow.direction_threshold must be in (0.5, 1]")
		}
	}
	if pt := d.PeriodicTransfer; pt.Enabled && (pt.Window <= 0 || pt.MaxVariation < 0) {
		return fmt.Errorf("detectors.periodic_transfer: window > 0 and max_variation >= 0 required")
	}
	return checkAddresses("detectors.watched_address.addresses", d.WatchedAddress.Addresses)
}

func (c *Config) validateExecutors() error {
	e := c.Executors
	if e.Telegram.Enabled {
		if e.Telegram.BotToken == "" {
			return fmt.Errorf("executors.telegram.bot_token 必须配置")
		}
		if e.Telegram.ChatID == "" {
			return fmt.Errorf("executors.telegram.chat_id 必须配置")
		}
	}
	if e.WxPusher.Enabled {
		if e.WxPusher.AppToken == "" {
			return fmt.Errorf("executors.wxpusher.app_token 必须配置")
		}
		if len(e.WxPusher.UIDs) == 0 {
			return fmt.Errorf("executors.wxpusher.uids 必须配置")
		}
	}
	if e.Kafka.Enabled && (len(e.Kafka.Brokers) == 0 || e.Kafka.Topic == "") {
		return fmt.Errorf("executors.kafka requires brokers and topic")
	}
	return nil
}

func checkAddresses(field string, values []string) error {
	for _, raw := range values {
		if !common.IsHexAddress(strings.TrimSpace(raw)) {
			return fmt.Errorf("%s: invalid address %q", field, raw)
		}
	}
	return nil
}

func lookupFold(m map[string]float64, key string) (float64, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return 0, false
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
