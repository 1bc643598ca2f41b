package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config aggregates all configuration settings for the signal engine.
type Config struct {
	// Environment indicates the running environment (e.g., "development", "production").
	Environment string `mapstructure:"environment"`
	// LogLevel sets the global logging verbosity.
	LogLevel string `mapstructure:"log_level"`
	// Redis holds configuration for the stream bus connection.
	Redis RedisConfig `mapstructure:"redis"`
	// Database holds configuration for the market registry database.
	Database DatabaseConfig `mapstructure:"database"`
	// Health holds configuration for the health/stats HTTP endpoint.
	Health HealthConfig `mapstructure:"health"`
	// Signals holds tuning parameters for all processors and the aggregator.
	Signals SignalsConfig `mapstructure:"signals"`
}

// RedisConfig defines the Redis connection settings.
type RedisConfig struct {
	// Host is the Redis server hostname.
	Host string `mapstructure:"host"`
	// Port is the Redis server port.
	Port int `mapstructure:"port"`
	// Password is the Redis authentication password.
	Password string `mapstructure:"password"`
	// DB is the Redis database index to use.
	DB int `mapstructure:"db"`
	// GroupPrefix is prepended to every consumer group name.
	GroupPrefix string `mapstructure:"group_prefix"`
}

// DatabaseConfig defines the PostgreSQL connection settings for the
// market registry.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	DatabaseURL  string `mapstructure:"database_url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// ConnString returns the pgx connection string, preferring DatabaseURL.
func (d DatabaseConfig) ConnString() string {
	if d.DatabaseURL != "" {
		return d.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// HealthConfig defines the health endpoint settings.
type HealthConfig struct {
	// Enabled controls whether the HTTP endpoint is served.
	Enabled bool `mapstructure:"enabled"`
	// Port is the TCP port the health server listens on.
	Port int `mapstructure:"port"`
}

// SignalsConfig groups the per-processor tuning sections.
type SignalsConfig struct {
	Toxicity     ToxicityConfig     `mapstructure:"toxicity"`
	OIDivergence OIDivergenceConfig `mapstructure:"oi_divergence"`
	Regime       RegimeConfig       `mapstructure:"regime"`
	CrossMarket  CrossMarketConfig  `mapstructure:"cross_market"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle"`
	Aggregator   AggregatorConfig   `mapstructure:"aggregator"`
	// CooldownSec is the per-market emission cooldown shared by all processors.
	CooldownSec int `mapstructure:"cooldown_sec"`
	// MinDelta is the minimum strength change between successive signals of
	// the same (type, direction) on a market.
	MinDelta float64 `mapstructure:"min_delta"`
}

// ToxicityConfig tunes the VPIN flow-toxicity processor.
type ToxicityConfig struct {
	// BucketMinVol is the floor on the volume-bucket target size.
	BucketMinVol int `mapstructure:"bucket_min_vol"`
	// Window is the number of completed buckets in the rolling VPIN window.
	Window int `mapstructure:"window"`
	// Threshold is the VPIN level whose upward crossing fires a signal.
	Threshold float64 `mapstructure:"threshold"`
	// High is the VPIN level above which urgency escalates.
	High float64 `mapstructure:"high"`
	// SustainedThreshold fires the sustained-toxicity signal on the rolling mean.
	SustainedThreshold float64 `mapstructure:"sustained_threshold"`
	// BurstVolMultiple is the bucket-volume multiple of the rolling mean that
	// qualifies as a burst.
	BurstVolMultiple float64 `mapstructure:"burst_vol_multiple"`
	// BurstMaxSec is the maximum bucket fill time for a burst.
	BurstMaxSec int `mapstructure:"burst_max_sec"`
	// LargeTradeMultiple is the mean-trade-size multiple that flags a large trade.
	LargeTradeMultiple float64 `mapstructure:"large_trade_multiple"`
}

// OIDivergenceConfig tunes the open-interest divergence processor.
type OIDivergenceConfig struct {
	// ZScoreThreshold is the |z| level that qualifies as a divergence.
	ZScoreThreshold float64 `mapstructure:"zscore_threshold"`
	// EWMAHalflifeSec is the half-life of the OI velocity EWMA.
	EWMAHalflifeSec int `mapstructure:"ewma_halflife_sec"`
	// MinObservations gates emission until the window is filled.
	MinObservations int `mapstructure:"min_observations"`
	// MinPrice and MaxPrice exclude extreme-priced markets with no edge.
	MinPrice int `mapstructure:"min_price"`
	MaxPrice int `mapstructure:"max_price"`
	// DollarConfirmBoost is added to confidence when dollar OI agrees.
	DollarConfirmBoost float64 `mapstructure:"dollar_confirm_boost"`
}

// RegimeConfig tunes the microstructure regime state machine.
type RegimeConfig struct {
	// EvalPeriodSec is how often each market is reclassified.
	EvalPeriodSec int `mapstructure:"eval_period_sec"`
	// HysteresisSec is how long an opposing condition must hold before a transition.
	HysteresisSec int `mapstructure:"hysteresis_sec"`
	// PreSettleMin is the minutes-to-close below which PRE_SETTLE dominates.
	PreSettleMin int `mapstructure:"pre_settle_min"`
	// DeadTradeRate and DeadMessageRate bound the DEAD regime.
	DeadTradeRate   float64 `mapstructure:"dead_trade_rate"`
	DeadMessageRate float64 `mapstructure:"dead_message_rate"`
	// QuietTradeRate is the trade rate that lifts a market out of DEAD.
	QuietTradeRate float64 `mapstructure:"quiet_trade_rate"`
	// ActiveTradeRate / ActiveMessageRate promote QUIET to ACTIVE.
	ActiveTradeRate   float64 `mapstructure:"active_trade_rate"`
	ActiveMessageRate float64 `mapstructure:"active_message_rate"`
	// InformedImbalance is the |depth imbalance| that marks INFORMED.
	InformedImbalance float64 `mapstructure:"informed_imbalance"`
	// DemoteTradeRate demotes ACTIVE to QUIET when sustained below it.
	DemoteTradeRate float64 `mapstructure:"demote_trade_rate"`
	// DemoteImbalance demotes INFORMED to ACTIVE when sustained below it.
	DemoteImbalance float64 `mapstructure:"demote_imbalance"`
}

// CrossMarketConfig tunes the cross-market propagation processor.
type CrossMarketConfig struct {
	// LeaderMinMove is the cents move that makes a market a leader.
	LeaderMinMove int `mapstructure:"leader_min_move"`
	// LeaderWindowSec bounds how fast the leader move must happen.
	LeaderWindowSec int `mapstructure:"leader_window_sec"`
	// FollowerMaxMove is the cents move below which a sibling counts as lagging.
	FollowerMaxMove int `mapstructure:"follower_max_move"`
	// WindowSec is the lookback for sibling repricing.
	WindowSec int `mapstructure:"window_sec"`
	// SuppressSec suppresses re-signaling a sibling in the same direction.
	SuppressSec int `mapstructure:"suppress_sec"`
	// MinSourceStrength gates signal-fired propagation.
	MinSourceStrength float64 `mapstructure:"min_source_strength"`
	// Attenuation scales propagated strength; ConfAttenuation scales confidence.
	Attenuation     float64 `mapstructure:"attenuation"`
	ConfAttenuation float64 `mapstructure:"conf_attenuation"`
	// MaxSiblings skips propagation across oversized events.
	MaxSiblings int `mapstructure:"max_siblings"`
}

// LifecycleConfig tunes the lifecycle alpha processor.
type LifecycleConfig struct {
	// CascadeTTLSec is the TTL of settlement-cascade signals.
	CascadeTTLSec int `mapstructure:"cascade_ttl_sec"`
	// NewMarketWindowSec is how long a newly opened market stays under watch.
	NewMarketWindowSec int `mapstructure:"new_market_window_sec"`
	// ResidualDivergence is the cents gap from implied residual probability
	// that triggers a corrective signal on a new market.
	ResidualDivergence int `mapstructure:"residual_divergence"`
}

// AggregatorConfig tunes composite fusion and emission throttling.
type AggregatorConfig struct {
	// EmitDelta is the minimum |score change| that forces an emission.
	EmitDelta float64 `mapstructure:"emit_delta"`
	// NeutralBand is the |score| below which direction is neutral.
	NeutralBand float64 `mapstructure:"neutral_band"`
	// HeartbeatSec emits a composite after this long if |score| is material.
	HeartbeatSec int `mapstructure:"heartbeat_sec"`
	// CountChangeMin is the |score| floor for count-change emissions.
	CountChangeMin float64 `mapstructure:"count_change_min"`
	// HeartbeatMin is the |score| floor for heartbeat emissions.
	HeartbeatMin float64 `mapstructure:"heartbeat_min"`
	// DedupeWindowSec is the sliding window of seen signal ids.
	DedupeWindowSec int `mapstructure:"dedupe_window_sec"`
	// Weights maps signal types to base fusion weights.
	Weights map[string]float64 `mapstructure:"weights"`
	// RegimeMultipliers maps regimes to score multipliers.
	RegimeMultipliers map[string]float64 `mapstructure:"regime_multipliers"`
	// WeightOverrides reserves room for per-series weight tables. Unused.
	WeightOverrides map[string]map[string]float64 `mapstructure:"weight_overrides"`
}

// Load reads configuration from config.yaml, .env, and the environment.
func Load() (*Config, error) {
	// A local .env is optional; ignore a missing file.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvPrefix("KASS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations that would make the engine misbehave.
func (c *Config) Validate() error {
	if c.Signals.Toxicity.Window <= 0 {
		return fmt.Errorf("signals.toxicity.window must be positive, got %d", c.Signals.Toxicity.Window)
	}
	if c.Signals.Toxicity.Threshold <= 0 || c.Signals.Toxicity.Threshold >= 1 {
		return fmt.Errorf("signals.toxicity.threshold must be in (0,1), got %f", c.Signals.Toxicity.Threshold)
	}
	if c.Signals.OIDivergence.ZScoreThreshold <= 0 {
		return fmt.Errorf("signals.oi_divergence.zscore_threshold must be positive")
	}
	if c.Signals.Regime.HysteresisSec < 0 {
		return fmt.Errorf("signals.regime.hysteresis_sec must not be negative")
	}
	if c.Signals.Aggregator.EmitDelta <= 0 {
		return fmt.Errorf("signals.aggregator.emit_delta must be positive")
	}
	if c.Signals.Aggregator.NeutralBand < 0 {
		return fmt.Errorf("signals.aggregator.neutral_band must not be negative")
	}
	for name, w := range c.Signals.Aggregator.Weights {
		if w < 0 {
			return fmt.Errorf("signals.aggregator.weights[%s] must not be negative, got %f", name, w)
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.group_prefix", "kass")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "kass")
	viper.SetDefault("database.dbname", "kass")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 10)

	viper.SetDefault("health.enabled", true)
	viper.SetDefault("health.port", 8090)

	viper.SetDefault("signals.cooldown_sec", 30)
	viper.SetDefault("signals.min_delta", 0.05)

	viper.SetDefault("signals.toxicity.bucket_min_vol", 50)
	viper.SetDefault("signals.toxicity.window", 50)
	viper.SetDefault("signals.toxicity.threshold", 0.60)
	viper.SetDefault("signals.toxicity.high", 0.80)
	viper.SetDefault("signals.toxicity.sustained_threshold", 0.70)
	viper.SetDefault("signals.toxicity.burst_vol_multiple", 3.0)
	viper.SetDefault("signals.toxicity.burst_max_sec", 10)
	viper.SetDefault("signals.toxicity.large_trade_multiple", 3.0)

	viper.SetDefault("signals.oi_divergence.zscore_threshold", 2.0)
	viper.SetDefault("signals.oi_divergence.ewma_halflife_sec", 300)
	viper.SetDefault("signals.oi_divergence.min_observations", 30)
	viper.SetDefault("signals.oi_divergence.min_price", 5)
	viper.SetDefault("signals.oi_divergence.max_price", 95)
	viper.SetDefault("signals.oi_divergence.dollar_confirm_boost", 0.15)

	viper.SetDefault("signals.regime.eval_period_sec", 5)
	viper.SetDefault("signals.regime.hysteresis_sec", 15)
	viper.SetDefault("signals.regime.pre_settle_min", 15)
	viper.SetDefault("signals.regime.dead_trade_rate", 0.1)
	viper.SetDefault("signals.regime.dead_message_rate", 1.0)
	viper.SetDefault("signals.regime.quiet_trade_rate", 0.5)
	viper.SetDefault("signals.regime.active_trade_rate", 5.0)
	viper.SetDefault("signals.regime.active_message_rate", 20.0)
	viper.SetDefault("signals.regime.informed_imbalance", 0.6)
	viper.SetDefault("signals.regime.demote_trade_rate", 2.0)
	viper.SetDefault("signals.regime.demote_imbalance", 0.3)

	viper.SetDefault("signals.cross_market.leader_min_move", 3)
	viper.SetDefault("signals.cross_market.leader_window_sec", 60)
	viper.SetDefault("signals.cross_market.follower_max_move", 1)
	viper.SetDefault("signals.cross_market.window_sec", 120)
	viper.SetDefault("signals.cross_market.suppress_sec", 60)
	viper.SetDefault("signals.cross_market.min_source_strength", 0.5)
	viper.SetDefault("signals.cross_market.attenuation", 0.7)
	viper.SetDefault("signals.cross_market.conf_attenuation", 0.6)
	viper.SetDefault("signals.cross_market.max_siblings", 20)

	viper.SetDefault("signals.lifecycle.cascade_ttl_sec", 60)
	viper.SetDefault("signals.lifecycle.new_market_window_sec", 300)
	viper.SetDefault("signals.lifecycle.residual_divergence", 10)

	viper.SetDefault("signals.aggregator.emit_delta", 0.10)
	viper.SetDefault("signals.aggregator.neutral_band", 0.05)
	viper.SetDefault("signals.aggregator.heartbeat_sec", 60)
	viper.SetDefault("signals.aggregator.count_change_min", 0.15)
	viper.SetDefault("signals.aggregator.heartbeat_min", 0.20)
	viper.SetDefault("signals.aggregator.dedupe_window_sec", 300)
	viper.SetDefault("signals.aggregator.weights", map[string]float64{
		"flow_toxicity":            0.25,
		"flow_burst":               0.15,
		"flow_large_trade":         0.10,
		"oi_divergence":            0.25,
		"cross_market_propagation": 0.20,
		"signal_propagation":       0.10,
		"settlement_cascade":       0.30,
		"new_market_open":          0.15,
		"new_market_extreme_price": 0.10,
	})
	viper.SetDefault("signals.aggregator.regime_multipliers", map[string]float64{
		"dead":       0.2,
		"quiet":      0.6,
		"active":     1.0,
		"informed":   1.3,
		"pre_settle": 1.5,
		"unknown":    1.0,
	})
}
