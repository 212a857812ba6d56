package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	Server     ServerConfig       `json:"server" mapstructure:"server"`
	Repository RepositoryConfig   `json:"repository" mapstructure:"repository"`
	Features   FeatureStoreConfig `json:"features" mapstructure:"features"`
	EventBus   EventBusConfig     `json:"eventBus" mapstructure:"event_bus"`
	Worker     WorkerConfig       `json:"worker" mapstructure:"worker"`
	Scoring    ScoringConfig      `json:"scoring" mapstructure:"scoring"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	ReadTimeout  int    `json:"readTimeout" mapstructure:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" mapstructure:"write_timeout"` // seconds
}

// WorkerConfig controls the asynchronous scoring workers.
type WorkerConfig struct {
	Enabled     bool `json:"enabled" mapstructure:"enabled"`
	Concurrency int  `json:"concurrency" mapstructure:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"serviceName" mapstructure:"service_name"`
}

// Fusion modes accepted by ScoringConfig.FusionMode.
const (
	FusionLinear = "linear"
	FusionLogit  = "logit"
)

// ScoringConfig carries every knob of the scoring pipeline. It is passed
// explicitly into constructors; nothing in the core reads the environment.
type ScoringConfig struct {
	// FeatureNamespace prefixes every feature key ("<ns>:<entity>:<name>").
	FeatureNamespace string `json:"featureNamespace" mapstructure:"feature_namespace"`

	// FeatureNames is the ordered feature vector fed to the detectors.
	FeatureNames []string `json:"featureNames" mapstructure:"feature_names"`

	// FusionMode selects how rule and anomaly scores are combined.
	FusionMode string       `json:"fusionMode" mapstructure:"fusion_mode"`
	Blend      BlendWeights `json:"blend" mapstructure:"blend"`
	Fusion     FusionConfig `json:"fusion" mapstructure:"fusion"`

	// AlertThreshold flags a response when risk_score reaches it.
	AlertThreshold float64 `json:"alertThreshold" mapstructure:"alert_threshold"`

	// RulesFile, when set, seeds the rule set at startup.
	RulesFile string `json:"rulesFile" mapstructure:"rules_file"`

	// ModelFile, when set, loads fitted detectors for the anomaly pass.
	ModelFile string `json:"modelFile" mapstructure:"model_file"`

	// EnsembleMethod is "weighted_avg" (mean until weights are fitted) or "learned".
	EnsembleMethod string `json:"ensembleMethod" mapstructure:"ensemble_method"`

	// VelocityWindows are the day windows maintained by the velocity enricher.
	VelocityWindows []int         `json:"velocityWindows" mapstructure:"velocity_windows"`
	FeatureTTL      time.Duration `json:"featureTTL" mapstructure:"feature_ttl"`
}

// BlendWeights are the multipliers of the linear fusion policy.
type BlendWeights struct {
	RuleWeight    float64 `json:"rule_weight" mapstructure:"rule_weight"`
	AnomalyWeight float64 `json:"anomaly_weight" mapstructure:"anomaly_weight"`
}

// FusionConfig holds logit-domain multipliers. There is no invariant on
// their sum.
type FusionConfig struct {
	ModelWeight float64 `json:"model_weight" mapstructure:"model_weight"`
	RuleWeight  float64 `json:"rule_weight" mapstructure:"rule_weight"`
	Bias        float64 `json:"bias" mapstructure:"bias"`
}

// DefaultFusionConfig returns the 0.7 / 0.3 / 0 logit fusion defaults.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{ModelWeight: 0.7, RuleWeight: 0.3, Bias: 0}
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory
// features and the channel bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Features: FeatureStoreConfig{
			Type:       "memory",
			MaxEntries: 100000,
			LocalTTL:   30 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 4,
		},
		Scoring: ScoringConfig{
			FeatureNamespace: "acct",
			FeatureNames: []string{
				"amount",
				"tx_count_1d",
				"tx_amount_avg_7d",
				"amount_to_avg_ratio",
			},
			FusionMode:      FusionLinear,
			Blend:           BlendWeights{RuleWeight: 0.6, AnomalyWeight: 0.4},
			Fusion:          DefaultFusionConfig(),
			AlertThreshold:  0.7,
			EnsembleMethod:  "weighted_avg",
			VelocityWindows: []int{1, 7, 30},
			FeatureTTL:      time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ClusterConfig returns a configuration for a multi-node deployment:
// PostgreSQL, Redis-backed tiered features and NATS.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Features = FeatureStoreConfig{
		Type:       "tiered",
		RedisAddr:  "localhost:6379",
		MaxEntries: 10000,
		LocalTTL:   5 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
