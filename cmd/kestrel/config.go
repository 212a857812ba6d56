package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"host":       "server.host",
	"port":       "server.port",
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"rules":      "scoring.rules_file",
	"model":      "scoring.model_file",
	"db":         "repository.sqlite_path",
}

// loadConfig layers DefaultConfig, the optional YAML file, KESTREL_*
// environment variables and the command's flags, in increasing priority.
func loadConfig(cfgFile string, cmd *cobra.Command) (*domain.Config, error) {
	v := viper.New()
	setDefaults(v, domain.DefaultConfig())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
	}

	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for name, key := range flagKeys {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := domain.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)

	v.SetDefault("repository.driver", cfg.Repository.Driver)
	v.SetDefault("repository.sqlite_path", cfg.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", cfg.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", cfg.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", cfg.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", cfg.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", cfg.Repository.PostgresDB)
	v.SetDefault("repository.postgres_ssl_mode", cfg.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", cfg.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", cfg.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", cfg.Repository.ConnMaxLifetime)

	v.SetDefault("features.type", cfg.Features.Type)
	v.SetDefault("features.max_entries", cfg.Features.MaxEntries)
	v.SetDefault("features.local_ttl", cfg.Features.LocalTTL)
	v.SetDefault("features.redis_addr", cfg.Features.RedisAddr)
	v.SetDefault("features.redis_password", cfg.Features.RedisPassword)
	v.SetDefault("features.redis_db", cfg.Features.RedisDB)

	v.SetDefault("event_bus.type", cfg.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", cfg.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", cfg.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", cfg.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", cfg.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", cfg.EventBus.NATSReconnectWait)

	v.SetDefault("worker.enabled", cfg.Worker.Enabled)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)

	v.SetDefault("scoring.feature_namespace", cfg.Scoring.FeatureNamespace)
	v.SetDefault("scoring.feature_names", cfg.Scoring.FeatureNames)
	v.SetDefault("scoring.fusion_mode", cfg.Scoring.FusionMode)
	v.SetDefault("scoring.blend.rule_weight", cfg.Scoring.Blend.RuleWeight)
	v.SetDefault("scoring.blend.anomaly_weight", cfg.Scoring.Blend.AnomalyWeight)
	v.SetDefault("scoring.fusion.model_weight", cfg.Scoring.Fusion.ModelWeight)
	v.SetDefault("scoring.fusion.rule_weight", cfg.Scoring.Fusion.RuleWeight)
	v.SetDefault("scoring.fusion.bias", cfg.Scoring.Fusion.Bias)
	v.SetDefault("scoring.alert_threshold", cfg.Scoring.AlertThreshold)
	v.SetDefault("scoring.rules_file", cfg.Scoring.RulesFile)
	v.SetDefault("scoring.model_file", cfg.Scoring.ModelFile)
	v.SetDefault("scoring.ensemble_method", cfg.Scoring.EnsembleMethod)
	v.SetDefault("scoring.velocity_windows", cfg.Scoring.VelocityWindows)
	v.SetDefault("scoring.feature_ttl", cfg.Scoring.FeatureTTL)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
