package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Engine      EngineConfig      `yaml:"engine" mapstructure:"engine"`
	BulkData    BulkDataConfig    `yaml:"bulkdata" mapstructure:"bulkdata"`
	LiveSearch  LiveSearchConfig  `yaml:"livesearch" mapstructure:"livesearch"`
	PhoneVerify PhoneVerifyConfig `yaml:"phoneverify" mapstructure:"phoneverify"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// EngineConfig holds the task-execution tunables.
type EngineConfig struct {
	BatchSize            int     `yaml:"batch_size" mapstructure:"batch_size"`
	UnitDataCost         float64 `yaml:"unit_data_cost" mapstructure:"unit_data_cost"`
	SearchBaseCost       float64 `yaml:"search_base_cost" mapstructure:"search_base_cost"`
	FulfillmentThreshold float64 `yaml:"fulfillment_threshold" mapstructure:"fulfillment_threshold"`
	FuzzyCacheTTLDays    int     `yaml:"fuzzy_cache_ttl_days" mapstructure:"fuzzy_cache_ttl_days"`
	ExactCacheTTLDays    int     `yaml:"exact_cache_ttl_days" mapstructure:"exact_cache_ttl_days"`
	RatesPath            string  `yaml:"rates_path" mapstructure:"rates_path"`
}

// BulkDataConfig holds the fuzzy-mode provider settings.
type BulkDataConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// LiveSearchConfig holds the exact-mode provider settings.
type LiveSearchConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PhoneVerifyConfig holds the verification provider settings.
type PhoneVerifyConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "prospect.db")
	v.SetDefault("engine.batch_size", 10)
	v.SetDefault("engine.unit_data_cost", 2.0)
	v.SetDefault("engine.search_base_cost", 1.0)
	v.SetDefault("engine.fulfillment_threshold", 0.8)
	v.SetDefault("engine.fuzzy_cache_ttl_days", 180)
	v.SetDefault("engine.exact_cache_ttl_days", 1)
	v.SetDefault("engine.rates_path", "")
	v.SetDefault("bulkdata.base_url", "https://api.bulkdata.io/v1")
	v.SetDefault("livesearch.base_url", "https://api.livesearch.dev")
	v.SetDefault("phoneverify.base_url", "https://api.phoneveritas.com/v1")
	v.SetDefault("phoneverify.requests_per_sec", 10.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
