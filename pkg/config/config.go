// Package config loads service configuration from config/<name>.yaml with
// RECORD_* environment overrides. Every field has a default, so services run
// without a config file at all.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chiahaoLLLLL/Blockchain-record-system/pkg/logging"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  logging.Config `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
	Registry RegistryConfig `mapstructure:"registry"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	// Driver selects the backing store: "postgres" or "memory".
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RegistryConfig struct {
	// RequireWitnessCapability turns on the strict witness policy: every
	// named witness must hold WITNESS_ELIGIBLE at creation time.
	RequireWitnessCapability bool            `mapstructure:"require_witness_capability"`
	Bootstrap                BootstrapConfig `mapstructure:"bootstrap"`
}

// BootstrapConfig seeds the first administrator so a fresh registry is not
// permanently locked out of its own capability grants.
type BootstrapConfig struct {
	AdminAddress   string `mapstructure:"admin_address"`
	AdminAccessKey string `mapstructure:"admin_access_key"`
}

type DispatchConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type GatewayConfig struct {
	RegistryURL  string        `mapstructure:"registry_url"`
	PublicOrigin string        `mapstructure:"public_origin"`
	CacheSize    int           `mapstructure:"cache_size"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.mode", "development")
	v.SetDefault("logging.console", true)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("registry.require_witness_capability", false)
	v.SetDefault("dispatch.interval", 2*time.Second)
	v.SetDefault("dispatch.max_attempts", 8)
	v.SetDefault("dispatch.base_delay", time.Second)
	v.SetDefault("dispatch.max_delay", 5*time.Minute)
	v.SetDefault("gateway.registry_url", "http://localhost:8081/registry")
	v.SetDefault("gateway.public_origin", "http://localhost:8080")
	v.SetDefault("gateway.cache_size", 512)
	v.SetDefault("gateway.cache_ttl", 5*time.Second)
}

// Load reads config/<name>.yaml if present and applies RECORD_ environment
// overrides (dots become underscores, e.g. RECORD_STORE_DSN).
func Load(name string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("RECORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
