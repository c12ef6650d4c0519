// Package config sources every resource-governance knob from the
// environment and an optional config file. All values are plain integers,
// durations, and strings; the components themselves receive them as
// constructed Config structs and never read the environment directly.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pagesmith/pagesmith/log"
)

const (
	envPrefix      = "PAGESMITH"
	configFileName = "config"
)

// Config is the full resource-governance configuration.
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Gate    GateConfig    `mapstructure:"gate"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Cache   CacheConfig   `mapstructure:"cache"`
}

// PoolConfig bounds the live API-client and browser-session handles.
type PoolConfig struct {
	MaxAPIClients  int `mapstructure:"max_api_clients"`
	MaxBrowsers    int `mapstructure:"max_browsers"`
	IdleTimeoutMS  int `mapstructure:"idle_timeout_ms"`
	ReapIntervalMS int `mapstructure:"reap_interval_ms"`
}

// IdleTimeout returns the idle timeout as a duration.
func (c PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// ReapInterval returns the reaper period as a duration.
func (c PoolConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalMS) * time.Millisecond
}

// GateConfig bounds in-flight work per resource kind.
type GateConfig struct {
	MaxConcurrentAPI     int `mapstructure:"max_concurrent_api"`
	MaxConcurrentBrowser int `mapstructure:"max_concurrent_browser"`
}

// TrackerConfig bounds operation bookkeeping and snapshotting.
type TrackerConfig struct {
	MaxOperations      int    `mapstructure:"max_operations"`
	SamplingIntervalMS int    `mapstructure:"sampling_interval_ms"`
	SaveIntervalMS     int    `mapstructure:"save_interval_ms"`
	SnapshotPath       string `mapstructure:"snapshot_path"`
}

// SamplingInterval returns the sampling period as a duration.
func (c TrackerConfig) SamplingInterval() time.Duration {
	return time.Duration(c.SamplingIntervalMS) * time.Millisecond
}

// SaveInterval returns the snapshot period as a duration.
func (c TrackerConfig) SaveInterval() time.Duration {
	return time.Duration(c.SaveIntervalMS) * time.Millisecond
}

// CacheConfig configures the tiered fetch cache.
type CacheConfig struct {
	Mode       string `mapstructure:"mode"` // memory, file, or hybrid
	TTLMS      int    `mapstructure:"ttl_ms"`
	MaxEntries int    `mapstructure:"max_entries"`
	Dir        string `mapstructure:"dir"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// TTL returns the cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxAPIClients:  5,
			MaxBrowsers:    2,
			IdleTimeoutMS:  300000,
			ReapIntervalMS: 60000,
		},
		Gate: GateConfig{
			MaxConcurrentAPI:     10,
			MaxConcurrentBrowser: 2,
		},
		Tracker: TrackerConfig{
			MaxOperations:      100,
			SamplingIntervalMS: 5000,
			SaveIntervalMS:     60000,
			SnapshotPath:       filepath.Join(defaultStateDir(), "operations.json"),
		},
		Cache: CacheConfig{
			Mode:       "memory",
			TTLMS:      300000,
			MaxEntries: 500,
			FilePrefix: "pagesmith-cache-",
		},
	}
}

// Load reads configuration from the environment (PAGESMITH_* variables) and
// an optional config file in ~/.pagesmith. It never fails: on any error the
// defaults are returned and the problem is logged.
func Load() *Config {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(defaultStateDir())
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.WarningLog.Printf("config: failed to read config file: %v", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		log.ErrorLog.Printf("config: failed to unmarshal, using defaults: %v", err)
		return DefaultConfig()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("pool.max_api_clients", d.Pool.MaxAPIClients)
	v.SetDefault("pool.max_browsers", d.Pool.MaxBrowsers)
	v.SetDefault("pool.idle_timeout_ms", d.Pool.IdleTimeoutMS)
	v.SetDefault("pool.reap_interval_ms", d.Pool.ReapIntervalMS)
	v.SetDefault("gate.max_concurrent_api", d.Gate.MaxConcurrentAPI)
	v.SetDefault("gate.max_concurrent_browser", d.Gate.MaxConcurrentBrowser)
	v.SetDefault("tracker.max_operations", d.Tracker.MaxOperations)
	v.SetDefault("tracker.sampling_interval_ms", d.Tracker.SamplingIntervalMS)
	v.SetDefault("tracker.save_interval_ms", d.Tracker.SaveIntervalMS)
	v.SetDefault("tracker.snapshot_path", d.Tracker.SnapshotPath)
	v.SetDefault("cache.mode", d.Cache.Mode)
	v.SetDefault("cache.ttl_ms", d.Cache.TTLMS)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.file_prefix", d.Cache.FilePrefix)
}

func defaultStateDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".pagesmith")
	}
	return filepath.Join(homeDir, ".pagesmith")
}
