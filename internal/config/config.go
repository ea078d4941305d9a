// Package config loads dossier-cache configuration from TOML and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Store    StoreConfig    `toml:"store"`
	Codec    CodecConfig    `toml:"codec"`
	Extract  ExtractConfig  `toml:"extract"`
	Cache    CacheConfig    `toml:"cache"`
	Preload  PreloadConfig  `toml:"preload"`
	Requests RequestsConfig `toml:"requests"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type StoreConfig struct {
	Path           string `toml:"path"`
	BatchSize      int    `toml:"batch_size"`
	MaxArchiveSize int64  `toml:"max_archive_size"`
}

type CodecConfig struct {
	MinSize         int `toml:"min_size"`
	StreamThreshold int `toml:"stream_threshold"`
	Level           int `toml:"level"`
}

type ExtractConfig struct {
	LargeThreshold    int64 `toml:"large_threshold"`
	HugeThreshold     int64 `toml:"huge_threshold"`
	PriorityBatchSize int   `toml:"priority_batch_size"`
	SmallBatchSize    int   `toml:"small_batch_size"`
	LargeBatchSize    int   `toml:"large_batch_size"`
	HugeBatchSize     int   `toml:"huge_batch_size"`
	SmallYieldMS      int   `toml:"small_yield_ms"`
	LargeYieldMS      int   `toml:"large_yield_ms"`
	HugeYieldMS       int   `toml:"huge_yield_ms"`
	QueueSize         int   `toml:"queue_size"`
}

type CacheConfig struct {
	BaseSize               int     `toml:"base_size"`
	MaxSize                int     `toml:"max_size"`
	PressureFloor          int     `toml:"pressure_floor"`
	MemoryFraction         float64 `toml:"memory_fraction"`
	AvgFileSize            int64   `toml:"avg_file_size"`
	DeviceMemory           uint64  `toml:"device_memory"`
	MonitorIntervalSeconds int     `toml:"monitor_interval_seconds"`
	HighPressure           float64 `toml:"high_pressure"`
	LowPressure            float64 `toml:"low_pressure"`
	ShrinkFactor           float64 `toml:"shrink_factor"`
	GrowStep               int     `toml:"grow_step"`
	// PressureSource is one of runtime, rss, none.
	PressureSource string `toml:"pressure_source"`
	MemoryBudget   uint64 `toml:"memory_budget"`
}

type PreloadConfig struct {
	Enabled  bool `toml:"enabled"`
	MaxQueue int  `toml:"max_queue"`
	PerSweep int  `toml:"per_sweep"`
}

type RequestsConfig struct {
	ReadDebounceMS    int `toml:"read_debounce_ms"`
	PatternDebounceMS int `toml:"pattern_debounce_ms"`
	WarmDelayMS       int `toml:"warm_delay_ms"`
	WarmCount         int `toml:"warm_count"`
	MaxConcurrent     int `toml:"max_concurrent"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Load builds the configuration from defaults, an optional TOML file and
// environment overrides, in that order. An empty path falls back to
// $DOSSIER_CACHE_CONFIG; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("DOSSIER_CACHE_CONFIG")
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	overrideByEnv(cfg)
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store: StoreConfig{
			Path:           filepath.Join(home, ".dossier-cache", "dossier.db"),
			BatchSize:      10,
			MaxArchiveSize: 4 << 30,
		},
		Codec: CodecConfig{
			MinSize:         1024,
			StreamThreshold: 1 << 20,
			Level:           6,
		},
		Extract: ExtractConfig{
			LargeThreshold:    256 << 10,
			HugeThreshold:     2 << 20,
			PriorityBatchSize: 5,
			SmallBatchSize:    50,
			LargeBatchSize:    10,
			HugeBatchSize:     1,
			SmallYieldMS:      3,
			LargeYieldMS:      8,
			HugeYieldMS:       15,
			QueueSize:         16,
		},
		Cache: CacheConfig{
			BaseSize:               50,
			MaxSize:                500,
			PressureFloor:          20,
			MemoryFraction:         0.02,
			AvgFileSize:            512 << 10,
			MonitorIntervalSeconds: 10,
			HighPressure:           0.8,
			LowPressure:            0.5,
			ShrinkFactor:           0.7,
			GrowStep:               10,
			PressureSource:         "runtime",
		},
		Preload: PreloadConfig{
			Enabled:  true,
			MaxQueue: 5,
			PerSweep: 3,
		},
		Requests: RequestsConfig{
			ReadDebounceMS:    100,
			PatternDebounceMS: 200,
			WarmDelayMS:       2000,
			WarmCount:         10,
			MaxConcurrent:     2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

func (c RequestsConfig) ReadDebounce() time.Duration {
	return time.Duration(c.ReadDebounceMS) * time.Millisecond
}

func (c RequestsConfig) PatternDebounce() time.Duration {
	return time.Duration(c.PatternDebounceMS) * time.Millisecond
}

func (c RequestsConfig) WarmDelay() time.Duration {
	return time.Duration(c.WarmDelayMS) * time.Millisecond
}

func (c CacheConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

func overrideByEnv(cfg *Config) {
	cfg.Store.Path = getEnv("DOSSIER_CACHE_DB", cfg.Store.Path)
	cfg.Store.BatchSize = getEnvInt("DOSSIER_CACHE_BATCH_SIZE", cfg.Store.BatchSize)
	cfg.Cache.PressureSource = getEnv("DOSSIER_CACHE_PRESSURE_SOURCE", cfg.Cache.PressureSource)
	cfg.Log.Level = getEnv("DOSSIER_CACHE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("DOSSIER_CACHE_LOG_FORMAT", cfg.Log.Format)
	cfg.Metrics.Addr = getEnv("DOSSIER_CACHE_METRICS_ADDR", cfg.Metrics.Addr)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
