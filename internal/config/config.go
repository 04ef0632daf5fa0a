// Package config resolves the core's on-disk configuration
// (SNAPLLM_HOME/config/snapllm.json; no separate workspace.json is read)
// and environment overrides, following the same Default()/Resolve()/merge
// idiom the teacher CLI used for its own YAML config.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config is the root configuration for a snapllm core instance.
type Config struct {
	Home     string         `json:"-" yaml:"-"`
	Tiers    TiersConfig    `json:"tiers" yaml:"tiers"`
	Tiering  TieringConfig  `json:"tiering" yaml:"tiering"`
	Dequant  DequantConfig  `json:"dequant" yaml:"dequant"`
	Codec    CodecConfig    `json:"codec" yaml:"codec"`
	Workers  WorkersConfig  `json:"workers" yaml:"workers"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// TiersConfig sets the three capacity-bounded pools the Tiered Allocator owns.
type TiersConfig struct {
	GPUBytes  int64 `json:"gpu_bytes" yaml:"gpu_bytes"`
	RAMBytes  int64 `json:"ram_bytes" yaml:"ram_bytes"`
	DiskBytes int64 `json:"disk_bytes" yaml:"disk_bytes"`

	// TargetUtilization is the fraction of capacity eviction aims to reach
	// once it starts freeing a tier (spec §4.A "target utilization").
	TargetUtilization float64 `json:"target_utilization" yaml:"target_utilization"`

	// EvictionPolicy selects the victim-selection strategy: lru, lfu,
	// fifo, or size_weighted_lru.
	EvictionPolicy string `json:"eviction_policy" yaml:"eviction_policy"`
}

// TieringConfig configures the Auto-Tiering Controller (spec §4.I).
type TieringConfig struct {
	Policy                 string  `json:"policy" yaml:"policy"` // access_frequency | recency | adaptive
	CheckIntervalSeconds   int     `json:"check_interval_seconds" yaml:"check_interval_seconds"`
	HotAccessCount         int64   `json:"hot_access_count" yaml:"hot_access_count"`
	HotThresholdSeconds    int     `json:"hot_threshold_seconds" yaml:"hot_threshold_seconds"`
	WarmThresholdSeconds   int     `json:"warm_threshold_seconds" yaml:"warm_threshold_seconds"`
	ColdThresholdSeconds   int     `json:"cold_threshold_seconds" yaml:"cold_threshold_seconds"`
	GPUPressureThreshold   float64 `json:"gpu_pressure_threshold" yaml:"gpu_pressure_threshold"`
	CPUPressureThreshold   float64 `json:"cpu_pressure_threshold" yaml:"cpu_pressure_threshold"`
	MaxHotPopulation       int     `json:"max_hot_population" yaml:"max_hot_population"`
	MaxWarmPopulation      int     `json:"max_warm_population" yaml:"max_warm_population"`
}

// DequantConfig tunes the dequantization workspace build.
type DequantConfig struct {
	WorkspaceOverheadFactor float64 `json:"workspace_overhead_factor" yaml:"workspace_overhead_factor"`
	Alignment               int64   `json:"alignment" yaml:"alignment"`
}

// CodecConfig tunes the KV Codec's compression behavior.
type CodecConfig struct {
	Compress   bool   `json:"compress" yaml:"compress"`
	Compressor string `json:"compressor" yaml:"compressor"` // zstd | lz4
}

// WorkersConfig sizes the bounded worker pool behind async ingest/load.
type WorkersConfig struct {
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
	QueueSize  int `json:"queue_size" yaml:"queue_size"`
}

// LoggingConfig controls where logs go.
type LoggingConfig struct {
	ToFile bool   `json:"to_file" yaml:"to_file"`
	Level  string `json:"level" yaml:"level"`
}

const configFileName = "snapllm.json"

// Default returns the built-in defaults used when no config file exists.
func Default() Config {
	return Config{
		Tiers: TiersConfig{
			GPUBytes:          8 << 30,
			RAMBytes:          32 << 30,
			DiskBytes:         500 << 30,
			TargetUtilization: 0.7,
			EvictionPolicy:    "lru",
		},
		Tiering: TieringConfig{
			Policy:               "recency",
			CheckIntervalSeconds: 60,
			HotAccessCount:       3,
			HotThresholdSeconds:  300,
			WarmThresholdSeconds: 1800,
			ColdThresholdSeconds: 3600,
			GPUPressureThreshold: 0.9,
			CPUPressureThreshold: 0.9,
			MaxHotPopulation:     8,
			MaxWarmPopulation:    64,
		},
		Dequant: DequantConfig{
			WorkspaceOverheadFactor: 2.0,
			Alignment:               256,
		},
		Codec: CodecConfig{
			Compress:   false,
			Compressor: "zstd",
		},
		Workers: WorkersConfig{
			MaxWorkers: runtime.NumCPU(),
			QueueSize:  256,
		},
		Logging: LoggingConfig{
			ToFile: false,
			Level:  "info",
		},
	}
}

// Resolve determines SNAPLLM_HOME, loads snapllm.json from it if present,
// merges it over the defaults, then applies environment overrides.
func Resolve() (Config, error) {
	cfg := Default()
	cfg.Home = resolveHome()

	path := filepath.Join(cfg.Home, "config", configFileName)
	if _, err := os.Stat(path); err == nil {
		loaded, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
		cfg.Home = resolveHome()
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("config: stat %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// merge overlays non-zero fields of override onto base. Of the tiering
// section only policy and check_interval_seconds are overlaid; the other
// tiering fields (access count, thresholds, population caps) keep base's
// values whatever the file sets.
func merge(base, override Config) Config {
	result := base
	if override.Tiers.GPUBytes != 0 {
		result.Tiers.GPUBytes = override.Tiers.GPUBytes
	}
	if override.Tiers.RAMBytes != 0 {
		result.Tiers.RAMBytes = override.Tiers.RAMBytes
	}
	if override.Tiers.DiskBytes != 0 {
		result.Tiers.DiskBytes = override.Tiers.DiskBytes
	}
	if override.Tiers.TargetUtilization != 0 {
		result.Tiers.TargetUtilization = override.Tiers.TargetUtilization
	}
	if override.Tiers.EvictionPolicy != "" {
		result.Tiers.EvictionPolicy = override.Tiers.EvictionPolicy
	}
	if override.Tiering.Policy != "" {
		result.Tiering.Policy = override.Tiering.Policy
	}
	if override.Tiering.CheckIntervalSeconds != 0 {
		result.Tiering.CheckIntervalSeconds = override.Tiering.CheckIntervalSeconds
	}
	if override.Dequant.WorkspaceOverheadFactor != 0 {
		result.Dequant.WorkspaceOverheadFactor = override.Dequant.WorkspaceOverheadFactor
	}
	if override.Dequant.Alignment != 0 {
		result.Dequant.Alignment = override.Dequant.Alignment
	}
	if override.Codec.Compressor != "" {
		result.Codec.Compressor = override.Codec.Compressor
	}
	result.Codec.Compress = result.Codec.Compress || override.Codec.Compress
	if override.Workers.MaxWorkers != 0 {
		result.Workers.MaxWorkers = override.Workers.MaxWorkers
	}
	if override.Workers.QueueSize != 0 {
		result.Workers.QueueSize = override.Workers.QueueSize
	}
	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	result.Logging.ToFile = result.Logging.ToFile || override.Logging.ToFile
	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SNAPLLM_TIER_POLICY"); v != "" {
		cfg.Tiers.EvictionPolicy = v
	}
	if v := os.Getenv("SNAPLLM_TIERING_POLICY"); v != "" {
		cfg.Tiering.Policy = v
	}
	if v := os.Getenv("SNAPLLM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SNAPLLM_LOG_TO_FILE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.ToFile = b
		}
	}
}

// resolveHome returns SNAPLLM_HOME, or the platform default when unset, per
// spec §6.
func resolveHome() string {
	if v := strings.TrimSpace(os.Getenv("SNAPLLM_HOME")); v != "" {
		return v
	}

	switch runtime.GOOS {
	case "windows":
		if v := os.Getenv("LOCALAPPDATA"); v != "" {
			return filepath.Join(v, "SnapLLM")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "SnapLLM")
		}
	default:
		if v := os.Getenv("XDG_DATA_HOME"); v != "" {
			return filepath.Join(v, "snapllm")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", "snapllm")
		}
	}
	return ".snapllm"
}

// ModelsDir, ContextsDir, RuntimeDir and ConfigDir mirror the filesystem
// layout from spec §6.
func (c Config) ModelsDir() string   { return filepath.Join(c.Home, "models") }
func (c Config) ContextsDir() string { return filepath.Join(c.Home, "contexts") }
func (c Config) RuntimeDir() string  { return filepath.Join(c.Home, "runtime") }
func (c Config) ConfigDir() string   { return filepath.Join(c.Home, "config") }
