package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/container-planner/internal/allocator"
	"github.com/eugenenazirov/container-planner/internal/storage"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultMaxUploadBytes = 10 << 20
	defaultRunRetention   = 50
	defaultLogLevel       = "info"
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Config struct {
	Port                 string
	CapacityMenus        map[string][]int
	Allocation           allocator.Options
	MaxUploadBytes       int64
	RunRetention         int
	LogLevel             string
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	AllocationTimeout    time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Port                 string           `yaml:"port"`
	CapacityMenus        map[string][]int `yaml:"capacity_menus"`
	Allocation           yamlAllocation   `yaml:"allocation"`
	MaxUploadBytes       int64            `yaml:"max_upload_bytes"`
	RunRetention         int              `yaml:"run_retention"`
	LogLevel             string           `yaml:"log_level"`
	ShutdownGracePeriod  string           `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string           `yaml:"read_header_timeout"`
	WriteTimeout         string           `yaml:"write_timeout"`
	AllocationTimeout    string           `yaml:"allocation_timeout"`
	IdleTimeout          string           `yaml:"idle_timeout"`
	EnableRequestLogging *bool            `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit    `yaml:"rate_limit"`
}

// yamlAllocation represents the allocation heuristics section in YAML.
type yamlAllocation struct {
	MaxDistinctItems   *int     `yaml:"max_distinct_items"`
	DiversityFillRatio *float64 `yaml:"diversity_fill_ratio"`
	TierMinimum        *int     `yaml:"tier_minimum"`
	Workers            *int     `yaml:"workers"`
	MaxGroupUnits      *int     `yaml:"max_group_units"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile       string
	Port             *string
	CapacityMenus    map[string]string
	MaxDistinctItems *int
	Workers          *int
	LogLevel         *string
	RateLimitRPS     *float64
	RateLimitBurst   *int
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	// Apply environment variables (lowest precedence after defaults)
	if err := applyEnvConfig(&cfg); err != nil {
		return Config{}, err
	}

	// Load from YAML file if specified
	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, err
		}
	}

	// Apply CLI overrides (highest precedence)
	if overrides != nil {
		if err := applyCLIOverrides(&cfg, overrides); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Port:                 defaultPort,
		CapacityMenus:        storage.DefaultMenus(),
		Allocation:           allocator.DefaultOptions(),
		MaxUploadBytes:       defaultMaxUploadBytes,
		RunRetention:         defaultRunRetention,
		LogLevel:             defaultLogLevel,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		AllocationTimeout:    10 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	if yamlCfg.Port != "" {
		cfg.Port = yamlCfg.Port
	}

	for client, capacities := range yamlCfg.CapacityMenus {
		cfg.CapacityMenus[normalizeClient(client)] = capacities
	}

	alloc := yamlCfg.Allocation
	if alloc.MaxDistinctItems != nil {
		cfg.Allocation.MaxDistinctItems = *alloc.MaxDistinctItems
	}
	if alloc.DiversityFillRatio != nil {
		cfg.Allocation.DiversityFillRatio = *alloc.DiversityFillRatio
	}
	if alloc.TierMinimum != nil {
		cfg.Allocation.TierMinimum = *alloc.TierMinimum
	}
	if alloc.Workers != nil {
		cfg.Allocation.Workers = *alloc.Workers
	}
	if alloc.MaxGroupUnits != nil {
		cfg.Allocation.MaxGroupUnits = *alloc.MaxGroupUnits
	}

	if yamlCfg.MaxUploadBytes > 0 {
		cfg.MaxUploadBytes = yamlCfg.MaxUploadBytes
	}
	if yamlCfg.RunRetention > 0 {
		cfg.RunRetention = yamlCfg.RunRetention
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}

	durations := []struct {
		raw    string
		target *time.Duration
		name   string
	}{
		{yamlCfg.ShutdownGracePeriod, &cfg.ShutdownGracePeriod, "shutdown_grace_period"},
		{yamlCfg.ReadHeaderTimeout, &cfg.ReadHeaderTimeout, "read_header_timeout"},
		{yamlCfg.WriteTimeout, &cfg.WriteTimeout, "write_timeout"},
		{yamlCfg.AllocationTimeout, &cfg.AllocationTimeout, "allocation_timeout"},
		{yamlCfg.IdleTimeout, &cfg.IdleTimeout, "idle_timeout"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		value, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.target = value
	}

	if yamlCfg.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *yamlCfg.EnableRequestLogging
	}
	if yamlCfg.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *yamlCfg.RateLimit.RPS
	}
	if yamlCfg.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *yamlCfg.RateLimit.Burst
	}

	return nil
}

// applyEnvConfig applies environment variable configuration.
func applyEnvConfig(cfg *Config) error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Port = port
	}

	if raw := strings.TrimSpace(os.Getenv("CAPACITY_MENUS")); raw != "" {
		menus, err := parseMenus(raw)
		if err != nil {
			return fmt.Errorf("parse CAPACITY_MENUS: %w", err)
		}
		for client, capacities := range menus {
			cfg.CapacityMenus[client] = capacities
		}
	}

	if raw := strings.TrimSpace(os.Getenv("MAX_DISTINCT_ITEMS")); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value >= 0 {
			cfg.Allocation.MaxDistinctItems = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("WORKERS")); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Allocation.Workers = value
		}
	}

	if level := strings.TrimSpace(os.Getenv("LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}

	if rps := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); rps != "" {
		if value, err := strconv.ParseFloat(rps, 64); err == nil && value >= 0 {
			cfg.RateLimitRPS = value
		}
	}

	if burst := strings.TrimSpace(os.Getenv("RATE_LIMIT_BURST")); burst != "" {
		if value, err := strconv.Atoi(burst); err == nil && value >= 0 {
			cfg.RateLimitBurst = value
		}
	}

	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) error {
	if overrides.Port != nil && *overrides.Port != "" {
		cfg.Port = *overrides.Port
	}

	for client, raw := range overrides.CapacityMenus {
		capacities, err := storage.ParseCapacities(raw)
		if err != nil {
			return fmt.Errorf("parse capacity menu for %s: %w", client, err)
		}
		cfg.CapacityMenus[normalizeClient(client)] = capacities
	}

	if overrides.MaxDistinctItems != nil && *overrides.MaxDistinctItems >= 0 {
		cfg.Allocation.MaxDistinctItems = *overrides.MaxDistinctItems
	}

	if overrides.Workers != nil && *overrides.Workers > 0 {
		cfg.Allocation.Workers = *overrides.Workers
	}

	if overrides.LogLevel != nil && *overrides.LogLevel != "" {
		cfg.LogLevel = *overrides.LogLevel
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}

	return nil
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	if len(cfg.CapacityMenus) == 0 {
		return fmt.Errorf("capacity menus cannot be empty")
	}
	for client, capacities := range cfg.CapacityMenus {
		if _, err := storage.NormalizeMenu(capacities); err != nil {
			return fmt.Errorf("capacity menu for %s: %w", client, err)
		}
	}
	if cfg.Allocation.MaxDistinctItems < 0 {
		return fmt.Errorf("max distinct items must be >= 0")
	}
	if r := cfg.Allocation.DiversityFillRatio; r < 0 || r > 1 {
		return fmt.Errorf("diversity fill ratio must be within [0, 1], got %v", r)
	}
	if cfg.Allocation.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if cfg.Allocation.MaxGroupUnits < 0 {
		return fmt.Errorf("max group units must be >= 0")
	}
	if cfg.AllocationTimeout <= 0 {
		return fmt.Errorf("allocation timeout must be > 0")
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// parseMenus parses "CBL=21,15;TAC=21" into per-client capacity menus.
func parseMenus(raw string) (map[string][]int, error) {
	menus := make(map[string][]int)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		client, sizes, ok := strings.Cut(entry, "=")
		client = normalizeClient(client)
		if !ok || client == "" {
			return nil, fmt.Errorf("invalid menu entry %q, expected CLIENT=SIZES", entry)
		}
		capacities, err := storage.ParseCapacities(sizes)
		if err != nil {
			return nil, fmt.Errorf("menu %s: %w", client, err)
		}
		menus[client] = capacities
	}
	if len(menus) == 0 {
		return nil, fmt.Errorf("no capacity menus provided")
	}
	return menus, nil
}

func normalizeClient(client string) string {
	return strings.ToUpper(strings.TrimSpace(client))
}
