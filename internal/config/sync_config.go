package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SyncConfig holds synchronization configuration
type SyncConfig struct {
	// ============ SCHEDULING ============
	AutoSyncEnabled bool `json:"auto_sync_enabled" yaml:"auto_sync_enabled"`
	Workers         int  `json:"workers" yaml:"workers" validate:"gte=1"`

	// ============ LIMITS ============
	MaxRetries       int `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	RetryBaseDelayMs int `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms" validate:"gte=0"`
	BatchSize        int `json:"batch_size" yaml:"batch_size" validate:"gte=1"`

	// ============ MARKETPLACES ============
	Marketplaces map[string]MarketplaceConfig `json:"marketplaces" yaml:"marketplaces" validate:"dive"`

	// ============ CONFLICTS ============
	ClockSkewTolerance int               `json:"clock_skew_tolerance" yaml:"clock_skew_tolerance" validate:"gte=0"` // seconds
	ConflictPolicy     map[string]string `json:"conflict_policy" yaml:"conflict_policy" validate:"dive,oneof=local remote"`

	// ============ RATE SHAPING ============
	Bandwidth BandwidthConfig `json:"bandwidth" yaml:"bandwidth"`

	// ============ FALLBACK ============
	Fallback FallbackConfig `json:"fallback" yaml:"fallback"`

	// ============ REALTIME ============
	Realtime RealtimeConfig `json:"realtime" yaml:"realtime"`
}

// MarketplaceConfig holds the settings of one marketplace
type MarketplaceConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	BaseURL       string `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey        string `json:"api_key" yaml:"api_key"`
	APISecret     string `json:"api_secret" yaml:"api_secret"`
	SellerID      string `json:"seller_id" yaml:"seller_id"`
	Timeout       int    `json:"timeout" yaml:"timeout" validate:"gte=0"`             // seconds
	Priority      int    `json:"priority" yaml:"priority" validate:"gte=0"`           // 1 = highest
	SyncInterval  int    `json:"sync_interval" yaml:"sync_interval" validate:"gte=0"` // seconds
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=0"`
}

// BandwidthConfig selects the rate window scope and thresholds
type BandwidthConfig struct {
	Scope       string `json:"scope" yaml:"scope" validate:"omitempty,oneof=global per_marketplace"`
	HighTraffic int    `json:"high_traffic" yaml:"high_traffic" validate:"gte=0"`
	Overload    int    `json:"overload" yaml:"overload" validate:"gte=0"`
	Critical    int    `json:"critical" yaml:"critical" validate:"gte=0"`
}

// FallbackConfig controls the degraded mode of unreachable marketplaces
type FallbackConfig struct {
	IntervalFactor      int `json:"interval_factor" yaml:"interval_factor" validate:"gte=1"`
	MaxRetries          int `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	HealthCheckInterval int `json:"health_check_interval" yaml:"health_check_interval" validate:"gte=0"` // seconds
}

// RealtimeConfig holds websocket settings
type RealtimeConfig struct {
	MetricsInterval int `json:"metrics_interval" yaml:"metrics_interval" validate:"gte=0"` // seconds, 0 = off
	SendBuffer      int `json:"send_buffer" yaml:"send_buffer" validate:"gte=0"`
}

// defaultMarketplaces follows the priority order and polling cadence of the
// production deployment
var defaultMarketplaces = map[string]MarketplaceConfig{
	"trendyol":    {Enabled: true, Priority: 1, SyncInterval: 30, Timeout: 30, MaxConcurrent: 10, BaseURL: "https://api.trendyol.com/sapigw/suppliers"},
	"amazon":      {Enabled: true, Priority: 2, SyncInterval: 45, Timeout: 30, MaxConcurrent: 8, BaseURL: "https://sellingpartnerapi-eu.amazon.com"},
	"n11":         {Enabled: true, Priority: 3, SyncInterval: 60, Timeout: 30, MaxConcurrent: 6, BaseURL: "https://api.n11.com"},
	"hepsiburada": {Enabled: true, Priority: 4, SyncInterval: 90, Timeout: 30, MaxConcurrent: 5, BaseURL: "https://oms-external-sit.hepsiburada.com"},
	"ozon":        {Enabled: true, Priority: 5, SyncInterval: 120, Timeout: 30, MaxConcurrent: 4, BaseURL: "https://api-seller.ozon.ru"},
	"ebay":        {Enabled: true, Priority: 6, SyncInterval: 150, Timeout: 30, MaxConcurrent: 3, BaseURL: "https://api.ebay.com"},
}

var validate = validator.New()

// LoadSyncConfig loads sync configuration from the file named by
// SYNC_CONFIG_PATH, or from environment defaults when it is unset
func LoadSyncConfig() (*SyncConfig, error) {
	cfg := getDefaultSyncConfig()

	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		if err := loadSyncConfigFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", configPath, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyCredentialEnv()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	return cfg, nil
}

// loadSyncConfigFromFile overlays a JSON or YAML file onto cfg
func loadSyncConfigFromFile(path string, cfg *SyncConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// file entries replace default marketplace entries, gaps are refilled
	// by applyDefaults
	cfg.Marketplaces = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// getDefaultSyncConfig returns default sync configuration
func getDefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		AutoSyncEnabled:    getBoolEnv("SYNC_AUTO_ENABLED", true),
		Workers:            getIntEnv("SYNC_WORKERS", 3),
		MaxRetries:         getIntEnv("SYNC_MAX_RETRIES", 3),
		RetryBaseDelayMs:   getIntEnv("SYNC_RETRY_BASE_DELAY_MS", 2000),
		BatchSize:          getIntEnv("SYNC_BATCH_SIZE", 100),
		Marketplaces:       getDefaultMarketplaceConfigs(),
		ClockSkewTolerance: getIntEnv("SYNC_CLOCK_SKEW_TOLERANCE", 5),
		ConflictPolicy: map[string]string{
			"order":     "remote",
			"inventory": "local",
			"price":     "local",
			"category":  "local",
		},
		Bandwidth: BandwidthConfig{
			Scope:       getEnv("SYNC_BANDWIDTH_SCOPE", "global"),
			HighTraffic: 1000,
			Overload:    1500,
			Critical:    2000,
		},
		Fallback: FallbackConfig{
			IntervalFactor:      getIntEnv("SYNC_FALLBACK_INTERVAL_FACTOR", 4),
			MaxRetries:          getIntEnv("SYNC_FALLBACK_MAX_RETRIES", 3),
			HealthCheckInterval: getIntEnv("SYNC_HEALTH_CHECK_INTERVAL", 30),
		},
		Realtime: RealtimeConfig{
			MetricsInterval: getIntEnv("SYNC_METRICS_INTERVAL", 30),
			SendBuffer:      256,
		},
	}
}

// getDefaultMarketplaceConfigs returns a fresh copy of the marketplace table
func getDefaultMarketplaceConfigs() map[string]MarketplaceConfig {
	out := make(map[string]MarketplaceConfig, len(defaultMarketplaces))
	for name, mc := range defaultMarketplaces {
		out[name] = mc
	}
	return out
}

// applyDefaults fills zero values left by a partial config file
func (c *SyncConfig) applyDefaults() {
	def := getDefaultSyncConfig()
	if c.Workers == 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Fallback.IntervalFactor == 0 {
		c.Fallback.IntervalFactor = def.Fallback.IntervalFactor
	}
	if c.Bandwidth.Scope == "" {
		c.Bandwidth.Scope = "global"
	}
	if c.Bandwidth.HighTraffic == 0 && c.Bandwidth.Overload == 0 && c.Bandwidth.Critical == 0 {
		c.Bandwidth.HighTraffic, c.Bandwidth.Overload, c.Bandwidth.Critical = 1000, 1500, 2000
	}
	if c.ConflictPolicy == nil {
		c.ConflictPolicy = def.ConflictPolicy
	}

	if c.Marketplaces == nil {
		c.Marketplaces = make(map[string]MarketplaceConfig)
	}
	normalized := make(map[string]MarketplaceConfig, len(c.Marketplaces))
	for name, mc := range c.Marketplaces {
		name = strings.ToLower(strings.TrimSpace(name))
		if d, ok := defaultMarketplaces[name]; ok {
			if mc.BaseURL == "" {
				mc.BaseURL = d.BaseURL
			}
			if mc.Priority == 0 {
				mc.Priority = d.Priority
			}
			if mc.SyncInterval == 0 {
				mc.SyncInterval = d.SyncInterval
			}
			if mc.MaxConcurrent == 0 {
				mc.MaxConcurrent = d.MaxConcurrent
			}
		}
		if mc.Timeout == 0 {
			mc.Timeout = 30
		}
		if mc.SyncInterval == 0 {
			mc.SyncInterval = 60
		}
		normalized[name] = mc
	}
	c.Marketplaces = normalized
}

// applyCredentialEnv reads <NAME>_API_KEY, _API_SECRET, _SELLER_ID and
// _BASE_URL for every configured marketplace
func (c *SyncConfig) applyCredentialEnv() {
	for name, mc := range c.Marketplaces {
		prefix := strings.ToUpper(name) + "_"
		mc.APIKey = getEnv(prefix+"API_KEY", mc.APIKey)
		mc.APISecret = getEnv(prefix+"API_SECRET", mc.APISecret)
		mc.SellerID = getEnv(prefix+"SELLER_ID", mc.SellerID)
		mc.BaseURL = getEnv(prefix+"BASE_URL", mc.BaseURL)
		mc.Enabled = getBoolEnv(prefix+"ENABLED", mc.Enabled)
		c.Marketplaces[name] = mc
	}
}

// EnabledMarketplaces returns enabled marketplace names by priority
func (c *SyncConfig) EnabledMarketplaces() []string {
	names := make([]string, 0, len(c.Marketplaces))
	for name, mc := range c.Marketplaces {
		if mc.Enabled {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := c.Marketplaces[names[i]].Priority, c.Marketplaces[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// Marketplace returns the settings of one marketplace
func (c *SyncConfig) Marketplace(name string) (MarketplaceConfig, bool) {
	mc, ok := c.Marketplaces[name]
	return mc, ok
}

// TimeoutFor is the per-call timeout of a marketplace
func (c *SyncConfig) TimeoutFor(name string) time.Duration {
	if mc, ok := c.Marketplaces[name]; ok && mc.Timeout > 0 {
		return time.Duration(mc.Timeout) * time.Second
	}
	return 30 * time.Second
}

// IntervalFor is the normal polling interval of a marketplace
func (c *SyncConfig) IntervalFor(name string) time.Duration {
	if mc, ok := c.Marketplaces[name]; ok && mc.SyncInterval > 0 {
		return time.Duration(mc.SyncInterval) * time.Second
	}
	return time.Minute
}

// RetryBaseDelay is the first backoff delay of adapter retries
func (c *SyncConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// ClockSkew is the tolerance within which timestamps count as simultaneous
func (c *SyncConfig) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewTolerance) * time.Second
}

// HealthCheckInterval is how often degraded marketplaces are probed
func (c *SyncConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.Fallback.HealthCheckInterval) * time.Second
}

// Helper functions for environment variables

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
