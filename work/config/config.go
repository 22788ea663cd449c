package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// DefaultConfigPath is read when KPTV_CONFIG is not set.
const DefaultConfigPath = "/settings/config.json"

const defaultClearKey = "leifeng"

// Config holds all runtime settings for the time-shift proxy.
type Config struct {
	BaseURL               string        `json:"baseURL"`               // Public base URL of this proxy; derived from the request Host when empty
	ListenAddr            string        `json:"listenAddr"`            // Address the HTTP listener binds to
	Upstreams             []string      `json:"upstreams"`             // Channel gateway origins, used round-robin
	ListURL               string        `json:"listURL"`               // Primary channel list source
	BackupListURL         string        `json:"backupListURL"`         // Channel list source tried when the primary fails
	FallbackURL           string        `json:"fallbackURL"`           // Media URL served when a channel playlist cannot be fetched
	AuthTID               string        `json:"authTID"`               // Terminal id used when signing gateway playlist requests
	TokenTTL              time.Duration `json:"tokenTTL"`              // Lifetime of access tokens
	CacheTTL              time.Duration `json:"cacheTTL"`              // Lifetime of the cached channel list
	ManifestTimeout       time.Duration `json:"manifestTimeout"`       // Whole-fetch budget for manifests
	SegmentTimeout        time.Duration `json:"segmentTimeout"`        // Time-to-headers budget for segments
	GatewaySegmentTimeout time.Duration `json:"gatewaySegmentTimeout"` // Time-to-headers budget for gateway segments
	ListTimeout           time.Duration `json:"listTimeout"`           // Budget for channel list and gateway playlist fetches
	ProbeTimeout          time.Duration `json:"probeTimeout"`          // Budget for the background HEAD probe
	SlowRequestThreshold  time.Duration `json:"slowRequestThreshold"`  // Forward requests slower than this are logged
	ProbeEnabled          bool          `json:"probeEnabled"`          // Whether forwards dispatch a reachability probe
	ProbeWorkers          int           `json:"probeWorkers"`          // Size of the probe worker pool
	ProbeRate             int           `json:"probeRate"`             // Maximum probes per second
	CatalogRate           int           `json:"catalogRate"`           // Maximum channel list fetches per second
	MaxProxyClients       int           `json:"maxProxyClients"`       // Upper bound on cached per-proxy upstream clients
	UserAgent             string        `json:"userAgent"`             // User-Agent sent upstream
	LogLevel              string        `json:"logLevel"`              // DEBUG, INFO, WARN or ERROR
	Debug                 bool          `json:"debug"`                 // Forces DEBUG logging
	ObfuscateUrls         bool          `json:"obfuscateUrls"`         // Obfuscate URLs in logs
	ClearKeyHash          []byte        `json:"-"`                     // bcrypt hash of the cache clearing key
}

// ConfigFile is the on-disk JSON shape; durations are strings such as "40m".
type ConfigFile struct {
	BaseURL               string   `json:"baseURL"`
	ListenAddr            string   `json:"listenAddr"`
	Upstreams             []string `json:"upstreams"`
	ListURL               string   `json:"listURL"`
	BackupListURL         string   `json:"backupListURL"`
	FallbackURL           string   `json:"fallbackURL"`
	AuthTID               string   `json:"authTID"`
	TokenTTL              string   `json:"tokenTTL"`
	CacheTTL              string   `json:"cacheTTL"`
	ManifestTimeout       string   `json:"manifestTimeout"`
	SegmentTimeout        string   `json:"segmentTimeout"`
	GatewaySegmentTimeout string   `json:"gatewaySegmentTimeout"`
	ListTimeout           string   `json:"listTimeout"`
	ProbeTimeout          string   `json:"probeTimeout"`
	SlowRequestThreshold  string   `json:"slowRequestThreshold"`
	ProbeEnabled          *bool    `json:"probeEnabled"`
	ProbeWorkers          int      `json:"probeWorkers"`
	ProbeRate             int      `json:"probeRate"`
	CatalogRate           int      `json:"catalogRate"`
	MaxProxyClients       int      `json:"maxProxyClients"`
	UserAgent             string   `json:"userAgent"`
	LogLevel              string   `json:"logLevel"`
	Debug                 bool     `json:"debug"`
	ObfuscateUrls         bool     `json:"obfuscateUrls"`
	ClearKey              string   `json:"clearKey"`     // Plain key, hashed on load
	ClearKeyHash          string   `json:"clearKeyHash"` // Pre-computed bcrypt hash, preferred over clearKey
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// LoadConfig returns the cached configuration, loading it on first use.
//
// Process:
//   - Loads a .env file from the working directory when one exists.
//   - Reads the JSON file named by KPTV_CONFIG, or DefaultConfigPath.
//   - Falls back to the default configuration if the file is missing or invalid.
//   - Applies KPTV_* environment overrides, then fills in safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env file: %v", err)
	}

	configPath := os.Getenv("KPTV_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	config, err := LoadFromPath(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
		validateAndSetDefaults(config)
	}

	if err := applyEnvOverrides(config); err != nil {
		log.Printf("Ignoring environment overrides: %v", err)
	}

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Upstreams: %d configured", len(config.Upstreams))
		for i, origin := range config.Upstreams {
			log.Printf("    Upstream %d: %s", i+1, obfuscateURL(origin))
		}
		log.Printf("  List URL: %s", obfuscateURL(config.ListURL))
		log.Printf("  Token TTL: %s", config.TokenTTL)
		log.Printf("  Manifest/Segment timeouts: %s/%s", config.ManifestTimeout, config.SegmentTimeout)
	}

	return config
}

// LoadFromPath reads, converts and validates a configuration file.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(config)
	return config, nil
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings
// and hashing the clear key. Empty durations are left zero for
// validateAndSetDefaults to fill.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:         strings.TrimSuffix(cf.BaseURL, "/"),
		ListenAddr:      cf.ListenAddr,
		Upstreams:       cf.Upstreams,
		ListURL:         cf.ListURL,
		BackupListURL:   cf.BackupListURL,
		FallbackURL:     cf.FallbackURL,
		AuthTID:         cf.AuthTID,
		ProbeEnabled:    true,
		ProbeWorkers:    cf.ProbeWorkers,
		ProbeRate:       cf.ProbeRate,
		CatalogRate:     cf.CatalogRate,
		MaxProxyClients: cf.MaxProxyClients,
		UserAgent:       cf.UserAgent,
		LogLevel:        cf.LogLevel,
		Debug:           cf.Debug,
		ObfuscateUrls:   cf.ObfuscateUrls,
	}
	if cf.ProbeEnabled != nil {
		config.ProbeEnabled = *cf.ProbeEnabled
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"tokenTTL", cf.TokenTTL, &config.TokenTTL},
		{"cacheTTL", cf.CacheTTL, &config.CacheTTL},
		{"manifestTimeout", cf.ManifestTimeout, &config.ManifestTimeout},
		{"segmentTimeout", cf.SegmentTimeout, &config.SegmentTimeout},
		{"gatewaySegmentTimeout", cf.GatewaySegmentTimeout, &config.GatewaySegmentTimeout},
		{"listTimeout", cf.ListTimeout, &config.ListTimeout},
		{"probeTimeout", cf.ProbeTimeout, &config.ProbeTimeout},
		{"slowRequestThreshold", cf.SlowRequestThreshold, &config.SlowRequestThreshold},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	switch {
	case cf.ClearKeyHash != "":
		if _, err := bcrypt.Cost([]byte(cf.ClearKeyHash)); err != nil {
			return nil, fmt.Errorf("invalid clearKeyHash: %w", err)
		}
		config.ClearKeyHash = []byte(cf.ClearKeyHash)
	case cf.ClearKey != "":
		if err := config.SetClearKey(cf.ClearKey); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// getDefaultConfig returns the baseline configuration used without a file.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		Upstreams:             []string{"http://66.90.99.154:8278/"},
		ListURL:               "https://cdn.jsdelivr.net/gh/hostemail/cdn@main/data/smart.txt",
		BackupListURL:         "https://cdn.jsdelivr.net/gh/hostemail/cdn@main/data/smart1.txt",
		FallbackURL:           "http://vjs.zencdn.net/v/oceans.mp4",
		AuthTID:               "mc42afe745533",
		TokenTTL:              2400 * time.Second,
		CacheTTL:              time.Hour,
		ManifestTimeout:       2 * time.Second,
		SegmentTimeout:        5 * time.Second,
		GatewaySegmentTimeout: 10 * time.Second,
		ListTimeout:           5 * time.Second,
		ProbeTimeout:          time.Second,
		SlowRequestThreshold:  2 * time.Second,
		ProbeEnabled:          true,
		ProbeWorkers:          32,
		ProbeRate:             20,
		CatalogRate:           1,
		MaxProxyClients:       64,
		UserAgent:             "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		LogLevel:              "INFO",
	}
}

// validateAndSetDefaults fills missing or invalid values from the defaults.
func validateAndSetDefaults(config *Config) {
	def := getDefaultConfig()

	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if len(config.Upstreams) == 0 {
		config.Upstreams = def.Upstreams
	}
	for i, origin := range config.Upstreams {
		if !strings.HasSuffix(origin, "/") {
			config.Upstreams[i] = origin + "/"
		}
	}
	if config.ListURL == "" {
		config.ListURL = def.ListURL
	}
	if config.FallbackURL == "" {
		config.FallbackURL = def.FallbackURL
	}
	if config.AuthTID == "" {
		config.AuthTID = def.AuthTID
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = def.TokenTTL
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.ManifestTimeout <= 0 {
		config.ManifestTimeout = def.ManifestTimeout
	}
	if config.SegmentTimeout <= 0 {
		config.SegmentTimeout = def.SegmentTimeout
	}
	if config.GatewaySegmentTimeout <= 0 {
		config.GatewaySegmentTimeout = def.GatewaySegmentTimeout
	}
	if config.ListTimeout <= 0 {
		config.ListTimeout = def.ListTimeout
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.SlowRequestThreshold <= 0 {
		config.SlowRequestThreshold = def.SlowRequestThreshold
	}
	if config.ProbeWorkers <= 0 {
		config.ProbeWorkers = def.ProbeWorkers
	}
	if config.ProbeRate <= 0 {
		config.ProbeRate = def.ProbeRate
	}
	if config.CatalogRate <= 0 {
		config.CatalogRate = def.CatalogRate
	}
	if config.MaxProxyClients <= 0 {
		config.MaxProxyClients = def.MaxProxyClients
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
	}
	if config.Debug {
		config.LogLevel = "DEBUG"
	}
	if len(config.ClearKeyHash) == 0 {
		if err := config.SetClearKey(defaultClearKey); err != nil {
			log.Printf("Failed to hash default clear key: %v", err)
		}
	}
}

// applyEnvOverrides lets KPTV_* variables win over the file.
func applyEnvOverrides(config *Config) error {
	if v := os.Getenv("KPTV_BASE_URL"); v != "" {
		config.BaseURL = strings.TrimSuffix(v, "/")
	}
	if v := os.Getenv("KPTV_LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("KPTV_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("KPTV_UPSTREAMS"); v != "" {
		var origins []string
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		config.Upstreams = origins
		validateAndSetDefaults(config)
	}
	if v := os.Getenv("KPTV_CLEAR_KEY"); v != "" {
		return config.SetClearKey(v)
	}
	return nil
}

// SetClearKey stores the bcrypt hash of key.
func (c *Config) SetClearKey(key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash clear key: %w", err)
	}
	c.ClearKeyHash = hash
	return nil
}

// CheckClearKey reports whether key matches the configured clear key.
func (c *Config) CheckClearKey(key string) bool {
	if key == "" || len(c.ClearKeyHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(c.ClearKeyHash, []byte(key)) == nil
}

// ClearConfigCache forces the next LoadConfig call to reload.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks everything after the host for startup logs.
//
// Example:
//
//	Input:  "http://example.com/secret/list.txt?token=abc"
//	Output: "http://example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
