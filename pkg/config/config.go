package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds settings for the execution core. Values come from defaults,
// then an optional YAML file, then environment variables, in that order.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Database
	DBPath string `yaml:"db_path"`

	// Bybit
	BybitTestnet   bool   `yaml:"bybit_testnet"`
	BybitAPIKey    string `yaml:"-"`
	BybitAPISecret string `yaml:"-"`
	BybitBaseURL   string `yaml:"bybit_base_url"` // override, testnet/mainnet derived otherwise
	RecvWindowMs   int    `yaml:"recv_window_ms"`

	// Market data stream
	EnableTickerStream bool     `yaml:"enable_ticker_stream"`
	BybitWSURL         string   `yaml:"bybit_ws_url"`
	Symbols            []string `yaml:"symbols"` // symbols the ticker stream follows

	// Metadata cache
	SymbolInfoTTL time.Duration `yaml:"symbol_info_ttl"`

	// Balance validation
	BalanceFreshness time.Duration `yaml:"balance_freshness"`
	SafetyMarginBps  int           `yaml:"safety_margin_bps"` // market-order price buffer

	// Retry / rate limiting
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	RequestBurst   int           `yaml:"request_burst"`

	// OCO supervision
	OcoPollInterval     time.Duration `yaml:"oco_poll_interval"`
	OcoMaxCloseFailures int           `yaml:"oco_max_close_failures"`
	OcoWorkerSlots      int           `yaml:"oco_worker_slots"`
}

func defaults() *Config {
	return &Config{
		Port:                "8080",
		LogLevel:            "info",
		DBPath:              "./data/execution.db",
		RecvWindowMs:        5000,
		EnableTickerStream:  true,
		SymbolInfoTTL:       5 * time.Minute,
		BalanceFreshness:    2 * time.Second,
		SafetyMarginBps:     50,
		MaxAttempts:         4,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       30 * time.Second,
		CallTimeout:         30 * time.Second,
		RequestsPerSec:      10,
		RequestBurst:        20,
		OcoPollInterval:     3 * time.Second,
		OcoMaxCloseFailures: 3,
		OcoWorkerSlots:      8,
	}
}

// Load reads configuration. A .env file is honored when present; CONFIG_FILE
// points at an optional YAML overlay.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := defaults()

	if path := getEnv("CONFIG_FILE", "config.yaml"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.BybitTestnet = getEnvBool("BYBIT_TESTNET", cfg.BybitTestnet)
	cfg.BybitAPIKey = os.Getenv("BYBIT_API_KEY")
	cfg.BybitAPISecret = os.Getenv("BYBIT_API_SECRET")
	cfg.BybitBaseURL = getEnv("BYBIT_BASE_URL", cfg.BybitBaseURL)
	cfg.RecvWindowMs = getEnvInt("BYBIT_RECV_WINDOW_MS", cfg.RecvWindowMs)
	cfg.EnableTickerStream = getEnvBool("ENABLE_TICKER_STREAM", cfg.EnableTickerStream)
	cfg.BybitWSURL = getEnv("BYBIT_WS_URL", cfg.BybitWSURL)
	if v := os.Getenv("SYMBOLS"); v != "" {
		cfg.Symbols = splitCSV(v)
	}
	cfg.SymbolInfoTTL = getEnvDuration("SYMBOL_INFO_TTL", cfg.SymbolInfoTTL)
	cfg.BalanceFreshness = getEnvDuration("BALANCE_FRESHNESS", cfg.BalanceFreshness)
	cfg.SafetyMarginBps = getEnvInt("SAFETY_MARGIN_BPS", cfg.SafetyMarginBps)
	cfg.MaxAttempts = getEnvInt("MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.CallTimeout = getEnvDuration("CALL_TIMEOUT", cfg.CallTimeout)
	cfg.RequestsPerSec = getEnvFloat("REQUESTS_PER_SEC", cfg.RequestsPerSec)
	cfg.RequestBurst = getEnvInt("REQUEST_BURST", cfg.RequestBurst)
	cfg.OcoPollInterval = getEnvDuration("OCO_POLL_INTERVAL", cfg.OcoPollInterval)
	cfg.OcoMaxCloseFailures = getEnvInt("OCO_MAX_CLOSE_FAILURES", cfg.OcoMaxCloseFailures)
	cfg.OcoWorkerSlots = getEnvInt("OCO_WORKER_SLOTS", cfg.OcoWorkerSlots)

	return cfg, nil
}

// loadFile overlays cfg with values from a YAML file. A missing default file
// is not an error; an unreadable or malformed explicit file is.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("CONFIG_FILE") == "" {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
