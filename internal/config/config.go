package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"transitmap/internal/feed"
)

type Config struct {
	LogLevel        slog.Level    `yaml:"-"`
	LogLevelName    string        `yaml:"log_level"`
	HTTPAddr        string        `yaml:"http_addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	BackendURL  string        `yaml:"backend_url" validate:"required,url"`
	HTTPTimeout time.Duration `yaml:"http_timeout" validate:"gt=0"`

	MinZoomLevelToShowStops float64       `yaml:"min_zoom_level_to_show_stops" validate:"gt=0"`
	Debounce                time.Duration `yaml:"debounce" validate:"gte=0"`
	RadiusCapMeters         float64       `yaml:"radius_cap_meters" validate:"gt=0"`

	QueryCacheSize int           `yaml:"query_cache_size" validate:"gt=0"`
	QueryCacheTTL  time.Duration `yaml:"query_cache_ttl" validate:"gt=0"`

	TrackerPollInterval time.Duration `yaml:"tracker_poll_interval" validate:"gt=0"`
	TrackerStaleAfter   time.Duration `yaml:"tracker_stale_after" validate:"gt=0"`

	UserID      string `yaml:"user_id"`
	IdentityDir string `yaml:"identity_dir"`

	RedisEnabled  bool   `yaml:"redis_enabled"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=RedisEnabled true"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`

	RateLimitPerWindow         int           `yaml:"rate_limit_per_window" validate:"gt=0"`
	RateLimitSessionsPerWindow int           `yaml:"rate_limit_sessions_per_window" validate:"gt=0"`
	RateLimitWindow            time.Duration `yaml:"rate_limit_window" validate:"gt=0"`
	RateLimitWhitelist         []string      `yaml:"rate_limit_whitelist"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	fc := feed.DefaultConfig()
	return &Config{
		LogLevel:        slog.LevelInfo,
		LogLevelName:    "info",
		HTTPAddr:        ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 30 * time.Second,

		HTTPTimeout: 10 * time.Second,

		MinZoomLevelToShowStops: fc.MinZoomLevelToShowStops,
		Debounce:                fc.Debounce,
		RadiusCapMeters:         fc.RadiusCapMeters,

		QueryCacheSize: 512,
		QueryCacheTTL:  10 * time.Minute,

		TrackerPollInterval: 10 * time.Second,
		TrackerStaleAfter:   2 * time.Minute,

		RedisAddr: "localhost:6379",

		RateLimitPerWindow:         120,
		RateLimitSessionsPerWindow: 20,
		RateLimitWindow:            time.Minute,
		CORSAllowedOrigins:         []string{"*"},
	}
}

// Load reads .env, then the optional YAML file named by TRANSITMAP_CONFIG,
// then environment overrides, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Defaults()

	if path := os.Getenv("TRANSITMAP_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	c.LogLevel = parseLogLevel(c.LogLevelName, c.LogLevel)
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getLogLevelEnv("LOG_LEVEL", c.LogLevel)
	c.LogLevelName = strings.ToLower(c.LogLevel.String())
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.ReadTimeout = getDurationEnv("READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = getDurationEnv("WRITE_TIMEOUT", c.WriteTimeout)
	c.ShutdownTimeout = getDurationEnv("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.BackendURL = strings.TrimRight(getEnv("BACKEND_URL", c.BackendURL), "/")
	c.HTTPTimeout = getDurationEnv("HTTP_TIMEOUT", c.HTTPTimeout)

	c.MinZoomLevelToShowStops = getFloatEnv("MIN_ZOOM_LEVEL_TO_SHOW_STOPS", c.MinZoomLevelToShowStops)
	c.Debounce = getDurationEnv("DEBOUNCE", c.Debounce)
	c.RadiusCapMeters = getFloatEnv("RADIUS_CAP_METERS", c.RadiusCapMeters)

	c.QueryCacheSize = getIntEnv("QUERY_CACHE_SIZE", c.QueryCacheSize)
	c.QueryCacheTTL = getDurationEnv("QUERY_CACHE_TTL", c.QueryCacheTTL)

	c.TrackerPollInterval = getDurationEnv("TRACKER_POLL_INTERVAL", c.TrackerPollInterval)
	c.TrackerStaleAfter = getDurationEnv("TRACKER_STALE_AFTER", c.TrackerStaleAfter)

	c.UserID = getEnv("USER_ID", c.UserID)
	c.IdentityDir = getEnv("IDENTITY_DIR", c.IdentityDir)

	c.RedisEnabled = getBoolEnv("REDIS_ENABLED", c.RedisEnabled)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getIntEnv("REDIS_DB", c.RedisDB)

	c.RateLimitPerWindow = getIntEnv("RATE_LIMIT_PER_WINDOW", c.RateLimitPerWindow)
	c.RateLimitSessionsPerWindow = getIntEnv("RATE_LIMIT_SESSIONS_PER_WINDOW", c.RateLimitSessionsPerWindow)
	c.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)
	if v := getCSVEnv("RATE_LIMIT_WHITELIST"); v != nil {
		c.RateLimitWhitelist = v
	}
	if v := getCSVEnv("CORS_ALLOWED_ORIGINS"); v != nil {
		c.CORSAllowedOrigins = v
	}
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Feed returns the viewport feed settings.
func (c *Config) Feed() feed.Config {
	return feed.Config{
		MinZoomLevelToShowStops: c.MinZoomLevelToShowStops,
		Debounce:                c.Debounce,
		RadiusCapMeters:         c.RadiusCapMeters,
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	return parseLogLevel(os.Getenv(key), defaultVal)
}

func parseLogLevel(v string, defaultVal slog.Level) slog.Level {
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}
