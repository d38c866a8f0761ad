// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// CORSAllowedOrigins is a comma-separated origin allowlist; empty disables CORS.
	CORSAllowedOrigins string `koanf:"cors_allowed_origins"`

	// Storage. An empty DatabaseURL selects the in-memory store.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// Reference data (place coordinates, dish descriptions)
	RefDataURL     string        `koanf:"refdata_url"`
	RefDataTimeout time.Duration `koanf:"refdata_timeout"`

	// Similarity retraining
	RetrainInterval     time.Duration `koanf:"retrain_interval"`
	RetrainTimeout      time.Duration `koanf:"retrain_timeout"`
	ActiveAccountWindow time.Duration `koanf:"active_account_window"`
	AutoRetrainEnabled  bool          `koanf:"auto_retrain_enabled"`
	MinSimilarityScore  float64       `koanf:"min_similarity_score"`
	MaxNeighbors        int           `koanf:"max_neighbors"`

	// Discovery
	DefaultRadiusKm  float64       `koanf:"default_radius_km"`
	DefaultAgeRadius int           `koanf:"default_age_radius"`
	CallTimeout      time.Duration `koanf:"call_timeout"` // 0 disables the per-call deadline

	// Rate limits, in requests per minute per requester (or client IP)
	RateLimitGlobal    int `koanf:"rate_limit_global"`
	RateLimitRecommend int `koanf:"rate_limit_recommend"`
	RateLimitAdmin     int `koanf:"rate_limit_admin"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"` // otlp-http or otlp-grpc
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL  = errors.New("DATABASE_URL is required in production")
	ErrInvalidPort         = errors.New("PORT must be a valid integer")
	ErrPortOutOfRange      = errors.New("PORT must be between 1 and 65535")
	ErrInvalidNumber       = errors.New("value must be a valid number")
	ErrInvalidDuration     = errors.New("value must be a valid duration")
	ErrInvalidRefDataURL   = errors.New("REFDATA_URL must be an absolute http(s) URL")
	ErrInvalidRadius       = errors.New("DEFAULT_RADIUS_KM must be positive")
	ErrInvalidAgeRadius    = errors.New("DEFAULT_AGE_RADIUS must not be negative")
	ErrInvalidMinScore     = errors.New("MIN_SIMILARITY_SCORE must be between 0 and 1")
	ErrInvalidMaxNeighbors = errors.New("MAX_NEIGHBORS must be positive")
	ErrInvalidSampleRate   = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidInterval     = errors.New("RETRAIN_INTERVAL, RETRAIN_TIMEOUT and ACTIVE_ACCOUNT_WINDOW must be positive")
	ErrMissingOTLPEndpoint = errors.New("OTLP_ENDPOINT is required when tracing is enabled")
	ErrInvalidExporter     = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidRateLimit    = errors.New("RATE_LIMIT_GLOBAL, RATE_LIMIT_RECOMMEND and RATE_LIMIT_ADMIN must be positive")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultRefDataURL          = "https://en.wikipedia.org/api/rest_v1"
	DefaultRefDataTimeout      = 5 * time.Second
	DefaultRetrainInterval     = 15 * time.Minute
	DefaultRetrainTimeout      = 2 * time.Minute
	DefaultActiveAccountWindow = 7 * 24 * time.Hour
	DefaultAutoRetrainEnabled  = true
	DefaultMinSimilarityScore  = 0.1
	DefaultMaxNeighbors        = 10
	DefaultRadiusKm            = 50.0
	DefaultAgeRadius           = 10
	DefaultTracingSampleRate   = 0.1
	DefaultTracingExporter     = "otlp-http"
	DefaultRateLimitGlobal     = 100
	DefaultRateLimitRecommend  = 30
	DefaultRateLimitAdmin      = 10
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// Try DISHMATCH_PORT first, then PORT
	port, err := getEnvIntOrDefaultMulti([]string{"DISHMATCH_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	maxNeighbors, err := getEnvIntOrDefault("MAX_NEIGHBORS", k.Int("max_neighbors"), DefaultMaxNeighbors)
	collect(err)
	ageRadius, err := getEnvIntOrDefault("DEFAULT_AGE_RADIUS", k.Int("default_age_radius"), DefaultAgeRadius)
	collect(err)
	globalLimit, err := getEnvIntOrDefault("RATE_LIMIT_GLOBAL", k.Int("rate_limit_global"), DefaultRateLimitGlobal)
	collect(err)
	recommendLimit, err := getEnvIntOrDefault("RATE_LIMIT_RECOMMEND", k.Int("rate_limit_recommend"), DefaultRateLimitRecommend)
	collect(err)
	adminLimit, err := getEnvIntOrDefault("RATE_LIMIT_ADMIN", k.Int("rate_limit_admin"), DefaultRateLimitAdmin)
	collect(err)

	radius, err := getEnvFloatOrDefault("DEFAULT_RADIUS_KM", k.Float64("default_radius_km"), DefaultRadiusKm)
	collect(err)
	minScore, err := getEnvFloatOrDefault("MIN_SIMILARITY_SCORE", k.Float64("min_similarity_score"), DefaultMinSimilarityScore)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	refTimeout, err := getEnvDurationOrDefault("REFDATA_TIMEOUT", k, "refdata_timeout", DefaultRefDataTimeout)
	collect(err)
	interval, err := getEnvDurationOrDefault("RETRAIN_INTERVAL", k, "retrain_interval", DefaultRetrainInterval)
	collect(err)
	retrainTimeout, err := getEnvDurationOrDefault("RETRAIN_TIMEOUT", k, "retrain_timeout", DefaultRetrainTimeout)
	collect(err)
	window, err := getEnvDurationOrDefault("ACTIVE_ACCOUNT_WINDOW", k, "active_account_window", DefaultActiveAccountWindow)
	collect(err)
	callTimeout, err := getEnvDurationOrDefault("CALL_TIMEOUT", k, "call_timeout", 0)
	collect(err)

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                port,
		Env:                 getEnvOrDefaultMulti([]string{"DISHMATCH_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		CORSAllowedOrigins:  getEnvOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		DatabaseURL:         getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:            getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		RefDataURL:          getEnvOrDefault("REFDATA_URL", k.String("refdata_url"), DefaultRefDataURL),
		RefDataTimeout:      refTimeout,
		RetrainInterval:     interval,
		RetrainTimeout:      retrainTimeout,
		ActiveAccountWindow: window,
		AutoRetrainEnabled:  getEnvBoolOrDefault("AUTO_RETRAIN_ENABLED", k, "auto_retrain_enabled", DefaultAutoRetrainEnabled),
		MinSimilarityScore:  minScore,
		MaxNeighbors:        maxNeighbors,
		DefaultRadiusKm:     radius,
		DefaultAgeRadius:    ageRadius,
		CallTimeout:         callTimeout,
		RateLimitGlobal:     globalLimit,
		RateLimitRecommend:  recommendLimit,
		RateLimitAdmin:      adminLimit,
		TracingEnabled:      getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:     getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:        getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate:   sampleRate,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the server runs in a production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Note: a zero value from a YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				if strings.HasSuffix(key, "PORT") {
					return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
				}
				return 0, fmt.Errorf("%s: %w", key, ErrInvalidNumber)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration ("15m", "2h") from env, then file, then default.
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	if raw == "" {
		raw = k.String(koanfKey)
	}
	if raw == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration)
	}
	return d, nil
}

// getEnvBoolOrDefault reads a boolean flag. Env takes precedence over file config;
// unrecognised env values are ignored.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	v := defaultVal
	if k.Exists(koanfKey) {
		v = k.Bool(koanfKey)
	}
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		v = true
	case "false", "0", "no", "off":
		v = false
	}
	return v
}

// Validate checks that configuration values are present and in range.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrPortOutOfRange)
	}
	if u, err := url.Parse(c.RefDataURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, ErrInvalidRefDataURL)
	}
	if c.DefaultRadiusKm <= 0 {
		errs = append(errs, ErrInvalidRadius)
	}
	if c.DefaultAgeRadius < 0 {
		errs = append(errs, ErrInvalidAgeRadius)
	}
	if c.MinSimilarityScore < 0 || c.MinSimilarityScore > 1 {
		errs = append(errs, ErrInvalidMinScore)
	}
	if c.MaxNeighbors <= 0 {
		errs = append(errs, ErrInvalidMaxNeighbors)
	}
	if c.RetrainInterval <= 0 || c.RetrainTimeout <= 0 || c.ActiveAccountWindow <= 0 {
		errs = append(errs, ErrInvalidInterval)
	}
	if c.RateLimitGlobal <= 0 || c.RateLimitRecommend <= 0 || c.RateLimitAdmin <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if c.TracingEnabled && c.OTLPEndpoint == "" {
		errs = append(errs, ErrMissingOTLPEndpoint)
	}
	if c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
		errs = append(errs, ErrInvalidExporter)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                  strconv.Itoa(c.Port),
		"env":                   c.Env,
		"cors_allowed_origins":  c.CORSAllowedOrigins,
		"database_url":          maskDatabaseURL(c.DatabaseURL),
		"redis_url":             maskDatabaseURL(c.RedisURL),
		"refdata_url":           c.RefDataURL,
		"refdata_timeout":       c.RefDataTimeout.String(),
		"retrain_interval":      c.RetrainInterval.String(),
		"retrain_timeout":       c.RetrainTimeout.String(),
		"active_account_window": c.ActiveAccountWindow.String(),
		"auto_retrain_enabled":  strconv.FormatBool(c.AutoRetrainEnabled),
		"min_similarity_score":  strconv.FormatFloat(c.MinSimilarityScore, 'f', -1, 64),
		"max_neighbors":         strconv.Itoa(c.MaxNeighbors),
		"default_radius_km":     strconv.FormatFloat(c.DefaultRadiusKm, 'f', -1, 64),
		"default_age_radius":    strconv.Itoa(c.DefaultAgeRadius),
		"call_timeout":          c.CallTimeout.String(),
		"rate_limit_global":     strconv.Itoa(c.RateLimitGlobal),
		"rate_limit_recommend":  strconv.Itoa(c.RateLimitRecommend),
		"rate_limit_admin":      strconv.Itoa(c.RateLimitAdmin),
		"tracing_enabled":       strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":      c.TracingExporter,
		"otlp_endpoint":         c.OTLPEndpoint,
		"tracing_sample_rate":   strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	return s[:schemeEnd+3] + rest[:colonIndex] + ":****" + rest[atIndex:]
}
