package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "autoreply.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AUTOREPLY_PORT")
	setString(&cfg.Server.CORSOrigin, "AUTOREPLY_CORS_ORIGIN")
	setInt64(&cfg.Server.BodyLimitBytes, "AUTOREPLY_BODY_LIMIT_BYTES")
	setDuration(&cfg.Server.RequestTimeout, "AUTOREPLY_REQUEST_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AUTOREPLY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AUTOREPLY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AUTOREPLY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AUTOREPLY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AUTOREPLY_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AUTOREPLY_NATS_STREAM")
	setString(&cfg.Logging.Level, "AUTOREPLY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AUTOREPLY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AUTOREPLY_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "AUTOREPLY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AUTOREPLY_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "AUTOREPLY_RATE_RPS")
	setInt(&cfg.Rate.Burst, "AUTOREPLY_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "AUTOREPLY_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "AUTOREPLY_RATE_MAX_IDLE_TIME")

	// CRM
	setString(&cfg.CRM.BaseURL, "AUTOREPLY_CRM_BASE_URL")
	setString(&cfg.CRM.TokenURL, "AUTOREPLY_CRM_TOKEN_URL")
	setString(&cfg.CRM.ClientID, "AUTOREPLY_CRM_CLIENT_ID")
	setString(&cfg.CRM.ClientSecret, "AUTOREPLY_CRM_CLIENT_SECRET")
	setString(&cfg.CRM.UserType, "AUTOREPLY_CRM_USER_TYPE")
	setDuration(&cfg.CRM.Timeout, "AUTOREPLY_CRM_TIMEOUT")
	setFloat64(&cfg.CRM.RequestsPerSecond, "AUTOREPLY_CRM_RPS")
	setInt(&cfg.CRM.Burst, "AUTOREPLY_CRM_BURST")
	setInt(&cfg.CRM.ContactRetries, "AUTOREPLY_CRM_CONTACT_RETRIES")
	setDuration(&cfg.CRM.ContactRetryDelay, "AUTOREPLY_CRM_CONTACT_RETRY_DELAY")

	// OpenAI
	setString(&cfg.OpenAI.BaseURL, "AUTOREPLY_OPENAI_BASE_URL")
	setString(&cfg.OpenAI.EmbeddingModel, "AUTOREPLY_OPENAI_EMBEDDING_MODEL")
	setDuration(&cfg.OpenAI.Timeout, "AUTOREPLY_OPENAI_TIMEOUT")

	// Pipeline
	setDuration(&cfg.Pipeline.DebounceMin, "AUTOREPLY_DEBOUNCE_MIN")
	setDuration(&cfg.Pipeline.DebounceMax, "AUTOREPLY_DEBOUNCE_MAX")
	setDuration(&cfg.Pipeline.BookingSettleMin, "AUTOREPLY_BOOKING_SETTLE_MIN")
	setDuration(&cfg.Pipeline.BookingSettleMax, "AUTOREPLY_BOOKING_SETTLE_MAX")
	setInt(&cfg.Pipeline.MaxIterations, "AUTOREPLY_MAX_ITERATIONS")
	setInt(&cfg.Pipeline.HistoryLimit, "AUTOREPLY_TEXTS_TO_FETCH")
	setInt(&cfg.Pipeline.RetrievalTopK, "AUTOREPLY_RETRIEVAL_TOP_K")
	setString(&cfg.Pipeline.DefaultTimezone, "AUTOREPLY_DEFAULT_TIMEZONE")

	// Webhook, auth, secrets
	setString(&cfg.Webhook.Secret, "AUTOREPLY_WEBHOOK_SECRET")
	setString(&cfg.Webhook.SignatureHeader, "AUTOREPLY_WEBHOOK_SIGNATURE_HEADER")
	setString(&cfg.Auth.JWTSecret, "AUTOREPLY_JWT_SECRET")
	setString(&cfg.Auth.Issuer, "AUTOREPLY_JWT_ISSUER")
	setString(&cfg.Secrets.SealKey, "AUTOREPLY_SEAL_KEY")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AUTOREPLY_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AUTOREPLY_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AUTOREPLY_CACHE_L2_TTL")

	// OTel
	setBool(&cfg.OTel.Enabled, "AUTOREPLY_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTel.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTel.Insecure, "AUTOREPLY_OTEL_INSECURE")

	// Refresh
	setString(&cfg.Refresh.Schedule, "AUTOREPLY_REFRESH_SCHEDULE")
	setBool(&cfg.Refresh.Enabled, "AUTOREPLY_REFRESH_ENABLED")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.CRM.BaseURL == "" {
		return errors.New("crm.base_url is required")
	}
	if cfg.Pipeline.DebounceMin < 0 || cfg.Pipeline.DebounceMax < cfg.Pipeline.DebounceMin {
		return errors.New("pipeline.debounce_max must be >= pipeline.debounce_min >= 0")
	}
	if cfg.Pipeline.BookingSettleMin < 0 || cfg.Pipeline.BookingSettleMax < cfg.Pipeline.BookingSettleMin {
		return errors.New("pipeline.booking_settle_max must be >= pipeline.booking_settle_min >= 0")
	}
	if cfg.Pipeline.MaxIterations < 1 {
		return errors.New("pipeline.max_iterations must be >= 1")
	}
	if cfg.Pipeline.HistoryLimit < 1 {
		return errors.New("pipeline.history_limit must be >= 1")
	}
	if _, err := time.LoadLocation(cfg.Pipeline.DefaultTimezone); err != nil {
		return fmt.Errorf("pipeline.default_timezone: %w", err)
	}
	if cfg.Refresh.Enabled && !gronx.New().IsValid(cfg.Refresh.Schedule) {
		return fmt.Errorf("refresh.schedule %q is not a valid cron expression", cfg.Refresh.Schedule)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
