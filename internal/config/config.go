package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Ingest   IngestConfig
	Retry    RetryConfig
	Pricing  PricingConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
	MetricsAddr string // worker only; the API serves /metrics itself
}

type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	RunTTL   time.Duration // how long ingestion run status stays pollable
}

type AuthConfig struct {
	JWTSecret string
}

type StorageConfig struct {
	Backend     string // "supabase" or "s3"
	SupabaseURL string
	SupabaseKey string
	Bucket      string
	S3Region    string
	S3Endpoint  string // optional, for S3-compatible stores
	S3Profile   string
	S3AccessKey string // optional static credentials
	S3SecretKey string
	S3PathStyle bool
}

// IngestConfig carries every tunable the ingestion pipeline reads. It is
// built once and handed to ingest.NewService; nothing below the service
// consults the environment.
type IngestConfig struct {
	SkipRatioThreshold       float64
	EmptyFieldRatioThreshold float64
	PairPolicy               string // "all" or "last"
	RawTextDelimiter         string
	SingleShotThreshold      int64
	ChunkSize                int64
	CatalogDeadline          time.Duration
	MaxUploadBytes           int64
	DefaultEpochs            int
	CacheControl             string
	SpoolDir                 string
}

type RetryConfig struct {
	Backend     string // "local" or "asynq"
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type PricingConfig struct {
	File string // optional YAML override of the built-in rate table
}

// DefaultIngestConfig returns the values used when no override is set.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		SkipRatioThreshold:       0.5,
		EmptyFieldRatioThreshold: 0.1,
		PairPolicy:               "all",
		RawTextDelimiter:         "<|endoftext|>",
		SingleShotThreshold:      50 << 20,
		ChunkSize:                6 << 20,
		CatalogDeadline:          25 * time.Second,
		MaxUploadBytes:           1 << 30,
		DefaultEpochs:            3,
		CacheControl:             "3600",
		SpoolDir:                 os.TempDir(),
	}
}

func Load() (*Config, error) {
	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 2)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	runTTL, err := getEnvDuration("RUN_STATUS_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_STATUS_TTL: %w", err)
	}

	ingest, err := loadIngest()
	if err != nil {
		return nil, err
	}

	retry, err := loadRetry()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			Port:        port,
			CORSOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),
			MetricsAddr: getEnv("WORKER_METRICS_ADDR", ":9091"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: maxConns,
			MinConns: minConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
			RunTTL:   runTTL,
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("SUPABASE_JWT_SECRET", ""),
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(getEnv("STORAGE_BACKEND", "supabase")),
			SupabaseURL: strings.TrimRight(getEnv("SUPABASE_URL", ""), "/"),
			SupabaseKey: getEnv("SUPABASE_SERVICE_KEY", ""),
			Bucket:      getEnv("STORAGE_BUCKET", "datasets"),
			S3Region:    getEnv("S3_REGION", "us-east-1"),
			S3Endpoint:  getEnv("S3_ENDPOINT", ""),
			S3Profile:   getEnv("AWS_PROFILE", ""),
			S3AccessKey: getEnv("S3_ACCESS_KEY_ID", ""),
			S3SecretKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			S3PathStyle: getEnv("S3_PATH_STYLE", "false") == "true",
		},
		Ingest: ingest,
		Retry:  retry,
		Pricing: PricingConfig{
			File: getEnv("PRICING_FILE", ""),
		},
	}

	return cfg, nil
}

func loadIngest() (IngestConfig, error) {
	def := DefaultIngestConfig()
	cfg := def
	var err error

	if cfg.SkipRatioThreshold, err = getEnvFloat("INGEST_SKIP_RATIO", def.SkipRatioThreshold); err != nil {
		return cfg, fmt.Errorf("invalid INGEST_SKIP_RATIO: %w", err)
	}
	if cfg.EmptyFieldRatioThreshold, err = getEnvFloat("INGEST_EMPTY_FIELD_RATIO", def.EmptyFieldRatioThreshold); err != nil {
		return cfg, fmt.Errorf("invalid INGEST_EMPTY_FIELD_RATIO: %w", err)
	}
	if cfg.SingleShotThreshold, err = getEnvInt64("UPLOAD_SINGLE_SHOT_MAX_BYTES", def.SingleShotThreshold); err != nil {
		return cfg, fmt.Errorf("invalid UPLOAD_SINGLE_SHOT_MAX_BYTES: %w", err)
	}
	if cfg.ChunkSize, err = getEnvInt64("UPLOAD_CHUNK_BYTES", def.ChunkSize); err != nil {
		return cfg, fmt.Errorf("invalid UPLOAD_CHUNK_BYTES: %w", err)
	}
	if cfg.MaxUploadBytes, err = getEnvInt64("INGEST_MAX_UPLOAD_BYTES", def.MaxUploadBytes); err != nil {
		return cfg, fmt.Errorf("invalid INGEST_MAX_UPLOAD_BYTES: %w", err)
	}
	if cfg.CatalogDeadline, err = getEnvDuration("CATALOG_WRITE_DEADLINE", def.CatalogDeadline); err != nil {
		return cfg, fmt.Errorf("invalid CATALOG_WRITE_DEADLINE: %w", err)
	}
	if cfg.DefaultEpochs, err = getEnvInt("TRAINING_DEFAULT_EPOCHS", def.DefaultEpochs); err != nil {
		return cfg, fmt.Errorf("invalid TRAINING_DEFAULT_EPOCHS: %w", err)
	}

	cfg.PairPolicy = strings.ToLower(getEnv("INGEST_PAIR_POLICY", def.PairPolicy))
	cfg.RawTextDelimiter = getEnv("INGEST_RAW_TEXT_DELIMITER", def.RawTextDelimiter)
	cfg.CacheControl = getEnv("UPLOAD_CACHE_CONTROL", def.CacheControl)
	cfg.SpoolDir = getEnv("INGEST_SPOOL_DIR", def.SpoolDir)

	return cfg, nil
}

func loadRetry() (RetryConfig, error) {
	attempts, err := getEnvInt("CATALOG_RETRY_ATTEMPTS", 5)
	if err != nil {
		return RetryConfig{}, fmt.Errorf("invalid CATALOG_RETRY_ATTEMPTS: %w", err)
	}
	base, err := getEnvDuration("CATALOG_RETRY_BASE_DELAY", 2*time.Second)
	if err != nil {
		return RetryConfig{}, fmt.Errorf("invalid CATALOG_RETRY_BASE_DELAY: %w", err)
	}
	maxDelay, err := getEnvDuration("CATALOG_RETRY_MAX_DELAY", time.Minute)
	if err != nil {
		return RetryConfig{}, fmt.Errorf("invalid CATALOG_RETRY_MAX_DELAY: %w", err)
	}
	return RetryConfig{
		Backend:     strings.ToLower(getEnv("CATALOG_RETRY_BACKEND", "local")),
		MaxAttempts: attempts,
		BaseDelay:   base,
		MaxDelay:    maxDelay,
	}, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "SUPABASE_JWT_SECRET")
	}
	if c.Storage.Bucket == "" {
		missing = append(missing, "STORAGE_BUCKET")
	}
	switch c.Storage.Backend {
	case "supabase":
		if c.Storage.SupabaseURL == "" {
			missing = append(missing, "SUPABASE_URL")
		}
		if c.Storage.SupabaseKey == "" {
			missing = append(missing, "SUPABASE_SERVICE_KEY")
		}
	case "s3":
		if c.Storage.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return c.Ingest.Validate()
}

func (c IngestConfig) Validate() error {
	if c.SkipRatioThreshold <= 0 || c.SkipRatioThreshold > 1 {
		return fmt.Errorf("skip ratio threshold must be in (0, 1], got %v", c.SkipRatioThreshold)
	}
	if c.EmptyFieldRatioThreshold < 0 || c.EmptyFieldRatioThreshold > 1 {
		return fmt.Errorf("empty field ratio threshold must be in [0, 1], got %v", c.EmptyFieldRatioThreshold)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.SingleShotThreshold < 0 {
		return fmt.Errorf("single-shot threshold must not be negative, got %d", c.SingleShotThreshold)
	}
	if c.PairPolicy != "all" && c.PairPolicy != "last" {
		return fmt.Errorf("pair policy must be \"all\" or \"last\", got %q", c.PairPolicy)
	}
	if c.CatalogDeadline <= 0 {
		return fmt.Errorf("catalog deadline must be positive, got %s", c.CatalogDeadline)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
