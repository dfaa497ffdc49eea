package configuration

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Database     DatabaseConfig
	MinIO        MinIOConfig
	Server       ServerConfig
	Auth         AuthConfig
	Exchange     ExchangeConfig
	Pipeline     PipelineConfig
	NATSURL      string
	RedisURL     string
	CLAMAVURL    string
	LockBackend  string
	StoreBackend string
	LogLevel     string
	TraceEnabled bool
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type MinIOConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
}

type ServerConfig struct {
	Port string
	// PublicURL prefixes invite and download links handed to clients.
	PublicURL string
}

type AuthConfig struct {
	JWTSecret        string
	DownloadSecret   string
	SessionTokenTTL  time.Duration
	DownloadGrantTTL time.Duration
	// CreatorIssuer enables the OIDC gate on session creation when set.
	CreatorIssuer   string
	CreatorClientID string
}

type ExchangeConfig struct {
	SessionTTL     time.Duration
	UploadURLTTL   time.Duration
	PreviewURLTTL  time.Duration
	AcceptLockTTL  time.Duration
	MaxFileSize    int64
	ReaperInterval time.Duration
}

type PipelineConfig struct {
	Workers        int
	FetchTimeout   time.Duration
	ScanTimeout    time.Duration
	PreviewTimeout time.Duration
	// ScannerUnavailable is "allow" or "block".
	ScannerUnavailable string
}

const (
	ScannerAllow = "allow"
	ScannerBlock = "block"

	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "fileswap"),
			Password: getEnv("DB_PASSWORD", "fileswap"),
			DBName:   getEnv("DB_NAME", "fileswap"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		MinIO: MinIOConfig{
			Endpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
			BucketName: getEnv("MINIO_BUCKET", "exchange"),
			UseSSL:     getEnvBool("MINIO_USE_SSL", false),
		},
		Server: ServerConfig{
			Port:      getEnv("SERVER_PORT", "8080"),
			PublicURL: getEnv("PUBLIC_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret:        getEnv("JWT_SECRET", ""),
			DownloadSecret:   getEnv("DOWNLOAD_SECRET", ""),
			SessionTokenTTL:  getEnvDuration("SESSION_TOKEN_TTL", 48*time.Hour),
			DownloadGrantTTL: getEnvDuration("DOWNLOAD_GRANT_TTL", 10*time.Minute),
			CreatorIssuer:    getEnv("CREATOR_OIDC_ISSUER", ""),
			CreatorClientID:  getEnv("CREATOR_OIDC_CLIENT_ID", ""),
		},
		Exchange: ExchangeConfig{
			SessionTTL:     getEnvDuration("SESSION_TTL", 48*time.Hour),
			UploadURLTTL:   getEnvDuration("UPLOAD_URL_TTL", time.Hour),
			PreviewURLTTL:  getEnvDuration("PREVIEW_URL_TTL", 5*time.Minute),
			AcceptLockTTL:  getEnvDuration("ACCEPT_LOCK_TTL", 5*time.Second),
			MaxFileSize:    getEnvInt64("MAX_FILE_SIZE", 10<<30),
			ReaperInterval: getEnvDuration("REAPER_INTERVAL", time.Minute),
		},
		Pipeline: PipelineConfig{
			Workers:            getEnvInt("PIPELINE_WORKERS", 4),
			FetchTimeout:       getEnvDuration("FETCH_TIMEOUT", 2*time.Minute),
			ScanTimeout:        getEnvDuration("SCAN_TIMEOUT", 2*time.Minute),
			PreviewTimeout:     getEnvDuration("PREVIEW_TIMEOUT", 30*time.Second),
			ScannerUnavailable: getEnv("SCANNER_UNAVAILABLE", ScannerAllow),
		},
		NATSURL:      getEnv("NATS_URL", ""),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CLAMAVURL:    getEnv("CLAMAV_URL", "tcp://localhost:3310"),
		LockBackend:  getEnv("LOCK_BACKEND", BackendPostgres),
		StoreBackend: getEnv("STORE_BACKEND", BackendPostgres),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		TraceEnabled: getEnvBool("DD_TRACE_ENABLED", false),
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []error
	if len(c.Auth.JWTSecret) < 32 {
		problems = append(problems, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	switch c.Pipeline.ScannerUnavailable {
	case ScannerAllow, ScannerBlock:
	default:
		problems = append(problems, fmt.Errorf("SCANNER_UNAVAILABLE must be %q or %q", ScannerAllow, ScannerBlock))
	}
	switch c.LockBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		problems = append(problems, fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend))
	}
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		problems = append(problems, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.LockBackend == BackendPostgres && c.StoreBackend != BackendPostgres {
		problems = append(problems, errors.New("LOCK_BACKEND=postgres requires STORE_BACKEND=postgres"))
	}
	if c.Exchange.MaxFileSize <= 0 {
		problems = append(problems, errors.New("MAX_FILE_SIZE must be positive"))
	}
	if c.Pipeline.Workers <= 0 {
		problems = append(problems, errors.New("PIPELINE_WORKERS must be positive"))
	}
	if c.Exchange.SessionTTL <= 0 || c.Auth.SessionTokenTTL <= 0 || c.Auth.DownloadGrantTTL <= 0 {
		problems = append(problems, errors.New("TTLs must be positive"))
	}
	return errors.Join(problems...)
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
