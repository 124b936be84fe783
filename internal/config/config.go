package config

import (
	"fmt"
	"log"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort             = "8080"
	defaultDatabaseURL      = "jackdisk.db"
	defaultStorageBackend   = BackendFilesystem
	defaultStorageDir       = "./data"
	defaultPublicBaseURL    = "http://localhost:8080"
	defaultS3Region         = "auto"
	defaultMaxStorage       = "20GB"
	defaultMaxFileSize      = "1GB"
	defaultChunkThreshold   = "10MB"
	defaultChunkSize        = "1MB"
	defaultMaxChunkSize     = "64MB"
	defaultFileExpireHours  = "24"
	defaultSessionTTL       = "30m"
	defaultCleanInterval    = "1h"
	defaultEnableReaper     = "true"
	defaultAdminTokenTTL    = "30m"
	defaultAdminPassword    = "admin"
	defaultJWTSecret        = "change-me-jwt-secret"
	defaultBlockedExtension = ".exe,.bat,.cmd,.com,.scr,.vbs,.js"
)

const (
	BackendFilesystem = "fs"
	BackendS3         = "s3"
)

// Config is loaded once at startup and handed to constructors by value.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	StorageBackend string
	StorageDir     string
	PublicBaseURL  string
	S3             S3Config

	CapacityBytes  int64
	MaxFileSize    int64
	ChunkThreshold int64
	ChunkSize      int64
	MaxChunkSize   int64

	RetentionWindow time.Duration
	SessionTTL      time.Duration
	CleanInterval   time.Duration
	EnableReaper    bool

	AdminPassword string
	JWTSecret     string
	AdminTokenTTL time.Duration

	BlockedExtensions  []string
	CORSAllowedOrigins []string
}

// S3Config describes an S3-compatible bucket (AWS, R2, MinIO).
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Limits is the public subset of the configuration exposed to clients.
type Limits struct {
	MaxFileSize      int64 `json:"max_file_size"`
	CapacityBytes    int64 `json:"max_storage"`
	ChunkThreshold   int64 `json:"chunk_threshold"`
	ChunkSize        int64 `json:"chunk_size"`
	RetentionHours   int   `json:"file_expire_hours"`
	CleanIntervalSec int64 `json:"clean_interval"`
}

func (c Config) Limits() Limits {
	return Limits{
		MaxFileSize:      c.MaxFileSize,
		CapacityBytes:    c.CapacityBytes,
		ChunkThreshold:   c.ChunkThreshold,
		ChunkSize:        c.ChunkSize,
		RetentionHours:   int(c.RetentionWindow / time.Hour),
		CleanIntervalSec: int64(c.CleanInterval / time.Second),
	}
}

func Load() (Config, error) {
	cfg := Config{}
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = strings.TrimSpace(os.Getenv("ENV"))
	}
	if appEnv == "" {
		appEnv = "dev"
	}
	cfg.AppEnv = strings.ToLower(appEnv)

	cfg.Port = strings.TrimSpace(getEnv("PORT", defaultPort))
	cfg.DatabaseURL = strings.TrimSpace(getEnv("DATABASE_URL", defaultDatabaseURL))
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(getEnv("STORAGE_BACKEND", defaultStorageBackend)))
	cfg.StorageDir = strings.TrimSpace(getEnv("STORAGE_DIR", defaultStorageDir))
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(getEnv("PUBLIC_BASE_URL", defaultPublicBaseURL)), "/")
	cfg.S3 = S3Config{
		Endpoint:        strings.TrimRight(strings.TrimSpace(os.Getenv("S3_ENDPOINT")), "/"),
		Region:          strings.TrimSpace(getEnv("S3_REGION", defaultS3Region)),
		Bucket:          strings.TrimSpace(os.Getenv("S3_BUCKET")),
		AccessKeyID:     strings.TrimSpace(os.Getenv("S3_ACCESS_KEY_ID")),
		SecretAccessKey: strings.TrimSpace(os.Getenv("S3_SECRET_ACCESS_KEY")),
	}

	var err error
	if cfg.CapacityBytes, err = parseSizeEnv("MAX_STORAGE", defaultMaxStorage); err != nil {
		return Config{}, err
	}
	if cfg.MaxFileSize, err = parseSizeEnv("MAX_FILE_SIZE", defaultMaxFileSize); err != nil {
		return Config{}, err
	}
	if cfg.ChunkThreshold, err = parseSizeEnv("CHUNK_THRESHOLD", defaultChunkThreshold); err != nil {
		return Config{}, err
	}
	if cfg.ChunkSize, err = parseSizeEnv("DEFAULT_CHUNK_SIZE", defaultChunkSize); err != nil {
		return Config{}, err
	}
	if cfg.MaxChunkSize, err = parseSizeEnv("MAX_CHUNK_SIZE", defaultMaxChunkSize); err != nil {
		return Config{}, err
	}

	// RETENTION_WINDOW wins over the hour-granular FILE_EXPIRE_HOURS.
	if raw := strings.TrimSpace(os.Getenv("RETENTION_WINDOW")); raw != "" {
		if cfg.RetentionWindow, err = parseDurationEnv("RETENTION_WINDOW", raw); err != nil {
			return Config{}, err
		}
	} else {
		hours, err := strconv.Atoi(strings.TrimSpace(getEnv("FILE_EXPIRE_HOURS", defaultFileExpireHours)))
		if err != nil {
			return Config{}, fmt.Errorf("invalid FILE_EXPIRE_HOURS: %w", err)
		}
		cfg.RetentionWindow = time.Duration(hours) * time.Hour
	}

	if cfg.SessionTTL, err = parseDurationEnv("SESSION_TTL", defaultSessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.CleanInterval, err = parseDurationEnv("CLEAN_INTERVAL", defaultCleanInterval); err != nil {
		return Config{}, err
	}
	cfg.EnableReaper = parseBoolEnv("ENABLE_REAPER", defaultEnableReaper)

	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", defaultAdminPassword)
	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", defaultJWTSecret))
	if cfg.AdminTokenTTL, err = parseDurationEnv("ADMIN_TOKEN_TTL", defaultAdminTokenTTL); err != nil {
		return Config{}, err
	}
	cfg.BlockedExtensions = parseListEnv("BLOCKED_EXTENSIONS", defaultBlockedExtension)
	cfg.CORSAllowedOrigins = parseListEnv("CORS_ALLOWED_ORIGINS", "")

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	log.Printf("config loaded: env=%s backend=%s capacity=%d max_file=%d chunk_threshold=%d retention=%s session_ttl=%s",
		cfg.AppEnv, cfg.StorageBackend, cfg.CapacityBytes, cfg.MaxFileSize, cfg.ChunkThreshold, cfg.RetentionWindow, cfg.SessionTTL)

	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.StorageBackend {
	case BackendFilesystem:
		if cfg.StorageDir == "" {
			return fmt.Errorf("STORAGE_DIR must not be empty")
		}
		if _, err := url.ParseRequestURI(cfg.PublicBaseURL); err != nil {
			return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL: %w", err)
		}
	case BackendS3:
		if cfg.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET must be set when STORAGE_BACKEND=s3")
		}
		if cfg.S3.Endpoint != "" {
			if _, err := url.ParseRequestURI(cfg.S3.Endpoint); err != nil {
				return fmt.Errorf("S3_ENDPOINT must be an absolute URL: %w", err)
			}
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of: fs, s3")
	}

	if cfg.CapacityBytes <= 0 {
		return fmt.Errorf("MAX_STORAGE must be > 0")
	}
	if cfg.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be > 0")
	}
	if cfg.ChunkSize <= 0 || cfg.MaxChunkSize <= 0 {
		return fmt.Errorf("DEFAULT_CHUNK_SIZE and MAX_CHUNK_SIZE must be > 0")
	}
	if cfg.ChunkSize > cfg.MaxChunkSize {
		return fmt.Errorf("DEFAULT_CHUNK_SIZE must not exceed MAX_CHUNK_SIZE")
	}
	if cfg.ChunkThreshold <= 0 {
		return fmt.Errorf("CHUNK_THRESHOLD must be > 0")
	}
	if cfg.RetentionWindow <= 0 {
		return fmt.Errorf("retention window must be > 0")
	}
	if cfg.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if cfg.CleanInterval <= 0 {
		return fmt.Errorf("CLEAN_INTERVAL must be > 0")
	}
	if cfg.AdminTokenTTL <= 0 {
		return fmt.Errorf("ADMIN_TOKEN_TTL must be > 0")
	}

	if isProdLike(cfg.AppEnv) {
		if isEmptyOrDefault(cfg.JWTSecret, defaultJWTSecret) {
			return fmt.Errorf("in prod/release JWT_SECRET must be set and not default")
		}
		if isEmptyOrDefault(cfg.AdminPassword, defaultAdminPassword) {
			return fmt.Errorf("in prod/release ADMIN_PASSWORD must be set and not default")
		}
	}

	return nil
}

// ParseSize understands binary suffixes: "20GB", "512KB", "1MB" or plain bytes.
func ParseSize(raw string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier, s = 1<<30, strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier, s = 1<<20, strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier, s = 1<<10, strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must not be negative", raw)
	}
	if n > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("invalid size %q: too large", raw)
	}
	return n * multiplier, nil
}

func isProdLike(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}

func parseSizeEnv(name, fallback string) (int64, error) {
	value := strings.TrimSpace(getEnv(name, fallback))
	n, err := ParseSize(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", name, err)
	}
	return n, nil
}

func parseDurationEnv(name, fallback string) (time.Duration, error) {
	value := strings.TrimSpace(getEnv(name, fallback))
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, value, err)
	}
	return d, nil
}

func parseBoolEnv(name, fallback string) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(name, fallback)))
	return value == "1" || value == "true" || value == "yes" || value == "on"
}

func parseListEnv(name, fallback string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(name, fallback), ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
