package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Mode は設定を読み込む起動モードを表す。モードごとに必須の環境変数が異なる。
type Mode string

const (
	// ModeServe は取り込みAPIサーバー。
	ModeServe Mode = "serve"
	// ModeAgent は端末エージェント（同期・アップロード・ローカルAPI）。
	ModeAgent Mode = "agent"
	// ModeSync は1回だけ同期を行う。
	ModeSync Mode = "sync"
	// ModeMigrate はデータベースマイグレーション。
	ModeMigrate Mode = "migrate"
)

// 同期元の種類
const (
	SyncSourceHTTP  = "http"
	SyncSourceMinIO = "minio"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Ingestion
	WebhookKey       string
	Timezone         string
	Location         *time.Location
	AttendanceSource string

	// Rate Limit（req/min/key）
	RateLimitWebhook int

	// Server
	ServerPort string

	// CORS（カンマ区切り、"*" で全オリジン許可）
	CORSAllowedOrigin string

	// Sync
	SyncSource          string
	SyncRemoteURL       string
	SyncInterval        time.Duration
	SyncMaxConcurrent   int
	SyncFetchTimeout    time.Duration
	SyncSkipDirs        []string
	SyncNumericDirsOnly bool
	SyncAllowedCIDRs    []string
	SyncMaxDepth        int

	// MinIO
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOPrefix    string
	MinIOUseSSL    bool

	// Cache
	CacheDir       string
	CacheIndexPath string
	TempMaxAge     time.Duration

	// Upload
	UploadURL          string
	UploadWebhookKey   string
	UploadInterval     time.Duration
	UploadInitialDelay time.Duration

	// Attendance CSV
	AttendanceCSVDir string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// modeで必要とされる環境変数が未設定の場合はエラーを返す。
func Load(mode Mode) (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WebhookKey:    os.Getenv("WEBHOOK_KEY"),
		SyncSource:    strings.ToLower(getEnvString("SYNC_SOURCE", SyncSourceHTTP)),
		SyncRemoteURL: os.Getenv("SYNC_REMOTE_URL"),

		MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:    os.Getenv("MINIO_BUCKET"),
		MinIOPrefix:    os.Getenv("MINIO_PREFIX"),
	}

	// Required fields
	var missing []string
	require := func(key, value string) {
		if value == "" {
			missing = append(missing, key)
		}
	}

	switch mode {
	case ModeServe:
		require("DATABASE_URL", cfg.DatabaseURL)
		require("WEBHOOK_KEY", cfg.WebhookKey)
	case ModeMigrate:
		require("DATABASE_URL", cfg.DatabaseURL)
	case ModeAgent, ModeSync:
		switch cfg.SyncSource {
		case SyncSourceHTTP:
			require("SYNC_REMOTE_URL", cfg.SyncRemoteURL)
		case SyncSourceMinIO:
			require("MINIO_ENDPOINT", cfg.MinIOEndpoint)
			require("MINIO_ACCESS_KEY", cfg.MinIOAccessKey)
			require("MINIO_SECRET_KEY", cfg.MinIOSecretKey)
			require("MINIO_BUCKET", cfg.MinIOBucket)
		default:
			return nil, fmt.Errorf("unsupported SYNC_SOURCE: %q (http or minio)", cfg.SyncSource)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.Timezone = getEnvString("ATTENDANCE_TIMEZONE", "Local")
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid ATTENDANCE_TIMEZONE %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc
	cfg.AttendanceSource = getEnvString("ATTENDANCE_SOURCE", "webhook")

	cfg.RateLimitWebhook = getEnvInt("RATE_LIMIT_WEBHOOK", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	cfg.SyncInterval = getEnvInterval("SYNC_INTERVAL", 5*time.Minute)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 4)
	cfg.SyncFetchTimeout = getEnvInterval("SYNC_FETCH_TIMEOUT", 30*time.Second)
	cfg.SyncSkipDirs = getEnvList("SYNC_SKIP_DIRS", []string{"passport"})
	cfg.SyncNumericDirsOnly = getEnvBool("SYNC_NUMERIC_DIRS_ONLY", false)
	cfg.SyncAllowedCIDRs = getEnvList("SYNC_ALLOWED_CIDRS", nil)
	cfg.SyncMaxDepth = getEnvInt("SYNC_MAX_DEPTH", 0)
	cfg.MinIOUseSSL = getEnvBool("MINIO_USE_SSL", false)

	cfg.CacheDir = getEnvString("CACHE_DIR", "./face_cache")
	cfg.CacheIndexPath = getEnvString("CACHE_INDEX_PATH", filepath.Join(cfg.CacheDir, ".cache_index.db"))
	cfg.TempMaxAge = getEnvInterval("TEMP_MAX_AGE", time.Hour)

	cfg.UploadURL = os.Getenv("UPLOAD_URL")
	cfg.UploadWebhookKey = os.Getenv("UPLOAD_WEBHOOK_KEY")
	cfg.UploadInterval = getEnvInterval("UPLOAD_INTERVAL", 10*time.Minute)
	cfg.UploadInitialDelay = getEnvDuration("UPLOAD_INITIAL_DELAY", 2*time.Minute)

	cfg.AttendanceCSVDir = getEnvString("ATTENDANCE_CSV_DIR", "./attendance_logs")

	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}

// getEnvInterval はティッカー間隔などゼロを許容しない期間を返す。
func getEnvInterval(key string, defaultVal time.Duration) time.Duration {
	if d := getEnvDuration(key, defaultVal); d > 0 {
		return d
	}
	return defaultVal
}

// getEnvList はカンマ区切りの値をリストとして返す。空要素は除く。
func getEnvList(key string, defaultVal []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
