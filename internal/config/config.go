// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 通知のプッシュ配信先
const (
	PushGatewayLog     = "log"
	PushGatewayNATS    = "nats"
	PushGatewayWebhook = "webhook"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Auth
	JWTSecret string
	JWTIssuer string

	// Server
	ServerPort string
	LogLevel   string

	// Rate Limit（HTTP API、req/min）
	RateLimitGeneral int

	// CORS
	CORSAllowedOrigin string

	// WebSocket
	WSAllowedOrigins []string
	WSSendBuffer     int
	WSWriteTimeout   time.Duration
	WSPingInterval   time.Duration
	WSEventRate      float64
	WSEventBurst     int

	// Chat / Call
	CallTimeout          time.Duration
	MessagePreviewLength int

	// Push
	PushGateway     string
	NATSURL         string
	NATSPushSubject string
	PushWebhookURL  string
	PushTimeout     time.Duration

	// Retention（0日は削除しない）
	NotificationRetentionDays int
	CallAuditRetentionDays    int
	RetentionInterval         time.Duration
}

// LoadDotEnv はカレントディレクトリの.envを環境変数に読み込む。
// ファイルがない場合は何もしない。既存の環境変数は上書きしない。
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.JWTIssuer = getEnvString("JWT_ISSUER", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.WSAllowedOrigins = getEnvList("WS_ALLOWED_ORIGINS", []string{"localhost:*"})
	cfg.WSSendBuffer = getEnvInt("WS_SEND_BUFFER", 64)
	cfg.WSWriteTimeout = getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second)
	cfg.WSPingInterval = getEnvDuration("WS_PING_INTERVAL", 25*time.Second)
	cfg.WSEventRate = getEnvFloat("WS_EVENT_RATE", 20)
	cfg.WSEventBurst = getEnvInt("WS_EVENT_BURST", 40)
	cfg.CallTimeout = getEnvDuration("CALL_TIMEOUT", 30*time.Second)
	cfg.MessagePreviewLength = getEnvInt("MESSAGE_PREVIEW_LENGTH", 100)
	cfg.PushGateway = strings.ToLower(getEnvString("PUSH_GATEWAY", PushGatewayLog))
	cfg.NATSURL = getEnvString("NATS_URL", "")
	cfg.NATSPushSubject = getEnvString("NATS_PUSH_SUBJECT", "push.user")
	cfg.PushWebhookURL = getEnvString("PUSH_WEBHOOK_URL", "")
	cfg.PushTimeout = getEnvDuration("PUSH_TIMEOUT", 5*time.Second)
	cfg.NotificationRetentionDays = getEnvInt("NOTIFICATION_RETENTION_DAYS", 90)
	cfg.CallAuditRetentionDays = getEnvInt("CALL_AUDIT_RETENTION_DAYS", 365)
	cfg.RetentionInterval = getEnvDuration("RETENTION_INTERVAL", 24*time.Hour)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は値の組み合わせを検証する。
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error: %q", c.LogLevel)
	}

	switch c.PushGateway {
	case PushGatewayLog:
	case PushGatewayNATS:
		if c.NATSURL == "" {
			return errors.New("NATS_URL is required when PUSH_GATEWAY=nats")
		}
	case PushGatewayWebhook:
		if c.PushWebhookURL == "" {
			return errors.New("PUSH_WEBHOOK_URL is required when PUSH_GATEWAY=webhook")
		}
	default:
		return fmt.Errorf("PUSH_GATEWAY must be one of log, nats, webhook: %q", c.PushGateway)
	}

	if c.CallTimeout <= 0 {
		return errors.New("CALL_TIMEOUT must be positive")
	}
	if c.NotificationRetentionDays < 0 || c.CallAuditRetentionDays < 0 {
		return errors.New("retention days must not be negative")
	}
	if c.RetentionInterval <= 0 {
		return errors.New("RETENTION_INTERVAL must be positive")
	}
	return nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
