package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string
	GinMode  string

	// RedisAddr 为空时关闭 Redis（回调锁、限流、令牌共享、事件 outbox）。
	RedisAddr string
	RedisDB   int

	// KafkaBrokers 为空时不发布支付事件。
	KafkaBrokers            []string
	PaymentEventTopic       string
	PaymentEventStream      string
	PaymentEventGroup       string
	PaymentEventConsumer    string
	PaymentEventDeadLetter  string
	PaymentEventMaxAttempts int

	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration

	Mpesa MpesaConfig
	Email EmailConfig
}

// MpesaConfig holds the gateway credentials and endpoints.
type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration
	TokenBuffer    time.Duration
}

// EmailConfig 为空密码时邮件直接跳过。
type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	From         string
	OrdersTo     string
}

// Enabled reports whether the outbound-email credential is configured.
func (e EmailConfig) Enabled() bool {
	return e.SMTPPassword != "" && e.SMTPHost != ""
}

// Load 读取并校验配置，缺失时使用默认值。同目录下的 .env 文件会被先加载，
// 已存在的环境变量优先。
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		HTTPAddr:                getEnv("HTTP_ADDR", ":8080"),
		DBPath:                  getEnv("DB_PATH", "payments.db"),
		GinMode:                 getEnv("GIN_MODE", "debug"),
		RedisAddr:               getEnv("REDIS_ADDR", ""),
		RedisDB:                 0,
		KafkaBrokers:            splitCSV(getEnv("KAFKA_BROKERS", "")),
		PaymentEventTopic:       getEnv("PAYMENT_EVENT_TOPIC", "payments.confirmed"),
		PaymentEventStream:      getEnv("PAYMENT_EVENT_STREAM", "payments:events"),
		PaymentEventGroup:       getEnv("PAYMENT_EVENT_GROUP", "payments-relay-group"),
		PaymentEventConsumer:    getEnv("PAYMENT_EVENT_CONSUMER", "payments-relay-1"),
		PaymentEventDeadLetter:  getEnv("PAYMENT_EVENT_DEAD_LETTER", "payments:events:dead"),
		PaymentEventMaxAttempts: 5,
		CheckoutRateLimit:       10,
		CheckoutRateWindow:      time.Minute,
		Mpesa: MpesaConfig{
			BaseURL:        strings.TrimRight(getEnv("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke"), "/"),
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:      getEnv("MPESA_SHORTCODE", ""),
			PassKey:        getEnv("MPESA_PASSKEY", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
			Timeout:        30 * time.Second,
			TokenBuffer:    30 * time.Second,
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     587,
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			From:         getEnv("EMAIL_FROM", "orders@localhost"),
			OrdersTo:     getEnv("ORDERS_EMAIL_TO", "operations@localhost"),
		},
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	rateLimit, err := getEnvInt("CHECKOUT_RATE_LIMIT", cfg.CheckoutRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	cfg.CheckoutRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("CHECKOUT_RATE_WINDOW_SEC", int(cfg.CheckoutRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_WINDOW_SEC must be > 0")
	}
	cfg.CheckoutRateWindow = time.Duration(rateWindowSec) * time.Second

	timeoutSec, err := getEnvInt("MPESA_TIMEOUT_SEC", int(cfg.Mpesa.Timeout.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid MPESA_TIMEOUT_SEC: %w", err)
	}
	if timeoutSec <= 0 {
		return AppConfig{}, fmt.Errorf("MPESA_TIMEOUT_SEC must be > 0")
	}
	cfg.Mpesa.Timeout = time.Duration(timeoutSec) * time.Second

	bufferSec, err := getEnvInt("MPESA_TOKEN_BUFFER_SEC", int(cfg.Mpesa.TokenBuffer.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid MPESA_TOKEN_BUFFER_SEC: %w", err)
	}
	if bufferSec < 0 {
		return AppConfig{}, fmt.Errorf("MPESA_TOKEN_BUFFER_SEC must be >= 0")
	}
	cfg.Mpesa.TokenBuffer = time.Duration(bufferSec) * time.Second

	maxAttempts, err := getEnvInt("PAYMENT_EVENT_MAX_ATTEMPTS", cfg.PaymentEventMaxAttempts)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid PAYMENT_EVENT_MAX_ATTEMPTS: %w", err)
	}
	if maxAttempts <= 0 {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_MAX_ATTEMPTS must be > 0")
	}
	cfg.PaymentEventMaxAttempts = maxAttempts

	smtpPort, err := getEnvInt("SMTP_PORT", cfg.Email.SMTPPort)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}
	cfg.Email.SMTPPort = smtpPort

	required := []struct{ key, value string }{
		{"MPESA_CONSUMER_KEY", cfg.Mpesa.ConsumerKey},
		{"MPESA_CONSUMER_SECRET", cfg.Mpesa.ConsumerSecret},
		{"MPESA_SHORTCODE", cfg.Mpesa.ShortCode},
		{"MPESA_PASSKEY", cfg.Mpesa.PassKey},
		{"MPESA_CALLBACK_URL", cfg.Mpesa.CallbackURL},
	}
	for _, r := range required {
		if r.value == "" {
			return AppConfig{}, fmt.Errorf("%s must not be empty", r.key)
		}
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.PaymentEventTopic == "" {
		return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_TOPIC must not be empty")
	}
	if cfg.RedisAddr != "" && len(cfg.KafkaBrokers) > 0 {
		if cfg.PaymentEventStream == "" {
			return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_STREAM must not be empty")
		}
		if cfg.PaymentEventGroup == "" {
			return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_GROUP must not be empty")
		}
		if cfg.PaymentEventConsumer == "" {
			return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_CONSUMER must not be empty")
		}
		if cfg.PaymentEventDeadLetter == "" || cfg.PaymentEventDeadLetter == cfg.PaymentEventStream {
			return AppConfig{}, fmt.Errorf("PAYMENT_EVENT_DEAD_LETTER must be set and differ from PAYMENT_EVENT_STREAM")
		}
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
