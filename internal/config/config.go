// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	HTTPPort string
	LogLevel string

	DatabaseURL string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string

	AMQPURL          string
	EventsExchange   string
	ProcessQueueName string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SendTimeout       time.Duration
	DefaultMaxRetries int
	ProcessBatchSize  int
	ProcessInterval   time.Duration
	SessionWindow     time.Duration
	DefaultRegion     string
	ReceiptRetryDelay time.Duration

	WhatsAppVerifyToken string
	WhatsAppAppSecret   string
	ViberAuthToken      string
}

// Load reads .env (if present) and the process environment. Malformed numeric
// values fall back to their defaults and are reported through log.
func Load(log logrus.FieldLogger) *Config {
	if err := godotenv.Load(); err != nil && log != nil {
		log.Info("no .env file found, relying on OS environment variables")
	}

	l := loader{log: log}
	cfg := &Config{
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "postgres"),
		DBPassword:  os.Getenv("DB_PASSWORD"),
		DBName:      getEnv("DB_NAME", "eduops"),

		AMQPURL:          os.Getenv("AMQP_URL"),
		EventsExchange:   getEnv("AMQP_EVENTS_EXCHANGE", "messaging.events"),
		ProcessQueueName: getEnv("AMQP_PROCESS_QUEUE", "messaging.process_queue"),

		RedisAddr:     os.Getenv("REDIS_ADDRESS"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       l.int("REDIS_DB", 0),

		SendTimeout:       l.duration("SEND_TIMEOUT", 10*time.Second),
		DefaultMaxRetries: l.int("DEFAULT_MAX_RETRIES", 3),
		ProcessBatchSize:  l.int("PROCESS_BATCH_SIZE", 50),
		ProcessInterval:   l.duration("PROCESS_INTERVAL", 0),
		SessionWindow:     l.duration("SESSION_WINDOW", 24*time.Hour),
		DefaultRegion:     strings.ToUpper(getEnv("DEFAULT_REGION", "US")),
		ReceiptRetryDelay: l.duration("RECEIPT_RETRY_DELAY", 2*time.Second),

		WhatsAppVerifyToken: os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		WhatsAppAppSecret:   os.Getenv("WHATSAPP_APP_SECRET"),
		ViberAuthToken:      os.Getenv("VIBER_AUTH_TOKEN"),
	}
	return cfg
}

// DSN builds the lib/pq connection string unless DATABASE_URL overrides it.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName,
	)
}

func getEnv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

type loader struct {
	log logrus.FieldLogger
}

func (l loader) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.warn(key, v, err)
		return def
	}
	return n
}

func (l loader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.warn(key, v, err)
		return def
	}
	return d
}

func (l loader) warn(key, value string, err error) {
	if l.log == nil {
		return
	}
	l.log.WithFields(logrus.Fields{"key": key, "value": value}).Warn("invalid config value, using default: " + err.Error())
}
