package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"execution-core/pkg/ratelimit"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port           string
	HealthGRPCAddr string

	// Broker REST
	BrokerBaseURL   string
	BrokerAppKey    string
	BrokerAppSecret string
	BrokerAccountNo string
	BrokerVirtual   bool

	// Market stream; empty URL runs the mock feed
	StreamURL          string
	StreamRetryDelay   time.Duration
	TokenRefreshMargin time.Duration

	// Execution
	DryRun            bool
	QueuePollInterval time.Duration
	LoopWorkers       int
	TrailingStartPct  float64
	TrailingRatio     float64

	// Position reconciliation against broker holdings
	ReconcileInterval time.Duration
	ReconcileAutoSync bool

	// Rate limits, loaded once before any Acquire
	RateLimits ratelimit.Table

	// Static plans
	TargetsFile string

	// Audit
	DBPath          string
	KafkaBrokers    []string
	KafkaAuditTopic string

	// Advisory
	AdvisoryAddr     string
	AdvisoryMinScore int

	// Control surface / alerting
	JWTSecret       string
	AlertWebhookURL string

	// Session scheduler
	SessionTimezone string
	EnableScheduler bool

	LogLevel  string
	LogFormat string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	limits := ratelimit.DefaultTable()
	if path := getEnv("RATE_LIMITS_FILE", ""); path != "" {
		override, err := LoadRateLimits(path)
		if err != nil {
			return nil, err
		}
		for class, l := range override {
			limits[class] = l
		}
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		HealthGRPCAddr:     getEnv("HEALTH_GRPC_ADDR", ":9090"),
		BrokerBaseURL:      strings.TrimRight(getEnv("BROKER_BASE_URL", ""), "/"),
		BrokerAppKey:       os.Getenv("BROKER_APP_KEY"),
		BrokerAppSecret:    os.Getenv("BROKER_APP_SECRET"),
		BrokerAccountNo:    os.Getenv("BROKER_ACCOUNT_NO"),
		BrokerVirtual:      getEnvBool("BROKER_VIRTUAL", true),
		StreamURL:          getEnv("STREAM_URL", ""),
		StreamRetryDelay:   getEnvDuration("STREAM_RETRY_DELAY", 5*time.Second),
		TokenRefreshMargin: getEnvDuration("TOKEN_REFRESH_MARGIN", 5*time.Minute),
		DryRun:             getEnvBool("DRY_RUN", true),
		QueuePollInterval:  getEnvDuration("QUEUE_POLL_INTERVAL", 100*time.Millisecond),
		LoopWorkers:        getEnvInt("LOOP_WORKERS", 8),
		TrailingStartPct:   getEnvFloat("TRAILING_START_PCT", 3.0),
		TrailingRatio:      getEnvFloat("TRAILING_RATIO", 0.5),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileAutoSync:  getEnvBool("RECONCILE_AUTO_SYNC", true),
		RateLimits:         limits,
		TargetsFile:        getEnv("TARGETS_FILE", ""),
		DBPath:             getEnv("DB_PATH", "./data/execution.db"),
		KafkaBrokers:       splitAndTrim(getEnv("KAFKA_BROKERS", "")),
		KafkaAuditTopic:    getEnv("KAFKA_AUDIT_TOPIC", "execution.audit"),
		AdvisoryAddr:       getEnv("ADVISORY_ADDR", ""),
		AdvisoryMinScore:   getEnvInt("ADVISORY_MIN_SCORE", 60),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
		SessionTimezone:    getEnv("SESSION_TIMEZONE", "Asia/Seoul"),
		EnableScheduler:    getEnvBool("ENABLE_SCHEDULER", true),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
	}
	if !cfg.DryRun && cfg.BrokerBaseURL == "" {
		return nil, fmt.Errorf("config: BROKER_BASE_URL is required when DRY_RUN=false")
	}
	return cfg, nil
}

// Location resolves SessionTimezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.SessionTimezone)
	if err != nil {
		return nil, fmt.Errorf("config: SESSION_TIMEZONE %q: %w", c.SessionTimezone, err)
	}
	return loc, nil
}

type rateLimitFile struct {
	Limits map[string]struct {
		Capacity int    `yaml:"capacity"`
		Window   string `yaml:"window"`
	} `yaml:"limits"`
}

// LoadRateLimits reads a {class: {capacity, window}} table from YAML.
func LoadRateLimits(path string) (ratelimit.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limits: %w", err)
	}
	var f rateLimitFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rate limits: %w", err)
	}
	table := make(ratelimit.Table, len(f.Limits))
	for name, l := range f.Limits {
		window, err := time.ParseDuration(l.Window)
		if err != nil {
			return nil, fmt.Errorf("rate limit %s window: %w", name, err)
		}
		table[ratelimit.APIClass(strings.ToUpper(name))] = ratelimit.Limit{Capacity: l.Capacity, Window: window}
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
