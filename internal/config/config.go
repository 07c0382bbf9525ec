package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the delivery pipeline.
type Config struct {
	App          AppConfig
	Broker       BrokerConfig
	Queues       QueueConfig
	Redis        RedisConfig
	Retry        RetryConfig
	Dedup        DedupConfig
	Connectivity ConnectivityConfig
	Provider     ProviderConfig
	Alerts       AlertConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

// BrokerConfig defines AMQP connection information and reconnect tuning.
type BrokerConfig struct {
	URL                  string
	Exchange             string
	Prefetch             int
	ReconnectMaxAttempts int
	ReconnectStep        time.Duration
	PublishTimeout       time.Duration
}

// QueueSpec names one queue and carries its message TTL. Messages whose TTL
// expires, or which are negatively acknowledged, are routed to the queue's
// dead letter companion.
type QueueSpec struct {
	Name string
	TTL  time.Duration
}

// QueueConfig enumerates the queues the pipeline consumes from.
type QueueConfig struct {
	Outbound QueueSpec
	Inbound  QueueSpec
	Webhook  QueueSpec
}

// RedisConfig holds connection settings for the document store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RetryConfig controls the retry manager's backoff policy.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
}

// DedupConfig tunes the webhook deduplication cache.
type DedupConfig struct {
	BaseTTL    time.Duration
	MaxEntries int
}

// ConnectivityConfig tunes the endpoint monitor and its circuit breakers.
type ConnectivityConfig struct {
	Endpoints        []string
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	AutoFixDelay     time.Duration
}

// ProviderConfig stores connection details for the messaging gateway.
type ProviderConfig struct {
	BaseURL  string
	APIKey   string
	Instance string
	Timeout  time.Duration
}

// AlertConfig configures the operator notification channel.
type AlertConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Broker.URL = ldr.getString("AMQP_URL", "", true)
	cfg.Broker.Exchange = ldr.getString("AMQP_EXCHANGE", "crm.messages", false)
	cfg.Broker.Prefetch = ldr.getInt("AMQP_PREFETCH", 1, false)
	cfg.Broker.ReconnectMaxAttempts = ldr.getInt("AMQP_RECONNECT_MAX_ATTEMPTS", 10, false)
	cfg.Broker.ReconnectStep = ldr.getMillis("AMQP_RECONNECT_STEP_MS", 2000)
	cfg.Broker.PublishTimeout = ldr.getMillis("AMQP_PUBLISH_TIMEOUT_MS", 5000)

	cfg.Queues.Outbound = QueueSpec{
		Name: ldr.getString("OUTBOUND_QUEUE", "crm.outbound", false),
		TTL:  ldr.getMillis("OUTBOUND_QUEUE_TTL_MS", 600000),
	}
	cfg.Queues.Inbound = QueueSpec{
		Name: ldr.getString("INBOUND_QUEUE", "crm.inbound", false),
		TTL:  ldr.getMillis("INBOUND_QUEUE_TTL_MS", 600000),
	}
	cfg.Queues.Webhook = QueueSpec{
		Name: ldr.getString("WEBHOOK_QUEUE", "crm.webhook", false),
		TTL:  ldr.getMillis("WEBHOOK_QUEUE_TTL_MS", 300000),
	}

	cfg.Redis.Addr = ldr.getString("REDIS_ADDR", "localhost:6379", false)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)

	cfg.Retry.MaxRetries = ldr.getInt("MAX_RETRIES", 3, false)
	cfg.Retry.BaseDelay = ldr.getMillis("BASE_DELAY_MS", 5000)
	cfg.Retry.MaxDelay = ldr.getMillis("MAX_DELAY_MS", 300000)
	cfg.Retry.BackoffMultiplier = ldr.getFloat("BACKOFF_MULTIPLIER", 2.0)
	cfg.Retry.JitterEnabled = ldr.getBool("JITTER_ENABLED", true, false)

	cfg.Dedup.BaseTTL = time.Duration(ldr.getInt("DEDUP_BASE_TTL_SECONDS", 60, false)) * time.Second
	cfg.Dedup.MaxEntries = ldr.getInt("DEDUP_MAX_ENTRIES", 10000, false)

	cfg.Connectivity.Endpoints = ldr.getStringSlice("CONNECTIVITY_ENDPOINTS", false)
	cfg.Connectivity.ProbeInterval = time.Duration(ldr.getInt("PROBE_INTERVAL_SECONDS", 30, false)) * time.Second
	cfg.Connectivity.ProbeTimeout = time.Duration(ldr.getInt("PROBE_TIMEOUT_SECONDS", 5, false)) * time.Second
	cfg.Connectivity.FailureThreshold = ldr.getInt("FAILURE_THRESHOLD", 5, false)
	cfg.Connectivity.Cooldown = time.Duration(ldr.getInt("COOLDOWN_SECONDS", 60, false)) * time.Second
	cfg.Connectivity.AutoFixDelay = time.Duration(ldr.getInt("AUTOFIX_DELAY_SECONDS", 10, false)) * time.Second

	cfg.Provider.BaseURL = ldr.getString("PROVIDER_BASE_URL", "", true)
	cfg.Provider.APIKey = ldr.getString("PROVIDER_API_KEY", "", false)
	cfg.Provider.Instance = ldr.getString("PROVIDER_INSTANCE", "default", false)
	cfg.Provider.Timeout = ldr.getMillis("PROVIDER_TIMEOUT_MS", 15000)

	cfg.Alerts.WebhookURL = ldr.getString("ALERT_WEBHOOK_URL", "", false)
	cfg.Alerts.Timeout = ldr.getMillis("ALERT_TIMEOUT_MS", 5000)

	if len(ldr.errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(ldr.errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES cannot be negative")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config: BASE_DELAY_MS must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config: MAX_DELAY_MS must be >= BASE_DELAY_MS")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("config: BACKOFF_MULTIPLIER must be >= 1")
	}
	if c.Broker.Prefetch < 1 {
		return fmt.Errorf("config: AMQP_PREFETCH must be >= 1")
	}
	if c.Dedup.MaxEntries < 1 {
		return fmt.Errorf("config: DEDUP_MAX_ENTRIES must be >= 1")
	}
	return nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getFloat(key string, def float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			return def
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid number", key))
			return def
		}
		return f
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getMillis(key string, defMillis int) time.Duration {
	return time.Duration(l.getInt(key, defMillis, false)) * time.Millisecond
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
