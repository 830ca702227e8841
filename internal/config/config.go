// Package config loads hospital-pager settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	escalation "hospital-pager/internal/escalation/domain"
	shift "hospital-pager/internal/shift/domain"
)

// Config is the full service and agent configuration.
type Config struct {
	HTTPAddr    string           `yaml:"http_addr"`
	DatabaseURL string           `yaml:"database_url"`
	JWTSecret   string           `yaml:"jwt_secret"`
	Log         LogConfig        `yaml:"log"`
	Queue       QueueConfig      `yaml:"queue"`
	Escalation  EscalationConfig `yaml:"escalation"`
	Shift       ShiftConfig      `yaml:"shift"`
	Outbox      OutboxConfig     `yaml:"outbox"`
	Notify      NotifyConfig     `yaml:"notify"`
	Redis       RedisConfig      `yaml:"redis"`
	MQTT        MQTTConfig       `yaml:"mqtt"`
	NATS        NATSConfig       `yaml:"nats"`
	Agent       AgentConfig      `yaml:"agent"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QueueConfig tunes the client event queue.
type QueueConfig struct {
	DedupWindow     time.Duration `yaml:"dedup_window"`
	MaxSize         int           `yaml:"max_size"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
}

// EscalationConfig holds the per-urgency tier timeouts.
type EscalationConfig struct {
	MaxTier       int                        `yaml:"max_tier"`
	Timeouts      map[string][]time.Duration `yaml:"timeouts"`
	NotifyTimeout time.Duration              `yaml:"notify_timeout"`
	RetryDelay    time.Duration              `yaml:"retry_delay"`
}

// ShiftConfig holds duty rules.
type ShiftConfig struct {
	MaxShiftDuration time.Duration `yaml:"max_shift_duration"`
	MinBreakDuration time.Duration `yaml:"min_break_duration"`
	MinNotesLength   int           `yaml:"min_notes_length"`
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Retention   time.Duration `yaml:"retention"`
}

// NotifyConfig configures paging notifications.
type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhook_url"`
	Template     string        `yaml:"template"`
	Timeout      time.Duration `yaml:"timeout"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

// RedisConfig configures the Redis transport.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// AgentConfig configures the client agent.
type AgentConfig struct {
	HospitalScopeID string `yaml:"hospital_scope_id"`
	Transport       string `yaml:"transport"`
	StorePath       string `yaml:"store_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		Log:      LogConfig{Level: "info", Format: "json"},
		Queue: QueueConfig{
			DedupWindow:     5 * time.Second,
			MaxSize:         1000,
			MaxRetries:      3,
			RetryBackoff:    time.Second,
			CleanupInterval: time.Minute,
			StaleAfter:      time.Hour,
		},
		Escalation: EscalationConfig{
			MaxTier:       int(escalation.DefaultMaxTier),
			NotifyTimeout: 5 * time.Second,
			RetryDelay:    5 * time.Second,
		},
		Shift: ShiftConfig{
			MaxShiftDuration: 12 * time.Hour,
			MinBreakDuration: 8 * time.Hour,
			MinNotesLength:   10,
		},
		Outbox: OutboxConfig{
			Interval:    time.Second,
			BatchSize:   50,
			MaxAttempts: 5,
			Retention:   72 * time.Hour,
		},
		Notify: NotifyConfig{
			Timeout:      5 * time.Second,
			DedupeWindow: time.Minute,
		},
		Redis: RedisConfig{ChannelPrefix: "alerts."},
		MQTT:  MQTTConfig{ClientID: "hospital-pager", TopicPrefix: "pager/alerts/", QoS: 1},
		NATS:  NATSConfig{SubjectPrefix: "pager.alerts."},
		Agent: AgentConfig{Transport: "redis", StorePath: "pager-agent.db"},
	}
}

// Load reads the file named by PAGER_CONFIG, when set, then applies environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("PAGER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", cfg.JWTSecret)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)

	cfg.Queue.DedupWindow = getenvDuration("QUEUE_DEDUP_WINDOW", cfg.Queue.DedupWindow)
	cfg.Queue.MaxSize = getenvIntDefault("QUEUE_MAX_SIZE", cfg.Queue.MaxSize)
	cfg.Queue.MaxRetries = getenvIntDefault("QUEUE_MAX_RETRIES", cfg.Queue.MaxRetries)
	cfg.Queue.RetryBackoff = getenvDuration("QUEUE_RETRY_BACKOFF", cfg.Queue.RetryBackoff)

	cfg.Escalation.MaxTier = getenvIntDefault("ESCALATION_MAX_TIER", cfg.Escalation.MaxTier)

	cfg.Shift.MaxShiftDuration = getenvDuration("SHIFT_MAX_DURATION", cfg.Shift.MaxShiftDuration)
	cfg.Shift.MinBreakDuration = getenvDuration("SHIFT_MIN_BREAK", cfg.Shift.MinBreakDuration)
	cfg.Shift.MinNotesLength = getenvIntDefault("SHIFT_MIN_NOTES_LENGTH", cfg.Shift.MinNotesLength)

	cfg.Notify.WebhookURL = getenvDefault("NOTIFY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.Template = getenvDefault("NOTIFY_TEMPLATE", cfg.Notify.Template)
	cfg.Notify.Timeout = getenvDuration("NOTIFY_TIMEOUT", cfg.Notify.Timeout)

	cfg.Redis.Addr = getenvDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenvDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.MQTT.Broker = getenvDefault("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getenvDefault("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenvDefault("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.NATS.URL = getenvDefault("NATS_URL", cfg.NATS.URL)

	cfg.Agent.HospitalScopeID = getenvDefault("AGENT_HOSPITAL_SCOPE_ID", cfg.Agent.HospitalScopeID)
	cfg.Agent.Transport = strings.ToLower(getenvDefault("AGENT_TRANSPORT", cfg.Agent.Transport))
	cfg.Agent.StorePath = getenvDefault("AGENT_STORE_PATH", cfg.Agent.StorePath)
}

// Validate rejects unusable values.
func (c Config) Validate() error {
	var errs []error
	if c.Queue.DedupWindow <= 0 {
		errs = append(errs, errors.New("queue.dedup_window must be positive"))
	}
	if c.Queue.MaxSize <= 0 {
		errs = append(errs, errors.New("queue.max_size must be positive"))
	}
	if c.Queue.MaxRetries <= 0 {
		errs = append(errs, errors.New("queue.max_retries must be positive"))
	}
	if c.Queue.RetryBackoff <= 0 {
		errs = append(errs, errors.New("queue.retry_backoff must be positive"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range", c.MQTT.QoS))
	}
	switch c.Agent.Transport {
	case "redis", "mqtt", "nats":
	default:
		errs = append(errs, fmt.Errorf("agent.transport %q unknown", c.Agent.Transport))
	}
	if _, err := c.ShiftRules(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TimeoutTable(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ShiftRules converts the shift section into guard rules.
func (c Config) ShiftRules() (shift.Rules, error) {
	rules := shift.Rules{
		MaxShiftDuration: c.Shift.MaxShiftDuration,
		MinBreakDuration: c.Shift.MinBreakDuration,
		MinNotesLength:   c.Shift.MinNotesLength,
	}
	return rules, rules.Validate()
}

// TimeoutTable builds the escalation table, falling back to the default when none is configured.
func (c Config) TimeoutTable() (escalation.TimeoutTable, error) {
	if len(c.Escalation.Timeouts) == 0 {
		if c.Escalation.MaxTier != int(escalation.DefaultMaxTier) {
			return escalation.TimeoutTable{}, fmt.Errorf("%w: max tier %d needs explicit timeouts", escalation.ErrInvalidTable, c.Escalation.MaxTier)
		}
		return escalation.DefaultTimeoutTable(), nil
	}
	timeouts := make(map[escalation.Urgency][]time.Duration, len(c.Escalation.Timeouts))
	for name, row := range c.Escalation.Timeouts {
		urgency, err := escalation.ParseUrgency(name)
		if err != nil {
			return escalation.TimeoutTable{}, err
		}
		timeouts[urgency] = row
	}
	return escalation.NewTimeoutTable(timeouts, escalation.Tier(c.Escalation.MaxTier))
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
