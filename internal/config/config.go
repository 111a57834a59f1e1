package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	QueueRedis  = "redis"
	QueueMemory = "memory"
)

type Config struct {
	// Logging
	LogDir    string `yaml:"log_dir" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"loglevel"`
	LogStdout bool   `yaml:"log_stdout"`

	// Ops API; empty Addr disables it
	Addr         string   `yaml:"addr"`
	AdminAPIKeys []string `yaml:"admin_api_keys"`
	ReadAPIKeys  []string `yaml:"read_api_keys"`
	AdminRPM     int      `yaml:"admin_rpm" validate:"min=0"` // 0 disables limiting
	AdminBurst   int      `yaml:"admin_burst" validate:"min=0"`

	// Storage. For sqlite DatabaseURL is a file path.
	StoreDriver string `yaml:"store_driver" validate:"oneof=memory postgres sqlite"`
	DatabaseURL string `yaml:"database_url" validate:"required_unless=StoreDriver memory"`

	// Queue
	QueueDriver     string `yaml:"queue_driver" validate:"oneof=redis memory"`
	RedisURL        string `yaml:"redis_url" validate:"required_if=QueueDriver redis"`
	UptimeQueue     string `yaml:"uptime_queue" validate:"required,nefield=ChangeQueue"`
	ChangeQueue     string `yaml:"change_queue" validate:"required"`
	UptimeConsumers int    `yaml:"uptime_consumers" validate:"min=1,max=64"`
	ChangeConsumers int    `yaml:"change_consumers" validate:"min=1,max=64"`
	ConsumerName    string `yaml:"consumer_name" validate:"required"`
	MaxAttempts     int    `yaml:"max_attempts"` // <= 0 requeues forever

	// Probe
	ProbeTimeoutMS    int   `yaml:"probe_timeout_ms" validate:"min=1"`
	ProbeMaxBodyBytes int64 `yaml:"probe_max_body_bytes" validate:"min=1"`

	// Dispatcher; 0 disables
	DispatchIntervalMS int `yaml:"dispatch_interval_ms" validate:"min=0"`

	// Notifications
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
	AlertPollMS     int    `yaml:"alert_poll_ms" validate:"min=0"`
	AlertCooldownMS int    `yaml:"alert_cooldown_ms" validate:"min=0"`
	AlertOnRecovery bool   `yaml:"alert_on_recovery"`
}

// Default returns the configuration used when neither file nor env set a value.
func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return Config{
		LogDir:            "logs",
		LogLevel:          "info",
		StoreDriver:       StoreMemory,
		QueueDriver:       QueueMemory,
		UptimeQueue:       "uptime_check_queue",
		ChangeQueue:       "change_detection_queue",
		UptimeConsumers:   1,
		ChangeConsumers:   1,
		ConsumerName:      host,
		MaxAttempts:       5,
		ProbeTimeoutMS:    30000,
		ProbeMaxBodyBytes: 10 << 20,
		AlertCooldownMS:   10 * 60 * 1000,
		AlertOnRecovery:   true,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the environment, in that order, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv is Load without a file.
func FromEnv() (Config, error) { return Load("") }

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []string
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: not an integer: %q", key, v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: not a boolean: %q", key, v))
				return
			}
			*dst = b
		}
	}

	str("LOG_DIR", &c.LogDir)
	str("LOG_LEVEL", &c.LogLevel)
	flag("LOG_STDOUT", &c.LogStdout)

	str("ADDR", &c.Addr)
	if v := os.Getenv("ADMIN_API_KEYS"); v != "" {
		c.AdminAPIKeys = splitCSV(v)
	}
	if v := os.Getenv("READ_API_KEYS"); v != "" {
		c.ReadAPIKeys = splitCSV(v)
	}
	num("ADMIN_RPM", &c.AdminRPM)
	num("ADMIN_BURST", &c.AdminBurst)

	str("STORE_DRIVER", &c.StoreDriver)
	str("DATABASE_URL", &c.DatabaseURL)

	str("QUEUE_DRIVER", &c.QueueDriver)
	str("REDIS_URL", &c.RedisURL)
	str("UPTIME_QUEUE", &c.UptimeQueue)
	str("CHANGE_QUEUE", &c.ChangeQueue)
	num("UPTIME_CONSUMERS", &c.UptimeConsumers)
	num("CHANGE_CONSUMERS", &c.ChangeConsumers)
	str("CONSUMER_NAME", &c.ConsumerName)
	num("MAX_ATTEMPTS", &c.MaxAttempts)

	num("PROBE_TIMEOUT_MS", &c.ProbeTimeoutMS)
	if v := os.Getenv("PROBE_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("PROBE_MAX_BODY_BYTES: not an integer: %q", v))
		} else {
			c.ProbeMaxBodyBytes = n
		}
	}

	num("DISPATCH_INTERVAL_MS", &c.DispatchIntervalMS)

	str("SLACK_WEBHOOK_URL", &c.SlackWebhookURL)
	num("ALERT_POLL_MS", &c.AlertPollMS)
	num("ALERT_COOLDOWN_MS", &c.AlertCooldownMS)
	flag("ALERT_ON_RECOVERY", &c.AlertOnRecovery)

	if len(errs) > 0 {
		return fmt.Errorf("config env: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks field constraints and returns one error naming every
// offending field.
func Validate(c Config) error {
	v := validator.New()
	_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "", "debug", "info", "warn", "error":
			return true
		}
		return false
	})

	err := v.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

func (c Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalMS) * time.Millisecond
}

func (c Config) AlertPoll() time.Duration {
	return time.Duration(c.AlertPollMS) * time.Millisecond
}

func (c Config) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownMS) * time.Millisecond
}
