package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                 string
	StoreDriver          string
	DatabaseURL          string
	RedisAddr            string
	KafkaBrokers         []string
	KafkaTopic           string
	CallNextMaxAttempts  int
	NotifyMaxPending     int
	StatsTimezone        string
	StatsRebuildCron     string
	RateLimitPerMinute   int
	RateLimitBurst       int
	QueueRateLimitPerMin int
	QueueRateLimitBurst  int
	OperatorTokens       []string
	LogLevel             string
	LogFormat            string
	OTelEndpoint         string
	OTelInsecure         bool
	ShutdownTimeout      time.Duration
	LeaderTTL            time.Duration
	EventBufferSize      int
	EventPublishMaxTries int
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// SetDefaults registers every key with its default so environment variables
// and config files can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("store_driver", DriverMemory)
	v.SetDefault("db_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "queue_events")
	v.SetDefault("call_next_max_attempts", 5)
	v.SetDefault("notify_max_pending", 256)
	v.SetDefault("stats_timezone", "UTC")
	v.SetDefault("stats_rebuild_cron", "10 0 * * *")
	v.SetDefault("rate_limit_per_min", 120)
	v.SetDefault("rate_limit_burst", 30)
	v.SetDefault("queue_rate_limit_per_min", 600)
	v.SetDefault("queue_rate_limit_burst", 120)
	v.SetDefault("operator_tokens", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("otel_insecure", true)
	v.SetDefault("shutdown_timeout_seconds", 10)
	v.SetDefault("leader_ttl_seconds", 300)
	v.SetDefault("event_buffer_size", 1024)
	v.SetDefault("event_publish_max_tries", 5)
}

func Load(v *viper.Viper) Config {
	driver := strings.ToLower(strings.TrimSpace(v.GetString("store_driver")))
	if driver == "" {
		driver = DriverMemory
	}
	return Config{
		Port:                 v.GetString("port"),
		StoreDriver:          driver,
		DatabaseURL:          v.GetString("db_dsn"),
		RedisAddr:            strings.TrimSpace(v.GetString("redis_addr")),
		KafkaBrokers:         splitList(v.GetString("kafka_brokers")),
		KafkaTopic:           v.GetString("kafka_topic"),
		CallNextMaxAttempts:  v.GetInt("call_next_max_attempts"),
		NotifyMaxPending:     v.GetInt("notify_max_pending"),
		StatsTimezone:        v.GetString("stats_timezone"),
		StatsRebuildCron:     v.GetString("stats_rebuild_cron"),
		RateLimitPerMinute:   v.GetInt("rate_limit_per_min"),
		RateLimitBurst:       v.GetInt("rate_limit_burst"),
		QueueRateLimitPerMin: v.GetInt("queue_rate_limit_per_min"),
		QueueRateLimitBurst:  v.GetInt("queue_rate_limit_burst"),
		OperatorTokens:       splitList(v.GetString("operator_tokens")),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            v.GetString("log_format"),
		OTelEndpoint:         v.GetString("otel_endpoint"),
		OTelInsecure:         v.GetBool("otel_insecure"),
		ShutdownTimeout:      seconds(v.GetInt("shutdown_timeout_seconds"), 10),
		LeaderTTL:            seconds(v.GetInt("leader_ttl_seconds"), 300),
		EventBufferSize:      v.GetInt("event_buffer_size"),
		EventPublishMaxTries: v.GetInt("event_publish_max_tries"),
	}
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("store_driver %q needs db_dsn", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store_driver %q", c.StoreDriver)
	}
	if _, err := time.LoadLocation(c.StatsTimezone); err != nil {
		return fmt.Errorf("stats_timezone: %w", err)
	}
	return nil
}

func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.StatsTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func seconds(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
