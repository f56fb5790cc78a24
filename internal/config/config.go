package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App        App        `yaml:"app"`
	HTTP       HTTP       `yaml:"http"`
	Log        Log        `yaml:"log"`
	Postgres   Postgres   `yaml:"postgres"`
	Kafka      Kafka      `yaml:"kafka"`
	Thirdparty Thirdparty `yaml:"thirdparty"`
	Relay      Relay      `yaml:"relay"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"idempotent-consumer"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
	// InstanceID identifies this deployment in outbound payloads. Generated once when empty.
	InstanceID string `yaml:"instance_id" env:"APP_INSTANCE_ID"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"9091"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Postgres struct {
	Host           string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port           string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User           string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password       string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName         string `yaml:"dbname" env:"POSTGRES_DB" env-default:"kafka_demo"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"POSTGRES_MIGRATE" env-default:"true"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	GroupID string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"kafkaConsumerGroup"`
	// MaxPollInterval is the liveness timeout of a group member.
	MaxPollInterval   time.Duration `yaml:"max_poll_interval" env:"KAFKA_MAX_POLL_INTERVAL" env-default:"5m"`
	StartOffset       string        `yaml:"start_offset" env:"KAFKA_START_OFFSET" env-default:"earliest"`
	Workers           int           `yaml:"workers" env:"KAFKA_WORKERS" env-default:"1"`
	RedeliveryBackoff time.Duration `yaml:"redelivery_backoff" env:"KAFKA_REDELIVERY_BACKOFF" env-default:"1s"`
	EventIDHeader     string        `yaml:"event_id_header" env:"KAFKA_EVENT_ID_HEADER" env-default:"demo_eventIdHeader"`

	IdempotentTopic    string `yaml:"idempotent_topic" env:"KAFKA_IDEMPOTENT_TOPIC" env-default:"demo-idempotent-inbound-topic"`
	NonIdempotentTopic string `yaml:"non_idempotent_topic" env:"KAFKA_NON_IDEMPOTENT_TOPIC" env-default:"demo-non-idempotent-inbound-topic"`
	OutboxTopic        string `yaml:"outbox_topic" env:"KAFKA_OUTBOX_TOPIC" env-default:"demo-idempotent-with-outbox-inbound-topic"`
	OutboundTopic      string `yaml:"outbound_topic" env:"KAFKA_OUTBOUND_TOPIC" env-default:"demo-outbound-topic"`
}

type Thirdparty struct {
	Endpoint string        `yaml:"endpoint" env:"THIRDPARTY_ENDPOINT" env-default:"http://localhost:9001/api/kafkaidempotentconsumerdemo"`
	Timeout  time.Duration `yaml:"timeout" env:"THIRDPARTY_TIMEOUT" env-default:"5s"`
}

type Relay struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"RELAY_POLL_INTERVAL" env-default:"2s"`
	BatchSize    int           `yaml:"batch_size" env:"RELAY_BATCH_SIZE" env-default:"10"`
}

func New() (*Config, error) {
	return Load("config.yaml")
}

// Load reads path when it exists and lets env vars override it.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if cfg.App.InstanceID == "" {
		cfg.App.InstanceID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: at least one broker is required"))
	}
	if c.Kafka.MaxPollInterval <= 0 {
		errs = append(errs, errors.New("kafka: max poll interval must be positive"))
	}
	if c.Kafka.Workers < 1 {
		errs = append(errs, errors.New("kafka: workers must be at least 1"))
	}
	if c.Kafka.OutboundTopic == "" {
		errs = append(errs, errors.New("kafka: outbound topic is required"))
	}

	u, err := url.Parse(c.Thirdparty.Endpoint)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("thirdparty: endpoint %q must be an absolute http(s) url", c.Thirdparty.Endpoint))
	}

	if c.Relay.BatchSize < 1 {
		errs = append(errs, errors.New("relay: batch size must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config error: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps Log.Level onto a slog level, defaulting to info.
func (l Log) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}
