package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xevent"
	"github.com/trickstertwo/xevent/adapter/kafka"
	"github.com/trickstertwo/xevent/adapter/memory"
	"github.com/trickstertwo/xevent/adapter/redisstream"
	"github.com/trickstertwo/xevent/outbox"
)

// Config is the daemon configuration. Values come from Defaults, then the YAML
// file, then XEVENT_* environment variables (optionally loaded from a .env file).
type Config struct {
	Log       LogConfig     `yaml:"log"`
	Bus       xevent.Config `yaml:"bus"`
	Transport string        `yaml:"transport" split_words:"true"`
	Redis     RedisConfig   `yaml:"redis"`
	Kafka     KafkaConfig   `yaml:"kafka"`
	Outbox    OutboxConfig  `yaml:"outbox"`
	Admin     AdminConfig   `yaml:"admin"`

	AckTimeout      time.Duration `yaml:"ack_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

type LogConfig struct {
	Debug   bool `yaml:"debug" split_words:"true"`
	Console bool `yaml:"console" split_words:"true"`
}

type RedisConfig struct {
	Addr         string `yaml:"addr" split_words:"true"`
	Password     string `yaml:"password" split_words:"true"`
	DB           int    `yaml:"db" split_words:"true"`
	Consumer     string `yaml:"consumer" split_words:"true"`
	StreamPrefix string `yaml:"stream_prefix" split_words:"true"`
	DeadLetter   string `yaml:"dead_letter" split_words:"true"`
}

type KafkaConfig struct {
	Brokers     string `yaml:"brokers" split_words:"true"`
	TopicPrefix string `yaml:"topic_prefix" split_words:"true"`
	DeadLetter  string `yaml:"dead_letter" split_words:"true"`
}

type OutboxConfig struct {
	Enabled bool               `yaml:"enabled" split_words:"true"`
	Path    string             `yaml:"path" split_words:"true"`
	Relay   outbox.RelayConfig `yaml:"relay"`
}

type AdminConfig struct {
	Addr        string        `yaml:"addr" split_words:"true"`
	RateLimit   int           `yaml:"rate_limit" split_words:"true"`
	RateWindow  time.Duration `yaml:"rate_window" split_words:"true"`
	ReadTimeout time.Duration `yaml:"read_timeout" split_words:"true"`
}

func Defaults() Config {
	return Config{
		Bus:       xevent.Defaults(),
		Transport: memory.TransportName,
		Redis:     RedisConfig{Addr: "127.0.0.1:6379"},
		Kafka:     KafkaConfig{Brokers: "localhost:9092"},
		Outbox: OutboxConfig{
			Path:  "outbox.db",
			Relay: outbox.DefaultRelayConfig(),
		},
		Admin: AdminConfig{
			Addr:        ":8081",
			RateLimit:   120,
			RateWindow:  time.Minute,
			ReadTimeout: 5 * time.Second,
		},
		AckTimeout:      5 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// LoadConfig layers the YAML file at path (optional) and the environment over
// Defaults. A missing .env file is not an error.
func LoadConfig(path, envFile string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process("XEVENT", &cfg); err != nil {
		return cfg, fmt.Errorf("config: env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := c.Bus.Validate(); err != nil {
		return err
	}
	switch c.Transport {
	case memory.TransportName, redisstream.TransportName, kafka.TransportName:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Outbox.Enabled && c.Outbox.Path == "" {
		return errors.New("config: outbox.path required when the outbox is enabled")
	}
	return nil
}

// transportConfig returns the factory map for the selected transport.
func (c Config) transportConfig() map[string]any {
	switch c.Transport {
	case redisstream.TransportName:
		rc := redisstream.Defaults()
		rc.Addr = c.Redis.Addr
		rc.Password = c.Redis.Password
		rc.DB = c.Redis.DB
		if c.Redis.Consumer != "" {
			rc.Consumer = c.Redis.Consumer
		}
		rc.StreamPrefix = c.Redis.StreamPrefix
		rc.DeadLetter = c.Redis.DeadLetter
		return rc.ToMap()
	case kafka.TransportName:
		m := kafka.Defaults().ToMap()
		m["brokers"] = c.Kafka.Brokers
		m["topic_prefix"] = c.Kafka.TopicPrefix
		m["dead_letter"] = c.Kafka.DeadLetter
		return m
	default:
		return memory.DefaultConfig().ToMap()
	}
}
