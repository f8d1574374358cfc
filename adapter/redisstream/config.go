package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport. Consumer groups are not configured
// here: the Bus passes SubscriberName(event) for every topic it subscribes.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool
	// StartID is where a newly created group starts reading: "0" replays the
	// retained stream, "$" only sees entries added afterwards.
	StartID string

	// Stream management
	StreamPrefix    string
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery. Nacked entries stay pending and are redelivered
	// once idle for ClaimMinIdle; after MaxDeliveries they go to DeadLetter.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
	MaxDeliveries int64
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xevent"
	}
	return Config{
		Addr:          "127.0.0.1:6379",
		Consumer:      fmt.Sprintf("xevent-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		StartID:       "0",
		ClaimMinIdle:  30 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
		MaxDeliveries: 10,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.StartID != "0" && c.StartID != "$" {
		return fmt.Errorf("config: start_id must be \"0\" or \"$\", got %q", c.StartID)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// stream returns the Redis key backing a topic.
func (c Config) stream(topic string) string {
	return c.StreamPrefix + topic
}

// ToMap converts Config to the generic map used by the transport factory.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"start_id":           c.StartID,
		"stream_prefix":      c.StreamPrefix,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
		"max_deliveries":     c.MaxDeliveries,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults. Durations
// may be time.Duration or strings such as "5s"; numbers may be any int or float.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	str := func(k string, dst *string, allowEmpty bool) {
		if v, ok := m[k].(string); ok && (allowEmpty || v != "") {
			*dst = v
		}
	}
	num := func(k string) (int64, bool) {
		switch v := m[k].(type) {
		case int:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			return int64(v), true
		}
		return 0, false
	}
	dur := func(k string, dst *time.Duration) {
		switch v := m[k].(type) {
		case time.Duration:
			*dst = v
		case string:
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	flag := func(k string, dst *bool) {
		if v, ok := m[k].(bool); ok {
			*dst = v
		}
	}

	str("addr", &c.Addr, false)
	str("username", &c.Username, true)
	str("password", &c.Password, true)
	str("tls_server_name", &c.TLSServerName, true)
	str("consumer", &c.Consumer, false)
	str("start_id", &c.StartID, false)
	str("stream_prefix", &c.StreamPrefix, true)
	str("dead_letter", &c.DeadLetter, true)
	flag("tls", &c.TLS)
	flag("auto_create", &c.AutoCreate)
	flag("auto_delete_on_ack", &c.AutoDeleteOnAck)
	dur("block", &c.Block)
	dur("claim_min_idle", &c.ClaimMinIdle)
	dur("claim_interval", &c.ClaimInterval)

	if v, ok := num("db"); ok {
		c.DB = int(v)
	}
	if v, ok := num("concurrency"); ok && v > 0 {
		c.Concurrency = int(v)
	}
	if v, ok := num("batch_size"); ok && v > 0 {
		c.BatchSize = int(v)
	}
	if v, ok := num("max_len_approx"); ok && v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := num("claim_batch"); ok && v > 0 {
		c.ClaimBatch = int(v)
	}
	if v, ok := num("max_deliveries"); ok && v >= 0 {
		c.MaxDeliveries = v
	}
	return c
}
