package kafka

import (
	"fmt"
	"strings"
	"time"
)

// Config for the Kafka transport. Consumer groups come from the Bus
// (SubscriberName per event), so none is configured here.
type Config struct {
	Brokers  []string
	ClientID string

	// TopicPrefix is joined to every Bus topic with a dot.
	TopicPrefix string
	// DeadLetter receives messages still nacked after MaxRedeliveries.
	// Empty drops them after logging through the Bus observers.
	DeadLetter string

	// StartOffset for new groups: "first" replays the retained log, "last" skips it.
	StartOffset string
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration

	// Nacked messages are redelivered in place, blocking the partition.
	MaxRedeliveries int
	RedeliveryDelay time.Duration

	BatchTimeout           time.Duration
	AllowAutoTopicCreation bool

	SASLUsername  string
	SASLPassword  string
	TLS           bool
	TLSSkipVerify bool
}

// Defaults returns a Config suitable for a local single-broker cluster.
func Defaults() Config {
	return Config{
		Brokers:                []string{"localhost:9092"},
		ClientID:               "xevent",
		StartOffset:            "first",
		MinBytes:               1,
		MaxBytes:               10e6,
		MaxWait:                time.Second,
		MaxRedeliveries:        3,
		RedeliveryDelay:        500 * time.Millisecond,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("config: brokers required")
	}
	if c.StartOffset != "first" && c.StartOffset != "last" {
		return fmt.Errorf("config: start_offset must be \"first\" or \"last\", got %q", c.StartOffset)
	}
	if c.MaxRedeliveries < 0 {
		return fmt.Errorf("config: max_redeliveries must be >= 0, got %d", c.MaxRedeliveries)
	}
	if (c.SASLUsername == "") != (c.SASLPassword == "") {
		return fmt.Errorf("config: sasl username and password are required together")
	}
	return nil
}

func (c Config) topic(name string) string {
	prefix := strings.TrimSpace(c.TopicPrefix)
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// ToMap converts Config to the generic map used by the transport factory.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"brokers":                   strings.Join(c.Brokers, ","),
		"client_id":                 c.ClientID,
		"topic_prefix":              c.TopicPrefix,
		"dead_letter":               c.DeadLetter,
		"start_offset":              c.StartOffset,
		"min_bytes":                 c.MinBytes,
		"max_bytes":                 c.MaxBytes,
		"max_wait":                  c.MaxWait,
		"max_redeliveries":          c.MaxRedeliveries,
		"redelivery_delay":          c.RedeliveryDelay,
		"batch_timeout":             c.BatchTimeout,
		"allow_auto_topic_creation": c.AllowAutoTopicCreation,
		"sasl_username":             c.SASLUsername,
		"sasl_password":             c.SASLPassword,
		"tls":                       c.TLS,
		"tls_skip_verify":           c.TLSSkipVerify,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults. Brokers
// may be a comma-separated string or a []string.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	switch v := m["brokers"].(type) {
	case string:
		if b := parseBrokers(v); len(b) > 0 {
			c.Brokers = b
		}
	case []string:
		if len(v) > 0 {
			c.Brokers = v
		}
	}

	str := func(k string, dst *string) {
		if v, ok := m[k].(string); ok {
			*dst = v
		}
	}
	num := func(k string, dst *int) {
		switch v := m[k].(type) {
		case int:
			*dst = v
		case int64:
			*dst = int(v)
		case float64:
			*dst = int(v)
		}
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

	str("client_id", &c.ClientID)
	str("topic_prefix", &c.TopicPrefix)
	str("dead_letter", &c.DeadLetter)
	str("start_offset", &c.StartOffset)
	str("sasl_username", &c.SASLUsername)
	str("sasl_password", &c.SASLPassword)
	num("min_bytes", &c.MinBytes)
	num("max_bytes", &c.MaxBytes)
	num("max_redeliveries", &c.MaxRedeliveries)
	dur("max_wait", &c.MaxWait)
	dur("redelivery_delay", &c.RedeliveryDelay)
	dur("batch_timeout", &c.BatchTimeout)
	flag("allow_auto_topic_creation", &c.AllowAutoTopicCreation)
	flag("tls", &c.TLS)
	flag("tls_skip_verify", &c.TLSSkipVerify)
	return c
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
