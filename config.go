package xevent

import (
	"errors"
	"strings"
)

// Config describes the event naming convention of a Bus. It is copied into the
// Bus at Build time and never changes afterwards.
type Config struct {
	// StripPrefix removes leading characters found in Prefix from wire names.
	StripPrefix bool `yaml:"strip_prefix"`
	// Prefix is the prefix character set and the literal used by CanonicalName.
	Prefix string `yaml:"prefix"`
	// StripSuffix removes trailing characters found in Suffix from wire names.
	StripSuffix bool `yaml:"strip_suffix"`
	// Suffix is the suffix character set and the literal used by CanonicalName.
	Suffix string `yaml:"suffix"`
	// SubscriberAppName prefixes consumer group names (see SubscriberName).
	SubscriberAppName string `yaml:"subscriber_app_name"`
}

// Defaults returns the convention used by the outbox services: "IntegrationEvent"
// suffix stripped, no prefix.
func Defaults() Config {
	return Config{
		StripSuffix:       true,
		Suffix:            "IntegrationEvent",
		SubscriberAppName: "xevent",
	}
}

// Validate rejects conventions that cannot produce stable consumer groups.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SubscriberAppName) == "" {
		return errors.New("config: subscriber_app_name required")
	}
	if c.StripPrefix && c.Prefix == "" {
		return errors.New("config: prefix required when strip_prefix is set")
	}
	if c.StripSuffix && c.Suffix == "" {
		return errors.New("config: suffix required when strip_suffix is set")
	}
	return nil
}

// TopicFor returns the transport topic for a wire event name. Publishers and
// subscribers both derive it from the logical name so decoration never splits a topic.
func (c Config) TopicFor(wireName string) string {
	return Normalize(wireName, c)
}

// ConfigFromMap builds a Config from a generic map, falling back to Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	if v, ok := m["strip_prefix"].(bool); ok {
		c.StripPrefix = v
	}
	if v, ok := m["prefix"].(string); ok {
		c.Prefix = v
	}
	if v, ok := m["strip_suffix"].(bool); ok {
		c.StripSuffix = v
	}
	if v, ok := m["suffix"].(string); ok {
		c.Suffix = v
	}
	if v, ok := m["subscriber_app_name"].(string); ok && v != "" {
		c.SubscriberAppName = v
	}
	return c
}

// ToMap is the inverse of ConfigFromMap.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"strip_prefix":        c.StripPrefix,
		"prefix":              c.Prefix,
		"strip_suffix":        c.StripSuffix,
		"suffix":              c.Suffix,
		"subscriber_app_name": c.SubscriberAppName,
	}
}
