package xevent

import "strings"

// Normalize maps a raw wire event name to its logical name.
//
// Prefix and Suffix are character sets, not literals: with StripPrefix every
// leading rune found in Prefix is removed, with StripSuffix every trailing rune
// found in Suffix is removed. The result is stable under repeated application.
func Normalize(raw string, cfg Config) string {
	name := raw
	if cfg.StripPrefix && cfg.Prefix != "" {
		name = strings.TrimLeft(name, cfg.Prefix)
	}
	if cfg.StripSuffix && cfg.Suffix != "" {
		name = strings.TrimRight(name, cfg.Suffix)
	}
	return name
}

// SubscriberName returns "{SubscriberAppName}.{logical name}", the consumer group
// used at the transport layer. It plays no part in in-process routing.
func SubscriberName(raw string, cfg Config) string {
	return cfg.SubscriberAppName + "." + Normalize(raw, cfg)
}

// CanonicalName re-applies the configured prefix and suffix to a logical name.
func CanonicalName(logical string, cfg Config) string {
	return cfg.Prefix + logical + cfg.Suffix
}
