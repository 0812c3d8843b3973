// Package config loads the idempotency subsystem's configuration
// (spec §6 "Configuration (recognised options)") from YAML, in the
// strict-decode style of roach88-nysm/brutalist's harness.Scenario
// loader.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"quantumlife-idempotency/internal/manager"
	"quantumlife-idempotency/internal/middleware"
	"quantumlife-idempotency/pkg/events"
	"quantumlife-idempotency/pkg/idkey"
)

// Duration wraps time.Duration so it can be written as "30s"/"24h" in
// YAML; yaml.v3 has no built-in time.Duration support.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ExcludePath excludes requests whose path matches Prefix or Regex from
// idempotency handling (spec §6 excludePaths).
type ExcludePath struct {
	Prefix string `yaml:"prefix,omitempty"`
	Regex  string `yaml:"regex,omitempty"`
}

// Config is the full options table of spec §6.
type Config struct {
	DefaultTTL         Duration          `yaml:"defaultTtl"`
	LockTimeout        Duration          `yaml:"lockTimeout"`
	MaxResponseSize    int               `yaml:"maxResponseSize"`
	MaxKeyLength       int               `yaml:"maxKeyLength"`
	KeyPrefix          string            `yaml:"keyPrefix"`
	FingerprintHeaders []string          `yaml:"fingerprintHeaders"`
	Methods            []string          `yaml:"methods"`
	ExcludePaths       []ExcludePath     `yaml:"excludePaths"`
	RequireKey         bool              `yaml:"requireKey"`
	ConcurrentRequestHandling string     `yaml:"concurrentRequestHandling"`
	MaxWaitTime        Duration          `yaml:"maxWaitTime"`
	RetryInterval      Duration          `yaml:"retryInterval"`
	CleanupInterval    Duration          `yaml:"cleanupInterval"`
	MaxRecords         int               `yaml:"maxRecords"`
	KeyHeader          string            `yaml:"keyHeader"`
	ReplayHeader       string            `yaml:"replayHeader"`
}

// Default returns the spec §6 defaults.
func Default() Config {
	return Config{
		DefaultTTL:                Duration(24 * time.Hour),
		LockTimeout:               Duration(30 * time.Second),
		MaxResponseSize:           1024 * 1024,
		MaxKeyLength:              idkey.DefaultMaxKeyLength,
		Methods:                   []string{"POST", "PUT", "PATCH"},
		ConcurrentRequestHandling: "reject",
		MaxWaitTime:               Duration(30 * time.Second),
		RetryInterval:             Duration(200 * time.Millisecond),
		MaxRecords:                0,
		KeyHeader:                 "Idempotency-Key",
		ReplayHeader:              "Idempotency-Replayed",
	}
}

// Load reads and strictly decodes a YAML config file, rejecting unknown
// fields (catches typos the way scenario.go's decoder.KnownFields(true)
// does), then validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks field-level invariants not already enforced by the
// YAML schema.
func (c Config) Validate() error {
	if c.ConcurrentRequestHandling != "" && c.ConcurrentRequestHandling != "reject" && c.ConcurrentRequestHandling != "wait" {
		return fmt.Errorf("concurrentRequestHandling must be %q or %q, got %q", "reject", "wait", c.ConcurrentRequestHandling)
	}
	if c.MaxKeyLength < 0 {
		return fmt.Errorf("maxKeyLength must be non-negative")
	}
	for i, ep := range c.ExcludePaths {
		if ep.Prefix == "" && ep.Regex == "" {
			return fmt.Errorf("excludePaths[%d]: prefix or regex is required", i)
		}
		if ep.Regex != "" {
			if _, err := regexp.Compile(ep.Regex); err != nil {
				return fmt.Errorf("excludePaths[%d]: invalid regex: %w", i, err)
			}
		}
	}
	return nil
}

// ManagerConfig converts to the internal/manager options this config
// governs, using emitter for lifecycle events (NoopEmitter if nil).
func (c Config) ManagerConfig(emitter events.Emitter) manager.Config {
	mc := manager.DefaultConfig()
	if c.DefaultTTL > 0 {
		mc.DefaultTTL = time.Duration(c.DefaultTTL)
	}
	if c.LockTimeout > 0 {
		mc.LockTimeout = time.Duration(c.LockTimeout)
	}
	if c.MaxResponseSize > 0 {
		mc.MaxResponseSize = c.MaxResponseSize
	}
	if emitter != nil {
		mc.Emitter = emitter
	}
	return mc
}

// MiddlewareConfig converts to the internal/middleware options this
// config governs.
func (c Config) MiddlewareConfig() middleware.Config {
	mode := middleware.ModeReject
	if c.ConcurrentRequestHandling == "wait" {
		mode = middleware.ModeWait
	}

	var rules []middleware.PathRule
	for _, ep := range c.ExcludePaths {
		rule := middleware.PathRule{Prefix: ep.Prefix}
		if ep.Regex != "" {
			rule.Regex = regexp.MustCompile(ep.Regex)
		}
		rules = append(rules, rule)
	}

	return middleware.Config{
		KeyHeader:          c.KeyHeader,
		ReplayHeader:       c.ReplayHeader,
		Methods:            c.Methods,
		ExcludePaths:       rules,
		RequireKey:         c.RequireKey,
		FingerprintHeaders: c.FingerprintHeaders,
		KeyPrefix:          c.KeyPrefix,
		MaxKeyLength:       c.MaxKeyLength,
		ConcurrentMode:     mode,
		MaxWaitTime:        time.Duration(c.MaxWaitTime),
		RetryInterval:      time.Duration(c.RetryInterval),
	}
}
