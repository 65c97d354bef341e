// Package config holds the wordls server configuration: built-in defaults,
// an optional YAML file and WORDLS_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxFileBytes bounds the size of a config file.
const maxFileBytes = 1 << 20

const (
	SyncIncremental = "incremental"
	SyncFull        = "full"
)

type Config struct {
	// Dictionary is the word list file, one completion candidate per line.
	Dictionary string `yaml:"dictionary"`

	// Listen serves a single TCP connection on this address instead of stdio.
	Listen string `yaml:"listen"`

	Sync              string           `yaml:"sync"`
	TriggerCharacters []string         `yaml:"triggerCharacters"`
	Completion        CompletionConfig `yaml:"completion"`

	// MaxContentLength bounds a single incoming message body in bytes.
	MaxContentLength int `yaml:"maxContentLength"`

	Log LogConfig `yaml:"log"`

	// MetricsAddr exposes Prometheus metrics over HTTP when set.
	MetricsAddr string `yaml:"metricsAddr"`
}

type CompletionConfig struct {
	Limit      int  `yaml:"limit"`
	WordPrefix bool `yaml:"wordPrefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Dictionary:        "/tmp/keywords.dict",
		Sync:              SyncIncremental,
		TriggerCharacters: []string{"."},
		Completion:        CompletionConfig{Limit: 100},
		MaxContentLength:  32 << 20,
		Log:               LogConfig{Level: "info", Format: "console"},
	}
}

// Load returns the defaults overlaid with the YAML file at path (when path
// is non-empty) and then the environment, validated. Unknown keys in the
// file are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return err
	}
	if len(data) > maxFileBytes {
		return fmt.Errorf("%s is larger than %d bytes", path, maxFileBytes)
	}
	return Parse(data, cfg)
}

// Parse decodes YAML data over cfg. Keys absent from data keep their
// current values.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("WORDLS_DICTIONARY"); v != "" {
		cfg.Dictionary = v
	}
	if v := os.Getenv("WORDLS_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("WORDLS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WORDLS_COMPLETION_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Completion.Limit = n
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Sync {
	case SyncIncremental, SyncFull:
	default:
		return fmt.Errorf("sync must be %q or %q, got %q", SyncIncremental, SyncFull, c.Sync)
	}
	if c.Completion.Limit < 1 || c.Completion.Limit > 100 {
		return fmt.Errorf("completion.limit must be between 1 and 100, got %d", c.Completion.Limit)
	}
	for _, tc := range c.TriggerCharacters {
		if tc == "" {
			return errors.New("triggerCharacters must not contain empty strings")
		}
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("maxContentLength must be positive, got %d", c.MaxContentLength)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// FullSync reports whether documents are synchronized by full content.
func (c *Config) FullSync() bool { return c.Sync == SyncFull }
