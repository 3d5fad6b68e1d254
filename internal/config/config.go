// Package config loads the scheduler's YAML configuration and watches it for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"

	"taskscheduler/internal/domain"
)

type Config struct {
	Addr           string         `yaml:"addr"`
	DB             string         `yaml:"db"`
	BusyTimeout    string         `yaml:"busy_timeout"`
	Workers        int            `yaml:"workers"`
	RetryDelay     string         `yaml:"retry_delay"`
	DefaultTimeout string         `yaml:"default_timeout"`
	Timezone       string         `yaml:"timezone"`
	Debug          bool           `yaml:"debug"`
	Log            LogConfig      `yaml:"log"`
	Categories     map[string]int `yaml:"categories"`
	Handlers       HandlerConfig  `yaml:"handlers"`

	// Parsed forms, filled by Validate.
	BusyTimeoutDur    time.Duration  `yaml:"-"`
	RetryDelayDur     time.Duration  `yaml:"-"`
	DefaultTimeoutDur time.Duration  `yaml:"-"`
	SleepDefaultDur   time.Duration  `yaml:"-"`
	Location          *time.Location `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type HandlerConfig struct {
	Shell        bool   `yaml:"shell"`
	HTTP         bool   `yaml:"http"`
	SleepDefault string `yaml:"sleep_default"`
}

func Default() *Config {
	return &Config{
		Addr:        ":8080",
		DB:          "taskscheduler.db",
		BusyTimeout: "5s",
		Workers:     8,
		RetryDelay:  "1m",
		Timezone:    "Local",
		Log:         LogConfig{Level: "info", Format: "console"},
		Handlers:    HandlerConfig{Shell: true, HTTP: true},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("yaml decode: %w", err)
	}
	return nil
}

// Validate checks every field and fills the parsed forms.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.DB) == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	for name, max := range c.Categories {
		if max < 1 {
			errs = append(errs, fmt.Errorf("categories.%s: max concurrency must be at least 1, got %d", name, max))
		}
	}
	var err error
	if c.BusyTimeoutDur, err = ParseDurationOrDefault("busy_timeout", c.BusyTimeout, 5*time.Second); err != nil {
		errs = append(errs, err)
	}
	if c.RetryDelayDur, err = ParseDurationOrDefault("retry_delay", c.RetryDelay, time.Minute); err != nil {
		errs = append(errs, err)
	}
	if c.DefaultTimeoutDur, err = ParseDurationField("default_timeout", c.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.SleepDefaultDur, err = ParseDurationField("handlers.sleep_default", c.Handlers.SleepDefault); err != nil {
		errs = append(errs, err)
	}
	if c.Location, err = time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: want console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Limits returns the known category limits with configured overrides applied.
func (c *Config) Limits() map[domain.Category]int {
	limits := domain.KnownCategories()
	for name, max := range c.Categories {
		limits[domain.NormalizeCategory(name)] = max
	}
	return limits
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
