// Package config loads the YAML job configuration and overlays connection
// settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/histdata/internal/adapter"
	"github.com/sawpanic/histdata/internal/net/retry"
)

// ConfigError is fatal: the process cannot start without a usable config.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return "config: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// APIConfig describes the vendor endpoint. The key itself is never stored
// in the file, only the env var naming it.
type APIConfig struct {
	KeyEnvVar      string  `yaml:"key_env_var"`
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds float64 `yaml:"timeout"`
	RateRPS        float64 `yaml:"rate_rps"`
	RateBurst      int     `yaml:"rate_burst"`
}

// DatabaseConfig holds connection parts; TIMESCALEDB_* env vars override
// each field.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RetryConfig mirrors the YAML retry_policy block, delays in seconds.
type RetryConfig struct {
	MaxRetries         int     `yaml:"max_retries"`
	BaseDelaySeconds   float64 `yaml:"base_delay"`
	MaxDelaySeconds    float64 `yaml:"max_delay"`
	Multiplier         float64 `yaml:"backoff_multiplier"`
	RetryOnStatusCodes []int   `yaml:"retry_on_status_codes"`
	RespectRetryAfter  bool    `yaml:"respect_retry_after"`
}

// Policy converts the YAML block into the runtime retry policy. Missing
// fields take the defaults.
func (c RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.MaxRetries > 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.BaseDelaySeconds > 0 {
		p.BaseDelay = time.Duration(c.BaseDelaySeconds * float64(time.Second))
	}
	if c.MaxDelaySeconds > 0 {
		p.MaxDelay = time.Duration(c.MaxDelaySeconds * float64(time.Second))
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	p.RespectRetryAfter = c.RespectRetryAfter
	return p
}

// TransformationConfig points at the declarative mapping rules.
type TransformationConfig struct {
	MappingConfigPath string `yaml:"mapping_config_path"`
}

// ValidationConfig tunes the validator and quarantine behavior.
type ValidationConfig struct {
	StrictValidation         bool    `yaml:"strict_validation"`
	QuarantineInvalidRecords bool    `yaml:"quarantine_invalid_records"`
	MaxSpreadPct             float64 `yaml:"max_spread_pct"`
}

// Config is the root of the YAML file.
type Config struct {
	API            APIConfig            `yaml:"api"`
	Database       DatabaseConfig       `yaml:"database"`
	Jobs           []adapter.Job        `yaml:"jobs"`
	RetryPolicy    RetryConfig          `yaml:"retry_policy"`
	Transformation TransformationConfig `yaml:"transformation"`
	Validation     ValidationConfig     `yaml:"validation"`
	QuarantineDir  string               `yaml:"quarantine_dir"`
	StateDir       string               `yaml:"state_dir"`
	LogLevel       string               `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		API: APIConfig{
			KeyEnvVar: "DATABENTO_API_KEY",
			BaseURL:   "https://hist.databento.com",
		},
		RetryPolicy: RetryConfig{
			RespectRetryAfter: true,
		},
		Validation: ValidationConfig{
			QuarantineInvalidRecords: true,
		},
		QuarantineDir: "dlq",
		StateDir:      "state/jobs",
	}
}

// Load reads and validates a YAML config file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Msg: "read config file", Err: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Msg: "parse config file", Err: err}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&c.Database.Host, "TIMESCALEDB_HOST")
	overlay(&c.Database.Port, "TIMESCALEDB_PORT")
	overlay(&c.Database.User, "TIMESCALEDB_USER")
	overlay(&c.Database.Password, "TIMESCALEDB_PASSWORD")
	overlay(&c.Database.DBName, "TIMESCALEDB_DBNAME")
	overlay(&c.LogLevel, "LOG_LEVEL")
}

func (c *Config) validate() error {
	if c.API.KeyEnvVar == "" {
		c.API.KeyEnvVar = "DATABENTO_API_KEY"
	}
	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.Name == "" {
			return &ConfigError{Msg: fmt.Sprintf("job %d has no name", i)}
		}
		if seen[job.Name] {
			return &ConfigError{Msg: fmt.Sprintf("duplicate job name %q", job.Name)}
		}
		seen[job.Name] = true
	}
	return nil
}

// APIKey resolves the vendor credential from the configured env var.
func (c *Config) APIKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(c.API.KeyEnvVar))
	if key == "" {
		return "", &ConfigError{Msg: fmt.Sprintf("environment variable %s is not set", c.API.KeyEnvVar)}
	}
	return key, nil
}

// DSN assembles the Postgres connection string.
func (c *Config) DSN() (string, error) {
	d := c.Database
	if d.Host == "" || d.DBName == "" {
		return "", &ConfigError{Msg: "database host and dbname are required (set TIMESCALEDB_HOST and TIMESCALEDB_DBNAME)"}
	}
	if d.Port == "" {
		d.Port = "5432"
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}

	parts := []string{
		"host=" + d.Host,
		"port=" + d.Port,
		"dbname=" + d.DBName,
		"sslmode=" + d.SSLMode,
	}
	if d.User != "" {
		parts = append(parts, "user="+d.User)
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	return strings.Join(parts, " "), nil
}

// JobByName finds a predefined job.
func (c *Config) JobByName(name string) (adapter.Job, error) {
	for _, job := range c.Jobs {
		if job.Name == name {
			return job, nil
		}
	}
	return adapter.Job{}, &ConfigError{Msg: fmt.Sprintf("no job named %q", name)}
}

// APITimeout returns the per-request deadline.
func (c *Config) APITimeout() time.Duration {
	if c.API.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.API.TimeoutSeconds * float64(time.Second))
}
