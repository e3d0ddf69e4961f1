// Package config loads and validates cidrsweep configuration.
//
// Configuration is read from a YAML (or JSON) file over built-in defaults,
// then adjusted by environment variables and command-line overrides.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/cidrsweep/internal/errors"
	"github.com/anstrom/cidrsweep/internal/logging"
)

// PortEnv overrides the API port, as container platforms expect.
const PortEnv = "PORT"

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete configuration
type Config struct {
	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Reverse DNS lookups for found hosts
	Resolver ResolverConfig `yaml:"resolver" json:"resolver"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Recurring sweeps run by the server
	Schedules []ScheduleConfig `yaml:"schedules" json:"schedules" validate:"dive"`
}

// ScanningConfig holds scanning-related settings
type ScanningConfig struct {
	// Number of probes issued together in one batch
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"min=1,max=65536"`

	// TCP handshake timeout per probe
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout" validate:"gt=0"`

	// Port used when a request does not name one
	DefaultPort int `yaml:"default_port" json:"default_port" validate:"min=1,max=65535"`

	// Ports offered to interactive clients
	PresetPorts []int `yaml:"preset_ports" json:"preset_ports" validate:"dive,min=1,max=65535"`

	// Found-count interval for progress milestones, 0 disables them
	ProgressEvery int `yaml:"progress_every" json:"progress_every" validate:"min=0"`

	// Largest allowed range in host bits, 0 disables the limit
	MaxRangeBits int `yaml:"max_range_bits" json:"max_range_bits" validate:"min=0,max=128"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port" validate:"min=1,max=65535"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"min=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"min=0"`

	// Maximum request body size in bytes
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size" validate:"min=1"`

	// Sweeps the API runs at once, each holding up to batch_size sockets.
	// 0 removes the limit.
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans" validate:"min=0"`

	CORS CORSConfig `yaml:"cors" json:"cors"`

	// bcrypt hashes of accepted API keys. Empty disables authentication.
	APIKeys []string `yaml:"api_keys" json:"-" validate:"dive,required"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// ResolverConfig holds reverse lookup settings
type ResolverConfig struct {
	// DNS server as host:port. Empty means the first nameserver from
	// /etc/resolv.conf.
	Server  string        `yaml:"server" json:"server" validate:"omitempty,hostname_port"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

// ScheduleConfig describes a recurring sweep.
type ScheduleConfig struct {
	Name      string   `yaml:"name" json:"name" validate:"required"`
	Cron      string   `yaml:"cron" json:"cron" validate:"required"`
	Ranges    []string `yaml:"ranges" json:"ranges" validate:"required,min=1,dive,required"`
	Port      int      `yaml:"port" json:"port" validate:"min=1,max=65535"`
	OutputDir string   `yaml:"output_dir" json:"output_dir" validate:"required"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			BatchSize:     150,
			ProbeTimeout:  time.Second,
			DefaultPort:   8080,
			PresetPorts:   []int{8080, 80, 443},
			ProgressEvery: 50,
			MaxRangeBits:  32,
		},
		API: APIConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   0, // scan streams can run for minutes
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB

			MaxConcurrentScans: 4,

			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
			},
		},
		Resolver: ResolverConfig{
			Timeout: 2 * time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		if err := config.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if stderrors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	// JSON is a subset of YAML, one decoder serves both.
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config file %s", filepath.Base(path)), err)
	}
	return nil
}

// ApplyEnv applies environment overrides using lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(PortEnv); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.ErrConfigInvalid(PortEnv, v)
		}
		c.API.Port = port
	}
	return nil
}

// Overrides is the subset of viper used to apply flag and environment
// overrides.
type Overrides interface {
	IsSet(key string) bool
	GetInt(key string) int
	GetString(key string) string
	GetDuration(key string) time.Duration
}

// ApplyOverrides copies every key set in o onto the configuration. Keys use
// the dotted YAML names, e.g. "scanning.batch_size".
func (c *Config) ApplyOverrides(o Overrides) {
	ints := map[string]*int{
		"scanning.batch_size":      &c.Scanning.BatchSize,
		"scanning.default_port":    &c.Scanning.DefaultPort,
		"scanning.progress_every":  &c.Scanning.ProgressEvery,
		"scanning.max_range_bits":  &c.Scanning.MaxRangeBits,
		"api.port":                 &c.API.Port,
		"api.max_concurrent_scans": &c.API.MaxConcurrentScans,
	}
	for key, dst := range ints {
		if o.IsSet(key) {
			*dst = o.GetInt(key)
		}
	}

	durations := map[string]*time.Duration{
		"scanning.probe_timeout": &c.Scanning.ProbeTimeout,
		"resolver.timeout":       &c.Resolver.Timeout,
	}
	for key, dst := range durations {
		if o.IsSet(key) {
			*dst = o.GetDuration(key)
		}
	}

	strs := map[string]*string{
		"api.host":        &c.API.Host,
		"resolver.server": &c.Resolver.Server,
		"logging.output":  &c.Logging.Output,
	}
	for key, dst := range strs {
		if o.IsSet(key) {
			*dst = o.GetString(key)
		}
	}

	if o.IsSet("logging.level") {
		c.Logging.Level = logging.LogLevel(o.GetString("logging.level"))
	}
	if o.IsSet("logging.format") {
		c.Logging.Format = logging.LogFormat(o.GetString("logging.format"))
	}
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return errors.WrapConfigError(errors.CodeFileWrite, "failed to create config directory", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to marshal config", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return errors.WrapConfigError(errors.CodeFileWrite, "failed to write config file", err)
	}
	return nil
}

var validate = validator.New()

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.ErrConfigInvalid(fe.Namespace(), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.API.Enabled && c.API.Host == "" {
		return errors.ErrConfigMissing("api.host")
	}

	switch c.Logging.Level {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case logging.FormatText, logging.FormatJSON:
	default:
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	names := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if names[s.Name] {
			return errors.ErrConfigInvalid(field+".name", s.Name)
		}
		names[s.Name] = true
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return &errors.ConfigError{
				Code:    errors.CodeValidation,
				Message: "invalid cron expression",
				Field:   field + ".cron",
				Value:   s.Cron,
				Cause:   err,
			}
		}
	}

	return nil
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// AuthEnabled reports whether API keys are configured.
func (c *Config) AuthEnabled() bool {
	return len(c.API.APIKeys) > 0
}
