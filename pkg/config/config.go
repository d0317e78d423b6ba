// Package config provides configuration structures and loading logic for the
// Conduit client and the phab-probe CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pdehaan/phab-conduit/pkg/conduit"
)

// Environment variables read by Load. CONDUIT_API_KEY_1 is read when
// CONDUIT_API_TOKEN is unset.
const (
	EnvAPIURL        = "CONDUIT_API_URL"
	EnvAPIToken      = "CONDUIT_API_TOKEN"
	EnvAPITokenProbe = "CONDUIT_API_KEY_1"
	EnvTimeout       = "PHAB_PROBE_TIMEOUT"
	EnvListStyle     = "PHAB_PROBE_LIST_STYLE"
	EnvLogLevel      = "PHAB_PROBE_LOG_LEVEL"
	EnvOTLPEndpoint  = "PHAB_PROBE_OTLP_ENDPOINT"
	EnvOTLPInsecure  = "PHAB_PROBE_OTLP_INSECURE"
	EnvOTLPHeaders   = "PHAB_PROBE_OTLP_HEADERS"
	EnvMetricsAddr   = "PHAB_PROBE_METRICS_ADDR"

	dotEnvName = ".env"
)

// Config holds the global configuration for phab-probe.
type Config struct {
	Conduit   ConduitConfig   `yaml:"conduit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ConduitConfig holds the API endpoint, credentials and client tuning.
type ConduitConfig struct {
	APIURL    string        `yaml:"api_url"`
	APIToken  string        `yaml:"api_token"`
	Timeout   time.Duration `yaml:"timeout"`
	ListStyle string        `yaml:"list_style"`
	UserAgent string        `yaml:"user_agent"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	// Headers are sent with every OTLP export, typically for collector auth.
	Headers            map[string]string `yaml:"headers"`
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// MetricsConfig controls the Prometheus endpoint exposed by long-running commands.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads the optional .env file and YAML configuration file, applies
// environment variable overrides and validates the result.
//
// envFile names a dotenv file to load; when empty, the nearest .env in the
// working directory or one of its parents is used if present. Variables that
// are already set in the process environment are never overwritten.
//
// Missing credentials fail with *conduit.ConfigError.
func Load(path, envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	cfg := &Config{
		Conduit: ConduitConfig{
			Timeout:   conduit.DefaultTimeout,
			ListStyle: conduit.ListIndexed.String(),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "phab-probe",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		return nil
	}

	found, err := findDotEnv()
	if err != nil || found == "" {
		return err
	}
	if err := godotenv.Load(found); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", found, err)
	}
	return nil
}

// findDotEnv walks from the working directory up to the filesystem root and
// returns the first .env file found, or "" when there is none.
func findDotEnv() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to resolve working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, dotEnvName)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv(EnvAPIURL); val != "" {
		cfg.Conduit.APIURL = val
	}
	if val := os.Getenv(EnvAPIToken); val != "" {
		cfg.Conduit.APIToken = val
	} else if val := os.Getenv(EnvAPITokenProbe); val != "" {
		cfg.Conduit.APIToken = val
	}

	if val := os.Getenv(EnvTimeout); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvTimeout, val, err)
		}
		cfg.Conduit.Timeout = d
	}
	if val := os.Getenv(EnvListStyle); val != "" {
		cfg.Conduit.ListStyle = val
	}

	if val := os.Getenv(EnvLogLevel); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv(EnvOTLPEndpoint); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv(EnvOTLPInsecure); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv(EnvOTLPHeaders); val != "" {
		headers, err := parseHeaders(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvOTLPHeaders, err)
		}
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			cfg.Telemetry.Headers[k] = v
		}
	}

	if val := os.Getenv(EnvMetricsAddr); val != "" {
		cfg.Metrics.Address = val
	}

	return nil
}

// CredentialsShadowedByEnvironment lists the conduit credential fields whose
// config file values are replaced by environment variables, including those
// filled from a .env file. Editing those fields in the file has no effect.
func CredentialsShadowedByEnvironment() []string {
	var fields []string
	if os.Getenv(EnvAPIURL) != "" {
		fields = append(fields, "api_url")
	}
	if os.Getenv(EnvAPIToken) != "" || os.Getenv(EnvAPITokenProbe) != "" {
		fields = append(fields, "api_token")
	}
	return fields
}

// parseHeaders reads "key=value,key2=value2" in the OTEL_EXPORTER_OTLP_HEADERS
// format.
func parseHeaders(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("header %q is not key=value", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if err := c.Conduit.Validate(); err != nil {
		return err
	}
	return nil
}

// Validate checks client tuning and credentials. Credential problems are
// reported as *conduit.ConfigError.
func (c *ConduitConfig) Validate() error {
	if c.Timeout < 0 {
		return &conduit.ConfigError{Field: "timeout", Err: fmt.Errorf("must not be negative, got %s", c.Timeout)}
	}
	if _, err := conduit.ParseListStyle(c.ListStyle); err != nil {
		return &conduit.ConfigError{Field: "list_style", Err: err}
	}
	return c.Credentials().Validate()
}

// Credentials returns the API URL and token as client credentials.
func (c *ConduitConfig) Credentials() conduit.Credentials {
	return conduit.Credentials{
		APIURL:   strings.TrimSpace(c.APIURL),
		APIToken: strings.TrimSpace(c.APIToken),
	}
}

// ClientOptions translates the tuning fields into client options.
func (c *ConduitConfig) ClientOptions() []conduit.Option {
	style, err := conduit.ParseListStyle(c.ListStyle)
	if err != nil {
		style = conduit.ListIndexed
	}
	return []conduit.Option{
		conduit.WithTimeout(c.Timeout),
		conduit.WithListStyle(style),
		conduit.WithUserAgent(c.UserAgent),
	}
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
