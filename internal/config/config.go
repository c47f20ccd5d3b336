package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces all runtime environment variables
const EnvPrefix = "LICENSEGATE"

// Config holds the supervisor's runtime settings. License data is not part
// of it; see LicenseConfig.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Verify    VerifyConfig    `yaml:"verify" envconfig:"VERIFY"`
	Process   ProcessConfig   `yaml:"process" envconfig:"PROCESS"`
	State     StateConfig     `yaml:"state" envconfig:"STATE"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`

	// IgnoredOverrides lists the security keys a production build reset to
	// their defaults after the file and environment overlay
	IgnoredOverrides []string `yaml:"-" ignored:"true"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// VerifyConfig tunes the verification round trip
type VerifyConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxRetries     int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	RetryWaitMin   time.Duration `yaml:"retry_wait_min" envconfig:"RETRY_WAIT_MIN"`
	RetryWaitMax   time.Duration `yaml:"retry_wait_max" envconfig:"RETRY_WAIT_MAX"`
	TotalBudget    time.Duration `yaml:"total_budget" envconfig:"TOTAL_BUDGET"`
	SkewWindow     time.Duration `yaml:"skew_window" envconfig:"SKEW_WINDOW"`
	UserAgent      string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
}

// ProcessConfig controls the base binary's lifecycle
type ProcessConfig struct {
	TerminateGrace   time.Duration `yaml:"terminate_grace" envconfig:"TERMINATE_GRACE"`
	MinCheckInterval time.Duration `yaml:"min_check_interval" envconfig:"MIN_CHECK_INTERVAL"`
}

// StateConfig locates the persisted grace anchor. An empty path means
// "next to the executable".
type StateConfig struct {
	GraceFile string `yaml:"grace_file" envconfig:"GRACE_FILE"`
}

// TelemetryConfig selects OpenTelemetry exporters
type TelemetryConfig struct {
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	MetricsAddr    string  `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
}

// SecurityConfig toggles the integrity check
type SecurityConfig struct {
	AntiDebug    bool   `yaml:"anti_debug" envconfig:"ANTI_DEBUG"`
	ExpectedHash string `yaml:"expected_hash" envconfig:"EXPECTED_HASH"`
}

// Load builds the runtime configuration. Defaults are overlaid by the YAML
// file (when configFile exists) and then by LICENSEGATE_* variables.
// Outside dev builds the security keys (state.grace_file,
// security.anti_debug, security.expected_hash, verify.skew_window) keep
// their defaults whatever the overlay says.
func Load(configFile string) (*Config, error) {
	return load(configFile, SecurityOverridesAllowed)
}

func load(configFile string, allowSecurityOverrides bool) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			if err := loadFromFile(configFile, cfg); err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if !allowSecurityOverrides {
		cfg.IgnoredOverrides = cfg.resetSecurityKeys()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// resetSecurityKeys restores the defaults of every key that can weaken
// enforcement and returns the names of those that had been changed
func (c *Config) resetSecurityKeys() []string {
	def := Default()
	var reset []string
	if c.State.GraceFile != def.State.GraceFile {
		c.State.GraceFile = def.State.GraceFile
		reset = append(reset, "state.grace_file")
	}
	if c.Security.AntiDebug != def.Security.AntiDebug {
		c.Security.AntiDebug = def.Security.AntiDebug
		reset = append(reset, "security.anti_debug")
	}
	if c.Security.ExpectedHash != def.Security.ExpectedHash {
		c.Security.ExpectedHash = def.Security.ExpectedHash
		reset = append(reset, "security.expected_hash")
	}
	if c.Verify.SkewWindow != def.Verify.SkewWindow {
		c.Verify.SkewWindow = def.Verify.SkewWindow
		reset = append(reset, "verify.skew_window")
	}
	return reset
}

// loadFromFile overlays YAML settings onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks and normalizes the configuration
func (c *Config) Validate() error {
	if c.Verify.RequestTimeout <= 0 {
		return fmt.Errorf("verify request timeout must be positive")
	}
	if c.Verify.MaxRetries < 0 {
		return fmt.Errorf("verify max retries must not be negative: %d", c.Verify.MaxRetries)
	}
	if c.Verify.RetryWaitMin <= 0 || c.Verify.RetryWaitMax < c.Verify.RetryWaitMin {
		return fmt.Errorf("invalid retry wait bounds: min=%s max=%s", c.Verify.RetryWaitMin, c.Verify.RetryWaitMax)
	}
	if c.Verify.TotalBudget < c.Verify.RequestTimeout {
		return fmt.Errorf("verify total budget %s is shorter than request timeout %s",
			c.Verify.TotalBudget, c.Verify.RequestTimeout)
	}
	if c.Verify.SkewWindow < 0 {
		return fmt.Errorf("verify skew window must not be negative")
	}
	if c.Process.TerminateGrace < 0 {
		return fmt.Errorf("terminate grace must not be negative")
	}
	if c.Process.MinCheckInterval <= 0 {
		c.Process.MinCheckInterval = time.Second
	}

	switch strings.ToLower(c.Logging.Output) {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output: %q", c.Logging.Output)
	}
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	switch c.Telemetry.TraceExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("unsupported trace exporter: %s", c.Telemetry.TraceExporter)
	}
	switch c.Telemetry.MetricExporter {
	case "none", "prometheus":
	default:
		return fmt.Errorf("unsupported metric exporter: %s", c.Telemetry.MetricExporter)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be within [0,1]: %v", c.Telemetry.SampleRatio)
	}

	c.Security.ExpectedHash = strings.ToLower(strings.TrimSpace(c.Security.ExpectedHash))
	if c.Security.ExpectedHash != "" {
		if err := ValidateExpectedHash(c.Security.ExpectedHash); err != nil {
			return err
		}
	}

	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/licensegate.log",
		},
		Verify: VerifyConfig{
			RequestTimeout: 10 * time.Second,
			MaxRetries:     4,
			RetryWaitMin:   1 * time.Second,
			RetryWaitMax:   8 * time.Second,
			TotalBudget:    60 * time.Second,
			SkewWindow:     10 * time.Minute,
			UserAgent:      "licensegate/" + Version,
			MaxBodyBytes:   64 * 1024,
		},
		Process: ProcessConfig{
			TerminateGrace:   2 * time.Second,
			MinCheckInterval: 1 * time.Second,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
			SampleRatio:    1.0,
			Environment:    "production",
		},
		Security: SecurityConfig{
			AntiDebug:    true,
			ExpectedHash: ExpectedBinaryHash,
		},
	}
}

// ValidateExpectedHash checks that s is a hex SHA-256 digest
func ValidateExpectedHash(s string) error {
	if len(s) != sha256.Size*2 {
		return fmt.Errorf("expected hash must be %d hex characters, got %d", sha256.Size*2, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("expected hash must be valid hex: %w", err)
	}
	return nil
}
