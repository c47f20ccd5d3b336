package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad tests the Load function with various scenarios
func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with no file or env",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "console", cfg.Logging.Output)
				assert.Equal(t, 10*time.Second, cfg.Verify.RequestTimeout)
				assert.Equal(t, 4, cfg.Verify.MaxRetries)
				assert.Equal(t, 2*time.Second, cfg.Process.TerminateGrace)
				assert.Equal(t, "none", cfg.Telemetry.MetricExporter)
				assert.True(t, cfg.Security.AntiDebug)
			},
		},
		{
			name: "yaml file overrides defaults",
			file: `
logging:
  level: debug
verify:
  request_timeout: 3s
  max_retries: 2
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.Equal(t, 3*time.Second, cfg.Verify.RequestTimeout)
				assert.Equal(t, 2, cfg.Verify.MaxRetries)
				// untouched sections keep defaults
				assert.Equal(t, 8*time.Second, cfg.Verify.RetryWaitMax)
			},
		},
		{
			name: "env overrides file",
			file: `
logging:
  level: debug
`,
			env: map[string]string{
				"LICENSEGATE_LOGGING_LEVEL":           "warn",
				"LICENSEGATE_VERIFY_MAX_RETRIES":      "1",
				"LICENSEGATE_PROCESS_TERMINATE_GRACE": "500ms",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "warn", cfg.Logging.Level)
				assert.Equal(t, 1, cfg.Verify.MaxRetries)
				assert.Equal(t, 500*time.Millisecond, cfg.Process.TerminateGrace)
				assert.Empty(t, cfg.IgnoredOverrides)
			},
		},
		{
			name:    "invalid output rejected",
			env:     map[string]string{"LICENSEGATE_LOGGING_OUTPUT": "syslog"},
			wantErr: true,
		},
		{
			name:    "budget shorter than request timeout",
			env:     map[string]string{"LICENSEGATE_VERIFY_TOTAL_BUDGET": "1s"},
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			file:    "verify: [unclosed",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), RuntimeConfigFile)
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0600))
			}

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validateCfg(t, cfg)
		})
	}
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Verify, cfg.Verify)
}

func TestValidate_NormalizesFormatAndInterval(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "text"
	cfg.Process.MinCheckInterval = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, time.Second, cfg.Process.MinCheckInterval)
}

func TestValidate_Exporters(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.TraceExporter = "otlp"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Telemetry.MetricExporter = "statsd"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Telemetry.SampleRatio = 1.5
	assert.Error(t, cfg.Validate())
}

const securityOverlay = `
state:
  grace_file: /tmp/fresh.grace
security:
  anti_debug: false
verify:
  skew_window: 0s
`

func TestLoad_ProductionKeepsSecurityDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), RuntimeConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(securityOverlay), 0600))
	t.Setenv("LICENSEGATE_SECURITY_EXPECTED_HASH", strings.Repeat("ab", 32))

	cfg, err := load(path, false)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.State.GraceFile, cfg.State.GraceFile)
	assert.True(t, cfg.Security.AntiDebug)
	assert.Equal(t, def.Security.ExpectedHash, cfg.Security.ExpectedHash)
	assert.Equal(t, def.Verify.SkewWindow, cfg.Verify.SkewWindow)
	assert.ElementsMatch(t, []string{
		"state.grace_file", "security.anti_debug", "security.expected_hash", "verify.skew_window",
	}, cfg.IgnoredOverrides)
}

func TestLoad_DevelopmentHonoursSecurityKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), RuntimeConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(securityOverlay), 0600))

	cfg, err := load(path, true)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/fresh.grace", cfg.State.GraceFile)
	assert.False(t, cfg.Security.AntiDebug)
	assert.Zero(t, cfg.Verify.SkewWindow)
	assert.Empty(t, cfg.IgnoredOverrides)
}

func TestValidate_ExpectedHash(t *testing.T) {
	cfg := Default()
	cfg.Security.ExpectedHash = "  " + strings.Repeat("AB", 32) + "\n"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, strings.Repeat("ab", 32), cfg.Security.ExpectedHash, "normalized")

	for _, bad := range []string{"abc", strings.Repeat("zz", 32), strings.Repeat("ab", 33)} {
		cfg := Default()
		cfg.Security.ExpectedHash = bad
		assert.Error(t, cfg.Validate(), bad)
	}

	cfg = Default()
	cfg.Verify.SkewWindow = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestLoad_DevelopmentRejectsMalformedExpectedHash(t *testing.T) {
	t.Setenv("LICENSEGATE_SECURITY_EXPECTED_HASH", "sha256:deadbeef")

	_, err := load("", true)
	assert.ErrorContains(t, err, "expected hash")
}
