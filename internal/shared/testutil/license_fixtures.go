package testutil

import (
	"encoding/json"
	"os"
	"testing"

	"licensegate/internal/config"
)

// LicenseOption adjusts a fixture license
type LicenseOption func(*config.LicenseConfig)

// WithMode sets execution_mode
func WithMode(m config.ExecutionMode) LicenseOption {
	return func(lc *config.LicenseConfig) { lc.ExecutionMode = m }
}

// WithGrace sets grace_period in seconds
func WithGrace(seconds int64) LicenseOption {
	return func(lc *config.LicenseConfig) { lc.GracePeriod = &seconds }
}

// WithSelfDestruct sets self_destruct
func WithSelfDestruct(on bool) LicenseOption {
	return func(lc *config.LicenseConfig) { lc.SelfDestruct = &on }
}

// WithServer sets server_url and shared_secret
func WithServer(url, secret string) LicenseOption {
	return func(lc *config.LicenseConfig) {
		lc.ServerURL = url
		lc.SharedSecret = secret
	}
}

// NewLicense returns a valid license: sync mode, no grace, self-destruct on
func NewLicense(id string, opts ...LicenseOption) *config.LicenseConfig {
	sd := true
	grace := int64(0)
	lc := &config.LicenseConfig{
		LicenseID:      id,
		ServerURL:      "https://license.example.com",
		SharedSecret:   "test-shared-secret",
		ExecutionMode:  config.ModeSync,
		SelfDestruct:   &sd,
		GracePeriod:    &grace,
		BaseBinaryPath: "app",
	}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

// LicenseJSON encodes lc as the payload document
func LicenseJSON(t *testing.T, lc *config.LicenseConfig) []byte {
	t.Helper()
	data, err := json.Marshal(lc)
	if err != nil {
		t.Fatalf("marshal license: %v", err)
	}
	return data
}

// WriteLicenseFile writes lc as JSON to path
func WriteLicenseFile(t *testing.T, path string, lc *config.LicenseConfig) {
	t.Helper()
	if err := os.WriteFile(path, LicenseJSON(t, lc), 0o600); err != nil {
		t.Fatalf("write license file: %v", err)
	}
}
