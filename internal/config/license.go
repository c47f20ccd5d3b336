package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ExecutionMode selects verify-then-run or run-then-verify
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// KillMethod selects what the responder does to the supervisor's own binary
type KillMethod string

const (
	KillStop   KillMethod = "stop"
	KillDelete KillMethod = "delete"
	KillShred  KillMethod = "shred"
)

// Valid reports whether m is a known kill method
func (m KillMethod) Valid() bool {
	switch m {
	case KillStop, KillDelete, KillShred:
		return true
	}
	return false
}

// LicenseConfig is the license payload embedded in the supervisor.
// It is loaded once at start and never mutated. grace_period and
// check_interval_ms are capped at ten years so their durations cannot
// overflow.
type LicenseConfig struct {
	LicenseID       string        `json:"license_id" validate:"required"`
	ServerURL       string        `json:"server_url" validate:"required,url,httpurl"`
	SharedSecret    string        `json:"shared_secret" validate:"required"`
	ExecutionMode   ExecutionMode `json:"execution_mode" validate:"required,oneof=sync async"`
	SelfDestruct    *bool         `json:"self_destruct" validate:"required"`
	GracePeriod     *int64        `json:"grace_period" validate:"required,gte=0,lte=315360000"`
	BaseBinaryPath  string        `json:"base_binary_path" validate:"required"`
	LogLevel        string        `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	KillMethod      KillMethod    `json:"kill_method,omitempty" validate:"omitempty,oneof=stop delete shred"`
	CheckIntervalMS int64         `json:"check_interval_ms,omitempty" validate:"gte=0,lte=315360000000"`
}

var (
	licenseValidator     *validator.Validate
	licenseValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	licenseValidatorOnce.Do(func() {
		v := validator.New()

		// Use JSON tag names in error messages
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		v.RegisterValidation("httpurl", isHTTPURL)
		licenseValidator = v
	})
	return licenseValidator
}

// isHTTPURL restricts server_url to http and https
func isHTTPURL(fl validator.FieldLevel) bool {
	s := strings.ToLower(fl.Field().String())
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ParseLicenseConfig decodes and validates a license document
func ParseLicenseConfig(data []byte) (*LicenseConfig, error) {
	var lc LicenseConfig
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&lc); err != nil {
		return nil, fmt.Errorf("decode license document: %w", err)
	}
	// Anything after the document other than whitespace means corruption
	if dec.More() {
		return nil, fmt.Errorf("decode license document: trailing data after document")
	}
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	return &lc, nil
}

// Validate checks required fields and value ranges
func (lc *LicenseConfig) Validate() error {
	if err := getValidator().Struct(lc); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid license fields: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("license validation: %w", err)
	}
	if strings.TrimSpace(lc.LicenseID) == "" || strings.TrimSpace(lc.BaseBinaryPath) == "" {
		return fmt.Errorf("invalid license fields: blank value")
	}
	return nil
}

// SelfDestructEnabled returns the self_destruct flag
func (lc *LicenseConfig) SelfDestructEnabled() bool {
	return lc.SelfDestruct != nil && *lc.SelfDestruct
}

// Grace returns grace_period as a duration
func (lc *LicenseConfig) Grace() time.Duration {
	if lc.GracePeriod == nil {
		return 0
	}
	return time.Duration(*lc.GracePeriod) * time.Second
}

// CheckInterval returns check_interval_ms as a duration
func (lc *LicenseConfig) CheckInterval() time.Duration {
	return time.Duration(lc.CheckIntervalMS) * time.Millisecond
}

// EffectiveKillMethod returns kill_method, defaulting to delete
func (lc *LicenseConfig) EffectiveKillMethod() KillMethod {
	if lc.KillMethod == "" {
		return KillDelete
	}
	return lc.KillMethod
}

// LogValue keeps the shared secret out of logs
func (lc LicenseConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("license_id", lc.LicenseID),
		slog.String("server_url", lc.ServerURL),
		slog.String("execution_mode", string(lc.ExecutionMode)),
		slog.Bool("self_destruct", lc.SelfDestructEnabled()),
		slog.Duration("grace_period", lc.Grace()),
		slog.String("base_binary_path", lc.BaseBinaryPath),
		slog.String("kill_method", string(lc.EffectiveKillMethod())),
	)
}

// String keeps the shared secret out of %v formatting
func (lc LicenseConfig) String() string {
	return fmt.Sprintf("LicenseConfig{license_id=%s server_url=%s mode=%s}",
		lc.LicenseID, lc.ServerURL, lc.ExecutionMode)
}
