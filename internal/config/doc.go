// Package config provides the supervisor's two configuration layers.
//
// # License configuration
//
// LicenseConfig is the license payload patched into the supervisor's
// binary image (or, in development builds, read from a side-car file).
// It is validated with go-playground/validator and never changes for the
// lifetime of the process:
//
//	lc, err := config.ParseLicenseConfig(data)
//
// # Runtime configuration
//
// Config carries operational knobs that are not part of the license:
// logging, verification timeouts, telemetry exporters. Sources, in order
// of precedence:
//
//  1. Environment variables (LICENSEGATE_*)
//  2. licensegate.yaml next to the executable
//  3. Default()
//
// For example:
//
//	LICENSEGATE_LOGGING_LEVEL=debug
//	LICENSEGATE_VERIFY_REQUEST_TIMEOUT=5s
//	LICENSEGATE_TELEMETRY_METRIC_EXPORTER=prometheus
//
// Keys that weaken enforcement (state.grace_file, security.anti_debug,
// security.expected_hash, verify.skew_window) are only honoured in builds
// tagged dev. Production builds reset them and list them in
// Config.IgnoredOverrides. The expected hash of a release is stamped into
// ExpectedBinaryHash at link time.
//
// # Paths
//
// Paths resolves every file location relative to the executable. The grace
// anchor is additionally mirrored under the user's config directory:
//
//	paths, err := config.GetPaths()
//	base := paths.ResolveBaseBinary(lc.BaseBinaryPath)
package config
