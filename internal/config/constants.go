package config

import "time"

// Application constants
const (
	AppName = "licensegate"
	Version = "1.4.0"

	// SidecarSuffix is appended to the executable path to locate the
	// development side-car license file.
	SidecarSuffix = ".config"

	// RuntimeConfigFile is looked up next to the executable
	RuntimeConfigFile = "licensegate.yaml"

	// GraceFileSuffix names the persisted grace anchor next to the executable
	GraceFileSuffix = ".grace"

	// VerifyPath is appended to server_url unless already present
	VerifyPath = "/api/v1/verify"

	// DefaultKillGrace is the SIGTERM to SIGKILL escalation window
	DefaultKillGrace = 2 * time.Second
)

// ExpectedBinaryHash is the SHA-256 of the released supervisor, stamped at
// link time with -ldflags "-X licensegate/internal/config.ExpectedBinaryHash=<hex>".
var ExpectedBinaryHash string

// Supervisor exit codes. A completed run exits with the child's own code.
const (
	ExitDenied       = 77
	ExitConfig       = 78
	ExitSpawnFailure = 71
)
