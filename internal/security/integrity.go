// Package security holds the pre-flight integrity check run before any
// license verification.
package security

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	apperrors "licensegate/internal/errors"
)

// debuggerEnvPrefixes match variables set by the Delve debugger and its
// launchers. Generic names like DEBUG_MODE or GODEBUG never count.
var debuggerEnvPrefixes = []string{
	"DELVE_",
	"DLV_",
}

// Result is the outcome of Check
type Result struct {
	Tampered   bool
	Indicators []string
	ActualHash string
}

// Err returns a classified Unauthorized error when tampering was detected
func (r Result) Err() error {
	if !r.Tampered {
		return nil
	}
	return apperrors.Unauthorized("integrity",
		fmt.Errorf("%w: %s", apperrors.ErrTamperingDetected, strings.Join(r.Indicators, ", ")))
}

// IntegrityChecker looks for an attached debugger and, when an expected
// hash is configured, a modified executable
type IntegrityChecker struct {
	antiDebug    bool
	expectedHash string
	binaryPath   string

	environ  func() []string
	procRoot string
	goos     string
	logger   *slog.Logger
}

// NewIntegrityChecker creates a checker for the binary at binaryPath
func NewIntegrityChecker(binaryPath string, antiDebug bool, expectedHash string, logger *slog.Logger) *IntegrityChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityChecker{
		antiDebug:    antiDebug,
		expectedHash: strings.ToLower(strings.TrimSpace(expectedHash)),
		binaryPath:   binaryPath,
		environ:      os.Environ,
		procRoot:     "/proc",
		goos:         runtime.GOOS,
		logger:       logger.With(slog.String("component", "integrity")),
	}
}

// Check runs every enabled probe. Probes that cannot run are skipped.
func (ic *IntegrityChecker) Check() Result {
	var res Result

	if ic.antiDebug {
		res.Indicators = append(res.Indicators, ic.debugIndicators()...)
	}

	if ic.expectedHash != "" {
		actual, err := HashFile(ic.binaryPath)
		switch {
		case err != nil:
			res.Indicators = append(res.Indicators, "binary unreadable")
			ic.logger.Warn("Failed to hash executable", slog.String("error", err.Error()))
		case actual != ic.expectedHash:
			res.ActualHash = actual
			res.Indicators = append(res.Indicators, "binary hash mismatch")
		default:
			res.ActualHash = actual
		}
	}

	res.Tampered = len(res.Indicators) > 0
	if res.Tampered {
		ic.logger.Error("Tampering indicators detected", slog.Any("indicators", res.Indicators))
	}
	return res
}

func (ic *IntegrityChecker) debugIndicators() []string {
	var found []string
	for _, kv := range ic.environ() {
		name, value, _ := strings.Cut(kv, "=")
		if value == "" {
			continue
		}
		for _, prefix := range debuggerEnvPrefixes {
			if strings.HasPrefix(name, prefix) {
				found = append(found, "env "+name)
				break
			}
		}
	}
	if ic.goos == "linux" {
		if pid, err := ic.tracerPid(); err == nil && pid != 0 {
			found = append(found, "traced by pid "+strconv.Itoa(pid))
		}
	}
	return found
}

// tracerPid reads TracerPid from /proc/self/status
func (ic *IntegrityChecker) tracerPid() (int, error) {
	data, err := os.ReadFile(ic.procRoot + "/self/status")
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if ok && key == "TracerPid" {
			return strconv.Atoi(strings.TrimSpace(value))
		}
	}
	return 0, errors.New("TracerPid not present")
}

// HashFile returns the lowercase hex SHA-256 of the file at path
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
