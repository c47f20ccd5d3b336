package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains every file location the supervisor touches.
// All paths are relative to the executable, never the working directory.
type Paths struct {
	Executable    string
	ExecutableDir string

	// SidecarFile is the development license override
	SidecarFile string
	// RuntimeConfigFile is the optional YAML runtime configuration
	RuntimeConfigFile string
	// GraceFile persists the first-failure anchor across runs
	GraceFile string
	// GraceMirrorFile is a copy of the anchor under the user's config
	// directory. Empty when that directory is unknown.
	GraceMirrorFile string
}

// GetPaths resolves paths relative to the running executable
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	// Resolve symlinks to get the actual executable location
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}

	return PathsFor(exe), nil
}

// PathsFor derives the path set for an executable at exe
func PathsFor(exe string) *Paths {
	exeDir := filepath.Dir(exe)
	base := filepath.Base(exe)

	paths := &Paths{
		Executable:        exe,
		ExecutableDir:     exeDir,
		SidecarFile:       exe + SidecarSuffix,
		RuntimeConfigFile: filepath.Join(exeDir, RuntimeConfigFile),
		GraceFile:         filepath.Join(exeDir, "."+base+GraceFileSuffix),
		GraceMirrorFile:   graceMirrorFile(exe),
	}

	slog.Debug("Resolved executable paths",
		slog.String("exe_path", exe),
		slog.String("exe_dir", exeDir))

	return paths
}

// graceMirrorFile names the anchor copy for exe inside the user config
// directory. The name carries a digest of the path so installs of the same
// binary in different places keep separate anchors.
func graceMirrorFile(exe string) string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(exe))
	name := filepath.Base(exe) + "-" + hex.EncodeToString(sum[:6]) + GraceFileSuffix
	return filepath.Join(dir, AppName, "grace", name)
}

// GraceFiles lists every location the anchor is kept in
func (p *Paths) GraceFiles() []string {
	files := []string{p.GraceFile}
	if p.GraceMirrorFile != "" && p.GraceMirrorFile != p.GraceFile {
		files = append(files, p.GraceMirrorFile)
	}
	return files
}

// WithGraceFile overrides the grace anchor location when set
func (p *Paths) WithGraceFile(path string) *Paths {
	if path == "" {
		return p
	}
	cp := *p
	if filepath.IsAbs(path) {
		cp.GraceFile = path
	} else {
		cp.GraceFile = filepath.Join(p.ExecutableDir, path)
	}
	return &cp
}

// ResolveBaseBinary resolves base_binary_path against the executable directory
func (p *Paths) ResolveBaseBinary(baseBinaryPath string) string {
	if filepath.IsAbs(baseBinaryPath) {
		return filepath.Clean(baseBinaryPath)
	}
	return filepath.Join(p.ExecutableDir, baseBinaryPath)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
