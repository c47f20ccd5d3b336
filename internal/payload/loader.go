// Package payload loads the license document the supervisor was patched
// with.
//
// Production binaries read only the fixed-size region compiled into the
// image. Binaries built with the "dev" tag additionally honor a side-car
// file at <exe>.config, which takes precedence over the region.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"licensegate/internal/config"
	apperrors "licensegate/internal/errors"
)

// Source records where a license document came from
type Source string

const (
	SourceEmbedded Source = "embedded"
	SourceImage    Source = "image"
	SourceSidecar  Source = "sidecar"
)

var errNoRegion = errors.New("unpatched region not found in image")

func errTooLarge(n int) error {
	return fmt.Errorf("%w: %d bytes", apperrors.ErrPayloadTooLarge, n)
}

// Loader reads the license document from the configured sources
type Loader struct {
	sidecarPath  string
	imagePath    string
	allowSidecar bool
	region       func() []byte
	logger       *slog.Logger
}

// NewLoader creates a loader for the executable described by paths
func NewLoader(paths *config.Paths, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		sidecarPath:  paths.SidecarFile,
		imagePath:    paths.Executable,
		allowSidecar: sidecarAllowed,
		region:       embeddedRegion,
		logger:       logger.With(slog.String("component", "payload")),
	}
}

// Load returns the license configuration. Every failure is a ConfigError.
func (l *Loader) Load() (*config.LicenseConfig, Source, error) {
	if l.sidecarPath != "" && config.FileExists(l.sidecarPath) {
		if l.allowSidecar {
			lc, err := l.loadSidecar()
			return lc, SourceSidecar, err
		}
		l.logger.Warn("Ignoring side-car license file in production build",
			slog.String("path", l.sidecarPath))
	}

	region := l.region()
	if !isUnpatched(region) {
		lc, err := ParseRegion(region)
		if err != nil {
			return nil, SourceEmbedded, apperrors.Config("load embedded payload", err)
		}
		l.logger.Debug("License payload loaded", slog.String("source", string(SourceEmbedded)))
		return lc, SourceEmbedded, nil
	}

	// The mapped region was never patched; look for a patched copy in the
	// file on disk.
	lc, err := l.loadFromImage()
	if err != nil {
		return nil, SourceImage, apperrors.Config("load image payload", err)
	}
	l.logger.Debug("License payload loaded", slog.String("source", string(SourceImage)))
	return lc, SourceImage, nil
}

func (l *Loader) loadSidecar() (*config.LicenseConfig, error) {
	data, err := os.ReadFile(l.sidecarPath)
	if err != nil {
		return nil, apperrors.Config("read side-car", err)
	}
	lc, err := parseDocument(data)
	if err != nil {
		return nil, apperrors.Config("parse side-car", err)
	}
	l.logger.Warn("License payload loaded from side-car file",
		slog.String("path", l.sidecarPath))
	return lc, nil
}

func (l *Loader) loadFromImage() (*config.LicenseConfig, error) {
	if l.imagePath == "" {
		return nil, apperrors.ErrPayloadMissing
	}
	f, err := os.Open(l.imagePath)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	return ScanImage(f)
}

// ParseRegion decodes a RegionSize-byte region: the document followed by
// zero padding.
func ParseRegion(region []byte) (*config.LicenseConfig, error) {
	if len(region) > RegionSize {
		return nil, errTooLarge(len(region))
	}
	if isUnpatched(region) {
		return nil, apperrors.ErrPayloadMissing
	}
	return parseDocument(trimPadding(region))
}

// parseDocument classifies decode failures as corrupt and schema failures
// as invalid.
func parseDocument(doc []byte) (*config.LicenseConfig, error) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 {
		return nil, apperrors.ErrPayloadMissing
	}
	if !json.Valid(doc) {
		return nil, apperrors.ErrPayloadCorrupt
	}
	lc, err := config.ParseLicenseConfig(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPayloadInvalid, err)
	}
	return lc, nil
}

// minDocumentLen filters out stray braces while scanning
const minDocumentLen = 10

// ScanImage searches an executable image for a patched region: a JSON
// object followed by zero padding that fills out RegionSize bytes.
func ScanImage(r io.Reader) (*config.LicenseConfig, error) {
	image, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	var firstErr error
	for offset := 0; offset+RegionSize <= len(image); {
		next := bytes.IndexByte(image[offset:len(image)-RegionSize+1], '{')
		if next < 0 {
			break
		}
		start := offset + next
		offset = start + 1

		block := image[start : start+RegionSize]
		if block[RegionSize-1] != 0 {
			continue
		}
		end := bytes.IndexByte(block, 0)
		if end < minDocumentLen || len(bytes.Trim(block[end:], "\x00")) != 0 {
			continue
		}

		lc, err := parseDocument(block[:end])
		if err == nil {
			return lc, nil
		}
		if firstErr == nil && !errors.Is(err, apperrors.ErrPayloadCorrupt) {
			firstErr = err
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return nil, apperrors.ErrPayloadMissing
}
