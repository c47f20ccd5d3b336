// Package fingerprint derives a stable identifier for the host machine.
//
// The identifier is a SHA-256 digest over a fixed-order list of hardware
// signals: CPU model, core count, total physical memory and the primary
// network interface's hardware address. Signals that cannot be read are
// skipped and recorded, so the verification server can apply a different
// policy to partial fingerprints.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "licensegate/internal/errors"
)

// Signal names one hardware input to the fingerprint
type Signal string

const (
	SignalCPUModel Signal = "cpu_model"
	SignalCPUCores Signal = "cpu_cores"
	SignalMemory   Signal = "memory"
	SignalMAC      Signal = "mac"
)

// signalOrder is the canonical order signals are hashed in
var signalOrder = []Signal{SignalCPUModel, SignalCPUCores, SignalMemory, SignalMAC}

// memoryGranularity absorbs the few megabytes firmware and kernel reserve
// differently from boot to boot.
const memoryGranularity = 256 << 20

// MachineFingerprint identifies the host
type MachineFingerprint struct {
	// Value is the lowercase hex digest embedded in signed requests
	Value   string   `json:"fingerprint"`
	Signals []Signal `json:"signals"`
	Partial bool     `json:"partial"`
}

// SignalNames returns the used signals as strings
func (fp MachineFingerprint) SignalNames() []string {
	names := make([]string, len(fp.Signals))
	for i, s := range fp.Signals {
		names[i] = string(s)
	}
	return names
}

// LogValue logs the digest prefix and the signals used
func (fp MachineFingerprint) LogValue() slog.Value {
	short := fp.Value
	if len(short) > 12 {
		short = short[:12]
	}
	return slog.GroupValue(
		slog.String("value", short),
		slog.String("signals", strings.Join(fp.SignalNames(), ",")),
		slog.Bool("partial", fp.Partial),
	)
}

// Probes reads raw hardware signals. A nil probe counts as unavailable.
type Probes struct {
	CPUModel    func() (string, error)
	CPUCores    func() (int, error)
	MemoryBytes func() (uint64, error)
	MAC         func() (string, error)
}

// Generator computes the fingerprint once per process
type Generator struct {
	probes Probes
	logger *slog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	cached *MachineFingerprint
}

// NewGenerator creates a generator reading the host's signals
func NewGenerator(logger *slog.Logger) *Generator {
	return NewGeneratorWithProbes(SystemProbes(), logger)
}

// NewGeneratorWithProbes creates a generator with custom probes
func NewGeneratorWithProbes(probes Probes, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		probes: probes,
		logger: logger.With(slog.String("component", "fingerprint")),
	}
}

// Generate returns the host fingerprint. Concurrent callers share one probe
// and the result is cached for the lifetime of the generator.
func (g *Generator) Generate(ctx context.Context) (MachineFingerprint, error) {
	g.mu.RLock()
	if g.cached != nil {
		fp := *g.cached
		g.mu.RUnlock()
		return fp, nil
	}
	g.mu.RUnlock()

	ch := g.group.DoChan("fingerprint", func() (interface{}, error) {
		fp, err := g.probe(ctx)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.cached = &fp
		g.mu.Unlock()
		return fp, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return MachineFingerprint{}, res.Err
		}
		return res.Val.(MachineFingerprint), nil
	case <-ctx.Done():
		return MachineFingerprint{}, apperrors.Fingerprint("generate fingerprint", ctx.Err())
	}
}

func (g *Generator) probe(ctx context.Context) (MachineFingerprint, error) {
	start := time.Now()
	values := make(map[Signal]string, len(signalOrder))

	if model, err := call(g.probes.CPUModel); err == nil && strings.TrimSpace(model) != "" {
		values[SignalCPUModel] = normalizeModel(model)
	} else {
		g.unavailable(ctx, SignalCPUModel, err)
	}

	if cores, err := call(g.probes.CPUCores); err == nil && cores > 0 {
		values[SignalCPUCores] = strconv.Itoa(cores)
	} else {
		g.unavailable(ctx, SignalCPUCores, err)
	}

	if mem, err := call(g.probes.MemoryBytes); err == nil && mem > 0 {
		values[SignalMemory] = strconv.FormatUint(roundMemory(mem), 10)
	} else {
		g.unavailable(ctx, SignalMemory, err)
	}

	if mac, err := call(g.probes.MAC); err == nil && mac != "" {
		values[SignalMAC] = strings.ToLower(mac)
	} else {
		g.unavailable(ctx, SignalMAC, err)
	}

	fp, err := Compute(values)
	if err != nil {
		return MachineFingerprint{}, err
	}

	level := slog.LevelDebug
	if fp.Partial {
		level = slog.LevelWarn
	}
	g.logger.Log(ctx, level, "Machine fingerprint generated",
		slog.Any("fingerprint", fp),
		slog.Duration("generation_time", time.Since(start)))

	return fp, nil
}

func (g *Generator) unavailable(ctx context.Context, s Signal, err error) {
	attrs := []any{slog.String("signal", string(s))}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	g.logger.DebugContext(ctx, "Hardware signal unavailable", attrs...)
}

// Compute hashes the available signal values in canonical order. It fails
// only when no signal is present.
func Compute(values map[Signal]string) (MachineFingerprint, error) {
	var parts []string
	var used []Signal
	for _, s := range signalOrder {
		v, ok := values[s]
		if !ok || v == "" {
			continue
		}
		parts = append(parts, string(s)+"="+v)
		used = append(used, s)
	}
	if len(used) == 0 {
		return MachineFingerprint{}, apperrors.Fingerprint("compute fingerprint", apperrors.ErrNoSignals)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return MachineFingerprint{
		Value:   hex.EncodeToString(sum[:]),
		Signals: used,
		Partial: len(used) < len(signalOrder),
	}, nil
}

func call[T any](fn func() (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, fmt.Errorf("no probe for this platform")
	}
	return fn()
}

// normalizeModel collapses runs of whitespace, which vary between kernels
func normalizeModel(model string) string {
	return strings.Join(strings.Fields(model), " ")
}

func roundMemory(n uint64) uint64 {
	return (n + memoryGranularity/2) / memoryGranularity * memoryGranularity
}
