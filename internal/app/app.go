package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"licensegate/internal/config"
	"licensegate/internal/destruct"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/fingerprint"
	"licensegate/internal/grace"
	"licensegate/internal/infrastructure"
	"licensegate/internal/payload"
	"licensegate/internal/process"
	"licensegate/internal/security"
	"licensegate/internal/supervisor"
	"licensegate/internal/verify"
)

const shutdownTimeout = 5 * time.Second

// Options adjusts how an Application is assembled. The zero value wires
// the real executable, process stdio and the global logger.
type Options struct {
	// Executable overrides os.Executable
	Executable string
	// ConfigFile overrides <exe dir>/licensegate.yaml
	ConfigFile string
	// License skips the payload loader
	License *config.LicenseConfig
	// Logger skips InitializeLogger
	Logger *slog.Logger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Application holds the wired supervisor and the resources that must be
// released when it finishes
type Application struct {
	Config        *config.Config
	Paths         *config.Paths
	License       *config.LicenseConfig
	Source        payload.Source
	Fingerprint   fingerprint.MachineFingerprint
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Supervisor    *supervisor.Supervisor

	ownsLogger bool
}

// New loads configuration and the license payload and wires every
// supervisor collaborator. Any error returned is a ConfigError.
func New(ctx context.Context, opts Options) (*Application, error) {
	paths, err := resolvePaths(opts.Executable)
	if err != nil {
		return nil, apperrors.Config("resolve paths", err)
	}

	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = paths.RuntimeConfigFile
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, apperrors.Config("load runtime config", err)
	}
	paths = paths.WithGraceFile(cfg.State.GraceFile)

	a := &Application{Config: cfg, Paths: paths, Logger: opts.Logger}
	if a.Logger == nil {
		logger, err := infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, apperrors.Config("initialize logger", err)
		}
		a.Logger = logger
		a.ownsLogger = true
	}
	logger := infrastructure.LoggerWithContext(ctx, a.Logger)
	if len(cfg.IgnoredOverrides) > 0 {
		logger.WarnContext(ctx, "Security settings can only be changed in dev builds, using defaults",
			slog.Any("keys", cfg.IgnoredOverrides))
	}

	a.License, a.Source = opts.License, ""
	if a.License == nil {
		lc, src, err := payload.NewLoader(paths, logger).Load()
		if err != nil {
			return nil, err
		}
		a.License, a.Source = lc, src
	} else if err := a.License.Validate(); err != nil {
		return nil, apperrors.Config("validate license", err)
	}
	if a.License.LogLevel != "" && a.ownsLogger {
		infrastructure.SetLevel(a.License.LogLevel)
	}

	logger.InfoContext(ctx, "License supervisor starting",
		slog.String("version", config.Version),
		slog.String("executable", paths.Executable),
		slog.String("payload_source", string(a.Source)),
		slog.Any("license", a.License))

	a.OTelProviders, err = infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, apperrors.Config("initialize telemetry", err)
	}

	fp, fpErr := fingerprint.NewGenerator(logger).Generate(ctx)
	if fpErr != nil {
		logger.WarnContext(ctx, "Machine fingerprint unavailable", slog.String("error", fpErr.Error()))
	}
	a.Fingerprint = fp

	client, err := verify.NewClient(a.License, cfg.Verify,
		verify.WithLogger(logger),
		verify.WithTracer(a.OTelProviders.Tracer))
	if err != nil {
		a.shutdownTelemetry(ctx)
		return nil, apperrors.Config("create verify client", err)
	}

	tracker, err := grace.NewTracker(a.License, fp.Value, grace.NewFileMirror(paths.GraceFiles()...), nil, logger)
	if err != nil {
		a.shutdownTelemetry(ctx)
		return nil, apperrors.Config("create grace tracker", err)
	}

	metrics, err := supervisor.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		logger.WarnContext(ctx, "Supervisor metrics disabled", slog.String("error", err.Error()))
		metrics = supervisor.NoopMetrics()
	}

	launcher := process.NewLauncher(logger, process.WithStdio(stdin(opts), stdout(opts), stderr(opts)))
	responder := destruct.NewResponder(destruct.Options{
		SelfDestruct:   a.License.SelfDestructEnabled(),
		KillMethod:     a.License.EffectiveKillMethod(),
		Executable:     paths.Executable,
		SidecarFile:    paths.SidecarFile,
		GraceFiles:     paths.GraceFiles(),
		TerminateGrace: cfg.Process.TerminateGrace,
		Logger:         logger,
	})

	a.Supervisor, err = supervisor.New(supervisor.Config{
		License:          a.License,
		Binary:           paths.ResolveBaseBinary(a.License.BaseBinaryPath),
		Fingerprint:      fp,
		FingerprintErr:   fpErr,
		Verifier:         client,
		Grace:            tracker,
		Spawner:          supervisor.LauncherSpawner(launcher),
		Responder:        responder,
		Integrity:        security.NewIntegrityChecker(paths.Executable, cfg.Security.AntiDebug, cfg.Security.ExpectedHash, logger),
		VerifyBudget:     cfg.Verify.TotalBudget,
		MinCheckInterval: cfg.Process.MinCheckInterval,
		TerminateGrace:   cfg.Process.TerminateGrace,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		a.shutdownTelemetry(ctx)
		return nil, apperrors.Config("create supervisor", err)
	}
	return a, nil
}

// Run supervises the base binary until it finishes. SIGINT and SIGTERM
// received meanwhile are forwarded to the base binary; before it has
// started they are dropped so an interrupt cannot fail a verification.
func (a *Application) Run(ctx context.Context, args []string) supervisor.Result {
	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigChan:
				a.Logger.InfoContext(ctx, "Forwarding signal to base binary", slog.String("signal", sig.String()))
				a.Supervisor.Forward(sig)
			case <-done:
				return
			}
		}
	}()

	res := a.Supervisor.Run(ctx, args)
	a.Logger.InfoContext(ctx, "License supervisor finished",
		slog.Int("exit_code", res.ExitCode),
		slog.String("state", res.State.String()))
	return res
}

// Stop flushes telemetry and closes the log file
func (a *Application) Stop(ctx context.Context) {
	a.shutdownTelemetry(ctx)
	if a.ownsLogger {
		if err := infrastructure.CloseLogFile(); err != nil {
			fmt.Fprintf(os.Stderr, "licensegate: close log file: %v\n", err)
		}
	}
}

func (a *Application) shutdownTelemetry(ctx context.Context) {
	if a.OTelProviders == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
		a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
	}
	a.OTelProviders = nil
}

func resolvePaths(exe string) (*config.Paths, error) {
	if exe != "" {
		return config.PathsFor(exe), nil
	}
	return config.GetPaths()
}

func stdin(o Options) io.Reader {
	if o.Stdin != nil {
		return o.Stdin
	}
	return os.Stdin
}

func stdout(o Options) io.Writer {
	if o.Stdout != nil {
		return o.Stdout
	}
	return os.Stdout
}

func stderr(o Options) io.Writer {
	if o.Stderr != nil {
		return o.Stderr
	}
	return os.Stderr
}
