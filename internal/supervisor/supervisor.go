// Package supervisor runs the base binary under license control.
//
// In sync mode the license is verified before the base binary starts. In
// async mode the binary starts immediately and verification runs alongside
// it; a denial kills the binary. Either way a denial ends in the destruct
// responder and exit code 77.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"licensegate/internal/clock"
	"licensegate/internal/config"
	"licensegate/internal/destruct"
	apperrors "licensegate/internal/errors"
	"licensegate/internal/fingerprint"
	"licensegate/internal/grace"
	"licensegate/internal/process"
	"licensegate/internal/security"
	"licensegate/internal/verify"
)

// Verifier performs one authenticated verification
type Verifier interface {
	Verify(ctx context.Context, fp fingerprint.MachineFingerprint) verify.Verdict
}

// GracePolicy turns verdicts into run decisions
type GracePolicy interface {
	Evaluate(v verify.Verdict) grace.Evaluation
	Remaining() (time.Duration, bool)
}

// Process is a running base binary
type Process interface {
	Wait() (int, error)
	Done() <-chan struct{}
	Alive() bool
	Terminate(grace time.Duration) error
	Signal(sig os.Signal) error
}

// Spawner starts the base binary
type Spawner interface {
	Spawn(ctx context.Context, path string, args []string) (Process, error)
}

// SpawnFunc adapts a function to Spawner
type SpawnFunc func(ctx context.Context, path string, args []string) (Process, error)

// Spawn calls f
func (f SpawnFunc) Spawn(ctx context.Context, path string, args []string) (Process, error) {
	return f(ctx, path, args)
}

// LauncherSpawner adapts a process.Launcher
func LauncherSpawner(l *process.Launcher) Spawner {
	return SpawnFunc(func(ctx context.Context, path string, args []string) (Process, error) {
		child, err := l.Start(ctx, path, args)
		if err != nil {
			return nil, err
		}
		return child, nil
	})
}

// Responder carries out a denial
type Responder interface {
	Attach(child destruct.Terminator)
	SetKillMethod(m config.KillMethod)
	Respond(ctx context.Context, reason error) destruct.Outcome
}

// IntegrityCheck is the pre-flight tamper check
type IntegrityCheck interface {
	Check() security.Result
}

// Config wires a Supervisor
type Config struct {
	License *config.LicenseConfig
	// Binary is the resolved base binary path
	Binary string

	Fingerprint    fingerprint.MachineFingerprint
	FingerprintErr error

	Verifier  Verifier
	Grace     GracePolicy
	Spawner   Spawner
	Responder Responder
	// Integrity is optional
	Integrity IntegrityCheck

	// VerifyBudget bounds one verification including retries
	VerifyBudget     time.Duration
	MinCheckInterval time.Duration
	// TerminateGrace applies when the run is cancelled
	TerminateGrace time.Duration

	Metrics *Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Result is how a run ended
type Result struct {
	ExitCode int
	State    State
	// Verdict is the latest verification, zero if none ran
	Verdict  verify.Verdict
	Err      error
	Destruct *destruct.Outcome
}

// Supervisor drives one run of the base binary
type Supervisor struct {
	license     *config.LicenseConfig
	binary      string
	fp          fingerprint.MachineFingerprint
	fpErr       error
	verifier    Verifier
	grace       GracePolicy
	spawner     Spawner
	responder   Responder
	integrity   IntegrityCheck
	budget      time.Duration
	minInterval time.Duration
	termGrace   time.Duration
	metrics     *Metrics
	clock       clock.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	history  []State
	child    Process
	interval time.Duration
	limiter  *rate.Limiter
}

// New validates cfg and creates a Supervisor
func New(cfg Config) (*Supervisor, error) {
	switch {
	case cfg.License == nil:
		return nil, errors.New("supervisor: license is required")
	case cfg.Verifier == nil:
		return nil, errors.New("supervisor: verifier is required")
	case cfg.Grace == nil:
		return nil, errors.New("supervisor: grace policy is required")
	case cfg.Spawner == nil:
		return nil, errors.New("supervisor: spawner is required")
	case cfg.Responder == nil:
		return nil, errors.New("supervisor: responder is required")
	case cfg.Binary == "":
		return nil, errors.New("supervisor: base binary path is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MinCheckInterval <= 0 {
		cfg.MinCheckInterval = time.Second
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = config.DefaultKillGrace
	}

	return &Supervisor{
		license:     cfg.License,
		binary:      cfg.Binary,
		fp:          cfg.Fingerprint,
		fpErr:       cfg.FingerprintErr,
		verifier:    cfg.Verifier,
		grace:       cfg.Grace,
		spawner:     cfg.Spawner,
		responder:   cfg.Responder,
		integrity:   cfg.Integrity,
		budget:      cfg.VerifyBudget,
		minInterval: cfg.MinCheckInterval,
		termGrace:   cfg.TerminateGrace,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(slog.String("component", "supervisor")),
		interval:    cfg.License.CheckInterval(),
	}, nil
}

// Run executes the base binary with args according to the execution mode
func (s *Supervisor) Run(ctx context.Context, args []string) Result {
	s.setState(StateStart)
	s.logger.InfoContext(ctx, "Supervisor starting",
		slog.Any("license", s.license),
		slog.String("binary", s.binary))

	if s.integrity != nil {
		if res := s.integrity.Check(); res.Tampered {
			return s.respond(ctx, res.Err(), verify.Verdict{}, false)
		}
	}

	if s.license.ExecutionMode == config.ModeAsync {
		return s.runAsync(ctx, args)
	}
	return s.runSync(ctx, args)
}

// Forward passes a signal to the running child, if any
func (s *Supervisor) Forward(sig os.Signal) {
	s.mu.Lock()
	child := s.child
	s.mu.Unlock()
	if child == nil {
		return
	}
	if err := child.Signal(sig); err != nil {
		s.logger.Warn("Failed to forward signal", slog.String("signal", sig.String()), slog.String("error", err.Error()))
	}
}

func (s *Supervisor) runSync(ctx context.Context, args []string) Result {
	s.setState(StateVerifying)
	r := s.check(ctx)

	switch r.eval.Decision {
	case grace.Deny:
		s.setState(StateUnauthorized)
		return s.respond(ctx, r.eval.Reason, r.verdict, false)
	case grace.AllowProvisional:
		s.setState(StateDegraded)
	default:
		s.setState(StateAuthorized)
	}

	child, err := s.spawn(ctx, args)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to start base binary", slog.String("error", err.Error()))
		s.setState(StateCompleted)
		return Result{ExitCode: config.ExitSpawnFailure, State: StateCompleted, Verdict: r.verdict, Err: err}
	}
	s.setState(StateRunning)

	return s.complete(ctx, child, r.verdict)
}

func (s *Supervisor) runAsync(ctx context.Context, args []string) Result {
	child, err := s.spawn(ctx, args)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to start base binary", slog.String("error", err.Error()))
		s.setState(StateCompleted)
		return Result{ExitCode: config.ExitSpawnFailure, State: StateCompleted, Err: err}
	}
	s.setState(StateRunning)

	var (
		last    verify.Verdict
		pending = s.startCheck(ctx)
		tick    <-chan time.Time
	)
	for {
		select {
		case <-child.Done():
			if pending != nil {
				// Finish the in-flight check for the record; it cannot change the outcome
				r := <-pending
				last = r.verdict
				s.logger.InfoContext(ctx, "Base binary exited before verification finished",
					slog.Any("verdict", r.verdict),
					slog.String("decision", r.eval.Decision.String()))
			}
			return s.complete(ctx, child, last)

		case r := <-pending:
			pending = nil
			last = r.verdict
			if r.eval.Decision == grace.Deny {
				if !child.Alive() {
					continue
				}
				s.setState(StateUnauthorized)
				return s.respond(ctx, r.eval.Reason, r.verdict, true)
			}
			if delay, ok := s.nextCheck(r.verdict); ok {
				tick = s.clock.After(delay)
			}

		case <-tick:
			tick = nil
			pending = s.startCheck(ctx)

		case <-ctx.Done():
			s.logger.WarnContext(ctx, "Supervisor cancelled, stopping base binary")
			if err := child.Terminate(s.termGrace); err != nil {
				s.logger.ErrorContext(ctx, "Failed to stop base binary", slog.String("error", err.Error()))
			}
			return s.complete(ctx, child, last)
		}
	}
}

type checkResult struct {
	verdict verify.Verdict
	eval    grace.Evaluation
}

func (s *Supervisor) startCheck(ctx context.Context) <-chan checkResult {
	// Buffered so an abandoned check never blocks its goroutine
	ch := make(chan checkResult, 1)
	go func() { ch <- s.check(ctx) }()
	return ch
}

// check verifies once and applies the grace policy
func (s *Supervisor) check(ctx context.Context) checkResult {
	var v verify.Verdict
	if s.fpErr != nil {
		v = verify.Failed(s.fpErr)
	} else {
		vctx, cancel := s.verifyContext(ctx)
		v = s.verifier.Verify(vctx, s.fp)
		cancel()
	}
	s.metrics.recordVerification(ctx, v)

	if v.KillMethod != "" {
		s.responder.SetKillMethod(v.KillMethod)
	}

	ev := s.grace.Evaluate(v)
	s.metrics.recordDecision(ctx, ev.Decision)

	s.logger.InfoContext(ctx, "Verification finished",
		slog.Any("verdict", v),
		slog.String("decision", ev.Decision.String()))
	return checkResult{verdict: v, eval: ev}
}

// verifyContext bounds verification by the configured budget, capped by
// the grace time left when a grace window is open
func (s *Supervisor) verifyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	budget := s.budget
	if left, active := s.grace.Remaining(); active && left > 0 && (budget <= 0 || left < budget) {
		budget = left
	}
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

// nextCheck returns the delay until the next periodic check. A server
// supplied interval replaces the configured one from then on.
func (s *Supervisor) nextCheck(v verify.Verdict) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.CheckInterval > 0 {
		s.interval = v.CheckInterval
	}
	if s.interval <= 0 {
		return 0, false
	}
	every := s.interval
	if every < s.minInterval {
		every = s.minInterval
	}

	now := s.clock.Now()
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Every(every), 1)
		// The check that just finished used the first token
		s.limiter.AllowN(now, 1)
	} else {
		s.limiter.SetLimitAt(now, rate.Every(every))
	}
	return s.limiter.ReserveN(now, 1).DelayFrom(now), true
}

func (s *Supervisor) spawn(ctx context.Context, args []string) (Process, error) {
	child, err := s.spawner.Spawn(ctx, s.binary, args)
	if err != nil {
		return nil, err
	}
	s.metrics.recordSpawn(ctx)

	s.mu.Lock()
	s.child = child
	s.mu.Unlock()
	s.responder.Attach(child)
	return child, nil
}

func (s *Supervisor) complete(ctx context.Context, child Process, v verify.Verdict) Result {
	code, err := child.Wait()
	if err != nil {
		s.logger.WarnContext(ctx, "Base binary wait failed", slog.String("error", err.Error()))
	}
	s.setState(StateCompleted)
	s.logger.InfoContext(ctx, "Supervisor finished", slog.Int("exit_code", code))
	return Result{ExitCode: code, State: StateCompleted, Verdict: v, Err: err}
}

func (s *Supervisor) respond(ctx context.Context, reason error, v verify.Verdict, childRunning bool) Result {
	if reason == nil {
		reason = apperrors.Unauthorized("supervisor", apperrors.ErrLicenseDenied)
	}
	out := s.responder.Respond(ctx, reason)
	s.metrics.recordDestruct(ctx, out.KillMethod, childRunning)
	s.setState(StateDestructed)
	return Result{ExitCode: out.ExitCode, State: StateDestructed, Verdict: v, Err: reason, Destruct: &out}
}
