package supervisor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"licensegate/internal/config"
	"licensegate/internal/grace"
	"licensegate/internal/verify"
)

// MeterName identifies the supervisor's instruments
const MeterName = "licensegate/supervisor"

// Metrics holds the supervisor's OpenTelemetry instruments
type Metrics struct {
	Verifications        metric.Int64Counter
	VerificationDuration metric.Float64Histogram
	ChildSpawns          metric.Int64Counter
	ChildKills           metric.Int64Counter
	Destructs            metric.Int64Counter
	GraceDecisions       metric.Int64Counter
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Verifications, err = meter.Int64Counter(
		"supervisor_verifications_total",
		metric.WithDescription("Verifications by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifications counter: %w", err)
	}

	m.VerificationDuration, err = meter.Float64Histogram(
		"supervisor_verification_duration_seconds",
		metric.WithDescription("Verification duration including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verification duration histogram: %w", err)
	}

	m.ChildSpawns, err = meter.Int64Counter(
		"supervisor_child_spawns_total",
		metric.WithDescription("Base binary launches"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create spawns counter: %w", err)
	}

	m.ChildKills, err = meter.Int64Counter(
		"supervisor_child_kills_total",
		metric.WithDescription("Base binaries terminated after a denial"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kills counter: %w", err)
	}

	m.Destructs, err = meter.Int64Counter(
		"supervisor_destruct_total",
		metric.WithDescription("Denial responses by kill method"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create destruct counter: %w", err)
	}

	m.GraceDecisions, err = meter.Int64Counter(
		"supervisor_grace_decisions_total",
		metric.WithDescription("Grace policy decisions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grace decisions counter: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) recordVerification(ctx context.Context, v verify.Verdict) {
	m.Verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", v.Outcome.String())))
	m.VerificationDuration.Record(ctx, v.Duration.Seconds())
}

func (m *Metrics) recordDecision(ctx context.Context, d grace.Decision) {
	m.GraceDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", d.String())))
}

func (m *Metrics) recordSpawn(ctx context.Context) {
	m.ChildSpawns.Add(ctx, 1)
}

func (m *Metrics) recordDestruct(ctx context.Context, method config.KillMethod, killedChild bool) {
	if killedChild {
		m.ChildKills.Add(ctx, 1)
	}
	m.Destructs.Add(ctx, 1, metric.WithAttributes(attribute.String("kill_method", string(method))))
}
