package dropin

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricNamespace = "github.com/hanko-field/dropin/internal/dropin"

// Metrics records session counters. A nil *Metrics records nothing.
type Metrics struct {
	completed metric.Int64Counter
	stepUps   metric.Int64Counter
	fetches   metric.Int64Counter
}

// NewMetrics registers the session instruments on meter, falling back to the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	completed, err := meter.Int64Counter("dropin.sessions.completed",
		metric.WithDescription("Drop-In sessions that reached a terminal result"))
	if err != nil {
		return nil, err
	}
	stepUps, err := meter.Int64Counter("dropin.stepup.attempts",
		metric.WithDescription("Step-up authentication attempts by result"))
	if err != nil {
		return nil, err
	}
	fetches, err := meter.Int64Counter("dropin.vault.fetches",
		metric.WithDescription("Vaulted payment method fetches"))
	if err != nil {
		return nil, err
	}
	return &Metrics{completed: completed, stepUps: stepUps, fetches: fetches}, nil
}

func (m *Metrics) sessionCompleted(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) stepUp(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.stepUps.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) vaultFetch(ctx context.Context, forced bool) {
	if m == nil {
		return
	}
	m.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("forced", strconv.FormatBool(forced))))
}
