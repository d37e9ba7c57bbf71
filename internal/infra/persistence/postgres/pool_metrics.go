package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

// ObservePoolMetrics registers an observable gauge reporting pgx pool connections by state.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db.pool", normalized),
	}
	withState := func(state string) metric.MeasurementOption {
		return metric.WithAttributes(append(append([]attribute.KeyValue(nil), base...), attribute.String("state", state))...)
	}
	total, idle, acquired, constructing := withState("total"), withState("idle"), withState("acquired"), withState("constructing")

	meter := otel.Meter("postgres.pool")
	_, _ = meter.Int64ObservableGauge("db.pool.connections",
		metric.WithDescription("pgx pool connections by state"),
		metric.WithUnit("{connection}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			stat := pool.Stat()
			observer.Observe(int64(stat.TotalConns()), total)
			observer.Observe(int64(stat.IdleConns()), idle)
			observer.Observe(int64(stat.AcquiredConns()), acquired)
			observer.Observe(int64(stat.ConstructingConns()), constructing)
			return nil
		}),
	)
}
