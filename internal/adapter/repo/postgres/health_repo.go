package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// HealthCheckRepo keeps the append-only probe history per account.
type HealthCheckRepo struct{ Pool PgxPool }

// NewHealthCheckRepo constructs a HealthCheckRepo with the given pool.
func NewHealthCheckRepo(p PgxPool) *HealthCheckRepo { return &HealthCheckRepo{Pool: p} }

// Append inserts one probe outcome.
func (r *HealthCheckRepo) Append(ctx domain.Context, hs domain.HealthStatus) error {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.Append")
	defer span.End()
	q := `INSERT INTO health_checks
	        (id, account_id, is_healthy, response_time_ms, error_message, checked_at, consecutive_failures)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, uuid.New().String(), hs.AccountID, hs.IsHealthy,
		hs.ResponseTime, hs.ErrorMessage, time.UnixMilli(hs.LastChecked).UTC(), hs.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("op=health.append account=%s: %w", hs.AccountID, err)
	}
	return nil
}

// Prune drops probe history older than the retention window.
func (r *HealthCheckRepo) Prune(ctx domain.Context, olderThan time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.Prune")
	defer span.End()
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := r.Pool.Exec(ctx, `DELETE FROM health_checks WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=health.prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
