package postgres

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// UsageRepo appends accounting rows and aggregates totals for the quota
// gate. The table is append-only; nothing here updates or deletes.
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

var usageEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

// Append inserts a usage record and returns its id. The token invariant
// (request + response = total) is enforced at write time.
func (r *UsageRepo) Append(ctx domain.Context, rec domain.UsageRecord) (string, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Append")
	defer span.End()

	id := rec.ID
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(time.Now()), usageEntropy).String()
	}
	rec.TotalTokens = rec.RequestTokens + rec.ResponseTokens

	q := `INSERT INTO usage_records
	        (id, user_id, group_id, account_id, service_type, model,
	         request_tokens, response_tokens, total_tokens, cost,
	         request_time, response_time_ms, status, error_type)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.Pool.Exec(ctx, q, id, rec.UserID, rec.GroupID, rec.AccountID,
		string(rec.ServiceType), rec.Model, rec.RequestTokens, rec.ResponseTokens,
		rec.TotalTokens, rec.Cost, rec.RequestTime, rec.ResponseTime,
		string(rec.Status), rec.ErrorType)
	if err != nil {
		return "", fmt.Errorf("op=usage.append group=%s: %w", rec.GroupID, err)
	}
	return id, nil
}

// SumTokensSince aggregates a group's total tokens since the boundary.
func (r *UsageRepo) SumTokensSince(ctx domain.Context, groupID string, since time.Time) (int64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.SumTokensSince")
	defer span.End()
	q := `SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE group_id=$1 AND request_time >= $2`
	var total int64
	if err := r.Pool.QueryRow(ctx, q, groupID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("op=usage.sum_tokens group=%s: %w", groupID, err)
	}
	return total, nil
}

// SumCostSince aggregates a group's spend since the boundary.
func (r *UsageRepo) SumCostSince(ctx domain.Context, groupID string, since time.Time) (float64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.SumCostSince")
	defer span.End()
	q := `SELECT COALESCE(SUM(cost), 0) FROM usage_records WHERE group_id=$1 AND request_time >= $2`
	var total float64
	if err := r.Pool.QueryRow(ctx, q, groupID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("op=usage.sum_cost group=%s: %w", groupID, err)
	}
	return total, nil
}
