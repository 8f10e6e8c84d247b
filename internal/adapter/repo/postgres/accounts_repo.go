package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// AccountRepo persists provider accounts. Counter mutations are expressed
// as SQL increments so concurrent routers never lose updates.
type AccountRepo struct{ Pool PgxPool }

// NewAccountRepo constructs an AccountRepo with the given pool.
func NewAccountRepo(p PgxPool) *AccountRepo { return &AccountRepo{Pool: p} }

const accountColumns = `id, name, service_type, account_type, status, is_enabled,
	api_key, COALESCE(base_url, ''),
	current_load, supported_models, daily_limit, weight, priority,
	avg_response_time, total_requests, total_tokens, total_cost,
	COALESCE(last_used_at, 'epoch'::timestamptz), COALESCE(error_message, '')`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	var svc, acctType, status string
	if err := row.Scan(&a.ID, &a.Name, &svc, &acctType, &status, &a.IsEnabled,
		&a.APIKey, &a.BaseURL,
		&a.CurrentLoad, &a.SupportedModels, &a.DailyLimit, &a.Weight, &a.Priority,
		&a.AvgResponseTime, &a.TotalRequests, &a.TotalTokens, &a.TotalCost,
		&a.LastUsedAt, &a.ErrorMessage); err != nil {
		return domain.Account{}, err
	}
	a.ServiceType = domain.ServiceType(svc)
	a.AccountType = domain.AccountType(acctType)
	a.Status = domain.AccountStatus(status)
	return a, nil
}

// Get loads one account by id.
func (r *AccountRepo) Get(ctx domain.Context, id string) (domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Get")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id=$1`
	a, err := scanAccount(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Account{}, fmt.Errorf("op=account.get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Account{}, fmt.Errorf("op=account.get id=%s: %w", id, err)
	}
	return a, nil
}

// ListByIDs loads accounts for the given ids; missing ids are skipped.
func (r *AccountRepo) ListByIDs(ctx domain.Context, ids []string) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListByIDs")
	defer span.End()
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ANY($1) ORDER BY priority, id`
	return r.list(ctx, q, ids)
}

// ListEnabledByServiceType returns every enabled account for the service
// type regardless of status.
func (r *AccountRepo) ListEnabledByServiceType(ctx domain.Context, svc domain.ServiceType) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListEnabledByServiceType")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE service_type=$1 AND is_enabled ORDER BY priority, id`
	return r.list(ctx, q, string(svc))
}

// ListSharedAvailable returns enabled, active, pooled accounts of the
// service type below the load ceiling. Binding mode "shared" and account
// type "shared" are distinct concepts; this query intersects them.
func (r *AccountRepo) ListSharedAvailable(ctx domain.Context, svc domain.ServiceType, maxLoad int) ([]domain.Account, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListSharedAvailable")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM accounts
	      WHERE service_type=$1 AND account_type='shared' AND is_enabled AND status='active' AND current_load < $2
	      ORDER BY priority, current_load, id`
	return r.list(ctx, q, string(svc), maxLoad)
}

// ServiceTypesWithEnabled enumerates service types with at least one
// enabled account.
func (r *AccountRepo) ServiceTypesWithEnabled(ctx domain.Context) ([]domain.ServiceType, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ServiceTypesWithEnabled")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT DISTINCT service_type FROM accounts WHERE is_enabled ORDER BY service_type`)
	if err != nil {
		return nil, fmt.Errorf("op=account.service_types: %w", err)
	}
	defer rows.Close()
	var out []domain.ServiceType
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("op=account.service_types: %w", err)
		}
		out = append(out, domain.ServiceType(s))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=account.service_types: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the account status and error message.
func (r *AccountRepo) UpdateStatus(ctx domain.Context, id string, status domain.AccountStatus, errMsg string) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.UpdateStatus")
	defer span.End()
	q := `UPDATE accounts SET status=$2, error_message=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, string(status), errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=account.update_status id=%s: %w", id, err)
	}
	return nil
}

// ApplySuccess applies post-response bookkeeping in one atomic statement:
// load bump (capped at 100), counters, latency smoothing, status back to
// active with the error cleared.
func (r *AccountRepo) ApplySuccess(ctx domain.Context, id string, loadDelta int, tokens int64, cost float64, responseTime int64) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ApplySuccess")
	defer span.End()
	q := `UPDATE accounts SET
	        current_load = LEAST(100, current_load + $2),
	        total_requests = total_requests + 1,
	        total_tokens = total_tokens + $3,
	        total_cost = total_cost + $4,
	        avg_response_time = CASE WHEN avg_response_time = 0 THEN $5
	                                 ELSE (avg_response_time * 7 + $5 * 3) / 10 END,
	        last_used_at = $6,
	        status = 'active',
	        error_message = '',
	        updated_at = $6
	      WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id, loadDelta, tokens, cost, responseTime, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=account.apply_success id=%s: %w", id, err)
	}
	return nil
}

// ApplyFailure bumps the request counter and optionally flips the account
// to error with the truncated message.
func (r *AccountRepo) ApplyFailure(ctx domain.Context, id string, errMsg string, flip bool) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ApplyFailure")
	defer span.End()
	var q string
	if flip {
		q = `UPDATE accounts SET total_requests = total_requests + 1, status='error', error_message=$2, updated_at=$3 WHERE id=$1`
	} else {
		q = `UPDATE accounts SET total_requests = total_requests + 1, error_message=$2, updated_at=$3 WHERE id=$1`
	}
	if _, err := r.Pool.Exec(ctx, q, id, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=account.apply_failure id=%s: %w", id, err)
	}
	return nil
}

// DecayLoad lowers current load by amount, clamped at zero.
func (r *AccountRepo) DecayLoad(ctx domain.Context, id string, amount int) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.DecayLoad")
	defer span.End()
	q := `UPDATE accounts SET current_load = GREATEST(0, current_load - $2), updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=account.decay_load id=%s: %w", id, err)
	}
	return nil
}

func (r *AccountRepo) list(ctx domain.Context, q string, args ...any) ([]domain.Account, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=account.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("op=account.list scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=account.list: %w", err)
	}
	return out, nil
}
