package domain

import "time"

// GroupRepository loads groups and their bindings.
type GroupRepository interface {
	Get(ctx Context, id string) (Group, error)
}

// AccountRepository loads and mutates accounts. Counter updates must be
// atomic increments in the underlying store to avoid lost updates under
// concurrent routing.
type AccountRepository interface {
	Get(ctx Context, id string) (Account, error)
	ListByIDs(ctx Context, ids []string) ([]Account, error)
	// ListEnabledByServiceType returns every enabled account for a service
	// type regardless of status; the pool manager decides health itself.
	ListEnabledByServiceType(ctx Context, svc ServiceType) ([]Account, error)
	// ListSharedAvailable returns enabled, active accounts of the service
	// type with AccountType=shared and CurrentLoad below maxLoad.
	ListSharedAvailable(ctx Context, svc ServiceType, maxLoad int) ([]Account, error)
	// ServiceTypesWithEnabled enumerates service types that have at least
	// one enabled account.
	ServiceTypesWithEnabled(ctx Context) ([]ServiceType, error)

	UpdateStatus(ctx Context, id string, status AccountStatus, errMsg string) error
	// ApplySuccess atomically applies post-response bookkeeping: load bump,
	// counters, last-used timestamp, status back to active, error cleared.
	ApplySuccess(ctx Context, id string, loadDelta int, tokens int64, cost float64, responseTime int64) error
	// ApplyFailure bumps totalRequests and, when flip is set, moves the
	// account to error status with the truncated message.
	ApplyFailure(ctx Context, id string, errMsg string, flip bool) error
	// DecayLoad lowers CurrentLoad by amount, clamped at zero.
	DecayLoad(ctx Context, id string, amount int) error
}

// UsageRepository appends accounting rows and aggregates totals for quota.
type UsageRepository interface {
	Append(ctx Context, rec UsageRecord) (string, error)
	SumTokensSince(ctx Context, groupID string, since time.Time) (int64, error)
	SumCostSince(ctx Context, groupID string, since time.Time) (float64, error)
}

// HealthCheckRepository keeps the append-only probe history.
type HealthCheckRepository interface {
	Append(ctx Context, hs HealthStatus) error
}

// PoolCache is the KV surface the pool manager publishes through.
// Snapshots are single-writer, many-reader; Set replaces atomically.
type PoolCache interface {
	GetHealth(ctx Context, accountID string) (HealthStatus, bool, error)
	SetHealth(ctx Context, hs HealthStatus, ttl time.Duration) error
	GetPool(ctx Context, svc ServiceType) (AccountPool, bool, error)
	SetPool(ctx Context, pool AccountPool, ttl time.Duration) error
	InvalidatePools(ctx Context) error
}

// ProviderClient is the opaque vendor transport.
type ProviderClient interface {
	Send(ctx Context, account Account, req RouteRequest) (RouteResponse, error)
	HealthCheck(ctx Context, account Account) (ProbeResult, error)
	// Evict drops any cached per-account client state; called on API-level
	// errors so credentials are re-established on the next call.
	Evict(accountID string)
}

// UsagePublisher streams usage records to the analytics topic. Implementations
// must be safe for concurrent use; publish failures must not fail the route.
type UsagePublisher interface {
	PublishUsage(ctx Context, rec UsageRecord) error
}
