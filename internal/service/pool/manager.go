// Package pool maintains per-service-type account pools: a health-check
// loop probes every enabled account, and a refresh loop publishes a scored,
// versioned snapshot to the KV cache.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/carpool-router/internal/adapter/observability"
	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// Options configure the manager's schedules and thresholds.
type Options struct {
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	ParallelHealthChecks   int
	MaxConsecutiveFailures int
	PoolRefreshInterval    time.Duration
	ErrorMessageMaxLen     int
	// MinHealthyAccounts is the alert floor: a snapshot with fewer healthy
	// accounts logs a warning so operators act before the pool drains.
	MinHealthyAccounts int
	Weights            Weights
}

func (o *Options) defaults() {
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 5 * time.Minute
	}
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = 10 * time.Second
	}
	if o.ParallelHealthChecks <= 0 {
		o.ParallelHealthChecks = 5
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 3
	}
	if o.PoolRefreshInterval <= 0 {
		o.PoolRefreshInterval = 2 * time.Minute
	}
	if o.ErrorMessageMaxLen <= 0 {
		o.ErrorMessageMaxLen = 500
	}
	if o.Weights == (Weights{}) {
		o.Weights = DefaultWeights
	}
}

// Status summarizes one service type's pool for reporting.
type Status struct {
	PoolSize     int       `json:"pool_size"`
	HealthyCount int       `json:"healthy_count"`
	LastUpdate   time.Time `json:"last_update"`
	AvgScore     float64   `json:"avg_score"`
	Version      int64     `json:"version"`
}

// Manager owns the background loops. Start schedules them; Stop cancels all
// timers and waits for in-flight probes.
type Manager struct {
	accounts domain.AccountRepository
	history  domain.HealthCheckRepository
	cache    domain.PoolCache
	provider domain.ProviderClient
	opts     Options

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	services []domain.ServiceType
	versions map[domain.ServiceType]int64
}

// NewManager constructs a Manager; Start must be called to schedule loops.
func NewManager(accounts domain.AccountRepository, history domain.HealthCheckRepository, cache domain.PoolCache, provider domain.ProviderClient, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		accounts: accounts,
		history:  history,
		cache:    cache,
		provider: provider,
		opts:     opts,
		versions: make(map[domain.ServiceType]int64),
	}
}

// Start enumerates service types with enabled accounts, runs an initial
// health check and pool build for each, then schedules both loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("op=pool.Start: already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	services, err := m.accounts.ServiceTypesWithEnabled(ctx)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("op=pool.Start: %w", err)
	}
	m.mu.Lock()
	m.services = services
	m.mu.Unlock()

	for _, svc := range services {
		// Initial pass so the first requests see a populated pool.
		m.runHealthChecks(loopCtx, svc)
		m.refreshPool(loopCtx, svc)

		m.wg.Add(2)
		go m.healthLoop(loopCtx, svc)
		go m.refreshLoop(loopCtx, svc)
	}

	slog.Info("account pool manager started",
		slog.Int("service_types", len(services)),
		slog.Duration("health_interval", m.opts.HealthCheckInterval),
		slog.Duration("refresh_interval", m.opts.PoolRefreshInterval))
	return nil
}

// Stop cancels all timers and waits for in-flight probes to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	slog.Info("account pool manager stopped")
}

// TriggerHealthCheck re-runs the health pass immediately. With an empty
// service type every managed service is checked.
func (m *Manager) TriggerHealthCheck(ctx context.Context, svc domain.ServiceType) {
	if svc != "" {
		m.runHealthChecks(ctx, svc)
		m.refreshPool(ctx, svc)
		return
	}
	m.mu.Lock()
	services := append([]domain.ServiceType(nil), m.services...)
	m.mu.Unlock()
	for _, s := range services {
		m.runHealthChecks(ctx, s)
		m.refreshPool(ctx, s)
	}
}

// GetStatus reports the published pool per managed service type.
func (m *Manager) GetStatus(ctx context.Context) map[domain.ServiceType]Status {
	m.mu.Lock()
	services := append([]domain.ServiceType(nil), m.services...)
	m.mu.Unlock()

	out := make(map[domain.ServiceType]Status, len(services))
	for _, svc := range services {
		p, ok, err := m.cache.GetPool(ctx, svc)
		if err != nil || !ok {
			out[svc] = Status{}
			continue
		}
		st := Status{PoolSize: len(p.Accounts), LastUpdate: p.LastUpdate, Version: p.Version}
		var sum float64
		for _, e := range p.Accounts {
			if e.IsHealthy {
				st.HealthyCount++
			}
			sum += e.Score
		}
		if len(p.Accounts) > 0 {
			st.AvgScore = sum / float64(len(p.Accounts))
		}
		out[svc] = st
	}
	return out
}

func (m *Manager) healthLoop(ctx context.Context, svc domain.ServiceType) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthChecks(ctx, svc)
		}
	}
}

func (m *Manager) refreshLoop(ctx context.Context, svc domain.ServiceType) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PoolRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshPool(ctx, svc)
		}
	}
}

// runHealthChecks probes every enabled account of the service type in
// batches of ParallelHealthChecks.
func (m *Manager) runHealthChecks(ctx context.Context, svc domain.ServiceType) {
	accounts, err := m.accounts.ListEnabledByServiceType(ctx, svc)
	if err != nil {
		slog.Error("health check: listing accounts failed",
			slog.String("service_type", string(svc)), slog.Any("error", err))
		return
	}

	for start := 0; start < len(accounts); start += m.opts.ParallelHealthChecks {
		end := start + m.opts.ParallelHealthChecks
		if end > len(accounts) {
			end = len(accounts)
		}
		var wg sync.WaitGroup
		for _, a := range accounts[start:end] {
			wg.Add(1)
			go func(a domain.Account) {
				defer wg.Done()
				m.probeAccount(ctx, a)
			}(a)
		}
		wg.Wait()
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) probeAccount(ctx context.Context, a domain.Account) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.HealthCheckTimeout)
	defer cancel()

	res, err := m.provider.HealthCheck(probeCtx, a)
	if err != nil {
		res = domain.ProbeResult{IsHealthy: false, ErrorMessage: err.Error()}
	}

	prev, had, cacheErr := m.cache.GetHealth(ctx, a.ID)
	if cacheErr != nil {
		slog.Warn("health cache read failed", slog.String("account_id", a.ID), slog.Any("error", cacheErr))
	}

	hs := domain.HealthStatus{
		AccountID:    a.ID,
		IsHealthy:    res.IsHealthy,
		ResponseTime: res.ResponseTime,
		ErrorMessage: domain.Truncate(res.ErrorMessage, m.opts.ErrorMessageMaxLen),
		LastChecked:  time.Now().UnixMilli(),
	}
	if !res.IsHealthy {
		if had {
			hs.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		} else {
			hs.ConsecutiveFailures = 1
		}
	}

	if err := m.cache.SetHealth(ctx, hs, 2*m.opts.HealthCheckInterval); err != nil {
		slog.Warn("health cache write failed", slog.String("account_id", a.ID), slog.Any("error", err))
	}
	if err := m.history.Append(ctx, hs); err != nil {
		slog.Warn("health history append failed", slog.String("account_id", a.ID), slog.Any("error", err))
	}

	observability.ObserveHealthProbe(string(a.ServiceType), res.IsHealthy, res.ResponseTime)

	switch {
	case !res.IsHealthy && hs.ConsecutiveFailures >= m.opts.MaxConsecutiveFailures:
		if uerr := m.accounts.UpdateStatus(ctx, a.ID, domain.StatusError, hs.ErrorMessage); uerr != nil {
			slog.Error("flipping account to error failed", slog.String("account_id", a.ID), slog.Any("error", uerr))
		} else {
			slog.Warn("account flipped to error after consecutive probe failures",
				slog.String("account_id", a.ID),
				slog.Int("failures", hs.ConsecutiveFailures))
		}
	case res.IsHealthy && a.Status == domain.StatusError:
		if uerr := m.accounts.UpdateStatus(ctx, a.ID, domain.StatusActive, ""); uerr != nil {
			slog.Error("restoring account failed", slog.String("account_id", a.ID), slog.Any("error", uerr))
		} else {
			slog.Info("account restored to active after successful probe", slog.String("account_id", a.ID))
		}
	}
}

// refreshPool recomputes and publishes the scored snapshot for the service
// type. Accounts in error or inactive status never enter the snapshot.
func (m *Manager) refreshPool(ctx context.Context, svc domain.ServiceType) {
	accounts, err := m.accounts.ListEnabledByServiceType(ctx, svc)
	if err != nil {
		slog.Error("pool refresh: listing accounts failed",
			slog.String("service_type", string(svc)), slog.Any("error", err))
		return
	}

	now := time.Now()
	entries := make([]domain.PoolEntry, 0, len(accounts))
	for _, a := range accounts {
		if a.Status != domain.StatusActive {
			continue
		}
		hs, ok, err := m.cache.GetHealth(ctx, a.ID)
		if err != nil || !ok {
			// No probe yet; assume healthy with the account's own latency.
			hs = domain.HealthStatus{AccountID: a.ID, IsHealthy: true, ResponseTime: a.AvgResponseTime}
		}
		score := Score(a, hs, now, m.opts.Weights)
		entries = append(entries, domain.PoolEntry{
			ID:          a.ID,
			Name:        a.Name,
			ServiceType: a.ServiceType,
			CurrentLoad: a.CurrentLoad,
			Priority:    PriorityBucket(score),
			IsHealthy:   hs.IsHealthy,
			Score:       score,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })

	snapshot := domain.AccountPool{
		ServiceType: svc,
		Accounts:    entries,
		LastUpdate:  now,
		Version:     m.nextVersion(ctx, svc),
	}
	if err := m.cache.SetPool(ctx, snapshot, 2*m.opts.PoolRefreshInterval); err != nil {
		slog.Error("pool snapshot publish failed",
			slog.String("service_type", string(svc)), slog.Any("error", err))
		return
	}

	healthy := 0
	for _, e := range entries {
		if e.IsHealthy {
			healthy++
		}
	}
	observability.SetPoolGauges(string(svc), len(entries), healthy)
	if m.opts.MinHealthyAccounts > 0 && healthy < m.opts.MinHealthyAccounts {
		slog.Warn("healthy account count below floor",
			slog.String("service_type", string(svc)),
			slog.Int("healthy", healthy),
			slog.Int("floor", m.opts.MinHealthyAccounts))
	}
	slog.Debug("pool snapshot published",
		slog.String("service_type", string(svc)),
		slog.Int64("version", snapshot.Version),
		slog.Int("size", len(entries)),
		slog.Int("healthy", healthy))
}

// nextVersion strictly increases per service type, resuming from the cached
// snapshot after a restart so readers never observe a version rollback.
func (m *Manager) nextVersion(ctx context.Context, svc domain.ServiceType) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[svc]
	if !ok {
		if p, found, err := m.cache.GetPool(ctx, svc); err == nil && found {
			v = p.Version
		}
	}
	v++
	m.versions[svc] = v
	return v
}
