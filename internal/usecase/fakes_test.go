package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

type fakeGroups struct {
	groups map[string]domain.Group
}

func (f *fakeGroups) Get(_ domain.Context, id string) (domain.Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return domain.Group{}, fmt.Errorf("group %s: %w", id, domain.ErrNotFound)
	}
	return g, nil
}

// fakeAccounts keeps accounts in a map and applies the same mutations the
// SQL repo would, so flips and load bumps are visible to re-resolution.
type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account

	lastSharedMaxLoad int
}

func newFakeAccounts(accounts ...domain.Account) *fakeAccounts {
	f := &fakeAccounts{accounts: make(map[string]*domain.Account, len(accounts))}
	for i := range accounts {
		a := accounts[i]
		f.accounts[a.ID] = &a
	}
	return f
}

func (f *fakeAccounts) Get(_ domain.Context, id string) (domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return *a, nil
}

func (f *fakeAccounts) ListByIDs(_ domain.Context, ids []string) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		if a, ok := f.accounts[id]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) ListEnabledByServiceType(_ domain.Context, svc domain.ServiceType) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Account
	for _, a := range f.sorted() {
		if a.ServiceType == svc && a.IsEnabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) ListSharedAvailable(_ domain.Context, svc domain.ServiceType, maxLoad int) ([]domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSharedMaxLoad = maxLoad
	var out []domain.Account
	for _, a := range f.sorted() {
		if a.ServiceType == svc && a.AccountType == domain.AccountShared &&
			a.IsEnabled && a.Status == domain.StatusActive && a.CurrentLoad < maxLoad {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) ServiceTypesWithEnabled(_ domain.Context) ([]domain.ServiceType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[domain.ServiceType]bool{}
	var out []domain.ServiceType
	for _, a := range f.sorted() {
		if a.IsEnabled && !seen[a.ServiceType] {
			seen[a.ServiceType] = true
			out = append(out, a.ServiceType)
		}
	}
	return out, nil
}

func (f *fakeAccounts) UpdateStatus(_ domain.Context, id string, status domain.AccountStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.Status = status
		a.ErrorMessage = errMsg
	}
	return nil
}

func (f *fakeAccounts) ApplySuccess(_ domain.Context, id string, loadDelta int, tokens int64, cost float64, responseTime int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.CurrentLoad += loadDelta
	if a.CurrentLoad > 100 {
		a.CurrentLoad = 100
	}
	a.TotalRequests++
	a.TotalTokens += tokens
	a.TotalCost += cost
	a.AvgResponseTime = responseTime
	a.Status = domain.StatusActive
	a.ErrorMessage = ""
	a.LastUsedAt = time.Now()
	return nil
}

func (f *fakeAccounts) ApplyFailure(_ domain.Context, id string, errMsg string, flip bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.TotalRequests++
	if flip {
		a.Status = domain.StatusError
		a.ErrorMessage = errMsg
	}
	return nil
}

func (f *fakeAccounts) DecayLoad(_ domain.Context, id string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[id]; ok {
		a.CurrentLoad -= amount
		if a.CurrentLoad < 0 {
			a.CurrentLoad = 0
		}
	}
	return nil
}

// sorted returns accounts ordered by id so fakes behave like the
// ORDER BY in the real queries.
func (f *fakeAccounts) sorted() []domain.Account {
	ids := make([]string, 0, len(f.accounts))
	for id := range f.accounts {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	out := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.accounts[id])
	}
	return out
}

type fakeUsage struct {
	mu      sync.Mutex
	records []domain.UsageRecord
	tokens  int64
	cost    float64
	sumErr  error
}

func (f *fakeUsage) Append(_ domain.Context, rec domain.UsageRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return fmt.Sprintf("usage-%d", len(f.records)), nil
}

func (f *fakeUsage) SumTokensSince(_ domain.Context, _ string, _ time.Time) (int64, error) {
	return f.tokens, f.sumErr
}

func (f *fakeUsage) SumCostSince(_ domain.Context, _ string, _ time.Time) (float64, error) {
	return f.cost, f.sumErr
}

func (f *fakeUsage) recorded() []domain.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.UsageRecord, len(f.records))
	copy(out, f.records)
	return out
}

type fakeCache struct {
	mu     sync.Mutex
	pools  map[domain.ServiceType]domain.AccountPool
	health map[string]domain.HealthStatus
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		pools:  make(map[domain.ServiceType]domain.AccountPool),
		health: make(map[string]domain.HealthStatus),
	}
}

func (f *fakeCache) GetHealth(_ domain.Context, accountID string) (domain.HealthStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs, ok := f.health[accountID]
	return hs, ok, nil
}

func (f *fakeCache) SetHealth(_ domain.Context, hs domain.HealthStatus, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[hs.AccountID] = hs
	return nil
}

func (f *fakeCache) GetPool(_ domain.Context, svc domain.ServiceType) (domain.AccountPool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[svc]
	return p, ok, nil
}

func (f *fakeCache) SetPool(_ domain.Context, pool domain.AccountPool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools[pool.ServiceType] = pool
	return nil
}

func (f *fakeCache) InvalidatePools(_ domain.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools = make(map[domain.ServiceType]domain.AccountPool)
	return nil
}

// scriptedProvider pops one scripted error per Send; an exhausted script
// means success. Health answers default to healthy.
type scriptedProvider struct {
	mu        sync.Mutex
	sendErrs  map[string][]error
	unhealthy map[string]bool
	sends     []string
	evicted   []string
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		sendErrs:  make(map[string][]error),
		unhealthy: make(map[string]bool),
	}
}

func (p *scriptedProvider) failNext(accountID string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErrs[accountID] = append(p.sendErrs[accountID], errs...)
}

func (p *scriptedProvider) Send(_ domain.Context, account domain.Account, _ domain.RouteRequest) (domain.RouteResponse, error) {
	p.mu.Lock()
	p.sends = append(p.sends, account.ID)
	var err error
	if q := p.sendErrs[account.ID]; len(q) > 0 {
		err = q[0]
		p.sendErrs[account.ID] = q[1:]
	}
	p.mu.Unlock()
	if err != nil {
		return domain.RouteResponse{}, err
	}
	return domain.RouteResponse{
		Message:  domain.Message{Role: domain.RoleAssistant, Content: "ok"},
		Usage:    domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Metadata: map[string]any{"model": "gpt-4o-mini"},
	}, nil
}

func (p *scriptedProvider) HealthCheck(_ domain.Context, account domain.Account) (domain.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unhealthy[account.ID] {
		return domain.ProbeResult{IsHealthy: false, ResponseTime: 50, ErrorMessage: "probe failed"}, nil
	}
	return domain.ProbeResult{IsHealthy: true, ResponseTime: 20}, nil
}

func (p *scriptedProvider) Evict(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted = append(p.evicted, accountID)
}

func (p *scriptedProvider) sentTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sends))
	copy(out, p.sends)
	return out
}

type capturedPublisher struct {
	mu      sync.Mutex
	records []domain.UsageRecord
}

func (p *capturedPublisher) PublishUsage(_ domain.Context, rec domain.UsageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}
