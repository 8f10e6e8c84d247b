package usecase

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// Resolver maps (group, request) to the candidate account set under the
// group's binding mode. It never returns an account outside the binding,
// which is what keeps tenants isolated.
type Resolver struct {
	Accounts domain.AccountRepository
	Cache    domain.PoolCache
	Provider domain.ProviderClient
	// LoadCap bounds shared-pool eligibility when the binding does not set
	// a tighter maxUsagePercent.
	LoadCap int
}

// NewResolver constructs a Resolver.
func NewResolver(accounts domain.AccountRepository, cache domain.PoolCache, provider domain.ProviderClient, loadCap int) *Resolver {
	if loadCap <= 0 {
		loadCap = domain.MaxSelectableLoad
	}
	return &Resolver{Accounts: accounts, Cache: cache, Provider: provider, LoadCap: loadCap}
}

// Resolve produces the candidates the load balancer will choose from.
func (r *Resolver) Resolve(ctx domain.Context, group domain.Group, req domain.RouteRequest) ([]domain.Account, error) {
	b := group.Binding
	if b == nil {
		return nil, fmt.Errorf("op=resolve group=%s: %w", group.ID, domain.ErrNoBindingConfigured)
	}
	svc := req.Resolved()

	switch b.Mode {
	case domain.BindingDedicated:
		return r.resolveDedicated(ctx, group.ID, b.DedicatedAccounts, svc)
	case domain.BindingShared:
		return r.resolveShared(ctx, group.ID, b.SharedPools, svc)
	case domain.BindingHybrid:
		return r.resolveHybrid(ctx, group, svc)
	default:
		return nil, fmt.Errorf("op=resolve group=%s mode=%q: %w", group.ID, b.Mode, domain.ErrInvalidArgument)
	}
}

func (r *Resolver) resolveDedicated(ctx domain.Context, groupID string, refs []domain.DedicatedAccountRef, svc domain.ServiceType) ([]domain.Account, error) {
	ids := make([]string, 0, len(refs))
	prio := make(map[string]int, len(refs))
	for _, ref := range refs {
		if ref.ServiceType != svc {
			continue
		}
		ids = append(ids, ref.AccountID)
		prio[ref.AccountID] = ref.Priority
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("op=resolve.dedicated group=%s service=%s: %w", groupID, svc, domain.ErrNoDedicatedAccounts)
	}

	accounts, err := r.Accounts.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=resolve.dedicated group=%s: %w", groupID, err)
	}
	out := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if !a.IsEnabled || a.Status != domain.StatusActive {
			continue
		}
		// The binding-level priority overrides the account's own.
		a.Priority = prio[a.ID]
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=resolve.dedicated group=%s service=%s: %w", groupID, svc, domain.ErrNoDedicatedAccounts)
	}
	return out, nil
}

func (r *Resolver) resolveShared(ctx domain.Context, groupID string, pools []domain.SharedPoolRef, svc domain.ServiceType) ([]domain.Account, error) {
	var ref *domain.SharedPoolRef
	for i := range pools {
		if pools[i].ServiceType == svc {
			ref = &pools[i]
			break
		}
	}
	if ref == nil {
		return nil, fmt.Errorf("op=resolve.shared group=%s service=%s: %w", groupID, svc, domain.ErrNoSharedPoolConfigured)
	}

	maxLoad := ref.MaxUsagePercent
	if maxLoad <= 0 || maxLoad > r.LoadCap {
		maxLoad = r.LoadCap
	}
	accounts, err := r.Accounts.ListSharedAvailable(ctx, svc, maxLoad)
	if err != nil {
		return nil, fmt.Errorf("op=resolve.shared group=%s: %w", groupID, err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("op=resolve.shared group=%s service=%s: %w", groupID, svc, domain.ErrNoSharedAccountAvailable)
	}
	return r.applyPoolHealth(ctx, svc, accounts), nil
}

// resolveHybrid tries the primary accounts first and downgrades to the
// shared branch on any resolution failure. One downgrade only; never
// re-promoted within the same request.
func (r *Resolver) resolveHybrid(ctx domain.Context, group domain.Group, svc domain.ServiceType) ([]domain.Account, error) {
	h := group.Binding.Hybrid
	if h == nil {
		return nil, fmt.Errorf("op=resolve.hybrid group=%s: %w", group.ID, domain.ErrNoDedicatedAccounts)
	}

	primary, err := r.resolvePrimary(ctx, group.ID, h.PrimaryAccounts, svc)
	if err == nil && len(primary) > 0 {
		return primary, nil
	}

	slog.Info("hybrid binding downgraded to shared pool",
		slog.String("group_id", group.ID),
		slog.String("service_type", string(svc)),
		slog.Any("reason", err))

	for _, fallback := range h.FallbackPools {
		if fallback != svc {
			continue
		}
		accounts, serr := r.Accounts.ListSharedAvailable(ctx, svc, r.LoadCap)
		if serr != nil {
			return nil, fmt.Errorf("op=resolve.hybrid group=%s: %w", group.ID, serr)
		}
		if len(accounts) == 0 {
			return nil, fmt.Errorf("op=resolve.hybrid group=%s service=%s: %w", group.ID, svc, domain.ErrNoSharedAccountAvailable)
		}
		return r.applyPoolHealth(ctx, svc, accounts), nil
	}
	return nil, fmt.Errorf("op=resolve.hybrid group=%s service=%s: %w", group.ID, svc, domain.ErrNoSharedPoolConfigured)
}

func (r *Resolver) resolvePrimary(ctx domain.Context, groupID string, ids []string, svc domain.ServiceType) ([]domain.Account, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("op=resolve.primary group=%s: %w", groupID, domain.ErrNoDedicatedAccounts)
	}
	accounts, err := r.Accounts.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=resolve.primary group=%s: %w", groupID, err)
	}
	out := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.ServiceType != svc || !a.IsEnabled || a.Status != domain.StatusActive {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=resolve.primary group=%s service=%s: %w", groupID, svc, domain.ErrNoDedicatedAccounts)
	}
	return out, nil
}

// applyPoolHealth overlays the precomputed pool snapshot onto candidates:
// accounts the snapshot marks unhealthy are dropped, and the rest inherit
// the snapshot's ordering by score. A missing snapshot leaves candidates
// untouched; health is then verified per-account at selection time.
func (r *Resolver) applyPoolHealth(ctx domain.Context, svc domain.ServiceType, accounts []domain.Account) []domain.Account {
	snapshot, ok, err := r.Cache.GetPool(ctx, svc)
	if err != nil || !ok {
		return accounts
	}
	rank := make(map[string]int, len(snapshot.Accounts))
	healthy := make(map[string]bool, len(snapshot.Accounts))
	for i, e := range snapshot.Accounts {
		rank[e.ID] = i
		healthy[e.ID] = e.IsHealthy
	}
	out := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if h, known := healthy[a.ID]; known && !h {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, iKnown := rank[out[i].ID]
		rj, jKnown := rank[out[j].ID]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown:
			return true
		default:
			return false
		}
	})
	if len(out) == 0 {
		// Everything known to the snapshot is down; keep the raw candidates
		// so the health fallback can probe them directly.
		return accounts
	}
	return out
}

// EnsureHealthy verifies the selected account and falls back through the
// remaining candidates when it fails its probe. Used on the shared and
// hybrid paths where the snapshot may lag reality.
func (r *Resolver) EnsureHealthy(ctx domain.Context, selected domain.Account, candidates []domain.Account) (domain.Account, error) {
	if probeOK(ctx, r.Provider, selected) {
		return selected, nil
	}
	for _, c := range candidates {
		if c.ID == selected.ID {
			continue
		}
		if probeOK(ctx, r.Provider, c) {
			slog.Info("health fallback selected alternate account",
				slog.String("failed_account", selected.ID),
				slog.String("account_id", c.ID))
			return c, nil
		}
	}
	return domain.Account{}, fmt.Errorf("op=resolve.ensure_healthy account=%s: %w", selected.ID, domain.ErrNoHealthyAccount)
}

func probeOK(ctx domain.Context, provider domain.ProviderClient, a domain.Account) bool {
	res, err := provider.HealthCheck(ctx, a)
	return err == nil && res.IsHealthy
}
