package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

func activeAccount(id string, svc domain.ServiceType, acctType domain.AccountType, load int) domain.Account {
	return domain.Account{
		ID:          id,
		Name:        id,
		ServiceType: svc,
		AccountType: acctType,
		Status:      domain.StatusActive,
		IsEnabled:   true,
		CurrentLoad: load,
	}
}

func chat(svc domain.ServiceType) domain.RouteRequest {
	return domain.RouteRequest{
		ServiceType: svc,
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	}
}

func TestResolveDedicated(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 10),
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountDedicated, 20),
		activeAccount("acc-3", domain.ServiceGemini, domain.AccountDedicated, 0),
	)
	r := NewResolver(accounts, newFakeCache(), newScriptedProvider(), 95)

	group := boundGroup(&domain.ResourceBinding{
		Mode: domain.BindingDedicated,
		DedicatedAccounts: []domain.DedicatedAccountRef{
			{AccountID: "acc-1", ServiceType: domain.ServiceClaude, Priority: 2},
			{AccountID: "acc-2", ServiceType: domain.ServiceClaude, Priority: 1},
			{AccountID: "acc-3", ServiceType: domain.ServiceGemini, Priority: 1},
		},
	})

	got, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Binding priority overrides the account's own.
	byID := map[string]domain.Account{}
	for _, a := range got {
		byID[a.ID] = a
	}
	assert.Equal(t, 2, byID["acc-1"].Priority)
	assert.Equal(t, 1, byID["acc-2"].Priority)
}

func TestResolveDedicatedSkipsUnavailable(t *testing.T) {
	t.Parallel()
	flipped := activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 10)
	flipped.Status = domain.StatusError
	disabled := activeAccount("acc-2", domain.ServiceClaude, domain.AccountDedicated, 10)
	disabled.IsEnabled = false

	accounts := newFakeAccounts(flipped, disabled)
	r := NewResolver(accounts, newFakeCache(), newScriptedProvider(), 95)

	group := boundGroup(&domain.ResourceBinding{
		Mode: domain.BindingDedicated,
		DedicatedAccounts: []domain.DedicatedAccountRef{
			{AccountID: "acc-1", ServiceType: domain.ServiceClaude},
			{AccountID: "acc-2", ServiceType: domain.ServiceClaude},
		},
	})
	_, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrNoDedicatedAccounts)
}

func TestResolveDedicatedNoMatchForService(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))
	r := NewResolver(accounts, newFakeCache(), newScriptedProvider(), 95)

	group := boundGroup(&domain.ResourceBinding{
		Mode: domain.BindingDedicated,
		DedicatedAccounts: []domain.DedicatedAccountRef{
			{AccountID: "acc-1", ServiceType: domain.ServiceClaude},
		},
	})
	_, err := r.Resolve(context.Background(), group, chat(domain.ServiceOpenAI))
	assert.ErrorIs(t, err, domain.ErrNoDedicatedAccounts)
}

func TestResolveSharedNoPoolConfigured(t *testing.T) {
	t.Parallel()
	r := NewResolver(newFakeAccounts(), newFakeCache(), newScriptedProvider(), 95)
	group := boundGroup(&domain.ResourceBinding{
		Mode:        domain.BindingShared,
		SharedPools: []domain.SharedPoolRef{{ServiceType: domain.ServiceGemini}},
	})
	_, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrNoSharedPoolConfigured)
}

func TestResolveSharedRespectsMaxUsagePercent(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountShared, 40),
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountShared, 70),
	)
	r := NewResolver(accounts, newFakeCache(), newScriptedProvider(), 95)

	group := boundGroup(&domain.ResourceBinding{
		Mode: domain.BindingShared,
		SharedPools: []domain.SharedPoolRef{
			{ServiceType: domain.ServiceClaude, MaxUsagePercent: 60},
		},
	})
	got, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "acc-1", got[0].ID)
	assert.Equal(t, 60, accounts.lastSharedMaxLoad)
}

func TestResolveSharedEmptyPool(t *testing.T) {
	t.Parallel()
	r := NewResolver(newFakeAccounts(), newFakeCache(), newScriptedProvider(), 95)
	group := boundGroup(&domain.ResourceBinding{
		Mode:        domain.BindingShared,
		SharedPools: []domain.SharedPoolRef{{ServiceType: domain.ServiceClaude}},
	})
	_, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrNoSharedAccountAvailable)
}

func TestResolveSharedAppliesSnapshot(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountShared, 10),
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountShared, 20),
		activeAccount("acc-3", domain.ServiceClaude, domain.AccountShared, 30),
	)
	cache := newFakeCache()
	require.NoError(t, cache.SetPool(context.Background(), domain.AccountPool{
		ServiceType: domain.ServiceClaude,
		Version:     1,
		Accounts: []domain.PoolEntry{
			{ID: "acc-3", IsHealthy: true, Score: 90},
			{ID: "acc-1", IsHealthy: true, Score: 80},
			{ID: "acc-2", IsHealthy: false, Score: 0},
		},
	}, 0))

	r := NewResolver(accounts, cache, newScriptedProvider(), 95)
	group := boundGroup(&domain.ResourceBinding{
		Mode:        domain.BindingShared,
		SharedPools: []domain.SharedPoolRef{{ServiceType: domain.ServiceClaude}},
	})
	got, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	require.NoError(t, err)
	// acc-2 dropped as unhealthy; remaining follow snapshot order.
	require.Len(t, got, 2)
	assert.Equal(t, "acc-3", got[0].ID)
	assert.Equal(t, "acc-1", got[1].ID)
}

func TestResolveSharedAllSnapshotUnhealthyKeepsRaw(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountShared, 10),
	)
	cache := newFakeCache()
	require.NoError(t, cache.SetPool(context.Background(), domain.AccountPool{
		ServiceType: domain.ServiceClaude,
		Version:     1,
		Accounts:    []domain.PoolEntry{{ID: "acc-1", IsHealthy: false}},
	}, 0))

	r := NewResolver(accounts, cache, newScriptedProvider(), 95)
	group := boundGroup(&domain.ResourceBinding{
		Mode:        domain.BindingShared,
		SharedPools: []domain.SharedPoolRef{{ServiceType: domain.ServiceClaude}},
	})
	got, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	require.NoError(t, err)
	// Stale snapshots must not starve the group entirely.
	require.Len(t, got, 1)
}

func TestResolveHybridPrimaryFirst(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 10),
		activeAccount("acc-9", domain.ServiceClaude, domain.AccountShared, 5),
	)
	r := NewResolver(accounts, newFakeCache(), newScriptedProvider(), 95)
	group := boundGroup(&domain.ResourceBinding{
		Mode: domain.BindingHybrid,
		Hybrid: &domain.HybridConfig{
			PrimaryAccounts: []string{"acc-1"},
			FallbackPools:   []domain.ServiceType{domain.ServiceClaude},
		},
	})
	got, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "acc-1", got[0].ID)
}

func TestResolveHybridDowngradesToShared(t *testing.T) {
	t.Parallel()
	primary := activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 10)
	primary.Status = domain.StatusError
	accounts := newFakeAccounts(
		primary,
		activeAccount("acc-9", domain.ServiceClaude, domain.AccountShared, 5),
	)
	r := NewResolver(accounts, newFakeCache(), newScriptedProvider(), 95)
	group := boundGroup(&domain.ResourceBinding{
		Mode: domain.BindingHybrid,
		Hybrid: &domain.HybridConfig{
			PrimaryAccounts: []string{"acc-1"},
			FallbackPools:   []domain.ServiceType{domain.ServiceClaude},
		},
	})
	got, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "acc-9", got[0].ID)
}

func TestResolveHybridNoFallbackForService(t *testing.T) {
	t.Parallel()
	accounts := newFakeAccounts(
		activeAccount("acc-9", domain.ServiceClaude, domain.AccountShared, 5),
	)
	r := NewResolver(accounts, newFakeCache(), newScriptedProvider(), 95)
	group := boundGroup(&domain.ResourceBinding{
		Mode: domain.BindingHybrid,
		Hybrid: &domain.HybridConfig{
			PrimaryAccounts: nil,
			FallbackPools:   []domain.ServiceType{domain.ServiceGemini},
		},
	})
	_, err := r.Resolve(context.Background(), group, chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrNoSharedPoolConfigured)
}

func TestEnsureHealthyFallsBack(t *testing.T) {
	t.Parallel()
	provider := newScriptedProvider()
	provider.unhealthy["acc-1"] = true

	r := NewResolver(newFakeAccounts(), newFakeCache(), provider, 95)
	selected := activeAccount("acc-1", domain.ServiceClaude, domain.AccountShared, 10)
	alternates := []domain.Account{
		selected,
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountShared, 20),
	}

	got, err := r.EnsureHealthy(context.Background(), selected, alternates)
	require.NoError(t, err)
	assert.Equal(t, "acc-2", got.ID)
}

func TestEnsureHealthyAllDown(t *testing.T) {
	t.Parallel()
	provider := newScriptedProvider()
	provider.unhealthy["acc-1"] = true
	provider.unhealthy["acc-2"] = true

	r := NewResolver(newFakeAccounts(), newFakeCache(), provider, 95)
	selected := activeAccount("acc-1", domain.ServiceClaude, domain.AccountShared, 10)
	alternates := []domain.Account{
		selected,
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountShared, 20),
	}

	_, err := r.EnsureHealthy(context.Background(), selected, alternates)
	assert.ErrorIs(t, err, domain.ErrNoHealthyAccount)
}
