package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/carpool-router/internal/config"
	"github.com/fairyhunter13/carpool-router/internal/domain"
	"github.com/fairyhunter13/carpool-router/internal/service/balancer"
)

type routerFixture struct {
	router    *Router
	groups    *fakeGroups
	accounts  *fakeAccounts
	usage     *fakeUsage
	provider  *scriptedProvider
	publisher *capturedPublisher
}

func newRouterFixture(t *testing.T, group domain.Group, opts RouterOptions, accounts ...domain.Account) *routerFixture {
	t.Helper()
	if opts.RetryDelayBase == 0 {
		opts.RetryDelayBase = time.Millisecond
	}
	fx := &routerFixture{
		groups:    &fakeGroups{groups: map[string]domain.Group{group.ID: group}},
		accounts:  newFakeAccounts(accounts...),
		usage:     &fakeUsage{},
		provider:  newScriptedProvider(),
		publisher: &capturedPublisher{},
	}
	pricing, err := config.LoadPricing("")
	require.NoError(t, err)
	cache := newFakeCache()
	fx.router = NewRouter(fx.groups, fx.accounts, fx.usage,
		NewQuotaGate(fx.usage, nil),
		NewResolver(fx.accounts, cache, fx.provider, 95),
		balancer.New(95),
		fx.provider, fx.publisher, pricing, opts)
	return fx
}

func dedicatedGroup(ids ...string) domain.Group {
	refs := make([]domain.DedicatedAccountRef, 0, len(ids))
	for i, id := range ids {
		refs = append(refs, domain.DedicatedAccountRef{
			AccountID: id, ServiceType: domain.ServiceClaude, Priority: i + 1,
		})
	}
	return domain.Group{
		ID:  "grp-1",
		Org: domain.Standalone{},
		Binding: &domain.ResourceBinding{
			Mode:              domain.BindingDedicated,
			DedicatedAccounts: refs,
		},
	}
}

func sharedGroup() domain.Group {
	return domain.Group{
		ID:  "grp-1",
		Org: domain.EnterpriseGroup{EnterpriseID: "ent-1"},
		Binding: &domain.ResourceBinding{
			Mode:        domain.BindingShared,
			SharedPools: []domain.SharedPoolRef{{ServiceType: domain.ServiceClaude}},
		},
	}
}

func TestRouteValidation(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	_, err := fx.router.Route(context.Background(), "", chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = fx.router.Route(context.Background(), "grp-1", domain.RouteRequest{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRouteGroupNotFound(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	_, err := fx.router.Route(context.Background(), "grp-other", chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRouteSuccessDedicated(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	resp, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	require.NoError(t, err)

	assert.Equal(t, "acc-1", resp.AccountUsed.ID)
	assert.EqualValues(t, 15, resp.Usage.TotalTokens)
	assert.Positive(t, resp.Cost)

	// Bookkeeping applied to the account.
	acc, err := fx.accounts.Get(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acc.CurrentLoad, 1)
	assert.EqualValues(t, 1, acc.TotalRequests)
	assert.EqualValues(t, 15, acc.TotalTokens)

	// One usage record, appended and published with its id.
	recs := fx.usage.recorded()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.UsageSuccess, recs[0].Status)
	assert.Equal(t, recs[0].RequestTokens+recs[0].ResponseTokens, recs[0].TotalTokens)
	require.Len(t, fx.publisher.records, 1)
	assert.Equal(t, "usage-1", fx.publisher.records[0].ID)
}

func TestRouteQuotaRejectedBeforeDispatch(t *testing.T) {
	t.Parallel()
	group := dedicatedGroup("acc-1")
	group.Binding.DailyTokenLimit = i64(0)
	fx := newRouterFixture(t, group, RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	_, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)
	assert.Empty(t, fx.provider.sentTo())
}

func TestRouteFailsOverToSecondAccount(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, dedicatedGroup("acc-1", "acc-2"), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 10),
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountDedicated, 20))

	fx.provider.failNext("acc-1", domain.ErrProvider)

	resp, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	require.NoError(t, err)
	assert.Equal(t, "acc-2", resp.AccountUsed.ID)
	assert.Equal(t, []string{"acc-1", "acc-2"}, fx.provider.sentTo())

	// hard_flip is the default: the failed account is out of rotation.
	acc, err := fx.accounts.Get(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, acc.Status)
	assert.NotEmpty(t, acc.ErrorMessage)
	assert.Contains(t, fx.provider.evicted, "acc-1")

	recs := fx.usage.recorded()
	require.Len(t, recs, 2)
	assert.Equal(t, domain.UsageError, recs[0].Status)
	assert.Equal(t, domain.UsageSuccess, recs[1].Status)
}

func TestRouteNoHealthyAccountAfterFlip(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	fx.provider.failNext("acc-1", domain.ErrProvider)

	_, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrNoHealthyAccount)
}

func TestRouteExhaustedSurfacesServiceUnavailable(t *testing.T) {
	t.Parallel()
	opts := RouterOptions{
		MaxRetries:             3,
		FailureMode:            config.FailureModeSoftCount,
		MaxConsecutiveFailures: 10,
	}
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), opts,
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	fx.provider.failNext("acc-1", domain.ErrProvider, domain.ErrProvider, domain.ErrProvider)

	_, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.Len(t, fx.provider.sentTo(), 3)
}

func TestRouteRemoteRateLimitSurfacesRateLimited(t *testing.T) {
	t.Parallel()
	opts := RouterOptions{
		MaxRetries:             2,
		FailureMode:            config.FailureModeSoftCount,
		MaxConsecutiveFailures: 10,
	}
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), opts,
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	fx.provider.failNext("acc-1", domain.ErrRemoteRateLimited, domain.ErrRemoteRateLimited)

	_, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRouteAuthFailureIsTerminal(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, dedicatedGroup("acc-1", "acc-2"), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 10),
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountDedicated, 20))

	fx.provider.failNext("acc-1", domain.ErrAuthenticationFailed)

	_, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	// No retry on auth failures; credentials are evicted instead.
	assert.Len(t, fx.provider.sentTo(), 1)
	assert.Contains(t, fx.provider.evicted, "acc-1")
}

func TestRouteSoftCountToleratesThenResets(t *testing.T) {
	t.Parallel()
	opts := RouterOptions{
		MaxRetries:             4,
		FailureMode:            config.FailureModeSoftCount,
		MaxConsecutiveFailures: 3,
	}
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), opts,
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	fx.provider.failNext("acc-1", domain.ErrProvider, domain.ErrProvider)

	resp, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	require.NoError(t, err)
	assert.Equal(t, "acc-1", resp.AccountUsed.ID)

	// Two soft failures never flipped the account.
	acc, err := fx.accounts.Get(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, acc.Status)
}

func TestRouteSoftCountFlipsAtThreshold(t *testing.T) {
	t.Parallel()
	opts := RouterOptions{
		MaxRetries:             5,
		FailureMode:            config.FailureModeSoftCount,
		MaxConsecutiveFailures: 3,
	}
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), opts,
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	fx.provider.failNext("acc-1", domain.ErrProvider, domain.ErrProvider, domain.ErrProvider)

	_, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	assert.ErrorIs(t, err, domain.ErrNoHealthyAccount)

	acc, err2 := fx.accounts.Get(context.Background(), "acc-1")
	require.NoError(t, err2)
	assert.Equal(t, domain.StatusError, acc.Status)
}

func TestRouteConsistentHashPinsAccount(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, sharedGroup(), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountShared, 10),
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountShared, 20),
		activeAccount("acc-3", domain.ServiceClaude, domain.AccountShared, 30))

	req := chat(domain.ServiceClaude)
	req.RequestKey = "user-42"

	first, err := fx.router.Route(context.Background(), "grp-1", req)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		resp, err := fx.router.Route(context.Background(), "grp-1", req)
		require.NoError(t, err)
		assert.Equal(t, first.AccountUsed.ID, resp.AccountUsed.ID)
	}
}

func TestRouteDedicatedSkipsLivenessProbe(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	// A failing probe must not matter on the dedicated path.
	fx.provider.unhealthy["acc-1"] = true

	resp, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	require.NoError(t, err)
	assert.Equal(t, "acc-1", resp.AccountUsed.ID)
}

func TestRouteSharedProbesAndFallsBack(t *testing.T) {
	t.Parallel()
	fx := newRouterFixture(t, sharedGroup(), RouterOptions{},
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountShared, 10),
		activeAccount("acc-2", domain.ServiceClaude, domain.AccountShared, 90))

	// The liveness probe rejects acc-1 even though the balancer prefers it.
	fx.provider.unhealthy["acc-1"] = true

	resp, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	require.NoError(t, err)
	assert.Equal(t, "acc-2", resp.AccountUsed.ID)
}

func TestRouteSchedulesLoadDecay(t *testing.T) {
	t.Parallel()
	opts := RouterOptions{
		LoadDecayPeriod: 250 * time.Millisecond,
		LoadDecayAmount: 5,
	}
	fx := newRouterFixture(t, dedicatedGroup("acc-1"), opts,
		activeAccount("acc-1", domain.ServiceClaude, domain.AccountDedicated, 0))

	_, err := fx.router.Route(context.Background(), "grp-1", chat(domain.ServiceClaude))
	require.NoError(t, err)

	acc, err := fx.accounts.Get(context.Background(), "acc-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acc.CurrentLoad, 1)

	require.Eventually(t, func() bool {
		acc, err := fx.accounts.Get(context.Background(), "acc-1")
		return err == nil && acc.CurrentLoad == 0
	}, 3*time.Second, 20*time.Millisecond)
}
