package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/carpool-router/internal/adapter/observability"
	"github.com/fairyhunter13/carpool-router/internal/config"
	"github.com/fairyhunter13/carpool-router/internal/domain"
	"github.com/fairyhunter13/carpool-router/internal/service/balancer"
)

// RouterOptions carry the retry and bookkeeping knobs.
type RouterOptions struct {
	MaxRetries             int
	RetryDelayBase         time.Duration
	ProviderTimeout        time.Duration
	LoadDecayPeriod        time.Duration
	LoadDecayAmount        int
	FailureMode            string
	MaxConsecutiveFailures int
	ErrorMessageMaxLen     int
}

func (o *RouterOptions) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelayBase <= 0 {
		o.RetryDelayBase = time.Second
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 2 * time.Minute
	}
	if o.LoadDecayPeriod <= 0 {
		o.LoadDecayPeriod = time.Minute
	}
	if o.LoadDecayAmount <= 0 {
		o.LoadDecayAmount = 5
	}
	if o.FailureMode == "" {
		o.FailureMode = config.FailureModeHardFlip
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 3
	}
	if o.ErrorMessageMaxLen <= 0 {
		o.ErrorMessageMaxLen = 500
	}
}

// Router orchestrates one request: quota gate, resolution, selection,
// provider dispatch, accounting, retry and fail-over.
type Router struct {
	Groups   domain.GroupRepository
	Accounts domain.AccountRepository
	Usage    domain.UsageRepository
	Quota    *QuotaGate
	Resolver *Resolver
	Balancer *balancer.Balancer
	Provider domain.ProviderClient
	// Publisher streams usage records; nil disables the stream.
	Publisher domain.UsagePublisher
	Pricing   config.PricingTable

	opts RouterOptions

	// softFailures tracks per-account provider failures in soft_count mode.
	softMu       sync.Mutex
	softFailures map[string]int
}

// NewRouter constructs a Router.
func NewRouter(groups domain.GroupRepository, accounts domain.AccountRepository, usage domain.UsageRepository,
	quota *QuotaGate, resolver *Resolver, bal *balancer.Balancer, provider domain.ProviderClient,
	publisher domain.UsagePublisher, pricing config.PricingTable, opts RouterOptions) *Router {
	opts.defaults()
	return &Router{
		Groups:       groups,
		Accounts:     accounts,
		Usage:        usage,
		Quota:        quota,
		Resolver:     resolver,
		Balancer:     bal,
		Provider:     provider,
		Publisher:    publisher,
		Pricing:      pricing,
		opts:         opts,
		softFailures: make(map[string]int),
	}
}

// Route dispatches one chat request on the group's behalf.
func (r *Router) Route(ctx domain.Context, groupID string, req domain.RouteRequest) (domain.RouteResponse, error) {
	if groupID == "" || len(req.Messages) == 0 {
		return domain.RouteResponse{}, fmt.Errorf("op=route: group id and messages required: %w", domain.ErrInvalidArgument)
	}
	svc := req.Resolved()

	group, err := r.Groups.Get(ctx, groupID)
	if err != nil {
		return domain.RouteResponse{}, fmt.Errorf("op=route group=%s: %w", groupID, err)
	}

	// Quota errors are terminal and bypass retry entirely.
	if err := r.Quota.Check(ctx, group); err != nil {
		observability.ObserveRoute(string(svc), "quota_rejected")
		return domain.RouteResponse{}, err
	}

	delay := newLinearBackOff(r.opts.RetryDelayBase)
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		account, err := r.selectAccount(ctx, group, req, svc, attempt)
		if err != nil {
			observability.ObserveRoute(string(svc), "no_account")
			return domain.RouteResponse{}, err
		}

		resp, sendErr := r.dispatch(ctx, group, *account, req)
		if sendErr == nil {
			observability.ObserveRoute(string(svc), "success")
			return resp, nil
		}
		lastErr = sendErr

		if !domain.Retryable(sendErr) {
			observability.ObserveRoute(string(svc), "failed")
			return domain.RouteResponse{}, sendErr
		}
		if attempt == r.opts.MaxRetries {
			break
		}

		observability.RouteRetriesTotal.WithLabelValues(string(svc)).Inc()
		wait := delay.NextBackOff()
		if errors.Is(sendErr, domain.ErrRemoteRateLimited) {
			// Remote 429s get a longer breather before reselection.
			wait *= 2
		}
		slog.Info("route retrying after provider failure",
			slog.String("group_id", groupID),
			slog.String("account_id", account.ID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.Any("error", sendErr))
		if err := sleepCtx(ctx, wait); err != nil {
			return domain.RouteResponse{}, fmt.Errorf("op=route group=%s: %w", groupID, err)
		}
	}

	observability.ObserveRoute(string(svc), "exhausted")
	return domain.RouteResponse{}, &domain.ExhaustedError{Attempts: r.opts.MaxRetries, Last: lastErr}
}

// selectAccount resolves candidates and picks one. Resolver errors are
// terminal on the first attempt; on a later attempt they mean the retry has
// nothing left to try and surface as NoHealthyAccount.
func (r *Router) selectAccount(ctx domain.Context, group domain.Group, req domain.RouteRequest, svc domain.ServiceType, attempt int) (*domain.Account, error) {
	candidates, err := r.Resolver.Resolve(ctx, group, req)
	if err != nil {
		if attempt > 1 {
			return nil, fmt.Errorf("op=route.reselect group=%s attempt=%d: %w", group.ID, attempt, domain.ErrNoHealthyAccount)
		}
		return nil, err
	}

	opts := balancer.Options{ServiceType: svc, RequestKey: req.RequestKey}
	if req.RequestKey != "" {
		opts.Strategy = balancer.ConsistentHash
	}
	selected := r.Balancer.Select(candidates, opts)
	if selected == nil {
		return nil, fmt.Errorf("op=route.select group=%s service=%s: %w", group.ID, svc, domain.ErrNoHealthyAccount)
	}

	// Shared and hybrid paths double-check liveness because the snapshot
	// may lag; dedicated bindings go straight to dispatch.
	if group.Binding.Mode != domain.BindingDedicated {
		healthy, err := r.Resolver.EnsureHealthy(ctx, *selected, candidates)
		if err != nil {
			return nil, err
		}
		selected = &healthy
	}
	return selected, nil
}

// dispatch performs the provider call and all post-call bookkeeping.
func (r *Router) dispatch(ctx domain.Context, group domain.Group, account domain.Account, req domain.RouteRequest) (domain.RouteResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	resp, err := r.Provider.Send(callCtx, account, req)
	rt := time.Since(start).Milliseconds()
	observability.ProviderRequestDuration.WithLabelValues(string(account.ServiceType)).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrProviderTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrProviderTimeout, err)
		}
		r.recordFailure(ctx, group, account, req, rt, err)
		return domain.RouteResponse{}, err
	}

	r.recordSuccess(ctx, group, account, req, rt, &resp)
	return resp, nil
}

func (r *Router) recordSuccess(ctx domain.Context, group domain.Group, account domain.Account, req domain.RouteRequest, rt int64, resp *domain.RouteResponse) {
	// Enforce the accounting invariant regardless of what the provider said.
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	if resp.Cost == 0 {
		model := req.Model
		if m, ok := resp.Metadata["model"].(string); ok && m != "" {
			model = m
		}
		resp.Cost = r.Pricing.Cost(model, string(account.ServiceType), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	resp.AccountUsed = domain.AccountRef{ID: account.ID, Name: account.Name, ServiceType: account.ServiceType}

	loadDelta := int(rt / 100)
	if loadDelta < 1 {
		loadDelta = 1
	}
	if loadDelta > 10 {
		loadDelta = 10
	}
	if err := r.Accounts.ApplySuccess(ctx, account.ID, loadDelta, resp.Usage.TotalTokens, resp.Cost, rt); err != nil {
		slog.Error("account success update failed", slog.String("account_id", account.ID), slog.Any("error", err))
	}
	r.scheduleDecay(account.ID)
	r.resetSoftFailures(account.ID)

	rec := domain.UsageRecord{
		UserID:         req.UserID,
		GroupID:        group.ID,
		AccountID:      account.ID,
		ServiceType:    account.ServiceType,
		Model:          req.Model,
		RequestTokens:  resp.Usage.PromptTokens,
		ResponseTokens: resp.Usage.CompletionTokens,
		TotalTokens:    resp.Usage.TotalTokens,
		Cost:           resp.Cost,
		RequestTime:    time.Now().UTC(),
		ResponseTime:   rt,
		Status:         domain.UsageSuccess,
	}
	r.appendUsage(ctx, rec)
}

func (r *Router) recordFailure(ctx domain.Context, group domain.Group, account domain.Account, req domain.RouteRequest, rt int64, sendErr error) {
	msg := domain.Truncate(sendErr.Error(), r.opts.ErrorMessageMaxLen)
	flip := r.shouldFlip(account.ID)
	if err := r.Accounts.ApplyFailure(ctx, account.ID, msg, flip); err != nil {
		slog.Error("account failure update failed", slog.String("account_id", account.ID), slog.Any("error", err))
	}
	if flip {
		slog.Warn("account flipped to error after provider failure",
			slog.String("account_id", account.ID),
			slog.String("error", msg))
	}

	// API-level failures invalidate any cached client so credentials are
	// rebuilt on the next call. Timeouts keep the client.
	if errors.Is(sendErr, domain.ErrAuthenticationFailed) || errors.Is(sendErr, domain.ErrProvider) || errors.Is(sendErr, domain.ErrRemoteRateLimited) {
		r.Provider.Evict(account.ID)
	}

	rec := domain.UsageRecord{
		UserID:       req.UserID,
		GroupID:      group.ID,
		AccountID:    account.ID,
		ServiceType:  account.ServiceType,
		Model:        req.Model,
		RequestTime:  time.Now().UTC(),
		ResponseTime: rt,
		Status:       domain.UsageError,
		ErrorType:    errorType(sendErr),
	}
	r.appendUsage(ctx, rec)
}

// shouldFlip implements the configurable failure policy: hard_flip excludes
// on first fault; soft_count flips only once the soft counter reaches the
// consecutive-failure threshold.
func (r *Router) shouldFlip(accountID string) bool {
	if r.opts.FailureMode == config.FailureModeHardFlip {
		return true
	}
	r.softMu.Lock()
	defer r.softMu.Unlock()
	r.softFailures[accountID]++
	return r.softFailures[accountID] >= r.opts.MaxConsecutiveFailures
}

func (r *Router) resetSoftFailures(accountID string) {
	r.softMu.Lock()
	delete(r.softFailures, accountID)
	r.softMu.Unlock()
}

func (r *Router) scheduleDecay(accountID string) {
	time.AfterFunc(r.opts.LoadDecayPeriod, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.Accounts.DecayLoad(ctx, accountID, r.opts.LoadDecayAmount); err != nil {
			slog.Warn("load decay failed", slog.String("account_id", accountID), slog.Any("error", err))
		}
	})
}

func (r *Router) appendUsage(ctx domain.Context, rec domain.UsageRecord) {
	id, err := r.Usage.Append(ctx, rec)
	if err != nil {
		slog.Error("usage record append failed", slog.String("group_id", rec.GroupID), slog.Any("error", err))
		return
	}
	rec.ID = id
	if r.Publisher == nil {
		return
	}
	if err := r.Publisher.PublishUsage(ctx, rec); err != nil {
		slog.Warn("usage event publish failed", slog.String("usage_id", id), slog.Any("error", err))
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrProviderTimeout):
		return "provider_timeout"
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, domain.ErrRemoteRateLimited):
		return "remote_rate_limited"
	default:
		return "provider_error"
	}
}

// linearBackOff realizes a linear delay x attempt schedule on the
// backoff.BackOff interface.
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func newLinearBackOff(base time.Duration) backoff.BackOff {
	return &linearBackOff{base: base}
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	return time.Duration(l.attempt) * l.base
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

func sleepCtx(ctx domain.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
