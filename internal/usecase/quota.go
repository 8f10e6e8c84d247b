// Package usecase contains the routing core's application services: the
// quota gate, the resource-binding resolver, and the smart router.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/carpool-router/internal/adapter/observability"
	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// QuotaGate is fail-fast admission control evaluated before any network
// call. It only reads; tokens are never pre-reserved, so concurrent
// requests may overshoot slightly and converge through usage accounting.
type QuotaGate struct {
	Usage domain.UsageRepository
	// DayLoc locates the daily boundary; month boundaries are always UTC.
	DayLoc *time.Location
}

// NewQuotaGate constructs a QuotaGate. A nil location defaults to UTC.
func NewQuotaGate(usage domain.UsageRepository, dayLoc *time.Location) *QuotaGate {
	if dayLoc == nil {
		dayLoc = time.UTC
	}
	return &QuotaGate{Usage: usage, DayLoc: dayLoc}
}

// Check admits or rejects the group's request against its binding limits.
// A nil DailyTokenLimit is unlimited; a literal zero denies everything.
func (g *QuotaGate) Check(ctx domain.Context, group domain.Group) error {
	b := group.Binding
	if b == nil {
		observability.QuotaRejectionsTotal.WithLabelValues("no_binding").Inc()
		return fmt.Errorf("op=quota.check group=%s: %w", group.ID, domain.ErrNoBindingConfigured)
	}

	if b.DailyTokenLimit != nil {
		dayStart := startOfDay(time.Now().In(g.DayLoc))
		used, err := g.Usage.SumTokensSince(ctx, group.ID, dayStart)
		if err != nil {
			return fmt.Errorf("op=quota.daily group=%s: %w", group.ID, err)
		}
		limit := effectiveLimit(float64(*b.DailyTokenLimit), b.AlertThreshold)
		if float64(used) >= limit {
			observability.QuotaRejectionsTotal.WithLabelValues("daily_limit").Inc()
			return fmt.Errorf("op=quota.daily group=%s used=%d limit=%d: %w",
				group.ID, used, *b.DailyTokenLimit, domain.ErrDailyLimitExceeded)
		}
		warnAt := effectiveLimit(float64(*b.DailyTokenLimit), b.WarningThreshold)
		if float64(used) >= warnAt {
			slog.Warn("group approaching daily token limit",
				slog.String("group_id", group.ID),
				slog.Int64("used", used),
				slog.Int64("limit", *b.DailyTokenLimit))
		}
	}

	if b.MonthlyBudget != nil {
		monthStart := startOfMonthUTC(time.Now().UTC())
		spent, err := g.Usage.SumCostSince(ctx, group.ID, monthStart)
		if err != nil {
			return fmt.Errorf("op=quota.monthly group=%s: %w", group.ID, err)
		}
		budget := effectiveLimit(*b.MonthlyBudget, b.AlertThreshold)
		if spent >= budget {
			observability.QuotaRejectionsTotal.WithLabelValues("monthly_budget").Inc()
			return fmt.Errorf("op=quota.monthly group=%s spent=%.4f budget=%.4f: %w",
				group.ID, spent, *b.MonthlyBudget, domain.ErrMonthlyBudgetExceeded)
		}
	}

	return nil
}

// effectiveLimit scales a limit by the alert/warning threshold percentage.
// Zero means the threshold is unset and the full limit applies.
func effectiveLimit(limit float64, thresholdPct int) float64 {
	if thresholdPct <= 0 || thresholdPct >= 100 {
		return limit
	}
	return limit * float64(thresholdPct) / 100.0
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonthUTC(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
