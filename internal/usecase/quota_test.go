package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func boundGroup(binding *domain.ResourceBinding) domain.Group {
	return domain.Group{ID: "grp-1", Org: domain.Standalone{}, Binding: binding}
}

func TestCheckNoBinding(t *testing.T) {
	t.Parallel()
	g := NewQuotaGate(&fakeUsage{}, nil)
	err := g.Check(context.Background(), boundGroup(nil))
	assert.ErrorIs(t, err, domain.ErrNoBindingConfigured)
}

func TestCheckUnlimited(t *testing.T) {
	t.Parallel()
	// nil limits mean no quota at all; heavy past usage is irrelevant.
	g := NewQuotaGate(&fakeUsage{tokens: 1_000_000, cost: 9999}, nil)
	err := g.Check(context.Background(), boundGroup(&domain.ResourceBinding{Mode: domain.BindingDedicated}))
	require.NoError(t, err)
}

func TestCheckZeroLimitDeniesAll(t *testing.T) {
	t.Parallel()
	g := NewQuotaGate(&fakeUsage{tokens: 0}, nil)
	b := &domain.ResourceBinding{Mode: domain.BindingDedicated, DailyTokenLimit: i64(0)}
	err := g.Check(context.Background(), boundGroup(b))
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)
}

func TestCheckDailyLimit(t *testing.T) {
	t.Parallel()
	b := &domain.ResourceBinding{Mode: domain.BindingDedicated, DailyTokenLimit: i64(1000)}

	g := NewQuotaGate(&fakeUsage{tokens: 999}, nil)
	require.NoError(t, g.Check(context.Background(), boundGroup(b)))

	g = NewQuotaGate(&fakeUsage{tokens: 1000}, nil)
	err := g.Check(context.Background(), boundGroup(b))
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)
}

func TestCheckAlertThresholdTightensLimit(t *testing.T) {
	t.Parallel()
	b := &domain.ResourceBinding{
		Mode:            domain.BindingDedicated,
		DailyTokenLimit: i64(1000),
		AlertThreshold:  80,
	}

	g := NewQuotaGate(&fakeUsage{tokens: 799}, nil)
	require.NoError(t, g.Check(context.Background(), boundGroup(b)))

	g = NewQuotaGate(&fakeUsage{tokens: 800}, nil)
	err := g.Check(context.Background(), boundGroup(b))
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)
}

func TestCheckMonthlyBudget(t *testing.T) {
	t.Parallel()
	b := &domain.ResourceBinding{Mode: domain.BindingShared, MonthlyBudget: f64(50)}

	g := NewQuotaGate(&fakeUsage{cost: 49.99}, nil)
	require.NoError(t, g.Check(context.Background(), boundGroup(b)))

	g = NewQuotaGate(&fakeUsage{cost: 50}, nil)
	err := g.Check(context.Background(), boundGroup(b))
	assert.ErrorIs(t, err, domain.ErrMonthlyBudgetExceeded)
}

func TestCheckDailyBeforeMonthly(t *testing.T) {
	t.Parallel()
	b := &domain.ResourceBinding{
		Mode:            domain.BindingDedicated,
		DailyTokenLimit: i64(100),
		MonthlyBudget:   f64(1),
	}
	g := NewQuotaGate(&fakeUsage{tokens: 100, cost: 100}, nil)
	err := g.Check(context.Background(), boundGroup(b))
	assert.ErrorIs(t, err, domain.ErrDailyLimitExceeded)
}

func TestEffectiveLimit(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 1000.0, effectiveLimit(1000, 0), 1e-9)
	assert.InDelta(t, 1000.0, effectiveLimit(1000, 100), 1e-9)
	assert.InDelta(t, 1000.0, effectiveLimit(1000, 150), 1e-9)
	assert.InDelta(t, 800.0, effectiveLimit(1000, 80), 1e-9)
}
