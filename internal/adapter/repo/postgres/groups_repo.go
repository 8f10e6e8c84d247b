package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// GroupRepo loads carpool groups and their resource bindings.
type GroupRepo struct{ Pool PgxPool }

// NewGroupRepo constructs a GroupRepo with the given pool.
func NewGroupRepo(p PgxPool) *GroupRepo { return &GroupRepo{Pool: p} }

// bindingConfig is the jsonb payload of a binding's mode-specific config.
type bindingConfig struct {
	DedicatedAccounts []dedicatedAccountJSON `json:"dedicated_accounts,omitempty"`
	SharedPools       []sharedPoolJSON       `json:"shared_pools,omitempty"`
	PrimaryAccounts   []string               `json:"primary_accounts,omitempty"`
	FallbackPools     []string               `json:"fallback_pools,omitempty"`
}

type dedicatedAccountJSON struct {
	AccountID   string `json:"account_id"`
	ServiceType string `json:"service_type"`
	Priority    int    `json:"priority"`
}

type sharedPoolJSON struct {
	ServiceType     string `json:"service_type"`
	Priority        int    `json:"priority"`
	MaxUsagePercent int    `json:"max_usage_percent"`
}

// Get loads a group, its binding, and its members.
func (r *GroupRepo) Get(ctx domain.Context, id string) (domain.Group, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.Get")
	defer span.End()

	q := `SELECT g.id, g.organization_type, COALESCE(g.enterprise_id, ''),
	             b.mode, b.daily_token_limit, b.monthly_budget, b.priority_level,
	             b.warning_threshold, b.alert_threshold, b.config
	      FROM groups g
	      LEFT JOIN resource_bindings b ON b.group_id = g.id
	      WHERE g.id = $1`
	row := r.Pool.QueryRow(ctx, q, id)

	var (
		g            domain.Group
		orgType      string
		enterpriseID string
		mode         *string
		dailyLimit   *int64
		budget       *float64
		prioLevel    *string
		warnPct      *int
		alertPct     *int
		cfgRaw       []byte
	)
	if err := row.Scan(&g.ID, &orgType, &enterpriseID, &mode, &dailyLimit, &budget, &prioLevel, &warnPct, &alertPct, &cfgRaw); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Group{}, fmt.Errorf("op=group.get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Group{}, fmt.Errorf("op=group.get id=%s: %w", id, err)
	}

	if orgType == "enterprise_group" {
		g.Org = domain.EnterpriseGroup{EnterpriseID: enterpriseID}
	} else {
		g.Org = domain.Standalone{}
	}

	if mode != nil {
		b := &domain.ResourceBinding{
			Mode:            domain.BindingMode(*mode),
			DailyTokenLimit: dailyLimit,
			MonthlyBudget:   budget,
		}
		if prioLevel != nil {
			b.PriorityLevel = domain.PriorityLevel(*prioLevel)
		}
		if warnPct != nil {
			b.WarningThreshold = *warnPct
		}
		if alertPct != nil {
			b.AlertThreshold = *alertPct
		}
		if len(cfgRaw) > 0 {
			var cfg bindingConfig
			if err := json.Unmarshal(cfgRaw, &cfg); err != nil {
				return domain.Group{}, fmt.Errorf("op=group.get binding config id=%s: %w", id, err)
			}
			for _, d := range cfg.DedicatedAccounts {
				b.DedicatedAccounts = append(b.DedicatedAccounts, domain.DedicatedAccountRef{
					AccountID:   d.AccountID,
					ServiceType: domain.ServiceType(d.ServiceType),
					Priority:    d.Priority,
				})
			}
			for _, s := range cfg.SharedPools {
				b.SharedPools = append(b.SharedPools, domain.SharedPoolRef{
					ServiceType:     domain.ServiceType(s.ServiceType),
					Priority:        s.Priority,
					MaxUsagePercent: s.MaxUsagePercent,
				})
			}
			if len(cfg.PrimaryAccounts) > 0 || len(cfg.FallbackPools) > 0 {
				h := &domain.HybridConfig{PrimaryAccounts: cfg.PrimaryAccounts}
				for _, f := range cfg.FallbackPools {
					h.FallbackPools = append(h.FallbackPools, domain.ServiceType(f))
				}
				b.Hybrid = h
			}
		}
		g.Binding = b
	}

	members, err := r.members(ctx, id)
	if err != nil {
		return domain.Group{}, err
	}
	g.Members = members
	return g, nil
}

func (r *GroupRepo) members(ctx domain.Context, groupID string) ([]domain.Member, error) {
	q := `SELECT user_id, role FROM group_members WHERE group_id=$1 ORDER BY user_id`
	rows, err := r.Pool.Query(ctx, q, groupID)
	if err != nil {
		return nil, fmt.Errorf("op=group.members id=%s: %w", groupID, err)
	}
	defer rows.Close()
	var out []domain.Member
	for rows.Next() {
		var m domain.Member
		var role string
		if err := rows.Scan(&m.UserID, &role); err != nil {
			return nil, fmt.Errorf("op=group.members id=%s: %w", groupID, err)
		}
		m.Role = domain.MemberRole(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=group.members id=%s: %w", groupID, err)
	}
	return out, nil
}
