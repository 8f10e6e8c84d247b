// Package domain holds the routing core's entities and ports.
package domain

import (
	"context"
	"time"
)

// ServiceType identifies a back-end AI provider family.
type ServiceType string

// Supported service types.
const (
	ServiceClaude ServiceType = "claude"
	ServiceGemini ServiceType = "gemini"
	ServiceOpenAI ServiceType = "openai"
	ServiceQwen   ServiceType = "qwen"
)

// DefaultServiceType is assumed when a request does not name one.
const DefaultServiceType = ServiceClaude

// KnownServiceTypes lists every service type the pool manager schedules for.
var KnownServiceTypes = []ServiceType{ServiceClaude, ServiceGemini, ServiceOpenAI, ServiceQwen}

// Organization is a tagged variant: a group is either standalone or part of
// an enterprise. Each case carries exactly the data it needs.
type Organization interface{ isOrganization() }

// Standalone marks a group with no enterprise affiliation.
type Standalone struct{}

func (Standalone) isOrganization() {}

// EnterpriseGroup marks a group owned by an enterprise.
type EnterpriseGroup struct{ EnterpriseID string }

func (EnterpriseGroup) isOrganization() {}

// MemberRole within a carpool group.
type MemberRole string

// Member roles.
const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// Member is a user belonging to a group.
type Member struct {
	UserID string
	Role   MemberRole
}

// Group is a carpool group (logical tenant).
type Group struct {
	ID      string
	Org     Organization
	Binding *ResourceBinding
	Members []Member
}

// BindingMode selects how a group is bound to back-end accounts.
type BindingMode string

// Binding modes.
const (
	BindingDedicated BindingMode = "dedicated"
	BindingShared    BindingMode = "shared"
	BindingHybrid    BindingMode = "hybrid"
)

// PriorityLevel of a group's binding.
type PriorityLevel string

// Priority levels.
const (
	PriorityHigh   PriorityLevel = "high"
	PriorityMedium PriorityLevel = "medium"
	PriorityLow    PriorityLevel = "low"
)

// DedicatedAccountRef pins one account for a dedicated binding.
type DedicatedAccountRef struct {
	AccountID   string
	ServiceType ServiceType
	Priority    int
}

// SharedPoolRef configures one shared pool for a binding.
// MaxUsagePercent caps the load of accounts the group may draw from.
type SharedPoolRef struct {
	ServiceType     ServiceType
	Priority        int
	MaxUsagePercent int
}

// HybridConfig holds the dedicated-first, shared-fallback configuration.
type HybridConfig struct {
	PrimaryAccounts []string
	FallbackPools   []ServiceType
}

// ResourceBinding maps a group to back-end accounts under one of three modes.
// DailyTokenLimit nil means unlimited; a literal zero means deny-all.
// Invariant: WarningThreshold <= AlertThreshold.
type ResourceBinding struct {
	Mode              BindingMode
	DailyTokenLimit   *int64
	MonthlyBudget     *float64
	PriorityLevel     PriorityLevel
	WarningThreshold  int
	AlertThreshold    int
	DedicatedAccounts []DedicatedAccountRef
	SharedPools       []SharedPoolRef
	Hybrid            *HybridConfig
}

// AccountType distinguishes dedicated credentials from pooled ones. This is
// orthogonal to BindingMode: a shared-mode binding draws only from accounts
// with AccountType = shared.
type AccountType string

// Account types.
const (
	AccountDedicated AccountType = "dedicated"
	AccountShared    AccountType = "shared"
)

// AccountStatus lifecycle as seen by the router.
type AccountStatus string

// Account statuses.
const (
	StatusActive   AccountStatus = "active"
	StatusInactive AccountStatus = "inactive"
	StatusError    AccountStatus = "error"
)

// MaxSelectableLoad is the hard load cap: an account at or above this
// percentage is never selectable.
const MaxSelectableLoad = 95

// Account is a single back-end credential/quota unit.
// CurrentLoad is a percentage in [0, 100].
type Account struct {
	ID          string
	Name        string
	ServiceType ServiceType
	AccountType AccountType
	Status      AccountStatus
	IsEnabled   bool
	// APIKey authenticates this account against the provider.
	APIKey string
	// BaseURL overrides the provider's default endpoint when set.
	BaseURL         string
	CurrentLoad     int
	SupportedModels []string
	DailyLimit      int64
	Weight          int
	Priority        int
	AvgResponseTime int64 // milliseconds; 0 when unmeasured
	TotalRequests   int64
	TotalTokens     int64
	TotalCost       float64
	LastUsedAt      time.Time
	ErrorMessage    string
}

// Selectable reports whether the account may receive traffic at all.
func (a Account) Selectable() bool {
	return a.IsEnabled && a.Status == StatusActive && a.CurrentLoad < MaxSelectableLoad
}

// HealthStatus is the cached result of the last probe for an account.
// LastChecked is epoch milliseconds.
type HealthStatus struct {
	AccountID           string `json:"account_id"`
	IsHealthy           bool   `json:"is_healthy"`
	ResponseTime        int64  `json:"response_time_ms"`
	ErrorMessage        string `json:"error_message,omitempty"`
	LastChecked         int64  `json:"last_checked"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// PoolEntry is one ranked account inside a precomputed pool snapshot.
type PoolEntry struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	ServiceType ServiceType `json:"service_type"`
	CurrentLoad int         `json:"current_load"`
	Priority    int         `json:"priority"`
	IsHealthy   bool        `json:"is_healthy"`
	Score       float64     `json:"score"`
}

// AccountPool is the versioned, score-sorted snapshot the pool manager
// publishes per service type. Version strictly increases; readers must not
// mix entries across versions.
type AccountPool struct {
	ServiceType ServiceType `json:"service_type"`
	Accounts    []PoolEntry `json:"accounts"`
	LastUpdate  time.Time   `json:"last_update"`
	Version     int64       `json:"version"`
}

// UsageStatus of one recorded request.
type UsageStatus string

// Usage statuses.
const (
	UsageSuccess UsageStatus = "success"
	UsageError   UsageStatus = "error"
)

// UsageRecord is the append-only accounting row for one routed request.
// Invariant: RequestTokens + ResponseTokens == TotalTokens.
type UsageRecord struct {
	ID             string
	UserID         string
	GroupID        string
	AccountID      string
	ServiceType    ServiceType
	Model          string
	RequestTokens  int64
	ResponseTokens int64
	TotalTokens    int64
	Cost           float64
	RequestTime    time.Time
	ResponseTime   int64 // milliseconds
	Status         UsageStatus
	ErrorType      string
}

// MessageRole in a chat request.
type MessageRole string

// Message roles.
const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one chat turn.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// RouteRequest is the inbound chat-style request the router dispatches.
type RouteRequest struct {
	Messages    []Message   `json:"messages"`
	ServiceType ServiceType `json:"service_type,omitempty"`
	Model       string      `json:"model,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	// RequestKey pins consistent-hash selection (e.g. a user id).
	RequestKey string `json:"request_key,omitempty"`
	// UserID attributes the usage record; optional.
	UserID string `json:"user_id,omitempty"`
}

// Resolved returns the request's service type, defaulting when unset.
func (r RouteRequest) Resolved() ServiceType {
	if r.ServiceType == "" {
		return DefaultServiceType
	}
	return r.ServiceType
}

// Usage reported by a provider for one completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// AccountRef identifies the account a response was served by.
type AccountRef struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	ServiceType ServiceType `json:"service_type"`
}

// RouteResponse is a successful routed completion.
type RouteResponse struct {
	Message     Message        `json:"message"`
	Usage       Usage          `json:"usage"`
	Cost        float64        `json:"cost"`
	AccountUsed AccountRef     `json:"account_used"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ProbeResult is the outcome of one provider health probe.
type ProbeResult struct {
	IsHealthy    bool
	ResponseTime int64 // milliseconds
	ErrorMessage string
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
