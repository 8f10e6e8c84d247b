package provider

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// Stub is a fast, deterministic provider for local development and tests.
// It echoes a canned completion and counts tokens the same way the real
// transport does when a usage block is missing.
type Stub struct {
	counter *tokenCounter
}

// NewStub constructs the stub provider.
func NewStub() *Stub { return &Stub{counter: newTokenCounter()} }

// Send returns a canned completion with locally counted usage.
func (s *Stub) Send(_ domain.Context, account domain.Account, req domain.RouteRequest) (domain.RouteResponse, error) {
	// Resemble real work without slowing tests down.
	time.Sleep(5 * time.Millisecond)

	model := req.Model
	if model == "" {
		model = defaultModels[account.ServiceType]
	}
	content := fmt.Sprintf("stubbed completion from %s", account.Name)
	prompt := s.counter.CountMessages(req.Messages, model)
	completion := s.counter.CountText(content, model)

	return domain.RouteResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: content},
		Usage: domain.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		AccountUsed: domain.AccountRef{ID: account.ID, Name: account.Name, ServiceType: account.ServiceType},
		Metadata:    map[string]any{"model": model, "stub": true},
	}, nil
}

// HealthCheck always reports healthy.
func (s *Stub) HealthCheck(_ domain.Context, _ domain.Account) (domain.ProbeResult, error) {
	return domain.ProbeResult{IsHealthy: true, ResponseTime: 5}, nil
}

// Evict is a no-op; the stub holds no per-account state.
func (s *Stub) Evict(_ string) {}
