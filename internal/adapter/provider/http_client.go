// Package provider implements the vendor transport the router dispatches
// through. One HTTP client is cached per account so eviction after an
// auth failure forces fresh connections on the next attempt.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/carpool-router/internal/config"
	"github.com/fairyhunter13/carpool-router/internal/domain"
)

const anthropicVersion = "2023-06-01"

// defaultModels used when a request does not name one.
var defaultModels = map[domain.ServiceType]string{
	domain.ServiceClaude: "claude-3-5-sonnet-latest",
	domain.ServiceGemini: "gemini-1.5-flash",
	domain.ServiceOpenAI: "gpt-4o-mini",
	domain.ServiceQwen:   "qwen-plus",
}

type accountClient struct {
	baseURL string
	hc      *http.Client
}

// HTTPClient implements domain.ProviderClient over the vendors' HTTP APIs.
// Anthropic speaks its own messages protocol; gemini, openai and qwen are
// dispatched through their OpenAI-compatible endpoints.
type HTTPClient struct {
	cfg     config.Config
	counter *tokenCounter
	mu      sync.RWMutex
	clients map[string]*accountClient
}

// NewHTTPClient constructs the transport. Request deadlines come from the
// caller's context; the inner clients carry no timeout of their own.
func NewHTTPClient(cfg config.Config) *HTTPClient {
	return &HTTPClient{
		cfg:     cfg,
		counter: newTokenCounter(),
		clients: make(map[string]*accountClient),
	}
}

func (c *HTTPClient) clientFor(account domain.Account) *accountClient {
	c.mu.RLock()
	ac, ok := c.clients[account.ID]
	c.mu.RUnlock()
	if ok {
		return ac
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ac, ok := c.clients[account.ID]; ok {
		return ac
	}
	base := account.BaseURL
	if base == "" {
		base = c.defaultBaseURL(account.ServiceType)
	}
	ac = &accountClient{baseURL: base, hc: &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
	c.clients[account.ID] = ac
	return ac
}

func (c *HTTPClient) defaultBaseURL(svc domain.ServiceType) string {
	switch svc {
	case domain.ServiceClaude:
		return c.cfg.ClaudeBaseURL
	case domain.ServiceGemini:
		return c.cfg.GeminiBaseURL
	case domain.ServiceOpenAI:
		return c.cfg.OpenAIBaseURL
	case domain.ServiceQwen:
		return c.cfg.QwenBaseURL
	default:
		return c.cfg.OpenAIBaseURL
	}
}

// Evict drops the cached client for an account.
func (c *HTTPClient) Evict(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, accountID)
}

// Send dispatches one chat request on the given account.
func (c *HTTPClient) Send(ctx domain.Context, account domain.Account, req domain.RouteRequest) (domain.RouteResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultModels[account.ServiceType]
	}

	var (
		resp domain.RouteResponse
		err  error
	)
	if account.ServiceType == domain.ServiceClaude {
		resp, err = c.sendAnthropic(ctx, account, req, model)
	} else {
		resp, err = c.sendOpenAI(ctx, account, req, model)
	}
	if err != nil {
		return domain.RouteResponse{}, err
	}

	resp.AccountUsed = domain.AccountRef{ID: account.ID, Name: account.Name, ServiceType: account.ServiceType}
	if resp.Usage.TotalTokens == 0 {
		// Some gateways strip the usage block; estimate locally so quota
		// accounting never records zero for a served completion.
		resp.Usage.PromptTokens = c.counter.CountMessages(req.Messages, model)
		resp.Usage.CompletionTokens = c.counter.CountText(resp.Message.Content, model)
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	return resp, nil
}

func (c *HTTPClient) sendOpenAI(ctx domain.Context, account domain.Account, req domain.RouteRequest, model string) (domain.RouteResponse, error) {
	body := map[string]any{
		"model":    model,
		"messages": req.Messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	b, _ := json.Marshal(body)

	ac := c.clientFor(account)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ac.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return domain.RouteResponse{}, fmt.Errorf("op=provider.send service=%s: %w", account.ServiceType, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+account.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := c.do(ac, httpReq, account)
	if err != nil {
		return domain.RouteResponse{}, err
	}

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message domain.Message `json:"message"`
		} `json:"choices"`
		Usage domain.Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.RouteResponse{}, fmt.Errorf("op=provider.send decode service=%s: %w: %v", account.ServiceType, domain.ErrProvider, err)
	}
	if len(out.Choices) == 0 {
		return domain.RouteResponse{}, fmt.Errorf("op=provider.send service=%s: %w: empty choices", account.ServiceType, domain.ErrProvider)
	}
	return domain.RouteResponse{
		Message:  out.Choices[0].Message,
		Usage:    out.Usage,
		Metadata: map[string]any{"model": out.Model},
	}, nil
}

func (c *HTTPClient) sendAnthropic(ctx domain.Context, account domain.Account, req domain.RouteRequest, model string) (domain.RouteResponse, error) {
	// Anthropic carries the system prompt outside the messages array.
	var system string
	msgs := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = m.Content
			continue
		}
		msgs = append(msgs, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   msgs,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	b, _ := json.Marshal(body)

	ac := c.clientFor(account)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ac.baseURL+"/messages", bytes.NewReader(b))
	if err != nil {
		return domain.RouteResponse{}, fmt.Errorf("op=provider.send service=claude: %w", err)
	}
	httpReq.Header.Set("x-api-key", account.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := c.do(ac, httpReq, account)
	if err != nil {
		return domain.RouteResponse{}, err
	}

	var out struct {
		Model   string `json:"model"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.RouteResponse{}, fmt.Errorf("op=provider.send decode service=claude: %w: %v", domain.ErrProvider, err)
	}
	if len(out.Content) == 0 {
		return domain.RouteResponse{}, fmt.Errorf("op=provider.send service=claude: %w: empty content", domain.ErrProvider)
	}
	return domain.RouteResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: out.Content[0].Text},
		Usage: domain.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
		Metadata: map[string]any{"model": out.Model},
	}, nil
}

// do executes the request and maps HTTP-level failures onto the error
// taxonomy the router retries against.
func (c *HTTPClient) do(ac *accountClient, req *http.Request, account domain.Account) ([]byte, error) {
	resp, err := ac.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("op=provider.send account=%s: %w", account.ID, domain.ErrProviderTimeout)
		}
		return nil, fmt.Errorf("op=provider.send account=%s: %w: %v", account.ID, domain.ErrProvider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=provider.send read account=%s: %w: %v", account.ID, domain.ErrProvider, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		slog.Warn("provider auth failure",
			slog.String("account_id", account.ID),
			slog.String("service_type", string(account.ServiceType)),
			slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("op=provider.send account=%s status=%d: %w", account.ID, resp.StatusCode, domain.ErrAuthenticationFailed)
	case resp.StatusCode == http.StatusTooManyRequests:
		slog.Warn("provider rate limited",
			slog.String("account_id", account.ID),
			slog.String("service_type", string(account.ServiceType)))
		return nil, fmt.Errorf("op=provider.send account=%s: %w", account.ID, domain.ErrRemoteRateLimited)
	default:
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		slog.Error("provider non-2xx",
			slog.String("account_id", account.ID),
			slog.String("service_type", string(account.ServiceType)),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		return nil, fmt.Errorf("op=provider.send account=%s status=%d: %w", account.ID, resp.StatusCode, domain.ErrProvider)
	}
}

// HealthCheck probes the account with a models listing, the cheapest
// authenticated call every vendor offers.
func (c *HTTPClient) HealthCheck(ctx domain.Context, account domain.Account) (domain.ProbeResult, error) {
	ac := c.clientFor(account)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ac.baseURL+"/models", nil)
	if err != nil {
		return domain.ProbeResult{}, fmt.Errorf("op=provider.health account=%s: %w", account.ID, err)
	}
	if account.ServiceType == domain.ServiceClaude {
		req.Header.Set("x-api-key", account.APIKey)
		req.Header.Set("anthropic-version", anthropicVersion)
	} else {
		req.Header.Set("Authorization", "Bearer "+account.APIKey)
	}

	start := time.Now()
	resp, err := ac.hc.Do(req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return domain.ProbeResult{IsHealthy: false, ResponseTime: elapsed, ErrorMessage: err.Error()}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return domain.ProbeResult{
			IsHealthy:    false,
			ResponseTime: elapsed,
			ErrorMessage: fmt.Sprintf("status %d", resp.StatusCode),
		}, nil
	}
	return domain.ProbeResult{IsHealthy: true, ResponseTime: elapsed}, nil
}
