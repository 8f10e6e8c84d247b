package provider

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/carpool-router/internal/domain"
)

// tokenCounter estimates token usage locally when a provider response omits
// its usage block. Encodings are cached per normalized model name.
type tokenCounter struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	return &tokenCounter{cache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *tokenCounter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.cache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base is a reasonable approximation for every model family
		// the router dispatches to.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model), slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.cache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps vendor model ids onto tiktoken-known names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// claude, gemini and qwen tokenize differently, but cl100k_base via
		// the gpt-4 encoding is close enough for accounting.
		return "gpt-4"
	}
}

// CountMessages estimates prompt tokens for a chat request, including the
// per-message framing overhead of OpenAI-style APIs.
func (c *tokenCounter) CountMessages(msgs []domain.Message, model string) int64 {
	enc, err := c.encodingFor(model)
	if err != nil {
		return roughEstimateMessages(msgs)
	}
	var n int64
	for _, m := range msgs {
		n += 3 // message framing
		n += int64(len(enc.Encode(string(m.Role), nil, nil)))
		n += int64(len(enc.Encode(m.Content, nil, nil)))
		n++ // role separator
	}
	n += 3 // assistant reply priming
	return n
}

// CountText estimates tokens in a completion.
func (c *tokenCounter) CountText(text, model string) int64 {
	enc, err := c.encodingFor(model)
	if err != nil {
		return int64(len(text) / 4)
	}
	return int64(len(enc.Encode(text, nil, nil)))
}

func roughEstimateMessages(msgs []domain.Message) int64 {
	var chars int
	for _, m := range msgs {
		chars += len(m.Content)
	}
	return int64(chars / 4)
}
