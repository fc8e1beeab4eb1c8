package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrEmbeddingUnsupported is returned by providers without an embeddings endpoint.
var ErrEmbeddingUnsupported = errors.New("llm: provider does not support embeddings")

// Provider is a chat and embedding backend. Implementations are safe for
// concurrent use.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FormatJSON asks the backend for a JSON object response.
const FormatJSON = "json_object"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt builds the two-message exchange every extraction and synthesis pass
// sends. An empty system prompt is omitted.
func Prompt(system, user string) []Message {
	if system == "" {
		return []Message{{Role: RoleUser, Content: user}}
	}
	return []Message{{Role: RoleSystem, Content: system}, {Role: RoleUser, Content: user}}
}

// ChatRequest leaves Model empty to use the provider's configured model.
type ChatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat string    `json:"response_format,omitempty"`
}

type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Truncated reports whether the model stopped on its token limit, which
// usually leaves a JSON payload unterminated.
func (r *ChatResponse) Truncated() bool {
	return r.FinishReason == "length" || r.FinishReason == "max_tokens"
}

// Config selects and tunes one backend. See Providers for valid names.
type Config struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`

	// RequestsPerMinute throttles calls client-side. Zero disables throttling.
	RequestsPerMinute float64       `json:"requests_per_minute"`
	Timeout           time.Duration `json:"timeout"`
}

// NewProvider builds the backend named by cfg.Provider, rate limited when
// cfg.RequestsPerMinute is set and always instrumented.
func NewProvider(cfg Config) (Provider, error) {
	var p Provider
	switch name := cfg.Provider; name {
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	case "anthropic":
		p = NewAnthropic(cfg)
	default:
		v, ok := vendors[name]
		if !ok {
			return nil, fmt.Errorf("unknown llm provider: %s", name)
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = v.baseURL
		}
		if cfg.Model == "" {
			cfg.Model = v.model
		}
		p = newCompatProvider(name, cfg, v)
	}
	if cfg.RequestsPerMinute > 0 {
		p = WithRateLimit(p, cfg.RequestsPerMinute)
	}
	return Instrument(p, cfg.Provider), nil
}

// Providers lists every accepted provider name, sorted.
func Providers() []string {
	names := []string{"anthropic"}
	for name := range vendors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// vendor holds the defaults for an OpenAI-compatible endpoint.
type vendor struct {
	baseURL      string
	prefix       string // path before /chat/completions; gemini has none
	model        string
	noEmbeddings bool
}

var vendors = map[string]vendor{
	"ollama":     {baseURL: "http://localhost:11434", prefix: "/v1", model: "llama3.1:8b"},
	"lmstudio":   {baseURL: "http://localhost:1234", prefix: "/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api", prefix: "/v1", model: "anthropic/claude-sonnet-4.5"},
	"openai":     {baseURL: "https://api.openai.com", prefix: "/v1", model: "gpt-4o-mini"},
	"groq":       {baseURL: "https://api.groq.com/openai", prefix: "/v1", model: "llama-3.3-70b-versatile", noEmbeddings: true},
	"xai":        {baseURL: "https://api.x.ai", prefix: "/v1", model: "grok-3-mini"},
	"gemini":     {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", model: "gemini-2.0-flash"},
	"custom":     {prefix: "/v1"},
}
