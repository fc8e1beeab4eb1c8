package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
)

// embedBatchSize caps the texts sent per embeddings request. Entity batches
// from one extraction step can run to several hundred labels.
const embedBatchSize = 64

// compatProvider talks to any endpoint implementing the OpenAI chat
// completions and embeddings API.
type compatProvider struct {
	name     string
	cfg      Config
	prefix   string
	embeds   bool
	client   *http.Client
	jsonMode atomic.Bool
}

func newCompatProvider(name string, cfg Config, v vendor) *compatProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p := &compatProvider{
		name:   name,
		cfg:    cfg,
		prefix: v.prefix,
		embeds: !v.noEmbeddings,
		client: &http.Client{Timeout: timeout},
	}
	p.jsonMode.Store(true)
	return p
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Chat sends a chat completion. JSON mode is requested when asked for; a
// server that rejects response_format is asked again without it, and JSON
// mode stays off for this provider afterwards.
func (p *compatProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if body.Model == "" {
		body.Model = p.cfg.Model
	}
	if req.ResponseFormat == FormatJSON && p.jsonMode.Load() {
		body.ResponseFormat = &responseFormat{Type: FormatJSON}
	}

	var resp chatCompletionResponse
	err := p.post(ctx, "/chat/completions", body, &resp)
	if body.ResponseFormat != nil && rejectsJSONMode(err) {
		slog.Warn("llm: provider rejected JSON mode, retrying without it", "provider", p.name, "model", body.Model)
		p.jsonMode.Store(false)
		body.ResponseFormat = nil
		err = p.post(ctx, "/chat/completions", body, &resp)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: %s returned no choices", p.name)
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		FinishReason:     resp.Choices[0].FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// Embed embeds texts in batches. The result is in input order.
func (p *compatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !p.embeds {
		return nil, ErrEmbeddingUnsupported
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		batch := texts[start:min(start+embedBatchSize, len(texts))]

		var resp embeddingResponse
		if err := p.post(ctx, "/embeddings", embeddingRequest{Model: p.cfg.Model, Input: batch}, &resp); err != nil {
			return nil, err
		}
		// Providers may return data out of order.
		vecs := make([][]float32, len(batch))
		for _, d := range resp.Data {
			if d.Index >= 0 && d.Index < len(vecs) {
				vecs[d.Index] = d.Embedding
			}
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// post sends body as JSON and decodes a 200 answer into out, retrying
// transient failures.
func (p *compatProvider) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	url := p.cfg.BaseURL + p.prefix + path

	raw, err := withRetries(ctx, p.name, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if p.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, &transportError{fmt.Errorf("request to %s failed: %w", url, err)}
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &transportError{fmt.Errorf("reading response body: %w", err)}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{
				Provider:   p.name,
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(string(b)),
				retryAfter: resp.Header.Get("Retry-After"),
			}
		}
		return b, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// rejectsJSONMode reports a 400/422 answer that names response_format.
func rejectsJSONMode(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode != http.StatusBadRequest && apiErr.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "response_format") || strings.Contains(msg, "json_object")
}
