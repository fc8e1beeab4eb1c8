package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/proethica/proethica/metrics"
)

// WithRateLimit wraps p so that at most requestsPerMinute calls start per
// minute. Bursts are capped at a fifth of the per-minute budget (minimum 1).
func WithRateLimit(p Provider, requestsPerMinute float64) Provider {
	burst := int(requestsPerMinute / 5)
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{
		next:    p,
		limiter: rate.NewLimiter(rate.Limit(requestsPerMinute/60.0), burst),
	}
}

type rateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

func (r *rateLimited) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return r.next.Chat(ctx, req)
}

func (r *rateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return r.next.Embed(ctx, texts)
}

// Instrument wraps p with Prometheus request, token and latency metrics.
func Instrument(p Provider, name string) Provider {
	return &instrumented{next: p, name: name}
}

type instrumented struct {
	next Provider
	name string
}

func (i *instrumented) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := i.next.Chat(ctx, req)
	metrics.LLMLatency.WithLabelValues(i.name, "chat").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LLMRequests.WithLabelValues(i.name, "chat", "error").Inc()
		return nil, err
	}
	metrics.LLMRequests.WithLabelValues(i.name, "chat", "ok").Inc()
	metrics.LLMTokens.WithLabelValues(i.name, "prompt").Add(float64(resp.PromptTokens))
	metrics.LLMTokens.WithLabelValues(i.name, "completion").Add(float64(resp.CompletionTokens))
	return resp, nil
}

func (i *instrumented) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	out, err := i.next.Embed(ctx, texts)
	metrics.LLMLatency.WithLabelValues(i.name, "embed").Observe(time.Since(start).Seconds())
	switch {
	case errors.Is(err, ErrEmbeddingUnsupported):
		metrics.LLMRequests.WithLabelValues(i.name, "embed", "unsupported").Inc()
	case err != nil:
		metrics.LLMRequests.WithLabelValues(i.name, "embed", "error").Inc()
	default:
		metrics.LLMRequests.WithLabelValues(i.name, "embed", "ok").Inc()
	}
	return out, err
}

// Unwrap returns the provider beneath any decorators.
func Unwrap(p Provider) Provider {
	for {
		switch v := p.(type) {
		case *instrumented:
			p = v.next
		case *rateLimited:
			p = v.next
		default:
			return p
		}
	}
}
