package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/store"
)

// perCallTimeout caps one synthesis call.
const perCallTimeout = 3 * time.Minute

// Config tunes a Synthesizer.
type Config struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	MaxDecisionPoints int
	DedupeJaccard     float64
	EvidenceSentences int
}

// Synthesizer builds synthesized entities from an inventory.
type Synthesizer struct {
	chat     llm.Provider
	recorder extraction.PromptRecorder
	cfg      Config
}

// New creates a Synthesizer. recorder may be nil. Zero-value limits take
// their defaults.
func New(chat llm.Provider, recorder extraction.PromptRecorder, cfg Config) *Synthesizer {
	if cfg.MaxDecisionPoints <= 0 {
		cfg.MaxDecisionPoints = 5
	}
	if cfg.DedupeJaccard <= 0 {
		cfg.DedupeJaccard = 0.5
	}
	if cfg.EvidenceSentences <= 0 {
		cfg.EvidenceSentences = 3
	}
	return &Synthesizer{chat: chat, recorder: recorder, cfg: cfg}
}

// Input is the material for one synthesis session.
type Input struct {
	CaseID    int64
	SessionID string
	Inventory *Inventory
	Facts     string
}

// Ref points at an entity by ID and label. ID is 0 when the label could
// not be grounded.
type Ref struct {
	ID    int64  `json:"id,omitempty"`
	Label string `json:"label"`
}

func refOf(e store.Entity) Ref { return Ref{ID: e.ID, Label: e.Label} }

func refs(entities []store.Entity) []Ref {
	out := make([]Ref, 0, len(entities))
	for _, e := range entities {
		out = append(out, refOf(e))
	}
	return out
}

// ask sends one JSON-mode prompt, records it and decodes the answer into v.
func (s *Synthesizer) ask(ctx context.Context, in Input, kind, prompt string, res *extraction.Result, v any) error {
	if s.chat == nil {
		return fmt.Errorf("synthesis %s: no chat provider", kind)
	}
	cctx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()
	resp, err := s.chat.Chat(cctx, llm.ChatRequest{
		Model:          s.cfg.Model,
		Messages:       llm.Prompt(systemPrompt, prompt),
		Temperature:    s.cfg.Temperature,
		MaxTokens:      s.cfg.MaxTokens,
		ResponseFormat: llm.FormatJSON,
	})
	if err != nil {
		return fmt.Errorf("llm chat: %w", err)
	}
	res.PromptTokens += resp.PromptTokens
	res.CompletionTokens += resp.CompletionTokens

	if s.recorder != nil {
		if err := s.recorder.LogPrompt(ctx, store.PromptLog{
			CaseID:           in.CaseID,
			SessionID:        in.SessionID,
			ExtractionType:   kind,
			Prompt:           prompt,
			Response:         resp.Content,
			Model:            resp.Model,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		}); err != nil {
			slog.Warn("synthesis: logging prompt failed", "type", kind, "error", err)
		}
	}
	return extraction.DecodeJSON(resp.Content, v)
}

// document wraps a synthesized value as a stored entity.
func document(caseID int64, extractionType, class, label, definition string, confidence float64, v any) store.Entity {
	return extraction.Document{
		Context:    extraction.OntologyContext,
		ID:         extraction.EntityURI(caseID, extractionType, label),
		Type:       class,
		Label:      label,
		Definition: definition,
		Confidence: confidence,
		Attributes: toAttributes(v),
	}.Entity(caseID, extractionType)
}

func toAttributes(v any) map[string]any {
	out := map[string]any{}
	b, err := json.Marshal(v)
	if err == nil {
		err = json.Unmarshal(b, &out)
	}
	if err != nil {
		slog.Warn("synthesis: encoding attributes failed", "value", fmt.Sprintf("%T", v), "error", err)
		return map[string]any{}
	}
	return out
}

// fromAttributes decodes a stored entity's attributes into v.
func fromAttributes(e store.Entity, v any) error {
	b, err := json.Marshal(extraction.Attributes(e))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

const systemPrompt = `You are an analyst of professional engineering ethics cases decided by the NSPE Board of Ethical Review.
You reason over entities already extracted from a case: roles, obligations, principles, actions, questions and code provisions.
Respond with a single JSON object and nothing else.`
