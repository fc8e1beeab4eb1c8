//go:build cgo

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proethica/proethica/chunker"
	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/store"
	"github.com/proethica/proethica/synthesis"
)

type fakeChat struct {
	mu      sync.Mutex
	calls   int
	respond func(prompt string) (string, error)
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	content, err := f.respond(req.Messages[len(req.Messages)-1].Content)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: content, Model: "fake", PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, llm.ErrEmbeddingUnsupported
}

func entity(label string, attrs map[string]any) map[string]any {
	return map[string]any{"label": label, "definition": label + " in this case", "confidence": 0.9, "attributes": attrs}
}

// caseScript answers every prompt of a full run over the bridge case.
func caseScript(t *testing.T) func(string) (string, error) {
	encode := func(v any) string {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return string(b)
	}
	entities := func(es ...map[string]any) string { return encode(map[string]any{"entities": es}) }
	return func(prompt string) (string, error) {
		switch {
		case strings.HasPrefix(prompt, "Extract roles entities"):
			return entities(entity("Engineer A", nil), entity("City", nil)), nil
		case strings.HasPrefix(prompt, "Extract principles entities"):
			return entities(entity("Public safety paramount", nil)), nil
		case strings.HasPrefix(prompt, "Extract obligations entities"):
			return entities(entity("Report safety hazards", map[string]any{"role": "Engineer A"})), nil
		case strings.HasPrefix(prompt, "Extract actions entities"):
			return entities(
				entity("Delay the inspection report", map[string]any{
					"agent": "Engineer A", "sequence": 2, "alternatives": []string{"Notify the City immediately"},
				}),
				entity("Notify the City immediately", map[string]any{"sequence": 3}),
			), nil
		case strings.HasPrefix(prompt, "Extract events entities"):
			return entities(entity("Girder crack discovered", map[string]any{"sequence": 1, "affects": "Engineer A"})), nil
		case strings.HasPrefix(prompt, "Extract code provisions entities"):
			return entities(entity("II.1.a Public safety", map[string]any{
				"code": "II.1.a", "applies_to": []string{"Report safety hazards", "Public safety paramount"},
			})), nil
		case strings.HasPrefix(prompt, "Extract ethical questions entities"):
			return entities(entity("Was it ethical for Engineer A to delay the inspection report?", map[string]any{
				"number": 1, "involves": []string{"Delay the inspection report"},
			})), nil
		case strings.HasPrefix(prompt, "Extract ethical conclusions entities"):
			return entities(entity("Delaying the report was unethical", map[string]any{"answers_question": 1})), nil
		case strings.HasPrefix(prompt, "Extract causal normative links entities"):
			return entities(entity("Delay the inspection report", map[string]any{"violates": []string{"Report safety hazards"}})), nil
		case strings.HasPrefix(prompt, "Extract transformation entities"):
			return entities(entity("Stalemate", map[string]any{"transformation_type": "stalemate"})), nil
		case strings.HasPrefix(prompt, "Decision point:"):
			var args []map[string]any
			for _, o := range []string{"Delay the inspection report", "Notify the City immediately"} {
				for _, st := range []string{"pro", "con"} {
					args = append(args, map[string]any{
						"option": o, "stance": st, "claim": st + " " + o,
						"data":           "Engineer A discovers a cracked girder",
						"warrant":        "Engineers report safety hazards",
						"warrant_source": "Report safety hazards",
					})
				}
			}
			return encode(map[string]any{"arguments": args}), nil
		case strings.HasPrefix(prompt, "Write a neutral summary"):
			return `{"summary": "Engineer A delayed a safety report."}`, nil
		}
		return `{"entities": []}`, nil
	}
}

type fixture struct {
	store    *store.Store
	chat     *fakeChat
	pipeline *Pipeline
	caseID   int64
}

func newFixture(t *testing.T, respond func(string) (string, error)) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	caseID, err := st.CreateCase(ctx, store.Case{Title: "Bridge inspection", CaseNumber: "24-1", Year: 2024, Source: "case.txt", ContentHash: "h1"})
	require.NoError(t, err)
	require.NoError(t, st.ReplaceSections(ctx, caseID, []store.Section{
		{SectionType: store.SectionFacts, Heading: "Facts", Content: "Engineer A is retained by the City to inspect a bridge. Engineer A discovers a cracked girder."},
		{SectionType: store.SectionQuestions, Heading: "Questions", Content: "1. Was it ethical for Engineer A to delay the inspection report?"},
		{SectionType: store.SectionReferences, Heading: "References", Content: "II.1.a Engineers shall hold paramount the safety of the public."},
		{SectionType: store.SectionDiscussion, Heading: "Discussion", Content: "Public safety is paramount."},
		{SectionType: store.SectionConclusions, Heading: "Conclusions", Content: "1. It was not ethical for Engineer A to delay the report."},
	}))

	chat := &fakeChat{respond: respond}
	ex := extraction.New(chat, chunker.New(chunker.Config{}), st, extraction.Config{MinConfidence: 0.3})
	syn := synthesis.New(chat, st, synthesis.Config{})
	p := New(st, ex, syn, nil, Config{Model: "fake", StepConcurrency: 2})
	return &fixture{store: st, chat: chat, pipeline: p, caseID: caseID}
}

func TestRunFullPipeline(t *testing.T) {
	f := newFixture(t, caseScript(t))
	ctx := context.Background()

	var (
		mu       sync.Mutex
		progress []Progress
	)
	results, err := f.pipeline.Run(ctx, f.caseID, nil, func(p Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Len(t, results, 7)
	assert.Len(t, progress, 18)
	for _, r := range results {
		assert.Empty(t, r.Failed(), r.Step)
	}

	counts, err := f.store.EntityTypeCounts(ctx, f.caseID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[extraction.TypeRoles])
	assert.Equal(t, 2, counts[extraction.TypeActions])
	assert.Equal(t, 1, counts[extraction.TypeCodeProvisions])
	assert.Equal(t, 1, counts[extraction.TypeTransformation])
	assert.Equal(t, 1, counts[synthesis.TypeDecisionPoint])
	assert.Equal(t, 4, counts[synthesis.TypeArgument])
	assert.Equal(t, counts[synthesis.TypeArgument], counts[synthesis.TypeArgumentValidation])
	assert.Equal(t, 1, counts[synthesis.TypeNarrative])

	links, err := f.store.ListLinks(ctx, f.caseID)
	require.NoError(t, err)
	relations := make(map[string]int)
	for _, l := range links {
		relations[l.Relation]++
	}
	assert.Equal(t, 1, relations["answers"], "conclusion grounded to the question of an earlier wave")
	assert.Equal(t, 2, relations["grounds"])
	assert.Equal(t, 1, relations["violates"])
	assert.Equal(t, 4, relations["validates"])
	assert.Equal(t, 4, relations["warranted_by"])
}

func TestRunStepDependency(t *testing.T) {
	f := newFixture(t, caseScript(t))
	ctx := context.Background()

	_, err := f.pipeline.RunStep(ctx, f.caseID, "normative", nil)
	require.ErrorIs(t, err, ErrStepDependency)
	_, err = f.pipeline.RunStep(ctx, f.caseID, synthesis.StepArguments, nil)
	require.ErrorIs(t, err, ErrStepDependency)
	assert.Zero(t, f.chat.calls)

	_, err = f.pipeline.RunStep(ctx, f.caseID, "contextual", nil)
	require.NoError(t, err)
	_, err = f.pipeline.RunStep(ctx, f.caseID, "normative", nil)
	require.NoError(t, err)
	_, err = f.pipeline.RunStep(ctx, f.caseID, "analysis", nil)
	require.ErrorIs(t, err, ErrStepDependency)

	_, err = f.pipeline.RunStep(ctx, f.caseID, "reflect", nil)
	require.ErrorIs(t, err, ErrUnknownStep)
}

func TestRunStepRecordsFailedSession(t *testing.T) {
	script := caseScript(t)
	f := newFixture(t, func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, "Extract roles entities") {
			return "", errors.New("provider down")
		}
		return script(prompt)
	})
	ctx := context.Background()

	res, err := f.pipeline.RunStep(ctx, f.caseID, "contextual", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roles")
	require.NotNil(t, res)
	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, extraction.TypeRoles, failed[0].ExtractionType)
	assert.Len(t, res.Sessions, 3)

	sessions, err := f.store.ListSessions(ctx, f.caseID)
	require.NoError(t, err)
	statuses := make(map[string]string)
	for _, s := range sessions {
		statuses[s.ExtractionType] = s.Status
	}
	assert.Equal(t, store.SessionFailed, statuses[extraction.TypeRoles])
	assert.Equal(t, store.SessionCompleted, statuses[extraction.TypeStates])
}

func TestRerunReplacesEntities(t *testing.T) {
	f := newFixture(t, caseScript(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.RunStep(ctx, f.caseID, "contextual", nil)
		require.NoError(t, err)
	}
	roles, err := f.store.ListEntities(ctx, store.EntityFilter{CaseID: f.caseID, Types: []string{extraction.TypeRoles}})
	require.NoError(t, err)
	assert.Len(t, roles, 2)

	counts, err := f.store.CompletedSessionCounts(ctx, f.caseID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[extraction.TypeRoles])
}
