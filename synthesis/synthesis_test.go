package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/store"
)

const testCase = 7

const testFacts = `Engineer A is retained by the City to inspect a bridge. During the inspection Engineer A discovers a cracked girder that threatens public safety. The City asks Engineer A to delay the inspection report until after the budget vote. Engineer A delays the inspection report for two weeks.`

type fakeChat struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) (string, error)
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	content, err := f.respond(prompt)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Content: content, Model: "fake", PromptTokens: 50, CompletionTokens: 10}, nil
}

func (f *fakeChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, llm.ErrEmbeddingUnsupported
}

type memRecorder struct{ logs []store.PromptLog }

func (m *memRecorder) LogPrompt(ctx context.Context, p store.PromptLog) error {
	m.logs = append(m.logs, p)
	return nil
}

func ent(id int64, typ, label, def string, attrs map[string]any) store.Entity {
	e := extraction.Document{Label: label, Definition: def, Confidence: 0.8, Attributes: attrs}.Entity(testCase, typ)
	e.ID = id
	return e
}

func lnk(src, dst int64, relation string) store.Link {
	return store.Link{CaseID: testCase, SourceID: src, TargetID: dst, Relation: relation, Weight: 1}
}

// fixture is a small bridge-inspection case after extraction.
func fixture() ([]store.Entity, []store.Link) {
	entities := []store.Entity{
		ent(1, extraction.TypeRoles, "Engineer A", "Licensed inspecting engineer", nil),
		ent(2, extraction.TypeRoles, "City", "Client", nil),
		ent(3, extraction.TypeObligations, "Report safety hazards", "Engineers must report conditions that endanger public safety", nil),
		ent(4, extraction.TypePrinciples, "Public safety paramount", "", nil),
		ent(5, extraction.TypeCodeProvisions, "II.1.a Hold paramount public safety", "", map[string]any{"code": "II.1.a"}),
		ent(6, extraction.TypeActions, "Delay the inspection report", "Engineer A delays the report", map[string]any{
			"sequence":     2,
			"alternatives": []any{"Notify the City immediately", "the policy says"},
		}),
		ent(7, extraction.TypeActions, "Notify the City immediately", "", map[string]any{"sequence": 3}),
		ent(8, extraction.TypeEvents, "Girder crack discovered", "", map[string]any{"sequence": 1}),
		ent(9, extraction.TypeEthicalQuestions, "Was it ethical for Engineer A to delay the inspection report?", "", nil),
		ent(10, extraction.TypeCausalNormativeLinks, "Delay the inspection report", "Delaying violates the duty to report", nil),
	}
	links := []store.Link{
		lnk(3, 1, "applies_to"),
		lnk(5, 3, "grounds"),
		lnk(5, 4, "grounds"),
		lnk(6, 1, "performed_by"),
		lnk(8, 1, "affects"),
		lnk(9, 6, "involves"),
		lnk(10, 6, "concerns"),
		lnk(10, 3, "violates"),
	}
	return entities, links
}

func fixtureInventory() *Inventory {
	entities, links := fixture()
	return NewInventory(testCase, entities, links)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func relationsOf(links []store.PendingLink) map[string][]int64 {
	out := make(map[string][]int64)
	for _, l := range links {
		out[l.Relation] = append(out[l.Relation], l.TargetID)
	}
	return out
}

func TestComposeDecisionPoints(t *testing.T) {
	dps := ComposeDecisionPoints(fixtureInventory(), 5, 0.5)
	require.Len(t, dps, 1)
	dp := dps[0]

	assert.Equal(t, Ref{ID: 1, Label: "Engineer A"}, dp.Role)
	assert.Equal(t, "Engineer A: Delay the inspection report", dp.Label)
	assert.Equal(t, "Should Engineer A delay the inspection report?", dp.Focus)
	assert.Equal(t, []Option{
		{Label: "Delay the inspection report", ActionID: 6, Taken: true},
		{Label: "Notify the City immediately", ActionID: 7},
	}, dp.Options)
	assert.Equal(t, []Ref{{ID: 3, Label: "Report safety hazards"}}, dp.Violates)
	assert.Empty(t, dp.Fulfills)
	assert.Equal(t, []Ref{{ID: 4, Label: "Public safety paramount"}}, dp.Principles)
	assert.Equal(t, []Ref{{ID: 5, Label: "II.1.a Hold paramount public safety"}}, dp.Provisions)
	require.Len(t, dp.Questions, 1)
	assert.Equal(t, int64(9), dp.Questions[0].ID)

	assert.Equal(t, 1.0, dp.Grounding)
	require.NotNil(t, dp.Intensity.Magnitude)
	assert.Equal(t, 0.9, *dp.Intensity.Magnitude)
	assert.InDelta(t, 0.6*dp.Intensity.Score()+0.4, dp.Score, 1e-9)
	assert.Equal(t, SourceAlgorithmic, dp.Source)
}

func TestComposeRequiresAlternatives(t *testing.T) {
	entities, links := fixture()
	entities[5] = ent(6, extraction.TypeActions, "Delay the inspection report", "", map[string]any{
		"alternatives": []any{"Should the engineer wait?"},
	})
	assert.Empty(t, ComposeDecisionPoints(NewInventory(testCase, entities, links), 5, 0.5))
}

func TestComposeRequiresObligation(t *testing.T) {
	entities, links := fixture()
	links = links[:len(links)-1] // drop the violates link
	assert.Empty(t, ComposeDecisionPoints(NewInventory(testCase, entities, links), 5, 0.5))
}

func TestRankDecisionPointsDedupes(t *testing.T) {
	role := Ref{ID: 1, Label: "Engineer A"}
	obl := []Ref{{ID: 3}, {ID: 4}}
	cands := []DecisionPoint{
		{Label: "low", Role: role, Violates: obl, Score: 0.4},
		{Label: "high", Role: role, Violates: obl[:1], Fulfills: obl[1:], Score: 0.8},
		{Label: "other role", Role: Ref{ID: 2}, Violates: obl, Score: 0.5},
		{Label: "other duties", Role: role, Violates: []Ref{{ID: 9}}, Score: 0.3},
	}
	got := rankDecisionPoints(cands, 5, 0.5)
	var labels []string
	for _, dp := range got {
		labels = append(labels, dp.Label)
	}
	assert.Equal(t, []string{"high", "other role", "other duties"}, labels)

	assert.Len(t, rankDecisionPoints(cands, 1, 0.5), 1)
}

func TestDecisionPointsAlgorithmic(t *testing.T) {
	chat := &fakeChat{respond: func(string) (string, error) {
		return "", errors.New("should not be called")
	}}
	s := New(chat, nil, Config{})
	res, err := s.DecisionPoints(context.Background(), Input{CaseID: testCase, Inventory: fixtureInventory()})
	require.NoError(t, err)
	assert.Empty(t, chat.prompts)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, TypeDecisionPoint, res.Entities[0].ExtractionType)

	rel := relationsOf(res.Links)
	assert.Equal(t, []int64{1}, rel["involves_role"])
	assert.ElementsMatch(t, []int64{6, 7}, rel["option"])
	assert.Equal(t, []int64{3}, rel["weighs"])
	assert.Equal(t, []int64{4}, rel["grounded_in"])
	assert.Equal(t, []int64{5}, rel["cites"])
	assert.Equal(t, []int64{9}, rel["addresses"])

	dp, err := DecodeDecisionPoint(res.Entities[0])
	require.NoError(t, err)
	assert.Len(t, dp.Options, 2)
	assert.Equal(t, int64(1), dp.Role.ID)
}

func TestDecisionPointsFallback(t *testing.T) {
	entities, links := fixture()
	entities = entities[:len(entities)-1] // no causal links
	inv := NewInventory(testCase, entities, links[:len(links)-2])

	rec := &memRecorder{}
	chat := &fakeChat{respond: func(prompt string) (string, error) {
		return mustJSON(t, map[string]any{"decision_points": []any{
			map[string]any{
				"label":       "Timing of the safety report",
				"focus":       "Should Engineer A report now?",
				"role":        "Engineer A",
				"options":     []any{"Notify the City immediately", "Should the engineer wait?", "to delay the inspection report"},
				"obligations": []any{"Report safety hazards"},
				"principles":  []any{"Public safety paramount"},
				"questions":   []any{"Was it ethical for Engineer A to delay the inspection report?"},
				"moral_intensity": map[string]any{"magnitude": 0.9},
			},
			map[string]any{"label": "One option only", "role": "City", "options": []any{"Approve the budget"}},
		}}), nil
	}}
	s := New(chat, rec, Config{})
	res, err := s.DecisionPoints(context.Background(), Input{CaseID: testCase, SessionID: "s1", Inventory: inv})
	require.NoError(t, err)
	require.Len(t, chat.prompts, 1)
	assert.Contains(t, chat.prompts[0], "Report safety hazards")
	require.Len(t, rec.logs, 1)
	assert.Equal(t, TypeDecisionPoint, rec.logs[0].ExtractionType)
	assert.Equal(t, 50, res.PromptTokens)

	require.Len(t, res.Entities, 1)
	dp, err := DecodeDecisionPoint(res.Entities[0])
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, dp.Source)
	assert.Equal(t, Ref{ID: 1, Label: "Engineer A"}, dp.Role)
	assert.Equal(t, []Option{
		{Label: "Notify the City immediately", ActionID: 7},
		{Label: "delay the inspection report", ActionID: 6},
	}, dp.Options)
	assert.Equal(t, []Ref{{ID: 3, Label: "Report safety hazards"}}, dp.Fulfills)
	assert.Equal(t, 1.0, dp.Grounding)
}

func TestDecisionPointsFallbackError(t *testing.T) {
	entities, _ := fixture()
	inv := NewInventory(testCase, entities[:len(entities)-1], nil)
	chat := &fakeChat{respond: func(string) (string, error) { return "not json", nil }}
	_, err := New(chat, nil, Config{}).DecisionPoints(context.Background(), Input{CaseID: testCase, Inventory: inv})
	require.Error(t, err)
	assert.ErrorIs(t, err, extraction.ErrMalformedResponse)
}

func TestDecisionPointsEmptyCase(t *testing.T) {
	inv := NewInventory(testCase, []store.Entity{ent(1, extraction.TypeRoles, "Engineer A", "", nil)}, nil)
	res, err := New(nil, nil, Config{}).DecisionPoints(context.Background(), Input{CaseID: testCase, Inventory: inv})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

// withDecisionPoint adds the composed decision point of the fixture as
// entity 20.
func withDecisionPoint(t *testing.T) ([]store.Entity, []store.Link) {
	t.Helper()
	entities, links := fixture()
	res, err := New(nil, nil, Config{}).DecisionPoints(context.Background(), Input{CaseID: testCase, Inventory: NewInventory(testCase, entities, links)})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	dp := res.Entities[0]
	dp.ID = 20
	return append(entities, dp), links
}

func argumentsResponse(t *testing.T) string {
	arg := func(option, stance, claim, source string) map[string]any {
		return map[string]any{
			"option": option, "stance": stance, "claim": claim,
			"data":           "Engineer A discovers a cracked girder that threatens public safety.",
			"warrant":        "Engineers must report conditions that endanger public safety.",
			"warrant_source": source,
			"qualifier":      "presumably",
		}
	}
	return mustJSON(t, map[string]any{"arguments": []any{
		arg("Delay the inspection report", "pro", "Delaying the inspection report respects the client", "Report safety hazards"),
		arg("Delay the inspection report", "con", "Delaying the inspection report endangers the public", "Public safety paramount"),
		arg("Delay the inspection report", "con", "A second con that is ignored", ""),
		arg("Notify the City immediately", "pro", "Notifying the City immediately protects the public", "II.1.a"),
		arg("Notify the City immediately", "con", "Notifying the City immediately harms the relationship", "Unknown source"),
		arg("Bribe the inspector", "pro", "Unknown option", ""),
		arg("Notify the City immediately", "neutral", "Bad stance", ""),
	}})
}

func TestArguments(t *testing.T) {
	entities, links := withDecisionPoint(t)
	inv := NewInventory(testCase, entities, links)
	chat := &fakeChat{respond: func(prompt string) (string, error) {
		return argumentsResponse(t), nil
	}}
	s := New(chat, nil, Config{EvidenceSentences: 2})
	res, err := s.Arguments(context.Background(), Input{CaseID: testCase, Inventory: inv, Facts: testFacts})
	require.NoError(t, err)
	require.Len(t, chat.prompts, 1)
	assert.Contains(t, chat.prompts[0], "- Notify the City immediately")

	require.Len(t, res.Entities, 4)
	assert.Equal(t, 1, res.Unresolved)

	rel := relationsOf(res.Links)
	assert.Equal(t, []int64{20, 20, 20, 20}, rel["addresses"])
	assert.ElementsMatch(t, []int64{3, 4, 5}, rel["warranted_by"])
	assert.ElementsMatch(t, []int64{6, 6, 7, 7}, rel["concerns"])

	a, err := DecodeArgument(res.Entities[1])
	require.NoError(t, err)
	assert.Equal(t, StanceCon, a.Stance)
	assert.Equal(t, "Delay the inspection report", a.Option)
	assert.Equal(t, "Engineer A", a.Role)
	assert.Equal(t, int64(4), a.WarrantID)
	assert.NotEmpty(t, a.Evidence)
	assert.LessOrEqual(t, len(a.Evidence), 2)
}

func TestArgumentsAllFail(t *testing.T) {
	entities, links := withDecisionPoint(t)
	chat := &fakeChat{respond: func(string) (string, error) { return "", errors.New("boom") }}
	res, err := New(chat, nil, Config{}).Arguments(context.Background(), Input{CaseID: testCase, Inventory: NewInventory(testCase, entities, links)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, res.Entities)
}

func TestArgumentsWithoutDecisionPoints(t *testing.T) {
	res, err := New(nil, nil, Config{}).Arguments(context.Background(), Input{CaseID: testCase, Inventory: fixtureInventory()})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestValidationsOnePerArgument(t *testing.T) {
	entities, links := withDecisionPoint(t)
	chat := &fakeChat{respond: func(string) (string, error) { return argumentsResponse(t), nil }}
	s := New(chat, nil, Config{})
	in := Input{CaseID: testCase, Inventory: NewInventory(testCase, entities, links), Facts: testFacts}
	args, err := s.Arguments(context.Background(), in)
	require.NoError(t, err)

	for i := range args.Entities {
		args.Entities[i].ID = int64(30 + i)
		entities = append(entities, args.Entities[i])
	}
	in.Inventory = NewInventory(testCase, entities, links)
	res := s.Validations(in)
	require.Len(t, res.Entities, len(args.Entities))
	require.Len(t, res.Links, len(args.Entities))
	for i, l := range res.Links {
		assert.Equal(t, "validates", l.Relation)
		assert.Equal(t, int64(30+i), l.TargetID)
		assert.Equal(t, i, l.SourceIndex)
	}

	var v Validation
	require.NoError(t, fromAttributes(res.Entities[0], &v))
	assert.True(t, v.WarrantGrounded)
	assert.True(t, v.DataGrounded)
	assert.True(t, v.ClaimOnOption)
	assert.True(t, v.RoleConsistent)
	assert.Equal(t, 1.0, v.Score)
	assert.Equal(t, "All validations passed.", v.Summary())
}

func TestValidateArgument(t *testing.T) {
	inv := fixtureInventory()
	dp := ComposeDecisionPoints(inv, 5, 0.5)[0]
	facts := significantWords(testFacts)

	t.Run("grounded", func(t *testing.T) {
		v := ValidateArgument(inv, Argument{
			Option:  "Notify the City immediately",
			Claim:   "Notifying the City immediately protects the public",
			Data:    "Engineer A discovers a cracked girder",
			Warrant: "Code II.1.a requires engineers to hold public safety paramount",
			Role:    "Engineer A",
		}, dp, facts)
		assert.True(t, v.Valid(), v.Summary())
		assert.Equal(t, 1.0, v.Score)
	})

	t.Run("ungrounded", func(t *testing.T) {
		v := ValidateArgument(inv, Argument{
			Option:  "Notify the City immediately",
			Claim:   "Profit matters most",
			Data:    "Quarterly revenues exceeded forecasts",
			Warrant: "Shareholders expect returns",
			Role:    "City",
		}, dp, facts)
		assert.False(t, v.Valid())
		assert.Len(t, v.Issues, 4)
		assert.Equal(t, 0.0, v.Score)
	})

	t.Run("partial", func(t *testing.T) {
		v := ValidateArgument(inv, Argument{
			Option:  "Delay the inspection report",
			Claim:   "Delaying the report is prudent",
			Warrant: "Report safety hazards applies here",
		}, dp, facts)
		assert.True(t, v.WarrantGrounded)
		assert.False(t, v.DataGrounded)
		assert.True(t, v.ClaimOnOption)
		assert.True(t, v.RoleConsistent)
		assert.InDelta(t, 0.75, v.Score, 1e-9)
	})
}

func TestNarrative(t *testing.T) {
	rec := &memRecorder{}
	chat := &fakeChat{respond: func(prompt string) (string, error) {
		return `{"summary": "Engineer A found a cracked girder and delayed the report."}`, nil
	}}
	res, err := New(chat, rec, Config{}).Narrative(context.Background(), Input{CaseID: testCase, Inventory: fixtureInventory(), Facts: testFacts})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Len(t, rec.logs, 1)

	var n Narrative
	require.NoError(t, fromAttributes(res.Entities[0], &n))
	assert.Equal(t, SourceLLM, n.SummarySource)
	assert.Equal(t, "Engineer A found a cracked girder and delayed the report.", n.Summary)

	var order []string
	for _, e := range n.Timeline {
		order = append(order, e.Label)
	}
	assert.Equal(t, []string{"Girder crack discovered", "Delay the inspection report", "Notify the City immediately"}, order)
	assert.Equal(t, "Engineer A", n.Timeline[1].Agent)
	require.Len(t, n.Characters, 2)
	assert.Equal(t, []string{"Delay the inspection report"}, n.Characters[0].Actions)

	rel := relationsOf(res.Links)
	assert.ElementsMatch(t, []int64{1, 2}, rel["features"])
	assert.ElementsMatch(t, []int64{6, 7, 8}, rel["includes"])
}

func TestNarrativeFallsBackToTimeline(t *testing.T) {
	chat := &fakeChat{respond: func(string) (string, error) { return "", errors.New("unavailable") }}
	res, err := New(chat, nil, Config{}).Narrative(context.Background(), Input{CaseID: testCase, Inventory: fixtureInventory()})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.True(t, strings.HasPrefix(res.Entities[0].Definition, "Girder crack discovered."))
	assert.Contains(t, res.Entities[0].Definition, "Engineer A: Delay the inspection report.")
}

func TestBuildTimelineUnsequencedLast(t *testing.T) {
	inv := NewInventory(testCase, []store.Entity{
		ent(1, extraction.TypeEvents, "Unsequenced", "", nil),
		ent(2, extraction.TypeActions, "Second", "", map[string]any{"sequence": "2"}),
		ent(3, extraction.TypeActions, "First", "", map[string]any{"sequence": 1}),
	}, nil)
	var got []string
	for _, e := range BuildTimeline(inv) {
		got = append(got, e.Label)
	}
	assert.Equal(t, []string{"First", "Second", "Unsequenced"}, got)
}

func TestSelectEvidence(t *testing.T) {
	got := SelectEvidence(testFacts, "cracked girder public safety", 1)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "cracked girder")

	got = SelectEvidence(testFacts, "inspection report delay girder", 2)
	require.Len(t, got, 2)
	assert.True(t, strings.Index(testFacts, got[0]) < strings.Index(testFacts, got[1]), "document order")

	assert.Empty(t, SelectEvidence(testFacts, "zebra", 3))
	assert.Empty(t, SelectEvidence(testFacts, "", 3))
}
