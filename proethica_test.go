//go:build cgo

package proethica

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proethica/proethica/extraction"
	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/retrieval"
	"github.com/proethica/proethica/store"
	"github.com/proethica/proethica/verify"
)

const caseText = `Case 21-4: Delayed Bridge Inspection Report

Facts
Engineer A is retained by the City to inspect a bridge. Engineer A discovers a cracked girder and delays the report.

Question
Was it ethical for Engineer A to delay the inspection report?

Discussion
The Board notes that public safety is paramount.

Conclusion
It was not ethical.
`

type scriptedChat struct{}

func (scriptedChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	content := `{"entities": []}`
	if strings.HasPrefix(prompt, "Extract roles entities") {
		content = `{"entities": [
			{"label": "Engineer A", "definition": "Bridge inspector", "confidence": 0.9},
			{"label": "City", "definition": "Client", "confidence": 0.8}
		]}`
	}
	return &llm.ChatResponse{Content: content, Model: "fake"}, nil
}

func (scriptedChat) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, llm.ErrEmbeddingUnsupported
}

func newTestEngine(t *testing.T) *engine {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), 0)
	require.NoError(t, err)
	e := newEngine(DefaultConfig(), st, scriptedChat{}, nil)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestClosedEngine(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())

	_, err := e.Cases(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = e.IngestText(context.Background(), "s", "Facts: text")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, _, err = e.Search(context.Background(), "duty", retrieval.Options{})
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, e.Close(), ErrStoreClosed)
}

func TestIngest(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "case-21-4.txt")
	require.NoError(t, os.WriteFile(path, []byte(caseText), 0o644))

	c, err := e.Ingest(ctx, path, WithMetadata(map[string]string{"board": "NSPE"}))
	require.NoError(t, err)
	assert.Equal(t, "Case 21-4: Delayed Bridge Inspection Report", c.Title)
	assert.Equal(t, store.CaseStatusReady, c.Status)
	assert.Contains(t, c.Metadata, "NSPE")

	again, err := e.Ingest(ctx, path)
	assert.ErrorIs(t, err, ErrCaseExists)
	require.NotNil(t, again)
	assert.Equal(t, c.ID, again.ID)

	_, err = e.IngestText(ctx, "copy.txt", caseText)
	assert.ErrorIs(t, err, ErrCaseExists, "same content under another source")

	forced, err := e.Ingest(ctx, path, WithForceReparse())
	require.NoError(t, err)
	assert.Equal(t, c.ID, forced.ID)

	require.NoError(t, os.WriteFile(path, []byte(caseText+"\nAddendum.\n"), 0o644))
	changed, err := e.Ingest(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, c.ID, changed.ID)
	assert.NotEqual(t, c.ContentHash, changed.ContentHash)

	_, err = e.Ingest(ctx, filepath.Join(t.TempDir(), "case.xyz"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = e.IngestText(ctx, "", "text")
	assert.ErrorIs(t, err, ErrInvalidInput)

	cases, err := e.Cases(ctx)
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

func TestEngineRunAndReview(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	c, err := e.IngestText(ctx, "case-21-4.txt", caseText)
	require.NoError(t, err)

	_, err = e.Run(ctx, c.ID, []string{"normative"}, nil)
	assert.ErrorIs(t, err, ErrStepDependency)

	results, err := e.Run(ctx, c.ID, []string{"contextual"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)

	detail, err := e.Case(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, detail.Steps["contextual"])
	assert.False(t, detail.Steps["normative"])
	assert.Equal(t, 2, detail.EntityCounts[extraction.TypeRoles])
	assert.NotEmpty(t, detail.Sections)
	assert.Equal(t, store.CaseStatusReady, detail.Status)

	roles, err := e.Entities(ctx, c.ID, extraction.TypeRoles)
	require.NoError(t, err)
	require.Len(t, roles, 2)

	label := "Engineer A (inspector)"
	reviewed := true
	updated, err := e.UpdateEntity(ctx, roles[0].ID, store.EntityUpdate{Label: &label, Reviewed: &reviewed})
	require.NoError(t, err)
	assert.Equal(t, label, updated.Label)
	assert.True(t, updated.IsReviewed)

	bad := 2.0
	_, err = e.UpdateEntity(ctx, roles[0].ID, store.EntityUpdate{Confidence: &bad})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.UpdateEntity(ctx, 9999, store.EntityUpdate{Reviewed: &reviewed})
	assert.ErrorIs(t, err, ErrEntityNotFound)

	g, err := e.Graph(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)

	dps, err := e.DecisionPoints(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, dps)
	args, err := e.Arguments(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, args)

	found, _, err := e.Search(ctx, "engineer", retrieval.Options{CaseID: c.ID})
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, roles[0].ID, found[0].ID)

	var buf bytes.Buffer
	require.NoError(t, e.Export(ctx, c.ID, "jsonld", &buf))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Len(t, doc["@graph"], 2)
	assert.ErrorIs(t, e.Export(ctx, c.ID, "csv", &buf), ErrUnknownExportFormat)
	assert.ErrorIs(t, e.Export(ctx, 9999, "jsonld", &buf), ErrCaseNotFound)

	_, err = e.Graph(ctx, 9999)
	assert.ErrorIs(t, err, ErrCaseNotFound)
}

func TestEngineVerifyFixAndCancel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	c, err := e.IngestText(ctx, "case.txt", caseText)
	require.NoError(t, err)
	_, err = e.Run(ctx, c.ID, []string{"contextual", "normative"}, nil)
	require.NoError(t, err)

	reports, err := e.Verify(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	var empty []verify.Finding
	for _, f := range reports[0].Findings {
		if f.Check == verify.CheckEmptyExtraction {
			empty = append(empty, f)
		}
	}
	require.Len(t, empty, 1)
	assert.Equal(t, "normative", empty[0].Step)

	runs, err := e.Fix(ctx, reports)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "normative", runs[0].Steps[0])
	assert.Equal(t, store.RunQueued, runs[0].Status)

	listed, err := e.Runs(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, e.Cancel(ctx, runs[0].ID))
	run, err := e.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)
	assert.ErrorIs(t, e.Cancel(ctx, runs[0].ID), ErrRunFinished)

	_, err = e.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = e.Enqueue(ctx, 9999, nil)
	assert.ErrorIs(t, err, ErrCaseNotFound)

	all, err := e.Verify(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, e.DeleteCase(ctx, c.ID))
	assert.ErrorIs(t, e.DeleteCase(ctx, c.ID), ErrCaseNotFound)
}
