package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proethica/proethica"
	"github.com/proethica/proethica/graph"
	"github.com/proethica/proethica/queue"
	"github.com/proethica/proethica/retrieval"
	"github.com/proethica/proethica/store"
	"github.com/proethica/proethica/verify"
)

// fakeEngine implements the engine calls the handlers make. Calls it does
// not override panic through the embedded nil interface.
type fakeEngine struct {
	proethica.Engine

	mu       sync.Mutex
	cases    map[int64]*store.Case
	runs     map[string]*store.Run
	events   chan queue.Event
	ingested []string
	updates  []store.EntityUpdate
	search   retrieval.Options
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		cases: map[int64]*store.Case{
			1: {ID: 1, Title: "Delayed Bridge Inspection", Status: store.CaseStatusReady},
		},
		runs:   map[string]*store.Run{},
		events: make(chan queue.Event, 8),
	}
}

func (f *fakeEngine) Cases(ctx context.Context) ([]store.Case, error) {
	return []store.Case{*f.cases[1]}, nil
}

func (f *fakeEngine) Case(ctx context.Context, id int64) (*proethica.CaseDetail, error) {
	c, ok := f.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", proethica.ErrCaseNotFound, id)
	}
	return &proethica.CaseDetail{Case: *c, Steps: map[string]bool{"contextual": true}}, nil
}

func (f *fakeEngine) IngestText(ctx context.Context, source, text string, opts ...proethica.IngestOption) (*store.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, source)
	if strings.Contains(text, "duplicate") {
		return f.cases[1], proethica.ErrCaseExists
	}
	return &store.Case{ID: 2, Title: source, Source: source, Status: store.CaseStatusReady}, nil
}

func (f *fakeEngine) Ingest(ctx context.Context, path string, opts ...proethica.IngestOption) (*store.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, path)
	return &store.Case{ID: 3, Source: path, Status: store.CaseStatusReady}, nil
}

func (f *fakeEngine) Enqueue(ctx context.Context, caseID int64, steps []string) (*store.Run, error) {
	if _, ok := f.cases[caseID]; !ok {
		return nil, proethica.ErrCaseNotFound
	}
	for _, s := range steps {
		if s == "bogus" {
			return nil, fmt.Errorf("%w: %s", proethica.ErrUnknownStep, s)
		}
	}
	run := &store.Run{ID: "run-1", CaseID: caseID, Steps: steps, Status: store.RunQueued}
	f.mu.Lock()
	f.runs[run.ID] = run
	f.mu.Unlock()
	return run, nil
}

func (f *fakeEngine) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return nil, proethica.ErrRunNotFound
	}
	return r, nil
}

func (f *fakeEngine) Cancel(ctx context.Context, runID string) error {
	r, err := f.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status != store.RunQueued && r.Status != store.RunRunning {
		return proethica.ErrRunFinished
	}
	return nil
}

func (f *fakeEngine) Subscribe(runID string) (<-chan queue.Event, func()) {
	return f.events, func() {}
}

func (f *fakeEngine) UpdateEntity(ctx context.Context, id int64, u store.EntityUpdate) (*store.Entity, error) {
	if id != 7 {
		return nil, proethica.ErrEntityNotFound
	}
	f.updates = append(f.updates, u)
	e := &store.Entity{ID: 7, CaseID: 1, ExtractionType: "roles", Label: "Engineer A"}
	if u.Label != nil {
		e.Label = *u.Label
	}
	if u.Reviewed != nil {
		e.IsReviewed = *u.Reviewed
	}
	return e, nil
}

func (f *fakeEngine) Graph(ctx context.Context, caseID int64) (*graph.Graph, error) {
	entities := []store.Entity{
		{ID: 1, ExtractionType: "roles", Label: "Engineer A"},
		{ID: 2, ExtractionType: "obligations", Label: "Report hazards"},
		{ID: 3, ExtractionType: "principles", Label: "Public safety"},
	}
	links := []store.Link{
		{SourceID: 2, TargetID: 1, Relation: "applies_to", Weight: 1},
		{SourceID: 3, TargetID: 2, Relation: "grounds", Weight: 1},
	}
	return graph.Build(caseID, entities, links), nil
}

func (f *fakeEngine) Verify(ctx context.Context, caseID int64) ([]*verify.Report, error) {
	return []*verify.Report{{CaseID: caseID}}, nil
}

func (f *fakeEngine) Export(ctx context.Context, caseID int64, format string, w io.Writer) error {
	if format != "jsonld" && format != "xlsx" {
		return proethica.ErrUnknownExportFormat
	}
	_, err := io.WriteString(w, `{"@id":"case-1"}`)
	return err
}

func (f *fakeEngine) Search(ctx context.Context, query string, opts retrieval.Options) ([]retrieval.Result, *retrieval.Trace, error) {
	f.search = opts
	return []retrieval.Result{{ScoredEntity: store.ScoredEntity{Entity: store.Entity{ID: 1, Label: "Engineer A"}, Score: 0.5}}}, &retrieval.Trace{FusedResults: 1}, nil
}

func newTestServer(t *testing.T, f *fakeEngine, cfg proethica.ServerConfig) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(f, cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), proethica.ServerConfig{APIKey: "s3cret"})

	resp, _ := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/cases", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/cases", "", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/cases", "", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["cases"], 1)
}

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), proethica.ServerConfig{})

	resp, _ := do(t, http.MethodGet, srv.URL+"/health", "", nil)
	minted := resp.Header.Get("X-Request-ID")
	_, err := uuid.Parse(minted)
	assert.NoError(t, err, "minted id %q", minted)

	resp, _ = do(t, http.MethodGet, srv.URL+"/health", "", http.Header{"X-Request-ID": {"trace-42"}})
	assert.Equal(t, "trace-42", resp.Header.Get("X-Request-ID"))

	resp, _ = do(t, http.MethodGet, srv.URL+"/health", "", http.Header{"X-Request-ID": {strings.Repeat("x", 65)}})
	assert.NotEqual(t, strings.Repeat("x", 65), resp.Header.Get("X-Request-ID"))
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }),
		tag("outer"), tag("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), proethica.ServerConfig{
		APIKey:      "s3cret",
		CORSOrigins: []string{"https://review.example.org"},
	})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/cases", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://review.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	// Preflight is answered before auth.
	assert.Less(t, resp.StatusCode, 300)
	assert.Equal(t, "https://review.example.org", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{proethica.ErrCaseNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", proethica.ErrEntityNotFound), http.StatusNotFound},
		{proethica.ErrStepDependency, http.StatusConflict},
		{proethica.ErrRunFinished, http.StatusConflict},
		{proethica.ErrUnknownStep, http.StatusBadRequest},
		{proethica.ErrUnknownExportFormat, http.StatusBadRequest},
		{proethica.ErrParsingFailed, http.StatusUnprocessableEntity},
		{proethica.ErrLLMUnavailable, http.StatusServiceUnavailable},
		{proethica.ErrStoreClosed, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

func TestCreateCase(t *testing.T) {
	f := newFakeEngine()
	srv := newTestServer(t, f, proethica.ServerConfig{})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"text", `{"source":"case-22-1.txt","text":"Engineer A was retained..."}`, http.StatusCreated},
		{"text without source", `{"text":"Engineer A was retained..."}`, http.StatusBadRequest},
		{"neither path nor text", `{"force":true}`, http.StatusBadRequest},
		{"missing path", `{"path":"/does/not/exist.txt"}`, http.StatusBadRequest},
		{"invalid json", `{"text":`, http.StatusBadRequest},
		{"duplicate", `{"source":"again.txt","text":"duplicate content"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/cases", tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode, body)
			if tt.status == http.StatusConflict {
				assert.EqualValues(t, 1, body["case_id"])
			}
		})
	}
}

func TestCreateCaseBodyLimit(t *testing.T) {
	h := New(newFakeEngine(), proethica.ServerConfig{MaxUploadMB: 1}).Handler()

	big := `{"source":"big.txt","text":"` + strings.Repeat("x", 3<<19) + `"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cases", strings.NewReader(big))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "body exceeds 1 MB")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/cases", strings.NewReader(`{"source":"small.txt","text":"Engineer A"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateCaseUpload(t *testing.T) {
	f := newFakeEngine()
	srv := newTestServer(t, f, proethica.ServerConfig{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "../../case-21-4.txt")
	require.NoError(t, err)
	io.WriteString(fw, "Case 21-4: Delayed Bridge Inspection Report")
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/cases", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Len(t, f.ingested, 1)
	assert.True(t, strings.HasSuffix(f.ingested[0], ".txt"))
	assert.NotContains(t, f.ingested[0], "..")
}

func TestGetCaseNotFound(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), proethica.ServerConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/cases/42", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "case not found")

	resp, _ = do(t, http.MethodGet, srv.URL+"/cases/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuns(t *testing.T) {
	f := newFakeEngine()
	srv := newTestServer(t, f, proethica.ServerConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/cases/1/runs", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", body["id"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/cases/1/runs", `{"steps":["bogus"]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/cases/1/runs", `{"steps":[""]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/runs/run-1/cancel", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelling", body["status"])

	f.runs["run-1"].Status = store.RunCompleted
	resp, _ = do(t, http.MethodPost, srv.URL+"/runs/run-1/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/runs/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialEvents(t *testing.T, srv *httptest.Server, runID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/" + runID + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer s3cret"}})
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestRunEventsStream(t *testing.T) {
	f := newFakeEngine()
	f.runs["run-1"] = &store.Run{ID: "run-1", CaseID: 1, Steps: []string{"contextual"}, Status: store.RunRunning}
	srv := newTestServer(t, f, proethica.ServerConfig{APIKey: "s3cret"})

	conn := dialEvents(t, srv, "run-1")
	f.events <- queue.Event{Type: queue.EventStepStarted, RunID: "run-1", Step: "contextual", Total: 1}
	f.events <- queue.Event{Type: queue.EventRunCompleted, RunID: "run-1", Completed: 1, Total: 1}

	var got []string
	for {
		var ev queue.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{queue.EventStepStarted, queue.EventRunCompleted}, got)
}

func TestRunEventsFinishedRun(t *testing.T) {
	f := newFakeEngine()
	f.runs["run-9"] = &store.Run{ID: "run-9", CaseID: 1, Steps: []string{"contextual", "normative"}, Status: store.RunFailed, Error: "llm unavailable"}
	srv := newTestServer(t, f, proethica.ServerConfig{APIKey: "s3cret"})

	conn := dialEvents(t, srv, "run-9")
	var ev queue.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, queue.EventRunFailed, ev.Type)
	assert.Equal(t, "llm unavailable", ev.Error)
	assert.Equal(t, 2, ev.Total)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
}

func TestUpdateEntity(t *testing.T) {
	f := newFakeEngine()
	srv := newTestServer(t, f, proethica.ServerConfig{})

	resp, body := do(t, http.MethodPatch, srv.URL+"/entities/7", `{"entity_label":"ignored","label":"Engineer B","is_reviewed":true}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Engineer B", body["entity_label"])
	assert.Equal(t, true, body["is_reviewed"])
	require.Len(t, f.updates, 1)
	assert.Nil(t, f.updates[0].Confidence)

	resp, _ = do(t, http.MethodPatch, srv.URL+"/entities/7", `{"confidence":1.5}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPatch, srv.URL+"/entities/8", `{"is_reviewed":true}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGraphNeighbourhood(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), proethica.ServerConfig{})

	resp, err := http.Get(srv.URL + "/cases/1/graph?seed=1&depth=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var g graph.Graph
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&g))
	ids := make([]int64, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []int64{1, 2}, ids)
	assert.Len(t, g.Edges, 1)

	r2, _ := do(t, http.MethodGet, srv.URL+"/cases/1/graph?seed=1&depth=9", "", nil)
	assert.Equal(t, http.StatusBadRequest, r2.StatusCode)
}

func TestExport(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), proethica.ServerConfig{})

	resp, err := http.Get(srv.URL + "/cases/1/export?format=jsonld")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/ld+json", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "case-1.jsonld")
	assert.JSONEq(t, `{"@id":"case-1"}`, string(raw))

	r2, body := do(t, http.MethodGet, srv.URL+"/cases/1/export?format=csv", "", nil)
	assert.Equal(t, http.StatusBadRequest, r2.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestSearch(t *testing.T) {
	f := newFakeEngine()
	srv := newTestServer(t, f, proethica.ServerConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/search?q=engineer&case_id=1&type=roles,obligations&type=principles&limit=5", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["results"], 1)
	assert.Equal(t, retrieval.Options{CaseID: 1, Types: []string{"roles", "obligations", "principles"}, MaxResults: 5}, f.search)

	resp, _ = do(t, http.MethodGet, srv.URL+"/search?q=", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/search?q=x&limit=500", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t, newFakeEngine(), proethica.ServerConfig{})

	// DeleteCase is not implemented by the fake and panics.
	resp, body := do(t, http.MethodDelete, srv.URL+"/cases/1", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal server error", body["error"])
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"roles", "states", "actions"}, splitList([]string{"roles, states", "", "actions,"}))
	assert.Nil(t, splitList(nil))
}
