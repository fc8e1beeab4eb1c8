package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/proethica/proethica"
	"github.com/proethica/proethica/export"
	"github.com/proethica/proethica/retrieval"
	"github.com/proethica/proethica/store"
)

// GET /cases/{id}/entities?type=roles,actions
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entities, err := s.engine.Entities(r.Context(), id, splitList(r.URL.Query()["type"])...)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entities == nil {
		entities = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

type updateEntityRequest struct {
	Label      *string  `json:"label" validate:"omitempty,min=1,max=500"`
	Definition *string  `json:"definition" validate:"omitempty,max=5000"`
	Confidence *float64 `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	Reviewed   *bool    `json:"is_reviewed"`
}

// PATCH /entities/{id}
func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateEntityRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.engine.UpdateEntity(r.Context(), id, store.EntityUpdate{
		Label:      req.Label,
		Definition: req.Definition,
		Confidence: req.Confidence,
		Reviewed:   req.Reviewed,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// GET /cases/{id}/decision-points
func (s *Server) handleDecisionPoints(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dps, err := s.engine.DecisionPoints(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if dps == nil {
		dps = []proethica.DecisionPointView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision_points": dps})
}

// GET /cases/{id}/arguments
func (s *Server) handleArguments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	args, err := s.engine.Arguments(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if args == nil {
		args = []proethica.ArgumentView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"arguments": args})
}

// GET /cases/{id}/graph?seed=12&depth=2
// With seeds, only their neighbourhood is returned.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	g, err := s.engine.Graph(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	seeds, err := parseIDs(splitList(r.URL.Query()["seed"]))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(seeds) > 0 {
		depth := 1
		if v := r.URL.Query().Get("depth"); v != "" {
			if depth, err = strconv.Atoi(v); err != nil || depth < 0 || depth > 5 {
				writeError(w, http.StatusBadRequest, "depth must be between 0 and 5")
				return
			}
		}
		hops := g.Neighbourhood(seeds, depth)
		ids := make([]int64, len(hops))
		for i, h := range hops {
			ids[i] = h.ID
		}
		g = g.Subgraph(ids)
	}
	writeJSON(w, http.StatusOK, g)
}

// GET /cases/{id}/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	reports, err := s.engine.Verify(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if len(reports) == 0 {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	writeJSON(w, http.StatusOK, reports[0])
}

// GET /cases/{id}/export?format=xlsx|jsonld
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatJSONLD
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	// Buffer so that a failure can still produce a JSON error.
	var buf bytes.Buffer
	if err := s.engine.Export(ctx, id, format, &buf); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="case-%d.%s"`, id, format))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

type searchRequest struct {
	Query  string   `validate:"required,max=500"`
	CaseID int64    `validate:"gte=0"`
	Types  []string `validate:"max=20"`
	Limit  int      `validate:"gte=0,lte=100"`
}

// GET /search?q=...&case_id=&type=&limit=
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := searchRequest{Query: strings.TrimSpace(q.Get("q")), Types: splitList(q["type"])}
	var err error
	if v := q.Get("case_id"); v != "" {
		if req.CaseID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid case_id")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	results, trace, err := s.engine.Search(r.Context(), req.Query, retrieval.Options{
		CaseID: req.CaseID, Types: req.Types, MaxResults: req.Limit,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "trace": trace})
}

// splitList flattens repeated and comma-separated query values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parseIDs(values []string) ([]int64, error) {
	out := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", v)
		}
		out = append(out, id)
	}
	return out, nil
}
