package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/proethica/proethica"
	"github.com/proethica/proethica/store"
)

type createCaseRequest struct {
	Path     string            `json:"path" validate:"required_without=Text"`
	Text     string            `json:"text" validate:"required_without=Path"`
	Source   string            `json:"source" validate:"required_with=Text,max=512"`
	Force    bool              `json:"force"`
	Metadata map[string]string `json:"metadata" validate:"max=32"`
}

// POST /cases
// Accepts a multipart file upload, or JSON with a server-side path or the
// case text.
func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		s.createFromUpload(ctx, w, r)
		return
	}

	var req createCaseRequest
	if !s.decode(w, r, &req) {
		return
	}
	var opts []proethica.IngestOption
	if req.Force {
		opts = append(opts, proethica.WithForceReparse())
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, proethica.WithMetadata(req.Metadata))
	}

	var (
		c   *store.Case
		err error
	)
	if req.Path != "" {
		absPath, perr := filepath.Abs(req.Path)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		if info, serr := os.Stat(absPath); serr != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
		c, err = s.engine.Ingest(ctx, absPath, opts...)
	} else {
		c, err = s.engine.IngestText(ctx, req.Source, req.Text, opts...)
	}
	s.writeIngest(w, r, c, err)
}

func (s *Server) createFromUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxUploadMB)<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// Sanitise filename to prevent path traversal.
	safeName := filepath.Base(header.Filename)
	tmp, err := os.CreateTemp("", "proethica-*"+filepath.Ext(safeName))
	if err != nil {
		slog.Error("api: creating temp file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process file")
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		slog.Error("api: saving uploaded file", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	tmp.Close()

	opts := []proethica.IngestOption{proethica.WithSource("upload:" + safeName)}
	if r.FormValue("force") == "true" {
		opts = append(opts, proethica.WithForceReparse())
	}
	c, err := s.engine.Ingest(ctx, tmp.Name(), opts...)
	s.writeIngest(w, r, c, err)
}

// writeIngest answers 201 for a new or refreshed case and 409 with the
// existing case ID for duplicate content.
func (s *Server) writeIngest(w http.ResponseWriter, r *http.Request, c *store.Case, err error) {
	if errors.Is(err, proethica.ErrCaseExists) && c != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "case_id": c.ID})
		return
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GET /cases
func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.engine.Cases(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if cases == nil {
		cases = []store.Case{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

// GET /cases/{id}
func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	d, err := s.engine.Case(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DELETE /cases/{id}
func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteCase(r.Context(), id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
