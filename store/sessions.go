package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session statuses.
const (
	SessionRunning    = "running"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
	SessionSuperseded = "superseded"
)

// Session represents a row in the extraction_sessions table.
type Session struct {
	ID               string     `json:"id" db:"id"`
	CaseID           int64      `json:"case_id" db:"case_id"`
	Step             string     `json:"step" db:"step"`
	ExtractionType   string     `json:"extraction_type" db:"extraction_type"`
	Model            string     `json:"model" db:"model"`
	Status           string     `json:"status" db:"status"`
	EntityCount      int        `json:"entity_count" db:"entity_count"`
	PromptTokens     int        `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens" db:"completion_tokens"`
	Error            string     `json:"error,omitempty" db:"error"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// PromptLog represents a row in the extraction_prompts table.
type PromptLog struct {
	ID               int64     `json:"id" db:"id"`
	CaseID           int64     `json:"case_id" db:"case_id"`
	SessionID        string    `json:"extraction_session_id" db:"extraction_session_id"`
	ExtractionType   string    `json:"extraction_type" db:"extraction_type"`
	SectionType      string    `json:"section_type" db:"section_type"`
	Prompt           string    `json:"prompt" db:"prompt"`
	Response         string    `json:"response" db:"response"`
	Model            string    `json:"model" db:"model"`
	PromptTokens     int       `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens" db:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

const sessionColumns = `id, case_id, step, extraction_type, model, status, entity_count,
	prompt_tokens, completion_tokens, error, created_at, completed_at`

// BeginSession opens a running extraction session and returns its UUID.
func (s *Store) BeginSession(ctx context.Context, caseID int64, step, extractionType, model string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO extraction_sessions (id, case_id, step, extraction_type, model, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), id, caseID, step, extractionType, model, SessionRunning, now())
	if err != nil {
		return "", fmt.Errorf("beginning session: %w", err)
	}
	return id, nil
}

// FailSession marks a session failed. Rows of earlier sessions stay in place.
func (s *Store) FailSession(ctx context.Context, id string, promptTokens, completionTokens int, reason string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE extraction_sessions
		SET status = ?, error = ?, prompt_tokens = ?, completion_tokens = ?, completed_at = ?
		WHERE id = ?
	`), SessionFailed, reason, promptTokens, completionTokens, now(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, s.q(`SELECT `+sessionColumns+` FROM extraction_sessions WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

// ListSessions returns all sessions of a case, oldest first.
func (s *Store) ListSessions(ctx context.Context, caseID int64) ([]Session, error) {
	var out []Session
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+sessionColumns+` FROM extraction_sessions
		WHERE case_id = ? ORDER BY created_at, id
	`), caseID)
	return out, err
}

// CompletedTypes returns the extraction types with a completed session for a case.
func (s *Store) CompletedTypes(ctx context.Context, caseID int64) (map[string]bool, error) {
	var types []string
	err := s.db.SelectContext(ctx, &types, s.q(`
		SELECT DISTINCT extraction_type FROM extraction_sessions
		WHERE case_id = ? AND status = ?
	`), caseID, SessionCompleted)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(types))
	for _, t := range types {
		out[t] = true
	}
	return out, nil
}

// CompletedSessionCounts returns, per extraction type, how many completed
// (non-superseded) sessions a case has. More than one indicates a duplicate.
func (s *Store) CompletedSessionCounts(ctx context.Context, caseID int64) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, s.q(`
		SELECT extraction_type, COUNT(*) FROM extraction_sessions
		WHERE case_id = ? AND status = ?
		GROUP BY extraction_type
	`), caseID, SessionCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[t] = n
	}
	return out, rows.Err()
}

// LogPrompt records one LLM exchange of a session.
func (s *Store) LogPrompt(ctx context.Context, p PromptLog) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO extraction_prompts (case_id, extraction_session_id, extraction_type, section_type,
			prompt, response, model, prompt_tokens, completion_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), p.CaseID, p.SessionID, p.ExtractionType, p.SectionType,
		p.Prompt, p.Response, p.Model, p.PromptTokens, p.CompletionTokens, now())
	return err
}

// ListPrompts returns the prompts recorded for a session.
func (s *Store) ListPrompts(ctx context.Context, sessionID string) ([]PromptLog, error) {
	var out []PromptLog
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT id, case_id, extraction_session_id, extraction_type, section_type, prompt, response,
			model, prompt_tokens, completion_tokens, created_at
		FROM extraction_prompts WHERE extraction_session_id = ? ORDER BY id
	`), sessionID)
	return out, err
}
