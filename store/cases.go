package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Case statuses.
const (
	CaseStatusPending    = "pending"
	CaseStatusReady      = "ready"
	CaseStatusProcessing = "processing"
	CaseStatusError      = "error"
)

// Section types recognised in case documents.
const (
	SectionFacts       = "facts"
	SectionDiscussion  = "discussion"
	SectionQuestions   = "questions"
	SectionConclusions = "conclusions"
	SectionReferences  = "references"
	SectionOther       = "other"
)

// Case represents a row in the cases table.
type Case struct {
	ID          int64     `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	CaseNumber  string    `json:"case_number" db:"case_number"`
	Year        int       `json:"year" db:"year"`
	Source      string    `json:"source" db:"source"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	Status      string    `json:"status" db:"status"`
	Metadata    string    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Section represents a row in the case_sections table.
type Section struct {
	ID          int64  `json:"id" db:"id"`
	CaseID      int64  `json:"case_id" db:"case_id"`
	SectionType string `json:"section_type" db:"section_type"`
	Heading     string `json:"heading" db:"heading"`
	Content     string `json:"content" db:"content"`
	Position    int    `json:"position" db:"position"`
}

const caseColumns = `id, title, case_number, year, source, content_hash, status, metadata, created_at, updated_at`

// CreateCase inserts a case and returns its ID. A duplicate source yields
// ErrConflict.
func (s *Store) CreateCase(ctx context.Context, c Case) (int64, error) {
	if c.Status == "" {
		c.Status = CaseStatusPending
	}
	ts := now()
	var id int64
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO cases (title, case_number, year, source, content_hash, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), c.Title, c.CaseNumber, c.Year, c.Source, c.ContentHash, c.Status, jsonOrEmpty(c.Metadata), ts, ts).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("case source %q: %w", c.Source, ErrConflict)
	}
	return id, err
}

// UpdateCaseContent refreshes the descriptive fields and hash of an existing case.
func (s *Store) UpdateCaseContent(ctx context.Context, c Case) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE cases SET title = ?, case_number = ?, year = ?, content_hash = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`), c.Title, c.CaseNumber, c.Year, c.ContentHash, jsonOrEmpty(c.Metadata), now(), c.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// GetCase retrieves a case by ID.
func (s *Store) GetCase(ctx context.Context, id int64) (*Case, error) {
	var c Case
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+caseColumns+` FROM cases WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// GetCaseBySource retrieves a case by its source path or URL.
func (s *Store) GetCaseBySource(ctx context.Context, source string) (*Case, error) {
	var c Case
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+caseColumns+` FROM cases WHERE source = ?`), source)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// GetCaseByHash retrieves the first case with the given content hash.
func (s *Store) GetCaseByHash(ctx context.Context, hash string) (*Case, error) {
	var c Case
	err := s.db.GetContext(ctx, &c, s.q(`SELECT `+caseColumns+` FROM cases WHERE content_hash = ? ORDER BY id LIMIT 1`), hash)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListCases returns all cases, newest first.
func (s *Store) ListCases(ctx context.Context) ([]Case, error) {
	var cases []Case
	err := s.db.SelectContext(ctx, &cases, `SELECT `+caseColumns+` FROM cases ORDER BY id DESC`)
	return cases, err
}

// UpdateCaseStatus updates just the status field.
func (s *Store) UpdateCaseStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		"UPDATE cases SET status = ?, updated_at = ? WHERE id = ?"), status, now(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// DeleteCase removes a case. Sections, sessions, entities, links, prompts and
// runs cascade; vectors are removed explicitly because vec0 has no foreign keys.
func (s *Store) DeleteCase(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if s.vec {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				DELETE FROM vec_entities WHERE entity_id IN (
					SELECT id FROM temporary_rdf_storage WHERE case_id = ?
				)`), id); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM cases WHERE id = ?"), id)
		if err != nil {
			return err
		}
		return expectRow(res)
	})
}

// ReplaceSections swaps the stored sections of a case for the given list.
func (s *Store) ReplaceSections(ctx context.Context, caseID int64, sections []Section) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM case_sections WHERE case_id = ?"), caseID); err != nil {
			return err
		}
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO case_sections (case_id, section_type, heading, content, position)
			VALUES (?, ?, ?, ?, ?)
		`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, sec := range sections {
			pos := sec.Position
			if pos == 0 {
				pos = i
			}
			if _, err := stmt.ExecContext(ctx, caseID, sec.SectionType, sec.Heading, sec.Content, pos); err != nil {
				return fmt.Errorf("inserting section %d: %w", i, err)
			}
		}
		return nil
	})
}

// ListSections returns a case's sections in document order.
func (s *Store) ListSections(ctx context.Context, caseID int64) ([]Section, error) {
	var secs []Section
	err := s.db.SelectContext(ctx, &secs, s.q(`
		SELECT id, case_id, section_type, heading, content, position
		FROM case_sections WHERE case_id = ? ORDER BY position, id
	`), caseID)
	return secs, err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
