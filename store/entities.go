package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Entity represents a row in temporary_rdf_storage. JSONLD holds the full
// typed payload; the label, definition and confidence columns duplicate the
// fields queried most often.
type Entity struct {
	ID             int64     `json:"id" db:"id"`
	CaseID         int64     `json:"case_id" db:"case_id"`
	SessionID      string    `json:"extraction_session_id" db:"extraction_session_id"`
	ExtractionType string    `json:"extraction_type" db:"extraction_type"`
	StorageType    string    `json:"storage_type" db:"storage_type"`
	Label          string    `json:"entity_label" db:"entity_label"`
	URI            string    `json:"entity_uri" db:"entity_uri"`
	Definition     string    `json:"entity_definition" db:"entity_definition"`
	JSONLD         string    `json:"-" db:"rdf_json_ld"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	IsReviewed     bool      `json:"is_reviewed" db:"is_reviewed"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// MarshalJSON inlines the stored JSON-LD document as a nested object.
func (e Entity) MarshalJSON() ([]byte, error) {
	type plain Entity
	return json.Marshal(struct {
		plain
		JSONLD json.RawMessage `json:"rdf_json_ld"`
	}{plain(e), json.RawMessage(jsonOrEmpty(e.JSONLD))})
}

// Payload decodes the JSON-LD document. An empty column yields an empty map.
func (e Entity) Payload() (map[string]any, error) {
	out := map[string]any{}
	if e.JSONLD == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(e.JSONLD), &out); err != nil {
		return nil, fmt.Errorf("entity %d payload: %w", e.ID, err)
	}
	return out, nil
}

// Link represents a row in entity_links.
type Link struct {
	ID        int64   `json:"id" db:"id"`
	CaseID    int64   `json:"case_id" db:"case_id"`
	SourceID  int64   `json:"source_entity_id" db:"source_entity_id"`
	TargetID  int64   `json:"target_entity_id" db:"target_entity_id"`
	Relation  string  `json:"relation" db:"relation"`
	Weight    float64 `json:"weight" db:"weight"`
	SessionID string  `json:"extraction_session_id" db:"extraction_session_id"`
}

// PendingLink is a link whose source is an entity in the same commit,
// addressed by its index in Commit.Entities.
type PendingLink struct {
	SourceIndex int
	TargetID    int64
	Relation    string
	Weight      float64
}

// Commit is the result of one successful extraction session.
type Commit struct {
	SessionID        string
	CaseID           int64
	ExtractionType   string
	Entities         []Entity
	Links            []PendingLink
	PromptTokens     int
	CompletionTokens int
}

// EntityFilter narrows ListEntities. Zero values match everything.
type EntityFilter struct {
	CaseID    int64
	Types     []string
	SessionID string
	Reviewed  *bool
}

// EntityUpdate carries review edits; nil fields are left unchanged.
type EntityUpdate struct {
	Label      *string
	Definition *string
	Confidence *float64
	Reviewed   *bool
	JSONLD     *string
}

const entityColumns = `id, case_id, extraction_session_id, extraction_type, storage_type, entity_label,
	entity_uri, entity_definition, rdf_json_ld, confidence, is_reviewed, created_at, updated_at`

// ReplaceEntities stores the entities of a completed session. In one
// transaction it deletes every earlier row of the same case and extraction
// type, inserts the new rows and links, marks earlier completed sessions
// superseded and completes this one. It returns the new entity IDs in input
// order.
func (s *Store) ReplaceEntities(ctx context.Context, c Commit) ([]int64, error) {
	ids := make([]int64, len(c.Entities))
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if s.vec {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				DELETE FROM vec_entities WHERE entity_id IN (
					SELECT id FROM temporary_rdf_storage
					WHERE case_id = ? AND extraction_type = ? AND extraction_session_id <> ?
				)`), c.CaseID, c.ExtractionType, c.SessionID); err != nil {
				return fmt.Errorf("clearing vectors: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM temporary_rdf_storage
			WHERE case_id = ? AND extraction_type = ? AND extraction_session_id <> ?
		`), c.CaseID, c.ExtractionType, c.SessionID); err != nil {
			return fmt.Errorf("clearing previous entities: %w", err)
		}

		ts := now()
		insert := tx.Rebind(`
			INSERT INTO temporary_rdf_storage (case_id, extraction_session_id, extraction_type, storage_type,
				entity_label, entity_uri, entity_definition, rdf_json_ld, confidence, is_reviewed, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`)
		for i, e := range c.Entities {
			storage := e.StorageType
			if storage == "" {
				storage = "individual"
			}
			if err := tx.QueryRowxContext(ctx, insert,
				c.CaseID, c.SessionID, c.ExtractionType, storage,
				e.Label, e.URI, e.Definition, jsonOrEmpty(e.JSONLD), e.Confidence, false, ts, ts,
			).Scan(&ids[i]); err != nil {
				return fmt.Errorf("inserting entity %q: %w", e.Label, err)
			}
		}

		linkStmt := tx.Rebind(`
			INSERT INTO entity_links (case_id, source_entity_id, target_entity_id, relation, weight, extraction_session_id)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		for _, l := range c.Links {
			if l.SourceIndex < 0 || l.SourceIndex >= len(ids) {
				return fmt.Errorf("link source index %d out of range", l.SourceIndex)
			}
			w := l.Weight
			if w == 0 {
				w = 1.0
			}
			if _, err := tx.ExecContext(ctx, linkStmt,
				c.CaseID, ids[l.SourceIndex], l.TargetID, l.Relation, w, c.SessionID); err != nil {
				return fmt.Errorf("inserting link %s: %w", l.Relation, err)
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE extraction_sessions SET status = ?
			WHERE case_id = ? AND extraction_type = ? AND id <> ? AND status = ?
		`), SessionSuperseded, c.CaseID, c.ExtractionType, c.SessionID, SessionCompleted); err != nil {
			return fmt.Errorf("superseding sessions: %w", err)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE extraction_sessions
			SET status = ?, entity_count = ?, prompt_tokens = ?, completion_tokens = ?, completed_at = ?
			WHERE id = ?
		`), SessionCompleted, len(c.Entities), c.PromptTokens, c.CompletionTokens, ts, c.SessionID)
		if err != nil {
			return fmt.Errorf("completing session: %w", err)
		}
		return expectRow(res)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListEntities returns entities matching the filter ordered by ID.
func (s *Store) ListEntities(ctx context.Context, f EntityFilter) ([]Entity, error) {
	var (
		where []string
		args  []any
	)
	if f.CaseID != 0 {
		where = append(where, "case_id = ?")
		args = append(args, f.CaseID)
	}
	if len(f.Types) > 0 {
		where = append(where, "extraction_type IN (?"+repeatPlaceholders(len(f.Types)-1)+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	if f.SessionID != "" {
		where = append(where, "extraction_session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Reviewed != nil {
		where = append(where, "is_reviewed = ?")
		args = append(args, *f.Reviewed)
	}

	query := `SELECT ` + entityColumns + ` FROM temporary_rdf_storage`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	var out []Entity
	err := s.db.SelectContext(ctx, &out, s.q(query), args...)
	return out, err
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id int64) (*Entity, error) {
	var e Entity
	err := s.db.GetContext(ctx, &e, s.q(`SELECT `+entityColumns+` FROM temporary_rdf_storage WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// GetEntitiesByIDs returns the entities with the given IDs, in ID order.
func (s *Store) GetEntitiesByIDs(ctx context.Context, ids []int64) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var out []Entity
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT `+entityColumns+` FROM temporary_rdf_storage
		WHERE id IN (?`+repeatPlaceholders(len(ids)-1)+`) ORDER BY id
	`), args...)
	return out, err
}

// UpdateEntity applies review edits to an entity.
func (s *Store) UpdateEntity(ctx context.Context, id int64, u EntityUpdate) (*Entity, error) {
	var (
		sets []string
		args []any
	)
	if u.Label != nil {
		sets = append(sets, "entity_label = ?")
		args = append(args, *u.Label)
	}
	if u.Definition != nil {
		sets = append(sets, "entity_definition = ?")
		args = append(args, *u.Definition)
	}
	if u.Confidence != nil {
		sets = append(sets, "confidence = ?")
		args = append(args, *u.Confidence)
	}
	if u.Reviewed != nil {
		sets = append(sets, "is_reviewed = ?")
		args = append(args, *u.Reviewed)
	}
	if u.JSONLD != nil {
		if !json.Valid([]byte(*u.JSONLD)) {
			return nil, fmt.Errorf("rdf_json_ld is not valid JSON")
		}
		sets = append(sets, "rdf_json_ld = ?")
		args = append(args, *u.JSONLD)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, now(), id)
		res, err := s.db.ExecContext(ctx, s.q(
			"UPDATE temporary_rdf_storage SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
		if err != nil {
			return nil, err
		}
		if err := expectRow(res); err != nil {
			return nil, err
		}
	}
	return s.GetEntity(ctx, id)
}

// EntityTypeCounts returns the number of stored entities per extraction type.
func (s *Store) EntityTypeCounts(ctx context.Context, caseID int64) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, s.q(`
		SELECT extraction_type, COUNT(*) FROM temporary_rdf_storage
		WHERE case_id = ? GROUP BY extraction_type
	`), caseID)
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

// ListLinks returns every link of a case.
func (s *Store) ListLinks(ctx context.Context, caseID int64) ([]Link, error) {
	var out []Link
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT id, case_id, source_entity_id, target_entity_id, relation, weight, extraction_session_id
		FROM entity_links WHERE case_id = ? ORDER BY id
	`), caseID)
	return out, err
}

// LinksFrom returns links whose source is one of the given entities.
func (s *Store) LinksFrom(ctx context.Context, ids []int64) ([]Link, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var out []Link
	err := s.db.SelectContext(ctx, &out, s.q(`
		SELECT id, case_id, source_entity_id, target_entity_id, relation, weight, extraction_session_id
		FROM entity_links WHERE source_entity_id IN (?`+repeatPlaceholders(len(ids)-1)+`) ORDER BY id
	`), args...)
	return out, err
}
