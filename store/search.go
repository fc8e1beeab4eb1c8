package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// ScoredEntity is an entity with a retrieval score.
type ScoredEntity struct {
	Entity
	Score float64 `json:"score"`
}

// MarshalJSON keeps the score next to the inlined entity fields.
func (s ScoredEntity) MarshalJSON() ([]byte, error) {
	raw, err := s.Entity.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["score"], _ = json.Marshal(s.Score)
	return json.Marshal(m)
}

// UpsertEntityVector stores the embedding of an entity. It is a no-op when
// vectors are disabled.
func (s *Store) UpsertEntityVector(ctx context.Context, entityID int64, embedding []float32) error {
	if !s.vec {
		return nil
	}
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding has %d dimensions, store expects %d", len(embedding), s.embeddingDim)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_entities (entity_id, embedding) VALUES (?, ?)",
		entityID, serializeFloat32(embedding))
	return err
}

// NearestEntities performs a KNN search over entity embeddings restricted to
// one case and, optionally, a set of extraction types. Scores are cosine
// similarities. caseID 0 searches every case.
func (s *Store) NearestEntities(ctx context.Context, caseID int64, types []string, query []float32, k int) ([]ScoredEntity, error) {
	if !s.vec || len(query) == 0 || k <= 0 {
		return nil, nil
	}

	// KNN runs before the case filter, so over-fetch.
	args := []any{serializeFloat32(query), k * 8}
	filter := ""
	if caseID > 0 {
		filter = " AND e.case_id = ?"
		args = append(args, caseID)
	}
	if len(types) > 0 {
		filter += " AND e.extraction_type IN (?" + repeatPlaceholders(len(types)-1) + ")"
		for _, t := range types {
			args = append(args, t)
		}
	}
	args = append(args, k)

	rows, err := s.db.QueryxContext(ctx, `
		SELECT e.id, e.case_id, e.extraction_session_id, e.extraction_type, e.storage_type, e.entity_label,
			e.entity_uri, e.entity_definition, e.rdf_json_ld, e.confidence, e.is_reviewed, e.created_at, e.updated_at,
			v.distance
		FROM vec_entities v
		JOIN temporary_rdf_storage e ON e.id = v.entity_id
		WHERE v.embedding MATCH ? AND k = ?`+filter+`
		ORDER BY v.distance
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredEntity
	for rows.Next() {
		var r ScoredEntity
		var distance float64
		if err := rows.Scan(&r.ID, &r.CaseID, &r.SessionID, &r.ExtractionType, &r.StorageType, &r.Label,
			&r.URI, &r.Definition, &r.JSONLD, &r.Confidence, &r.IsReviewed, &r.CreatedAt, &r.UpdatedAt,
			&distance); err != nil {
			return nil, err
		}
		r.Score = 1.0 - distance
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchEntities finds entities whose label or definition match the query.
// FTS5 with BM25 ranking is used when available, otherwise a LIKE scan
// scored by the number of matching terms. caseID 0 searches every case.
func (s *Store) SearchEntities(ctx context.Context, query string, caseID int64, limit int) ([]ScoredEntity, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if s.fts {
		return s.ftsSearch(ctx, terms, caseID, limit)
	}
	return s.likeSearch(ctx, terms, caseID, limit)
}

func (s *Store) ftsSearch(ctx context.Context, terms []string, caseID int64, limit int) ([]ScoredEntity, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + t + `"`
	}
	match := strings.Join(quoted, " OR ")

	args := []any{match}
	caseFilter := ""
	if caseID != 0 {
		caseFilter = " AND e.case_id = ?"
		args = append(args, caseID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryxContext(ctx, `
		SELECT e.id, e.case_id, e.extraction_session_id, e.extraction_type, e.storage_type, e.entity_label,
			e.entity_uri, e.entity_definition, e.rdf_json_ld, e.confidence, e.is_reviewed, e.created_at, e.updated_at,
			f.rank
		FROM entities_fts f
		JOIN temporary_rdf_storage e ON e.id = f.rowid
		WHERE entities_fts MATCH ?`+caseFilter+`
		ORDER BY f.rank
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredEntity
	for rows.Next() {
		var r ScoredEntity
		var rank float64
		if err := rows.Scan(&r.ID, &r.CaseID, &r.SessionID, &r.ExtractionType, &r.StorageType, &r.Label,
			&r.URI, &r.Definition, &r.JSONLD, &r.Confidence, &r.IsReviewed, &r.CreatedAt, &r.UpdatedAt,
			&rank); err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better).
		r.Score = -rank
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) likeSearch(ctx context.Context, terms []string, caseID int64, limit int) ([]ScoredEntity, error) {
	var (
		conds []string
		args  []any
	)
	for _, t := range terms {
		conds = append(conds, "(LOWER(entity_label) LIKE ? OR LOWER(entity_definition) LIKE ?)")
		pat := "%" + t + "%"
		args = append(args, pat, pat)
	}
	query := `SELECT ` + entityColumns + ` FROM temporary_rdf_storage WHERE (` + strings.Join(conds, " OR ") + `)`
	if caseID != 0 {
		query += " AND case_id = ?"
		args = append(args, caseID)
	}
	query += " ORDER BY id"

	var rows []Entity
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, err
	}

	out := make([]ScoredEntity, 0, len(rows))
	for _, e := range rows {
		text := strings.ToLower(e.Label + " " + e.Definition)
		label := strings.ToLower(e.Label)
		var score float64
		for _, t := range terms {
			if strings.Contains(label, t) {
				score += 2
			} else if strings.Contains(text, t) {
				score++
			}
		}
		out = append(out, ScoredEntity{Entity: e, Score: score})
	}
	sortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// searchTerms lowercases the query and keeps alphanumeric terms of at least
// two characters. Quotes and FTS operators are dropped.
func searchTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func sortScored(s []ScoredEntity) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}
