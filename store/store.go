package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique key already exists.
var ErrConflict = errors.New("store: conflict")

// Options configures Open.
type Options struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string
	// DSN is a file path for SQLite or a connection string for PostgreSQL.
	DSN string
	// EmbeddingDim sizes the entity vector table. Zero disables vectors.
	EmbeddingDim int
}

// Store wraps the SQL database for all ProEthica persistence.
type Store struct {
	db           *sqlx.DB
	driver       string
	embeddingDim int
	fts          bool
	vec          bool
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string, embeddingDim int) (*Store, error) {
	return Open(Options{Driver: DriverSQLite, DSN: dbPath, EmbeddingDim: embeddingDim})
}

// Open connects to the configured database, creates the schema and applies
// pending migrations.
func Open(opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		dir := filepath.Dir(opts.DSN)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating db directory: %w", err)
			}
		}
		db, err = sqlx.Connect(driver, opts.DSN+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	case DriverPostgres:
		db, err = sqlx.Connect(driver, opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	s := &Store{db: db, driver: driver, embeddingDim: opts.EmbeddingDim}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *Store) createSchema() error {
	if s.driver == DriverPostgres {
		_, err := s.db.Exec(postgresSchema)
		return err
	}

	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return err
	}

	if _, err := s.db.Exec(sqliteFTSSchema); err != nil {
		slog.Warn("store: fts5 unavailable, entity search falls back to LIKE", "error", err)
	} else {
		s.fts = true
	}

	if s.embeddingDim > 0 {
		if _, err := s.db.Exec(sqliteVecSchema(s.embeddingDim)); err != nil {
			return fmt.Errorf("creating vector table: %w", err)
		}
		s.vec = true
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sqlx.DB for advanced queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// HasFTS reports whether the full-text index is available.
func (s *Store) HasFTS() bool { return s.fts }

// HasVectors reports whether entity embeddings can be stored.
func (s *Store) HasVectors() bool { return s.vec }

// Stats holds row counts across the main tables.
type Stats struct {
	Cases    int `json:"cases" db:"cases"`
	Sections int `json:"sections" db:"sections"`
	Sessions int `json:"sessions" db:"sessions"`
	Entities int `json:"entities" db:"entities"`
	Links    int `json:"links" db:"links"`
	Prompts  int `json:"prompts" db:"prompts"`
	Runs     int `json:"runs" db:"runs"`
	Vectors  int `json:"vectors" db:"vectors"`
}

// Stats returns row counts for the main tables.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM cases", &stats.Cases},
		{"SELECT COUNT(*) FROM case_sections", &stats.Sections},
		{"SELECT COUNT(*) FROM extraction_sessions", &stats.Sessions},
		{"SELECT COUNT(*) FROM temporary_rdf_storage", &stats.Entities},
		{"SELECT COUNT(*) FROM entity_links", &stats.Links},
		{"SELECT COUNT(*) FROM extraction_prompts", &stats.Prompts},
		{"SELECT COUNT(*) FROM pipeline_runs", &stats.Runs},
	}
	if s.vec {
		queries = append(queries, struct {
			query string
			dest  *int
		}{"SELECT COUNT(*) FROM vec_entities", &stats.Vectors})
	}
	for _, q := range queries {
		if err := s.db.GetContext(ctx, q.dest, q.query); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

// q rebinds a query written with ? placeholders for the active driver.
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(", ?", n)
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation recognises duplicate-key errors from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// jsonOrEmpty returns raw when it is valid JSON and "{}" otherwise.
func jsonOrEmpty(raw string) string {
	if strings.TrimSpace(raw) == "" || !json.Valid([]byte(raw)) {
		return "{}"
	}
	return raw
}

func now() time.Time {
	return time.Now().UTC()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
