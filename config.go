package proethica

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/proethica/proethica/llm"
	"github.com/proethica/proethica/retrieval"
)

// EnvPrefix prefixes every environment override, e.g. PROETHICA_CHAT_MODEL.
const EnvPrefix = "PROETHICA_"

const maxConfigFileSize = 1024 * 1024

// Config holds all configuration for the ProEthica engine.
type Config struct {
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Chat       LLMConfig        `json:"chat" yaml:"chat"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`
	Synthesis  SynthesisConfig  `json:"synthesis" yaml:"synthesis"`
	Retrieval  retrieval.Config `json:"retrieval" yaml:"retrieval"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `json:"driver" yaml:"driver" validate:"oneof=sqlite3 postgres"`

	// DSN is the PostgreSQL connection string, or an explicit SQLite path.
	// If empty with SQLite, the path is derived from Name and StorageDir.
	DSN string `json:"dsn" yaml:"dsn"`

	// Name is the database file name without extension (SQLite only).
	Name string `json:"name" yaml:"name"`

	// StorageDir is "home" (~/.proethica/) or "local" (working directory).
	StorageDir string `json:"storage_dir" yaml:"storage_dir" validate:"omitempty,oneof=home local cwd"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider          string        `json:"provider" yaml:"provider"` // one of llm.Providers()
	Model             string        `json:"model" yaml:"model"`
	BaseURL           string        `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey            string        `json:"api_key" yaml:"api_key"`
	RequestsPerMinute float64       `json:"requests_per_minute" yaml:"requests_per_minute" validate:"gte=0"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// EmbeddingConfig configures the optional embedding provider used for
// entity linking and vector search. An empty Provider disables embeddings.
type EmbeddingConfig struct {
	Provider          string        `json:"provider" yaml:"provider"`
	Model             string        `json:"model" yaml:"model"`
	BaseURL           string        `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey            string        `json:"api_key" yaml:"api_key"`
	RequestsPerMinute float64       `json:"requests_per_minute" yaml:"requests_per_minute" validate:"gte=0"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`

	// Dim must match the model's output size.
	Dim int `json:"dim" yaml:"dim" validate:"gte=0"`
}

// LLM returns the provider settings without the dimension.
func (e EmbeddingConfig) LLM() LLMConfig {
	return LLMConfig{
		Provider:          e.Provider,
		Model:             e.Model,
		BaseURL:           e.BaseURL,
		APIKey:            e.APIKey,
		RequestsPerMinute: e.RequestsPerMinute,
		Timeout:           e.Timeout,
	}
}

// ExtractionConfig tunes the extraction passes.
type ExtractionConfig struct {
	MaxChunkTokens  int     `json:"max_chunk_tokens" yaml:"max_chunk_tokens" validate:"gte=200"`
	ChunkOverlap    int     `json:"chunk_overlap" yaml:"chunk_overlap" validate:"gte=0,ltfield=MaxChunkTokens"`
	MinConfidence   float64 `json:"min_confidence" yaml:"min_confidence" validate:"gte=0,lte=1"`
	StepConcurrency int     `json:"step_concurrency" yaml:"step_concurrency" validate:"gte=1"`
	Temperature     float64 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`

	// Entity linking thresholds.
	LinkJaccard    float64 `json:"link_jaccard" yaml:"link_jaccard" validate:"gt=0,lte=1"`
	LinkSimilarity float64 `json:"link_similarity" yaml:"link_similarity" validate:"gt=0,lte=1"`
}

// SynthesisConfig tunes decision-point and argument synthesis.
type SynthesisConfig struct {
	MaxDecisionPoints int     `json:"max_decision_points" yaml:"max_decision_points" validate:"gte=1"`
	DedupeJaccard     float64 `json:"dedupe_jaccard" yaml:"dedupe_jaccard" validate:"gt=0,lte=1"`
	EvidenceSentences int     `json:"evidence_sentences" yaml:"evidence_sentences" validate:"gte=1"`
}

// QueueConfig configures background run workers.
type QueueConfig struct {
	Workers      int           `json:"workers" yaml:"workers" validate:"gte=1"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `json:"addr" yaml:"addr" validate:"required"`
	APIKey      string   `json:"api_key" yaml:"api_key"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins"`
	MaxUploadMB int      `json:"max_upload_mb" yaml:"max_upload_mb" validate:"gte=1"`
}

// LogConfig configures slog output and optional file rotation.
type LogConfig struct {
	Level      string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `json:"format" yaml:"format" validate:"oneof=text json"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.proethica/proethica.db by default.
func DefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:     "sqlite3",
			Name:       "proethica",
			StorageDir: "home",
		},
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
			Dim:      768,
		},
		Extraction: ExtractionConfig{
			MaxChunkTokens:  1500,
			ChunkOverlap:    150,
			MinConfidence:   0.3,
			StepConcurrency: 3,
			Temperature:     0.2,
			LinkJaccard:     0.6,
			LinkSimilarity:  0.8,
		},
		Synthesis: SynthesisConfig{
			MaxDecisionPoints: 5,
			DedupeJaccard:     0.5,
			EvidenceSentences: 3,
		},
		Retrieval: retrieval.DefaultConfig(),
		Queue: QueueConfig{
			Workers:      1,
			PollInterval: 2 * time.Second,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			MaxUploadMB: 32,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// configSections are the top-level keys; env names split after them.
var configSections = []string{"database", "chat", "embedding", "extraction", "synthesis", "retrieval", "queue", "server", "log"}

// envKey maps PROETHICA_CHAT_API_KEY to chat.api_key.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, sec := range configSections {
		if strings.HasPrefix(lower, sec+"_") {
			return sec + "." + strings.TrimPrefix(lower, sec+"_")
		}
	}
	return lower
}

// LoadConfig layers an optional YAML file and PROETHICA_* environment
// variables over DefaultConfig, then validates the result. An empty path
// skips the file.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return Config{}, fmt.Errorf("%w: config file %s exceeds %d bytes", ErrInvalidConfig, path, maxConfigFileSize)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("loading environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var configValidate = validator.New()

// Validate checks field constraints and returns ErrInvalidConfig with the
// offending fields.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(parts, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !slices.Contains(llm.Providers(), c.Chat.Provider) {
		return fmt.Errorf("%w: chat.provider %q (want one of %s)", ErrInvalidConfig, c.Chat.Provider, strings.Join(llm.Providers(), ", "))
	}
	if p := c.Embedding.Provider; p != "" && !slices.Contains(llm.Providers(), p) {
		return fmt.Errorf("%w: embedding.provider %q", ErrInvalidConfig, p)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required for postgres", ErrInvalidConfig)
	}
	return nil
}

// resolveDSN computes the final database DSN from config fields.
func (c *Config) resolveDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}

	name := c.Database.Name
	if name == "" {
		name = "proethica"
	}

	switch c.Database.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".proethica", name+".db")
	}
}
