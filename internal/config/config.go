package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all settings for the memory engine. The host application owns
// these values; the engine treats them as read-only.
type Config struct {
	// DBPath is the SQLite database file path.
	DBPath string

	// Run schema migration on startup.
	MigrateAtStart bool

	// Tag indexing.
	TagEnabled   bool
	TagBatchSize int
	// TagMaxPerRecord caps how many tags one record may hold.
	TagMaxPerRecord int
	// TagMaxExpand bounds one-hop co-occurrence expansion during retrieval.
	TagMaxExpand int

	// Vector indexing. Requires EmbedAPIKey and EmbedBaseURL when EmbedType
	// is "openai"; the sweep reports a configuration error otherwise.
	VectorEnabled   bool
	VectorBatchSize int
	VectorMinScore  float64
	VectorTopK      int
	VectorScanLimit int

	// Embedding provider: "none", "local", or "openai".
	EmbedType       string
	EmbedModel      string
	EmbedBaseURL    string
	EmbedAPIKey     string
	EmbedDimensions int
	EmbedTimeout    time.Duration

	// Knowledge-graph extraction.
	KgEnabled bool
	// KgIncludeChat extends extraction from manual notes to chat turns.
	KgIncludeChat  bool
	KgBatchSize    int
	KgModel        string
	KgBaseURL      string
	KgAPIKey       string
	KgTimeout      time.Duration
	KgMaxEntities  int
	KgMaxRelations int
	// KgContentClip bounds how much record content is sent for extraction.
	KgContentClip int

	// Retention sweep.
	RetentionIdleThreshold  time.Duration
	RetentionArchiveBelow   float64
	RetentionSweepBatchSize int
	RetentionWriteDriftGate float64
	ReinforceStrengthStep   float64
	EditStrengthStep        float64
	DuplicateStrengthStep   float64

	// Retrieval defaults.
	RetrieveLimit    int
	RetrieveMaxChars int

	// Manual-upsert similarity gate.
	DedupDiceThreshold    float64
	ConflictDiceThreshold float64
	DedupCandidateWindow  int

	// Maintenance scheduler interval (maintain command).
	MaintainInterval time.Duration
}

// DefaultConfig returns a Config with the engine's stock thresholds.
func DefaultConfig() Config {
	return Config{
		DBPath:         "memory.db",
		MigrateAtStart: true,

		TagEnabled:      true,
		TagBatchSize:    80,
		TagMaxPerRecord: 24,
		TagMaxExpand:    6,

		VectorEnabled:   true,
		VectorBatchSize: 8,
		VectorMinScore:  0.55,
		VectorTopK:      12,
		VectorScanLimit: 2000,

		EmbedType:       "local",
		EmbedModel:      "text-embedding-3-small",
		EmbedBaseURL:    "https://api.openai.com/v1",
		EmbedDimensions: 0,
		EmbedTimeout:    20 * time.Second,

		KgEnabled:      true,
		KgIncludeChat:  false,
		KgBatchSize:    16,
		KgTimeout:      45 * time.Second,
		KgMaxEntities:  20,
		KgMaxRelations: 12,
		KgContentClip:  4000,

		RetentionIdleThreshold:  6 * time.Hour,
		RetentionArchiveBelow:   0.05,
		RetentionSweepBatchSize: 500,
		RetentionWriteDriftGate: 0.02,
		ReinforceStrengthStep:   0.04,
		EditStrengthStep:        0.05,
		DuplicateStrengthStep:   0.01,

		RetrieveLimit:    8,
		RetrieveMaxChars: 2400,

		DedupDiceThreshold:    0.92,
		ConflictDiceThreshold: 0.78,
		DedupCandidateWindow:  240,

		MaintainInterval: time.Minute,
	}
}

// FromEnv overlays NEODESKPET_* environment variables on top of the defaults.
func FromEnv() Config {
	cfg := DefaultConfig()
	setString(&cfg.DBPath, "NEODESKPET_DB_PATH")
	setBool(&cfg.MigrateAtStart, "NEODESKPET_MIGRATE_AT_START")

	setBool(&cfg.TagEnabled, "NEODESKPET_TAG_ENABLED")
	setInt(&cfg.TagBatchSize, "NEODESKPET_TAG_BATCH_SIZE")
	setInt(&cfg.TagMaxExpand, "NEODESKPET_TAG_MAX_EXPAND")

	setBool(&cfg.VectorEnabled, "NEODESKPET_VECTOR_ENABLED")
	setInt(&cfg.VectorBatchSize, "NEODESKPET_VECTOR_BATCH_SIZE")
	setFloat(&cfg.VectorMinScore, "NEODESKPET_VECTOR_MIN_SCORE")
	setInt(&cfg.VectorTopK, "NEODESKPET_VECTOR_TOP_K")
	setInt(&cfg.VectorScanLimit, "NEODESKPET_VECTOR_SCAN_LIMIT")

	setString(&cfg.EmbedType, "NEODESKPET_EMBED_TYPE")
	setString(&cfg.EmbedModel, "NEODESKPET_EMBED_MODEL")
	setString(&cfg.EmbedBaseURL, "NEODESKPET_EMBED_BASE_URL")
	setString(&cfg.EmbedAPIKey, "NEODESKPET_EMBED_API_KEY")
	setInt(&cfg.EmbedDimensions, "NEODESKPET_EMBED_DIMENSIONS")

	setBool(&cfg.KgEnabled, "NEODESKPET_KG_ENABLED")
	setBool(&cfg.KgIncludeChat, "NEODESKPET_KG_INCLUDE_CHAT")
	setInt(&cfg.KgBatchSize, "NEODESKPET_KG_BATCH_SIZE")
	setString(&cfg.KgModel, "NEODESKPET_KG_MODEL")
	setString(&cfg.KgBaseURL, "NEODESKPET_KG_BASE_URL")
	setString(&cfg.KgAPIKey, "NEODESKPET_KG_API_KEY")

	setDuration(&cfg.RetentionIdleThreshold, "NEODESKPET_RETENTION_IDLE_THRESHOLD")
	setFloat(&cfg.RetentionArchiveBelow, "NEODESKPET_RETENTION_ARCHIVE_BELOW")
	setDuration(&cfg.MaintainInterval, "NEODESKPET_MAINTAIN_INTERVAL")
	return cfg
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
