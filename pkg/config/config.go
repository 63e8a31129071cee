// Package config maps the process environment into a typed, reloadable
// configuration record. Every field has a default; components read the
// record through a Holder so a reload is picked up atomically.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// Mode selects the deployment profile.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// Backend selects the metadata store.
type Backend string

const (
	BackendEmbedded Backend = "embedded"
	BackendRemote   Backend = "remote"
)

// EmbedKind selects the embedding provider family.
type EmbedKind string

const (
	EmbedSynthetic   EmbedKind = "synthetic"
	EmbedLocalDaemon EmbedKind = "local_daemon"
	EmbedRemoteAPI   EmbedKind = "remote_api"
	EmbedRouter      EmbedKind = "router"
)

// Config is the full runtime configuration.
type Config struct {
	Port int
	Mode Mode
	Host string

	DataDir         string
	DBPath          string
	MetadataBackend Backend
	PGDSN           string
	PGPrefix        string
	VectorExt       bool
	RemoteKNN       bool

	EmbedKind    EmbedKind
	VecDim       int
	EmbedMode    string
	EmbedModel   string
	EmbedTimeout time.Duration
	OllamaURL    string
	OpenAIAPIKey string

	HybridFusion        bool
	KeywordBoost        float64
	KeywordMinLength    int
	WVec                float64
	WKw                 float64
	WTime               float64
	RecencyHalfLifeDays float64
	OversampleFactor    int

	RateLimitEnabled     bool
	RateLimitWindow      time.Duration
	RateLimitMaxRequests int

	DecayInterval time.Duration
	DecayRatio    float64
	AutoReflect   bool
	ReflectMin    int

	MaxPayloadSize int64
	ChunkSize      int
	ChunkOverlap   int

	StrictTenant bool
	APIKey       string
	AdminKey     string

	BackupDir      string
	EncryptionKeys string
}

// Load reads .env if present, then the environment, and returns the
// populated record.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug("no .env file loaded", "err", err)
	}

	c := &Config{
		Port:            getEnvInt("PORT", 8080),
		Mode:            Mode(getEnv("MODE", string(ModeDevelopment))),
		Host:            getEnv("HOST", "0.0.0.0"),
		DataDir:         getEnv("DATA_DIR", "./data"),
		MetadataBackend: Backend(getEnv("METADATA_BACKEND", string(BackendEmbedded))),
		PGDSN:           getEnv("PG_DSN", ""),
		PGPrefix:        getEnv("PG_PREFIX", "openmemory_"),
		VectorExt:       getEnvBool("VECTOR_EXT", false),
		RemoteKNN:       getEnvBool("REMOTE_KNN", false),

		EmbedKind:    EmbedKind(getEnv("EMBED_KIND", string(EmbedSynthetic))),
		VecDim:       getEnvInt("VEC_DIM", 256),
		EmbedMode:    getEnv("EMBED_MODE", "simple"),
		EmbedModel:   getEnv("EMBED_MODEL", ""),
		EmbedTimeout: time.Duration(getEnvInt("EMBED_TIMEOUT_MS", 2000)) * time.Millisecond,
		OllamaURL:    getEnv("OLLAMA_URL", "http://localhost:11434"),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),

		HybridFusion:        getEnvBool("HYBRID_FUSION", true),
		KeywordBoost:        getEnvFloat("KEYWORD_BOOST", 1.0),
		KeywordMinLength:    getEnvInt("KEYWORD_MIN_LENGTH", 3),
		WVec:                getEnvFloat("W_VEC", 0.7),
		WKw:                 getEnvFloat("W_KW", 0.2),
		WTime:               getEnvFloat("W_TIME", 0.1),
		RecencyHalfLifeDays: getEnvFloat("RECENCY_HALF_LIFE_DAYS", 7),
		OversampleFactor:    getEnvInt("OVERSAMPLE_FACTOR", 4),

		RateLimitEnabled:     getEnvBool("RATE_LIMIT_ENABLED", false),
		RateLimitWindow:      time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
		RateLimitMaxRequests: getEnvInt("RATE_LIMIT_MAX_REQUESTS", 100),

		DecayInterval: time.Duration(getEnvInt("DECAY_INTERVAL_MINUTES", 1440)) * time.Minute,
		DecayRatio:    getEnvFloat("DECAY_RATIO", 0.5),
		AutoReflect:   getEnvBool("AUTO_REFLECT", true),
		ReflectMin:    getEnvInt("REFLECT_MIN", 20),

		MaxPayloadSize: int64(getEnvInt("MAX_PAYLOAD_SIZE", 1_000_000)),
		ChunkSize:      getEnvInt("CHUNK_SIZE", 2000),
		ChunkOverlap:   getEnvInt("CHUNK_OVERLAP", 200),

		StrictTenant: getEnvBool("STRICT_TENANT", false),
		APIKey:       getEnv("API_KEY", ""),
		AdminKey:     getEnv("ADMIN_KEY", ""),

		BackupDir:      getEnv("BACKUP_DIR", ""),
		EncryptionKeys: getEnv("ENCRYPTION_KEYS", ""),
	}
	c.DBPath = getEnv("DB_PATH", c.DataDir+"/openmemory.db")
	if c.BackupDir == "" {
		c.BackupDir = c.DataDir + "/backups"
	}

	if c.MetadataBackend != BackendEmbedded && c.MetadataBackend != BackendRemote {
		return nil, fmt.Errorf("Load: unknown METADATA_BACKEND %q", c.MetadataBackend)
	}
	if c.MetadataBackend == BackendRemote && c.PGDSN == "" {
		return nil, fmt.Errorf("Load: METADATA_BACKEND=remote requires PG_DSN")
	}
	if c.VecDim <= 0 {
		return nil, fmt.Errorf("Load: VEC_DIM must be positive, got %d", c.VecDim)
	}
	return c, nil
}

// Protocol is the scheme the service advertises for its own URLs.
func (c *Config) Protocol() string {
	if c.Mode == ModeProduction {
		return "https"
	}
	return "http"
}

// Holder publishes the current Config; Reload swaps it atomically so
// readers never observe a partial record.
type Holder struct {
	cur atomic.Pointer[Config]
}

// NewHolder wraps an initial config.
func NewHolder(c *Config) *Holder {
	h := &Holder{}
	h.cur.Store(c)
	return h
}

// Get returns the current config.
func (h *Holder) Get() *Config { return h.cur.Load() }

// Reload re-reads the environment and swaps in the new record.
func (h *Holder) Reload() (*Config, error) {
	c, err := Load()
	if err != nil {
		return nil, err
	}
	h.cur.Store(c)
	return c, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.Warn("invalid integer in environment", "key", key, "value", v)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.Warn("invalid float in environment", "key", key, "value", v)
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
