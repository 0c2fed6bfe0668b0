// Package config provides configuration management for the memory engine.
// It loads settings from environment variables with the MEMBANK_ prefix,
// applies sensible defaults for every option, and optionally overlays a YAML
// file pointed to by MEMBANK_CONFIG_FILE (file values take precedence over
// environment variables).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the memory engine daemon.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	LLM           LLMConfig           `yaml:"llm"`
	Search        SearchConfig        `yaml:"search"`
	Entities      EntityConfig        `yaml:"entities"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Security      SecurityConfig      `yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"` // bind host (default: 127.0.0.1)
	Port int    `yaml:"port"` // bind port (default: 7070)
}

// StorageConfig contains the relational/vector tier configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	PostgresDSN string `yaml:"postgres_dsn"` // DSN when engine is postgres
	DataPath    string `yaml:"data_path"`    // sqlite data directory (default: ./data)
}

// CacheConfig configures the session window cache.
// An empty RedisAddr selects the in-process cache.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	WindowSize    int           `yaml:"window_size"` // turns per session window (default: 15)
	TTL           time.Duration `yaml:"ttl"`         // session window TTL (default: 30m)
}

// LLMConfig contains external embedding and text-generation configuration.
type LLMConfig struct {
	Provider            string        `yaml:"provider"`              // ollama or openai (default: ollama)
	OllamaURL           string        `yaml:"ollama_url"`            // default: http://localhost:11434
	OllamaModel         string        `yaml:"ollama_model"`          // default: qwen2.5:7b
	OllamaEmbedModel    string        `yaml:"ollama_embed_model"`    // default: nomic-embed-text
	OpenAIAPIKey        string        `yaml:"openai_api_key"`
	OpenAIModel         string        `yaml:"openai_model"`          // default: gpt-4o-mini
	OpenAIEmbedModel    string        `yaml:"openai_embed_model"`    // default: text-embedding-3-small
	Timeout             time.Duration `yaml:"timeout"`               // per-call timeout (default: 10s)
}

// SearchConfig tunes the hybrid search engine.
type SearchConfig struct {
	TopK           int     `yaml:"top_k"`           // per-subquery candidate count (default: 20)
	RRFConstant    float64 `yaml:"rrf_constant"`    // RRF smoothing constant k (default: 60)
	SemanticWeight float64 `yaml:"semantic_weight"` // default: 0.7; lexical weight is 1 - semantic
}

// EntityConfig tunes entity extraction and resolution.
type EntityConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor"` // below this a mention stays unresolved (default: 0.5)
	Workers         int     `yaml:"workers"`          // enrichment worker count (default: 4)
	QueueSize       int     `yaml:"queue_size"`       // enrichment queue buffer (default: 1000)
	MaxRetries      int     `yaml:"max_retries"`      // per-turn enrichment retries (default: 3)
}

// ConsolidationConfig tunes the scheduled consolidator.
type ConsolidationConfig struct {
	CutoffDays     int `yaml:"cutoff_days"`      // only turns older than this are consolidated (default: 7)
	SchedulerHour  int `yaml:"scheduler_hour"`   // local hour of the daily run (default: 3)
	SpanCharBudget int `yaml:"span_char_budget"` // max characters per summarized span (default: 2000)
	UserWorkers    int `yaml:"user_workers"`     // users consolidated in parallel (default: 2)
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	Mode     string `yaml:"mode"`      // development or production (default: development)
	APIToken string `yaml:"api_token"` // bearer token required in production mode
}

// Load builds a Config from environment variables and defaults, then overlays
// the YAML file named by MEMBANK_CONFIG_FILE when set.
func Load() (*Config, error) {
	cfg := buildBaseConfig()

	if path := os.Getenv("MEMBANK_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that defaults alone cannot enforce.
func (c *Config) Validate() error {
	if c.Storage.Engine != "sqlite" && c.Storage.Engine != "postgres" {
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres engine requires MEMBANK_POSTGRES_DSN")
	}
	if c.Search.SemanticWeight < 0 || c.Search.SemanticWeight > 1 {
		return fmt.Errorf("config: semantic weight must be in [0,1], got %v", c.Search.SemanticWeight)
	}
	if c.Entities.ConfidenceFloor < 0 || c.Entities.ConfidenceFloor > 1 {
		return fmt.Errorf("config: confidence floor must be in [0,1], got %v", c.Entities.ConfidenceFloor)
	}
	if c.Consolidation.SchedulerHour < 0 || c.Consolidation.SchedulerHour > 23 {
		return fmt.Errorf("config: scheduler hour must be in [0,23], got %d", c.Consolidation.SchedulerHour)
	}
	if c.Consolidation.CutoffDays < 1 {
		return fmt.Errorf("config: cutoff days must be >= 1, got %d", c.Consolidation.CutoffDays)
	}
	return nil
}

// buildBaseConfig constructs a Config from environment variables and defaults.
func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("MEMBANK_HOST", "127.0.0.1"),
			Port: getEnvInt("MEMBANK_PORT", 7070),
		},
		Storage: StorageConfig{
			Engine:      getEnv("MEMBANK_STORAGE_ENGINE", "sqlite"),
			PostgresDSN: getEnv("MEMBANK_POSTGRES_DSN", ""),
			DataPath:    getEnv("MEMBANK_DATA_PATH", "./data"),
		},
		Cache: CacheConfig{
			RedisAddr:     getEnv("MEMBANK_REDIS_ADDR", ""),
			RedisPassword: getEnv("MEMBANK_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("MEMBANK_REDIS_DB", 0),
			WindowSize:    getEnvInt("MEMBANK_SESSION_WINDOW", 15),
			TTL:           getEnvDuration("MEMBANK_SESSION_TTL", 30*time.Minute),
		},
		LLM: LLMConfig{
			Provider:         getEnv("MEMBANK_LLM_PROVIDER", "ollama"),
			OllamaURL:        getEnv("MEMBANK_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:      getEnv("MEMBANK_OLLAMA_MODEL", "qwen2.5:7b"),
			OllamaEmbedModel: getEnv("MEMBANK_OLLAMA_EMBED_MODEL", "nomic-embed-text"),
			OpenAIAPIKey:     getEnv("MEMBANK_OPENAI_API_KEY", ""),
			OpenAIModel:      getEnv("MEMBANK_OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIEmbedModel: getEnv("MEMBANK_OPENAI_EMBED_MODEL", "text-embedding-3-small"),
			Timeout:          getEnvDuration("MEMBANK_LLM_TIMEOUT", 10*time.Second),
		},
		Search: SearchConfig{
			TopK:           getEnvInt("MEMBANK_SEARCH_TOP_K", 20),
			RRFConstant:    getEnvFloat("MEMBANK_SEARCH_RRF_K", 60.0),
			SemanticWeight: getEnvFloat("MEMBANK_SEARCH_SEMANTIC_WEIGHT", 0.7),
		},
		Entities: EntityConfig{
			ConfidenceFloor: getEnvFloat("MEMBANK_ENTITY_CONFIDENCE_FLOOR", 0.5),
			Workers:         getEnvInt("MEMBANK_ENRICHMENT_WORKERS", 4),
			QueueSize:       getEnvInt("MEMBANK_ENRICHMENT_QUEUE", 1000),
			MaxRetries:      getEnvInt("MEMBANK_ENRICHMENT_RETRIES", 3),
		},
		Consolidation: ConsolidationConfig{
			CutoffDays:     getEnvInt("MEMBANK_CONSOLIDATION_CUTOFF_DAYS", 7),
			SchedulerHour:  getEnvInt("MEMBANK_CONSOLIDATION_HOUR", 3),
			SpanCharBudget: getEnvInt("MEMBANK_CONSOLIDATION_SPAN_CHARS", 2000),
			UserWorkers:    getEnvInt("MEMBANK_CONSOLIDATION_USER_WORKERS", 2),
		},
		Security: SecurityConfig{
			Mode:     getEnv("MEMBANK_SECURITY_MODE", "development"),
			APIToken: getEnv("MEMBANK_API_TOKEN", ""),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30m") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
