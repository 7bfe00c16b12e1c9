// Package config loads the application configuration from defaults, an
// optional JSON config file, and DOCQA_* environment variables, in that
// order of increasing precedence. A .env file in the working directory is
// loaded into the environment first.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	LLM        LLMConfig        `json:"llm"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Storage    StorageConfig    `json:"storage"`
	Chunking   ChunkingConfig   `json:"chunking"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Generation GenerationConfig `json:"generation"`
	Log        LogConfig        `json:"log"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	APIToken string `json:"api_token"`
}

type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "ollama".
	Provider    string  `json:"provider"`
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
}

type EmbeddingConfig struct {
	// Provider is "ollama" or "openai".
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url"`
	Model    string `json:"model"`
}

type StorageConfig struct {
	DataDir string `json:"data_dir"`
}

type ChunkingConfig struct {
	MaxSize int `json:"max_size"`
	Overlap int `json:"overlap"`
}

type RetrievalConfig struct {
	TopK     int     `json:"top_k"`
	MinScore float32 `json:"min_score"`
	// Scope is "global" (one shared index) or "session" (one per session).
	Scope string `json:"scope"`
}

type GenerationConfig struct {
	PollCheckpoints int `json:"poll_checkpoints"`
	PollIntervalMS  int `json:"poll_interval_ms"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "https://api.deepseek.com",
			Model:       "deepseek-chat",
			MaxTokens:   2048,
			Temperature: 0.7,
		},
		Embedding: EmbeddingConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			MaxSize: 512,
			Overlap: 64,
		},
		Retrieval: RetrievalConfig{
			TopK:     5,
			MinScore: 0.7,
			Scope:    "global",
		},
		Generation: GenerationConfig{
			PollCheckpoints: 3,
			PollIntervalMS:  1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docqa"
	}
	return filepath.Join(home, ".docqa")
}

// Load reads the configuration: .env file (if any), then the JSON config
// file at $DOCQA_CONFIG or <data dir>/config.json (if present), then
// DOCQA_* environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	path := os.Getenv("DOCQA_CONFIG")
	if path == "" {
		path = filepath.Join(cfg.Storage.DataDir, "config.json")
	}
	if err := applyFile(&cfg, path); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFile merges the JSON config file at path over cfg. A missing file
// is fine; a malformed one is an error.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.APIToken, "DOCQA_API_TOKEN")
	setInt(&cfg.Server.Port, "DOCQA_PORT")

	setString(&cfg.LLM.Provider, "DOCQA_LLM_PROVIDER")
	setString(&cfg.LLM.APIKey, "DOCQA_LLM_API_KEY")
	setString(&cfg.LLM.BaseURL, "DOCQA_LLM_BASE_URL")
	setString(&cfg.LLM.Model, "DOCQA_LLM_MODEL")

	setString(&cfg.Embedding.Provider, "DOCQA_EMBEDDING_PROVIDER")
	setString(&cfg.Embedding.APIKey, "DOCQA_EMBEDDING_API_KEY")
	setString(&cfg.Embedding.BaseURL, "DOCQA_EMBEDDING_BASE_URL")
	setString(&cfg.Embedding.Model, "DOCQA_EMBEDDING_MODEL")

	setString(&cfg.Storage.DataDir, "DOCQA_DATA_DIR")

	setInt(&cfg.Chunking.MaxSize, "DOCQA_CHUNK_SIZE")
	setInt(&cfg.Chunking.Overlap, "DOCQA_CHUNK_OVERLAP")

	setInt(&cfg.Retrieval.TopK, "DOCQA_TOP_K")
	setString(&cfg.Retrieval.Scope, "DOCQA_INDEX_SCOPE")

	setString(&cfg.Log.Level, "DOCQA_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c Config) validate() error {
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: LLM API key. " +
			"Set it via environment variable DOCQA_LLM_API_KEY or the config file")
	}
	if c.LLM.Provider != "openai" && c.LLM.Provider != "ollama" {
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" && c.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: embedding API key")
	}
	if c.Embedding.Provider != "openai" && c.Embedding.Provider != "ollama" {
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Chunking.MaxSize <= 0 || c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxSize {
		return fmt.Errorf("invalid chunking parameters: max_size=%d overlap=%d", c.Chunking.MaxSize, c.Chunking.Overlap)
	}
	if c.Retrieval.Scope != "global" && c.Retrieval.Scope != "session" {
		return fmt.Errorf("unknown index scope %q", c.Retrieval.Scope)
	}
	return nil
}
