package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all recall configuration. Load layers the YAML file,
// a .env file and RECALL_* environment variables over Default().
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Memory   MemoryConfig   `yaml:"memory"`
	Compress CompressConfig `yaml:"compress"`
	LLM      LLMConfig      `yaml:"llm"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty: store.DefaultDBPath()
}

// MemoryConfig tunes retrieval and tiering.
type MemoryConfig struct {
	DefaultUser      string        `yaml:"default_user"`
	HotWindowSize    int           `yaml:"hot_window_size"` // newest turns per session kept hot
	HotMaxAge        time.Duration `yaml:"hot_max_age"`
	WarmTTL          time.Duration `yaml:"warm_ttl"` // idle time before an open session is closed
	MaxContextTokens int           `yaml:"max_context_tokens"`
	MinTokenLength   int           `yaml:"min_token_length"`
	MaxCandidates    int           `yaml:"max_candidates"`
	RecencyLambda    LambdaConfig  `yaml:"recency_lambda"` // per hour
	Weights          WeightsConfig `yaml:"weights"`
}

type LambdaConfig struct {
	Hot  float64 `yaml:"hot"`
	Warm float64 `yaml:"warm"`
	Cold float64 `yaml:"cold"`
	All  float64 `yaml:"all"`
}

type WeightsConfig struct {
	Recency         float64 `yaml:"recency"`
	Lexical         float64 `yaml:"lexical"`
	Importance      float64 `yaml:"importance"`
	ImportanceBoost float64 `yaml:"importance_boost"` // flat, added on top of the blend
}

type CompressConfig struct {
	Workers       int    `yaml:"workers"`    // concurrent summaries per session
	QueueSize     int    `yaml:"queue_size"` // pending closed sessions
	SweepSchedule string `yaml:"sweep_schedule"`
}

type LLMConfig struct {
	Provider     string        `yaml:"provider"` // "", "anthropic", "ollama", "claude-cli"
	Model        string        `yaml:"model"`
	OllamaURL    string        `yaml:"ollama_url"`
	OllamaModel  string        `yaml:"ollama_model"`
	AnthropicKey string        `yaml:"anthropic_key"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Memory: MemoryConfig{
			DefaultUser:      "local",
			HotWindowSize:    20,
			HotMaxAge:        2 * time.Hour,
			WarmTTL:          30 * time.Minute,
			MaxContextTokens: 2000,
			MinTokenLength:   3,
			MaxCandidates:    2000,
			RecencyLambda: LambdaConfig{
				Hot:  0.5,
				Warm: 0.05,
				Cold: 0.005,
				All:  0.02,
			},
			Weights: WeightsConfig{Recency: 0.3, Lexical: 0.5, Importance: 0.2, ImportanceBoost: 1.0},
		},
		Compress: CompressConfig{
			Workers:       4,
			QueueSize:     64,
			SweepSchedule: "@every 1m",
		},
		LLM: LLMConfig{
			Timeout: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// DefaultPath returns ~/.recall/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".recall", "config.yaml"), nil
}

// Load reads the config file at path (a missing file is fine), then a
// .env file in the working directory, then environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return cfg, err
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return cfg, fmt.Errorf("load .env: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays RECALL_* variables. ANTHROPIC_API_KEY is honored
// when no key is configured.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("RECALL_BIND", &c.Server.Bind)
	str("RECALL_DB", &c.Database.Path)
	str("RECALL_DEFAULT_USER", &c.Memory.DefaultUser)
	str("RECALL_LLM_PROVIDER", &c.LLM.Provider)
	str("RECALL_LLM_MODEL", &c.LLM.Model)
	str("RECALL_OLLAMA_URL", &c.LLM.OllamaURL)
	str("RECALL_OLLAMA_MODEL", &c.LLM.OllamaModel)
	str("RECALL_LOG_LEVEL", &c.Log.Level)
	str("RECALL_LOG_FORMAT", &c.Log.Format)
	str("RECALL_SWEEP_SCHEDULE", &c.Compress.SweepSchedule)
	if c.LLM.AnthropicKey == "" {
		str("ANTHROPIC_API_KEY", &c.LLM.AnthropicKey)
	}

	for key, dst := range map[string]*int{
		"RECALL_PORT":               &c.Server.Port,
		"RECALL_HOT_WINDOW_SIZE":    &c.Memory.HotWindowSize,
		"RECALL_MAX_CONTEXT_TOKENS": &c.Memory.MaxContextTokens,
		"RECALL_MIN_TOKEN_LENGTH":   &c.Memory.MinTokenLength,
		"RECALL_MAX_CANDIDATES":     &c.Memory.MaxCandidates,
		"RECALL_COMPRESS_WORKERS":   &c.Compress.Workers,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"RECALL_HOT_MAX_AGE": &c.Memory.HotMaxAge,
		"RECALL_WARM_TTL":    &c.Memory.WarmTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	m := c.Memory
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(strings.TrimSpace(m.DefaultUser) != "", "memory.default_user must not be empty")
	check(m.HotWindowSize > 0, "memory.hot_window_size must be positive")
	check(m.HotMaxAge > 0, "memory.hot_max_age must be positive")
	check(m.WarmTTL > 0, "memory.warm_ttl must be positive")
	check(m.MaxContextTokens > 0, "memory.max_context_tokens must be positive")
	check(m.MinTokenLength > 0, "memory.min_token_length must be positive")
	check(m.MaxCandidates > 0, "memory.max_candidates must be positive")
	for name, v := range map[string]float64{
		"hot": m.RecencyLambda.Hot, "warm": m.RecencyLambda.Warm,
		"cold": m.RecencyLambda.Cold, "all": m.RecencyLambda.All,
	} {
		check(v >= 0, "memory.recency_lambda.%s must not be negative", name)
	}
	w := m.Weights
	check(w.Recency >= 0 && w.Lexical >= 0 && w.Importance >= 0 && w.ImportanceBoost >= 0, "memory.weights must not be negative")
	check(w.Recency+w.Lexical+w.Importance > 0, "memory.weights must not all be zero")
	check(c.Compress.Workers > 0, "compress.workers must be positive")
	check(c.Compress.QueueSize > 0, "compress.queue_size must be positive")

	switch c.LLM.Provider {
	case "", "none", "anthropic", "ollama", "claude-cli":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q unknown", c.LLM.Provider))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}

	return errors.Join(errs...)
}
