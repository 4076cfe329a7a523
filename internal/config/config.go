package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Providers []ProviderConfig `json:"providers" yaml:"providers"`
	Embedding EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	Memory    MemoryConfig     `json:"memory" yaml:"memory"`
	Loop      LoopConfig       `json:"loop" yaml:"loop"`
	Database  DatabaseConfig   `json:"database" yaml:"database"`
	Notify    NotifyConfig     `json:"notify" yaml:"notify"`
	MCP       MCPConfig        `json:"mcp" yaml:"mcp"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id" yaml:"id"`
	Type     string            `json:"type" yaml:"type"`
	Name     string            `json:"name" yaml:"name"`
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	APIKey   string            `json:"api_key" yaml:"api_key"`
	Models   []string          `json:"models,omitempty" yaml:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider" yaml:"provider"` // "api", "local" or "hash"
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Model     string `json:"model" yaml:"model"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	Dimension int    `json:"dimension" yaml:"dimension"`
}

// MemoryConfig selects the semantic memory backend and the event/knowledge
// store tunables.
type MemoryConfig struct {
	Backend             string       `json:"backend" yaml:"backend"` // "memory" or "qdrant"
	Qdrant              QdrantConfig `json:"qdrant" yaml:"qdrant"`
	LogFile             string       `json:"log_file" yaml:"log_file"`
	SimilarityThreshold float64      `json:"similarity_threshold" yaml:"similarity_threshold"`
	TokenCeiling        int          `json:"token_ceiling" yaml:"token_ceiling"`
	TokenizerModel      string       `json:"tokenizer_model" yaml:"tokenizer_model"`
}

type QdrantConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LoopConfig controls the decision loop.
type LoopConfig struct {
	AgentID     string   `json:"agent_id" yaml:"agent_id"`
	Model       string   `json:"model" yaml:"model"`
	Stepped     bool     `json:"stepped" yaml:"stepped"`
	AutoStart   bool     `json:"auto_start" yaml:"auto_start"`
	Keyboard    bool     `json:"keyboard" yaml:"keyboard"`
	StepPoll    Duration `json:"step_poll" yaml:"step_poll"`
	AbortDelay  Duration `json:"abort_delay" yaml:"abort_delay"`
	ProfileDir  string   `json:"profile_dir" yaml:"profile_dir"`
	ManifestDir string   `json:"manifest_dir" yaml:"manifest_dir"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn" yaml:"dsn"`
	Migrations string `json:"migrations" yaml:"migrations"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

// NotifyConfig lists chat channels that receive selected loop events.
type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack" yaml:"slack"`
	Discord DiscordNotifyConfig `json:"discord" yaml:"discord"`
	Types   []string            `json:"types" yaml:"types"`
}

type SlackNotifyConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	AppToken  string `json:"app_token" yaml:"app_token"` // socket mode, for inbound commands
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	BotToken  string `json:"bot_token" yaml:"bot_token"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers" yaml:"servers"`
}

type MCPServerConfig struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	URL         string `json:"url" yaml:"url"`
	Description string `json:"description" yaml:"description"`
}

// Duration accepts "1s"-style strings or integer milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var ms int64
	if err := n.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON or YAML config file, substitutes environment variable
// references and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// external backends.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3210
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 256
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "memory"
	}
	if c.Memory.LogFile == "" {
		c.Memory.LogFile = "events.log"
	}
	if c.Memory.SimilarityThreshold == 0 {
		c.Memory.SimilarityThreshold = 0.92
	}
	if c.Memory.TokenCeiling == 0 {
		c.Memory.TokenCeiling = 3072
	}
	if c.Memory.Qdrant.Port == 0 {
		c.Memory.Qdrant.Port = 6334
	}
	if c.Loop.AgentID == "" {
		c.Loop.AgentID = "nuka"
	}
	if c.Loop.StepPoll == 0 {
		c.Loop.StepPoll = Duration(time.Second)
	}
	if c.Loop.AbortDelay == 0 {
		c.Loop.AbortDelay = Duration(5 * time.Second)
	}
	if c.Loop.ProfileDir == "" {
		c.Loop.ProfileDir = "agents"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if len(c.Notify.Types) == 0 {
		c.Notify.Types = []string{"summary", "reasoning", "error"}
	}
}
