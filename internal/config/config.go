package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/liliang-cn/askgen/internal/domain"
)

// Config holds all configuration for AskGen
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Client     ClientConfig     `mapstructure:"client"`
	Generation GenerationConfig `mapstructure:"generation"`
	LLM        LLMConfig        `mapstructure:"llm"`
	RAG        RAGConfig        `mapstructure:"rag"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	BaseURL      string   `mapstructure:"base_url"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// AdminConfig holds API key authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ClientConfig holds settings for the generation client
type ClientConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	WSURL            string        `mapstructure:"ws_url"`
	APIKey           string        `mapstructure:"api_key"`
	Delivery         string        `mapstructure:"delivery"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// GenerationConfig holds request defaults and backend worker settings
type GenerationConfig struct {
	Generator     string                   `mapstructure:"generator"`
	Defaults      domain.GenerationOptions `mapstructure:"defaults"`
	Workers       int                      `mapstructure:"workers"`
	QueueSize     int                      `mapstructure:"queue_size"`
	TokenDelay    time.Duration            `mapstructure:"token_delay"`
	StreamTick    time.Duration            `mapstructure:"stream_tick"`
	StreamMaxWait time.Duration            `mapstructure:"stream_max_wait"`
	CacheTTL      time.Duration            `mapstructure:"cache_ttl"`
}

// LLMConfig holds LLM provider configuration for the rago generator
type LLMConfig struct {
	Provider       string `mapstructure:"provider"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	LLMModel       string `mapstructure:"llm_model"`
}

// RAGConfig holds the document index used by the rago generator
type RAGConfig struct {
	DBPath       string `mapstructure:"db_path"`
	IndexType    string `mapstructure:"index_type"`
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables, e.g. ASKGEN_CLIENT_BASE_URL
	v.SetEnvPrefix("ASKGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.base_url", "http://localhost:8000")
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("admin.api_key", "")

	v.SetDefault("database.path", "./data/askgen.db")

	v.SetDefault("client.base_url", "http://localhost:8000")
	v.SetDefault("client.ws_url", "")
	v.SetDefault("client.api_key", "")
	v.SetDefault("client.delivery", "stream")
	v.SetDefault("client.poll_interval", 500*time.Millisecond)
	v.SetDefault("client.grace_period", time.Second)
	v.SetDefault("client.request_timeout", 30*time.Second)
	v.SetDefault("client.handshake_timeout", 10*time.Second)

	v.SetDefault("generation.generator", "echo")
	v.SetDefault("generation.defaults.prompt_type", domain.PromptTypeQA)
	v.SetDefault("generation.defaults.temperature", 0.3)
	v.SetDefault("generation.defaults.provider", "ollama")
	v.SetDefault("generation.defaults.model", "")
	v.SetDefault("generation.defaults.max_context_tokens", 4000)
	v.SetDefault("generation.defaults.top_k", 20)
	v.SetDefault("generation.defaults.max_output_tokens", 1500)
	v.SetDefault("generation.defaults.verify_citations", true)
	v.SetDefault("generation.workers", 4)
	v.SetDefault("generation.queue_size", 64)
	v.SetDefault("generation.token_delay", 50*time.Millisecond)
	v.SetDefault("generation.stream_tick", 500*time.Millisecond)
	v.SetDefault("generation.stream_max_wait", 10*time.Minute)
	v.SetDefault("generation.cache_ttl", time.Hour)

	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.embedding_model", "nomic-embed-text")
	v.SetDefault("llm.llm_model", "qwen2.5:7b")

	v.SetDefault("rag.db_path", "./data/rag.db")
	v.SetDefault("rag.index_type", "hnsw")
	v.SetDefault("rag.chunk_size", 1000)
	v.SetDefault("rag.chunk_overlap", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Client.Delivery {
	case "stream", "poll", "stream-then-poll":
	default:
		return fmt.Errorf("invalid client.delivery %q: want stream, poll or stream-then-poll", c.Client.Delivery)
	}
	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("client.poll_interval must be positive")
	}
	switch c.Generation.Generator {
	case "echo", "rago":
	default:
		return fmt.Errorf("invalid generation.generator %q: want echo or rago", c.Generation.Generator)
	}
	if c.Generation.Workers <= 0 {
		return fmt.Errorf("generation.workers must be positive")
	}
	return nil
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
