package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the vault service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Providers ProvidersConfig `mapstructure:"providers"`
	RAG       RAGConfig       `mapstructure:"rag"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Janitor   JanitorConfig   `mapstructure:"janitor"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Listen    string `mapstructure:"listen"`
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// DatabasesConfig groups the backing stores.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig describes the primary store connection.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig describes the lock/cache connection.
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
	Pass string `mapstructure:"pass"`
	DB   int    `mapstructure:"db"`
}

// ProvidersConfig groups third-party SaaS credentials.
type ProvidersConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
	Serper SerperConfig `mapstructure:"serper"`
}

// OpenAIConfig configures the chat/embedding provider.
type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// SerperConfig configures the research-search collaborator.
type SerperConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RAGConfig tunes the chunking/indexing/retrieval pipeline.
type RAGConfig struct {
	ChunkMaxTokens      int           `mapstructure:"chunk_max_tokens"`
	OverlapWords        int           `mapstructure:"overlap_words"`
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	MaxInputChars       int           `mapstructure:"max_input_chars"`
	BatchSize           int           `mapstructure:"batch_size"`
	BatchPause          time.Duration `mapstructure:"batch_pause"`
	SearchThreshold     float64       `mapstructure:"search_threshold"`
	SearchLimit         int           `mapstructure:"search_limit"`
	MaxToolTurns        int           `mapstructure:"max_tool_turns"`
}

func (r RAGConfig) Validate() error {
	if r.ChunkMaxTokens <= 0 {
		return fmt.Errorf("rag.chunk_max_tokens must be > 0")
	}
	if r.MaxInputChars > 0 && r.ChunkMaxTokens*4 > r.MaxInputChars {
		return fmt.Errorf("rag.chunk_max_tokens*4 (%d) exceeds rag.max_input_chars (%d)", r.ChunkMaxTokens*4, r.MaxInputChars)
	}
	if r.SearchThreshold < 0 || r.SearchThreshold > 1 {
		return fmt.Errorf("rag.search_threshold must be within [0,1]")
	}
	return nil
}

// FetchConfig tunes the content-fetch collaborator.
type FetchConfig struct {
	TimeoutMS int `mapstructure:"timeout_ms"`
	MaxChars  int `mapstructure:"max_chars"`
}

// JanitorConfig controls the stuck-subject sweeper.
type JanitorConfig struct {
	CronSpec           string        `mapstructure:"cron_spec"`
	ProcessingDeadline time.Duration `mapstructure:"processing_deadline"`
}

// AppConfig is the process-wide configuration loaded by LoadConfig.
var AppConfig Config

// LoadConfig reads config.json (or the explicit path) plus CAREVAULT_* env overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.listen", ":10002")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("providers.openai.completion_model", "gpt-4o-mini")
	viper.SetDefault("providers.openai.embedding_model", "text-embedding-3-small")
	viper.SetDefault("providers.openai.timeout", "60s")
	viper.SetDefault("providers.serper.endpoint", "https://google.serper.dev/scholar")
	viper.SetDefault("providers.serper.timeout", "15s")
	viper.SetDefault("rag.chunk_max_tokens", 200)
	viper.SetDefault("rag.overlap_words", 40)
	viper.SetDefault("rag.embedding_dimensions", 1408)
	viper.SetDefault("rag.max_input_chars", 1024)
	viper.SetDefault("rag.batch_size", 10)
	viper.SetDefault("rag.batch_pause", "1s")
	viper.SetDefault("rag.search_threshold", 0.45)
	viper.SetDefault("rag.search_limit", 12)
	viper.SetDefault("rag.max_tool_turns", 8)
	viper.SetDefault("fetch.timeout_ms", 15000)
	viper.SetDefault("fetch.max_chars", 20000)
	viper.SetDefault("janitor.cron_spec", "*/10 * * * *")
	viper.SetDefault("janitor.processing_deadline", "15m")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("CAREVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional; env-only operation is supported
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if err := cfg.RAG.Validate(); err != nil {
		panic(err)
	}

	AppConfig = cfg
	return &cfg
}
