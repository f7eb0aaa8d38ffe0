package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the chat backend.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StorageConfig groups the durable stores.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains connection settings for the corpus database.
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
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
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

// RedisConfig contains connection settings for the turn cache and scheduler lock.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// LLMConfig contains the generation/embedding provider settings.
type LLMConfig struct {
	APIKey     string           `mapstructure:"api_key"`
	BaseURL    string           `mapstructure:"base_url"`
	Timeout    time.Duration    `mapstructure:"timeout"`
	MaxRetries int              `mapstructure:"max_retries"`
	Routing    LLMRoutingConfig `mapstructure:"routing"`
}

// LLMRoutingConfig names the model used for each task.
type LLMRoutingConfig struct {
	Chat      string `mapstructure:"chat"`      // specific/summary answers
	Reasoning string `mapstructure:"reasoning"` // reasoning and artifact generation
	Rewrite   string `mapstructure:"rewrite"`   // conversation query rewriting
	Embedding string `mapstructure:"embedding"` // query embeddings
}

// ChatConfig tunes the retrieval and memory engine.
type ChatConfig struct {
	VectorWeight    float64 `mapstructure:"vector_weight"`
	KeywordWeight   float64 `mapstructure:"keyword_weight"`
	RRFK            int     `mapstructure:"rrf_k"`
	MemoryTurnPairs int     `mapstructure:"memory_turn_pairs"`
	CorrectionsCap  int     `mapstructure:"corrections_cap"`
	TurnCacheTTL    time.Duration `mapstructure:"turn_cache_ttl"`
}

// SchedulerConfig controls the background summary refresher.
type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Cron    string        `mapstructure:"cron"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// LoadConfig loads config from file, with ZORXIDO_* env overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.max_retries", 1)
	viper.SetDefault("llm.routing.chat", "gpt-4o-mini")
	viper.SetDefault("llm.routing.reasoning", "gpt-4o")
	viper.SetDefault("llm.routing.rewrite", "gpt-4o-mini")
	viper.SetDefault("llm.routing.embedding", "text-embedding-3-small")
	viper.SetDefault("chat.vector_weight", 0.5)
	viper.SetDefault("chat.keyword_weight", 0.5)
	viper.SetDefault("chat.rrf_k", 60)
	viper.SetDefault("chat.memory_turn_pairs", 3)
	viper.SetDefault("chat.corrections_cap", 5)
	viper.SetDefault("chat.turn_cache_ttl", "5m")
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.cron", "@hourly")
	viper.SetDefault("scheduler.lock_ttl", "5m")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ZORXIDO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if config.LLM.APIKey == "" {
		config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return &config
}
