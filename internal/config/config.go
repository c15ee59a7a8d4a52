package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`

	// Ledger
	LedgerBackend string `yaml:"ledger_backend"`
	DataDir       string `yaml:"data_dir"`
	DatabaseURL   string `yaml:"database_url"`

	// Chat platform
	Platform         string  `yaml:"platform"`
	DiscordToken     string  `yaml:"discord_token"`
	DiscordCommand   bool    `yaml:"discord_command"`
	SlackBotToken    string  `yaml:"slack_bot_token"`
	SlackAppToken    string  `yaml:"slack_app_token"`
	BackfillPageSize int     `yaml:"backfill_page_size"`
	BackfillRate     float64 `yaml:"backfill_rate"`

	// Retries of failed messages
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryBatchSize   int           `yaml:"retry_batch_size"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`

	// Embeddings
	EmbeddingProvider string        `yaml:"embedding_provider"`
	EmbeddingURL      string        `yaml:"embedding_url"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	EmbeddingAvgDL    float64       `yaml:"embedding_avgdl"`
	EmbeddingTimeout  time.Duration `yaml:"embedding_timeout"`
	OpenAIAPIKey      string        `yaml:"openai_api_key"`
	OpenAIBaseURL     string        `yaml:"openai_base_url"`
	OllamaURL         string        `yaml:"ollama_url"`

	// Vector store
	VectorStore  string `yaml:"vector_store"`
	QdrantHost   string `yaml:"qdrant_host"`
	QdrantPort   int    `yaml:"qdrant_port"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`
	QdrantTLS    bool   `yaml:"qdrant_tls"`
	QdrantFusion string `yaml:"qdrant_fusion"`
	Collection   string `yaml:"collection"`
	DenseSize    int    `yaml:"dense_size"`

	// Search surfaces
	SearchTimeout  time.Duration `yaml:"search_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

func defaults() *Config {
	return &Config{
		Port:        "8080",
		Environment: "development",
		LogLevel:    "INFO",
		LogFormat:   "text",

		LedgerBackend: "sqlite",
		DataDir:       "./data",

		Platform:         "discord",
		DiscordCommand:   true,
		BackfillPageSize: 100,

		RetryInterval:    60 * time.Second,
		RetryBatchSize:   10,
		RetryMaxAttempts: 5,

		EmbeddingProvider: "http",
		EmbeddingURL:      "http://localhost:3000",
		EmbeddingAvgDL:    1000,
		EmbeddingTimeout:  10 * time.Second,
		OllamaURL:         "http://localhost:11434",

		VectorStore:  "qdrant",
		QdrantHost:   "localhost",
		QdrantPort:   6334,
		QdrantFusion: "client",
		Collection:   "messages",
		DenseSize:    384,

		SearchTimeout:  30 * time.Second,
		RateLimitRPS:   10,
		RateLimitBurst: 20,
	}
}

// Load builds the configuration from defaults, then the YAML file named by CONFIG_FILE
// (if any), then environment variables. A .env file in the working directory is read
// into the environment first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	env := envReader{}
	cfg.Port = getEnvOrDefault("PORT", cfg.Port)
	cfg.Environment = getEnvOrDefault("ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)

	cfg.LedgerBackend = getEnvOrDefault("LEDGER_BACKEND", cfg.LedgerBackend)
	cfg.DataDir = getEnvOrDefault("DATA_DIR", cfg.DataDir)
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseURL)

	cfg.Platform = getEnvOrDefault("PLATFORM", cfg.Platform)
	cfg.DiscordToken = getEnvOrDefault("DISCORD_TOKEN", cfg.DiscordToken)
	cfg.DiscordCommand = env.boolVar("DISCORD_COMMAND", cfg.DiscordCommand)
	cfg.SlackBotToken = getEnvOrDefault("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackAppToken = getEnvOrDefault("SLACK_APP_TOKEN", cfg.SlackAppToken)
	cfg.BackfillPageSize = env.intVar("BACKFILL_PAGE_SIZE", cfg.BackfillPageSize)
	cfg.BackfillRate = env.floatVar("BACKFILL_RATE", cfg.BackfillRate)
	cfg.RetryInterval = env.durationVar("RETRY_INTERVAL", cfg.RetryInterval)
	cfg.RetryBatchSize = env.intVar("RETRY_BATCH_SIZE", cfg.RetryBatchSize)
	cfg.RetryMaxAttempts = env.intVar("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)

	cfg.EmbeddingProvider = getEnvOrDefault("EMBEDDING_PROVIDER", cfg.EmbeddingProvider)
	cfg.EmbeddingURL = getEnvOrDefault("EMBEDDING_URL", cfg.EmbeddingURL)
	cfg.EmbeddingModel = getEnvOrDefault("EMBEDDING_MODEL", cfg.EmbeddingModel)
	cfg.EmbeddingAvgDL = env.floatVar("EMBEDDING_AVGDL", cfg.EmbeddingAvgDL)
	cfg.EmbeddingTimeout = env.durationVar("EMBEDDING_TIMEOUT", cfg.EmbeddingTimeout)
	cfg.OpenAIAPIKey = getEnvOrDefault("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnvOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OllamaURL = getEnvOrDefault("OLLAMA_URL", cfg.OllamaURL)

	cfg.VectorStore = getEnvOrDefault("VECTOR_STORE", cfg.VectorStore)
	cfg.QdrantHost = getEnvOrDefault("QDRANT_HOST", cfg.QdrantHost)
	cfg.QdrantPort = env.intVar("QDRANT_PORT", cfg.QdrantPort)
	cfg.QdrantAPIKey = getEnvOrDefault("QDRANT_API_KEY", cfg.QdrantAPIKey)
	cfg.QdrantTLS = env.boolVar("QDRANT_TLS", cfg.QdrantTLS)
	cfg.QdrantFusion = getEnvOrDefault("QDRANT_FUSION", cfg.QdrantFusion)
	cfg.Collection = getEnvOrDefault("COLLECTION", cfg.Collection)
	cfg.DenseSize = env.intVar("DENSE_SIZE", cfg.DenseSize)

	cfg.SearchTimeout = env.durationVar("SEARCH_TIMEOUT", cfg.SearchTimeout)
	cfg.RateLimitRPS = env.floatVar("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = env.intVar("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	if len(env.problems) > 0 {
		return nil, errors.New(env.problems[0])
	}
	return cfg, nil
}

// Validate checks everything except platform credentials, which only ingestion needs.
// It returns the first problem found.
func (c *Config) Validate() error {
	var problems []string

	if !contains([]string{"DEBUG", "INFO", "WARN", "ERROR"}, strings.ToUpper(c.LogLevel)) {
		problems = append(problems, "LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR")
	}
	if !contains([]string{"text", "json"}, strings.ToLower(c.LogFormat)) {
		problems = append(problems, "LOG_FORMAT must be one of: text, json")
	}

	switch c.LedgerBackend {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the postgres ledger")
		}
	default:
		problems = append(problems, "LEDGER_BACKEND must be one of: sqlite, postgres")
	}

	switch c.EmbeddingProvider {
	case "http":
		if c.EmbeddingURL == "" {
			problems = append(problems, "EMBEDDING_URL is required")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			problems = append(problems, "OPENAI_API_KEY is required for the openai embedding provider")
		}
	case "ollama":
		if c.EmbeddingModel == "" {
			problems = append(problems, "EMBEDDING_MODEL is required for the ollama embedding provider")
		}
	default:
		problems = append(problems, "EMBEDDING_PROVIDER must be one of: http, openai, ollama")
	}

	switch c.VectorStore {
	case "qdrant":
		if c.QdrantFusion != "client" && c.QdrantFusion != "server" {
			problems = append(problems, "QDRANT_FUSION must be one of: client, server")
		}
	case "pgvector":
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the pgvector store")
		}
	case "memory":
	default:
		problems = append(problems, "VECTOR_STORE must be one of: qdrant, pgvector, memory")
	}

	if c.DenseSize <= 0 {
		problems = append(problems, "DENSE_SIZE must be positive")
	}
	if c.BackfillPageSize <= 0 || c.BackfillPageSize > 100 {
		problems = append(problems, "BACKFILL_PAGE_SIZE must be between 1 and 100")
	}

	if len(problems) > 0 {
		return errors.New(problems[0])
	}
	return nil
}

// ValidatePlatform checks the credentials of the configured chat platform.
func (c *Config) ValidatePlatform() error {
	switch c.Platform {
	case "discord":
		if c.DiscordToken == "" {
			return errors.New("DISCORD_TOKEN is required")
		}
	case "slack":
		if c.SlackBotToken == "" {
			return errors.New("SLACK_BOT_TOKEN is required")
		}
		if c.SlackAppToken == "" {
			return errors.New("SLACK_APP_TOKEN is required")
		}
		if !strings.HasPrefix(c.SlackBotToken, "xoxb-") {
			return errors.New("SLACK_BOT_TOKEN must start with 'xoxb-'")
		}
		if !strings.HasPrefix(c.SlackAppToken, "xapp-") {
			return errors.New("SLACK_APP_TOKEN must start with 'xapp-'")
		}
	default:
		return errors.New("PLATFORM must be one of: discord, slack")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed variables, remembering the first malformed one.
type envReader struct {
	problems []string
}

func (r *envReader) lookup(key string, parse func(string) error) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	if err := parse(value); err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s: invalid value %q", key, value))
	}
}

func (r *envReader) intVar(key string, def int) int {
	r.lookup(key, func(s string) error {
		v, err := strconv.Atoi(s)
		if err == nil {
			def = v
		}
		return err
	})
	return def
}

func (r *envReader) floatVar(key string, def float64) float64 {
	r.lookup(key, func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err == nil {
			def = v
		}
		return err
	})
	return def
}

func (r *envReader) boolVar(key string, def bool) bool {
	r.lookup(key, func(s string) error {
		v, err := strconv.ParseBool(s)
		if err == nil {
			def = v
		}
		return err
	})
	return def
}

func (r *envReader) durationVar(key string, def time.Duration) time.Duration {
	r.lookup(key, func(s string) error {
		v, err := time.ParseDuration(s)
		if err == nil {
			def = v
		}
		return err
	})
	return def
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
