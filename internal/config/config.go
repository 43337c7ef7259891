// Package config loads the service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the agent platform.
type Config struct {
	// Server settings
	Port int

	// GitHub settings. A personal access token and App credentials are
	// alternatives; when both are present the token wins.
	GitHubToken         string
	GitHubBotName       string
	GitHubWebhookSecret string
	GitHubAppID         string
	GitHubAppPrivateKey string
	GitHubAppRepo       string

	// GitLab settings
	GitLabToken           string
	GitLabAPIURL          string
	GitLabBotName         string
	GitLabWebhookToken    string
	GitLabSystemHookToken string

	// LLM settings
	AnthropicAPIKey  string
	AnthropicBaseURL string
	Model            string
	MaxTurns         int

	// Labels driving the task state machine
	BotLabel        string
	ProcessingLabel string
	DoneLabel       string

	// Queue settings
	RabbitMQURL  string
	RabbitMQName string
	QueueSize    int
	QueueTimeout time.Duration

	// Worker settings
	MaxLLMProcessNum   int
	MinInterval        time.Duration
	PollInterval       time.Duration
	ToolResultMaxChars int
	IssueToMREnabled   bool
	DraftCRs           bool

	// Tool server subprocess; empty disables tool dispatch
	ToolServerCmd string

	// Storage and observability
	DatabaseURL    string
	HealthcheckDir string
	CheckpointDir  string

	// S3-compatible checkpoint backend; a set bucket switches checkpoints
	// from the local directory to object storage.
	CheckpointS3Bucket    string
	CheckpointS3Endpoint  string
	CheckpointS3Region    string
	CheckpointS3AccessKey string
	CheckpointS3SecretKey string

	// User-config service
	APIServerKey     string
	ConfigServiceURL string
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  getEnvInt("PORT", 8000),
		GitHubToken:           os.Getenv("GITHUB_PERSONAL_ACCESS_TOKEN"),
		GitHubBotName:         getEnv("GITHUB_BOT_NAME", ""),
		GitHubWebhookSecret:   os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubAppID:           os.Getenv("GITHUB_APP_ID"),
		GitHubAppPrivateKey:   os.Getenv("GITHUB_APP_PRIVATE_KEY"),
		GitHubAppRepo:         os.Getenv("GITHUB_APP_REPO"),
		GitLabToken:           os.Getenv("GITLAB_PERSONAL_ACCESS_TOKEN"),
		GitLabAPIURL:          getEnv("GITLAB_API_URL", "https://gitlab.com/api/v4"),
		GitLabBotName:         getEnv("GITLAB_BOT_NAME", ""),
		GitLabWebhookToken:    os.Getenv("GITLAB_WEBHOOK_TOKEN"),
		GitLabSystemHookToken: os.Getenv("GITLAB_SYSTEM_HOOK_TOKEN"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:      os.Getenv("ANTHROPIC_BASE_URL"),
		Model:                 getEnv("LLM_MODEL", "claude-sonnet-4-20250514"),
		MaxTurns:              getEnvInt("MAX_TURNS", 50),
		BotLabel:              getEnv("BOT_LABEL", "coding agent"),
		ProcessingLabel:       getEnv("PROCESSING_LABEL", "coding agent processing"),
		DoneLabel:             getEnv("DONE_LABEL", "coding agent done"),
		RabbitMQURL:           os.Getenv("RABBITMQ_URL"),
		RabbitMQName:          getEnv("RABBITMQ_QUEUE", "forgepilot-tasks"),
		QueueSize:             getEnvInt("QUEUE_SIZE", 256),
		QueueTimeout:          time.Duration(getEnvInt("QUEUE_TIMEOUT_SECONDS", 30)) * time.Second,
		MaxLLMProcessNum:      getEnvInt("MAX_LLM_PROCESS_NUM", 2),
		MinInterval:           time.Duration(getEnvInt("MIN_INTERVAL_SECONDS", 10)) * time.Second,
		PollInterval:          time.Duration(getEnvInt("POLL_INTERVAL_MINUTES", 5)) * time.Minute,
		ToolResultMaxChars:    getEnvInt("TOOL_RESULT_MAX_CHARS", 20000),
		IssueToMREnabled:      getEnvBool("ISSUE_TO_MR_ENABLED", false),
		DraftCRs:              getEnvBool("DRAFT_CHANGE_REQUESTS", true),
		ToolServerCmd:         os.Getenv("TOOL_SERVER_CMD"),
		DatabaseURL:           getEnv("DATABASE_URL", "forgepilot.db"),
		HealthcheckDir:        getEnv("HEALTHCHECK_DIR", "healthchecks"),
		CheckpointDir:         getEnv("CHECKPOINT_DIR", "checkpoints"),
		CheckpointS3Bucket:    os.Getenv("CHECKPOINT_S3_BUCKET"),
		CheckpointS3Endpoint:  os.Getenv("CHECKPOINT_S3_ENDPOINT"),
		CheckpointS3Region:    os.Getenv("CHECKPOINT_S3_REGION"),
		CheckpointS3AccessKey: os.Getenv("CHECKPOINT_S3_ACCESS_KEY"),
		CheckpointS3SecretKey: os.Getenv("CHECKPOINT_S3_SECRET_KEY"),
		APIServerKey:          os.Getenv("API_SERVER_KEY"),
		ConfigServiceURL:      os.Getenv("CONFIG_SERVICE_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks that at least one forge is usable and the knobs are sane.
func (c *Config) validate() error {
	if c.GitHubToken == "" && c.GitLabToken == "" && !c.GitHubAppConfigured() {
		return fmt.Errorf("at least one of GITHUB_PERSONAL_ACCESS_TOKEN, GITLAB_PERSONAL_ACCESS_TOKEN, or GitHub App credentials is required")
	}
	if c.AnthropicAPIKey == "" && c.ConfigServiceURL == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when no config service is configured")
	}
	if c.MaxLLMProcessNum <= 0 {
		return fmt.Errorf("MAX_LLM_PROCESS_NUM must be greater than 0")
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("MAX_TURNS must be greater than 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be greater than 0")
	}
	return nil
}

// GitHubEnabled reports whether a GitHub adapter should be constructed.
func (c *Config) GitHubEnabled() bool { return c.GitHubToken != "" || c.GitHubAppConfigured() }

// GitHubAppConfigured reports whether App-based credentials are complete.
func (c *Config) GitHubAppConfigured() bool {
	return c.GitHubAppID != "" && c.GitHubAppPrivateKey != "" && c.GitHubAppRepo != ""
}

// GitLabEnabled reports whether a GitLab adapter should be constructed.
func (c *Config) GitLabEnabled() bool { return c.GitLabToken != "" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
