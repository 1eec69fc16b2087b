package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("irptrace.llm")

// Provider names.
const (
	ProviderOpenAI   = "openai"
	ProviderOllama   = "ollama"
	ProviderScripted = "scripted"
)

// Defaults for the OpenAI-compatible analysis backend.
const (
	DefaultOpenAIBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultOpenAIModel   = "qwen-max"
	DefaultAPIKeyEnv     = "QWEN_API_KEY"
	DefaultOllamaURL     = "http://localhost:11434"
	DefaultOllamaModel   = "gpt-oss"
)

// Backend is the analysis backend contract: submit a conversation, get the
// role-tagged messages it produced.
type Backend interface {
	Submit(ctx context.Context, conv datatypes.Conversation) ([]datatypes.Message, error)
	Name() string
}

type GenerationParams struct {
	Temperature *float32 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
}

// Config selects and configures an analysis backend.
type Config struct {
	Provider          string           `yaml:"provider" validate:"oneof=openai ollama scripted"`
	Model             string           `yaml:"model"`
	BaseURL           string           `yaml:"base_url"`
	APIKeyEnv         string           `yaml:"api_key_env"`
	ScriptPath        string           `yaml:"script_path"`
	RequestsPerMinute int              `yaml:"requests_per_minute" validate:"min=0"`
	Params            GenerationParams `yaml:"params"`
}

// DefaultConfig returns the DashScope-compatible OpenAI backend.
func DefaultConfig() Config {
	return Config{
		Provider:  ProviderOpenAI,
		Model:     DefaultOpenAIModel,
		BaseURL:   DefaultOpenAIBaseURL,
		APIKeyEnv: DefaultAPIKeyEnv,
	}
}

// New builds the backend named by cfg.Provider, wrapped in a rate limiter
// when cfg.RequestsPerMinute is positive.
func New(cfg Config, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		b   Backend
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		key, kerr := ResolveAPIKey(cfg.APIKeyEnv)
		if kerr != nil {
			return nil, kerr
		}
		b, err = NewOpenAIBackend(cfg, key, logger)
	case ProviderOllama:
		b, err = NewOllamaBackend(cfg, logger)
	case ProviderScripted:
		b, err = LoadScriptedBackend(cfg.ScriptPath)
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerMinute > 0 {
		b = NewRateLimited(b, cfg.RequestsPerMinute)
	}
	logger.Info("analysis backend ready", "provider", b.Name(), "model", cfg.Model, "rpm", cfg.RequestsPerMinute)
	return b, nil
}

// ResolveAPIKey reads the key from envName, falling back to a container
// secret at /run/secrets/<lowercased env name>.
func ResolveAPIKey(envName string) (string, error) {
	if envName == "" {
		envName = DefaultAPIKeyEnv
	}
	if key := strings.TrimSpace(os.Getenv(envName)); key != "" {
		return key, nil
	}
	secretPath := "/run/secrets/" + strings.ToLower(envName)
	if data, err := os.ReadFile(secretPath); err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			slog.Info("Read the API key from container secrets", "path", secretPath)
			return key, nil
		}
	}
	return "", fmt.Errorf("%s environment variable not set", envName)
}

func backendError(name string, err error) error {
	return &datatypes.BackendError{Backend: name, Err: err}
}
