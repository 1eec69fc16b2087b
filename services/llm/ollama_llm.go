package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OllamaBackend runs the analysis conversation against a local Ollama
// server through langchaingo.
type OllamaBackend struct {
	model  llms.Model
	name   string
	params GenerationParams
	logger *slog.Logger
}

// NewOllamaBackend connects to cfg.BaseURL (default localhost:11434).
func NewOllamaBackend(cfg Config, logger *slog.Logger) (*OllamaBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("backend.model not set, default gpt-oss")
		model = DefaultOllamaModel
	}

	client, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(baseURL))
	if err != nil {
		return nil, err
	}
	logger.Info("Initializing Ollama backend", "base_url", baseURL, "model", model)
	return newOllamaBackend(client, model, cfg.Params, logger), nil
}

func newOllamaBackend(model llms.Model, name string, params GenerationParams, logger *slog.Logger) *OllamaBackend {
	return &OllamaBackend{model: model, name: name, params: params, logger: logger}
}

// Name implements Backend.
func (o *OllamaBackend) Name() string { return ProviderOllama }

// Submit implements Backend.
func (o *OllamaBackend) Submit(ctx context.Context, conv datatypes.Conversation) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "OllamaBackend.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.name),
		attribute.String("pipeline.step", conv.Step),
	)

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, conv.System),
		llms.TextParts(llms.ChatMessageTypeHuman, conv.User),
	}
	var opts []llms.CallOption
	if o.params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*o.params.Temperature)))
	}
	if o.params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*o.params.MaxTokens))
	}

	resp, err := o.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, backendError(ProviderOllama, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		err := errors.New("no choices returned")
		span.SetStatus(codes.Error, err.Error())
		return nil, backendError(ProviderOllama, err)
	}

	out := make([]datatypes.Message, 0, len(resp.Choices))
	for _, ch := range resp.Choices {
		if ch == nil {
			continue
		}
		out = append(out, datatypes.Message{Role: datatypes.RoleAssistant, Content: ch.Content})
	}
	o.logger.Debug("Received response from Ollama", "choices", len(out))
	return out, nil
}
