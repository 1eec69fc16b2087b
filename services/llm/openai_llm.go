package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OpenAIBackend talks to any OpenAI-compatible chat completion endpoint.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	params GenerationParams
	logger *slog.Logger
}

// NewOpenAIBackend creates the backend. An empty BaseURL keeps the
// go-openai default.
func NewOpenAIBackend(cfg Config, apiKey string, logger *slog.Logger) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai backend: API key is empty")
	}
	return newOpenAIBackend(cfg, apiKey, nil, logger), nil
}

func newOpenAIBackend(cfg Config, apiKey string, httpClient *http.Client, logger *slog.Logger) *OpenAIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	logger.Info("Initializing OpenAI-compatible backend", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		params: cfg.Params,
		logger: logger,
	}
}

// Name implements Backend.
func (o *OpenAIBackend) Name() string { return ProviderOpenAI }

// Submit implements Backend.
//
// Tool calls on the reply become assistant messages carrying a
// FunctionCall; the reply text follows as a plain assistant message.
func (o *OpenAIBackend) Submit(ctx context.Context, conv datatypes.Conversation) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "OpenAIBackend.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.String("pipeline.step", conv.Step),
	)

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: conv.System},
			{Role: openai.ChatMessageRoleUser, Content: conv.User},
		},
	}
	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.MaxTokens != nil {
		req.MaxCompletionTokens = *o.params.MaxTokens
	}

	o.logger.Debug("Submitting conversation via OpenAI", "model", o.model, "step", conv.Step)
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, backendError(ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		err := errors.New("no choices returned")
		span.SetStatus(codes.Error, err.Error())
		return nil, backendError(ProviderOpenAI, err)
	}

	msg := resp.Choices[0].Message
	var out []datatypes.Message
	for _, tc := range msg.ToolCalls {
		out = append(out, datatypes.Message{
			Role: datatypes.RoleAssistant,
			FunctionCall: &datatypes.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	out = append(out, datatypes.Message{Role: datatypes.RoleAssistant, Content: msg.Content})

	o.logger.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return out, nil
}
