// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package reasoning runs the optional deep reasoning pass.
//
// The pass sends every captured controlled-access transcript to a
// reasoning model over an OpenAI-compatible streaming endpoint and splits
// the stream into its reasoning and answer channels. It is skipped, not
// failed, when no transcripts were captured or no API key is set.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/irptrace/services/pipeline/datatypes"
	"github.com/AleutianAI/irptrace/services/telemetry"
)

var tracer = otel.Tracer("irptrace.reasoning")

// Defaults for the reasoning model.
const (
	DefaultModel     = "deepseek-v3.2-exp"
	DefaultBaseURL   = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	DefaultAPIKeyEnv = "DASHSCOPE_API_KEY"
)

// Config configures the reasoning pass.
type Config struct {
	// Enabled turns the pass on. The pass still skips itself when the key
	// is missing.
	Enabled bool `yaml:"enabled"`

	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"api_key_env"`

	// EnableThinking adds "enable_thinking": true to every request body.
	EnableThinking bool `yaml:"enable_thinking"`
}

// DefaultConfig returns the DashScope deepseek configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Model:          DefaultModel,
		BaseURL:        DefaultBaseURL,
		APIKeyEnv:      DefaultAPIKeyEnv,
		EnableThinking: true,
	}
}

// Skip reasons returned by Pass.
var (
	ErrNoTranscripts = errors.New("no controlled-access transcripts were captured")
	ErrNoAPIKey      = errors.New("reasoning API key is not set")
	ErrDisabled      = errors.New("deep reasoning is disabled")
)

// IsSkipped reports whether err means the pass did not run.
func IsSkipped(err error) bool {
	return errors.Is(err, ErrNoTranscripts) || errors.Is(err, ErrNoAPIKey) || errors.Is(err, ErrDisabled)
}

// Client streams reasoning requests.
//
// The API key is sealed in a memguard enclave and only opened while the
// go-openai client for a request is built.
type Client struct {
	cfg        Config
	key        *memguard.Enclave
	httpClient *http.Client
	live       io.Writer
	logger     *slog.Logger
}

// NewClient creates a Client. apiKey is copied into an enclave and the
// caller's copy should be dropped. live receives the streamed text and may
// be nil.
func NewClient(cfg Config, apiKey string, live io.Writer, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.EnableThinking {
		transport = &extraBodyTransport{base: transport, fields: map[string]any{"enable_thinking": true}}
	}
	return &Client{
		cfg:        cfg,
		key:        memguard.NewEnclave([]byte(apiKey)),
		httpClient: &http.Client{Transport: transport},
		live:       live,
		logger:     logger,
	}, nil
}

// Reason sends one request built from transcripts and excerpts and
// assembles the streamed reply.
//
// A stream read error ends the stream; the partial result is returned
// with a nil error and the failure is logged.
func (c *Client) Reason(ctx context.Context, transcripts []datatypes.Transcript, excerpts []string) (Result, error) {
	ctx, span := tracer.Start(ctx, "reasoning.Reason")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.cfg.Model),
		attribute.Int("reasoning.transcripts", len(transcripts)),
	)

	client, err := c.openAIClient()
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, err
	}

	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(transcripts, excerpts)},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	c.logger.Info("reasoning_request", slog.String("model", c.cfg.Model), slog.Int("transcripts", len(transcripts)))

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		err = &datatypes.BackendError{Backend: "reasoning", Err: err}
		telemetry.RecordError(span, err)
		return Result{}, err
	}
	defer stream.Close()

	asm := NewAssembler(c.live)
	Consume(rawStream{stream}, asm, c.logger)
	res := asm.Result()
	if res.Usage != nil {
		span.SetAttributes(attribute.Int("llm.total_tokens", res.Usage.TotalTokens))
	}
	return res, nil
}

func (c *Client) openAIClient() (*openai.Client, error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer buf.Destroy()

	clientCfg := openai.DefaultConfig(strings.Clone(buf.String()))
	clientCfg.BaseURL = c.cfg.BaseURL
	clientCfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(clientCfg), nil
}

// RawSource yields raw stream payloads until io.EOF.
type RawSource interface {
	RecvRaw() ([]byte, error)
}

type rawStream struct{ *openai.ChatCompletionStream }

// Consume feeds every payload of src into asm. Undecodable payloads are
// skipped; any read error other than io.EOF ends the stream.
func Consume(src RawSource, asm *Assembler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		data, err := src.RecvRaw()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			logger.Error("reasoning_stream_failed", slog.String("error", err.Error()))
			return
		}
		chunk, err := DecodeChunk(data)
		if err != nil {
			logger.Warn("reasoning_chunk_skipped", slog.String("error", err.Error()))
			continue
		}
		asm.Add(chunk)
	}
}

// extraBodyTransport merges fields into JSON request bodies.
type extraBodyTransport struct {
	base   http.RoundTripper
	fields map[string]any
}

func (t *extraBodyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil || req.Method != http.MethodPost {
		return t.base.RoundTrip(req)
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err == nil {
		for k, v := range t.fields {
			enc, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode extra field %s: %w", k, err)
			}
			payload[k] = enc
		}
		if merged, err := json.Marshal(payload); err == nil {
			body = merged
		}
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return t.base.RoundTrip(out)
}

// Pass runs the deep reasoning pass and returns its markdown.
//
// Description:
//
//	Returns ("", ErrDisabled/ErrNoTranscripts/ErrNoAPIKey) when the pass
//	is skipped; use IsSkipped to tell skips from failures. The key is read
//	from the environment variable named by cfg.APIKeyEnv.
func Pass(ctx context.Context, cfg Config, transcripts []datatypes.Transcript, excerpts []string, live io.Writer, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return "", ErrDisabled
	}
	if len(transcripts) == 0 {
		logger.Info("reasoning_skipped", slog.String("reason", ErrNoTranscripts.Error()))
		return "", ErrNoTranscripts
	}
	envName := cfg.APIKeyEnv
	if envName == "" {
		envName = DefaultAPIKeyEnv
	}
	key := strings.TrimSpace(os.Getenv(envName))
	if key == "" {
		logger.Warn("reasoning_skipped", slog.String("reason", ErrNoAPIKey.Error()), slog.String("env", envName))
		return "", ErrNoAPIKey
	}

	client, err := NewClient(cfg, key, live, logger)
	if err != nil {
		return "", err
	}
	res, err := client.Reason(ctx, transcripts, excerpts)
	if err != nil {
		logger.Error("reasoning_failed", slog.String("error", err.Error()))
		return "", err
	}
	return res.Markdown(), nil
}
