// Package openaicompat adapts the gateway's Provider interface onto any
// OpenAI-compatible chat-completions endpoint (OpenAI itself, or a
// self-hosted compatible gateway) via the official openai-go SDK.
package openaicompat

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/stephabauva/wellness-gateway/internal/errs"
	"github.com/stephabauva/wellness-gateway/internal/provider"
	"go.uber.org/zap"
)

const defaultModel = "gpt-4o-mini"

// Config configures a Provider instance.
type Config struct {
	APIKey  string
	BaseURL string // override for OpenAI-compatible (non-OpenAI) endpoints
	Model   string
	Timeout time.Duration
}

// Provider wraps the official openai-go client behind the gateway's
// vendor-neutral interface.
type Provider struct {
	name   string
	cfg    Config
	client openai.Client
	logger *zap.Logger
}

// New constructs a Provider. name distinguishes this adapter instance when
// more than one OpenAI-compatible backend is configured (e.g. "openai" vs
// a self-hosted "tertiary" endpoint).
func New(name string, cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		name:   name,
		cfg:    cfg,
		client: openai.NewClient(opts...),
		logger: logger.With(zap.String("component", "provider_"+name)),
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) model(opts provider.Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	if p.cfg.Model != "" {
		return p.cfg.Model
	}
	return defaultModel
}

func convertMessages(msgs []provider.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case provider.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case provider.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func (p *Provider) buildParams(messages []provider.Message, opts provider.Options) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    p.model(opts),
		Messages: convertMessages(messages),
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(float64(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if len(opts.Stop) > 0 {
		params.Stop.OfStringArray = opts.Stop
	}
	return params
}

func (p *Provider) Chat(ctx context.Context, messages []provider.Message, opts provider.Options) (*provider.ChatResponse, error) {
	params := p.buildParams(messages, opts)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapError(err, p.name)
	}
	if len(resp.Choices) == 0 {
		return nil, errs.New(errs.Transient, "empty choices from provider").WithProvider(p.name)
	}

	choice := resp.Choices[0]
	return &provider.ChatResponse{
		Provider:     p.name,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: provider.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) Stream(ctx context.Context, messages []provider.Message, opts provider.Options) (<-chan provider.StreamChunk, error) {
	params := p.buildParams(messages, opts)
	model := params.Model

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan provider.StreamChunk)
	go func() {
		defer close(ch)
		acc := openai.ChatCompletionAccumulator{}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			done := chunk.Choices[0].FinishReason != ""
			if delta == "" && !done {
				continue
			}
			ch <- provider.StreamChunk{Provider: p.name, Model: model, Delta: delta, Done: done}
		}

		if err := stream.Err(); err != nil {
			ch <- provider.StreamChunk{Provider: p.name, Model: model, Err: mapError(err, p.name)}
			return
		}

		if acc.Usage.TotalTokens > 0 {
			ch <- provider.StreamChunk{Provider: p.name, Model: model, Usage: &provider.Usage{
				PromptTokens:     int(acc.Usage.PromptTokens),
				CompletionTokens: int(acc.Usage.CompletionTokens),
				TotalTokens:      int(acc.Usage.TotalTokens),
			}}
		}
	}()

	return ch, nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModelTextEmbedding3Small,
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, mapError(err, p.name)
	}
	if len(resp.Data) == 0 {
		return nil, errs.New(errs.Transient, "empty embedding response").WithProvider(p.name)
	}

	values := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		values[i] = float32(v)
	}
	return values, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, mapError(err, p.name)
	}

	models := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	_, err := p.client.Models.List(ctx)
	latency := time.Since(start)
	if err != nil {
		return &provider.HealthStatus{Healthy: false, Latency: latency}, err
	}
	return &provider.HealthStatus{Healthy: true, Latency: latency}, nil
}

func mapError(err error, providerName string) *errs.Error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return errs.New(errs.Unauthorized, apiErr.Message).WithHTTPStatus(apiErr.StatusCode).WithProvider(providerName).WithCause(err)
		case 429:
			return errs.New(errs.RateLimited, apiErr.Message).WithHTTPStatus(apiErr.StatusCode).WithProvider(providerName).WithCause(err)
		case 400, 404, 422:
			return errs.New(errs.BadRequest, apiErr.Message).WithHTTPStatus(apiErr.StatusCode).WithProvider(providerName).WithCause(err)
		default:
			if apiErr.StatusCode >= 500 {
				return errs.New(errs.Transient, apiErr.Message).WithHTTPStatus(apiErr.StatusCode).WithProvider(providerName).WithCause(err)
			}
			return errs.New(errs.Permanent, apiErr.Message).WithHTTPStatus(apiErr.StatusCode).WithProvider(providerName).WithCause(err)
		}
	}
	return errs.New(errs.Transient, "openai request failed").WithProvider(providerName).WithCause(err)
}
