// Package anthropic adapts the gateway's Provider interface onto the
// Anthropic Messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stephabauva/wellness-gateway/internal/errs"
	"github.com/stephabauva/wellness-gateway/internal/provider"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const (
	apiVersion       = "2023-06-01"
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-5-sonnet-20241022"
	defaultMaxTokens = 4096
)

// Config configures a Provider instance.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider talks to the Anthropic Messages API over plain HTTP, mirroring
// how upstream wire formats are handled elsewhere in the adapter set:
// hand-rolled request/response structs rather than a vendored SDK, so
// error mapping and streaming stay under the gateway's control.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates an Anthropic Provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "provider_anthropic")),
	}
}

func (p *Provider) Name() string { return "anthropic" }

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string               `json:"id"`
	Model      string               `json:"model"`
	Content    []claudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
}

type claudeStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Model string      `json:"model"`
		Usage claudeUsage `json:"usage"`
	} `json:"message"`
	Usage claudeUsage `json:"usage"`
}

type claudeErrorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func convertMessages(msgs []provider.Message) (string, []claudeMessage) {
	var system string
	out := make([]claudeMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			system = m.Content
			continue
		}
		out = append(out, claudeMessage{Role: string(m.Role), Content: m.Content})
	}
	return system, out
}

func (p *Provider) buildRequest(messages []provider.Message, opts provider.Options, stream bool) claudeRequest {
	system, msgs := convertMessages(messages)
	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return claudeRequest{
		Model:         model,
		System:        system,
		Messages:      msgs,
		MaxTokens:     maxTokens,
		Temperature:   opts.Temperature,
		StopSequences: opts.Stop,
		Stream:        stream,
	}
}

func (p *Provider) Chat(ctx context.Context, messages []provider.Message, opts provider.Options) (*provider.ChatResponse, error) {
	body := p.buildRequest(messages, opts, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal anthropic request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.Internal, "build anthropic request").WithCause(err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transient, "anthropic request failed").WithCause(err).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var cr claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, errs.New(errs.Transient, "decode anthropic response").WithCause(err).WithProvider(p.Name())
	}

	return toChatResponse(cr, p.Name()), nil
}

func (p *Provider) Stream(ctx context.Context, messages []provider.Message, opts provider.Options) (<-chan provider.StreamChunk, error) {
	body := p.buildRequest(messages, opts, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal anthropic request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.Internal, "build anthropic request").WithCause(err)
	}
	p.buildHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transient, "anthropic stream request failed").WithCause(err).WithProvider(p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	model := body.Model
	ch := make(chan provider.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		reader := bufio.NewReader(resp.Body)
		var eventName string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					ch <- provider.StreamChunk{Provider: p.Name(), Model: model, Err: errs.New(errs.Transient, "anthropic stream read failed").WithCause(err)}
				}
				return
			}

			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				eventName = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data := strings.TrimPrefix(line, "data: ")
				var ev claudeStreamEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					continue
				}
				p.dispatchEvent(ch, eventName, ev, model)
			}
		}
	}()

	return ch, nil
}

func (p *Provider) dispatchEvent(ch chan<- provider.StreamChunk, eventName string, ev claudeStreamEvent, model string) {
	switch eventName {
	case "content_block_delta":
		if ev.Delta.Text != "" {
			ch <- provider.StreamChunk{Provider: p.Name(), Model: model, Delta: ev.Delta.Text}
		}
	case "message_delta":
		if ev.Usage.OutputTokens > 0 {
			ch <- provider.StreamChunk{Provider: p.Name(), Model: model, Usage: &provider.Usage{
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}}
		}
	case "message_stop":
		ch <- provider.StreamChunk{Provider: p.Name(), Model: model, Done: true}
	}
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errs.New(errs.Permanent, "anthropic does not support embeddings").WithProvider(p.Name())
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229"}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	p.buildHeaders(req)

	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &provider.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	return &provider.HealthStatus{Healthy: resp.StatusCode == http.StatusOK, Latency: latency}, nil
}

// EstimateTokens counts tokens locally via tiktoken when a provider call
// has not yet returned (or will never return, e.g. before submission) a
// usage count.
func EstimateTokens(text string) (int, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return 0, errs.New(errs.Internal, "load tokenizer encoding").WithCause(err)
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func toChatResponse(cr claudeResponse, providerName string) *provider.ChatResponse {
	var sb strings.Builder
	for _, block := range cr.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &provider.ChatResponse{
		Provider:     providerName,
		Model:        cr.Model,
		Content:      sb.String(),
		FinishReason: cr.StopReason,
		Usage: provider.Usage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		},
	}
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var er claudeErrorResp
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return fmt.Sprintf("%s: %s", er.Error.Type, er.Error.Message)
	}
	return string(data)
}

func mapError(status int, msg string, providerName string) *errs.Error {
	switch status {
	case http.StatusUnauthorized:
		return errs.New(errs.Unauthorized, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusForbidden:
		return errs.New(errs.Permanent, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusTooManyRequests:
		return errs.New(errs.RateLimited, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(msg), "credit") || strings.Contains(strings.ToLower(msg), "quota") {
			return errs.New(errs.Permanent, msg).WithHTTPStatus(status).WithProvider(providerName)
		}
		return errs.New(errs.BadRequest, msg).WithHTTPStatus(status).WithProvider(providerName)
	case 529:
		return errs.New(errs.Transient, "model overloaded: "+msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errs.New(errs.Transient, msg).WithHTTPStatus(status).WithProvider(providerName)
	default:
		if status >= 500 {
			return errs.New(errs.Transient, msg).WithHTTPStatus(status).WithProvider(providerName)
		}
		return errs.New(errs.Permanent, msg).WithHTTPStatus(status).WithProvider(providerName)
	}
}
