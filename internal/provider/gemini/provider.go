// Package gemini adapts the gateway's Provider interface onto the Google
// Gemini generateContent API.
package gemini

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
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.5-flash"
)

// Config configures a Provider instance.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Provider talks to the Gemini REST API directly. Gemini authenticates via
// the x-goog-api-key header rather than a bearer token, and its "assistant"
// role is spelled "model".
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

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
		logger: logger.With(zap.String("component", "provider_gemini")),
	}
}

func (p *Provider) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float32  `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiErrorResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-goog-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

func convertContents(msgs []provider.Message) (*geminiContent, []geminiContent) {
	var system *geminiContent
	var contents []geminiContent

	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := string(m.Role)
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	return system, contents
}

func (p *Provider) buildRequest(messages []provider.Message, opts provider.Options) geminiRequest {
	system, contents := convertContents(messages)
	req := geminiRequest{Contents: contents, SystemInstruction: system}
	if opts.Temperature > 0 || opts.MaxTokens > 0 || len(opts.Stop) > 0 {
		req.GenerationConfig = &geminiGenerationConfig{
			Temperature:     opts.Temperature,
			MaxOutputTokens: opts.MaxTokens,
			StopSequences:   opts.Stop,
		}
	}
	return req
}

func (p *Provider) model(opts provider.Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	if p.cfg.Model != "" {
		return p.cfg.Model
	}
	return defaultModel
}

func (p *Provider) Chat(ctx context.Context, messages []provider.Message, opts provider.Options) (*provider.ChatResponse, error) {
	body := p.buildRequest(messages, opts)
	model := p.model(opts)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal gemini request").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(p.cfg.BaseURL, "/"), model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.Internal, "build gemini request").WithCause(err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transient, "gemini request failed").WithCause(err).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, errs.New(errs.Transient, "decode gemini response").WithCause(err).WithProvider(p.Name())
	}

	return toChatResponse(gr, p.Name(), model), nil
}

func (p *Provider) Stream(ctx context.Context, messages []provider.Message, opts provider.Options) (<-chan provider.StreamChunk, error) {
	body := p.buildRequest(messages, opts)
	model := p.model(opts)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.Internal, "marshal gemini request").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", strings.TrimRight(p.cfg.BaseURL, "/"), model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.Internal, "build gemini request").WithCause(err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transient, "gemini stream request failed").WithCause(err).WithProvider(p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	ch := make(chan provider.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					ch <- provider.StreamChunk{Provider: p.Name(), Model: model, Err: errs.New(errs.Transient, "gemini stream read failed").WithCause(err)}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "data: ") {
				line = strings.TrimPrefix(line, "data: ")
			}

			var gr geminiResponse
			if err := json.Unmarshal([]byte(line), &gr); err != nil {
				continue
			}

			for _, c := range gr.Candidates {
				var text strings.Builder
				for _, part := range c.Content.Parts {
					text.WriteString(part.Text)
				}
				ch <- provider.StreamChunk{Provider: p.Name(), Model: model, Delta: text.String(), Done: c.FinishReason != ""}
			}
			if gr.UsageMetadata != nil {
				ch <- provider.StreamChunk{Provider: p.Name(), Model: model, Usage: &provider.Usage{
					PromptTokens:     gr.UsageMetadata.PromptTokenCount,
					CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      gr.UsageMetadata.TotalTokenCount,
				}}
			}
		}
	}()

	return ch, nil
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	model := "text-embedding-004"
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:embedContent", strings.TrimRight(p.cfg.BaseURL, "/"), model)
	payload, _ := json.Marshal(map[string]any{
		"model":   "models/" + model,
		"content": geminiContent{Parts: []geminiPart{{Text: text}}},
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.Internal, "build gemini embed request").WithCause(err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.New(errs.Transient, "gemini embed request failed").WithCause(err).WithProvider(p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, mapError(resp.StatusCode, readErrMsg(resp.Body), p.Name())
	}

	var out struct {
		Embedding struct {
			Values []float32 `json:"values"`
		} `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.New(errs.Transient, "decode gemini embed response").WithCause(err).WithProvider(p.Name())
	}
	return out.Embedding.Values, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"gemini-2.5-flash", "gemini-2.5-pro"}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1beta/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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

func toChatResponse(gr geminiResponse, providerName, model string) *provider.ChatResponse {
	var content string
	var finish string
	if len(gr.Candidates) > 0 {
		c := gr.Candidates[0]
		finish = c.FinishReason
		var sb strings.Builder
		for _, part := range c.Content.Parts {
			sb.WriteString(part.Text)
		}
		content = sb.String()
	}

	resp := &provider.ChatResponse{Provider: providerName, Model: model, Content: content, FinishReason: finish}
	if gr.UsageMetadata != nil {
		resp.Usage = provider.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}
	return resp
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var er geminiErrorResp
	if err := json.Unmarshal(data, &er); err == nil && er.Error.Message != "" {
		return fmt.Sprintf("%s (%s)", er.Error.Message, er.Error.Status)
	}
	return string(data)
}

func mapError(status int, msg, providerName string) *errs.Error {
	switch status {
	case http.StatusUnauthorized:
		return errs.New(errs.Unauthorized, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusForbidden:
		return errs.New(errs.Permanent, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusTooManyRequests:
		return errs.New(errs.RateLimited, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(msg), "quota") {
			return errs.New(errs.Permanent, msg).WithHTTPStatus(status).WithProvider(providerName)
		}
		return errs.New(errs.BadRequest, msg).WithHTTPStatus(status).WithProvider(providerName)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errs.New(errs.Transient, msg).WithHTTPStatus(status).WithProvider(providerName)
	default:
		if status >= 500 {
			return errs.New(errs.Transient, msg).WithHTTPStatus(status).WithProvider(providerName)
		}
		return errs.New(errs.Permanent, msg).WithHTTPStatus(status).WithProvider(providerName)
	}
}
