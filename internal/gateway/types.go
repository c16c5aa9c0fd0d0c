// Package gateway is the HTTP front-end: it validates incoming requests,
// assigns priorities, enqueues work onto the worker pool, and renders
// responses, grounded on the teacher's internal/server.Manager for HTTP
// lifecycle and api/handlers for request/response JSON shapes.
package gateway

import "time"

// ProviderTag names which upstream slot a request targets.
type ProviderTag string

const (
	ProviderPrimary   ProviderTag = "primary"
	ProviderSecondary ProviderTag = "secondary"
)

// ChatMessage is one turn in the wire-protocol request body.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequestBody is the JSON body for POST /v1/chat and each element of a
// POST /v1/batch request.
type ChatRequestBody struct {
	ID           string        `json:"id,omitempty"`
	ProviderTag  ProviderTag   `json:"providerTag"`
	ModelTag     string        `json:"modelTag,omitempty"`
	Messages     []ChatMessage `json:"messages"`
	UserID       int64         `json:"userId"`
	ConversationID string      `json:"conversationId,omitempty"`
	CoachingMode string        `json:"coachingMode,omitempty"`
	Priority     int           `json:"priority"`
	AutoSelect   bool          `json:"autoSelect,omitempty"`
	DeadlineMS   int64         `json:"deadlineMs,omitempty"`
}

// BatchRequestBody is the JSON body for POST /v1/batch.
type BatchRequestBody struct {
	ID       string            `json:"id,omitempty"`
	Requests []ChatRequestBody `json:"requests"`
	Priority int               `json:"priority,omitempty"`
}

// UsageBody mirrors the response-shape usage triple.
type UsageBody struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ChatResponseBody is the wire-protocol response shape (§6).
type ChatResponseBody struct {
	ID             string            `json:"id"`
	RequestID      string            `json:"requestId"`
	Provider       string            `json:"provider"`
	Model          string            `json:"model"`
	Content        string            `json:"content"`
	FinishReason   string            `json:"finishReason"`
	Usage          UsageBody         `json:"usage"`
	ProcessingTime time.Duration     `json:"processingTime"`
	CacheHit       bool              `json:"cacheHit"`
	RetryAttempt   int               `json:"retryAttempt"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Error          *ErrorBody        `json:"error,omitempty"`
}

// ErrorBody is the JSON shape for a typed error surfaced to callers.
type ErrorBody struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// BatchResponseBody aggregates per-request success/failure without
// short-circuiting, preserving input order.
type BatchResponseBody struct {
	ID       string             `json:"id,omitempty"`
	Results  []ChatResponseBody `json:"results"`
}

// StatsBody is the /admin/stats payload.
type StatsBody struct {
	QueueDepth      int            `json:"queueDepth"`
	QueuePerLevel   []int          `json:"queuePerLevel"`
	AvgProcessingMS float64        `json:"avgProcessingMs"`
	CacheHitRate    float64        `json:"cacheHitRate"`
	WorkerCount     int            `json:"workerCount"`
	BreakerStates   map[string]string `json:"breakerStates"`
}

// HealthBody is the /health payload.
type HealthBody struct {
	Healthy   bool            `json:"healthy"`
	Providers map[string]bool `json:"providers"`
}
