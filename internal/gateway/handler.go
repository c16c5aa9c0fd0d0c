package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stephabauva/wellness-gateway/internal/breaker"
	"github.com/stephabauva/wellness-gateway/internal/cache"
	"github.com/stephabauva/wellness-gateway/internal/errs"
	memtypes "github.com/stephabauva/wellness-gateway/internal/memory/types"
	"github.com/stephabauva/wellness-gateway/internal/provider"
	"github.com/stephabauva/wellness-gateway/internal/queue"
	"github.com/stephabauva/wellness-gateway/internal/workerpool"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body ErrorBody) {
	writeJSON(w, status, map[string]any{"error": body})
}

func errToBody(err error) (int, ErrorBody) {
	e := errs.New(errs.Internal, err.Error())
	if existing, ok := errs.AsError(err); ok {
		e = existing
	}
	return e.HTTPStatus, ErrorBody{Class: string(e.Class), Message: e.Message, Retryable: e.Retryable}
}

func (s *Server) validate(body ChatRequestBody) error {
	if len(body.Messages) == 0 {
		return errs.New(errs.BadRequest, "messages must not be empty")
	}
	if body.Messages[len(body.Messages)-1].Role != "user" {
		return errs.New(errs.BadRequest, "last message must have role=user")
	}
	if body.ProviderTag != ProviderPrimary && body.ProviderTag != ProviderSecondary && !body.AutoSelect {
		return errs.New(errs.BadRequest, "unknown provider tag")
	}
	if body.Priority < 1 || body.Priority > 5 {
		return errs.New(errs.BadRequest, "priority must be 1..5")
	}
	return nil
}

func (s *Server) resolveProvider(body ChatRequestBody) (string, provider.Provider, error) {
	tag := string(body.ProviderTag)
	if body.AutoSelect || tag == "" {
		tag = string(ProviderPrimary)
	}
	p, ok := s.providers[tag]
	if !ok {
		return "", nil, errs.New(errs.BadRequest, "unknown provider tag: "+tag)
	}
	return tag, p, nil
}

func toProviderMessages(msgs []ChatMessage) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, provider.Message{Role: provider.Role(m.Role), Content: m.Content})
	}
	return out
}

func (s *Server) submit(ctx *http.Request, body ChatRequestBody) (*ChatResponseBody, error) {
	if err := s.validate(body); err != nil {
		return nil, err
	}

	providerTag, p, err := s.resolveProvider(body)
	if err != nil {
		return nil, err
	}

	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	var deadline time.Time
	if body.DeadlineMS > 0 {
		deadline = time.UnixMilli(body.DeadlineMS)
	}

	messages := s.augmentWithMemory(ctx, body, toProviderMessages(body.Messages))
	cacheKey := ""
	if len(messages) > 0 {
		cacheKey = cache.KeyForAIResponse(messages[len(messages)-1].Content, providerTag, body.ModelTag, intToStr(body.UserID))
	}

	req := queue.Request{ID: body.ID, Priority: body.Priority, Deadline: deadline}
	job := workerpool.NewJob(req, providerTag, p, messages, provider.Options{Model: body.ModelTag}, cacheKey)

	start := time.Now()
	if err := s.workers.Submit(job); err != nil {
		return nil, err
	}

	result, err := job.Wait(ctx.Context())
	if err != nil {
		return nil, err
	}
	if result.Err != nil {
		return nil, result.Err
	}

	elapsed := time.Since(start)
	s.recordProcessed(elapsed)

	if s.observer != nil && body.UserID != 0 && len(body.Messages) > 0 {
		s.observer.ObserveTurn(body.UserID, body.Messages[len(body.Messages)-1].Content, body.CoachingMode, nil)
	}

	resp := result.Response
	return &ChatResponseBody{
		ID:             body.ID,
		RequestID:      body.ID,
		Provider:       resp.Provider,
		Model:          resp.Model,
		Content:        resp.Content,
		FinishReason:   resp.FinishReason,
		Usage:          UsageBody{Prompt: resp.Usage.PromptTokens, Completion: resp.Usage.CompletionTokens, Total: resp.Usage.TotalTokens},
		ProcessingTime: elapsed,
		CacheHit:       result.CacheHit,
		RetryAttempt:   result.RetryAttempt,
		Timestamp:      time.Now(),
	}, nil
}

func intToStr(v int64) string {
	return strconv.FormatInt(v, 10)
}

// augmentWithMemory prepends a system message built from the Intelligent
// Retriever's results for this user's last message, so the provider call
// sees relevant prior context. A nil Retriever (no memory wiring
// configured) or a retrieval failure leaves messages unchanged; memory
// augmentation is best-effort and never blocks or fails a chat request.
func (s *Server) augmentWithMemory(ctx *http.Request, body ChatRequestBody, messages []provider.Message) []provider.Message {
	if s.retriever == nil || body.UserID == 0 || len(messages) == 0 {
		return messages
	}

	query := messages[len(messages)-1].Content
	convCtx := memtypes.ConversationContext{CoachingMode: body.CoachingMode}
	retrieved, err := s.retriever.Retrieve(ctx.Context(), body.UserID, query, convCtx, memoryResultsPerRequest)
	if err != nil || len(retrieved) == 0 {
		return messages
	}

	var b strings.Builder
	b.WriteString("Relevant things you already know about this user:\n")
	for _, m := range retrieved {
		b.WriteString("- " + m.Entry.Content + "\n")
	}

	augmented := make([]provider.Message, 0, len(messages)+1)
	augmented = append(augmented, provider.Message{Role: provider.RoleSystem, Content: b.String()})
	return append(augmented, messages...)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body ChatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Class: string(errs.BadRequest), Message: "invalid JSON body"})
		return
	}

	resp, err := s.submit(r, body)
	if err != nil {
		status, eb := errToBody(err)
		writeError(w, status, eb)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body BatchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Class: string(errs.BadRequest), Message: "invalid JSON body"})
		return
	}

	results := make([]ChatResponseBody, len(body.Requests))
	for i, reqBody := range body.Requests {
		if reqBody.Priority == 0 {
			reqBody.Priority = body.Priority
		}
		resp, err := s.submit(r, reqBody)
		if err != nil {
			_, eb := errToBody(err)
			results[i] = ChatResponseBody{ID: reqBody.ID, Error: &eb, Timestamp: time.Now()}
			continue
		}
		results[i] = *resp
	}

	writeJSON(w, http.StatusOK, BatchResponseBody{ID: body.ID, Results: results})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	catalog := make(map[string][]string, len(s.providers))
	for tag, p := range s.providers {
		models, err := p.ListModels(r.Context())
		if err != nil {
			continue
		}
		catalog[tag] = models
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	qs := s.queue.Stats()

	hits, misses := s.respCache.HitMissStats(cache.CategoryAIResponses)
	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	var avgMS float64
	if n := s.processed.Load(); n > 0 {
		avgMS = float64(s.processingNsum.Load()) / float64(n) / float64(time.Millisecond)
	}

	states := map[string]string{}
	for key, st := range s.breakers.States() {
		states[key] = breakerStateName(st)
	}

	writeJSON(w, http.StatusOK, StatsBody{
		QueueDepth:      qs.Size,
		QueuePerLevel:   qs.PerLevel,
		AvgProcessingMS: avgMS,
		CacheHitRate:    hitRate,
		WorkerCount:     s.workers.WorkerCount(),
		BreakerStates:   states,
	})
}

func breakerStateName(st breaker.State) string { return st.String() }

func (s *Server) handleCacheInspect(w http.ResponseWriter, r *http.Request) {
	cat := cache.Category(r.URL.Query().Get("category"))
	if cat == "" {
		cat = cache.CategoryAIResponses
	}
	hits, misses := s.respCache.HitMissStats(cat)
	writeJSON(w, http.StatusOK, map[string]any{"category": cat, "hits": hits, "misses": misses})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cat := cache.Category(r.URL.Query().Get("category"))
	if cat == "" {
		cat = cache.CategoryAIResponses
	}
	s.respCache.InvalidatePrefix(r.Context(), cat, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := make(map[string]bool, len(s.providers))
	healthy := true
	for tag, p := range s.providers {
		hs, err := p.HealthCheck(r.Context())
		ok := err == nil && hs != nil && hs.Healthy
		statuses[tag] = ok
		healthy = healthy && ok
	}
	writeJSON(w, http.StatusOK, HealthBody{Healthy: healthy, Providers: statuses})
}
