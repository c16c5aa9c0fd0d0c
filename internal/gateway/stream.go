package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stephabauva/wellness-gateway/internal/cache"
	"github.com/stephabauva/wellness-gateway/internal/errs"
	"github.com/stephabauva/wellness-gateway/internal/provider"
)

type streamEventBody struct {
	Delta string     `json:"delta,omitempty"`
	Done  bool       `json:"done,omitempty"`
	Usage *UsageBody `json:"usage,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// handleStream implements POST /v1/stream: server-sent chunks, one `data:`
// line per StreamChunk. Per §4.5, streaming bypasses the response cache on
// write; the fully assembled text is cached only if the stream completes
// without error.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var body ChatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Class: string(errs.BadRequest), Message: "invalid JSON body"})
		return
	}
	if err := s.validate(body); err != nil {
		status, eb := errToBody(err)
		writeError(w, status, eb)
		return
	}

	providerTag, p, err := s.resolveProvider(body)
	if err != nil {
		status, eb := errToBody(err)
		writeError(w, status, eb)
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, ErrorBody{Class: string(errs.Internal), Message: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	messages := toProviderMessages(body.Messages)
	ch, err := p.Stream(r.Context(), messages, provider.Options{Model: body.ModelTag})
	if err != nil {
		status, eb := errToBody(err)
		writeSSE(w, streamEventBody{Error: &eb})
		flusher.Flush()
		_ = status
		return
	}

	var assembled string
	failed := false
	for chunk := range ch {
		if chunk.Err != nil {
			failed = true
			_, eb := errToBody(chunk.Err)
			writeSSE(w, streamEventBody{Error: &eb})
			flusher.Flush()
			continue
		}
		assembled += chunk.Delta

		var usage *UsageBody
		if chunk.Usage != nil {
			usage = &UsageBody{Prompt: chunk.Usage.PromptTokens, Completion: chunk.Usage.CompletionTokens, Total: chunk.Usage.TotalTokens}
		}
		writeSSE(w, streamEventBody{Delta: chunk.Delta, Done: chunk.Done, Usage: usage})
		flusher.Flush()
	}

	if !failed && assembled != "" && len(messages) > 0 {
		cacheKey := cache.KeyForAIResponse(messages[len(messages)-1].Content, providerTag, body.ModelTag, intToStr(body.UserID))
		s.respCache.Put(r.Context(), cache.CategoryAIResponses, cacheKey, &provider.ChatResponse{
			Provider: providerTag,
			Content:  assembled,
		})
	}
}

func writeSSE(w http.ResponseWriter, ev streamEventBody) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleStreamWS is the duplex alternative to POST /v1/stream for callers
// that prefer a single persistent socket over one-shot SSE (e.g. browser
// clients juggling several concurrent chats). The request body and each
// chunk use the same shapes as the SSE path; SSE remains the default.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var body ChatRequestBody
	if err := wsjson.Read(ctx, conn, &body); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid JSON body")
		return
	}
	if err := s.validate(body); err != nil {
		status, eb := errToBody(err)
		_ = status
		_ = wsjson.Write(ctx, conn, streamEventBody{Error: &eb})
		conn.Close(websocket.StatusNormalClosure, "validation failed")
		return
	}

	providerTag, p, err := s.resolveProvider(body)
	if err != nil {
		_, eb := errToBody(err)
		_ = wsjson.Write(ctx, conn, streamEventBody{Error: &eb})
		conn.Close(websocket.StatusNormalClosure, "no provider available")
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	messages := toProviderMessages(body.Messages)
	ch, err := p.Stream(ctx, messages, provider.Options{Model: body.ModelTag})
	if err != nil {
		_, eb := errToBody(err)
		_ = wsjson.Write(ctx, conn, streamEventBody{Error: &eb})
		conn.Close(websocket.StatusInternalError, "stream start failed")
		return
	}

	var assembled string
	failed := false
	for chunk := range ch {
		if chunk.Err != nil {
			failed = true
			_, eb := errToBody(chunk.Err)
			if wsjson.Write(ctx, conn, streamEventBody{Error: &eb}) != nil {
				return
			}
			continue
		}
		assembled += chunk.Delta

		var usage *UsageBody
		if chunk.Usage != nil {
			usage = &UsageBody{Prompt: chunk.Usage.PromptTokens, Completion: chunk.Usage.CompletionTokens, Total: chunk.Usage.TotalTokens}
		}
		if wsjson.Write(ctx, conn, streamEventBody{Delta: chunk.Delta, Done: chunk.Done, Usage: usage}) != nil {
			return
		}
	}

	if !failed && assembled != "" && len(messages) > 0 {
		cacheKey := cache.KeyForAIResponse(messages[len(messages)-1].Content, providerTag, body.ModelTag, intToStr(body.UserID))
		s.respCache.Put(ctx, cache.CategoryAIResponses, cacheKey, &provider.ChatResponse{
			Provider: providerTag,
			Content:  assembled,
		})
	}

	conn.Close(websocket.StatusNormalClosure, "stream complete")
}
