package edge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/pkg/protocol"
)

// modelResponse/modelList mirror the OpenAI /v1/models shape, the same
// shape ogenius/api.rs's list_models handler returns.
type modelResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type modelList struct {
	Object string          `json:"object"`
	Data   []modelResponse `json:"data"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessageOut struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      chatMessageOut `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingData struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Object string          `json:"object"`
	Data   []embeddingData `json:"data"`
	Model  string          `json:"model"`
}

type apiConfig struct {
	WSAddr string `json:"ws_addr"`
}

// NewHTTPRouter builds the chi router for the six HTTP edge endpoints in
// spec.md §6, grounded on internal/api/router.go's middleware stack
// (request id, recoverer, CORS) and on ogenius/api.rs for the
// OpenAI-compatible request/response shapes.
func NewHTTPRouter(e *Edge, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/v1/models", e.handleListModels)
	r.Post("/v1/chat/completions", e.handleChatCompletions)
	r.Post("/v1/embeddings", e.handleEmbeddings)
	r.Get("/v1/config", e.handleGetConfig(cfg))
	r.Post("/v1/engine/reset", e.handleReset)
	r.Get("/", e.handleIndex)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("edge: failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (e *Edge) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withRequestTimeout(r)
	defer cancel()

	id, events, busCancel := e.submit(ctx, protocol.ListModelsCommand())
	defer busCancel()

	out, err := collectTerminal(ctx, events, isTerminalOutput, requestTimeout)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	terminal := lastOf(out)
	if terminal == nil || terminal.Body.Kind != protocol.BodyModelList {
		writeError(w, http.StatusInternalServerError, "core did not return a model list for request "+id)
		return
	}

	data := make([]modelResponse, 0, len(terminal.Body.ModelList))
	for _, m := range terminal.Body.ModelList {
		data = append(data, modelResponse{ID: m.ID, Object: "model"})
	}
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: data})
}

func (e *Edge) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var prompt string
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}

	ctx, cancel := withRequestTimeout(r)
	defer cancel()

	var model *string
	if req.Model != "" {
		model = &req.Model
	}

	id, events, busCancel := e.submit(ctx, protocol.InferCommand(model, prompt, protocol.DefaultInferenceConfig()))
	defer busCancel()

	out, err := collectTerminal(ctx, events, isTerminalOutput, requestTimeout)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	var content strings.Builder
	for _, o := range out {
		if o.Body.Kind == protocol.BodyError {
			writeError(w, http.StatusInternalServerError, o.Body.Error)
			return
		}
		if o.Body.Kind == protocol.BodyEvent && o.Body.Event.Kind == protocol.EventContent {
			content.WriteString(o.Body.Event.Content)
		}
	}

	writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "gen-" + id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessageOut{Role: "assistant", Content: content.String()},
			FinishReason: "stop",
		}},
	})
}

func (e *Edge) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx, cancel := withRequestTimeout(r)
	defer cancel()

	var model *string
	if req.Model != "" {
		model = &req.Model
	}

	_, events, busCancel := e.submit(ctx, protocol.EmbedCommand(model, req.Input, protocol.DefaultInferenceConfig()))
	defer busCancel()

	out, err := collectTerminal(ctx, events, isTerminalOutput, requestTimeout)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	var embedding []float32
	for _, o := range out {
		if o.Body.Kind == protocol.BodyError {
			writeError(w, http.StatusInternalServerError, o.Body.Error)
			return
		}
		if o.Body.Kind == protocol.BodyEvent && o.Body.Event.Kind == protocol.EventEmbedding {
			embedding = o.Body.Event.Embedding
		}
	}
	if embedding == nil {
		writeError(w, http.StatusInternalServerError, "no embedding in response")
		return
	}

	writeJSON(w, http.StatusOK, embeddingResponse{
		Object: "list",
		Data:   []embeddingData{{Object: "embedding", Embedding: embedding, Index: 0}},
		Model:  req.Model,
	})
}

func (e *Edge) handleGetConfig(cfg config.ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, apiConfig{WSAddr: cfg.WSAddr})
	}
}

func (e *Edge) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withRequestTimeout(r)
	defer cancel()

	_, events, busCancel := e.submit(ctx, protocol.ResetCommand())
	defer busCancel()

	_, err := collectTerminal(ctx, events, isTerminalOutput, requestTimeout)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleIndex serves a static placeholder; a real UI build would be
// dropped in here the way the teacher's dashboard/dist is.
func (e *Edge) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte("<!doctype html><html><head><title>genius</title></head><body><p>genius is running. Use /v1/models, /v1/chat/completions, /v1/embeddings or connect over the ws edge.</p></body></html>"))
}

func withRequestTimeout(r *http.Request) (ctx context.Context, cancel func()) {
	return context.WithTimeout(r.Context(), requestTimeout)
}

func lastOf(out []protocol.Output) *protocol.Output {
	if len(out) == 0 {
		return nil
	}
	return &out[len(out)-1]
}
