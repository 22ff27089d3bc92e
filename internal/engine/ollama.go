package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tmzt/genius/pkg/protocol"
)

// defaultOllamaMaxTokens mirrors engine_real.rs's hardcoded generation
// safety ceiling.
const defaultOllamaMaxTokens = 512

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// OllamaEngine binds the Engine capability to a locally running Ollama
// server over HTTP. It is the Go-idiomatic stand-in for the original
// llama.cpp-bound "real" backend: no cgo bindings to a native inference
// library are available in this environment, so the real-backend contract
// is satisfied instead by a local-runtime HTTP client, same as the
// embeddings driver this is grounded on.
type OllamaEngine struct {
	endpoint string
	client   *http.Client

	mu          sync.Mutex
	loaded      bool
	loadedModel string
}

// NewOllamaEngine constructs a client for the Ollama server at endpoint
// (e.g. "http://localhost:11434"). No connection is made until LoadModel.
func NewOllamaEngine(endpoint string) *OllamaEngine {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaEngine{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 0},
	}
}

// DefaultModel is the Ollama tag for the original's
// Qwen/Qwen2.5-1.5B-Instruct default.
func (e *OllamaEngine) DefaultModel() string { return "qwen2.5:1.5b-instruct" }

// LoadModel treats path as an Ollama model tag (the Asset Authority resolves
// friendly registry names to a cache path, but Ollama manages its own model
// store, so the tag recorded at registry time is what's passed through).
// A lightweight /api/show probe verifies Ollama actually has the tag
// pulled before marking the engine loaded.
func (e *OllamaEngine) LoadModel(ctx context.Context, path string) error {
	tag := modelTagFromPath(path)

	body, _ := json.Marshal(map[string]string{"name": tag})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/show", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build show request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama has no model %q pulled (status %d)", tag, resp.StatusCode)
	}

	e.mu.Lock()
	e.loaded = true
	e.loadedModel = tag
	e.mu.Unlock()

	log.Info().Str("engine", "ollama").Str("model", tag).Msg("model loaded")
	return nil
}

func (e *OllamaEngine) UnloadModel(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	e.loadedModel = ""
	return nil
}

func (e *OllamaEngine) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *OllamaEngine) currentModel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadedModel
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func ollamaOptions(cfg protocol.InferenceConfig) map[string]interface{} {
	opts := map[string]interface{}{
		"temperature": cfg.Temperature,
	}
	if cfg.TopP != nil {
		opts["top_p"] = *cfg.TopP
	}
	if cfg.TopK != nil {
		opts["top_k"] = *cfg.TopK
	}
	if cfg.RepetitionPenalty != nil {
		opts["repeat_penalty"] = *cfg.RepetitionPenalty
	}
	if cfg.ContextSize != nil {
		opts["num_ctx"] = *cfg.ContextSize
	}
	maxTokens := defaultOllamaMaxTokens
	if cfg.MaxTokens != nil {
		maxTokens = int(*cfg.MaxTokens)
	}
	opts["num_predict"] = maxTokens
	return opts
}

// Infer streams tokens from Ollama's /api/generate and recognizes <think>
// / </think> delimiters across token boundaries, per the thought-tag
// streaming contract: text inside a think block is routed through
// Thought(Delta) instead of Content, and never leaks into Content even when
// show_thinking suppresses the Thought events themselves.
func (e *OllamaEngine) Infer(ctx context.Context, prompt string, cfg protocol.InferenceConfig) <-chan EngineEvent {
	out := make(chan EngineEvent, 16)
	if !e.IsLoaded() {
		go func() {
			defer close(out)
			out <- errEv(ErrNotLoaded)
		}()
		return out
	}

	model := e.currentModel()
	go func() {
		defer close(out)
		out <- ev(protocol.ProcessStartEvent())

		reqBody, err := json.Marshal(ollamaGenerateRequest{
			Model:   model,
			Prompt:  prompt,
			Stream:  true,
			Options: ollamaOptions(cfg),
		})
		if err != nil {
			out <- errEv(fmt.Errorf("marshal generate request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/generate", bytes.NewReader(reqBody))
		if err != nil {
			out <- errEv(fmt.Errorf("build generate request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			out <- errEv(fmt.Errorf("ollama generate request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			out <- errEv(fmt.Errorf("ollama generate returned status %d", resp.StatusCode))
			return
		}

		buf := newThoughtBuffer(cfg.ShowThinking)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaGenerateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				out <- errEv(fmt.Errorf("decode generate chunk: %w", err))
				continue
			}
			for _, pe := range buf.feed(chunk.Response) {
				out <- ev(pe)
			}
			if chunk.Done {
				break
			}
		}
		if err := scanner.Err(); err != nil {
			out <- errEv(fmt.Errorf("read generate stream: %w", err))
		}
		for _, pe := range buf.flush() {
			out <- ev(pe)
		}
		out <- ev(protocol.CompleteEvent())
	}()
	return out
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed calls Ollama's /api/embeddings and forwards a single Embedding
// event followed by Complete.
func (e *OllamaEngine) Embed(ctx context.Context, input string, cfg protocol.InferenceConfig) <-chan EngineEvent {
	out := make(chan EngineEvent, 4)
	if !e.IsLoaded() {
		go func() {
			defer close(out)
			out <- errEv(ErrNotLoaded)
		}()
		return out
	}

	model := e.currentModel()
	go func() {
		defer close(out)
		out <- ev(protocol.ProcessStartEvent())

		reqBody, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: input})
		if err != nil {
			out <- errEv(fmt.Errorf("marshal embed request: %w", err))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(reqBody))
		if err != nil {
			out <- errEv(fmt.Errorf("build embed request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			out <- errEv(fmt.Errorf("ollama embed request failed: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			out <- errEv(fmt.Errorf("ollama embed returned status %d", resp.StatusCode))
			return
		}

		var result ollamaEmbedResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			out <- errEv(fmt.Errorf("decode embed response: %w", err))
			return
		}

		out <- ev(protocol.EmbeddingEvent(result.Embedding))
		out <- ev(protocol.CompleteEvent())
	}()
	return out
}

func modelTagFromPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// thoughtBuffer recognizes <think>/</think> delimiters split across
// arbitrary token-chunk boundaries, emitting Thought/Content events as
// complete text becomes unambiguous. show_thinking=false suppresses the
// Thought events but thought text is dropped, never forwarded as Content.
type thoughtBuffer struct {
	showThinking bool
	inThink      bool
	pending      strings.Builder
}

func newThoughtBuffer(showThinking bool) *thoughtBuffer {
	return &thoughtBuffer{showThinking: showThinking}
}

// feed appends a newly decoded token chunk and returns any events that can
// now be emitted unambiguously. Text that might still be a partial
// delimiter is held back in pending.
func (b *thoughtBuffer) feed(chunk string) []protocol.InferenceEvent {
	if chunk == "" {
		return nil
	}
	b.pending.WriteString(chunk)
	var events []protocol.InferenceEvent

	for {
		text := b.pending.String()
		if !b.inThink {
			if idx := strings.Index(text, thinkOpen); idx >= 0 {
				before := text[:idx]
				if before != "" {
					events = append(events, protocol.ContentEvent(before))
				}
				if b.showThinking {
					events = append(events, protocol.ThoughtStartEvent())
				}
				b.inThink = true
				b.pending.Reset()
				b.pending.WriteString(text[idx+len(thinkOpen):])
				continue
			}
			safe := safeFlushLength(text, thinkOpen)
			if safe > 0 {
				events = append(events, protocol.ContentEvent(text[:safe]))
				remainder := text[safe:]
				b.pending.Reset()
				b.pending.WriteString(remainder)
			}
			return events
		}

		if idx := strings.Index(text, thinkClose); idx >= 0 {
			delta := text[:idx]
			if delta != "" && b.showThinking {
				events = append(events, protocol.ThoughtDeltaEvent(delta))
			}
			if b.showThinking {
				events = append(events, protocol.ThoughtStopEvent())
			}
			b.inThink = false
			b.pending.Reset()
			b.pending.WriteString(text[idx+len(thinkClose):])
			continue
		}
		safe := safeFlushLength(text, thinkClose)
		if safe > 0 {
			if b.showThinking {
				events = append(events, protocol.ThoughtDeltaEvent(text[:safe]))
			}
			remainder := text[safe:]
			b.pending.Reset()
			b.pending.WriteString(remainder)
		}
		return events
	}
}

// flush emits whatever remains in pending at stream end. Text left inside an
// unterminated think block becomes a final Thought(Delta) plus Thought(Stop)
// when show_thinking is on and is dropped otherwise; it is never emitted as
// Content.
func (b *thoughtBuffer) flush() []protocol.InferenceEvent {
	text := b.pending.String()
	b.pending.Reset()
	if text == "" {
		return nil
	}
	if b.inThink {
		if b.showThinking {
			return []protocol.InferenceEvent{protocol.ThoughtDeltaEvent(text), protocol.ThoughtStopEvent()}
		}
		return nil
	}
	return []protocol.InferenceEvent{protocol.ContentEvent(text)}
}

// safeFlushLength returns how many leading bytes of text are guaranteed not
// to be the start of delim, so they can be flushed without risking a
// delimiter split across chunk boundaries.
func safeFlushLength(text, delim string) int {
	maxOverlap := len(delim) - 1
	if maxOverlap > len(text) {
		maxOverlap = len(text)
	}
	for k := maxOverlap; k > 0; k-- {
		if strings.HasSuffix(text, delim[:k]) {
			return len(text) - k
		}
	}
	return len(text)
}
