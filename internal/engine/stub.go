package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tmzt/genius/pkg/protocol"
)

// stubEmbeddingDims matches the deterministic embedding width the original
// stub backend produced.
const stubEmbeddingDims = 384

// StubEngine is a deterministic echo engine used for tests and for
// operation with no native backend compiled in. It loads nothing from disk
// — any path is accepted as "loaded" — and produces a fixed event sequence
// so callers and tests can assert on exact output.
type StubEngine struct {
	mu     sync.Mutex
	loaded bool
	path   string
}

// NewStubEngine constructs an unloaded StubEngine.
func NewStubEngine() *StubEngine {
	return &StubEngine{}
}

func (e *StubEngine) LoadModel(ctx context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = true
	e.path = path
	log.Info().Str("engine", "stub").Str("path", path).Msg("model loaded")
	return nil
}

func (e *StubEngine) UnloadModel(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	e.path = ""
	return nil
}

func (e *StubEngine) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// DefaultModel mirrors the original Pinky backend's "tiny-model".
func (e *StubEngine) DefaultModel() string { return "tiny-model" }

// Infer emits: ProcessStart, a brief pause, Thought(Start),
// Thought(Delta("Narf!")), Thought(Stop), Content("Pinky says: <prompt>"),
// Complete. With cfg.ShowThinking false the Thought triplet is suppressed and
// its text never leaks into Content.
func (e *StubEngine) Infer(ctx context.Context, prompt string, cfg protocol.InferenceConfig) <-chan EngineEvent {
	out := make(chan EngineEvent, 8)
	if !e.IsLoaded() {
		go func() {
			defer close(out)
			out <- errEv(fmt.Errorf("Pinky Error: %w", ErrNotLoaded))
		}()
		return out
	}

	go func() {
		defer close(out)
		out <- ev(protocol.ProcessStartEvent())

		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}

		if cfg.ShowThinking {
			out <- ev(protocol.ThoughtStartEvent())
			out <- ev(protocol.ThoughtDeltaEvent("Narf!"))
			out <- ev(protocol.ThoughtStopEvent())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}

		out <- ev(protocol.ContentEvent(fmt.Sprintf("Pinky says: %s", prompt)))
		out <- ev(protocol.CompleteEvent())
	}()
	return out
}

// Embed emits ProcessStart, a brief pause, a 384-dim deterministic
// embedding (component i = sin(i * 0.01)), then Complete.
func (e *StubEngine) Embed(ctx context.Context, input string, cfg protocol.InferenceConfig) <-chan EngineEvent {
	out := make(chan EngineEvent, 4)
	if !e.IsLoaded() {
		go func() {
			defer close(out)
			out <- errEv(fmt.Errorf("Pinky Error: %w", ErrNotLoaded))
		}()
		return out
	}

	go func() {
		defer close(out)
		out <- ev(protocol.ProcessStartEvent())

		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}

		vec := make([]float32, stubEmbeddingDims)
		for i := range vec {
			vec[i] = float32sin(float32(i) * 0.01)
		}
		out <- ev(protocol.EmbeddingEvent(vec))
		out <- ev(protocol.CompleteEvent())
	}()
	return out
}
