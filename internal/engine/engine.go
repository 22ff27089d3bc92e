// Package engine defines the polymorphic inference capability the
// orchestrator drives: load/unload a model, report whether one is loaded,
// and run inference/embedding calls that each produce a lazy per-call event
// stream. The orchestrator and Asset Authority never inspect which variant
// of Engine is in use — StubEngine for tests and no-backend operation,
// OllamaEngine for a real local runtime.
package engine

import (
	"context"

	"github.com/tmzt/genius/pkg/protocol"
)

// EngineEvent wraps one item of a per-call event stream: either an
// InferenceEvent or an error. A stream may emit an Err and keep
// being drained afterward — the caller decides when the stream ends.
type EngineEvent struct {
	Event *protocol.InferenceEvent
	Err   error
}

func ev(e protocol.InferenceEvent) EngineEvent { return EngineEvent{Event: &e} }
func errEv(err error) EngineEvent              { return EngineEvent{Err: err} }

// Engine is a stateful handle over at most one loaded model. Implementations
// must leave the engine unloaded after a failed LoadModel, and must fail
// Infer/Embed synchronously with ErrNotLoaded when no model is loaded.
type Engine interface {
	// LoadModel replaces any previously loaded model with the one at path,
	// freeing the prior model's resources first. A failed load leaves the
	// engine unloaded.
	LoadModel(ctx context.Context, path string) error

	// UnloadModel releases model resources. Safe to call when not loaded.
	UnloadModel(ctx context.Context) error

	// IsLoaded is a pure predicate.
	IsLoaded() bool

	// DefaultModel is a registry-resolvable name the orchestrator falls
	// back to when no model has ever been loaded.
	DefaultModel() string

	// Infer produces the event sequence from protocol's InferenceEvent
	// ordering contract: ProcessStart, then interleaved
	// Thought(Start/Delta*/Stop) and Content, then Complete.
	Infer(ctx context.Context, prompt string, cfg protocol.InferenceConfig) <-chan EngineEvent

	// Embed produces ProcessStart, then exactly one Embedding event, then
	// Complete.
	Embed(ctx context.Context, input string, cfg protocol.InferenceConfig) <-chan EngineEvent
}
