// Package protocol defines the message envelopes that flow between the
// orchestrator and its callers: tagged Input/Output envelopes, the Command
// union, the Body union, and the inference/asset event streams that ride
// inside a Body.
//
// Every envelope carries an optional correlation id. A nil id means
// "broadcast; no reply expected or only the first matching reply is
// consumed." Implementations must preserve the id bit-exactly on every
// Output emitted in response to an Input.
package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandKind discriminates the Command union.
type CommandKind string

const (
	CommandLoadModel  CommandKind = "load_model"
	CommandInfer      CommandKind = "infer"
	CommandEmbed      CommandKind = "embed"
	CommandListModels CommandKind = "list_models"
	CommandReset      CommandKind = "reset"
	CommandStop       CommandKind = "stop"
)

// Command is a tagged union over the six orchestrator commands. Only the
// payload fields belonging to Kind are populated.
type Command struct {
	Kind CommandKind `json:"kind"`

	// LoadModel
	ModelName string `json:"model_name,omitempty"`

	// Infer / Embed
	Model  *string         `json:"model,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
	Input  string          `json:"input,omitempty"`
	Config InferenceConfig `json:"config,omitzero"`
}

// LoadModelCommand builds a LoadModel command.
func LoadModelCommand(name string) Command {
	return Command{Kind: CommandLoadModel, ModelName: name}
}

// InferCommand builds an Infer command.
func InferCommand(model *string, prompt string, cfg InferenceConfig) Command {
	return Command{Kind: CommandInfer, Model: model, Prompt: prompt, Config: cfg}
}

// EmbedCommand builds an Embed command.
func EmbedCommand(model *string, input string, cfg InferenceConfig) Command {
	return Command{Kind: CommandEmbed, Model: model, Input: input, Config: cfg}
}

// ListModelsCommand builds a ListModels command.
func ListModelsCommand() Command { return Command{Kind: CommandListModels} }

// ResetCommand builds a Reset command.
func ResetCommand() Command { return Command{Kind: CommandReset} }

// StopCommand builds a Stop command.
func StopCommand() Command { return Command{Kind: CommandStop} }

// Input is the request envelope accepted by the orchestrator's inbound
// channel. Id is the correlation key; nil means no reply is expected (or
// only the first matching reply will be consumed).
type Input struct {
	ID      *string `json:"id,omitempty"`
	Command Command `json:"command"`
}

// BodyKind discriminates the Body union carried by an Output envelope.
type BodyKind string

const (
	BodyEvent     BodyKind = "event"
	BodyAsset     BodyKind = "asset"
	BodyModelList BodyKind = "model_list"
	BodyError     BodyKind = "error"
)

// Body is a tagged union over the four response shapes an Output may carry.
type Body struct {
	Kind BodyKind `json:"kind"`

	Event     *InferenceEvent    `json:"event,omitempty"`
	Asset     *AssetEvent        `json:"asset,omitempty"`
	ModelList []ModelDescriptor  `json:"model_list,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// EventBody wraps an InferenceEvent in a Body.
func EventBody(ev InferenceEvent) Body { return Body{Kind: BodyEvent, Event: &ev} }

// AssetBody wraps an AssetEvent in a Body.
func AssetBody(ev AssetEvent) Body { return Body{Kind: BodyAsset, Asset: &ev} }

// ModelListBody wraps a model descriptor list in a Body.
func ModelListBody(descs []ModelDescriptor) Body {
	return Body{Kind: BodyModelList, ModelList: descs}
}

// ErrorBody wraps a formatted error string in a Body.
func ErrorBody(format string, args ...any) Body {
	return Body{Kind: BodyError, Error: fmt.Sprintf(format, args...)}
}

// Output is the response envelope emitted on the orchestrator's outbound
// channel and fanned out by the bus to every registered subscriber.
type Output struct {
	ID   *string `json:"id,omitempty"`
	Body Body    `json:"body"`
}

// EventKind discriminates the InferenceEvent union.
type EventKind string

const (
	EventProcessStart EventKind = "process_start"
	EventThought      EventKind = "thought"
	EventContent      EventKind = "content"
	EventEmbedding    EventKind = "embedding"
	EventComplete     EventKind = "complete"
)

// InferenceEvent is one event in a per-call engine event stream. Per-call
// ordering: exactly one ProcessStart first, then zero or more
// Thought(Start), Thought(Delta)*, Thought(Stop) triplets interleaved with
// Content fragments, followed by exactly one Complete. Embedding calls emit
// one Embedding then Complete; they never emit Content or Thought.
type InferenceEvent struct {
	Kind      EventKind    `json:"kind"`
	Thought   *ThoughtEvent `json:"thought,omitempty"`
	Content   string       `json:"content,omitempty"`
	Embedding []float32    `json:"embedding,omitempty"`
}

func ProcessStartEvent() InferenceEvent { return InferenceEvent{Kind: EventProcessStart} }
func CompleteEvent() InferenceEvent     { return InferenceEvent{Kind: EventComplete} }
func ContentEvent(s string) InferenceEvent {
	return InferenceEvent{Kind: EventContent, Content: s}
}
func EmbeddingEvent(v []float32) InferenceEvent {
	return InferenceEvent{Kind: EventEmbedding, Embedding: v}
}
func ThoughtStartEvent() InferenceEvent {
	t := ThoughtEvent{Kind: ThoughtStart}
	return InferenceEvent{Kind: EventThought, Thought: &t}
}
func ThoughtDeltaEvent(s string) InferenceEvent {
	t := ThoughtEvent{Kind: ThoughtDelta, Delta: s}
	return InferenceEvent{Kind: EventThought, Thought: &t}
}
func ThoughtStopEvent() InferenceEvent {
	t := ThoughtEvent{Kind: ThoughtStop}
	return InferenceEvent{Kind: EventThought, Thought: &t}
}

// ThoughtEventKind discriminates the ThoughtEvent union.
type ThoughtEventKind string

const (
	ThoughtStart ThoughtEventKind = "start"
	ThoughtDelta ThoughtEventKind = "delta"
	ThoughtStop  ThoughtEventKind = "stop"
)

// ThoughtEvent marks the boundaries and content of a <think>...</think>
// block emitted by the engine.
type ThoughtEvent struct {
	Kind  ThoughtEventKind `json:"kind"`
	Delta string           `json:"delta,omitempty"`
}

// AssetEventKind discriminates the AssetEvent union.
type AssetEventKind string

const (
	AssetStarted  AssetEventKind = "started"
	AssetProgress AssetEventKind = "progress"
	AssetComplete AssetEventKind = "complete"
	AssetError    AssetEventKind = "error"
)

// AssetEvent is one event in an Asset Authority resolution stream. Within a
// single resolution: exactly one Started, zero or more monotonically
// non-decreasing Progress (total may be 0 when unknown), then exactly one
// terminal Complete or Error.
type AssetEvent struct {
	Kind          AssetEventKind `json:"kind"`
	Name          string         `json:"name,omitempty"`
	CurrentBytes  int64          `json:"current_bytes,omitempty"`
	TotalBytes    int64          `json:"total_bytes,omitempty"`
	AbsolutePath  string         `json:"absolute_path,omitempty"`
	Message       string         `json:"message,omitempty"`
}

func AssetStartedEvent(name string) AssetEvent {
	return AssetEvent{Kind: AssetStarted, Name: name}
}
func AssetProgressEvent(current, total int64) AssetEvent {
	return AssetEvent{Kind: AssetProgress, CurrentBytes: current, TotalBytes: total}
}
func AssetCompleteEvent(path string) AssetEvent {
	return AssetEvent{Kind: AssetComplete, AbsolutePath: path}
}
func AssetErrorEvent(format string, args ...any) AssetEvent {
	return AssetEvent{Kind: AssetError, Message: fmt.Sprintf(format, args...)}
}

// InferenceConfig holds the recognized inference tuning options. Zero value
// is not a valid config — use DefaultInferenceConfig, or unmarshal from JSON
// where absent fields are backfilled with defaults by UnmarshalJSON.
type InferenceConfig struct {
	Temperature        float32  `json:"temperature"`
	TopP               *float32 `json:"top_p,omitempty"`
	TopK               *uint32  `json:"top_k,omitempty"`
	RepetitionPenalty  *float32 `json:"repetition_penalty,omitempty"`
	MaxTokens          *uint    `json:"max_tokens,omitempty"`
	ContextSize        *uint32  `json:"context_size,omitempty"`
	ShowThinking       bool     `json:"show_thinking"`
}

// DefaultInferenceConfig returns the spec-mandated defaults: temperature
// 0.7, top_p 0.9, top_k 40, repetition_penalty 1.1, max_tokens unset
// (engine ceiling), context_size 2048, show_thinking true.
func DefaultInferenceConfig() InferenceConfig {
	topP := float32(0.9)
	topK := uint32(40)
	repPenalty := float32(1.1)
	ctxSize := uint32(2048)
	return InferenceConfig{
		Temperature:       0.7,
		TopP:              &topP,
		TopK:              &topK,
		RepetitionPenalty: &repPenalty,
		ContextSize:       &ctxSize,
		ShowThinking:      true,
	}
}

// rawInferenceConfig mirrors InferenceConfig but lets us detect which JSON
// fields were actually present before backfilling defaults.
type rawInferenceConfig struct {
	Temperature       *float32 `json:"temperature"`
	TopP              *float32 `json:"top_p"`
	TopK              *uint32  `json:"top_k"`
	RepetitionPenalty *float32 `json:"repetition_penalty"`
	MaxTokens         *uint    `json:"max_tokens"`
	ContextSize       *uint32  `json:"context_size"`
	ShowThinking      *bool    `json:"show_thinking"`
}

// UnmarshalJSON backfills omitted fields with DefaultInferenceConfig's
// values so partially-specified configs from HTTP/WS edges still produce a
// fully valid InferenceConfig.
func (c *InferenceConfig) UnmarshalJSON(data []byte) error {
	var raw rawInferenceConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	def := DefaultInferenceConfig()
	*c = def
	if raw.Temperature != nil {
		c.Temperature = *raw.Temperature
	}
	if raw.TopP != nil {
		c.TopP = raw.TopP
	}
	if raw.TopK != nil {
		c.TopK = raw.TopK
	}
	if raw.RepetitionPenalty != nil {
		c.RepetitionPenalty = raw.RepetitionPenalty
	}
	if raw.MaxTokens != nil {
		c.MaxTokens = raw.MaxTokens
	}
	if raw.ContextSize != nil {
		c.ContextSize = raw.ContextSize
	}
	if raw.ShowThinking != nil {
		c.ShowThinking = *raw.ShowThinking
	}
	return nil
}

// ModelSpec is the Asset Authority's view of a model: where to fetch it.
type ModelSpec struct {
	Repo         string `json:"repo" toml:"repo"`
	Filename     string `json:"filename" toml:"filename"`
	Quantization string `json:"quantization" toml:"quantization"`
}

// ModelEntry is the registry's view of a model: a ModelSpec keyed by a
// friendly name.
type ModelEntry struct {
	Name         string `json:"name" toml:"name"`
	Repo         string `json:"repo" toml:"repo"`
	Filename     string `json:"filename" toml:"filename"`
	Quantization string `json:"quantization" toml:"quantization"`
}

// Spec projects a ModelEntry down to the fields the Asset Authority needs.
func (e ModelEntry) Spec() ModelSpec {
	return ModelSpec{Repo: e.Repo, Filename: e.Filename, Quantization: e.Quantization}
}

// ModelPurpose is the protocol-level purpose tag for a ModelDescriptor.
type ModelPurpose string

const (
	PurposeInference ModelPurpose = "Inference"
	PurposeEmbedding ModelPurpose = "Embedding"
)

// ModelDescriptor is the protocol view of a registry entry returned by
// ListModels.
type ModelDescriptor struct {
	ID      string       `json:"id"`
	Purpose ModelPurpose `json:"purpose"`
}
