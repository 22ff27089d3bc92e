// Package orchestrator implements the single-threaded event loop that
// serializes access to the Engine, multiplexes inbound commands, drives the
// idle-hibernation timer, and performs implicit cold reloads.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tmzt/genius/internal/assets"
	"github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/internal/engine"
	"github.com/tmzt/genius/pkg/protocol"
)

var tracer = otel.Tracer("github.com/tmzt/genius/internal/orchestrator")

// Orchestrator owns the Engine and Asset Authority for its entire
// lifetime. It must not be shared across goroutines beyond the single Run
// loop — the engine is not guaranteed safe for concurrent calls.
type Orchestrator struct {
	engine    engine.Engine
	authority *assets.Authority
	strategy  config.HibernationStrategy

	lastActivity  time.Time
	lastModelName *string
}

// New constructs an Orchestrator. The engine and authority are owned for
// the orchestrator's lifetime.
func New(eng engine.Engine, authority *assets.Authority, strategy config.HibernationStrategy) *Orchestrator {
	return &Orchestrator{
		engine:    eng,
		authority: authority,
		strategy:  strategy,
	}
}

// Run drives the event loop until inbound is closed, ctx is canceled, or a
// Stop command is dispatched. outbound receives every Output this
// orchestrator emits; callers typically wire it to a bus.Bus's sink so
// every registered subscriber sees it.
func (o *Orchestrator) Run(ctx context.Context, inbound <-chan protocol.Input, outbound chan<- protocol.Output) {
	o.lastActivity = time.Now()
	log.Info().Msg("orchestrator started")

	for {
		infinite, wait := o.nextDeadline(ctx)

		var timer *time.Timer
		var timerCh <-chan time.Time
		if !infinite {
			timer = time.NewTimer(wait)
			timerCh = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			log.Info().Msg("orchestrator context canceled, shutting down")
			return

		case in, ok := <-inbound:
			stopTimer(timer)
			if !ok {
				log.Info().Msg("orchestrator inbound channel closed, shutting down")
				return
			}
			o.lastActivity = time.Now()
			if !o.dispatch(ctx, in, outbound) {
				log.Info().Msg("orchestrator received stop command")
				return
			}

		case <-timerCh:
			// Deadline expired with no command; loop to re-evaluate
			// hibernation at the top.
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// nextDeadline computes how long the loop should wait for the next Input
// before re-evaluating hibernation, performing the unload itself as a side
// effect when the idle deadline has already passed. infinite=true means
// "block until the next Input; don't wake up on a timer."
//
// Immediate is handled by dispatch unloading synchronously after each
// command returns (see the Open Question decision recorded in DESIGN.md),
// so here it behaves like an infinite deadline: there is nothing left to
// hibernate between commands.
func (o *Orchestrator) nextDeadline(ctx context.Context) (infinite bool, wait time.Duration) {
	switch o.strategy.Kind {
	case config.HibernationKeepAlive, config.HibernationImmediate:
		return true, 0
	case config.HibernationAfter:
		elapsed := time.Since(o.lastActivity)
		if elapsed >= o.strategy.After {
			o.hibernate(ctx)
			return true, 0
		}
		return false, o.strategy.After - elapsed
	default:
		return true, 0
	}
}

func (o *Orchestrator) hibernate(ctx context.Context) {
	if !o.engine.IsLoaded() {
		return
	}
	if err := o.engine.UnloadModel(ctx); err != nil {
		log.Warn().Err(err).Msg("hibernation unload failed, leaving engine state as-is")
		return
	}
	log.Info().Msg("orchestrator hibernating idle model")
}

// dispatch handles one Input and reports whether the loop should continue
// (false only for Stop).
func (o *Orchestrator) dispatch(ctx context.Context, in protocol.Input, outbound chan<- protocol.Output) bool {
	ctx, span := tracer.Start(ctx, "orchestrator.dispatch",
		trace.WithAttributes(attribute.String("command.kind", string(in.Command.Kind))))
	defer span.End()

	cont := true
	switch in.Command.Kind {
	case protocol.CommandLoadModel:
		o.handleLoadModel(ctx, in.ID, in.Command.ModelName, outbound)
	case protocol.CommandInfer:
		o.handleInfer(ctx, in.ID, in.Command, outbound)
	case protocol.CommandEmbed:
		o.handleEmbed(ctx, in.ID, in.Command, outbound)
	case protocol.CommandListModels:
		o.handleListModels(in.ID, outbound)
	case protocol.CommandReset:
		o.handleReset(ctx, in.ID, outbound)
	case protocol.CommandStop:
		cont = false
	default:
		outbound <- protocol.Output{ID: in.ID, Body: protocol.ErrorBody("unknown command kind %q", in.Command.Kind)}
	}

	if o.strategy.Kind == config.HibernationImmediate {
		o.hibernate(ctx)
	}
	return cont
}

func (o *Orchestrator) handleLoadModel(ctx context.Context, id *string, name string, outbound chan<- protocol.Output) {
	var path string
	var assetFailed bool

	for ev := range o.authority.EnsureModelStream(ctx, name) {
		outbound <- protocol.Output{ID: id, Body: protocol.AssetBody(ev)}
		switch ev.Kind {
		case protocol.AssetComplete:
			path = ev.AbsolutePath
		case protocol.AssetError:
			assetFailed = true
		}
	}
	if assetFailed {
		return
	}
	if path == "" {
		outbound <- protocol.Output{ID: id, Body: protocol.ErrorBody("asset resolution for %q ended without a terminal event", name)}
		return
	}

	if err := o.engine.LoadModel(ctx, path); err != nil {
		outbound <- protocol.Output{ID: id, Body: protocol.ErrorBody("%s", err.Error())}
		return
	}
	chosen := name
	o.lastModelName = &chosen
}

// coldReload resolves and loads a model when the engine is not currently
// loaded, choosing override, then the last loaded model, then the engine's
// own default. Asset progress is forwarded under id as a pre-inference
// preamble, per the Open Question (a) decision recorded in DESIGN.md.
func (o *Orchestrator) coldReload(ctx context.Context, id *string, override *string, outbound chan<- protocol.Output) error {
	if o.engine.IsLoaded() {
		return nil
	}

	name := o.engine.DefaultModel()
	switch {
	case override != nil:
		name = *override
	case o.lastModelName != nil:
		name = *o.lastModelName
	}

	var path string
	for ev := range o.authority.EnsureModelStream(ctx, name) {
		outbound <- protocol.Output{ID: id, Body: protocol.AssetBody(ev)}
		switch ev.Kind {
		case protocol.AssetComplete:
			path = ev.AbsolutePath
		case protocol.AssetError:
			return fmt.Errorf("Cold reload asset fail: %s", ev.Message)
		}
	}
	if path == "" {
		return fmt.Errorf("Cold reload asset fail: resolution for %q ended without a terminal event", name)
	}

	if err := o.engine.LoadModel(ctx, path); err != nil {
		return fmt.Errorf("Cold reload failed: %s", err.Error())
	}
	chosen := name
	o.lastModelName = &chosen
	return nil
}

func (o *Orchestrator) handleInfer(ctx context.Context, id *string, cmd protocol.Command, outbound chan<- protocol.Output) {
	if err := o.coldReload(ctx, id, cmd.Model, outbound); err != nil {
		outbound <- protocol.Output{ID: id, Body: protocol.ErrorBody("%s", err.Error())}
		return
	}
	for res := range o.engine.Infer(ctx, cmd.Prompt, cmd.Config) {
		if res.Err != nil {
			outbound <- protocol.Output{ID: id, Body: protocol.ErrorBody("%s", res.Err.Error())}
			continue
		}
		outbound <- protocol.Output{ID: id, Body: protocol.EventBody(*res.Event)}
	}
}

func (o *Orchestrator) handleEmbed(ctx context.Context, id *string, cmd protocol.Command, outbound chan<- protocol.Output) {
	if err := o.coldReload(ctx, id, cmd.Model, outbound); err != nil {
		outbound <- protocol.Output{ID: id, Body: protocol.ErrorBody("%s", err.Error())}
		return
	}
	for res := range o.engine.Embed(ctx, cmd.Input, cmd.Config) {
		if res.Err != nil {
			outbound <- protocol.Output{ID: id, Body: protocol.ErrorBody("%s", res.Err.Error())}
			continue
		}
		outbound <- protocol.Output{ID: id, Body: protocol.EventBody(*res.Event)}
	}
}

func (o *Orchestrator) handleListModels(id *string, outbound chan<- protocol.Output) {
	entries := o.authority.ListModels()
	descriptors := make([]protocol.ModelDescriptor, 0, len(entries))
	for _, e := range entries {
		descriptors = append(descriptors, protocol.ModelDescriptor{ID: e.Name, Purpose: purposeForEntry(e)})
	}
	outbound <- protocol.Output{ID: id, Body: protocol.ModelListBody(descriptors)}
}

// purposeForEntry has no registry-level purpose field to read (ModelEntry
// only carries repo/filename/quantization, per spec.md §3), so it infers
// Embedding for names that say so and Inference otherwise.
func purposeForEntry(e protocol.ModelEntry) protocol.ModelPurpose {
	if strings.Contains(strings.ToLower(e.Name), "embed") {
		return protocol.PurposeEmbedding
	}
	return protocol.PurposeInference
}

func (o *Orchestrator) handleReset(ctx context.Context, id *string, outbound chan<- protocol.Output) {
	if err := o.engine.UnloadModel(ctx); err != nil {
		log.Warn().Err(err).Msg("reset: unload failed")
	}
	outbound <- protocol.Output{ID: id, Body: protocol.EventBody(protocol.CompleteEvent())}
}
