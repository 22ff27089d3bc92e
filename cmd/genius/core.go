package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tmzt/genius/internal/assets"
	"github.com/tmzt/genius/internal/bus"
	genconfig "github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/internal/engine"
	"github.com/tmzt/genius/internal/orchestrator"
	"github.com/tmzt/genius/pkg/protocol"
)

// core bundles a running orchestrator with the bus every caller —
// including concurrent warmup goroutines and, in serve, the edge — reads
// responses through. Everything downstream of the orchestrator's single
// outbound channel goes through the bus so multiple readers never race
// over the same channel.
type core struct {
	inbound chan protocol.Input
	bus     *bus.Bus
	cancel  context.CancelFunc
}

// buildEngine selects StubEngine or OllamaEngine from the --engine flag
// value, falling back to GENIUS_ENGINE, defaulting to the stub the way
// spec.md §4.4 describes "used when no native backend is compiled".
func buildEngine(engineFlag string) engine.Engine {
	kind := engineFlag
	if kind == "" {
		kind = os.Getenv("GENIUS_ENGINE")
	}
	switch kind {
	case "ollama":
		endpoint := os.Getenv("GENIUS_OLLAMA_ENDPOINT")
		return engine.NewOllamaEngine(endpoint)
	default:
		return engine.NewStubEngine()
	}
}

// buildAuthority resolves the on-disk layout and constructs the Asset
// Authority used by every subcommand.
func buildAuthority() (*assets.Authority, genconfig.Dirs, error) {
	dirs, err := genconfig.ResolveDirs()
	if err != nil {
		return nil, genconfig.Dirs{}, fmt.Errorf("resolve directories: %w", err)
	}
	authority, err := assets.NewAuthority(dirs)
	if err != nil {
		return nil, genconfig.Dirs{}, fmt.Errorf("build asset authority: %w", err)
	}
	return authority, dirs, nil
}

// startCore boots an orchestrator against eng/authority/strategy, bridging
// its outbound channel onto a bus so run() (and, for serve, the edge) can
// subscribe independently. cancel stops the orchestrator loop.
func startCore(ctx context.Context, eng engine.Engine, authority *assets.Authority, strategy genconfig.HibernationStrategy) *core {
	runCtx, cancel := context.WithCancel(ctx)
	inbound := make(chan protocol.Input, 32)
	outbound := make(chan protocol.Output, 256)
	b := bus.New()

	orch := orchestrator.New(eng, authority, strategy)
	go orch.Run(runCtx, inbound, outbound)
	go func() {
		for out := range outbound {
			b.Publish(out)
		}
	}()

	return &core{inbound: inbound, bus: b, cancel: cancel}
}

// run submits command under id, invoking onEvent for every Output carrying
// that id, and returns once a terminal response is observed: an Error body,
// Event(Complete), a ModelList, or, for LoadModel, the terminal Asset
// Complete or Error. Safe
// to call from multiple goroutines concurrently — each call owns its own
// bus subscription.
func (c *core) run(id string, command protocol.Command, onEvent func(protocol.Output)) error {
	_, events, cancel := c.bus.Subscribe()
	defer cancel()

	c.inbound <- protocol.Input{ID: &id, Command: command}

	deadline := time.After(5 * time.Minute)
	for {
		select {
		case out, ok := <-events:
			if !ok {
				return fmt.Errorf("core closed before a terminal response for %q", id)
			}
			if out.ID == nil || *out.ID != id {
				continue
			}
			onEvent(out)
			switch out.Body.Kind {
			case protocol.BodyError:
				return fmt.Errorf("%s", out.Body.Error)
			case protocol.BodyEvent:
				if out.Body.Event.Kind == protocol.EventComplete {
					return nil
				}
			case protocol.BodyModelList:
				return nil
			case protocol.BodyAsset:
				if command.Kind == protocol.CommandLoadModel {
					switch out.Body.Asset.Kind {
					case protocol.AssetComplete:
						return nil
					case protocol.AssetError:
						return fmt.Errorf("%s", out.Body.Asset.Message)
					}
				}
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for a terminal response for %q", id)
		}
	}
}
