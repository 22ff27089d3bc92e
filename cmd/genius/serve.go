package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	genconfig "github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/internal/edge"
	"github.com/tmzt/genius/internal/telemetry"
	"github.com/tmzt/genius/pkg/protocol"
)

func newServeCmd() *cobra.Command {
	var addr, wsAddr, model string
	var noOpen bool
	var unloadAfter int
	var contextSize uint32
	var loadModels []string
	var engineFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot the HTTP + WebSocket edge on top of the core",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng := buildEngine(engineFlag)
			authority, _, err := buildAuthority()
			if err != nil {
				return err
			}

			strategy := strategyFromUnloadAfter(unloadAfter)

			shutdownTelemetry, err := telemetry.Init(os.Getenv("GENIUS_OTEL_ENDPOINT"))
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer shutdownTelemetry(context.Background())

			c := startCore(ctx, eng, authority, strategy)
			defer c.cancel()
			defer c.bus.Close()

			if model != "" {
				loadModels = append([]string{model}, loadModels...)
			}
			if len(loadModels) > 0 {
				if err := warmModels(ctx, c, loadModels); err != nil {
					return fmt.Errorf("warm up models: %w", err)
				}
			}

			e := edge.New(c.inbound, c.bus)
			cfg := genconfig.ServerConfig{
				Addr:        addr,
				WSAddr:      wsAddr,
				Hibernation: strategy,
				ContextSize: contextSize,
			}

			httpServer := &http.Server{
				Addr:         addr,
				Handler:      edge.NewHTTPRouter(e, cfg),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  120 * time.Second,
			}
			wsServer := &http.Server{
				Addr:    wsAddr,
				Handler: edge.NewWSRouter(e),
			}

			var g errgroup.Group
			g.Go(func() error {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("http edge: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("ws edge: %w", err)
				}
				return nil
			})

			log.Info().Str("addr", addr).Str("ws_addr", wsAddr).Msg("genius serve is up")
			if !noOpen {
				fmt.Printf("genius is listening on http://%s (ws on %s)\n", addr, wsAddr)
			}

			<-ctx.Done()
			log.Info().Msg("shutting down gracefully")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
			wsServer.Shutdown(shutdownCtx)

			if err := g.Wait(); err != nil {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "HTTP edge listen address")
	cmd.Flags().StringVar(&wsAddr, "ws-addr", "127.0.0.1:8421", "WebSocket edge listen address")
	cmd.Flags().StringVar(&model, "model", "", "model to load before serving")
	cmd.Flags().BoolVar(&noOpen, "no-open", false, "don't print the browser URL on startup")
	cmd.Flags().IntVar(&unloadAfter, "unload-after", int(genconfig.DefaultHibernateAfter/time.Second), "seconds of idle time before unloading (0=immediate, -1=never)")
	cmd.Flags().Uint32Var(&contextSize, "context-size", 2048, "default inference context size advertised to clients")
	cmd.Flags().StringArrayVar(&loadModels, "load-models", nil, "additional model names to warm up concurrently before accepting traffic")
	cmd.Flags().StringVar(&engineFlag, "engine", "", "engine backend: stub or ollama (default: stub, or $GENIUS_ENGINE)")

	return cmd
}

func strategyFromUnloadAfter(seconds int) genconfig.HibernationStrategy {
	switch {
	case seconds == 0:
		return genconfig.ImmediateStrategy()
	case seconds < 0:
		return genconfig.KeepAliveStrategy()
	default:
		return genconfig.HibernateAfterStrategy(time.Duration(seconds) * time.Second)
	}
}

// warmModels loads every named model concurrently, each submission
// serialized by the single-threaded orchestrator but issued from
// independent goroutines so CLI-side warmup latency overlaps.
func warmModels(ctx context.Context, c *core, names []string) error {
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			return c.run("warmup-"+name, protocol.LoadModelCommand(name), func(out protocol.Output) {
				if out.Body.Kind == protocol.BodyAsset {
					log.Info().Str("model", name).Str("phase", string(out.Body.Asset.Kind)).Msg("warming up model")
				}
			})
		})
	}
	return g.Wait()
}
