package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	genconfig "github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/pkg/protocol"
)

func newEmbedCmd() *cobra.Command {
	var model string
	var input string
	var engineFlag string

	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Embed a single input and print the resulting vector as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" {
				return fmt.Errorf("--input is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng := buildEngine(engineFlag)
			authority, _, err := buildAuthority()
			if err != nil {
				return err
			}

			c := startCore(ctx, eng, authority, genconfig.ImmediateStrategy())
			defer c.cancel()

			var modelPtr *string
			if model != "" {
				modelPtr = &model
			}

			var embedding []float32
			runErr := c.run("embed-1", protocol.EmbedCommand(modelPtr, input, protocol.DefaultInferenceConfig()), func(out protocol.Output) {
				if out.Body.Kind == protocol.BodyEvent && out.Body.Event.Kind == protocol.EventEmbedding {
					embedding = out.Body.Event.Embedding
				}
			})
			if isInterrupted(ctx, runErr) {
				os.Exit(130)
			}
			if runErr != nil {
				return runErr
			}
			if embedding == nil {
				return fmt.Errorf("engine returned no embedding")
			}

			enc := json.NewEncoder(os.Stdout)
			return enc.Encode(map[string]any{"embedding": embedding, "dimensions": len(embedding)})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model name to load (defaults to the last loaded model, then the engine default)")
	cmd.Flags().StringVar(&input, "input", "", "text to embed")
	cmd.Flags().StringVar(&engineFlag, "engine", "", "engine backend: stub or ollama (default: stub, or $GENIUS_ENGINE)")

	return cmd
}

func isInterrupted(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil
}
