package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	genconfig "github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/pkg/protocol"
)

func newChatCmd() *cobra.Command {
	var model string
	var contextSize uint32
	var showThinking bool
	var engineFlag string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive line-at-a-time chat against the loaded engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng := buildEngine(engineFlag)
			authority, _, err := buildAuthority()
			if err != nil {
				return err
			}

			c := startCore(ctx, eng, authority, genconfig.ImmediateStrategy())
			defer c.cancel()

			cfg := protocol.DefaultInferenceConfig()
			cfg.ShowThinking = showThinking
			if contextSize > 0 {
				cs := contextSize
				cfg.ContextSize = &cs
			}
			var modelPtr *string
			if model != "" {
				modelPtr = &model
			}

			fmt.Println("genius chat — type a line and press enter; Ctrl-C to quit.")
			scanner := bufio.NewScanner(os.Stdin)
			reqNum := 0
			for {
				fmt.Print("> ")
				if !scanLine(ctx, scanner) {
					break
				}
				line := scanner.Text()
				if line == "" {
					continue
				}

				reqNum++
				id := fmt.Sprintf("chat-%d", reqNum)
				inThought := false
				err := c.run(id, protocol.InferCommand(modelPtr, line, cfg), func(out protocol.Output) {
					if out.Body.Kind != protocol.BodyEvent {
						return
					}
					switch out.Body.Event.Kind {
					case protocol.EventThought:
						handleThoughtPrinting(out.Body.Event.Thought, &inThought)
					case protocol.EventContent:
						fmt.Print(out.Body.Event.Content)
					case protocol.EventComplete:
						fmt.Println()
					}
				})
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %s\n", err.Error())
				}

				if ctx.Err() != nil {
					break
				}
			}

			if ctx.Err() != nil {
				os.Exit(130)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "model name to load (defaults to the last loaded model, then the engine default)")
	cmd.Flags().Uint32Var(&contextSize, "context-size", 0, "override the inference context size")
	cmd.Flags().BoolVar(&showThinking, "show-thinking", true, "print <think> blocks as they stream")
	cmd.Flags().StringVar(&engineFlag, "engine", "", "engine backend: stub or ollama (default: stub, or $GENIUS_ENGINE)")

	return cmd
}

func handleThoughtPrinting(t *protocol.ThoughtEvent, inThought *bool) {
	if t == nil {
		return
	}
	switch t.Kind {
	case protocol.ThoughtStart:
		*inThought = true
		fmt.Print("(thinking: ")
	case protocol.ThoughtDelta:
		fmt.Print(t.Delta)
	case protocol.ThoughtStop:
		*inThought = false
		fmt.Print(") ")
	}
}

// scanLine advances scanner unless ctx is already canceled, returning
// false at EOF or on cancellation.
func scanLine(ctx context.Context, scanner *bufio.Scanner) bool {
	if ctx.Err() != nil {
		return false
	}
	return scanner.Scan()
}
