package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tmzt/genius/internal/assets"
	"github.com/tmzt/genius/pkg/protocol"
)

func newDownloadCmd() *cobra.Command {
	var filename string
	var repo string
	var quantization string

	cmd := &cobra.Command{
		Use:   "download <name-or-repo>",
		Short: "Resolve a model by registry name (or register+fetch a bare org/repo) and fetch it into the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, _, err := buildAuthority()
			if err != nil {
				return err
			}

			name := args[0]
			if repo != "" {
				if filename == "" {
					return fmt.Errorf("--filename is required when registering a new repo")
				}
				entry := protocol.ModelEntry{Name: name, Repo: repo, Filename: filename, Quantization: quantization}
				if err := authority.RecordModel(entry); err != nil {
					return fmt.Errorf("record model %q: %w", name, err)
				}
				log.Info().Str("name", name).Str("repo", repo).Msg("registered new model entry")
			} else if entries := authority.ListModels(); !containsName(entries, name) && looksLikeRepo(name) {
				// Bare "org/repo" with no registered name and no --filename:
				// infer a friendly name the way facecrab/registry.rs's
				// record_model does, but we still need a filename to fetch,
				// so surface that requirement instead of guessing one.
				inferred := assets.InferNameFromRepo(name)
				return fmt.Errorf("repo %q is not registered; run `download %s --repo %s --filename <file>` to register it first", name, inferred, name)
			}

			return runDownload(cmd.Context(), authority, name)
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "register name as a new model backed by this HuggingFace repo before downloading")
	cmd.Flags().StringVar(&filename, "filename", "", "filename within --repo (required with --repo)")
	cmd.Flags().StringVar(&quantization, "quantization", "", "quantization label to record with --repo")

	return cmd
}

func containsName(entries []protocol.ModelEntry, name string) bool {
	for _, e := range entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

func looksLikeRepo(s string) bool {
	slash := -1
	for i, r := range s {
		if r == '/' {
			slash = i
			break
		}
	}
	return slash > 0 && slash < len(s)-1
}

func runDownload(ctx context.Context, authority *assets.Authority, name string) error {
	var lastTotal int64
	for ev := range authority.EnsureModelStream(ctx, name) {
		switch ev.Kind {
		case protocol.AssetStarted:
			fmt.Printf("resolving %s...\n", ev.Name)
		case protocol.AssetProgress:
			lastTotal = ev.TotalBytes
			if lastTotal > 0 {
				fmt.Printf("\r%s / %s", humanize.Bytes(uint64(ev.CurrentBytes)), humanize.Bytes(uint64(lastTotal)))
			} else {
				fmt.Printf("\r%s downloaded", humanize.Bytes(uint64(ev.CurrentBytes)))
			}
		case protocol.AssetComplete:
			fmt.Printf("\ndownloaded to %s\n", ev.AbsolutePath)
		case protocol.AssetError:
			fmt.Println()
			return fmt.Errorf("%s", ev.Message)
		}
	}
	return nil
}
