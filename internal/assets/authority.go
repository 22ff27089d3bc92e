// Package assets implements the Asset Authority: registry resolution,
// cache probing, and streaming HTTP download with progress, publishing
// files atomically so the cache directory never exposes partial content.
package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/pkg/protocol"
)

var tracer = otel.Tracer("github.com/tmzt/genius/internal/assets")

// maxRedirects bounds the hop count a single download will follow.
const maxRedirects = 5

// defaultRepoHost is the artifact host used when resolving a ModelSpec's
// repo to a download URL.
const defaultRepoHost = "huggingface.co"

// Authority resolves model names to local, fully-downloaded files,
// downloading from the configured repo host on a cache miss.
type Authority struct {
	dirs     config.Dirs
	registry *registry
	client   *http.Client
	repoHost string
	scheme   string

	group singleflight.Group
}

// Option configures an Authority at construction.
type Option func(*Authority)

// WithRepoHost overrides the artifact host (default huggingface.co). Tests
// point this at an httptest.Server.
func WithRepoHost(host string) Option {
	return func(a *Authority) { a.repoHost = host }
}

// WithScheme overrides the URL scheme used to reach repoHost (default
// "https"). Tests pointing at an httptest.Server pass "http".
func WithScheme(scheme string) Option {
	return func(a *Authority) { a.scheme = scheme }
}

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Authority) { a.client = client }
}

// NewAuthority builds an Authority, creating the config and cache
// directories and loading the three-source registry.
func NewAuthority(dirs config.Dirs, opts ...Option) (*Authority, error) {
	reg, err := newRegistry(dirs)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	a := &Authority{
		dirs:     dirs,
		registry: reg,
		repoHost: defaultRepoHost,
		scheme:   "https",
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	log.Info().Str("config_dir", dirs.ConfigDir).Str("cache_dir", dirs.CacheDir).Msg("asset authority initialized")
	return a, nil
}

// EnsureModel is the blocking form: it drains EnsureModelStream and returns
// the final path after Complete, or the terminal error.
func (a *Authority) EnsureModel(ctx context.Context, name string) (string, error) {
	var path string
	for ev := range a.EnsureModelStream(ctx, name) {
		switch ev.Kind {
		case protocol.AssetComplete:
			path = ev.AbsolutePath
		case protocol.AssetError:
			return "", fmt.Errorf("%s", ev.Message)
		}
	}
	if path == "" {
		return "", fmt.Errorf("asset resolution for %q ended without a terminal event", name)
	}
	return path, nil
}

// EnsureModelStream drives the resolution algorithm from the Asset
// Authority spec: Started, lookup, cache probe, download-with-progress,
// exactly one terminal Complete or Error.
func (a *Authority) EnsureModelStream(ctx context.Context, name string) <-chan protocol.AssetEvent {
	out := make(chan protocol.AssetEvent, 16)

	go func() {
		defer close(out)
		out <- protocol.AssetStartedEvent(name)

		spec, ok := a.registry.resolve(name)
		if !ok {
			out <- protocol.AssetErrorEvent("Model '%s' not found in registry", name)
			return
		}

		path := filepath.Join(a.dirs.CacheDir, spec.Filename)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			out <- protocol.AssetCompleteEvent(path)
			return
		} else if err != nil && !os.IsNotExist(err) {
			out <- protocol.AssetErrorEvent("stat %s: %s", path, err)
			return
		}

		progress := make(chan protocol.AssetEvent, 16)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for ev := range progress {
				out <- ev
			}
		}()

		_, err, _ := a.group.Do(name, func() (interface{}, error) {
			return nil, a.download(ctx, spec, path, progress)
		})
		close(progress)
		<-drained

		if err != nil {
			out <- protocol.AssetErrorEvent("%s", err.Error())
			return
		}
		out <- protocol.AssetCompleteEvent(path)
	}()

	return out
}

// ListModels returns every registered entry.
func (a *Authority) ListModels() []protocol.ModelEntry {
	return a.registry.list()
}

// RecordModel persists a dynamically discovered model entry.
func (a *Authority) RecordModel(entry protocol.ModelEntry) error {
	return a.registry.record(entry)
}

// download streams spec's file from the repo host to finalPath, writing to
// a sibling .partial file and atomically renaming on success. On any
// failure the partial file is removed and finalPath is left untouched.
func (a *Authority) download(ctx context.Context, spec protocol.ModelSpec, finalPath string, progress chan<- protocol.AssetEvent) error {
	ctx, span := tracer.Start(ctx, "assets.download",
		trace.WithAttributes(
			attribute.String("repo", spec.Repo),
			attribute.String("filename", spec.Filename),
		))
	defer span.End()

	url := fmt.Sprintf("%s://%s/%s/resolve/main/%s", a.scheme, a.repoHost, spec.Repo, spec.Filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	partialPath := finalPath + ".partial"
	f, err := os.Create(partialPath)
	if err != nil {
		return fmt.Errorf("create partial file %s: %w", partialPath, err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(partialPath)
		}
	}()

	var current int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", partialPath, writeErr)
			}
			current += int64(n)
			progress <- protocol.AssetProgressEvent(current, total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			return fmt.Errorf("read response body for %s: %w", url, readErr)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", partialPath, err)
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		return fmt.Errorf("publish %s: %w", finalPath, err)
	}
	cleanup = false

	log.Info().Str("repo", spec.Repo).Str("filename", spec.Filename).
		Int64("bytes", current).Dur("elapsed", time.Since(start)).Msg("asset downloaded")
	return nil
}
