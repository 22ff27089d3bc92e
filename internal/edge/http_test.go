package edge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmzt/genius/internal/assets"
	"github.com/tmzt/genius/internal/bus"
	genconfig "github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/internal/edge"
	"github.com/tmzt/genius/internal/engine"
	"github.com/tmzt/genius/internal/orchestrator"
	"github.com/tmzt/genius/pkg/protocol"
)

// newFixtureAuthority builds an Authority backed by an httptest model
// source, the same fixture shape internal/orchestrator's tests use.
func newFixtureAuthority(t *testing.T) *assets.Authority {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := []byte("fixture-weights")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	t.Cleanup(srv.Close)

	base := t.TempDir()
	dirs := genconfig.Dirs{
		ConfigDir: filepath.Join(base, "config"),
		CacheDir:  filepath.Join(base, "cache"),
	}
	require.NoError(t, os.MkdirAll(dirs.ConfigDir, 0o755))
	require.NoError(t, os.MkdirAll(dirs.CacheDir, 0o755))

	a, err := assets.NewAuthority(dirs,
		assets.WithRepoHost(srv.Listener.Addr().String()),
		assets.WithScheme("http"),
	)
	require.NoError(t, err)
	return a
}

// startStack wires a real orchestrator (StubEngine + fixture authority) to
// a bus, and returns an Edge plus an httptest server fronting its HTTP
// router, with the "tiny-model" already loaded.
func startStack(t *testing.T) (*edge.Edge, *httptest.Server) {
	t.Helper()
	authority := newFixtureAuthority(t)
	eng := engine.NewStubEngine()
	orch := orchestrator.New(eng, authority, genconfig.KeepAliveStrategy())

	inbound := make(chan protocol.Input, 8)
	outbound := make(chan protocol.Output, 256)
	b := bus.New()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(b.Close)

	go orch.Run(ctx, inbound, outbound)
	go func() {
		for out := range outbound {
			b.Publish(out)
		}
	}()

	e := edge.New(inbound, b)

	// Load the default model synchronously before returning so handlers
	// that cold-reload still find the registry entry resolvable, and so
	// inference requests don't pay a cold-reload delay in every test.
	_, subCh, subCancel := b.Subscribe()
	inbound <- protocol.Input{ID: strPtr("warm"), Command: protocol.LoadModelCommand("tiny-model")}
	waitForComplete(t, subCh, "warm")
	subCancel()

	cfg := genconfig.ServerConfig{Addr: "127.0.0.1:0", WSAddr: "127.0.0.1:0"}
	srv := httptest.NewServer(edge.NewHTTPRouter(e, cfg))
	t.Cleanup(srv.Close)

	return e, srv
}

func strPtr(s string) *string { return &s }

func waitForComplete(t *testing.T, ch <-chan protocol.Output, id string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case out := <-ch:
			if out.ID == nil || *out.ID != id {
				continue
			}
			if out.Body.Kind == protocol.BodyAsset && out.Body.Asset.Kind == protocol.AssetComplete {
				return
			}
			if out.Body.Kind == protocol.BodyAsset && out.Body.Asset.Kind == protocol.AssetError {
				t.Fatalf("load failed: %s", out.Body.Asset.Message)
			}
		case <-deadline:
			t.Fatal("timed out waiting for load to complete")
		}
	}
}

func TestHandleListModels(t *testing.T) {
	_, srv := startStack(t)

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, "list", list.Object)
	assert.NotEmpty(t, list.Data)
}

func TestHandleChatCompletions(t *testing.T) {
	_, srv := startStack(t)

	reqBody, _ := json.Marshal(map[string]any{
		"model": "tiny-model",
		"messages": []map[string]string{
			{"role": "user", "content": "Hello"},
		},
	})
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "chat.completion", out.Object)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
	assert.Equal(t, "Pinky says: Hello", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
}

func TestHandleEmbeddings(t *testing.T) {
	_, srv := startStack(t)

	reqBody, _ := json.Marshal(map[string]string{"model": "tiny-model", "input": "hello"})
	resp, err := http.Post(srv.URL+"/v1/embeddings", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Data, 1)
	assert.Len(t, out.Data[0].Embedding, 384)
}

func TestHandleGetConfig(t *testing.T) {
	_, srv := startStack(t)

	resp, err := http.Get(srv.URL + "/v1/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cfg struct {
		WSAddr string `json:"ws_addr"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, "127.0.0.1:0", cfg.WSAddr)
}

func TestHandleReset(t *testing.T) {
	_, srv := startStack(t)

	resp, err := http.Post(srv.URL+"/v1/engine/reset", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleIndex(t *testing.T) {
	_, srv := startStack(t)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}
