package orchestrator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmzt/genius/internal/assets"
	genconfig "github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/internal/engine"
	"github.com/tmzt/genius/internal/orchestrator"
	"github.com/tmzt/genius/pkg/protocol"
)

func strPtr(s string) *string { return &s }

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

type collector struct {
	mu     sync.Mutex
	events []protocol.Output
}

func (c *collector) add(o protocol.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, o)
}

func (c *collector) snapshot() []protocol.Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Output(nil), c.events...)
}

func (c *collector) forID(id string) []protocol.Output {
	var out []protocol.Output
	for _, e := range c.snapshot() {
		if e.ID != nil && *e.ID == id {
			out = append(out, e)
		}
	}
	return out
}

func waitUntil(t *testing.T, d time.Duration, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func startOrchestrator(t *testing.T, orch *orchestrator.Orchestrator) (chan protocol.Input, *collector) {
	t.Helper()
	inbound := make(chan protocol.Input, 8)
	outbound := make(chan protocol.Output, 256)
	coll := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go orch.Run(ctx, inbound, outbound)
	go func() {
		for out := range outbound {
			coll.add(out)
		}
	}()

	return inbound, coll
}

// Scenario 1: echo-stub inference (spec.md §8 scenario 1).
func TestOrchestrator_EchoStubInference(t *testing.T) {
	authority := newFixtureAuthority(t)
	eng := engine.NewStubEngine()
	orch := orchestrator.New(eng, authority, genconfig.KeepAliveStrategy())
	inbound, coll := startOrchestrator(t, orch)

	inbound <- protocol.Input{ID: strPtr("load1"), Command: protocol.LoadModelCommand("tiny-model")}
	waitUntil(t, 2*time.Second, func() bool {
		events := coll.forID("load1")
		return len(events) > 0 && events[len(events)-1].Body.Kind == protocol.BodyAsset &&
			events[len(events)-1].Body.Asset.Kind == protocol.AssetComplete
	})

	inbound <- protocol.Input{ID: strPtr("r1"), Command: protocol.InferCommand(nil, "Hello", protocol.DefaultInferenceConfig())}
	waitUntil(t, 2*time.Second, func() bool {
		events := coll.forID("r1")
		return len(events) > 0 && events[len(events)-1].Body.Kind == protocol.BodyEvent &&
			events[len(events)-1].Body.Event.Kind == protocol.EventComplete
	})

	r1 := coll.forID("r1")
	require.Len(t, r1, 6)
	assert.Equal(t, protocol.EventProcessStart, r1[0].Body.Event.Kind)
	assert.Equal(t, protocol.EventThought, r1[1].Body.Event.Kind)
	assert.Equal(t, protocol.ThoughtStart, r1[1].Body.Event.Thought.Kind)
	assert.Equal(t, protocol.ThoughtDelta, r1[2].Body.Event.Thought.Kind)
	assert.Equal(t, "Narf!", r1[2].Body.Event.Thought.Delta)
	assert.Equal(t, protocol.ThoughtStop, r1[3].Body.Event.Thought.Kind)
	assert.Equal(t, protocol.EventContent, r1[4].Body.Event.Kind)
	assert.Equal(t, "Pinky says: Hello", r1[4].Body.Event.Content)
	assert.Equal(t, protocol.EventComplete, r1[5].Body.Event.Kind)

	load1 := coll.forID("load1")
	require.GreaterOrEqual(t, len(load1), 2)
	assert.Equal(t, protocol.AssetStarted, load1[0].Body.Asset.Kind)
	assert.Equal(t, protocol.AssetComplete, load1[len(load1)-1].Body.Asset.Kind)
}

// Scenario 2: cold reload after idle hibernation (spec.md §8 scenario 2).
func TestOrchestrator_ColdReload(t *testing.T) {
	authority := newFixtureAuthority(t)
	eng := engine.NewStubEngine()
	orch := orchestrator.New(eng, authority, genconfig.HibernateAfterStrategy(50*time.Millisecond))
	inbound, coll := startOrchestrator(t, orch)

	inbound <- protocol.Input{ID: strPtr("load1"), Command: protocol.LoadModelCommand("tiny-model")}
	waitUntil(t, 2*time.Second, func() bool { return eng.IsLoaded() })

	waitUntil(t, 2*time.Second, func() bool { return !eng.IsLoaded() })

	inbound <- protocol.Input{ID: strPtr("r2"), Command: protocol.InferCommand(nil, "x", protocol.DefaultInferenceConfig())}
	waitUntil(t, 2*time.Second, func() bool {
		events := coll.forID("r2")
		return len(events) > 0 && events[len(events)-1].Body.Kind == protocol.BodyEvent &&
			events[len(events)-1].Body.Event.Kind == protocol.EventComplete
	})

	r2 := coll.forID("r2")
	require.NotEmpty(t, r2)
	assert.Equal(t, protocol.EventComplete, r2[len(r2)-1].Body.Event.Kind)
}

// Scenario 3: registry miss (spec.md §8 scenario 3).
func TestOrchestrator_RegistryMiss(t *testing.T) {
	authority := newFixtureAuthority(t)
	eng := engine.NewStubEngine()
	orch := orchestrator.New(eng, authority, genconfig.KeepAliveStrategy())
	inbound, coll := startOrchestrator(t, orch)

	inbound <- protocol.Input{ID: strPtr("bad"), Command: protocol.LoadModelCommand("nonexistent")}
	waitUntil(t, 2*time.Second, func() bool {
		events := coll.forID("bad")
		return len(events) == 2
	})

	events := coll.forID("bad")
	require.Len(t, events, 2)
	assert.Equal(t, protocol.AssetStarted, events[0].Body.Asset.Kind)
	assert.Equal(t, protocol.AssetError, events[1].Body.Asset.Kind)
	assert.Contains(t, events[1].Body.Asset.Message, "nonexistent")
	assert.False(t, eng.IsLoaded())
}

// Scenario 4: concurrent callers each observe a complete, well-formed,
// uncorrupted sequence for their own id (spec.md §8 scenario 4).
func TestOrchestrator_ConcurrentCallersDoNotCorruptEachOthersStreams(t *testing.T) {
	authority := newFixtureAuthority(t)
	eng := engine.NewStubEngine()
	orch := orchestrator.New(eng, authority, genconfig.KeepAliveStrategy())
	inbound, coll := startOrchestrator(t, orch)

	inbound <- protocol.Input{ID: strPtr("load1"), Command: protocol.LoadModelCommand("tiny-model")}
	waitUntil(t, 2*time.Second, func() bool { return eng.IsLoaded() })

	inbound <- protocol.Input{ID: strPtr("A"), Command: protocol.InferCommand(nil, "from A", protocol.DefaultInferenceConfig())}
	inbound <- protocol.Input{ID: strPtr("B"), Command: protocol.InferCommand(nil, "from B", protocol.DefaultInferenceConfig())}

	waitUntil(t, 2*time.Second, func() bool {
		a, b := coll.forID("A"), coll.forID("B")
		return len(a) > 0 && a[len(a)-1].Body.Event.Kind == protocol.EventComplete &&
			len(b) > 0 && b[len(b)-1].Body.Event.Kind == protocol.EventComplete
	})

	for _, id := range []string{"A", "B"} {
		seq := coll.forID(id)
		require.Len(t, seq, 6, "id %s", id)
		assert.Equal(t, protocol.EventProcessStart, seq[0].Body.Event.Kind)
		assert.Equal(t, protocol.EventComplete, seq[5].Body.Event.Kind)
	}
}
