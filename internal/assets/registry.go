package assets

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/tmzt/genius/internal/config"
	"github.com/tmzt/genius/pkg/protocol"
)

//go:embed models.toml
var embeddedDefaults string

type registryFile struct {
	Models []protocol.ModelEntry `toml:"models"`
}

// registry is the in-memory mapping of friendly model names to ModelSpecs,
// built from three sources in precedence order: embedded defaults, then the
// config-dir manifest, then the cache-dir dynamic registry. Later sources
// overwrite earlier ones on name collision.
type registry struct {
	dirs config.Dirs

	mu      sync.RWMutex
	entries map[string]protocol.ModelEntry
}

func newRegistry(dirs config.Dirs) (*registry, error) {
	r := &registry{dirs: dirs, entries: make(map[string]protocol.ModelEntry)}

	if err := r.loadTOML(embeddedDefaults); err != nil {
		return nil, fmt.Errorf("parse embedded default registry: %w", err)
	}

	manifestPath := filepath.Join(dirs.ConfigDir, "manifest.toml")
	if content, err := os.ReadFile(manifestPath); err == nil {
		if err := r.loadTOML(string(content)); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", manifestPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read manifest %s: %w", manifestPath, err)
	}

	dynamicPath := filepath.Join(dirs.CacheDir, "registry.toml")
	if content, err := os.ReadFile(dynamicPath); err == nil {
		if err := r.loadTOML(string(content)); err != nil {
			return nil, fmt.Errorf("parse dynamic registry %s: %w", dynamicPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read dynamic registry %s: %w", dynamicPath, err)
	}

	log.Info().Int("models", len(r.entries)).Msg("model registry loaded")
	return r, nil
}

func (r *registry) loadTOML(content string) error {
	var file registryFile
	if _, err := toml.Decode(content, &file); err != nil {
		return err
	}
	for _, entry := range file.Models {
		r.entries[entry.Name] = entry
	}
	return nil
}

// resolve returns the ModelSpec for name, if registered.
func (r *registry) resolve(name string) (protocol.ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return protocol.ModelSpec{}, false
	}
	return entry.Spec(), true
}

// list returns every registered entry, for ListModels.
func (r *registry) list() []protocol.ModelEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ModelEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	return out
}

// record adds or replaces entry in the in-memory map and persists the
// dynamic registry file under the cache directory, preserving existing
// entries. Writes are serialized by the registry's mutex.
func (r *registry) record(entry protocol.ModelEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[entry.Name] = entry

	dynamicPath := filepath.Join(r.dirs.CacheDir, "registry.toml")
	existing := map[string]protocol.ModelEntry{}
	if content, err := os.ReadFile(dynamicPath); err == nil {
		var file registryFile
		if _, err := toml.Decode(string(content), &file); err == nil {
			for _, e := range file.Models {
				existing[e.Name] = e
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read dynamic registry %s: %w", dynamicPath, err)
	}

	existing[entry.Name] = entry

	merged := registryFile{Models: make([]protocol.ModelEntry, 0, len(existing))}
	for _, e := range existing {
		merged.Models = append(merged.Models, e)
	}

	f, err := os.Create(dynamicPath)
	if err != nil {
		return fmt.Errorf("create dynamic registry %s: %w", dynamicPath, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(merged); err != nil {
		return fmt.Errorf("write dynamic registry %s: %w", dynamicPath, err)
	}
	return nil
}

// InferNameFromRepo derives a friendly registry name from a bare "org/repo"
// string, per the CLI download subcommand's fallback when given a repo that
// has no existing registry entry: the repo's last path segment, lowercased.
func InferNameFromRepo(repo string) string {
	repo = strings.TrimSuffix(repo, "/")
	if i := strings.LastIndexByte(repo, '/'); i >= 0 {
		return strings.ToLower(repo[i+1:])
	}
	return strings.ToLower(repo)
}
