// Package config resolves the runtime's on-disk layout and the server-side
// settings (hibernation strategy, listen addresses, telemetry endpoint) from
// environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Dirs holds the two directories the Asset Authority and registry loader
// read and write.
type Dirs struct {
	ConfigDir string
	CacheDir  string
}

// ResolveDirs applies the precedence from the spec: config dir is env
// GENIUS_HOME, else env RUSTY_GENIUS_CONFIG_DIR, else the platform user
// config dir joined with "genius". Cache dir is env GENIUS_CACHE, else
// <config_dir>/cache. Both directories are created if missing.
func ResolveDirs() (Dirs, error) {
	var configDir string
	switch {
	case os.Getenv("GENIUS_HOME") != "":
		configDir = os.Getenv("GENIUS_HOME")
	case os.Getenv("RUSTY_GENIUS_CONFIG_DIR") != "":
		configDir = os.Getenv("RUSTY_GENIUS_CONFIG_DIR")
	default:
		base, err := os.UserConfigDir()
		if err != nil {
			return Dirs{}, fmt.Errorf("resolve user config dir: %w", err)
		}
		configDir = filepath.Join(base, "genius")
	}

	cacheDir := os.Getenv("GENIUS_CACHE")
	if cacheDir == "" {
		cacheDir = filepath.Join(configDir, "cache")
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return Dirs{}, fmt.Errorf("create config dir %s: %w", configDir, err)
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return Dirs{}, fmt.Errorf("create cache dir %s: %w", cacheDir, err)
	}

	return Dirs{ConfigDir: configDir, CacheDir: cacheDir}, nil
}

// HibernationKind discriminates the orchestrator's hibernation strategy.
type HibernationKind string

const (
	HibernationImmediate HibernationKind = "immediate"
	HibernationAfter     HibernationKind = "after"
	HibernationKeepAlive HibernationKind = "keep_alive"
)

// HibernationStrategy is one of Immediate, HibernateAfter(d), or KeepAlive.
type HibernationStrategy struct {
	Kind HibernationKind
	// After is only meaningful when Kind == HibernationAfter.
	After time.Duration
}

func ImmediateStrategy() HibernationStrategy {
	return HibernationStrategy{Kind: HibernationImmediate}
}

func HibernateAfterStrategy(d time.Duration) HibernationStrategy {
	return HibernationStrategy{Kind: HibernationAfter, After: d}
}

func KeepAliveStrategy() HibernationStrategy {
	return HibernationStrategy{Kind: HibernationKeepAlive}
}

// DefaultHibernateAfter is the spec default for HibernateAfter.
const DefaultHibernateAfter = 5 * time.Minute

// ServerConfig holds the settings the serve subcommand and HTTP/WS edge
// need. LoadServerConfig fills it from environment variables the way the
// teacher's config.Load does; the serve subcommand in cmd/genius does not
// call it and builds its ServerConfig from CLI flags instead.
type ServerConfig struct {
	Addr          string
	WSAddr        string
	Hibernation   HibernationStrategy
	ContextSize   uint32
	OTLPEndpoint  string
	OTELEnabled   bool
}

// LoadServerConfig reads the settings from the environment, falling back to
// defaults for unset variables.
func LoadServerConfig() ServerConfig {
	unloadAfter := envInt("GENIUS_UNLOAD_AFTER_SECONDS", int(DefaultHibernateAfter/time.Second))
	var strategy HibernationStrategy
	switch unloadAfter {
	case 0:
		strategy = ImmediateStrategy()
	case -1:
		strategy = KeepAliveStrategy()
	default:
		strategy = HibernateAfterStrategy(time.Duration(unloadAfter) * time.Second)
	}

	return ServerConfig{
		Addr:         envStr("GENIUS_ADDR", "127.0.0.1:8420"),
		WSAddr:       envStr("GENIUS_WS_ADDR", "127.0.0.1:8421"),
		Hibernation:  strategy,
		ContextSize:  uint32(envInt("GENIUS_CONTEXT_SIZE", 2048)),
		OTLPEndpoint: envStr("GENIUS_OTEL_ENDPOINT", ""),
		OTELEnabled:  envStr("GENIUS_OTEL_ENDPOINT", "") != "",
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
