// Package config loads pulse-edge settings from PULSE_EDGE_* environment
// variables and the optional precache manifest file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/leonardcser/pulse-edge/internal/channel"
)

// DefaultManifest is the app shell precached on install.
var DefaultManifest = []string{"/", "/manifest.json"}

type Config struct {
	// Origin is the application's own origin, e.g. https://app.example.com.
	Origin     string `env:"PULSE_EDGE_ORIGIN" envDefault:"http://localhost:5173"`
	Listen     string `env:"PULSE_EDGE_LISTEN" envDefault:"127.0.0.1:8787"`
	Production bool   `env:"PULSE_EDGE_PRODUCTION"`

	APIURL     string `env:"PULSE_EDGE_API_URL"`
	APIPrefix  string `env:"PULSE_EDGE_API_PREFIX" envDefault:"/api/"`
	DevAPIPort int    `env:"PULSE_EDGE_DEV_API_PORT" envDefault:"8000"`
	// Token is the bearer token sent with API calls and the channel handshake.
	Token string `env:"PULSE_EDGE_TOKEN"`

	CacheVersion    string `env:"PULSE_EDGE_CACHE_VERSION" envDefault:"v2"`
	CacheSocket     string `env:"PULSE_EDGE_CACHE_SOCK"`
	CacheDB         string `env:"PULSE_EDGE_CACHE_DB"`
	PrecacheFile    string `env:"PULSE_EDGE_PRECACHE_FILE"`
	DiscoverAssets  bool   `env:"PULSE_EDGE_DISCOVER_ASSETS"`
	EagerActivation bool   `env:"PULSE_EDGE_EAGER_ACTIVATION" envDefault:"true"`

	ChannelURL           string        `env:"PULSE_EDGE_WS_URL"`
	ChannelPath          string        `env:"PULSE_EDGE_WS_PATH" envDefault:"/ws"`
	Reconnect            bool          `env:"PULSE_EDGE_WS_RECONNECT" envDefault:"true"`
	MaxReconnectAttempts int           `env:"PULSE_EDGE_WS_MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectInterval    time.Duration `env:"PULSE_EDGE_WS_RECONNECT_INTERVAL" envDefault:"3s"`
	HeartbeatInterval    time.Duration `env:"PULSE_EDGE_WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and fills path defaults.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.CacheSocket == "" {
		cfg.CacheSocket = DefaultSocketPath()
	}
	if cfg.CacheDB == "" {
		cfg.CacheDB = DefaultDBPath()
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	return cfg, nil
}

// APIBaseURL resolves the REST API base: an explicit URL wins, production
// uses the same origin under /api, development a fixed local port.
func (c Config) APIBaseURL() string {
	if c.APIURL != "" {
		return strings.TrimRight(c.APIURL, "/")
	}
	if c.Production {
		return strings.TrimRight(c.Origin, "/") + "/api"
	}
	return "http://localhost:" + strconv.Itoa(c.DevAPIPort) + "/api"
}

// ChannelEndpoint returns the realtime URL, derived from Origin unless
// overridden.
func (c Config) ChannelEndpoint() (string, error) {
	if c.ChannelURL != "" {
		return c.ChannelURL, nil
	}
	return channel.DeriveURL(c.Origin, c.ChannelPath)
}

type manifestFile struct {
	Precache []string `yaml:"precache"`
}

// LoadManifest returns DefaultManifest followed by the paths listed under
// "precache" in the YAML file at path, without duplicates. An empty path
// yields DefaultManifest.
func LoadManifest(path string) ([]string, error) {
	out := append([]string(nil), DefaultManifest...)
	if path == "" {
		return out, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var mf manifestFile
	if err := yaml.Unmarshal(b, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(out))
	for _, p := range out {
		seen[p] = struct{}{}
	}
	for _, p := range mf.Precache {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func DefaultSocketPath() string {
	return filepath.Join(cacheDir(), "cache.sock")
}

func DefaultDBPath() string {
	return filepath.Join(cacheDir(), "cache.bbolt")
}

func cacheDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	return filepath.Join(home, ".cache", "pulse-edge")
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
