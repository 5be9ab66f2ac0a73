package main

import (
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonardcser/pulse-edge/internal/cache"
	"github.com/leonardcser/pulse-edge/internal/channel"
	"github.com/leonardcser/pulse-edge/internal/config"
	"github.com/leonardcser/pulse-edge/internal/logger"
)

const cacheDaemonBinary = "pulse-edge-cache"

func main() {
	if err := logger.InitFromEnv(); err != nil {
		panic(err)
	}
	defer logger.Close()

	if err := newRootCommand().Execute(); err != nil {
		logger.Errorf("%v", err)
		config.Exitf("pulse-edge: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pulse-edge",
		Short: "Offline-first edge and realtime listener for the trend client",
		Long: `pulse-edge keeps the trend analysis client usable on flaky networks.

It serves the application through a network-first asset cache, keeps a
heartbeat-monitored realtime channel open, and exposes operator tools over MCP.
Configuration comes from PULSE_EDGE_* environment variables.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newListenCommand())
	cmd.AddCommand(newMCPCommand())
	cmd.AddCommand(newGetCommand())
	return cmd
}

// newChannel builds the realtime channel described by cfg.
func newChannel(cfg config.Config) (*channel.Channel, error) {
	url, err := cfg.ChannelEndpoint()
	if err != nil {
		return nil, err
	}
	d := channel.WebsocketDialer{}
	if cfg.Token != "" {
		d.Header = http.Header{"Authorization": {"Bearer " + cfg.Token}}
	}
	return channel.New(d, url,
		channel.WithReconnect(cfg.Reconnect),
		channel.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
		channel.WithReconnectInterval(cfg.ReconnectInterval),
		channel.WithHeartbeatInterval(cfg.HeartbeatInterval),
	), nil
}

// openCache connects to the cache daemon, starting it when nothing listens
// on sock yet.
func openCache(sock string) (cache.KV, error) {
	logger.Infof("Attempting to connect to cache daemon at %s", sock)
	client, err := connectCache(sock)
	if err == nil {
		return client, nil
	}
	logger.Warnf("Failed to connect to cache daemon: %v, attempting to start daemon", err)
	if startErr := startCacheDaemon(); startErr != nil {
		logger.Errorf("Failed to start cache daemon: %v", startErr)
	} else {
		logger.Infof("Cache daemon started successfully")
	}
	// wait for socket to appear
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c2, err2 := connectCache(sock)
		if err2 == nil {
			return c2, nil
		}
		err = err2
		time.Sleep(200 * time.Millisecond)
	}
	return nil, err
}

func connectCache(sock string) (cache.KV, error) {
	// quick probe
	conn, err := net.DialTimeout("unix", sock, 200*time.Millisecond)
	if err != nil {
		return nil, err
	}
	_ = conn.Close()
	return cache.NewClient(sock), nil
}

func startCacheDaemon() error {
	// 1) Try cache binary next to this executable
	if exePath, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exePath), cacheDaemonBinary)
		if _, statErr := os.Stat(sibling); statErr == nil {
			return spawn(sibling)
		}
	}
	// 2) Try PATH binary
	if path, err := exec.LookPath(cacheDaemonBinary); err == nil {
		return spawn(path)
	}
	// 3) Try local binary in current working directory (best-effort)
	if _, err := os.Stat("./" + cacheDaemonBinary); err == nil {
		return spawn("./" + cacheDaemonBinary)
	}
	return exec.ErrNotFound
}

func spawn(path string) error {
	cmd := exec.Command(path)
	cmd.Env = os.Environ()
	return cmd.Start()
}
