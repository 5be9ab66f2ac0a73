package main

import (
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/leonardcser/pulse-edge/internal/cache"
	"github.com/leonardcser/pulse-edge/internal/config"
	"github.com/leonardcser/pulse-edge/internal/logger"
)

func main() {
	if err := logger.InitFromEnv(); err != nil {
		panic(err)
	}
	defer logger.Close()

	cfg, err := config.Load()
	if err != nil {
		config.Exitf("pulse-edge-cache: %v", err)
	}

	// Ensure socket dir exists and remove stale socket
	_ = os.MkdirAll(filepath.Dir(cfg.CacheSocket), 0o755)
	_ = os.MkdirAll(filepath.Dir(cfg.CacheDB), 0o755)
	_ = os.Remove(cfg.CacheSocket)

	l, err := net.Listen("unix", cfg.CacheSocket)
	if err != nil {
		config.Exitf("pulse-edge-cache: listen %s: %v", cfg.CacheSocket, err)
	}
	_ = os.Chmod(cfg.CacheSocket, 0o600)

	store, err := cache.Open(cfg.CacheDB, cache.Options{})
	if err != nil {
		_ = l.Close()
		config.Exitf("pulse-edge-cache: open %s: %v", cfg.CacheDB, err)
	}
	defer store.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		_ = l.Close()
	}()

	logger.Infof("cache daemon serving %s on %s", cfg.CacheDB, cfg.CacheSocket)
	if err := cache.Serve(l, store); err != nil {
		logger.Errorf("cache daemon: %v", err)
	}
	_ = os.Remove(cfg.CacheSocket)
}
