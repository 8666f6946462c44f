// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command shuffle-fetcher runs a pool of shuffle fetcher workers
// against the in-process reference scheduler and allocator: it loads
// the demo host assignments from its config file, enqueues them, and
// drives the pool until every assignment is accounted for (--once) or
// until SIGTERM/SIGINT (daemon mode). A real deployment would replace
// pkg/shuffle/scheduler.Scheduler and pkg/shuffle/allocator.MemoryAllocator
// with RPC clients to the actual shuffle scheduler and allocator
// services — this process wires the fetch machinery exactly the way
// either collaborator would use it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/nishisan-dev/shuffle-fetcher/internal/config"
	"github.com/nishisan-dev/shuffle-fetcher/internal/logging"
	"github.com/nishisan-dev/shuffle-fetcher/internal/pki"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/allocator"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/fetch"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/localfetch"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/scheduler"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/worker"
)

func main() {
	configPath := flag.String("config", "/etc/shuffle-fetcher/fetcher.yaml", "path to fetcher config file")
	once := flag.Bool("once", false, "enqueue the configured demo hosts, drain the pool, and exit")
	flag.Parse()

	cfg, err := config.LoadFetcherConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if *once {
		if err := runOnce(cfg, logger); err != nil {
			logger.Error("fetch run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func runOnce(cfg *config.FetcherConfig, logger *slog.Logger) error {
	pool, sched, stats, err := build(cfg, logger)
	if err != nil {
		return err
	}

	enqueueDemoHosts(cfg, sched)
	sched.Close()

	stats.Start()
	pool.Start(context.Background())
	pool.Stop()
	stats.Stop()
	return nil
}

func runDaemon(configPath string, cfg *config.FetcherConfig, logger *slog.Logger) error {
	pool, sched, stats, err := build(cfg, logger)
	if err != nil {
		return err
	}

	enqueueDemoHosts(cfg, sched)

	stats.Start()
	pool.Start(context.Background())

	logger.Info("shuffle-fetcher daemon started", "fetcher", cfg.Fetcher.ID, "pool_size", cfg.Pool.Size)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)
			if _, err := config.LoadFetcherConfig(configPath); err != nil {
				logger.Error("reload failed, keeping current config", "error", err)
				continue
			}
			logger.Info("config re-validated; restart the process to apply pool size or TLS changes")
			continue
		}

		logger.Info("received signal, shutting down", "signal", sig)
		stats.Stop()
		pool.Stop()
		return nil
	}
}

// build wires one worker pool, one in-memory scheduler, and one stats
// reporter from cfg: an HTTP client (optionally mTLS), one Dispatcher
// per pool slot sharing that client and a per-slot StopSignal, and the
// shared counters every slot and the stats reporter read from.
func build(cfg *config.FetcherConfig, logger *slog.Logger) (*worker.Pool, *scheduler.Scheduler, *worker.StatsReporter, error) {
	client, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("building HTTP client: %w", err)
	}

	sched := scheduler.New(cfg.Pool.Size * 4)
	spillDir := os.TempDir()
	if len(cfg.Local.LocalDirs) > 0 {
		spillDir = cfg.Local.LocalDirs[0]
	}
	alloc := allocator.NewMemoryAllocator(cfg.Pool.Size, 0, spillDir)
	counters := &shuffle.Counters{}

	codecKind := shuffle.CompressionGzip
	if cfg.Codec.Name == "zstd" {
		codecKind = shuffle.CompressionZstd
	}

	slots := make([]*worker.Dispatcher, cfg.Pool.Size)
	for i := range slots {
		slotID := cfg.Fetcher.ID + "-" + strconv.Itoa(i)
		stop := &fetch.StopSignal{}
		slotLogger := logger.With("slot", i)

		httpFetcher := fetch.NewFetcher(
			slotID, client, fetch.NoopAuth{}, sched, alloc, counters, slotLogger,
			cfg.Pool.ReadTimeout, codecKind, cfg.Codec.ReadAhead, stop,
		)
		httpFetcher.ReadBytesPerSec = cfg.Pool.ReadBytesPerSecRaw

		var localFetcher *localfetch.Fetcher
		if cfg.Local.Enabled {
			localFetcher = localfetch.NewFetcher(slotID, roundRobinDirs(cfg.Local.LocalDirs), sched, counters, stop, cfg.Local.OutputFile, cfg.Local.IndexFile)
		}

		slots[i] = &worker.Dispatcher{
			HTTP:          httpFetcher,
			Local:         localFetcher,
			LocalEnabled:  cfg.Local.Enabled,
			LocalHostPort: cfg.Fetcher.LocalHostPort,
			Scheduler:     sched,
		}
	}

	pool := worker.NewPool(logger, sched, slots)
	pool.SessionLogDir = cfg.Fetcher.SessionLogDir
	pool.FetcherName = cfg.Fetcher.ID
	stats := worker.NewStatsReporter(counters, logger, cfg.Stats.Interval, spillDir)
	return pool, sched, stats, nil
}

func buildHTTPClient(cfg *config.FetcherConfig) (*http.Client, error) {
	transport := &http.Transport{
		DisableKeepAlives:   false,
		MaxIdleConnsPerHost: 8,
	}

	if cfg.TLS.Enabled() {
		tlsCfg, err := pki.NewClientTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	}

	return &http.Client{Transport: transport, Timeout: 0}, nil
}

func enqueueDemoHosts(cfg *config.FetcherConfig, sched *scheduler.Scheduler) {
	for _, h := range cfg.Demo {
		pending := make([]shuffle.InputAttemptIdentifier, len(h.Pending))
		for i, pc := range h.Pending {
			pending[i] = shuffle.InputAttemptIdentifier{PathComponent: pc}
		}
		sched.Enqueue(&shuffle.MapHost{
			Identifier: h.Identifier,
			BaseURL:    h.BaseURL,
			Partition:  h.Partition,
			Pending:    pending,
		})
	}
}

// roundRobinDirs builds a localfetch.DirAllocator over dirs: each
// Resolve probes the directories, starting from a position that
// advances by one per call, and returns the first that holds
// pathComponent.
func roundRobinDirs(dirs []string) localfetch.DirAllocator {
	return &dirCycle{dirs: dirs}
}

type dirCycle struct {
	mu   sync.Mutex
	dirs []string
	next int
}

func (d *dirCycle) Resolve(pathComponent string) (string, error) {
	if len(d.dirs) == 0 {
		return "", fmt.Errorf("localfetch: no local directories configured")
	}
	d.mu.Lock()
	start := d.next
	d.next++
	d.mu.Unlock()
	for i := range d.dirs {
		dir := d.dirs[(start+i)%len(d.dirs)]
		if _, err := os.Stat(filepath.Join(dir, pathComponent)); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("localfetch: %s not found in any local directory", pathComponent)
}
