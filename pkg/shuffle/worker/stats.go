// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
)

// StatsReporter periodically logs the fetcher's error counters and
// fetch counts alongside this host's disk and load pressure, so an
// operator watching logs can correlate a spike in ioErrs with the
// machine running low on resources. The collection shape (ticker,
// cancel-context goroutine, single structured log line) mirrors the
// teacher's own daemon stats reporter; the system sampling mirrors its
// system monitor.
type StatsReporter struct {
	counters *shuffle.Counters
	logger   *slog.Logger
	interval time.Duration
	diskPath string

	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter builds a reporter that logs every interval.
// diskPath is the filesystem path whose free space is sampled — the
// allocator's spill directory is the natural choice.
func NewStatsReporter(counters *shuffle.Counters, logger *slog.Logger, interval time.Duration, diskPath string) *StatsReporter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &StatsReporter{
		counters: counters,
		logger:   logger,
		interval: interval,
		diskPath: diskPath,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic reporting goroutine.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel
	sr.startTime = time.Now()

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop cancels the goroutine and waits for it to exit.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	snap := sr.counters.Snapshot()
	uptime := time.Since(sr.startTime).Seconds()

	attrs := []any{
		"uptime_seconds", int64(uptime),
		"fetch_successes", snap.FetchSuccesses,
		"fetch_failures", snap.FetchFailures,
		"connection_errs", snap.ConnectionErrs,
		"io_errs", snap.IOErrs,
		"wrong_length_errs", snap.WrongLengthErrs,
		"bad_id_errs", snap.BadIDErrs,
		"wrong_map_errs", snap.WrongMapErrs,
		"wrong_reduce_errs", snap.WrongReduceErrs,
	}

	if d, err := disk.Usage(sr.diskPath); err == nil {
		attrs = append(attrs, "disk_used_percent", d.UsedPercent, "disk_free_bytes", d.Free)
	} else {
		sr.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		attrs = append(attrs, "load1", l.Load1)
	} else {
		sr.logger.Debug("failed to collect load stats", "error", err)
	}

	sr.logger.Info("fetcher stats", attrs...)
}
