// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nishisan-dev/shuffle-fetcher/internal/logging"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
)

// AssignmentSource hands out host assignments to whichever pool slot
// asks next. pkg/shuffle/scheduler.Scheduler satisfies this; a real
// deployment's scheduler client would too.
type AssignmentSource interface {
	Assignments() <-chan *shuffle.MapHost
}

// Pool owns a fixed number of goroutines, each driving one Dispatcher
// in a loop against the scheduler's assignment queue until the queue
// drains or Stop is called. The shape — one goroutine per unit of work,
// a shared stop signal per slot, WaitGroup-joined shutdown — mirrors a
// cron-driven job scheduler's start/stop discipline, adapted here from
// a scheduled job list to a pull-based assignment queue.
type Pool struct {
	logger *slog.Logger
	source AssignmentSource
	slots  []*Dispatcher

	// SessionLogDir, when non-empty, gives every host session its own
	// debug-level log file under SessionLogDir/FetcherName/, fanned
	// out alongside the pool's base logger via a per-session logger.
	// Empty disables it.
	SessionLogDir string
	FetcherName   string

	wg     sync.WaitGroup
	cancel context.CancelFunc

	stopOnce sync.Once
}

// NewPool builds a pool with exactly len(slots) concurrent workers, one
// per Dispatcher in slots.
func NewPool(logger *slog.Logger, source AssignmentSource, slots []*Dispatcher) *Pool {
	return &Pool{logger: logger, source: source, slots: slots}
}

// Start launches one goroutine per slot. Each goroutine ranges over the
// assignment queue until it closes or ctx is cancelled, running one
// Dispatcher.RunOnce per assignment and logging (never panicking on)
// any error RunOnce returns — a single bad host session must not bring
// down the pool.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i, slot := range p.slots {
		p.wg.Add(1)
		go p.run(runCtx, i, slot)
	}

	p.logger.Info("worker pool started", "slots", len(p.slots))
}

func (p *Pool) run(ctx context.Context, slotIndex int, dispatcher *Dispatcher) {
	defer p.wg.Done()
	slotLogger := p.logger.With("slot", slotIndex)
	dispatcher.SetLogger(slotLogger)

	for {
		select {
		case <-ctx.Done():
			return
		case host, ok := <-p.source.Assignments():
			if !ok {
				return
			}
			p.runOne(ctx, slotIndex, slotLogger, dispatcher, host)
		}
	}
}

func (p *Pool) runOne(ctx context.Context, slotIndex int, slotLogger *slog.Logger, dispatcher *Dispatcher, host *shuffle.MapHost) {
	sessionLogger := slotLogger
	if p.SessionLogDir != "" {
		sessionID := host.Identifier + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
		enriched, closer, _, err := logging.NewSessionLogger(slotLogger, p.SessionLogDir, p.FetcherName, sessionID)
		if err != nil {
			slotLogger.Warn("failed to open session log file", "host", host.Identifier, "error", err)
		} else {
			sessionLogger = enriched
			defer closer.Close()
		}
		dispatcher.SetLogger(sessionLogger)
		defer dispatcher.SetLogger(slotLogger)
	}

	if err := dispatcher.RunOnce(ctx, host); err != nil {
		sessionLogger.Warn("host session ended with error", "host", host.Identifier, "error", err, "slot", slotIndex)
	}
}

// Stop is idempotent. It shuts down every slot's dispatcher
// cooperatively, cancels the pool's run context, and waits for every
// goroutine to exit before returning.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		for _, slot := range p.slots {
			slot.Shutdown()
		}
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.logger.Info("worker pool stopped")
	})
}
