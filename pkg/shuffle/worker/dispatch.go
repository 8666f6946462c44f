// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package worker composes pkg/shuffle/fetch and pkg/shuffle/localfetch
// into a runnable pool of host-session drivers: the per-slot dispatch
// between the HTTP and local-disk paths (spec.md §4.1 step 3), the
// goroutine pool that pulls host assignments off the scheduler's queue,
// and the periodic stats reporter. Nothing here is part of the fetch
// protocol itself — it is the ambient plumbing a deployable worker
// process needs around it.
package worker

import (
	"context"
	"log/slog"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/fetch"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/localfetch"
)

// Dispatcher is one pool slot's top-level runOnce: it asks the
// scheduler for the host's pending outputs exactly once, then routes to
// the local-disk bypass when the assignment is this worker's own host
// and local fetch is enabled, or to the HTTP path otherwise. Both paths
// share one StopSignal so a single Shutdown reaches whichever is live.
type Dispatcher struct {
	HTTP  *fetch.Fetcher
	Local *localfetch.Fetcher // nil when local fetch is disabled

	LocalEnabled  bool
	LocalHostPort string

	Scheduler shuffle.Scheduler
}

// RunOnce executes one full host assignment to completion, exactly as
// spec.md §4.1 describes: empty assignment returns immediately with no
// further scheduler calls, otherwise the chosen path runs and, on every
// exit, FreeHost is called and anything left in the pending set is put
// back with the legacy head-last ordering.
func (d *Dispatcher) RunOnce(ctx context.Context, host *shuffle.MapHost) error {
	if d.LocalEnabled && d.Local != nil && host.Identifier == d.LocalHostPort {
		return d.runLocal(host)
	}
	return d.HTTP.RunOnce(ctx, host)
}

func (d *Dispatcher) runLocal(host *shuffle.MapHost) error {
	pendingIDs := d.Scheduler.MapsForHost(host)
	if len(pendingIDs) == 0 {
		return nil
	}

	pending := fetch.NewPendingSet(pendingIDs)
	err := d.Local.RunOnce(host, pending)

	d.Scheduler.FreeHost(host)
	pending.PutBackAll(func(id shuffle.InputAttemptIdentifier) {
		d.Scheduler.PutBackKnownMapOutput(host, id)
	})

	return err
}

// SetLogger swaps the HTTP path's logger. The pool uses this to give
// each host session its own dedicated log file while a run is in
// flight; it is only ever called between RunOnce calls on the same
// slot, never concurrently with one.
func (d *Dispatcher) SetLogger(l *slog.Logger) {
	d.HTTP.Logger = l
}

// Shutdown trips the shared stop signal for this slot and preempts any
// blocked HTTP read, mirroring fetch.Fetcher.Shutdown. The local path
// has no blocking I/O to preempt beyond a single file read, so it only
// needs to observe the flag at its own checkpoint.
func (d *Dispatcher) Shutdown() {
	d.HTTP.Shutdown()
}
