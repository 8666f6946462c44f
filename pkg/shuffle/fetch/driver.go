// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
)

// Fetcher is one worker-pool slot's fetch driver: a stable identity, an
// HTTP client, a shared stop signal, and the collaborators it reports
// to. RunOnce is called once per host assignment handed out by the
// scheduler; Shutdown may be called concurrently from the worker pool's
// own shutdown path at any time.
type Fetcher struct {
	ID         string
	HTTPClient *http.Client
	Auth       AuthProvider
	Scheduler  shuffle.Scheduler
	Allocator  shuffle.Allocator
	Counters   *shuffle.Counters
	Logger     *slog.Logger

	ReadTimeout time.Duration
	Codec       shuffle.CompressionCodec
	ReadAhead   bool
	// ReadBytesPerSec throttles the response body read rate when
	// positive; zero (the default) disables throttling.
	ReadBytesPerSec int64

	stop      *StopSignal
	sessionMu sync.Mutex
	session   *ConnectionSession
}

// NewFetcher constructs a Fetcher. The caller owns client, auth,
// scheduler, allocator and counters and may share them across many
// Fetchers in a pool. stop may be nil, in which case the Fetcher
// allocates its own; pass a shared *StopSignal when a single logical
// fetcher dispatches between this HTTP driver and a local-disk driver
// and the two must observe the same shutdown.
func NewFetcher(id string, client *http.Client, auth AuthProvider, scheduler shuffle.Scheduler, allocator shuffle.Allocator, counters *shuffle.Counters, logger *slog.Logger, readTimeout time.Duration, codecKind shuffle.CompressionCodec, readAhead bool, stop *StopSignal) *Fetcher {
	if stop == nil {
		stop = &StopSignal{}
	}
	return &Fetcher{
		ID:          id,
		HTTPClient:  client,
		Auth:        auth,
		Scheduler:   scheduler,
		Allocator:   allocator,
		Counters:    counters,
		Logger:      logger,
		ReadTimeout: readTimeout,
		Codec:       codecKind,
		ReadAhead:   readAhead,
		stop:        stop,
	}
}

// Shutdown is idempotent. It trips the stop signal and, if a
// connection is currently live, force-closes it so any blocked read in
// RunOnce returns promptly. This must use disconnect=true: Shutdown
// runs on a foreign goroutine that may race the fetch goroutine's
// in-flight read of the same buffered reader, and the non-disconnecting
// path drains that reader before closing — safe only when called
// synchronously by the goroutine that owns the read, as RunOnce itself
// does at normal exit.
func (f *Fetcher) Shutdown() {
	f.stop.Stop()
	f.sessionMu.Lock()
	s := f.session
	f.sessionMu.Unlock()
	if s != nil {
		s.CleanupCurrentConnection(true)
	}
}

func (f *Fetcher) setSession(s *ConnectionSession) {
	f.sessionMu.Lock()
	f.session = s
	f.sessionMu.Unlock()
}

// RunOnce drives one host assignment end to end: it asks the scheduler
// which outputs are still believed pending, fetches each one (over
// HTTP), and on return always frees the host and puts back whatever
// remains unresolved, preserving the put-back fairness rule regardless
// of which exit path was taken.
func (f *Fetcher) RunOnce(ctx context.Context, host *shuffle.MapHost) error {
	pendingIDs := f.Scheduler.MapsForHost(host)
	if len(pendingIDs) == 0 {
		return nil
	}

	pending := NewPendingSet(pendingIDs)
	runErr := f.runHTTP(ctx, host, pending)

	f.Scheduler.FreeHost(host)
	pending.PutBackAll(func(id shuffle.InputAttemptIdentifier) {
		f.Scheduler.PutBackKnownMapOutput(host, id)
	})

	return runErr
}

func (f *Fetcher) runHTTP(ctx context.Context, host *shuffle.MapHost, pending *PendingSet) error {
	session := NewConnectionSession(f.HTTPClient, f.Auth, f.Counters, f.Logger, f.stop, f.ReadBytesPerSec)
	f.setSession(session)
	defer f.setSession(nil)

	if !session.SetupConnection(ctx, host, pending.List(), f.Scheduler) {
		if !f.stop.Stopped() {
			pending.Clear()
		}
		session.CleanupCurrentConnection(true)
		return nil
	}

	retry := NewRetryController(f.ReadTimeout)
	anyFailureRecorded := false
	yielded := false

fetchLoop:
	for !pending.Empty() {
		if f.stop.Stopped() {
			break fetchLoop
		}

		result := transferOne(ctx, host, pending, session, retry, f.Scheduler, f.Allocator, f.Counters, f.ID, f.Codec, f.ReadAhead)

		switch result.Outcome {
		case TransferSuccess:
			continue fetchLoop

		case TransferRetryReconnect:
			f.Logger.Debug("read timeout, reconnecting", "host", host.Identifier, "remaining", pending.Len())
			session.CleanupCurrentConnection(true)
			if f.stop.Stopped() {
				break fetchLoop
			}
			// Reconnect never reports to the scheduler itself: only the
			// head of remaining may be failed here, and every other
			// pending id must fall through untouched to the ordinary
			// put-back path below, not get failed twice.
			if session.Reconnect(ctx, host, pending.List(), f.Scheduler) {
				continue fetchLoop
			}
			if head, ok := pending.Head(); ok && !f.stop.Stopped() {
				f.Scheduler.CopyFailed(head, host, true, false)
				pending.Remove(head)
				anyFailureRecorded = true
			}
			break fetchLoop

		case TransferFailedIDs:
			for _, id := range result.Failed {
				f.Scheduler.CopyFailed(id, host, true, false)
				pending.Remove(id)
				anyFailureRecorded = true
			}
			break fetchLoop

		case TransferYield:
			yielded = true
			break fetchLoop

		case TransferStopped:
			break fetchLoop
		}
	}

	session.CleanupCurrentConnection(false)

	if !anyFailureRecorded && !pending.Empty() && !f.stop.Stopped() && !yielded {
		f.Logger.Error("protocol gap: stream ended with unexplained remaining outputs",
			"host", host.Identifier, "remaining", pending.Len())
		return fmt.Errorf("fetch: host %s closed the stream without accounting for every requested output", host.Identifier)
	}
	return nil
}
