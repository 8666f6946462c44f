// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/codec"
)

// drainLimit bounds how much of a stale response body cleanupConnection
// will drain in order to let the transport pool the underlying TCP
// connection. Beyond this it isn't worth the read; the transport will
// just open a new connection next time.
const drainLimit = 1 << 16

// ConnectionSession owns the single keep-alive HTTP connection backing
// one host session: the response body, the buffered reader layered over
// it, and the cleanup discipline that lets a concurrent Shutdown()
// preempt a blocked read without contending with the read itself.
//
// cleanupMu only ever guards the bookkeeping around swapping in or
// tearing down resp/reader, plus the bounded drain of a
// disconnect=false cleanup, which only the fetch goroutine itself
// performs. It is never held while transferOne's read is in flight,
// so a call to CleanupCurrentConnection from another goroutine can
// run — and close the body, unblocking the in-flight Read — while the
// fetch goroutine is parked inside transferOne.
type ConnectionSession struct {
	client      *http.Client
	auth        AuthProvider
	counters    *shuffle.Counters
	logger      *slog.Logger
	stop        *StopSignal
	readBytesPS int64

	cleanupMu sync.Mutex
	resp      *http.Response
	reader    *bufio.Reader
}

// NewConnectionSession constructs a session bound to one StopSignal.
// The signal is shared with the owning Fetcher so Shutdown can reach
// whichever session is currently live. readBytesPerSec throttles the
// response body read rate; zero disables throttling.
func NewConnectionSession(client *http.Client, auth AuthProvider, counters *shuffle.Counters, logger *slog.Logger, stop *StopSignal, readBytesPerSec int64) *ConnectionSession {
	return &ConnectionSession{client: client, auth: auth, counters: counters, logger: logger, stop: stop, readBytesPS: readBytesPerSec}
}

// Reader returns the buffered reader over the current response body,
// or nil if no connection is live. Only the fetch goroutine calls this.
func (s *ConnectionSession) Reader() *bufio.Reader {
	return s.reader
}

// Stopped reports whether the shared stop signal has tripped.
func (s *ConnectionSession) Stopped() bool {
	return s.stop.Stopped()
}

// SetupConnection issues the keep-alive GET for every identifier in
// remaining and validates the reply before wiring up the session's
// reader. It reports whole-host failures to scheduler itself — callers
// must not additionally report failures for a false return. Once the
// stop signal has tripped nothing is reported at all: a cooperative
// shutdown mid-setup is swallowed silently.
//
// The boolean passed to scheduler.CopyFailed as connectFailed is set
// equal to whether the TCP/HTTP round trip itself completed
// (connected), not its logical negation: when the round trip never
// completes, copyFailed is called with (connectFailed=false,
// readError=true); when it completes but the reply fails validation,
// it is called with (connectFailed=true, readError=false). This mirrors
// the asymmetric disposition the scheduler's retry accounting expects
// and must not be "corrected" without coordinating that accounting.
func (s *ConnectionSession) SetupConnection(ctx context.Context, host *shuffle.MapHost, remaining []shuffle.InputAttemptIdentifier, scheduler shuffle.Scheduler) bool {
	return s.setupConnection(ctx, host, remaining, scheduler, true)
}

// Reconnect re-establishes the connection after a read-timeout retry.
// Unlike SetupConnection, it never reports failures to scheduler on its
// own: the driver's retry path is only ever allowed to fail the head of
// remaining, not every id in it, so the whole-host reporting
// SetupConnection performs on a false return would double-report every
// non-head id (once here, once via the driver's own put-back). The
// caller is responsible for failing the head itself when Reconnect
// returns false.
func (s *ConnectionSession) Reconnect(ctx context.Context, host *shuffle.MapHost, remaining []shuffle.InputAttemptIdentifier, scheduler shuffle.Scheduler) bool {
	return s.setupConnection(ctx, host, remaining, scheduler, false)
}

func (s *ConnectionSession) setupConnection(ctx context.Context, host *shuffle.MapHost, remaining []shuffle.InputAttemptIdentifier, scheduler shuffle.Scheduler, reportFailures bool) bool {
	pathComponents := make([]string, len(remaining))
	for i, id := range remaining {
		pathComponents[i] = id.PathComponent
	}

	url, err := codec.BuildFetchURL(host.BaseURL, pathComponents, host.Partition, true)
	if err != nil {
		return s.failWholeHost(scheduler, host, remaining, false, reportFailures)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return s.failWholeHost(scheduler, host, remaining, false, reportFailures)
	}
	if err := s.auth.SignRequest(req); err != nil {
		return s.failWholeHost(scheduler, host, remaining, false, reportFailures)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.failWholeHost(scheduler, host, remaining, false, reportFailures)
	}

	if s.stop.Stopped() {
		resp.Body.Close()
		return false
	}

	if err := s.auth.VerifyReply(resp); err != nil || resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return s.failWholeHost(scheduler, host, remaining, true, reportFailures)
	}

	if s.stop.Stopped() {
		resp.Body.Close()
		return false
	}

	body := NewThrottledReader(ctx, resp.Body, s.readBytesPS)

	s.cleanupMu.Lock()
	s.resp = resp
	s.reader = bufio.NewReader(body)
	s.cleanupMu.Unlock()
	return true
}

// failWholeHost always accounts for the failed round trip in counters.
// It only reports the failure to scheduler for every id in remaining
// when reportFailures is set — the retry path passes false because it
// must only ever fail the head of remaining itself, not the whole set.
func (s *ConnectionSession) failWholeHost(scheduler shuffle.Scheduler, host *shuffle.MapHost, remaining []shuffle.InputAttemptIdentifier, connected, reportFailures bool) bool {
	s.counters.IOErrs.Inc()
	if !connected {
		s.counters.ConnectionErrs.Inc()
	}
	if !s.stop.Stopped() {
		s.logger.Warn("host session failed to establish",
			"host", host.Identifier, "connected", connected, "pending", len(remaining), "reportFailures", reportFailures)
		if reportFailures {
			for _, id := range remaining {
				scheduler.CopyFailed(id, host, connected, !connected)
			}
		}
	}
	return false
}

// CleanupCurrentConnection tears down the live connection, if any. When
// disconnect is false it best-effort drains a bounded amount of the
// body first so the transport may pool the underlying TCP connection;
// when true it closes immediately, leaving the body unread so the
// transport treats the connection as unfit for reuse.
//
// disconnect=false is only safe when called by the goroutine that owns
// the read (RunOnce's own end-of-session cleanup) — the drain reads
// from the same buffered reader the fetch loop uses, so a concurrent
// caller racing an in-flight read must pass disconnect=true instead.
// Closing resp.Body is what makes this safe to call from another
// goroutine at all: it unblocks a blocked read with an error.
func (s *ConnectionSession) CleanupCurrentConnection(disconnect bool) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	if s.resp == nil {
		return
	}
	if !disconnect && s.reader != nil {
		io.Copy(io.Discard, io.LimitReader(s.reader, drainLimit))
	}
	s.resp.Body.Close()
	s.resp = nil
	s.reader = nil
}
