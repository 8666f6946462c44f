// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scheduler provides an in-memory reference implementation of
// shuffle.Scheduler. It exists for tests and the local demo CLI; a real
// deployment's shuffle scheduler owns host discovery, retry escalation
// and output merging, all of which are out of scope for this repo
// (spec.md §1 Non-goals).
package scheduler

import (
	"sync"
	"time"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
)

// Outcome records one terminal disposition for a single output, kept
// for inspection by tests and the demo CLI's summary printout.
type Outcome struct {
	ID            shuffle.InputAttemptIdentifier
	Succeeded     bool
	ConnectFailed bool
	ReadError     bool
}

// Scheduler is a single-process, in-memory stand-in for the real
// shuffle scheduler. It hands out MapHost assignments from a queue and
// records every copySucceeded/copyFailed/putBackKnownMapOutput call it
// receives.
type Scheduler struct {
	mu sync.Mutex

	assignments chan *shuffle.MapHost
	outcomes    []Outcome
	localErrs   []error
	putBack     []shuffle.InputAttemptIdentifier
	freedHosts  int
}

// New builds a Scheduler with room for queueDepth pending assignments.
func New(queueDepth int) *Scheduler {
	return &Scheduler{assignments: make(chan *shuffle.MapHost, queueDepth)}
}

// Enqueue hands host to whichever fetcher next calls Assignments.
// Blocks if the queue is full, mirroring backpressure a real scheduler
// would apply to its own assignment production.
func (s *Scheduler) Enqueue(host *shuffle.MapHost) {
	s.assignments <- host
}

// Close signals no further assignments will be enqueued; fetchers
// ranging over Assignments exit their dispatch loop once it drains.
func (s *Scheduler) Close() {
	close(s.assignments)
}

// Assignments exposes the queue for a worker pool to range over.
func (s *Scheduler) Assignments() <-chan *shuffle.MapHost {
	return s.assignments
}

// MapsForHost implements shuffle.Scheduler: this reference always
// trusts the assignment's own Pending list, since it has no independent
// view of host state.
func (s *Scheduler) MapsForHost(host *shuffle.MapHost) []shuffle.InputAttemptIdentifier {
	out := make([]shuffle.InputAttemptIdentifier, len(host.Pending))
	copy(out, host.Pending)
	return out
}

// IdentifierForFetchedOutput implements shuffle.Scheduler. This
// reference's convention is that the wire mapId is exactly the
// identifier's path component, so resolution never fails.
func (s *Scheduler) IdentifierForFetchedOutput(mapID string, forReduce int32) (shuffle.InputAttemptIdentifier, error) {
	return shuffle.InputAttemptIdentifier{PathComponent: mapID}, nil
}

// CopySucceeded implements shuffle.Scheduler.
func (s *Scheduler) CopySucceeded(id shuffle.InputAttemptIdentifier, host *shuffle.MapHost, compressedLength, decompressedLength int64, elapsed time.Duration, output *shuffle.MapOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, Outcome{ID: id, Succeeded: true})
}

// CopyFailed implements shuffle.Scheduler.
func (s *Scheduler) CopyFailed(id shuffle.InputAttemptIdentifier, host *shuffle.MapHost, connectFailed, readError bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, Outcome{ID: id, ConnectFailed: connectFailed, ReadError: readError})
}

// ReportLocalError implements shuffle.Scheduler.
func (s *Scheduler) ReportLocalError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localErrs = append(s.localErrs, err)
}

// PutBackKnownMapOutput implements shuffle.Scheduler. This reference
// only records id (see PutBack); it does not re-enqueue the host, so
// nothing in a demo run picks the output up again.
func (s *Scheduler) PutBackKnownMapOutput(host *shuffle.MapHost, id shuffle.InputAttemptIdentifier) {
	s.mu.Lock()
	s.putBack = append(s.putBack, id)
	s.mu.Unlock()
}

// FreeHost implements shuffle.Scheduler.
func (s *Scheduler) FreeHost(host *shuffle.MapHost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freedHosts++
}

// Outcomes returns a snapshot of every recorded disposition.
func (s *Scheduler) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// LocalErrors returns a snapshot of every reported local error.
func (s *Scheduler) LocalErrors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.localErrs))
	copy(out, s.localErrs)
	return out
}

// PutBack returns a snapshot of every identifier returned to the pool.
func (s *Scheduler) PutBack() []shuffle.InputAttemptIdentifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shuffle.InputAttemptIdentifier, len(s.putBack))
	copy(out, s.putBack)
	return out
}

// FreedHosts returns how many times FreeHost has been called.
func (s *Scheduler) FreedHosts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freedHosts
}
