// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package fetch implements the HTTP host-session driver: connection
// setup and teardown, the read-timeout retry controller, per-output
// transfer, and the top-level runOnce routine that composes them.
package fetch

import "sync/atomic"

// StopSignal is the cooperative shutdown flag shared between a
// fetcher's own goroutine and whatever goroutine calls Shutdown. Apart
// from the live connection, which Shutdown closes under
// ConnectionSession's cleanup mutex, everything else in a host session
// belongs to the fetch goroutine alone.
type StopSignal struct {
	flag atomic.Bool
}

// Stop marks the signal tripped. Idempotent.
func (s *StopSignal) Stop() {
	s.flag.Store(true)
}

// Stopped reports whether Stop has been called.
func (s *StopSignal) Stopped() bool {
	return s.flag.Load()
}
