// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shuffle

import "sync/atomic"

// Counter is a monotonic, concurrency-safe counter. It exists so
// Counters' fields can be passed around and incremented without every
// call site reaching for sync/atomic directly.
type Counter struct {
	v atomic.Int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() {
	c.v.Add(1)
}

// Add increments the counter by delta.
func (c *Counter) Add(delta int64) {
	c.v.Add(delta)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return c.v.Load()
}
