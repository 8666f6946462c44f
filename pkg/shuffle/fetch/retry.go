// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import (
	"errors"
	"net"
	"time"
)

// RetryController tracks the read-timeout retry budget for one host
// session; the budget is the fetcher's ReadTimeout. RetryController
// sets no read deadline of its own: a read only times out when the
// HTTP client used for the session imposes a timeout (for example
// http.Client.Timeout), and cmd/shuffle-fetcher builds its client
// without one.
type RetryController struct {
	budget     time.Duration
	retryStart time.Time
}

// NewRetryController builds a controller with the given retry budget.
func NewRetryController(budget time.Duration) *RetryController {
	return &RetryController{budget: budget}
}

// Reset clears the retry window. Called after every successful
// transfer (each host session starts with a fresh controller from
// NewRetryController), so the budget always
// measures time since the most recent progress rather than since the
// session began.
func (r *RetryController) Reset() {
	r.retryStart = time.Time{}
}

// ShouldRetry reports whether err is a read timeout eligible for
// another attempt. The first read timeout in a window always gets one
// retry; subsequent timeouts are only retried while still inside the
// budget measured from the first one.
func (r *RetryController) ShouldRetry(err error) bool {
	if !isReadTimeout(err) {
		return false
	}
	if r.retryStart.IsZero() {
		r.retryStart = time.Now()
		return true
	}
	return time.Since(r.retryStart) < r.budget
}

func isReadTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
