// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxThrottleBurst bounds how many bytes a single read may draw from
// the limiter's bucket at once.
const maxThrottleBurst = 256 * 1024

// ThrottledReader is an io.Reader with token-bucket rate limiting,
// wrapping a host session's response body so one greedy fetcher can't
// starve the others sharing the same downlink.
type ThrottledReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledReader wraps r with a bytesPerSec rate limit. If
// bytesPerSec <= 0, it returns r unwrapped (bypass), mirroring the
// teacher's write-side throttle.
func NewThrottledReader(ctx context.Context, r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}

	burst := int(bytesPerSec)
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}

	return &ThrottledReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Read implements io.Reader, waiting for enough tokens before issuing
// the underlying read. The read is capped to the burst size so one
// call never needs to reserve more tokens than the bucket can hold.
func (tr *ThrottledReader) Read(p []byte) (int, error) {
	if len(p) > tr.limiter.Burst() {
		p = p[:tr.limiter.Burst()]
	}
	if err := tr.limiter.WaitN(tr.ctx, len(p)); err != nil {
		return 0, err
	}
	return tr.r.Read(p)
}
