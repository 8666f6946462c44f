// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import (
	"errors"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
)

// Errors returned by verifySanity. Each corresponds to one of the
// dedicated protocol counters so callers know which one to increment.
var (
	errWrongLength = errors.New("fetch: negative payload length in header")
	errWrongReduce = errors.New("fetch: header forReduce does not match this partition")
	errWrongMap    = errors.New("fetch: header identifies an output not in the pending set")
)

// verifySanity checks a parsed header against the session's own
// expectations before any bytes of the payload are trusted: the
// lengths must be non-negative, the partition must match this
// fetcher's own, and the resolved identifier must still be one this
// session is waiting on. Each failure increments its matching counter
// before returning.
func verifySanity(header *shuffle.ShuffleHeader, partition int32, pending *PendingSet, resolvedID *shuffle.InputAttemptIdentifier, counters *shuffle.Counters) error {
	if header.CompressedLength < 0 || header.UncompressedLength < 0 {
		counters.WrongLengthErrs.Inc()
		return errWrongLength
	}
	if header.ForReduce != partition {
		counters.WrongReduceErrs.Inc()
		return errWrongReduce
	}
	if resolvedID == nil || !pending.Contains(*resolvedID) {
		counters.WrongMapErrs.Inc()
		return errWrongMap
	}
	return nil
}
