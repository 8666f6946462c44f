// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/codec"
)

// TransferOutcome classifies how one call to transferOne ended. It
// replaces the exception-based signaling the original retry loop used:
// every branch the host session driver needs is a distinct value here,
// matched once at the call site in runHTTP.
type TransferOutcome int

const (
	// TransferSuccess delivered exactly one output; the session should
	// loop back for the next one.
	TransferSuccess TransferOutcome = iota
	// TransferRetryReconnect hit a read timeout inside the retry
	// budget; the caller must tear down and re-establish the
	// connection before trying again.
	TransferRetryReconnect
	// TransferFailedIDs conclusively failed one or more identifiers,
	// carried in Result.Failed, which is never empty for this outcome.
	TransferFailedIDs
	// TransferYield means the allocator is backpressuring (WAIT); no
	// identifier advanced, and the session should end this attempt
	// gracefully rather than treat it as a protocol gap.
	TransferYield
	// TransferStopped means a cooperative shutdown was observed
	// mid-transfer; nothing is reported.
	TransferStopped
)

// TransferResult is the return value of transferOne.
type TransferResult struct {
	Outcome TransferOutcome
	Failed  []shuffle.InputAttemptIdentifier
}

// transferOne reads and resolves exactly one output header from the
// session's current connection, validates it, reserves a destination
// via allocator, and copies its payload. It never retries internally;
// retry policy and reconnection live in the caller.
func transferOne(
	ctx context.Context,
	host *shuffle.MapHost,
	pending *PendingSet,
	session *ConnectionSession,
	retry *RetryController,
	scheduler shuffle.Scheduler,
	allocator shuffle.Allocator,
	counters *shuffle.Counters,
	fetcherID string,
	codecKind shuffle.CompressionCodec,
	readAhead bool,
) TransferResult {
	reader := session.Reader()
	if reader == nil {
		if session.Stopped() {
			return TransferResult{Outcome: TransferStopped}
		}
		return TransferResult{Outcome: TransferFailedIDs, Failed: pending.List()}
	}

	header, err := codec.ReadHeader(reader)
	if err != nil {
		if session.Stopped() {
			return TransferResult{Outcome: TransferStopped}
		}
		if err == codec.ErrInvalidMapID {
			counters.BadIDErrs.Inc()
			return failHead(pending)
		}
		if retry.ShouldRetry(err) {
			return TransferResult{Outcome: TransferRetryReconnect}
		}
		counters.IOErrs.Inc()
		return TransferResult{Outcome: TransferFailedIDs, Failed: pending.List()}
	}

	if session.Stopped() {
		return TransferResult{Outcome: TransferStopped}
	}

	var resolvedID *shuffle.InputAttemptIdentifier
	if id, idErr := scheduler.IdentifierForFetchedOutput(header.MapID, header.ForReduce); idErr == nil {
		resolvedID = &id
	}

	if verr := verifySanity(header, host.Partition, pending, resolvedID, counters); verr != nil {
		if resolvedID != nil {
			return TransferResult{Outcome: TransferFailedIDs, Failed: []shuffle.InputAttemptIdentifier{*resolvedID}}
		}
		return failHead(pending)
	}
	srcID := *resolvedID

	start := time.Now()
	mapOutput, err := allocator.Reserve(srcID, header.UncompressedLength, header.CompressedLength, fetcherID)
	if err != nil {
		scheduler.ReportLocalError(fmt.Errorf("reserving sink for %s: %w", srcID, err))
		return TransferResult{Outcome: TransferFailedIDs, Failed: []shuffle.InputAttemptIdentifier{srcID}}
	}
	if mapOutput.Kind == shuffle.MapOutputWait {
		return TransferResult{Outcome: TransferYield}
	}

	if session.Stopped() {
		mapOutput.Abort()
		return TransferResult{Outcome: TransferStopped}
	}

	if err := copyPayload(reader, mapOutput, header, codecKind, readAhead); err != nil {
		mapOutput.Abort()
		if session.Stopped() {
			return TransferResult{Outcome: TransferStopped}
		}
		if retry.ShouldRetry(err) {
			return TransferResult{Outcome: TransferRetryReconnect}
		}
		counters.IOErrs.Inc()
		counters.FetchFailures.Inc()
		return TransferResult{Outcome: TransferFailedIDs, Failed: []shuffle.InputAttemptIdentifier{srcID}}
	}

	retry.Reset()
	elapsed := time.Since(start)
	scheduler.CopySucceeded(srcID, host, header.CompressedLength, header.UncompressedLength, elapsed, mapOutput)
	pending.Remove(srcID)
	counters.FetchSuccesses.Inc()
	return TransferResult{Outcome: TransferSuccess}
}

func failHead(pending *PendingSet) TransferResult {
	if head, ok := pending.Head(); ok {
		return TransferResult{Outcome: TransferFailedIDs, Failed: []shuffle.InputAttemptIdentifier{head}}
	}
	return TransferResult{Outcome: TransferFailedIDs}
}

// copyPayload copies exactly one output's payload from r into dst,
// decompressing along the way when dst is a memory sink. A disk sink
// receives the compressed bytes verbatim; decompression happens later
// when the consumer reads the spill file, mirroring how the allocator
// is expected to manage on-disk outputs.
func copyPayload(r io.Reader, dst *shuffle.MapOutput, header *shuffle.ShuffleHeader, codecKind shuffle.CompressionCodec, readAhead bool) error {
	bounded := io.LimitReader(r, header.CompressedLength)

	switch dst.Kind {
	case shuffle.MapOutputDisk:
		n, err := io.Copy(dst.Disk, bounded)
		if err != nil {
			return err
		}
		if n != header.CompressedLength {
			return io.ErrUnexpectedEOF
		}
		return nil

	case shuffle.MapOutputMemory:
		dec, err := newDecompressor(codecKind, bounded, readAhead)
		if err != nil {
			return err
		}
		defer dec.Close()

		n, err := io.CopyN(dst.Memory, dec, header.UncompressedLength)
		if err != nil && err != io.EOF {
			return err
		}
		if n != header.UncompressedLength {
			return io.ErrUnexpectedEOF
		}
		return nil

	default:
		return fmt.Errorf("fetch: unexpected map output kind %v for payload copy", dst.Kind)
	}
}
