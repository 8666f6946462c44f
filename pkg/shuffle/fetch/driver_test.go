// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/codec"
)

const testPartition int32 = 3

type failRecord struct {
	id            shuffle.InputAttemptIdentifier
	connectFailed bool
	readError     bool
}

type fakeScheduler struct {
	mu sync.Mutex

	pending   []shuffle.InputAttemptIdentifier
	succeeded []shuffle.InputAttemptIdentifier
	failed    []failRecord
	putBack   []shuffle.InputAttemptIdentifier
	localErrs []error
	freed     bool

	// onSucceeded, if set, runs synchronously inside CopySucceeded
	// (on the fetch goroutine) before it returns. Tests use this to
	// trigger a concurrent Shutdown() at a precise point in the
	// session rather than racing on wall-clock timing.
	onSucceeded func(shuffle.InputAttemptIdentifier)
}

func (f *fakeScheduler) MapsForHost(host *shuffle.MapHost) []shuffle.InputAttemptIdentifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]shuffle.InputAttemptIdentifier, len(f.pending))
	copy(out, f.pending)
	return out
}

func (f *fakeScheduler) IdentifierForFetchedOutput(mapID string, forReduce int32) (shuffle.InputAttemptIdentifier, error) {
	return shuffle.InputAttemptIdentifier{PathComponent: mapID}, nil
}

func (f *fakeScheduler) CopySucceeded(id shuffle.InputAttemptIdentifier, host *shuffle.MapHost, compressedLength, decompressedLength int64, elapsed time.Duration, output *shuffle.MapOutput) {
	f.mu.Lock()
	f.succeeded = append(f.succeeded, id)
	hook := f.onSucceeded
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
}

func (f *fakeScheduler) CopyFailed(id shuffle.InputAttemptIdentifier, host *shuffle.MapHost, connectFailed, readError bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failRecord{id: id, connectFailed: connectFailed, readError: readError})
}

func (f *fakeScheduler) ReportLocalError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localErrs = append(f.localErrs, err)
}

func (f *fakeScheduler) PutBackKnownMapOutput(host *shuffle.MapHost, id shuffle.InputAttemptIdentifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putBack = append(f.putBack, id)
}

func (f *fakeScheduler) FreeHost(host *shuffle.MapHost) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed = true
}

// fakeAllocator hands out in-memory sinks. waitOnce, if set, makes the
// very first Reserve call return MapOutputWait regardless of id.
type fakeAllocator struct {
	mu       sync.Mutex
	waitOnce bool
	waited   bool
	failErr  error
}

func (a *fakeAllocator) Reserve(id shuffle.InputAttemptIdentifier, decompressedLength, compressedLength int64, fetcherID string) (*shuffle.MapOutput, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return nil, a.failErr
	}
	if a.waitOnce && !a.waited {
		a.waited = true
		return &shuffle.MapOutput{Kind: shuffle.MapOutputWait}, nil
	}
	return &shuffle.MapOutput{Kind: shuffle.MapOutputMemory, ID: id, Memory: &bytes.Buffer{}}, nil
}

func gzipPayload(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// multiOutputHandler serves one ShuffleHeader plus gzip-compressed
// payload per requested map id, in request order, for every id present
// in overrideReduce (or testPartition if absent).
func multiOutputHandler(t *testing.T, payload []byte, overrideReduce map[string]int32, badMapID string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		compressed := gzipPayload(t, payload)
		mapIDs := strings.Split(r.URL.Query().Get("map"), ",")
		for _, id := range mapIDs {
			wireID := id
			if badMapID != "" {
				wireID = badMapID
			}
			reduce := testPartition
			if or, ok := overrideReduce[id]; ok {
				reduce = or
			}
			h := shuffle.ShuffleHeader{
				MapID:              wireID,
				UncompressedLength: int64(len(payload)),
				CompressedLength:   int64(len(compressed)),
				ForReduce:          reduce,
			}
			if err := codec.WriteHeader(w, &h); err != nil {
				t.Fatalf("WriteHeader: %v", err)
			}
			if _, err := w.Write(compressed); err != nil {
				t.Fatalf("write payload: %v", err)
			}
		}
	}
}

func newTestFetcher(t *testing.T, server *httptest.Server, scheduler shuffle.Scheduler, allocator shuffle.Allocator) *Fetcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFetcher("fetcher-test", server.Client(), NoopAuth{}, scheduler, allocator, &shuffle.Counters{}, logger, 200*time.Millisecond, shuffle.CompressionGzip, false, nil)
}

func TestRunOnceSuccessSingleOutput(t *testing.T) {
	payload := []byte("hello shuffle output")
	server := httptest.NewServer(multiOutputHandler(t, payload, nil, ""))
	defer server.Close()

	scheduler := &fakeScheduler{pending: ids("attempt_0001")}
	allocator := &fakeAllocator{}
	fetcher := newTestFetcher(t, server, scheduler, allocator)

	host := &shuffle.MapHost{Identifier: "h1", BaseURL: server.URL, Partition: testPartition, Pending: ids("attempt_0001")}

	if err := fetcher.RunOnce(context.Background(), host); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(scheduler.succeeded) != 1 || scheduler.succeeded[0].PathComponent != "attempt_0001" {
		t.Fatalf("succeeded = %v, want one entry for attempt_0001", scheduler.succeeded)
	}
	if len(scheduler.failed) != 0 {
		t.Fatalf("failed = %v, want none", scheduler.failed)
	}
	if len(scheduler.putBack) != 0 {
		t.Fatalf("putBack = %v, want none", scheduler.putBack)
	}
	if !scheduler.freed {
		t.Fatal("expected FreeHost to be called")
	}
}

func TestRunOnceWrongReducePartitionFailsOutput(t *testing.T) {
	payload := []byte("data")
	server := httptest.NewServer(multiOutputHandler(t, payload, map[string]int32{"attempt_0001": testPartition + 1}, ""))
	defer server.Close()

	scheduler := &fakeScheduler{pending: ids("attempt_0001")}
	allocator := &fakeAllocator{}
	fetcher := newTestFetcher(t, server, scheduler, allocator)

	host := &shuffle.MapHost{Identifier: "h1", BaseURL: server.URL, Partition: testPartition, Pending: ids("attempt_0001")}

	if err := fetcher.RunOnce(context.Background(), host); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if fetcher.Counters.WrongReduceErrs.Load() != 1 {
		t.Fatalf("WrongReduceErrs = %d, want 1", fetcher.Counters.WrongReduceErrs.Load())
	}
	if len(scheduler.failed) != 1 || scheduler.failed[0].id.PathComponent != "attempt_0001" {
		t.Fatalf("failed = %v, want one entry for attempt_0001", scheduler.failed)
	}
	if !scheduler.failed[0].connectFailed || scheduler.failed[0].readError {
		t.Fatalf("failed disposition = %+v, want (connectFailed=true, readError=false)", scheduler.failed[0])
	}
	if len(scheduler.putBack) != 0 {
		t.Fatalf("putBack = %v, want none (the failure already accounted for the only pending id)", scheduler.putBack)
	}
}

func TestRunOnceBadMapIDPrefixFailsHead(t *testing.T) {
	payload := []byte("data")
	server := httptest.NewServer(multiOutputHandler(t, payload, nil, "bogus_0001"))
	defer server.Close()

	scheduler := &fakeScheduler{pending: ids("attempt_0001")}
	allocator := &fakeAllocator{}
	fetcher := newTestFetcher(t, server, scheduler, allocator)

	host := &shuffle.MapHost{Identifier: "h1", BaseURL: server.URL, Partition: testPartition, Pending: ids("attempt_0001")}

	if err := fetcher.RunOnce(context.Background(), host); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if fetcher.Counters.BadIDErrs.Load() != 1 {
		t.Fatalf("BadIDErrs = %d, want 1", fetcher.Counters.BadIDErrs.Load())
	}
	if len(scheduler.failed) != 1 || scheduler.failed[0].id.PathComponent != "attempt_0001" {
		t.Fatalf("failed = %v, want the original requested id reported", scheduler.failed)
	}
}

func TestRunOnceAllocatorWaitPutsBackWithoutReporting(t *testing.T) {
	payload := []byte("data")
	server := httptest.NewServer(multiOutputHandler(t, payload, nil, ""))
	defer server.Close()

	scheduler := &fakeScheduler{pending: ids("attempt_0001")}
	allocator := &fakeAllocator{waitOnce: true}
	fetcher := newTestFetcher(t, server, scheduler, allocator)

	host := &shuffle.MapHost{Identifier: "h1", BaseURL: server.URL, Partition: testPartition, Pending: ids("attempt_0001")}

	if err := fetcher.RunOnce(context.Background(), host); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(scheduler.succeeded) != 0 || len(scheduler.failed) != 0 {
		t.Fatalf("expected no succeeded/failed reports on WAIT, got succeeded=%v failed=%v", scheduler.succeeded, scheduler.failed)
	}
	if len(scheduler.putBack) != 1 || scheduler.putBack[0].PathComponent != "attempt_0001" {
		t.Fatalf("putBack = %v, want attempt_0001 put back", scheduler.putBack)
	}
	if !scheduler.freed {
		t.Fatal("expected FreeHost to be called")
	}
}

func TestRunOnceConnectFailureFailsWholeHost(t *testing.T) {
	scheduler := &fakeScheduler{pending: ids("attempt_0001", "attempt_0002")}
	allocator := &fakeAllocator{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher := NewFetcher("fetcher-test", &http.Client{Timeout: 200 * time.Millisecond}, NoopAuth{}, scheduler, allocator, &shuffle.Counters{}, logger, 200*time.Millisecond, shuffle.CompressionGzip, false, nil)

	// Nothing listens on loopback port 1, so the connect is refused.
	host := &shuffle.MapHost{Identifier: "h1", BaseURL: "http://127.0.0.1:1", Partition: testPartition, Pending: ids("attempt_0001", "attempt_0002")}

	if err := fetcher.RunOnce(context.Background(), host); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if fetcher.Counters.ConnectionErrs.Load() != 1 {
		t.Fatalf("ConnectionErrs = %d, want 1", fetcher.Counters.ConnectionErrs.Load())
	}
	if fetcher.Counters.IOErrs.Load() != 1 {
		t.Fatalf("IOErrs = %d, want 1", fetcher.Counters.IOErrs.Load())
	}
	if len(scheduler.failed) != 2 {
		t.Fatalf("failed = %v, want 2 entries (whole host)", scheduler.failed)
	}
	for _, rec := range scheduler.failed {
		if rec.connectFailed || !rec.readError {
			t.Errorf("failed disposition = %+v, want (connectFailed=false, readError=true)", rec)
		}
	}
	if len(scheduler.putBack) != 0 {
		t.Fatalf("putBack = %v, want none (whole-host failure already accounted for every id)", scheduler.putBack)
	}
}

func TestRunOnceNoPendingOutputsIsNoop(t *testing.T) {
	scheduler := &fakeScheduler{}
	allocator := &fakeAllocator{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher := NewFetcher("fetcher-test", http.DefaultClient, NoopAuth{}, scheduler, allocator, &shuffle.Counters{}, logger, 200*time.Millisecond, shuffle.CompressionGzip, false, nil)

	host := &shuffle.MapHost{Identifier: "h1", BaseURL: "http://example.invalid", Partition: testPartition}

	if err := fetcher.RunOnce(context.Background(), host); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if scheduler.freed {
		t.Fatal("FreeHost should not be called when there is nothing pending")
	}
}

// TestRunOnceRetryReconnectSucceedsAfterReadTimeout covers scenario 5:
// a read timeout mid-session is followed by a reconnect carrying only
// the not-yet-resolved identifiers, and the attempt finishes with every
// output succeeded and nothing failed or put back.
func TestRunOnceRetryReconnectSucceedsAfterReadTimeout(t *testing.T) {
	payloadA := []byte("hello-a")
	payloadB := []byte("hello-b")
	compressedA := gzipPayload(t, payloadA)
	compressedB := gzipPayload(t, payloadB)

	handler := func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		switch r.URL.Query().Get("map") {
		case "attempt_0001,attempt_0002":
			// First connection: serve A in full, announce B's header,
			// then stall forever so the client's Timeout fires while
			// blocked reading B's payload.
			hA := shuffle.ShuffleHeader{MapID: "attempt_0001", UncompressedLength: int64(len(payloadA)), CompressedLength: int64(len(compressedA)), ForReduce: testPartition}
			if err := codec.WriteHeader(w, &hA); err != nil {
				return
			}
			if _, err := w.Write(compressedA); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			hB := shuffle.ShuffleHeader{MapID: "attempt_0002", UncompressedLength: int64(len(payloadB)), CompressedLength: int64(len(compressedB)), ForReduce: testPartition}
			if err := codec.WriteHeader(w, &hB); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
			case <-time.After(10 * time.Second):
			}

		case "attempt_0002":
			// Reconnect: serve B cleanly and return.
			hB := shuffle.ShuffleHeader{MapID: "attempt_0002", UncompressedLength: int64(len(payloadB)), CompressedLength: int64(len(compressedB)), ForReduce: testPartition}
			if err := codec.WriteHeader(w, &hB); err != nil {
				return
			}
			if _, err := w.Write(compressedB); err != nil {
				return
			}

		default:
			t.Errorf("unexpected map param %q", r.URL.Query().Get("map"))
		}
	}
	server := httptest.NewServer(http.HandlerFunc(handler))
	defer server.Close()

	scheduler := &fakeScheduler{pending: ids("attempt_0001", "attempt_0002")}
	allocator := &fakeAllocator{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &http.Client{Timeout: 150 * time.Millisecond}
	fetcher := NewFetcher("fetcher-test", client, NoopAuth{}, scheduler, allocator, &shuffle.Counters{}, logger, time.Second, shuffle.CompressionGzip, false, nil)

	host := &shuffle.MapHost{Identifier: "h1", BaseURL: server.URL, Partition: testPartition, Pending: ids("attempt_0001", "attempt_0002")}

	done := make(chan error, 1)
	go func() { done <- fetcher.RunOnce(context.Background(), host) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnce did not return after the read timeout")
	}

	if len(scheduler.succeeded) != 2 {
		t.Fatalf("succeeded = %v, want both attempt_0001 and attempt_0002", scheduler.succeeded)
	}
	if len(scheduler.failed) != 0 {
		t.Fatalf("failed = %v, want none: a reconnect that succeeds must not fail anything", scheduler.failed)
	}
	if len(scheduler.putBack) != 0 {
		t.Fatalf("putBack = %v, want none", scheduler.putBack)
	}
}

// TestRunOnceRetryReconnectFailureOnlyFailsHead covers the reconnect
// failure branch: when the reconnect attempt itself fails, only the
// head of the still-pending set is reported via copyFailed, and every
// other pending id falls through to the ordinary put-back path rather
// than also being failed by the reconnect's own whole-host reporting.
func TestRunOnceRetryReconnectFailureOnlyFailsHead(t *testing.T) {
	payloadA := []byte("hello-a")
	compressedA := gzipPayload(t, payloadA)

	handler := func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		switch r.URL.Query().Get("map") {
		case "attempt_0001,attempt_0002,attempt_0003":
			hA := shuffle.ShuffleHeader{MapID: "attempt_0001", UncompressedLength: int64(len(payloadA)), CompressedLength: int64(len(compressedA)), ForReduce: testPartition}
			if err := codec.WriteHeader(w, &hA); err != nil {
				return
			}
			if _, err := w.Write(compressedA); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			hB := shuffle.ShuffleHeader{MapID: "attempt_0002", UncompressedLength: 5, CompressedLength: 5, ForReduce: testPartition}
			if err := codec.WriteHeader(w, &hB); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
			case <-time.After(10 * time.Second):
			}

		case "attempt_0002,attempt_0003":
			// Reconnect fails outright: the endpoint refuses the request.
			w.WriteHeader(http.StatusInternalServerError)

		default:
			t.Errorf("unexpected map param %q", r.URL.Query().Get("map"))
		}
	}
	server := httptest.NewServer(http.HandlerFunc(handler))
	defer server.Close()

	scheduler := &fakeScheduler{pending: ids("attempt_0001", "attempt_0002", "attempt_0003")}
	allocator := &fakeAllocator{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &http.Client{Timeout: 150 * time.Millisecond}
	fetcher := NewFetcher("fetcher-test", client, NoopAuth{}, scheduler, allocator, &shuffle.Counters{}, logger, time.Second, shuffle.CompressionGzip, false, nil)

	host := &shuffle.MapHost{Identifier: "h1", BaseURL: server.URL, Partition: testPartition, Pending: ids("attempt_0001", "attempt_0002", "attempt_0003")}

	done := make(chan error, 1)
	go func() { done <- fetcher.RunOnce(context.Background(), host) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnce did not return after the failed reconnect")
	}

	if len(scheduler.succeeded) != 1 || scheduler.succeeded[0].PathComponent != "attempt_0001" {
		t.Fatalf("succeeded = %v, want only attempt_0001", scheduler.succeeded)
	}
	if len(scheduler.failed) != 1 || scheduler.failed[0].id.PathComponent != "attempt_0002" {
		t.Fatalf("failed = %v, want exactly one entry for attempt_0002 (the head), not attempt_0003 too", scheduler.failed)
	}
	if len(scheduler.putBack) != 1 || scheduler.putBack[0].PathComponent != "attempt_0003" {
		t.Fatalf("putBack = %v, want attempt_0003 put back, not failed", scheduler.putBack)
	}
	if !scheduler.freed {
		t.Fatal("expected FreeHost to be called")
	}
}

// TestRunOnceShutdownDuringPayloadCopyPutsBackWithoutReporting covers
// spec scenario 6: Shutdown() arrives while a payload copy is blocked
// mid-stream. The in-flight output must not be reported as failed; it
// is put back for the scheduler to re-offer, and FreeHost still runs.
func TestRunOnceShutdownDuringPayloadCopyPutsBackWithoutReporting(t *testing.T) {
	payloadA := []byte("hello")
	compressedA := gzipPayload(t, payloadA)

	// B's header is announced but its payload never arrives: the
	// handler blocks after flushing it, forcing the client's read of
	// B to stay parked until Shutdown() forces the connection closed.
	handler := func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		mapIDs := strings.Split(r.URL.Query().Get("map"), ",")
		for _, id := range mapIDs {
			switch id {
			case "attempt_0001":
				h := shuffle.ShuffleHeader{MapID: id, UncompressedLength: int64(len(payloadA)), CompressedLength: int64(len(compressedA)), ForReduce: testPartition}
				if err := codec.WriteHeader(w, &h); err != nil {
					return
				}
				if _, err := w.Write(compressedA); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			case "attempt_0002":
				h := shuffle.ShuffleHeader{MapID: id, UncompressedLength: 5, CompressedLength: 5, ForReduce: testPartition}
				if err := codec.WriteHeader(w, &h); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
				select {
				case <-r.Context().Done():
				case <-time.After(5 * time.Second):
				}
			}
		}
	}
	server := httptest.NewServer(http.HandlerFunc(handler))
	defer server.Close()

	scheduler := &fakeScheduler{pending: ids("attempt_0001", "attempt_0002")}
	allocator := &fakeAllocator{}
	fetcher := newTestFetcher(t, server, scheduler, allocator)

	// Trigger Shutdown synchronously off the fetch goroutine's own
	// report of A's success, so there is no wall-clock race: by
	// construction Shutdown can only run after A is already committed.
	scheduler.onSucceeded = func(id shuffle.InputAttemptIdentifier) {
		if id.PathComponent == "attempt_0001" {
			go fetcher.Shutdown()
		}
	}

	host := &shuffle.MapHost{Identifier: "h1", BaseURL: server.URL, Partition: testPartition, Pending: ids("attempt_0001", "attempt_0002")}

	done := make(chan error, 1)
	go func() { done <- fetcher.RunOnce(context.Background(), host) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnce did not return after Shutdown")
	}

	if len(scheduler.succeeded) != 1 || scheduler.succeeded[0].PathComponent != "attempt_0001" {
		t.Fatalf("succeeded = %v, want only attempt_0001", scheduler.succeeded)
	}
	if len(scheduler.failed) != 0 {
		t.Fatalf("failed = %v, want none: shutdown must not report copyFailed", scheduler.failed)
	}
	if len(scheduler.putBack) != 1 || scheduler.putBack[0].PathComponent != "attempt_0002" {
		t.Fatalf("putBack = %v, want attempt_0002 put back", scheduler.putBack)
	}
	if !scheduler.freed {
		t.Fatal("expected FreeHost to be called")
	}
}
