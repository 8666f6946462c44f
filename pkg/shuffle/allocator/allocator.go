// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package allocator provides an in-memory reference implementation of
// shuffle.Allocator. It exists for tests and the local demo CLI; a real
// deployment's allocator lives in the reducer's own merge/shuffle
// manager and is out of scope for this repo (spec.md §1 Non-goals).
package allocator

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
)

// MemoryAllocator admits outputs into a bounded number of concurrent
// in-memory reservations, spilling anything above a size threshold
// straight to disk and returning MapOutputWait when the memory table is
// momentarily full.
type MemoryAllocator struct {
	mu protectedSlots

	largeOutputThreshold int64
	spillDir             string
}

// protectedSlots is a small counting semaphore: Acquire is
// non-blocking, matching the allocator's "return WAIT instead of
// blocking the fetch goroutine" contract.
type protectedSlots struct {
	sync.Mutex
	capacity int
	used     int
}

func (s *protectedSlots) tryAcquire() bool {
	s.Lock()
	defer s.Unlock()
	if s.used >= s.capacity {
		return false
	}
	s.used++
	return true
}

func (s *protectedSlots) release() {
	s.Lock()
	defer s.Unlock()
	if s.used > 0 {
		s.used--
	}
}

// NewMemoryAllocator builds an allocator with room for
// concurrentMemorySlots simultaneous in-memory reservations.
// largeOutputThreshold bytes or larger always spills to spillDir
// regardless of slot availability.
func NewMemoryAllocator(concurrentMemorySlots int, largeOutputThreshold int64, spillDir string) *MemoryAllocator {
	return &MemoryAllocator{
		mu:                   protectedSlots{capacity: concurrentMemorySlots},
		largeOutputThreshold: largeOutputThreshold,
		spillDir:             spillDir,
	}
}

// Reserve implements shuffle.Allocator.
func (a *MemoryAllocator) Reserve(id shuffle.InputAttemptIdentifier, decompressedLength, compressedLength int64, fetcherID string) (*shuffle.MapOutput, error) {
	if a.largeOutputThreshold > 0 && decompressedLength >= a.largeOutputThreshold {
		return a.reserveDisk(id)
	}

	if !a.mu.tryAcquire() {
		return &shuffle.MapOutput{Kind: shuffle.MapOutputWait}, nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, decompressedLength))
	return &shuffle.MapOutput{Kind: shuffle.MapOutputMemory, ID: id, Memory: buf}, nil
}

func (a *MemoryAllocator) reserveDisk(id shuffle.InputAttemptIdentifier) (*shuffle.MapOutput, error) {
	if err := os.MkdirAll(a.spillDir, 0o755); err != nil {
		return nil, fmt.Errorf("allocator: creating spill dir: %w", err)
	}
	f, err := os.CreateTemp(a.spillDir, fmt.Sprintf("%s-*.spill", filepath.Base(id.PathComponent)))
	if err != nil {
		return nil, fmt.Errorf("allocator: creating spill file for %s: %w", id, err)
	}
	return &shuffle.MapOutput{Kind: shuffle.MapOutputDisk, ID: id, Disk: f}, nil
}

// Release returns a memory slot reserved by Reserve. Callers must call
// it exactly once for every MapOutputMemory output Reserve returned,
// once that output is no longer needed (after a successful delivery is
// consumed, or on an aborted failure path). Disk and WAIT outputs hold
// no slot and are a no-op.
func (a *MemoryAllocator) Release(output *shuffle.MapOutput) {
	if output == nil || output.Kind != shuffle.MapOutputMemory {
		return
	}
	a.mu.release()
}
