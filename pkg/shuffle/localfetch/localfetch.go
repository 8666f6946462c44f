// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package localfetch implements the local-disk bypass: when a
// fetcher's own host holds the producer's spill file, it reads the
// spill index and builds a disk-backed MapOutput that references the
// file directly instead of copying bytes over a loopback HTTP
// connection. Unlike the HTTP path, a failure here is per-output, not
// whole-session — one bad index entry never stalls the rest of the
// host's pending outputs.
package localfetch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle/fetch"
)

// DirAllocator resolves an output's path component to the directory
// holding that producer's spill data and index files. With several
// configured local directories, an implementation has to find the one
// that actually holds pathComponent, since the producer spreads its
// spill files across them.
type DirAllocator interface {
	Resolve(pathComponent string) (dir string, err error)
}

// Fetcher drives the local-disk bypass for one host assignment. It
// shares its StopSignal with the HTTP-path fetch.Fetcher for the same
// logical worker slot so a single shutdown call reaches whichever path
// is currently active.
type Fetcher struct {
	ID         string
	Dirs       DirAllocator
	Scheduler  shuffle.Scheduler
	Counters   *shuffle.Counters
	Stop       *fetch.StopSignal
	OutputFile string // sibling data file name within the resolved directory
	IndexFile  string // sibling index file name within the resolved directory
}

// NewFetcher constructs a local-disk Fetcher. stop must not be nil;
// callers share the same StopSignal used by the HTTP-path driver for
// this worker slot.
func NewFetcher(id string, dirs DirAllocator, scheduler shuffle.Scheduler, counters *shuffle.Counters, stop *fetch.StopSignal, outputFile, indexFile string) *Fetcher {
	return &Fetcher{ID: id, Dirs: dirs, Scheduler: scheduler, Counters: counters, Stop: stop, OutputFile: outputFile, IndexFile: indexFile}
}

// RunOnce walks every id the scheduler still believes pending on host,
// resolving each one's spill index entry and handing the scheduler a
// disk-backed MapOutput referencing the producer's file in place. The
// caller is responsible for FreeHost and put-back of whatever RunOnce
// leaves in pending, exactly as with the HTTP driver.
func (f *Fetcher) RunOnce(host *shuffle.MapHost, pending *fetch.PendingSet) error {
	for {
		id, ok := pending.Head()
		if !ok {
			return nil
		}
		if f.Stop.Stopped() {
			return nil
		}

		start := time.Now()
		output, rawLength, partLength, err := f.fetchOne(host, id)
		if err != nil {
			output.Abort()
			f.Counters.IOErrs.Inc()
			f.Scheduler.CopyFailed(id, host, true, false)
			pending.Remove(id)
			continue
		}

		f.Scheduler.CopySucceeded(id, host, partLength, rawLength, time.Since(start), output)
		pending.Remove(id)
	}
}

func (f *Fetcher) fetchOne(host *shuffle.MapHost, id shuffle.InputAttemptIdentifier) (*shuffle.MapOutput, int64, int64, error) {
	dir, err := f.Dirs.Resolve(id.PathComponent)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("resolving local dir for %s: %w", id, err)
	}

	dataPath := filepath.Join(dir, id.PathComponent, f.OutputFile)
	indexPath := filepath.Join(dir, id.PathComponent, f.IndexFile)

	record, err := ReadIndexRecord(indexPath, host.Partition)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading spill index for %s: %w", id, err)
	}

	file, err := os.Open(dataPath)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opening spill data for %s: %w", id, err)
	}

	output := &shuffle.MapOutput{
		Kind:       shuffle.MapOutputDisk,
		ID:         id,
		Disk:       file,
		DiskPath:   dataPath,
		DiskOffset: record.StartOffset,
		DiskLength: record.PartLength,
	}
	return output, record.RawLength, record.PartLength, nil
}
