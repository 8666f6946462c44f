// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package localfetch

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// indexRecordSize is the on-disk width of one IndexRecord: three
// big-endian uint64 fields (startOffset, rawLength, partLength).
const indexRecordSize = 24

// IndexRecord describes where one partition's data lives within a
// producer's spill file.
type IndexRecord struct {
	StartOffset int64
	RawLength   int64
	PartLength  int64
}

// ReadIndexRecord reads the fixed-size index entry for partition out
// of the spill index file at indexPath. The index is a flat array of
// fixed-size records, one per partition, so the entry for partition p
// always lives at byte offset p*indexRecordSize.
func ReadIndexRecord(indexPath string, partition int32) (IndexRecord, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		return IndexRecord{}, err
	}
	defer f.Close()

	offset := int64(partition) * indexRecordSize
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return IndexRecord{}, fmt.Errorf("seeking to partition %d: %w", partition, err)
	}

	var raw [indexRecordSize]byte
	if _, err := io.ReadFull(f, raw[:]); err != nil {
		return IndexRecord{}, fmt.Errorf("reading index record for partition %d: %w", partition, err)
	}

	return IndexRecord{
		StartOffset: int64(binary.BigEndian.Uint64(raw[0:8])),
		RawLength:   int64(binary.BigEndian.Uint64(raw[8:16])),
		PartLength:  int64(binary.BigEndian.Uint64(raw[16:24])),
	}, nil
}

// WriteIndexRecord writes one partition's record at its fixed offset
// within f, growing the file as needed. Used by tests and by any
// in-process fake producer.
func WriteIndexRecord(f *os.File, partition int32, record IndexRecord) error {
	offset := int64(partition) * indexRecordSize
	var raw [indexRecordSize]byte
	binary.BigEndian.PutUint64(raw[0:8], uint64(record.StartOffset))
	binary.BigEndian.PutUint64(raw[8:16], uint64(record.RawLength))
	binary.BigEndian.PutUint64(raw[16:24], uint64(record.PartLength))
	_, err := f.WriteAt(raw[:], offset)
	return err
}
