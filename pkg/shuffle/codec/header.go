// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package codec implements the wire codec for the shuffle fetch
// protocol: parsing and writing the fixed per-output header, and
// building the URL for a multi-output fetch request. It does not
// implement the payload body framing beyond the header, and it does
// not implement any compression codec — those are the collaborators'
// concern.
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
)

// RequiredMapIDPrefix is the path prefix every legitimate mapId must
// carry. A header whose mapId lacks it is treated as protocol
// corruption rather than a data error.
const RequiredMapIDPrefix = "attempt_"

// Errors returned by ReadHeader.
var (
	ErrInvalidMapID   = errors.New("codec: mapId missing required prefix")
	ErrTruncatedFrame = errors.New("codec: truncated shuffle header")
)

// ReadHeader parses one ShuffleHeader from r: a length-prefixed mapId
// string followed by varint-encoded uncompressedLength, compressedLength
// and forReduce. It is the caller's responsibility to treat
// ErrInvalidMapID as protocol corruption (fail the head of remaining,
// end the session) rather than a per-output sanity failure.
func ReadHeader(r *bufio.Reader) (*shuffle.ShuffleHeader, error) {
	mapID, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("reading mapId: %w", err)
	}
	if !strings.HasPrefix(mapID, RequiredMapIDPrefix) {
		return nil, ErrInvalidMapID
	}

	uncompressedLength, err := binary.ReadVarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading uncompressedLength: %w", err)
	}

	compressedLength, err := binary.ReadVarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading compressedLength: %w", err)
	}

	forReduce, err := binary.ReadVarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading forReduce: %w", err)
	}

	return &shuffle.ShuffleHeader{
		MapID:              mapID,
		UncompressedLength: uncompressedLength,
		CompressedLength:   compressedLength,
		ForReduce:          int32(forReduce),
	}, nil
}

// WriteHeader writes h to w in the same framing ReadHeader consumes.
// Used by the server side of tests and by any in-process fake shuffle
// service.
func WriteHeader(w io.Writer, h *shuffle.ShuffleHeader) error {
	if err := writeString(w, h.MapID); err != nil {
		return fmt.Errorf("writing mapId: %w", err)
	}

	var buf [binary.MaxVarintLen64]byte
	for _, v := range []int64{h.UncompressedLength, h.CompressedLength, int64(h.ForReduce)} {
		n := binary.PutVarint(buf[:], v)
		if _, err := w.Write(buf[:n]); err != nil {
			return fmt.Errorf("writing varint: %w", err)
		}
	}
	return nil
}

func readString(r *bufio.Reader) (string, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", fmt.Errorf("%w: %w", ErrTruncatedFrame, err)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTruncatedFrame, err)
	}
	return string(buf), nil
}

func writeString(w io.Writer, s string) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(s)))
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
