// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package fetch

import (
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/shuffle-fetcher/pkg/shuffle"
)

// pgzipBlockSize is the block size pgzip splits its input into for
// concurrent decoding.
const pgzipBlockSize = 1 << 20

// newDecompressor wraps r in a decoder for the session's negotiated
// codec. readAhead widens the decoder's internal concurrency: set when
// the destination is memory and the caller wants the decoder to stay
// ahead of a fast consumer, left narrow for the common case where a
// single in-flight block is enough.
func newDecompressor(codecKind shuffle.CompressionCodec, r io.Reader, readAhead bool) (io.ReadCloser, error) {
	switch codecKind {
	case shuffle.CompressionZstd:
		concurrency := 1
		if readAhead {
			concurrency = runtime.GOMAXPROCS(0)
		}
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(concurrency))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		blocks := 1
		if readAhead {
			blocks = 4
		}
		return pgzip.NewReaderN(r, pgzipBlockSize, blocks)
	}
}
