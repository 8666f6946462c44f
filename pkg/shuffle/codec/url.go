// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package codec

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// BuildFetchURL builds the GET URL for a keep-alive multi-output fetch
// request: baseURL?map=<pc1>,<pc2>,...&reduce=<partition>&keepAlive=<bool>.
// It is a pure function of its inputs: the same arguments always produce
// a byte-identical URL.
func BuildFetchURL(baseURL string, pathComponents []string, partition int32, keepAlive bool) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL %q: %w", baseURL, err)
	}

	q := u.Query()
	q.Set("map", strings.Join(pathComponents, ","))
	q.Set("reduce", strconv.FormatInt(int64(partition), 10))
	q.Set("keepAlive", strconv.FormatBool(keepAlive))
	u.RawQuery = q.Encode()

	return u.String(), nil
}
