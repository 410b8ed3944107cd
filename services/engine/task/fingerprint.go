// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// ComputeFingerprint derives the deterministic dedup key for an operation.
//
// The fingerprint covers the operation class, a hash of the input content,
// and every parameter that changes the output. Two submissions with the
// same fingerprint are guaranteed to produce the same result, so the cache
// may serve one computation to both.
//
// Inputs:
//   - class: Operation class.
//   - contentHash: Caller-supplied hash of the input media.
//   - params: Output-affecting parameters. Iterated in sorted key order so
//     the digest is independent of map iteration order.
//
// Outputs:
//   - string: Hex-encoded sha256 digest.
func ComputeFingerprint(class OperationClass, contentHash string, params map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", class, contentHash)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, params[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}
