// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !linux

package resource

import "errors"

// errUnsupported keeps the monitor inert on platforms without a memory
// sampler; budgets stay at their configured values.
var errUnsupported = errors.New("host memory sampling not supported on this platform")

type unsupportedSampler struct{}

func platformSampler() Sampler {
	return unsupportedSampler{}
}

// Sample always fails on non-Linux hosts.
func (unsupportedSampler) Sample() (MemorySample, error) {
	return MemorySample{}, errUnsupported
}
