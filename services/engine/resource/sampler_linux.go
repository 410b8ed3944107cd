// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package resource

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sysinfoSampler reads host memory via sysinfo(2). FreeRam understates
// what the kernel would actually hand out (page cache is reclaimable),
// so this errs conservative.
type sysinfoSampler struct{}

func platformSampler() Sampler {
	return sysinfoSampler{}
}

// Sample reads current host memory state.
func (sysinfoSampler) Sample() (MemorySample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return MemorySample{}, fmt.Errorf("sysinfo: %w", err)
	}
	unit := int64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return MemorySample{
		TotalBytes:     int64(info.Totalram) * unit,
		AvailableBytes: (int64(info.Freeram) + int64(info.Bufferram)) * unit,
	}, nil
}
