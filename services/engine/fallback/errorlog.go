// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import "sync"

// defaultLogCapacity bounds the in-memory error log.
const defaultLogCapacity = 1024

// Filter narrows an error-log snapshot. Zero values match everything.
type Filter struct {
	Category Category `json:"category,omitempty"`
	Severity Severity `json:"severity,omitempty"`
}

// matches reports whether a record passes the filter.
func (f Filter) matches(rec Record) bool {
	if f.Category != "" && rec.Category != f.Category {
		return false
	}
	if f.Severity != "" && rec.Severity != f.Severity {
		return false
	}
	return true
}

// ErrorLog is a bounded, append-only in-memory failure log. When full, the
// oldest records are dropped first.
//
// Thread Safety: Safe for concurrent use.
type ErrorLog struct {
	mu       sync.RWMutex
	records  []Record
	head     int
	size     int
	capacity int
	dropped  int64
}

// NewErrorLog creates a log holding at most capacity records.
// capacity <= 0 uses the default of 1024.
func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &ErrorLog{
		records:  make([]Record, capacity),
		capacity: capacity,
	}
}

// Append adds a record, dropping the oldest if the log is full.
func (l *ErrorLog) Append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.head + l.size) % l.capacity
	l.records[idx] = rec
	if l.size < l.capacity {
		l.size++
	} else {
		l.head = (l.head + 1) % l.capacity
		l.dropped++
	}
}

// Snapshot returns the matching records, oldest first. The returned slice
// is a copy; callers may not mutate log state through it.
func (l *ErrorLog) Snapshot(filter Filter) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, l.size)
	for i := 0; i < l.size; i++ {
		rec := l.records[(l.head+i)%l.capacity]
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of retained records.
func (l *ErrorLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Dropped returns how many records have been discarded to stay bounded.
func (l *ErrorLog) Dropped() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}
