// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/AleutianAI/AleutianEnhance/services/engine/fallback"
	"github.com/AleutianAI/AleutianEnhance/services/engine/task"
)

// backendInvoker submits inference work to HTTP enhancement backends, one
// base URL per resource pool.
type backendInvoker struct {
	client *http.Client
	urls   map[task.ResourceClass]string
}

// inferenceRequest is the wire form of one backend call.
type inferenceRequest struct {
	TaskID      string `json:"task_id"`
	Class       string `json:"class"`
	Fingerprint string `json:"fingerprint"`
	BatchSize   int    `json:"batch_size,omitempty"`
	ScaleFactor int    `json:"scale_factor,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

// inferenceError is the error body enhancement backends return.
type inferenceError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

func newBackendInvoker(client *http.Client, urls map[task.ResourceClass]string) *backendInvoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &backendInvoker{client: client, urls: urls}
}

// Invoke runs one backend call. The returned size is the response body
// length, which is what the result cache accounts.
func (b *backendInvoker) Invoke(ctx context.Context, t *task.Descriptor) (any, int64, error) {
	base, ok := b.urls[t.Profile.Resource]
	if !ok {
		return nil, 0, &fallback.ValidationError{
			Reason: fmt.Sprintf("no backend configured for pool %q", t.Profile.Resource),
		}
	}

	body, err := json.Marshal(inferenceRequest{
		TaskID:      t.ID,
		Class:       t.Class.String(),
		Fingerprint: t.Fingerprint,
		BatchSize:   t.Profile.BatchSize,
		ScaleFactor: t.Profile.ScaleFactor,
		Payload:     t.Payload,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encoding inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/infer", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		// Transport failures surface raw; the classifier recognizes
		// net.Error and friends.
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, 0, backendErrorFrom(resp.StatusCode, data)
	}
	return data, int64(len(data)), nil
}

// backendErrorFrom maps a non-OK response to a typed backend error. The
// structured error body wins; status codes fill in when it is absent.
func backendErrorFrom(status int, data []byte) error {
	var ie inferenceError
	if err := json.Unmarshal(data, &ie); err == nil && ie.Code != "" {
		return &fallback.BackendError{Code: ie.Code, Message: ie.Message, Transient: ie.Transient}
	}

	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &fallback.BackendError{
			Code:      fmt.Sprintf("HTTP_%d", status),
			Message:   http.StatusText(status),
			Transient: true,
		}
	default:
		return &fallback.BackendError{
			Code:    fmt.Sprintf("HTTP_%d", status),
			Message: http.StatusText(status),
		}
	}
}
