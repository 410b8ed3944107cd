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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianEnhance/pkg/ux"
	"github.com/AleutianAI/AleutianEnhance/services/engine/fallback"
	"github.com/AleutianAI/AleutianEnhance/services/engine/orchestrator"
)

var apiClient = &http.Client{Timeout: 10 * time.Second}

// apiGet fetches a JSON document from the running server.
func apiGet(path string, out any) error {
	resp, err := apiClient.Get(serverAddr + path)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiPost sends a JSON body (may be nil) and decodes the response.
func apiPost(path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := apiClient.Post(serverAddr+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats orchestrator.Stats
	if err := apiGet("/v1/stats", &stats); err != nil {
		return err
	}
	renderStats(os.Stdout, stats)
	return nil
}

// renderStats prints the aggregate in sections, colorized on terminals.
func renderStats(w io.Writer, stats orchestrator.Stats) {
	fmt.Fprintln(w, ux.Title("Engine"))
	fmt.Fprintln(w, " ", ux.KV("submitted", stats.Submitted))
	fmt.Fprintln(w, " ", ux.KV("completed", stats.Completed))
	fmt.Fprintln(w, " ", ux.KV("degraded", stats.DegradedCount))
	fmt.Fprintln(w, " ", ux.KV("failed", stats.Failed))
	fmt.Fprintln(w, " ", ux.KV("in_flight", stats.InFlight))

	fmt.Fprintln(w, ux.Title("Cache"))
	fmt.Fprintln(w, " ", ux.KV("entries", stats.Cache.EntryCount))
	fmt.Fprintln(w, " ", ux.KV("bytes", stats.Cache.CurrentBytes))
	fmt.Fprintln(w, " ", ux.KV("hit_rate", fmt.Sprintf("%.1f%%", stats.Cache.HitRate*100)))

	fmt.Fprintln(w, ux.Title("Breakers"))
	for class, bs := range stats.Breakers {
		state := bs.State
		switch state {
		case "open":
			state = ux.Error(state)
		case "half-open":
			state = ux.Warn(state)
		default:
			state = ux.Success(state)
		}
		fmt.Fprintf(w, "  %s %s %s\n", ux.Header(class.String()), state,
			ux.Muted(fmt.Sprintf("(failures=%d rejections=%d timeouts=%d)",
				bs.TotalFailures, bs.TotalRejections, bs.TotalTimeouts)))
	}

	fmt.Fprintln(w, ux.Title("Pools"))
	for class, ps := range stats.Pools {
		fmt.Fprintf(w, "  %s %s\n", ux.Header(class.String()),
			ux.Muted(fmt.Sprintf("in_flight=%d/%d queued=%d admitted=%d rejected=%d promoted=%d",
				ps.CurrentInFlight, ps.MaxConcurrent, ps.QueueDepth,
				ps.TotalAdmitted, ps.TotalRejected, ps.TotalPromoted)))
	}

	if stats.ErrorsLogged > 0 {
		fmt.Fprintln(w, ux.Title("Errors"))
		fmt.Fprintln(w, " ", ux.KV("logged", stats.ErrorsLogged))
		fmt.Fprintln(w, " ", ux.KV("dropped", stats.ErrorsDropped))
	}
}

func runErrors(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if errorCategory != "" {
		q.Set("category", errorCategory)
	}
	if errorSeverity != "" {
		q.Set("severity", errorSeverity)
	}
	path := "/v1/errors"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var body struct {
		Errors []fallback.Record `json:"errors"`
		Count  int               `json:"count"`
	}
	if err := apiGet(path, &body); err != nil {
		return err
	}

	if body.Count == 0 {
		fmt.Println(ux.Muted("no recorded errors"))
		return nil
	}
	for _, rec := range body.Errors {
		sev := string(rec.Severity)
		switch rec.Severity {
		case fallback.SeverityCritical, fallback.SeverityError:
			sev = ux.Error(sev)
		case fallback.SeverityWarning:
			sev = ux.Warn(sev)
		}
		fmt.Printf("%s %s %s/%s %s\n",
			ux.Muted(rec.Timestamp.Format(time.RFC3339)),
			sev, rec.Category, rec.Class, rec.Message)
	}
	return nil
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	var out struct {
		Evicted int `json:"evicted"`
	}
	if err := apiPost("/v1/cache/invalidate", map[string]string{"pattern": args[0]}, &out); err != nil {
		return err
	}
	fmt.Println(ux.Success(fmt.Sprintf("evicted %d entries", out.Evicted)))
	return nil
}

func runEmergencyStop(cmd *cobra.Command, args []string) error {
	if err := apiPost("/v1/admin/emergency-stop", nil, nil); err != nil {
		return err
	}
	fmt.Println(ux.Warn("emergency stop engaged: all breakers forced open"))
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := apiPost("/v1/admin/reset", nil, nil); err != nil {
		return err
	}
	fmt.Println(ux.Success("engine reset: breakers closed, failure streaks cleared"))
	return nil
}
