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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	serverAddr string

	errorCategory string
	errorSeverity string

	rootCmd = &cobra.Command{
		Use:   "enhance",
		Short: "A resilient execution engine for AI video enhancement backends",
		Long: `Enhance runs inference tasks against local AI backends with
circuit breaking, resource-aware admission, result caching, and
graceful degradation.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the enhancement engine and its HTTP API",
		RunE:  runServe,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show engine statistics from a running server",
		RunE:  runStats,
	}

	errorsCmd = &cobra.Command{
		Use:   "errors",
		Short: "Show recent classified failures from a running server",
		RunE:  runErrors,
	}

	invalidateCmd = &cobra.Command{
		Use:   "invalidate [pattern]",
		Short: "Invalidate cached results matching a fingerprint pattern",
		Args:  cobra.ExactArgs(1),
		RunE:  runInvalidate,
	}

	emergencyStopCmd = &cobra.Command{
		Use:   "emergency-stop",
		Short: "Force every circuit breaker open on a running server",
		RunE:  runEmergencyStop,
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Return a running server to normal operation",
		RunE:  runReset,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8090",
		"Base URL of a running enhance server")

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML/JSON config file")

	errorsCmd.Flags().StringVar(&errorCategory, "category", "", "Filter by error category")
	errorsCmd.Flags().StringVar(&errorSeverity, "severity", "", "Filter by severity")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(errorsCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(emergencyStopCmd)
	rootCmd.AddCommand(resetCmd)
}
