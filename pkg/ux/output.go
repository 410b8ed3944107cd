// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides styled terminal output for Aleutian CLIs. Styling
// degrades to plain text when stdout is not a terminal.
package ux

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Brand palette.
var (
	ColorTealBright = lipgloss.Color("#2CD7C7") // success, highlights
	ColorTealDeep   = lipgloss.Color("#16858E") // borders, accents
	ColorWarning    = lipgloss.Color("#F4D03F")
	ColorError      = lipgloss.Color("#E74C3C")
	ColorMuted      = lipgloss.Color("#2C4A54")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorTealDeep)
	successStyle = lipgloss.NewStyle().Foreground(ColorTealBright)
	warnStyle    = lipgloss.NewStyle().Foreground(ColorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(ColorError)
	mutedStyle   = lipgloss.NewStyle().Foreground(ColorMuted)
)

// IsInteractive reports whether stdout is a terminal. Plain output is used
// otherwise so pipes and logs stay clean.
func IsInteractive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// styled applies a style only on interactive terminals.
func styled(style lipgloss.Style, s string) string {
	if !IsInteractive() {
		return s
	}
	return style.Render(s)
}

// Title renders a bold section title.
func Title(s string) string { return styled(titleStyle, s) }

// Header renders a column or group header.
func Header(s string) string { return styled(headerStyle, s) }

// Success renders a healthy value.
func Success(s string) string { return styled(successStyle, s) }

// Warn renders a degraded value.
func Warn(s string) string { return styled(warnStyle, s) }

// Error renders a failing value.
func Error(s string) string { return styled(errorStyle, s) }

// Muted renders secondary detail.
func Muted(s string) string { return styled(mutedStyle, s) }

// KV renders one "key: value" line with a muted key.
func KV(key string, value any) string {
	return fmt.Sprintf("%s %v", Muted(key+":"), value)
}
