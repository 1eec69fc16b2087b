// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders the operator-facing console trace of a pipeline run.
//
// Trace lines use fixed markers so logs stay greppable when colour is off:
//
//	[+] step progress
//	[=] block title, followed by the block body
//	[!] warnings and retry diagnostics
package ux

import (
	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, block titles
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - step markers
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - table borders

	ColorWarning = lipgloss.Color("#F4D03F") // Gold/amber for warnings
)

// Styles provides pre-configured lipgloss styles for trace markers.
var Styles = struct {
	Step    lipgloss.Style
	Block   lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
	Heading lipgloss.Style
}{
	Step:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Block:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Warning: lipgloss.NewStyle().Bold(true).Foreground(ColorWarning),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Heading: lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright).Underline(true),
}

// Marker is a fixed console prefix.
type Marker string

const (
	MarkerStep    Marker = "[+]"
	MarkerBlock   Marker = "[=]"
	MarkerWarning Marker = "[!]"
)

// Render returns the marker with its style applied.
func (m Marker) Render() string {
	switch m {
	case MarkerStep:
		return Styles.Step.Render(string(m))
	case MarkerBlock:
		return Styles.Block.Render(string(m))
	case MarkerWarning:
		return Styles.Warning.Render(string(m))
	default:
		return string(m)
	}
}
