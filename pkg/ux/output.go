// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the render CLI.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Muted   lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Section: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Printer writes CLI output, styled only when Styled is set.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	W      io.Writer
	Styled bool
}

// NewPrinter returns a Printer for f that styles when f is a terminal.
func NewPrinter(f *os.File) *Printer {
	return &Printer{W: f, Styled: IsTerminal(f)}
}

// Title prints a heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.W, p.apply(Styles.Title, text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	fmt.Fprintln(p.W, p.apply(Styles.Error, "✗ "+text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	fmt.Fprintln(p.W, p.apply(Styles.Warning, "⚠ "+text))
}

// Box prints content in a bordered box. Unstyled output is title then
// content.
func (p *Printer) Box(title, content string) {
	if !p.Styled {
		fmt.Fprintf(p.W, "%s\n%s\n", title, content)
		return
	}
	fmt.Fprintln(p.W, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

func (p *Printer) apply(s lipgloss.Style, text string) string {
	if !p.Styled {
		return text
	}
	return s.Render(text)
}
