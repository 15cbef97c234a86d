// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the kgctl CLI.
package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
	ErrorBox  lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealPrimary).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes CLI output in one of two modes.
//
// # Description
//
// In styled mode output is decorated with lipgloss colors and boxes. In
// machine mode every line is plain, prefixed, and suitable for scripts.
// Errors and warnings go to Err in both modes.
type Printer struct {
	Out     io.Writer
	Err     io.Writer
	Machine bool
}

// NewPrinter creates a Printer writing to out and errOut.
func NewPrinter(out, errOut io.Writer, machine bool) *Printer {
	return &Printer{Out: out, Err: errOut, Machine: machine}
}

// Title prints a styled title. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	if p.Machine {
		return
	}
	fmt.Fprintln(p.Out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.Machine {
		fmt.Fprintf(p.Out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if p.Machine {
		fmt.Fprintf(p.Err, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.Err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	if p.Machine {
		fmt.Fprintf(p.Err, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.Err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.Machine {
		fmt.Fprintln(p.Out, text)
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	if p.Machine {
		fmt.Fprintf(p.Out, "%s: %s\n", title, content)
		return
	}
	titleLine := Styles.Title.Render(title)
	fmt.Fprintln(p.Out, Styles.Box.Width(60).Render(titleLine+"\n"+content))
}

// FileStatus prints one ingested file with its outcome
func (p *Printer) FileStatus(path string, status Icon, reason string) {
	switch {
	case p.Machine:
		fmt.Fprintf(p.Out, "%s\t%s\t%s\n", status, path, reason)
	case reason != "":
		fmt.Fprintf(p.Out, "%s %s %s\n", status.Render(), path, Styles.Muted.Render("("+reason+")"))
	default:
		fmt.Fprintf(p.Out, "%s %s\n", status.Render(), path)
	}
}

// Summary prints a summary line with counts
func (p *Printer) Summary(succeeded, failed int) {
	if p.Machine {
		fmt.Fprintf(p.Out, "SUMMARY: succeeded=%d failed=%d total=%d\n", succeeded, failed, succeeded+failed)
		return
	}
	fmt.Fprintf(p.Out, "\n%s %s  %s %s  %s %s\n",
		Styles.Success.Render(fmt.Sprintf("%d", succeeded)), Styles.Muted.Render("succeeded"),
		Styles.Error.Render(fmt.Sprintf("%d", failed)), Styles.Muted.Render("failed"),
		Styles.Bold.Render(fmt.Sprintf("%d", succeeded+failed)), Styles.Muted.Render("total"),
	)
}
