// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the convbridge CLI.
package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights
	ColorTealPrimary = lipgloss.Color("#20B9B4") // section titles
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Key      lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Box      lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary),
	Key:      lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Render returns the icon with its color.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// BreakerIcon maps a circuit state name to an icon.
func BreakerIcon(state string) Icon {
	switch state {
	case "CLOSED":
		return IconSuccess
	case "HALF_OPEN":
		return IconWarning
	case "OPEN":
		return IconError
	default:
		return IconPending
	}
}

// Panel builds a titled, boxed block of aligned key/value rows.
type Panel struct {
	title string
	keys  []string
	vals  []string
}

// NewPanel creates an empty panel.
func NewPanel(title string) *Panel {
	return &Panel{title: title}
}

// Row appends a key/value row and returns the panel.
func (p *Panel) Row(key string, value any) *Panel {
	p.keys = append(p.keys, key)
	p.vals = append(p.vals, fmt.Sprint(value))
	return p
}

// Render returns the boxed panel.
func (p *Panel) Render() string {
	width := 0
	for _, k := range p.keys {
		if w := lipgloss.Width(k); w > width {
			width = w
		}
	}

	var b strings.Builder
	b.WriteString(Styles.Subtitle.Render(p.title))
	for i, k := range p.keys {
		b.WriteString("\n")
		b.WriteString(Styles.Key.Render(k + strings.Repeat(" ", width-lipgloss.Width(k))))
		b.WriteString("  ")
		b.WriteString(p.vals[i])
	}
	return Styles.Box.Render(b.String())
}
