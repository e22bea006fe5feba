package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/liliang-cn/askgen/internal/domain"
	"github.com/liliang-cn/askgen/internal/session"
)

type styles struct {
	OK    lipgloss.Style
	Error lipgloss.Style
	Idle  lipgloss.Style
	Dim   lipgloss.Style
}

func newStyles() styles {
	return styles{
		OK:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f")),
		Error: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f5f")),
		Idle:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#e3b341")),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")),
	}
}

// status renders the one-line summary of a snapshot
func (s styles) status(snap session.Snapshot) string {
	switch snap.Status {
	case domain.StatusComplete:
		var parts []string
		if m := snap.Metrics; m != nil {
			if m.ModelUsed != "" {
				parts = append(parts, m.ModelUsed)
			}
			if m.TokensUsed != nil {
				parts = append(parts, fmt.Sprintf("%d tokens", *m.TokensUsed))
			}
			if m.GenerationTime != nil {
				parts = append(parts, fmt.Sprintf("%dms", *m.GenerationTime))
			}
		}
		if n := len(snap.Sources); n > 0 {
			parts = append(parts, fmt.Sprintf("%d sources", n))
		}
		line := s.OK.Render("✓ complete")
		if len(parts) > 0 {
			line += " " + s.Dim.Render(strings.Join(parts, " · "))
		}
		return line

	case domain.StatusError:
		line := s.Error.Render("✗ " + snap.Error)
		if snap.ErrorKind != session.ErrorNone {
			line += " " + s.Dim.Render("("+string(snap.ErrorKind)+")")
		}
		return line

	case domain.StatusIdle:
		return s.Idle.Render("■ cancelled")
	}
	return s.Dim.Render(fmt.Sprintf("… %s via %s", snap.Status, snap.Mode))
}
