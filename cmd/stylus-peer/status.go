package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/omasakun/remote-stylus/internal/handshake"
)

var (
	accentColor  = lipgloss.Color("#22d3ee")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	badgeText    = lipgloss.Color("#111827")
)

var (
	badgeStyle = lipgloss.NewStyle().
			Foreground(badgeText).
			Padding(0, 1).
			Bold(true)

	codeStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

func statusColor(s handshake.Status) lipgloss.Color {
	switch s {
	case handshake.StatusConnected:
		return successColor
	case handshake.StatusError:
		return errorColor
	case handshake.StatusClosed:
		return mutedColor
	case handshake.StatusWaiting:
		return accentColor
	default:
		return warningColor
	}
}

// renderStatus formats one status update as a single terminal line.
func renderStatus(role handshake.Role, u handshake.StatusUpdate) string {
	badge := badgeStyle.Background(statusColor(u.Status)).Render(string(u.Status))

	switch {
	case u.Err != nil:
		return badge + " " + errorStyle.Render(u.Err.Error())
	case u.Status == handshake.StatusWaiting && u.Code != "":
		return badge + " room code " + codeStyle.Render(u.Code) +
			mutedStyle.Render("  run: stylus-peer join "+u.Code)
	case u.Status == handshake.StatusConnected:
		return badge + " " + mutedStyle.Render("direct channel open ("+role.String()+")")
	default:
		return badge + " " + mutedStyle.Render(role.String())
	}
}
