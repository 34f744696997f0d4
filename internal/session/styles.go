package session

import "github.com/charmbracelet/lipgloss"

var (
	brandPrimary = lipgloss.Color("#7C3AED")
	brandAccent  = lipgloss.Color("#10B981")
	brandError   = lipgloss.Color("#EF4444")
	textMuted    = lipgloss.Color("#6B7280")

	titleStyle = lipgloss.NewStyle().
			Foreground(brandPrimary).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(brandPrimary)

	successStyle = lipgloss.NewStyle().
			Foreground(brandAccent)

	errorStyle = lipgloss.NewStyle().
			Foreground(brandError).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(textMuted)
)
