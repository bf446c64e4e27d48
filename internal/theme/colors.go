package theme

import "github.com/charmbracelet/lipgloss"

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorOverlay0 = lipgloss.Color("#6c7086")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorTeal     = lipgloss.Color("#94e2d5")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

var (
	Title = lipgloss.NewStyle().Foreground(ColorLavender).Bold(true)
	Dim   = lipgloss.NewStyle().Foreground(ColorOverlay0)
	Error = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
)

// Subagent status styles
var (
	StatusIdle    = lipgloss.NewStyle().Foreground(ColorOverlay0)
	StatusRunning = lipgloss.NewStyle().Foreground(ColorYellow).Bold(true)
	StatusReplied = lipgloss.NewStyle().Foreground(ColorGreen).Bold(true)
	StatusError   = lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
)

// SubagentStatus renders a subagent status with its color.
func SubagentStatus(status string) string {
	switch status {
	case "running":
		return StatusRunning.Render(status)
	case "replied":
		return StatusReplied.Render(status)
	case "error":
		return StatusError.Render(status)
	default:
		return StatusIdle.Render(status)
	}
}

// EventStyle returns the style for a chat or log event type.
func EventStyle(eventType string) lipgloss.Style {
	switch eventType {
	case "text", "assistant":
		return lipgloss.NewStyle().Foreground(ColorText)
	case "thinking":
		return lipgloss.NewStyle().Foreground(ColorSubtext0).Italic(true)
	case "tool_call", "tool_start":
		return lipgloss.NewStyle().Foreground(ColorBlue)
	case "tool_end", "tool_output":
		return lipgloss.NewStyle().Foreground(ColorTeal)
	case "user", "message":
		return lipgloss.NewStyle().Foreground(ColorMauve)
	case "diff":
		return lipgloss.NewStyle().Foreground(ColorPeach)
	case "session_reset", "session", "skip":
		return Dim
	case "done":
		return lipgloss.NewStyle().Foreground(ColorGreen).Bold(true)
	case "error", "stderr":
		return Error
	}
	return lipgloss.NewStyle()
}
