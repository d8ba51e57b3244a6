package tui

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	PrimaryColor = lipgloss.Color("#00D4FF") // Cyan
	SuccessColor = lipgloss.Color("#10B981") // Green
	ErrorColor   = lipgloss.Color("#EF4444") // Red
	WarningColor = lipgloss.Color("#F59E0B") // Amber
	InfoColor    = lipgloss.Color("#3B82F6") // Blue

	TextColor    = lipgloss.Color("#E5E7EB")
	MutedColor   = lipgloss.Color("#9CA3AF")
	DimColor     = lipgloss.Color("#6B7280")
	SurfaceColor = lipgloss.Color("#374151")
	BorderColor  = lipgloss.Color("#4B5563")
	HighlightBg  = lipgloss.Color("#2D3748")
)

var (
	// TitleStyle is the screen title
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor)

	// SectionStyle labels a provider group
	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(MutedColor).
			MarginTop(1)

	// MenuItemStyle for normal rows
	MenuItemStyle = lipgloss.NewStyle().
			Foreground(TextColor)

	// SelectedItemStyle for the row under the cursor
	SelectedItemStyle = lipgloss.NewStyle().
				Foreground(PrimaryColor).
				Bold(true).
				Background(HighlightBg)

	// CursorStyle for the selection cursor
	CursorStyle = lipgloss.NewStyle().
			Foreground(PrimaryColor).
			Bold(true)
)

// Badges
var (
	SuccessBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(SuccessColor).
			Bold(true).
			Padding(0, 1)

	WarningBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(WarningColor).
			Bold(true).
			Padding(0, 1)

	InfoBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(InfoColor).
			Bold(true).
			Padding(0, 1)

	MutedBadge = lipgloss.NewStyle().
			Foreground(TextColor).
			Background(SurfaceColor).
			Padding(0, 1)
)

// Help footer
var (
	HelpStyle = lipgloss.NewStyle().
			Foreground(DimColor).
			MarginTop(1)

	HelpKeyStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Bold(true)

	HelpDescStyle = lipgloss.NewStyle().
			Foreground(DimColor)
)
