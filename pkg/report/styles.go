package report

import "github.com/charmbracelet/lipgloss"

// Color Palette
// Shared by every rendered report so the CLI output looks the same everywhere.
var (
	salmonPink  = lipgloss.Color("#FFB3BA") // Soft pastel salmon pink - primary accent, failures
	coralPink   = lipgloss.Color("#FFCCCB") // Lighter coral accent - warnings
	mintGreen   = lipgloss.Color("#A8E6CF") // Soft mint green - healthy chains
	mutedGray   = lipgloss.Color("#6B7280") // Muted gray - secondary text
	brightWhite = lipgloss.Color("#F9FAFB") // Bright white - primary text
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	chainStyle = lipgloss.NewStyle().
			Foreground(brightWhite).
			Bold(true)

	okStyle = lipgloss.NewStyle().
			Foreground(mintGreen).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(coralPink).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	detailStyle = lipgloss.NewStyle().
			Foreground(mutedGray)

	contentStyle = lipgloss.NewStyle().
			Foreground(brightWhite)

	tagStyle = lipgloss.NewStyle().
			Foreground(mintGreen)

	errorListStyle = lipgloss.NewStyle().
				Foreground(salmonPink).
				PaddingLeft(4)
)
