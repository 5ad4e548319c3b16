package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/sprite-ai/agmend/internal/escalation"
	"github.com/sprite-ai/agmend/internal/model"
)

// Color palette.
var (
	colorRed       = lipgloss.Color("#ff5555")
	colorGreen     = lipgloss.Color("#50fa7b")
	colorYellow    = lipgloss.Color("#f1fa8c")
	colorBlue      = lipgloss.Color("#8be9fd")
	colorPurple    = lipgloss.Color("#bd93f9")
	colorPink      = lipgloss.Color("#ff79c6")
	colorDim       = lipgloss.Color("#6272a4")
	colorBgLight   = lipgloss.Color("#343746")
	colorFg        = lipgloss.Color("#f8f8f2")
	colorOrange    = lipgloss.Color("#ffb86c")
	colorBorder    = lipgloss.Color("#44475a")
	colorHighlight = lipgloss.Color("#44475a")
)

var (
	// List pane
	listStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	listItemStyle = lipgloss.NewStyle().
			Foreground(colorFg)

	listItemSelectedStyle = lipgloss.NewStyle().
				Foreground(colorFg).
				Background(colorHighlight).
				Bold(true)

	listItemFailingStyle = lipgloss.NewStyle().
				Foreground(colorRed)

	// Detail pane
	detailStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorBlue).
			Bold(true).
			Padding(0, 0, 1, 0)

	lineNumberStyle = lipgloss.NewStyle().
			Foreground(colorDim).
			Width(4).
			Align(lipgloss.Right)

	agentStyle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(colorBlue)

	okStyle = lipgloss.NewStyle().
		Foreground(colorGreen)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	diagnosisStyle = lipgloss.NewStyle().
			Foreground(colorPink).
			Italic(true)

	plainStyle = lipgloss.NewStyle().
			Foreground(colorFg)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	addedLineStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	deletedLineStyle = lipgloss.NewStyle().
				Foreground(colorRed)

	hunkHeaderStyle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	// Status bar
	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorFg).
			Background(colorBgLight).
			Padding(0, 1)

	// Help
	helpBarStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(colorYellow)
)

func riskStyle(r model.RiskLevel) lipgloss.Style {
	switch r {
	case model.RiskCritical:
		return lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	case model.RiskHigh:
		return lipgloss.NewStyle().Foreground(colorOrange).Bold(true)
	case model.RiskMedium:
		return lipgloss.NewStyle().Foreground(colorYellow)
	case model.RiskLow:
		return lipgloss.NewStyle().Foreground(colorBlue)
	default:
		return dimStyle
	}
}

func decisionStyle(d escalation.Decision) lipgloss.Style {
	s := lipgloss.NewStyle().Background(colorBgLight).Bold(true)
	switch d {
	case escalation.DecisionSmartRecovery:
		return s.Foreground(colorRed)
	case escalation.DecisionDiagnose:
		return s.Foreground(colorYellow)
	default:
		return s.Foreground(colorGreen)
	}
}
