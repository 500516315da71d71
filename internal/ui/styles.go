package ui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#0969DA")
	accentColor  = lipgloss.Color("#2DA44E")
	warningColor = lipgloss.Color("#D29922")
	errorColor   = lipgloss.Color("#CF222E")
	dimColor     = lipgloss.Color("#6E7681")
	linkColor    = lipgloss.Color("#58A6FF")
	dateColor    = lipgloss.Color("#A371F7")
	typeColor    = lipgloss.Color("#FFA657")

	HeaderStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	InfoStyle = lipgloss.NewStyle().
			Foreground(primaryColor)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	BadgeStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	LinkStyle = lipgloss.NewStyle().
			Foreground(linkColor).
			Underline(true)

	DateStyle = lipgloss.NewStyle().
			Foreground(dateColor)

	TypeStyle = lipgloss.NewStyle().
			Foreground(typeColor).
			Bold(true)
)
