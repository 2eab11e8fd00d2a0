package ui

import "fmt"

// ANSI256 color codes used for status output.
const (
	colorHealthy  = 114 // green
	colorDegraded = 214 // orange
	colorOffline  = 203 // red
	colorMuted    = 245 // medium gray
)

var noColor bool

// RenderHealthy returns s in green.
func RenderHealthy(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", colorHealthy, s)
}

// RenderDegraded returns s in orange.
func RenderDegraded(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", colorDegraded, s)
}

// RenderOffline returns s in red.
func RenderOffline(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", colorOffline, s)
}

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", colorMuted, s)
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
