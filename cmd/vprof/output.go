package main

import (
	"fmt"
	"os"

	"github.com/kalambet/vprof/internal/capture"
)

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, marker, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, marker+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }
func printStep(format string, args ...any)    { printLine(colorCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// statusColor picks the colour a capture status is shown in.
func statusColor(s capture.Status) string {
	switch s {
	case capture.StatusRecording:
		return colorRed
	case capture.StatusSelecting, capture.StatusCapturing, capture.StatusFinalizing:
		return colorMagenta
	case capture.StatusError:
		return colorYellow
	}
	return colorGreen
}

// captureLine renders a capture session as "status (mode): notice".
func captureLine(s capture.Session) string {
	line := colorize(statusColor(s.Status), string(s.Status))
	if s.Mode != "" {
		line += fmt.Sprintf(" (%s)", s.Mode)
	}
	if s.Message != "" {
		line += ": " + s.Message
	}
	return line
}
