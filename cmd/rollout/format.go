package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	headerColor  = color.New(color.FgBlue, color.Bold)
	dimColor     = color.New(color.FgHiBlack)

	titleCaser = cases.Title(language.English)
)

// PrintSuccess prints a success message with a checkmark.
func PrintSuccess(msg string) {
	_, _ = successColor.Printf("✓ %s\n", msg)
}

// PrintWarning prints a warning message.
func PrintWarning(msg string) {
	_, _ = warningColor.Printf("⚠ %s\n", msg)
}

// PrintError prints an error message to stderr.
func PrintError(msg string) {
	_, _ = errorColor.Fprintf(os.Stderr, "✗ %s\n", msg)
}

// PrintHeader prints a table header row.
func PrintHeader(format string, cols ...any) {
	_, _ = headerColor.Printf(format+"\n", cols...)
}

// stateLabel renders a plan, step, or task state in a color matching its
// outcome, e.g. "Complete" in green.
func stateLabel(state string) string {
	if state == "" {
		return dimColor.Sprint("-")
	}
	label := titleCaser.String(strings.ReplaceAll(strings.ToLower(state), "_", " "))
	switch state {
	case "COMPLETE", "FINISHED", "RUNNING", "UNINSTALLED":
		return successColor.Sprint(label)
	case "ERROR", "FAILED", "LOST", "KILLED":
		return errorColor.Sprint(label)
	case "PENDING", "NONE":
		return dimColor.Sprint(label)
	}
	return warningColor.Sprint(label)
}

// outputJSON prints v as indented JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
