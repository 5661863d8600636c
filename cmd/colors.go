package cmd

import (
	"strings"

	"github.com/fatih/color"
)

var (
	colorSuccess = color.New(color.FgGreen).SprintFunc()
	colorInfo    = color.New(color.FgCyan).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorError   = color.New(color.FgRed).SprintFunc()
)

func formatStatusWithColor(status string) string {
	switch strings.ToLower(status) {
	case "ok", "success", "pass":
		return colorSuccess(status)
	case "error", "fail", "failed":
		return colorError(status)
	case "not_installed":
		return colorWarn(status)
	default:
		return status
	}
}

// formatVerdictWithColor colors a dynamic status: pinned is the good outcome.
func formatVerdictWithColor(status string) string {
	switch strings.ToLower(status) {
	case "pinned":
		return colorSuccess(status)
	case "not_pinned":
		return colorError(status)
	case "inconclusive", "degraded", "skipped":
		return colorWarn(status)
	default:
		return status
	}
}
