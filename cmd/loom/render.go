package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// paintStatus colors a project, plan, or task status for terminal output.
func paintStatus(status string) string {
	switch status {
	case "completed", "approved", "ready", "passed", "online":
		return green(status)
	case "failed", "cancelled", "offline":
		return red(status)
	case "executing", "running", "planning", "queued":
		return cyan(status)
	case "paused", "needs_review", "superseded", "degraded", "human_needed", "gaps_found":
		return yellow(status)
	default:
		return gray(status)
	}
}

// table renders rows with aligned columns. Headers are bolded.
func table(w io.Writer, headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, bold(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

func money(v float64) string {
	return fmt.Sprintf("$%.4f", v)
}

func shortTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
