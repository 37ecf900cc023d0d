package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// stderr receives all human-facing CLI output so stdout stays pipeable.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// isTerminal reports whether f is attached to a character device. Output
// redirected to a file or pipe (cron jobs, log shippers) gets no escapes.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func printLine(color, mark, format string, args ...any) {
	fmt.Fprintln(stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }

// printStatus writes an aligned "label: value" line for the status view.
func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %-13s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printQueueState renders a tenant queue. A backlog is highlighted, and so
// is a backlog with no worker, which means messages are waiting on a restart.
func printQueueState(pending int, active bool) {
	p := fmt.Sprintf("%d", pending)
	if pending > 0 {
		p = colorize(colorYellow, p)
	}
	printStatus("Pending", "%s", p)

	w := "idle"
	switch {
	case active:
		w = colorize(colorGreen, "running")
	case pending > 0:
		w = colorize(colorRed, "stalled")
	}
	printStatus("Worker", "%s", w)
}

type deadLetterRow struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`
	FailedAt  string `json:"failed_at"`
}

func printDeadLetters(w io.Writer, rows []deadLetterRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No dead letters.")
		return
	}
	for _, j := range rows {
		fmt.Fprintf(w, "%s  %s  %s  attempts=%d  %s\n",
			colorize(colorCyan, j.ID),
			j.FailedAt,
			j.TenantID,
			j.Attempts,
			truncate(j.LastError, 80),
		)
	}
}
