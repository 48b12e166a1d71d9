package history

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/juju/errors"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

type jsonExport struct {
	*core.RunReport
	Summary core.Summary `json:"summary"`
}

// WriteJSON writes the report as one indented JSON document.
func WriteJSON(name string, report *core.RunReport) error {
	data, err := json.MarshalIndent(&jsonExport{RunReport: report, Summary: report.Summary()}, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(name, data, 0644))
}

// PrintSummary prints the console summary of a report.
func PrintSummary(w io.Writer, report *core.RunReport) {
	s := report.Summary()
	line := strings.Repeat("=", 80)
	fmt.Fprintf(w, "\n%s\nTEST SUMMARY (%s, run %s)\n%s\n", line, report.Environment, report.RunID, line)
	fmt.Fprintf(w, "Total Tests:   %d\n", s.Total)
	fmt.Fprintf(w, "Passed:        %d (%.1f%%)\n", s.Passed, percent(s.Passed, s.Total))
	fmt.Fprintf(w, "Failed:        %d (%.1f%%)\n", s.Failed, percent(s.Failed, s.Total))
	fmt.Fprintf(w, "Errors:        %d\n", s.Errored)
	fmt.Fprintf(w, "\nTotal Execution Time: %.2fs\n", s.Elapsed.Seconds())
	if l := LatencyOf(report.Outcomes); l.Count > 0 {
		fmt.Fprintf(w, "Case Latency:  p50 %s, p95 %s, max %s\n", l.P50, l.P95, l.Max)
	}
	if report.Fatal != "" {
		fmt.Fprintf(w, "FATAL: %s\n", report.Fatal)
	}
	if len(report.Collisions) > 0 {
		fmt.Fprintf(w, "Collisions:    %d\n", len(report.Collisions))
	}
	fmt.Fprintf(w, "%s\n", line)

	var bad []core.Outcome
	for _, o := range report.Outcomes {
		if o.Status != core.StatusPassed {
			bad = append(bad, o)
		}
	}
	if len(bad) == 0 {
		return
	}
	fmt.Fprintln(w, "Failed/Error Tests:")
	for _, o := range bad {
		fmt.Fprintf(w, "  - %s [%s] (%s)\n", o.ID, o.Status, o.Source)
		if o.Error != "" {
			fmt.Fprintf(w, "    Error: %s\n", truncate(o.Error, 200))
		}
	}
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
