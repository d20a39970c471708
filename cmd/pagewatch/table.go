package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/hazyhaar/pagewatch/monitor"
)

// maxCell bounds the display width of a single table cell.
const maxCell = 48

// table renders rows as an aligned plain-text table. Widths are display
// widths so that CJK and accented page titles line up.
func table(w io.Writer, header []string, rows [][]string) error {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			row[i] = runewidth.Truncate(row[i], maxCell, "…")
			if n := runewidth.StringWidth(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sb strings.Builder
	line := func(cells []string) {
		for i := range widths {
			var c string
			if i < len(cells) {
				c = cells[i]
			}
			if i < len(widths)-1 {
				sb.WriteString(runewidth.FillRight(c, widths[i]))
				sb.WriteString("  ")
			} else {
				sb.WriteString(c)
			}
		}
		sb.WriteString("\n")
	}
	line(header)
	rule := make([]string, len(widths))
	for i, n := range widths {
		rule[i] = strings.Repeat("-", n)
	}
	line(rule)
	for _, row := range rows {
		line(row)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func printChanges(w io.Writer, recs []*monitor.Record, names map[string]string) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(w, "no changes recorded")
		return err
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		name := names[r.TargetID]
		if name == "" {
			name = r.TargetID
		}
		alert := ""
		if r.ShouldAlert {
			alert = "yes"
		}
		rows = append(rows, []string{
			fmt.Sprint(r.ID),
			r.DetectedAt.UTC().Format(time.DateTime),
			name,
			r.MagnitudeCategory,
			fmt.Sprintf("%.1f", r.MagnitudeScore),
			alert,
			r.Summary,
		})
	}
	return table(w, []string{"ID", "DETECTED", "TARGET", "CATEGORY", "SCORE", "ALERT", "SUMMARY"}, rows)
}

func printProgress(w io.Writer, p *monitor.Progress, asJSON bool) error {
	if asJSON {
		return printJSON(w, p)
	}
	updated := "-"
	if !p.UpdatedAt.IsZero() {
		updated = p.UpdatedAt.UTC().Format(time.DateTime)
	}
	return table(w, []string{"JOB", "STATE", "PROCESSED", "TOTAL", "PERCENT", "UPDATED"}, [][]string{{
		p.Job, p.State, fmt.Sprint(p.Processed), fmt.Sprint(p.Total), fmt.Sprintf("%.1f%%", p.PercentComplete), updated,
	}})
}

func printReport(w io.Writer, rep *monitor.RunReport, asJSON bool) error {
	if asJSON {
		return printJSON(w, rep)
	}
	if err := table(w, []string{"JOB", "STATE", "THIS RUN", "PROCESSED", "TOTAL", "CHANGES", "ERRORS"}, [][]string{{
		rep.Job, rep.State, fmt.Sprint(rep.ProcessedThisRun), fmt.Sprint(rep.Processed),
		fmt.Sprint(rep.Total), fmt.Sprint(rep.Changes), fmt.Sprint(len(rep.Errors)),
	}}); err != nil {
		return err
	}
	for _, e := range rep.Errors {
		if _, err := fmt.Fprintf(w, "  %s: %s\n", e.TargetID, e.Error); err != nil {
			return err
		}
	}
	return nil
}
