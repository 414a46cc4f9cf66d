package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/mattjoyce/tubeaudio/internal/janitor"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// wantJSON reports whether results go out as JSON: forced by flag, or when
// stdout is not a terminal.
func wantJSON(forced bool, w io.Writer) bool {
	if forced {
		return true
	}
	file, ok := w.(*os.File)
	if !ok {
		return true
	}
	fd := file.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func renderSweepReport(r janitor.Report) string {
	summary := fmt.Sprintf("sweep %s: scanned %d, deleted %d, failed %d in %dms\n",
		r.RunID, r.Scanned, len(r.Deleted), len(r.Failed), r.DurationMS)
	if r.Error != "" {
		summary += "error: " + r.Error + "\n"
	}

	rows := make([][]string, 0, len(r.Deleted)+len(r.Failed))
	for _, d := range r.Deleted {
		created := "-"
		if !d.CreatedAt.IsZero() {
			created = d.CreatedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{"deleted", d.JobID, created, ""})
	}
	for _, f := range r.Failed {
		rows = append(rows, []string{"failed", f.Path, "-", f.Error})
	}
	if len(rows) == 0 {
		return summary
	}
	return summary + renderTable([]string{"Result", "Job", "Created", "Error"}, rows, nil) + "\n"
}

func renderPurgeResult(r janitor.PurgeResult) string {
	rows := [][]string{{r.RunID, strconv.Itoa(r.Removed), r.Error}}
	return renderTable([]string{"Run", "Removed", "Error"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft}) + "\n"
}
