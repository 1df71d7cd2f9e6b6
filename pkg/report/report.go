// Package report renders enrichment runs as terminal or Markdown tables.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/orneryd/ekgenrich/pkg/enrich"
	"github.com/orneryd/ekgenrich/pkg/ledger"
)

// Format selects the table rendering.
type Format int

const (
	ASCII    Format = iota // box-drawing terminal table
	Markdown               // GitHub-flavoured Markdown
)

// ParseFormat maps a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text", "ascii", "table":
		return ASCII, nil
	case "markdown", "md":
		return Markdown, nil
	default:
		return ASCII, fmt.Errorf("unknown report format %q (want text or markdown)", s)
	}
}

const maxErrorWidth = 60

func newWriter(f Format) table.Writer {
	w := table.NewWriter()
	if f == ASCII {
		w.SetStyle(table.StyleLight)
	}
	return w
}

func render(w table.Writer, f Format) string {
	if f == Markdown {
		return w.RenderMarkdown()
	}
	return w.Render()
}

// Run renders one row per entry with a totals footer.
func Run(res *enrich.RunResult, f Format) string {
	w := newWriter(f)
	w.AppendHeader(table.Row{"Stage", "Entry", "Outcome", "Count", "Processed", "Ambiguous", "Duration", "Error"})

	var count, processed int64
	var ambiguous int
	for _, e := range res.Entries {
		count += e.Count
		processed += e.Processed
		ambiguous += len(e.Ambiguities)
		errText := ""
		if e.Err != nil {
			errText = truncate(e.Err.Error(), maxErrorWidth)
		}
		w.AppendRow(table.Row{
			e.Stage, e.Name, outcomeMark(e.Outcome), e.Count, e.Processed,
			len(e.Ambiguities), fmtDuration(e.Duration), errText,
		})
	}
	w.AppendFooter(table.Row{
		"total", fmt.Sprintf("%d entries", len(res.Entries)),
		fmt.Sprintf("%d failed", len(res.Failed())),
		count, processed, ambiguous, fmtDuration(res.Duration()), "",
	})
	w.SetColumnConfigs(numericColumns(4, 5, 6))
	return render(w, f)
}

// Ambiguities renders every ambiguous lifecycle of a run.
func Ambiguities(res *enrich.RunResult, f Format) string {
	w := newWriter(f)
	w.AppendHeader(table.Row{"Stage", "Entry", "Object", "Kind", "Chosen", "Candidates"})
	for _, e := range res.Entries {
		for _, a := range e.Ambiguities {
			chosen := a.Chosen
			if chosen == "" {
				chosen = "-"
			}
			w.AppendRow(table.Row{e.Stage, e.Name, a.ObjectID, a.Kind, chosen, strings.Join(a.Candidates, ", ")})
		}
	}
	return render(w, f)
}

// History renders ledger records, one row per run.
func History(runs []ledger.RunRecord, f Format) string {
	w := newWriter(f)
	w.AppendHeader(table.Row{"Run", "Plan", "Started", "Duration", "Entries", "Failed"})
	for _, r := range runs {
		w.AppendRow(table.Row{
			r.ID, r.Plan, r.StartedAt.UTC().Format(time.RFC3339),
			fmtDuration(r.FinishedAt.Sub(r.StartedAt)), len(r.Entries), r.Failed(),
		})
	}
	w.SetColumnConfigs(numericColumns(5, 6))
	return render(w, f)
}

func numericColumns(numbers ...int) []table.ColumnConfig {
	cfgs := make([]table.ColumnConfig, len(numbers))
	for i, n := range numbers {
		cfgs[i] = table.ColumnConfig{Number: n, Align: text.AlignRight, AlignFooter: text.AlignRight}
	}
	return cfgs
}

func outcomeMark(o enrich.Outcome) string {
	switch o {
	case enrich.OutcomeSucceeded:
		return "✓ " + string(o)
	case enrich.OutcomeFailed:
		return "✗ " + string(o)
	default:
		return "- " + string(o)
	}
}

// fmtDuration formats as "Xm Ys", "Y.YYs" or "Nms".
func fmtDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		s := int(d.Seconds())
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
