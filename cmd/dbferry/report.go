package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Limetric/dbferry/internal/model"
)

func printAnalysis(w io.Writer, res *model.SchemaAnalysisResult) {
	s := res.Statistics
	fmt.Fprintf(w, "%s schema: %d tables, %d columns, %d indexes, %d foreign keys\n",
		res.Dialect, s.TableCount, s.ColumnCount, s.IndexCount, s.ForeignKeys)
	fmt.Fprintf(w, "objects: %d views, %d procedures, %d triggers\n", s.ViewCount, s.ProcedureCount, s.TriggerCount)
	fmt.Fprintf(w, "estimated: %s rows, %s\n", humanize.Comma(s.EstimatedRows), humanize.Bytes(uint64(max(s.EstimatedBytes, 0))))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tCOLUMNS\tINDEXES\tFKS\tROWS")
	for _, t := range res.Tables {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", t.QualifiedName(), len(t.Columns), len(t.Indexes), len(t.ForeignKeys), humanize.Comma(t.EstimatedRows))
	}
	tw.Flush()

	is := res.Issues
	if is.Count() == 0 {
		fmt.Fprintln(w, "no schema findings")
		return
	}
	fmt.Fprintf(w, "%d finding(s):\n", is.Count())
	for _, t := range is.TablesWithoutPrimaryKey {
		fmt.Fprintf(w, "  no primary key: %s\n", t)
	}
	for _, r := range is.RedundantIndexes {
		fmt.Fprintf(w, "  redundant index: %s.%s (covered by %s)\n", r.Table, r.Index, r.CoveredBy)
	}
	for _, m := range is.MissingIndexes {
		fmt.Fprintf(w, "  missing index: %s(%s) for %s\n", m.Table, strings.Join(m.Columns, ", "), m.ForeignKey)
	}
	for _, c := range is.CircularDependencies {
		fmt.Fprintf(w, "  circular foreign keys: %s\n", strings.Join(c, " -> "))
	}
	for _, n := range is.NamingInconsistencies {
		fmt.Fprintf(w, "  naming: table %s is %s, columns are %s\n", n.Table, n.TableStyle, n.ColumnStyle)
	}
}

func printPlan(w io.Writer, plan *model.MigrationPlan) {
	fmt.Fprintf(w, "plan v%d: %s -> %s\n", plan.Version, plan.SourceDialect, plan.TargetDialect)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tTARGET\tCOLUMNS\tNOTE")
	for _, m := range plan.Tables {
		note := ""
		switch {
		case m.Skip:
			note = "skipped"
		case m.OverrideSQL != "":
			note = "custom query"
		case m.RowFilter != "":
			note = "filtered"
		}
		target := m.TargetTable
		if m.TargetSchema != "" {
			target = m.TargetSchema + "." + target
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.SourceTable, target, len(m.Columns), note)
	}
	tw.Flush()
	if n := len(plan.DeferredForeignKeys); n > 0 {
		fmt.Fprintf(w, "%d foreign key(s) deferred to break cycles\n", n)
	}
	for _, warn := range plan.Warnings {
		fmt.Fprintf(w, "WARN: %s\n", warn)
	}
}

func printStatus(w io.Writer, p *model.ConversionProject) {
	fmt.Fprintf(w, "project %s (%s)\n", p.Name, p.ID)
	fmt.Fprintf(w, "status: %s, %d%%, updated %s\n", p.Status, p.Progress, humanize.Time(p.UpdatedAt))
	if p.Error != "" {
		fmt.Fprintf(w, "error in %s: %s\n", p.FailedStage, p.Error)
	}
	if m := p.LatestMigration(); m != nil {
		fmt.Fprintf(w, "migration attempt %d: %s, %s rows, %s skipped, %s failed, %d table(s) failed, %s\n",
			m.Attempt, m.Stage,
			humanize.Comma(m.TotalRowsProcessed), humanize.Comma(m.TotalRowsSkipped), humanize.Comma(m.TotalRowsFailed),
			m.FailedTables, m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond))
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TABLE\tROWS\tSKIPPED\tFAILED\tRETRIES\tRESULT")
		for _, t := range m.Tables {
			result := "ok"
			if !t.Success {
				result = t.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", t.SourceTable,
				humanize.Comma(t.RowsProcessed), humanize.Comma(t.RowsSkipped), humanize.Comma(t.RowsFailed), t.Retries, result)
		}
		tw.Flush()
	}
	if c := p.Compatibility; c != nil {
		applied := 0
		for _, o := range c.Objects {
			if o.Applied {
				applied++
			}
		}
		fmt.Fprintf(w, "compatibility layer: %d object(s), %d applied\n", len(c.Objects), applied)
	}
	if v := p.Validation; v != nil {
		fmt.Fprintf(w, "validation: %d table(s), %d issue(s)\n", len(v.Tables), len(v.Issues))
		for _, is := range v.Issues {
			fmt.Fprintf(w, "  %s [%s]: %s\n", is.Table, is.Kind, is.Message)
		}
	}
}

func printLogs(w io.Writer, entries []model.LogEntry) {
	for _, e := range entries {
		where := e.Stage
		if e.Table != "" {
			where += "/" + e.Table
		}
		fmt.Fprintf(w, "%s %-5s %s %s\n", e.Time.Format(time.RFC3339), strings.ToUpper(string(e.Level)), where, e.Message)
	}
}
