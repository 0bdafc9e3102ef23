package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/storage"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/store"
)

var (
	headingColor = color.New(color.FgCyan, color.Bold)
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed)
	dimColor     = color.New(color.FgHiBlack)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderSegmentation(w io.Writer, seg models.Segmentation, maxSegments int) {
	if seg.IsEmpty() {
		fmt.Fprintln(w, "no data")
		return
	}
	headingColor.Fprintf(w, "%s by %s\n", seg.XKey, seg.YKey)
	dimColor.Fprintf(w, "grand total %.2f\n\n", seg.GrandTotal())

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\tSHARE\tTOTAL\t%s\n", strings.ToUpper(seg.XKey), strings.ToUpper(seg.YKey))
	for _, col := range seg.Columns {
		parts := make([]string, 0, len(col.Segments))
		for j, s := range col.Segments {
			if maxSegments > 0 && j >= maxSegments {
				parts = append(parts, fmt.Sprintf("+%d more", len(col.Segments)-maxSegments))
				break
			}
			parts = append(parts, fmt.Sprintf("%s %.2f%%", s.CategoryY, s.SharePct))
		}
		fmt.Fprintf(tw, "%s\t%.2f%%\t%.2f\t%s\n", col.CategoryX, col.TotalSharePct, col.TotalMeasure, strings.Join(parts, ", "))
	}
	tw.Flush()
}

func renderDimensions(w io.Writer, snap *store.Snapshot, stats store.CacheStats) {
	headingColor.Fprintf(w, "%s\n", snap.SourceID)
	dimColor.Fprintf(w, "%d records, loaded %s\n\n", len(snap.Records), snap.LoadedAt.Format("2006-01-02 15:04:05"))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DIMENSION\tLABEL\tTYPE")
	for _, d := range snap.Dimensions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Key, d.Label, d.InferredType)
	}
	tw.Flush()
	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MEASURE\tLABEL\tKIND")
	for _, m := range snap.Measures {
		marker := ""
		if m.Key == snap.PrimaryMeasure {
			marker = " (primary)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s%s\n", m.Key, m.Label, m.Kind, marker)
	}
	tw.Flush()
	dimColor.Fprintf(w, "\ncache: %d entries, %d hits, %d misses, %d loads\n", stats.Entries, stats.Hits, stats.Misses, stats.Loads)
}

func renderCandidates(w io.Writer, findings []models.Finding) {
	if len(findings) == 0 {
		fmt.Fprintln(w, "No gaps found.")
		return
	}
	headingColor.Fprintf(w, "Candidate findings (%d)\n", len(findings))
	for i, f := range findings {
		fmt.Fprintf(w, "%2d. %s\n", i+1, f.Title)
		fmt.Fprintf(w, "    %s\n", f.Phenomenon)
		if meta := findingMeta(f); meta != "" {
			dimColor.Fprintf(w, "    %s\n", meta)
		}
	}
}

func findingMeta(f models.Finding) string {
	var parts []string
	if len(f.Entities) > 0 {
		parts = append(parts, "entities: "+strings.Join(f.Entities, ", "))
	}
	if f.Channel != "" {
		parts = append(parts, "channel: "+f.Channel)
	}
	if f.Basis != "" {
		parts = append(parts, "basis: "+f.Basis)
	}
	return strings.Join(parts, "; ")
}

func renderOutcome(w io.Writer, i, total int, f models.Finding) {
	if f.Status == models.FindingFailed {
		failColor.Fprintf(w, "[%d/%d] ✗ %s\n", i+1, total, f.Title)
	} else {
		okColor.Fprintf(w, "[%d/%d] ✓ %s\n", i+1, total, f.Title)
	}
	fmt.Fprintf(w, "      cause: %s\n", f.Cause)
}

func renderReport(w io.Writer, r *models.Report) {
	headingColor.Fprintf(w, "Report %s\n", r.ID)
	dimColor.Fprintf(w, "source %s, %s × %s, completed %s\n", r.SourceID, r.XKey, r.YKey, r.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	if r.Brand != "" {
		fmt.Fprintf(w, "brand: %s\n", r.Brand)
	}
	fmt.Fprintln(w)
	for i, f := range r.Findings {
		renderOutcome(w, i, len(r.Findings), f)
		fmt.Fprintf(w, "      observed: %s\n", f.Phenomenon)
	}
	if failed := r.Failed(); failed > 0 {
		failColor.Fprintf(w, "\n%d of %d findings failed; rerun them with `gapscope investigate --keep`.\n", failed, len(r.Findings))
	}
}

func renderReportList(w io.Writer, reports []storage.Summary) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No archived reports.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCOMPLETED\tSOURCE\tBRAND\tAXES\tFINDINGS\tFAILED")
	for _, r := range reports {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s×%s\t%d\t%d\n",
			r.ID, r.CompletedAt.Local().Format("2006-01-02 15:04"), r.SourceID, r.Brand, r.XKey, r.YKey, r.Findings, r.Failed)
	}
	tw.Flush()
}
