package investigate

import (
	"fmt"
	"strings"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/segment"
)

const scanInstructions = `You are a market-share analyst looking for "scissors gaps": notable divergences in share or growth between comparable entities.

Return every gap you find as a JSON array inside one fenced block:
` + "```json" + `
[{"title": "...", "phenomenon": "...", "entities": ["...", "..."], "channel": "...", "basis": "share|growth"}]
` + "```" + `

Rules:
- "phenomenon" states the observed numbers; do not explain causes yet.
- "entities" lists the compared brands or products exactly as they appear in the data.
- "channel" is the channel the comparison is about, empty if it spans all channels.
- "basis" says whether the gap is computed on share or on growth.
- Merge duplicates: two gaps about the same entities, the same channel and the same basis are one gap.`

const deepDiveInstructions = `You are a market-share analyst explaining the cause of one competitive gap.

Use the tools to look up facts before answering. Names are matched tolerantly, so call dimension_values when unsure of a name. A result with status "no_matching_rows" means the data has nothing for that filter; do not treat it as zero.

When you have enough evidence, answer with one fenced JSON block and nothing else:
` + "```json" + `
{"cause": "..."}
` + "```"

func scanSystemPrompt(cfg Config) string {
	var b strings.Builder
	b.WriteString(scanInstructions)
	if cfg.DomainContext != "" {
		b.WriteString("\n\nDomain context:\n")
		b.WriteString(cfg.DomainContext)
	}
	return b.String()
}

func scanUserPrompt(cfg Config, seg models.Segmentation, facts string) string {
	var b strings.Builder
	if cfg.Brand != "" {
		fmt.Fprintf(&b, "Focus brand: %s\n\n", cfg.Brand)
	}
	b.WriteString("Share breakdown:\n")
	b.WriteString(segment.Summarize(seg, 0))
	if facts != "" {
		b.WriteString("\nDataset facts:\n")
		b.WriteString(facts)
		b.WriteString("\n")
	}
	b.WriteString("\nList the gaps.")
	return b.String()
}

func deepDiveSystemPrompt(cfg Config) string {
	var b strings.Builder
	b.WriteString(deepDiveInstructions)
	if cfg.DomainContext != "" {
		b.WriteString("\n\nDomain context:\n")
		b.WriteString(cfg.DomainContext)
	}
	fmt.Fprintf(&b, "\n\nYou have at most %d turns.", cfg.MaxTurns)
	return b.String()
}

func deepDiveUserPrompt(cfg Config, f models.Finding) string {
	var b strings.Builder
	if cfg.Brand != "" {
		fmt.Fprintf(&b, "Focus brand: %s\n", cfg.Brand)
	}
	fmt.Fprintf(&b, "Gap: %s\nObserved: %s\n", f.Title, f.Phenomenon)
	if len(f.Entities) > 0 {
		fmt.Fprintf(&b, "Entities: %s\n", strings.Join(f.Entities, ", "))
	}
	if f.Channel != "" {
		fmt.Fprintf(&b, "Channel: %s\n", f.Channel)
	}
	if f.Basis != "" {
		fmt.Fprintf(&b, "Basis: %s\n", f.Basis)
	}
	b.WriteString("Explain the most likely cause.")
	return b.String()
}

// cannedFindings stands in for the scan when no live endpoint is configured. It
// compares the two largest columns, or describes the only one.
func cannedFindings(seg models.Segmentation) []models.Finding {
	if seg.IsEmpty() {
		return nil
	}
	top := seg.Columns[0]
	lead := top.Segments[0]

	if len(seg.Columns) == 1 {
		return []models.Finding{{
			Title:      fmt.Sprintf("%s concentrated in %s", top.CategoryX, lead.CategoryY),
			Phenomenon: fmt.Sprintf("%s takes %.1f%% of %s", lead.CategoryY, lead.SharePct, top.CategoryX),
			Status:     models.FindingCandidate,
			Entities:   []string{top.CategoryX},
			Channel:    lead.CategoryY,
			Basis:      BasisShare,
		}}
	}

	second := seg.Columns[1]
	return []models.Finding{{
		Title: fmt.Sprintf("%s vs %s share gap", top.CategoryX, second.CategoryX),
		Phenomenon: fmt.Sprintf("%s holds %.1f%% of the total against %.1f%% for %s; its largest %s is %s at %.1f%%",
			top.CategoryX, top.TotalSharePct, second.TotalSharePct, second.CategoryX, seg.YKey, lead.CategoryY, lead.SharePct),
		Status:   models.FindingCandidate,
		Entities: []string{top.CategoryX, second.CategoryX},
		Basis:    BasisShare,
	}}
}
