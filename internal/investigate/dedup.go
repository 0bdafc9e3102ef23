package investigate

import (
	"sort"
	"strings"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

// Basis values after normalization.
const (
	BasisShare  = "share"
	BasisGrowth = "growth"
)

// normalizeBasis folds the ways a model names the computation basis onto share or growth.
func normalizeBasis(b string) string {
	b = strings.ToLower(strings.TrimSpace(b))
	switch {
	case b == "":
		return ""
	case strings.Contains(b, "growth") || strings.Contains(b, "增长") || strings.Contains(b, "增速"):
		return BasisGrowth
	case strings.Contains(b, "share") || strings.Contains(b, "份额") || strings.Contains(b, "占比"):
		return BasisShare
	default:
		return b
	}
}

// dedupKey identifies what a finding compares: the entity set, the channel and the
// basis. Findings that name no entities fall back to their normalized title.
func dedupKey(f models.Finding) string {
	entities := make([]string, 0, len(f.Entities))
	seen := make(map[string]bool)
	for _, e := range f.Entities {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !seen[e] {
			seen[e] = true
			entities = append(entities, e)
		}
	}
	if len(entities) == 0 {
		return "title:" + strings.ToLower(strings.Join(strings.Fields(f.Title), " "))
	}
	sort.Strings(entities)
	return strings.Join(entities, ",") + "|" + strings.ToLower(strings.TrimSpace(f.Channel)) + "|" + normalizeBasis(f.Basis)
}

// Deduplicate merges findings that compare the same entities in the same channel on
// the same basis. The first occurrence keeps its position and title; phenomena of
// merged duplicates are appended when they add something.
func Deduplicate(findings []models.Finding) []models.Finding {
	out := make([]models.Finding, 0, len(findings))
	index := make(map[string]int)
	for _, f := range findings {
		key := dedupKey(f)
		if i, ok := index[key]; ok {
			kept := &out[i]
			if p := strings.TrimSpace(f.Phenomenon); p != "" && !strings.Contains(kept.Phenomenon, p) {
				kept.Phenomenon += "; " + p
			}
			continue
		}
		index[key] = len(out)
		f.Entities = append([]string(nil), f.Entities...)
		out = append(out, f)
	}
	return out
}
