package segment

import (
	"strings"
	"time"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

// Filters restricts the records that enter an aggregation. All filters are
// AND-combined; values inside one ValueFilter are OR-combined.
type Filters struct {
	Ranges  []RangeFilter  `json:"ranges,omitempty"`
	Values  []ValueFilter  `json:"values,omitempty"`
	Periods []PeriodFilter `json:"periods,omitempty"`
}

// RangeFilter keeps records whose measure lies in [Min, Max]. A nil bound is open.
// An empty Measure refers to the primary measure.
type RangeFilter struct {
	Measure string   `json:"measure,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
}

// ValueFilter keeps records whose dimension equals one of Values, case-insensitively.
// A single value is plain equality.
type ValueFilter struct {
	Key    string   `json:"key"`
	Values []string `json:"values"`
}

// PeriodFilter keeps records whose period dimension falls within [From, To].
// Either bound may be empty.
type PeriodFilter struct {
	Key  string `json:"key"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// IsEmpty returns true if no filters are set.
func (f Filters) IsEmpty() bool {
	return len(f.Ranges) == 0 && len(f.Values) == 0 && len(f.Periods) == 0
}

// Apply returns the records that pass every filter. The input slice is not modified.
func (f Filters) Apply(records []models.Record) []models.Record {
	if f.IsEmpty() {
		return records
	}

	sets := make([]map[string]bool, len(f.Values))
	for i, vf := range f.Values {
		sets[i] = toLowerSet(vf.Values)
	}

	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if f.matchRanges(r) && f.matchValues(r, sets) && f.matchPeriods(r) {
			out = append(out, r)
		}
	}
	return out
}

func (f Filters) matchRanges(r models.Record) bool {
	for _, rf := range f.Ranges {
		v, ok := r.MeasureValue(rf.Measure)
		if !ok {
			return false
		}
		if rf.Min != nil && v < *rf.Min {
			return false
		}
		if rf.Max != nil && v > *rf.Max {
			return false
		}
	}
	return true
}

func (f Filters) matchValues(r models.Record, sets []map[string]bool) bool {
	for i, vf := range f.Values {
		if len(sets[i]) == 0 {
			continue
		}
		v, ok := r.Value(vf.Key)
		if !ok || !sets[i][strings.ToLower(v)] {
			return false
		}
	}
	return true
}

func (f Filters) matchPeriods(r models.Record) bool {
	for _, pf := range f.Periods {
		v, ok := r.Value(pf.Key)
		if !ok {
			return false
		}
		if pf.From != "" && comparePeriods(v, pf.From) < 0 {
			return false
		}
		if pf.To != "" && comparePeriods(v, pf.To) > 0 {
			return false
		}
	}
	return true
}

var periodLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01",
	"2006/01",
	"200601",
	"Jan 2006",
	"January 2006",
	"Jan-2006",
	"2006年01月",
	"2006年1月",
	"2006",
}

func parsePeriod(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range periodLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// comparePeriods compares two period labels as dates when both parse and as
// strings otherwise, which keeps labels such as "2024Q1" ordered.
func comparePeriods(a, b string) int {
	ta, okA := parsePeriod(a)
	tb, okB := parsePeriod(b)
	if okA && okB {
		return ta.Compare(tb)
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func toLowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			set[strings.ToLower(item)] = true
		}
	}
	return set
}
