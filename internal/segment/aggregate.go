// Package segment computes two-level share breakdowns ("segmentations") from
// store records: columns per X category, segments per Y category inside each column.
package segment

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

// Option configures Aggregate.
type Option func(*config)

type config struct {
	measure string
}

// WithMeasure aggregates a named measure instead of each record's primary measure.
func WithMeasure(key string) Option {
	return func(c *config) { c.measure = key }
}

type group struct {
	name  string
	total float64
	byY   map[string]float64
	order []string
}

// Aggregate builds a Segmentation of records across xKey and yKey.
//
// Records without a valid X category or with a measure that is not a positive
// finite number are discarded. A
// record with a valid X but no valid Y still counts toward its column total. A
// column left with no Y groups gets one "other" segment at 100%. The result is
// empty when nothing survives filtering.
func Aggregate(records []models.Record, filters Filters, xKey, yKey string, opts ...Option) models.Segmentation {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	seg := models.Segmentation{XKey: xKey, YKey: yKey, Measure: cfg.measure}

	groups := make(map[string]*group)
	var order []string
	var globalTotal float64

	for _, r := range filters.Apply(records) {
		x, ok := r.Value(xKey)
		if !ok {
			continue
		}
		m, ok := r.MeasureValue(cfg.measure)
		if !ok || m <= 0 || math.IsInf(m, 0) || math.IsNaN(m) {
			continue
		}

		g, exists := groups[x]
		if !exists {
			g = &group{name: x, byY: make(map[string]float64)}
			groups[x] = g
			order = append(order, x)
		}
		g.total += m
		globalTotal += m

		if y, ok := r.Value(yKey); ok {
			if _, seen := g.byY[y]; !seen {
				g.order = append(g.order, y)
			}
			g.byY[y] += m
		}
	}

	if globalTotal <= 0 || len(groups) == 0 {
		return seg
	}

	seg.Columns = make([]models.Column, 0, len(order))
	for _, x := range order {
		g := groups[x]
		col := models.Column{
			CategoryX:     g.name,
			TotalMeasure:  g.total,
			TotalSharePct: g.total / globalTotal * 100,
		}
		col.Segments = buildSegments(g)
		seg.Columns = append(seg.Columns, col)
	}

	sort.SliceStable(seg.Columns, func(i, j int) bool {
		a, b := seg.Columns[i], seg.Columns[j]
		if a.TotalSharePct != b.TotalSharePct {
			return a.TotalSharePct > b.TotalSharePct
		}
		return a.CategoryX < b.CategoryX
	})

	return seg
}

func buildSegments(g *group) []models.Segment {
	if len(g.order) == 0 {
		return []models.Segment{{CategoryY: models.OtherCategory, Measure: g.total, SharePct: 100}}
	}

	segments := make([]models.Segment, 0, len(g.order))
	var sum float64
	for _, y := range g.order {
		share := g.byY[y] / g.total * 100
		segments = append(segments, models.Segment{CategoryY: y, Measure: g.byY[y], SharePct: share})
		sum += share
	}

	if sum > 0 && (sum < 100-models.ShareTolerance || sum > 100+models.ShareTolerance) {
		scale := 100 / sum
		for i := range segments {
			segments[i].SharePct *= scale
		}
	}

	sort.SliceStable(segments, func(i, j int) bool {
		a, b := segments[i], segments[j]
		if a.SharePct != b.SharePct {
			return a.SharePct > b.SharePct
		}
		return a.CategoryY < b.CategoryY
	})
	return segments
}

// Summarize renders a segmentation as a compact text table, one column per line.
// limit caps both the columns and the segments shown per column; 0 means no cap.
func Summarize(seg models.Segmentation, limit int) string {
	if seg.IsEmpty() {
		return "no data"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s by %s (grand total %.2f)\n", seg.XKey, seg.YKey, seg.GrandTotal())
	for i, col := range seg.Columns {
		if limit > 0 && i >= limit {
			fmt.Fprintf(&b, "... %d more\n", len(seg.Columns)-limit)
			break
		}
		fmt.Fprintf(&b, "%s %.2f%% (%.2f):", col.CategoryX, col.TotalSharePct, col.TotalMeasure)
		for j, s := range col.Segments {
			if limit > 0 && j >= limit {
				fmt.Fprintf(&b, " ...")
				break
			}
			sep := ","
			if j == 0 {
				sep = ""
			}
			fmt.Fprintf(&b, "%s %s %.2f%%", sep, s.CategoryY, s.SharePct)
		}
		b.WriteString("\n")
	}
	return b.String()
}
