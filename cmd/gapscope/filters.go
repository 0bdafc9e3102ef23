package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/query"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/segment"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/store"
)

// resolveMeasure finds a measure by key, label or kind, case-insensitively.
func resolveMeasure(snap *store.Snapshot, name string) (models.MeasureDescriptor, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, m := range snap.Measures {
		if strings.ToLower(m.Key) == n || strings.ToLower(m.Label) == n {
			return m, true
		}
	}
	return snap.MeasureByKind(models.MeasureKind(n))
}

// splitAssignment splits "key=value" and rejects empty keys.
func splitAssignment(flag, s string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", fmt.Errorf("--%s %q: want key=value", flag, s)
	}
	return key, strings.TrimSpace(value), nil
}

// parseBounds splits "lo:hi" where either side may be empty.
func parseBounds(s string) (string, string, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("bounds %q: want from:to", s)
	}
	return strings.TrimSpace(lo), strings.TrimSpace(hi), nil
}

func parseBound(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid bound %q: %w", s, err)
	}
	return &v, nil
}

// parseFilters turns the --where, --range and --period flags into segment filters
// with names resolved against snap.
//
//	--where channel=Retail,Hospital
//	--range sales_amount=100:
//	--period month=2024-01:2024-06
func parseFilters(snap *store.Snapshot, where, ranges, periods []string) (segment.Filters, error) {
	var f segment.Filters

	for _, w := range where {
		name, value, err := splitAssignment("where", w)
		if err != nil {
			return f, err
		}
		dim, ok := query.ResolveByName(snap.Dimensions, name)
		if !ok {
			return f, fmt.Errorf("--where: dimension %q not found", name)
		}
		var values []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return f, fmt.Errorf("--where %q: no values", w)
		}
		f.Values = append(f.Values, segment.ValueFilter{Key: dim.Key, Values: values})
	}

	for _, r := range ranges {
		name, value, err := splitAssignment("range", r)
		if err != nil {
			return f, err
		}
		m, ok := resolveMeasure(snap, name)
		if !ok {
			return f, fmt.Errorf("--range: measure %q not found", name)
		}
		lo, hi, err := parseBounds(value)
		if err != nil {
			return f, fmt.Errorf("--range: %w", err)
		}
		rf := segment.RangeFilter{Measure: m.Key}
		if rf.Min, err = parseBound(lo); err != nil {
			return f, fmt.Errorf("--range: %w", err)
		}
		if rf.Max, err = parseBound(hi); err != nil {
			return f, fmt.Errorf("--range: %w", err)
		}
		f.Ranges = append(f.Ranges, rf)
	}

	for _, p := range periods {
		name, value, err := splitAssignment("period", p)
		if err != nil {
			return f, err
		}
		dim, ok := query.ResolveByName(snap.Dimensions, name)
		if !ok {
			return f, fmt.Errorf("--period: dimension %q not found", name)
		}
		from, to, err := parseBounds(value)
		if err != nil {
			return f, fmt.Errorf("--period: %w", err)
		}
		f.Periods = append(f.Periods, segment.PeriodFilter{Key: dim.Key, From: from, To: to})
	}

	return f, nil
}
