package models

import (
	"errors"
	"fmt"
	"math"
)

// ShareTolerance is the allowed drift, in percentage points, of a share sum away from 100.
const ShareTolerance = 0.01

// OtherCategory labels the synthetic segment of a column that has no valid Y category.
const OtherCategory = "other"

// Segment is one Y category inside a Column.
type Segment struct {
	CategoryY string  `json:"category_y"`
	Measure   float64 `json:"measure"`
	SharePct  float64 `json:"share_pct"`
}

// Column is one X category of a Segmentation with its share of the grand total
// and its breakdown across Y categories.
type Column struct {
	CategoryX     string    `json:"category_x"`
	TotalMeasure  float64   `json:"total_measure"`
	TotalSharePct float64   `json:"total_share_pct"`
	Segments      []Segment `json:"segments"`
}

// Segmentation is the hierarchical share breakdown of a record set across two dimensions.
// Columns are ordered by TotalSharePct descending, segments by SharePct descending.
type Segmentation struct {
	XKey    string   `json:"x_key"`
	YKey    string   `json:"y_key"`
	Measure string   `json:"measure,omitempty"`
	Columns []Column `json:"columns"`
}

// IsEmpty reports whether no column survived aggregation.
func (s Segmentation) IsEmpty() bool {
	return len(s.Columns) == 0
}

// GrandTotal returns the sum of all column totals.
func (s Segmentation) GrandTotal() float64 {
	var total float64
	for _, c := range s.Columns {
		total += c.TotalMeasure
	}
	return total
}

// SegmentShareSum returns the sum of the column's segment shares.
func (c Column) SegmentShareSum() float64 {
	var sum float64
	for _, seg := range c.Segments {
		sum += seg.SharePct
	}
	return sum
}

// Validate checks the share invariants of a segmentation
func (s *Segmentation) Validate() error {
	if s.IsEmpty() {
		return nil
	}

	var columnSum float64
	for i, c := range s.Columns {
		if c.CategoryX == "" {
			return fmt.Errorf("column %d has an empty category", i)
		}
		if len(c.Segments) == 0 {
			return fmt.Errorf("column %q has no segments", c.CategoryX)
		}
		if !finite(c.TotalSharePct) || !finite(c.TotalMeasure) {
			return fmt.Errorf("column %q has a non-finite total", c.CategoryX)
		}
		for _, sg := range c.Segments {
			if !finite(sg.SharePct) || !finite(sg.Measure) {
				return fmt.Errorf("column %q segment %q has a non-finite share", c.CategoryX, sg.CategoryY)
			}
		}
		if sum := c.SegmentShareSum(); math.Abs(sum-100) > ShareTolerance {
			return fmt.Errorf("column %q segment shares sum to %.4f, want 100", c.CategoryX, sum)
		}
		if i > 0 && c.TotalSharePct > s.Columns[i-1].TotalSharePct {
			return errors.New("columns must be ordered by total share descending")
		}
		for j := 1; j < len(c.Segments); j++ {
			if c.Segments[j].SharePct > c.Segments[j-1].SharePct {
				return fmt.Errorf("column %q segments must be ordered by share descending", c.CategoryX)
			}
		}
		columnSum += c.TotalSharePct
	}

	if math.Abs(columnSum-100) > ShareTolerance {
		return fmt.Errorf("column shares sum to %.4f, want 100", columnSum)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
