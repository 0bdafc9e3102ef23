package query

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/llm"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/metrics"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/store"
)

// Tool names understood by Execute.
const (
	ToolGroupedTotal     = "grouped_total"
	ToolDistributionRate = "distribution_rate"
	ToolDimensionValues  = "dimension_values"
)

// DefaultMaxSampleRows bounds the groups or values returned by one query.
const DefaultMaxSampleRows = 20

// NoMatchingData is the summary of any statistic computed over zero rows.
const NoMatchingData = "no matching data"

// Status classifies a query result. Only StatusOK carries a statistic.
type Status string

const (
	StatusOK                Status = "ok"
	StatusDimensionNotFound Status = "dimension_not_found"
	StatusNoMatchingRows    Status = "no_matching_rows"
	StatusUnknownTool       Status = "unknown_tool"
	StatusError             Status = "error"
)

// Group is one row of a grouped total.
type Group struct {
	Value    string  `json:"value"`
	Total    float64 `json:"total"`
	SharePct float64 `json:"share_pct"`
	Rows     int     `json:"rows"`
}

// Result is the answer to one query. MatchedRows is always reported.
type Result struct {
	Tool        string   `json:"tool"`
	Status      Status   `json:"status"`
	MatchedRows int      `json:"matched_rows"`
	Dimension   string   `json:"dimension,omitempty"`
	Measure     string   `json:"measure,omitempty"`
	Groups      []Group  `json:"groups,omitempty"`
	Average     *float64 `json:"average,omitempty"`
	Values      []string `json:"values,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"`
	Summary     string   `json:"summary"`
}

// JSON renders the result as the content of a tool turn.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q,"status":"error","summary":%q}`, r.Tool, err.Error())
	}
	return string(data)
}

// Loader is the part of the tabular store the dispatcher needs.
type Loader interface {
	Load(ctx context.Context, sourceID string) (*store.Snapshot, error)
}

// Dispatcher answers named queries against one source of the tabular store.
type Dispatcher struct {
	loader        Loader
	sourceID      string
	maxSampleRows int
}

// NewDispatcher creates a dispatcher for sourceID. maxSampleRows <= 0 uses DefaultMaxSampleRows.
func NewDispatcher(loader Loader, sourceID string, maxSampleRows int) *Dispatcher {
	if maxSampleRows <= 0 {
		maxSampleRows = DefaultMaxSampleRows
	}
	return &Dispatcher{loader: loader, sourceID: sourceID, maxSampleRows: maxSampleRows}
}

// Tools declares the queries to the completion endpoint.
func (d *Dispatcher) Tools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolGroupedTotal,
			Description: "Total of the primary measure grouped by one dimension, optionally restricted to rows of one entity (brand by default). Reports matched row count and share of each group.",
			Params: []llm.Param{
				{Name: "dimension", Type: "string", Description: "dimension to group by, e.g. channel, province, brand", Required: true},
				{Name: "entity", Type: "string", Description: "entity name to restrict rows to, matched tolerantly"},
				{Name: "entity_dimension", Type: "string", Description: "dimension holding the entity, default brand"},
				{Name: "limit", Type: "integer", Description: "maximum groups to return"},
			},
		},
		{
			Name:        ToolDistributionRate,
			Description: "Average distribution rate across rows matching every given filter. Reports matched row count; zero rows means no matching data.",
			Params: []llm.Param{
				{Name: "measure", Type: "string", Description: "rate measure name, default the distribution rate column"},
				{Name: "brand", Type: "string", Description: "brand filter"},
				{Name: "category", Type: "string", Description: "category or product form filter"},
				{Name: "channel", Type: "string", Description: "channel filter"},
				{Name: "province", Type: "string", Description: "province filter"},
			},
		},
		{
			Name:        ToolDimensionValues,
			Description: "Most frequent distinct values of a dimension, to learn valid names before filtering.",
			Params: []llm.Param{
				{Name: "dimension", Type: "string", Description: "dimension to list", Required: true},
				{Name: "limit", Type: "integer", Description: "maximum values to return"},
			},
		},
	}
}

type groupedTotalArgs struct {
	Dimension       string `json:"dimension"`
	Entity          string `json:"entity"`
	EntityDimension string `json:"entity_dimension"`
	Limit           int    `json:"limit"`
}

type distributionRateArgs struct {
	Measure  string `json:"measure"`
	Brand    string `json:"brand"`
	Category string `json:"category"`
	Channel  string `json:"channel"`
	Province string `json:"province"`
}

type dimensionValuesArgs struct {
	Dimension string `json:"dimension"`
	Limit     int    `json:"limit"`
}

// Execute runs the named query. Arguments that do not parse as JSON are treated
// as an empty object. Failures are reported in the result, never returned.
func (d *Dispatcher) Execute(ctx context.Context, name string, rawArgs string) Result {
	res := d.execute(ctx, name, rawArgs)
	res.Tool = name
	metrics.ToolCalls.WithLabelValues(name, string(res.Status)).Inc()
	logger.Debug("Tool %s(%s) -> %s, %d rows", name, rawArgs, res.Status, res.MatchedRows)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, name string, rawArgs string) Result {
	snap, err := d.loader.Load(ctx, d.sourceID)
	if err != nil {
		return Result{Status: StatusError, Summary: fmt.Sprintf("dataset unavailable: %v", err)}
	}

	switch name {
	case ToolGroupedTotal:
		var args groupedTotalArgs
		decodeArgs(rawArgs, &args)
		return d.GroupedTotal(snap, args.Dimension, args.Entity, args.EntityDimension, args.Limit)
	case ToolDistributionRate:
		var args distributionRateArgs
		decodeArgs(rawArgs, &args)
		return d.DistributionRate(snap, args.Measure, RateFilters{
			Brand:    args.Brand,
			Category: args.Category,
			Channel:  args.Channel,
			Province: args.Province,
		})
	case ToolDimensionValues:
		var args dimensionValuesArgs
		decodeArgs(rawArgs, &args)
		return d.DimensionValues(snap, args.Dimension, args.Limit)
	default:
		return Result{Status: StatusUnknownTool, Summary: fmt.Sprintf("unknown tool %q", name)}
	}
}

// decodeArgs fills v from raw JSON, leaving v zeroed when raw is malformed.
func decodeArgs(raw string, v any) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		logger.Debug("Malformed tool arguments %q treated as empty: %v", raw, err)
	}
}

func (d *Dispatcher) limit(n int) int {
	if n <= 0 || n > d.maxSampleRows {
		return d.maxSampleRows
	}
	return n
}

// GroupedTotal sums the primary measure per value of dimension. When entity is set,
// only rows whose entity dimension fuzzy-matches it are counted.
func (d *Dispatcher) GroupedTotal(snap *store.Snapshot, dimension, entity, entityDimension string, limit int) Result {
	res := Result{Tool: ToolGroupedTotal}

	dim, ok := ResolveByName(snap.Dimensions, dimension)
	if !ok {
		res.Status = StatusDimensionNotFound
		res.Summary = fmt.Sprintf("no dimension %q in this dataset", dimension)
		return res
	}
	res.Dimension = dim.Key

	var entityDim models.DimensionDescriptor
	if strings.TrimSpace(entity) != "" {
		if entityDimension == "" {
			entityDimension = string(models.DimensionBrand)
		}
		entityDim, ok = ResolveByName(snap.Dimensions, entityDimension)
		if !ok {
			res.Status = StatusDimensionNotFound
			res.Summary = fmt.Sprintf("no dimension %q in this dataset", entityDimension)
			return res
		}
	}

	totals := make(map[string]*Group)
	var grand float64
	for _, r := range snap.Records {
		if entityDim.Key != "" {
			ev, ok := r.Value(entityDim.Key)
			if !ok || !FuzzyMatch(entity, ev) {
				continue
			}
		}
		v, ok := r.Value(dim.Key)
		if !ok || !isFinite(r.Measure) {
			continue
		}
		g, exists := totals[v]
		if !exists {
			g = &Group{Value: v}
			totals[v] = g
		}
		g.Total += r.Measure
		g.Rows++
		grand += r.Measure
		res.MatchedRows++
	}

	if res.MatchedRows == 0 {
		res.Status = StatusNoMatchingRows
		res.Summary = NoMatchingData
		return res
	}

	groups := make([]Group, 0, len(totals))
	for _, g := range totals {
		if grand > 0 {
			g.SharePct = g.Total / grand * 100
		}
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Total != groups[j].Total {
			return groups[i].Total > groups[j].Total
		}
		return groups[i].Value < groups[j].Value
	})

	n := d.limit(limit)
	if len(groups) > n {
		groups = groups[:n]
		res.Truncated = true
	}
	res.Groups = groups
	res.Status = StatusOK

	var b strings.Builder
	scope := ""
	if entityDim.Key != "" {
		scope = fmt.Sprintf(" for %s", entity)
	}
	fmt.Fprintf(&b, "%s totals by %s%s over %d rows:", measureLabel(snap), dim.Label, scope, res.MatchedRows)
	for i, g := range groups {
		sep := ","
		if i == 0 {
			sep = ""
		}
		fmt.Fprintf(&b, "%s %s %.2f (%.1f%%)", sep, g.Value, g.Total, g.SharePct)
	}
	res.Summary = b.String()
	return res
}

// RateFilters restricts the rows of a distribution-rate query. Empty fields are ignored.
type RateFilters struct {
	Brand    string
	Category string
	Channel  string
	Province string
}

// DistributionRate averages a rate measure over the rows matching every filter.
func (d *Dispatcher) DistributionRate(snap *store.Snapshot, measure string, f RateFilters) Result {
	res := Result{Tool: ToolDistributionRate}

	m, ok := resolveRateMeasure(snap, measure)
	if !ok {
		res.Status = StatusDimensionNotFound
		res.Summary = "no distribution rate measure in this dataset"
		return res
	}
	res.Measure = m.Key

	type filter struct {
		key    string
		value  string
		region bool
	}
	var filters []filter
	add := func(kind, value string) bool {
		if strings.TrimSpace(value) == "" {
			return true
		}
		dim, ok := ResolveByName(snap.Dimensions, kind)
		if !ok {
			if kind == "province" {
				filters = append(filters, filter{value: value, region: true})
				return true
			}
			res.Status = StatusDimensionNotFound
			res.Summary = fmt.Sprintf("no %s dimension in this dataset", kind)
			return false
		}
		filters = append(filters, filter{key: dim.Key, value: value})
		return true
	}
	if !add(string(models.DimensionBrand), f.Brand) ||
		!add(string(models.DimensionCategory), f.Category) ||
		!add(string(models.DimensionChannel), f.Channel) ||
		!add("province", f.Province) {
		return res
	}

	var sum float64
	for _, r := range snap.Records {
		match := true
		for _, flt := range filters {
			var v string
			var ok bool
			if flt.region {
				v, ok = r.Province, r.Province != ""
			} else {
				v, ok = r.Value(flt.key)
			}
			if !ok || !FuzzyMatch(flt.value, v) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		rate, ok := r.MeasureValue(m.Key)
		if !ok || !isFinite(rate) {
			continue
		}
		sum += rate
		res.MatchedRows++
	}

	if res.MatchedRows == 0 {
		res.Status = StatusNoMatchingRows
		res.Summary = NoMatchingData
		return res
	}

	avg := sum / float64(res.MatchedRows)
	res.Average = &avg
	res.Status = StatusOK
	res.Summary = fmt.Sprintf("average %s %.2f over %d rows", m.Label, avg, res.MatchedRows)
	return res
}

// resolveRateMeasure picks the named measure, else a rate measure labelled as a
// distribution rate, else any rate measure.
func resolveRateMeasure(snap *store.Snapshot, name string) (models.MeasureDescriptor, bool) {
	if n := normalize(name); n != "" {
		for _, m := range snap.Measures {
			if normalize(m.Key) == n || strings.Contains(normalize(m.Label), n) {
				return m, true
			}
		}
		return models.MeasureDescriptor{}, false
	}
	for _, m := range snap.Measures {
		label := normalize(m.Label)
		if m.Kind == models.MeasureRate && (strings.Contains(label, "distribution") || strings.Contains(label, "铺货")) {
			return m, true
		}
	}
	return snap.MeasureByKind(models.MeasureRate)
}

// DimensionValues lists the most frequent values of a dimension.
func (d *Dispatcher) DimensionValues(snap *store.Snapshot, dimension string, limit int) Result {
	res := Result{Tool: ToolDimensionValues}

	dim, ok := ResolveByName(snap.Dimensions, dimension)
	if !ok {
		res.Status = StatusDimensionNotFound
		res.Summary = fmt.Sprintf("no dimension %q in this dataset", dimension)
		return res
	}
	res.Dimension = dim.Key

	counts := make(map[string]int)
	for _, r := range snap.Records {
		if v, ok := r.Value(dim.Key); ok {
			counts[v]++
			res.MatchedRows++
		}
	}
	if res.MatchedRows == 0 {
		res.Status = StatusNoMatchingRows
		res.Summary = NoMatchingData
		return res
	}

	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if counts[values[i]] != counts[values[j]] {
			return counts[values[i]] > counts[values[j]]
		}
		return values[i] < values[j]
	})

	n := d.limit(limit)
	if len(values) > n {
		values = values[:n]
		res.Truncated = true
	}
	res.Values = values
	res.Status = StatusOK
	res.Summary = fmt.Sprintf("%d distinct %s values over %d rows: %s",
		len(counts), dim.Label, res.MatchedRows, strings.Join(values, ", "))
	return res
}

// SeedFacts returns grouped totals by brand and by channel for the scan prompt.
// Load errors propagate since no scan can run without data.
func (d *Dispatcher) SeedFacts(ctx context.Context) (string, error) {
	snap, err := d.loader.Load(ctx, d.sourceID)
	if err != nil {
		return "", err
	}

	var lines []string
	for _, dim := range []string{string(models.DimensionBrand), string(models.DimensionChannel), "province"} {
		res := d.GroupedTotal(snap, dim, "", "", 0)
		if res.Status == StatusOK {
			lines = append(lines, "- "+res.Summary)
		}
	}
	if len(lines) == 0 {
		return NoMatchingData, nil
	}
	return strings.Join(lines, "\n"), nil
}

func measureLabel(snap *store.Snapshot) string {
	for _, m := range snap.Measures {
		if m.Key == snap.PrimaryMeasure {
			return m.Label
		}
	}
	return "row count"
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
