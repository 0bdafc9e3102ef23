package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

type columnRole int

const (
	roleDimension columnRole = iota
	roleMeasure
	roleIdentifier
	roleDropped
)

// measureSynonyms is checked in order; a label like "Sales Volume" must resolve to
// quantity before the generic "sales" amount term gets a chance.
var measureSynonyms = []struct {
	kind  models.MeasureKind
	terms []string
}{
	{models.MeasureRate, []string{"rate", "percent", "percentage", "pct", "ratio", "distribution", "coverage", "率", "铺货"}},
	{models.MeasureShare, []string{"share", "份额", "占比"}},
	{models.MeasureQuantity, []string{"quantity", "qty", "volume", "units", "count", "销量", "数量", "盒数"}},
	{models.MeasureAmount, []string{"amount", "sales", "revenue", "value", "turnover", "金额", "销售额", "收入"}},
}

var identifierSynonyms = []string{"id", "no", "seq", "sequence", "index", "row", "#", "序号", "编号", "行号"}

// dimensionTypeKeywords maps label terms to a semantic type. Checked in order,
// anything unmatched becomes a generic category.
var dimensionTypeKeywords = []struct {
	typ   models.DimensionType
	terms []string
}{
	{models.DimensionBrand, []string{"brand", "manufacturer", "company", "competitor", "品牌", "厂家", "厂商"}},
	{models.DimensionChannel, []string{"channel", "outlet", "terminal", "渠道", "终端"}},
	{models.DimensionRegion, []string{"province", "region", "city", "area", "territory", "省", "市", "区域", "地区"}},
	{models.DimensionPeriod, []string{"period", "month", "quarter", "year", "date", "time", "月", "季度", "年", "时间", "期间"}},
}

var provinceTerms = []string{"province", "省份", "省"}

// labelTokens splits an ASCII label into lowercase words. Non-ASCII runs are kept
// whole; labelMatches falls back to substring checks for those.
func labelTokens(label string) []string {
	return strings.FieldsFunc(strings.ToLower(label), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '#'
	})
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// labelMatches reports whether label contains term. ASCII terms must match a whole
// word (optionally pluralised) so "Corporate" never matches "rate".
func labelMatches(label string, term string) bool {
	if !isASCII(term) {
		return strings.Contains(label, term)
	}
	for _, tok := range labelTokens(label) {
		if tok == term || tok == term+"s" {
			return true
		}
	}
	return false
}

func labelMatchesAny(label string, terms []string) bool {
	for _, t := range terms {
		if labelMatches(label, t) {
			return true
		}
	}
	return false
}

// classifyColumn decides what a header label is. A label that is a bare
// identifier term wins over measure terms so "Row Count" stays a measure but "No." does not.
func classifyColumn(label string, markers []string) (columnRole, models.MeasureKind) {
	if models.HasTranslationMarker(label, markers) {
		return roleDropped, ""
	}
	tokens := labelTokens(label)
	if len(tokens) == 1 && labelMatchesAny(label, identifierSynonyms) {
		return roleIdentifier, ""
	}
	for _, group := range measureSynonyms {
		if labelMatchesAny(label, group.terms) {
			return roleMeasure, group.kind
		}
	}
	if labelMatchesAny(label, identifierSynonyms) && len(tokens) <= 2 {
		return roleIdentifier, ""
	}
	return roleDimension, ""
}

func inferDimensionType(label string) models.DimensionType {
	for _, group := range dimensionTypeKeywords {
		if labelMatchesAny(label, group.terms) {
			return group.typ
		}
	}
	return models.DimensionCategory
}

// columnKey derives a stable key from a header label.
// "Sales Amount" → "sales_amount", "渠道" → "渠道".
func columnKey(label string) string {
	var b strings.Builder
	var prev rune
	for i, r := range label {
		if unicode.IsUpper(r) && i > 0 && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
			b.WriteRune('_')
		}
		prev = r
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune('_')
		}
	}
	key := b.String()
	for strings.Contains(key, "__") {
		key = strings.ReplaceAll(key, "__", "_")
	}
	return strings.Trim(key, "_")
}

// parseNumber accepts "1,234.5", "$12", "45%" and "¥3,000". The percent sign is
// dropped, so "45%" is 45.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "%")
	for _, prefix := range []string{"$", "€", "£", "¥", "￥"} {
		s = strings.TrimPrefix(s, prefix)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

type columnPlan struct {
	index int
	label string
	key   string
	role  columnRole
	kind  models.MeasureKind
}

// planColumns classifies every header cell and assigns unique keys.
func planColumns(header []string, markers []string) []columnPlan {
	seen := make(map[string]int)
	plans := make([]columnPlan, 0, len(header))
	for i, raw := range header {
		label := strings.TrimSpace(raw)
		if label == "" {
			continue
		}
		role, kind := classifyColumn(label, markers)
		key := columnKey(label)
		if key == "" {
			key = fmt.Sprintf("col_%d", i+1)
		}
		if n := seen[key]; n > 0 {
			base := key
			for seen[key] > 0 {
				n++
				key = fmt.Sprintf("%s_%d", base, n)
			}
			seen[base] = n
		}
		seen[key] = 1
		plans = append(plans, columnPlan{index: i, label: label, key: key, role: role, kind: kind})
	}
	return plans
}
