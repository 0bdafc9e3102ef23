// Package query resolves model- or user-supplied names against a loaded dataset
// and answers the small fixed set of analytical queries the investigation uses.
package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

// unitPattern finds number+unit tokens such as "10mg", "0.5 g" or "20片".
// Longer unit spellings come first so "mg" wins over "g". The trailing group keeps
// "10 lines" from reading as litres.
var unitPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(mcg|μg|ug|mg|kg|ml|iu|g|l|%|片|粒|袋|支|盒|瓶)(?:[^a-z]|$)`)

type dose struct {
	value float64
	unit  string
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// doses extracts every number+unit token and returns the text with them removed.
func doses(s string) ([]dose, string) {
	matches := unitPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return nil, s
	}
	out := make([]dose, 0, len(matches))
	var rest strings.Builder
	last := 0
	for _, m := range matches {
		v, err := strconv.ParseFloat(s[m[2]:m[3]], 64)
		if err != nil {
			continue
		}
		unit := s[m[4]:m[5]]
		if unit == "μg" || unit == "ug" {
			unit = "mcg"
		}
		out = append(out, dose{value: v, unit: unit})
		rest.WriteString(s[last:m[0]])
		rest.WriteByte(' ')
		last = m[5]
	}
	rest.WriteString(s[last:])
	return out, strings.TrimSpace(rest.String())
}

func containsEither(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// FuzzyMatch reports whether a queried name refers to a dataset value.
//
// Values match when they are equal after trimming and case folding. When both
// carry number+unit tokens, every token in the query must appear in the value
// with the same magnitude and unit, so "10mg" never matches "20mg" or "110mg";
// any remaining text must still overlap. Otherwise one must contain the other,
// which accepts aliases such as "BrandX(FormA)" for "BrandX".
func FuzzyMatch(query, value string) bool {
	q, v := normalize(query), normalize(value)
	if q == "" || v == "" {
		return false
	}
	if q == v {
		return true
	}

	qDoses, qRest := doses(q)
	if len(qDoses) == 0 {
		return containsEither(q, v)
	}
	vDoses, vRest := doses(v)
	if len(vDoses) == 0 {
		return containsEither(q, v)
	}

	for _, qd := range qDoses {
		found := false
		for _, vd := range vDoses {
			if qd.unit == vd.unit && qd.value == vd.value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if qRest == "" || vRest == "" {
		return true
	}
	return containsEither(qRest, vRest)
}

// ResolveDimension returns the first dimension whose label or key contains any of
// the keywords, case-insensitively.
func ResolveDimension(dims []models.DimensionDescriptor, keywords ...string) (models.DimensionDescriptor, bool) {
	for _, d := range dims {
		label, key := normalize(d.Label), normalize(d.Key)
		for _, kw := range keywords {
			kw = normalize(kw)
			if kw == "" {
				continue
			}
			if strings.Contains(label, kw) || strings.Contains(key, kw) {
				return d, true
			}
		}
	}
	return models.DimensionDescriptor{}, false
}

// ResolveByName maps a requested dimension name onto the dataset: exact key or
// label, then semantic type, then keyword containment.
func ResolveByName(dims []models.DimensionDescriptor, name string) (models.DimensionDescriptor, bool) {
	n := normalize(name)
	if n == "" {
		return models.DimensionDescriptor{}, false
	}
	for _, d := range dims {
		if normalize(d.Key) == n || normalize(d.Label) == n {
			return d, true
		}
	}
	if kws, ok := typeKeywords[n]; ok {
		for _, d := range dims {
			if string(d.InferredType) == n {
				return d, true
			}
		}
		return ResolveDimension(dims, kws...)
	}
	return ResolveDimension(dims, n)
}

// typeKeywords lets callers ask for a dimension by its role when labels are in another language.
var typeKeywords = map[string][]string{
	string(models.DimensionBrand):    {"brand", "品牌", "厂家"},
	string(models.DimensionChannel):  {"channel", "渠道", "终端"},
	string(models.DimensionRegion):   {"province", "region", "省", "区域"},
	"province":                       {"province", "省"},
	string(models.DimensionPeriod):   {"period", "month", "quarter", "月", "季度"},
	string(models.DimensionCategory): {"category", "class", "type", "product", "form", "sku", "品类", "类别", "分类", "产品", "规格", "剂型"},
}
