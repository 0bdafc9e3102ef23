package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/source"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/store"
)

func TestParseSelection(t *testing.T) {
	tests := []struct {
		input   string
		want    []int
		wantErr bool
	}{
		{"", []int{0, 1, 2, 3}, false},
		{"all", []int{0, 1, 2, 3}, false},
		{"none", nil, false},
		{"2", []int{1}, false},
		{"3,1", []int{2, 0}, false},
		{"1-3", []int{0, 1, 2}, false},
		{"2, 4 2", []int{1, 3}, false},
		{"5", nil, true},
		{"0", nil, true},
		{"3-1", nil, true},
		{"x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseSelection(tt.input, 4)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAddedFinding(t *testing.T) {
	f, err := parseAddedFinding(" Gap | A lags B ")
	require.NoError(t, err)
	assert.Equal(t, "Gap", f.Title)
	assert.Equal(t, "A lags B", f.Phenomenon)

	for _, bad := range []string{"no separator", "|only phenomenon", "only title|"} {
		_, err := parseAddedFinding(bad)
		assert.Error(t, err, bad)
	}
}

func TestSelectFindings(t *testing.T) {
	candidates := []models.Finding{{Title: "a"}, {Title: "b"}, {Title: "c"}}
	titles := func(fs []models.Finding) []string {
		out := make([]string, 0, len(fs))
		for _, f := range fs {
			out = append(out, f.Title)
		}
		return out
	}

	got, err := selectFindings(candidates, "3,1", false, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, titles(got))

	got, err = selectFindings(candidates, "", true, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, titles(got))

	var out bytes.Buffer
	got, err = selectFindings(candidates, "", false, strings.NewReader("9\n2\n"), &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, titles(got))
	assert.Contains(t, out.String(), "out of range")

	_, err = selectFindings(candidates, "", false, strings.NewReader("bogus"), &out)
	require.Error(t, err)
}

func filterSnapshot(t *testing.T) *store.Snapshot {
	t.Helper()
	snap, err := store.Build(&source.RawTable{
		SourceID: "share.csv",
		Header:   []string{"品牌", "渠道", "月份", "销售额"},
		Rows:     [][]string{{"A", "零售", "2024-01", "10"}},
	}, nil)
	require.NoError(t, err)
	return snap
}

func TestParseFilters(t *testing.T) {
	snap := filterSnapshot(t)

	f, err := parseFilters(snap,
		[]string{"channel=零售, 医院"},
		[]string{"amount=5:"},
		[]string{"period=2024-01:2024-06"},
	)
	require.NoError(t, err)

	require.Len(t, f.Values, 1)
	assert.Equal(t, "渠道", f.Values[0].Key)
	assert.Equal(t, []string{"零售", "医院"}, f.Values[0].Values)

	require.Len(t, f.Ranges, 1)
	assert.Equal(t, "销售额", f.Ranges[0].Measure)
	require.NotNil(t, f.Ranges[0].Min)
	assert.Equal(t, 5.0, *f.Ranges[0].Min)
	assert.Nil(t, f.Ranges[0].Max)

	require.Len(t, f.Periods, 1)
	assert.Equal(t, "月份", f.Periods[0].Key)
	assert.Equal(t, "2024-06", f.Periods[0].To)
}

func TestParseFiltersErrors(t *testing.T) {
	snap := filterSnapshot(t)

	tests := []struct {
		name                    string
		where, ranges, periods []string
	}{
		{"missing equals", []string{"channel"}, nil, nil},
		{"unknown dimension", []string{"colour=red"}, nil, nil},
		{"empty values", []string{"channel= , "}, nil, nil},
		{"unknown measure", nil, []string{"volume=1:2"}, nil},
		{"bad bound", nil, []string{"amount=x:"}, nil},
		{"range without colon", nil, []string{"amount=5"}, nil},
		{"period without colon", nil, nil, []string{"period=2024-01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseFilters(snap, tt.where, tt.ranges, tt.periods)
			require.Error(t, err)
		})
	}
}
