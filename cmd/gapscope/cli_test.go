package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/source"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/storage"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/store"
)

const shareCSV = `Brand,Channel,Month,Sales Amount
A,p,2024-01,10
A,q,2024-02,20
B,p,2024-01,30
B,q,2024-03,40
`

// setupEnv writes the sample export and points the archive at a temp database.
func setupEnv(t *testing.T) (csvPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	csvPath = filepath.Join(dir, "share.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(shareCSV), 0o600))
	dbPath = filepath.Join(dir, "reports.db")
	t.Setenv("GAPSCOPE_ARCHIVE_DB_PATH", dbPath)
	t.Setenv("GAPSCOPE_LLM_PROVIDER", "placeholder")
	t.Setenv("GAPSCOPE_LOGGING_LEVEL", "error")
	return csvPath, dbPath
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSegmentCommand(t *testing.T) {
	csvPath, _ := setupEnv(t)

	out, err := run(t, "", "segment", csvPath, "--json")
	require.NoError(t, err)

	var seg models.Segmentation
	require.NoError(t, json.Unmarshal([]byte(out), &seg))
	require.Len(t, seg.Columns, 2)
	assert.Equal(t, "B", seg.Columns[0].CategoryX)
	assert.InDelta(t, 70, seg.Columns[0].TotalSharePct, 1e-9)
	assert.Equal(t, "q", seg.Columns[0].Segments[0].CategoryY)
	assert.InDelta(t, 57.142857, seg.Columns[0].Segments[0].SharePct, 1e-4)
}

func TestSegmentCommandFilters(t *testing.T) {
	csvPath, _ := setupEnv(t)

	out, err := run(t, "", "segment", "--source", csvPath, "--where", "channel=q", "--period", "month=2024-02:", "--json")
	require.NoError(t, err)

	var seg models.Segmentation
	require.NoError(t, json.Unmarshal([]byte(out), &seg))
	require.Len(t, seg.Columns, 2)
	assert.Equal(t, "B", seg.Columns[0].CategoryX)
	assert.InDelta(t, 40.0/60*100, seg.Columns[0].TotalSharePct, 1e-9)
}

func TestSegmentCommandTable(t *testing.T) {
	csvPath, _ := setupEnv(t)

	out, err := run(t, "", "segment", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "brand by channel")
	assert.Contains(t, out, "q 57.14%, p 42.86%")
}

func TestSegmentCommandErrors(t *testing.T) {
	csvPath, _ := setupEnv(t)

	_, err := run(t, "", "segment")
	require.ErrorIs(t, err, errNoSource)

	_, err = run(t, "", "segment", csvPath, "--x", "province")
	require.Error(t, err)

	_, err = run(t, "", "segment", filepath.Join(t.TempDir(), "missing.csv"))
	require.ErrorIs(t, err, store.ErrSourceUnavailable)
	require.ErrorIs(t, err, source.ErrNotFound)
}

func TestDimensionsCommand(t *testing.T) {
	csvPath, _ := setupEnv(t)

	out, err := run(t, "", "dimensions", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "brand")
	assert.Contains(t, out, "period")
	assert.Contains(t, out, "sales_amount")
	assert.Contains(t, out, "(primary)")
}

func TestInvestigateAndReports(t *testing.T) {
	csvPath, dbPath := setupEnv(t)

	out, err := run(t, "", "investigate", csvPath, "--yes", "--add", "A lags in p|A holds 10 in p against 30 for B")
	require.NoError(t, err)
	assert.Contains(t, out, "Candidate findings (1)")
	assert.Contains(t, out, "[1/2]")
	assert.Contains(t, out, "[2/2]")
	assert.Contains(t, out, "placeholder analysis")

	archive, err := storage.Open(dbPath, 10)
	require.NoError(t, err)
	list, err := archive.ListReports(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, archive.Close())
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].Findings)
	assert.Zero(t, list[0].Failed)

	out, err = run(t, "", "reports", "list")
	require.NoError(t, err)
	assert.Contains(t, out, list[0].ID)

	out, err = run(t, "", "reports", "show", list[0].ID, "--json")
	require.NoError(t, err)
	var report models.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, csvPath, report.SourceID)
	assert.Equal(t, "A lags in p", report.Findings[1].Title)

	_, err = run(t, "", "reports", "show", "missing")
	require.ErrorIs(t, err, storage.ErrReportNotFound)
}

func TestInvestigateInteractiveNone(t *testing.T) {
	csvPath, _ := setupEnv(t)

	out, err := run(t, "none\n", "investigate", csvPath)
	require.ErrorIs(t, err, errAborted)
	assert.Contains(t, out, "Keep which findings?")
}

func TestScanCommandJSON(t *testing.T) {
	csvPath, _ := setupEnv(t)

	out, err := run(t, "", "scan", csvPath, "--json")
	require.NoError(t, err)

	var findings []models.Finding
	require.NoError(t, json.Unmarshal([]byte(out), &findings))
	require.Len(t, findings, 1)
	assert.Equal(t, []string{"B", "A"}, findings[0].Entities)
	assert.Equal(t, models.FindingCandidate, findings[0].Status)
}
