// Package storage archives summarized investigation reports in a SQLite
// database so past runs can be listed and reopened.
//
// The archive keeps at most maxReports runs; RotateReports removes the oldest
// ones by completion time. Findings are stored as a JSON document per report.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

// MemoryPath opens a private in-memory archive.
const MemoryPath = ":memory:"

// ErrReportNotFound is returned by GetReport for an unknown run ID.
var ErrReportNotFound = errors.New("report not found")

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL,
	brand TEXT NOT NULL DEFAULT '',
	x_key TEXT NOT NULL,
	y_key TEXT NOT NULL,
	finding_count INTEGER NOT NULL,
	failed_count INTEGER NOT NULL,
	findings_json TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_completed ON reports(completed_at);
`

// Summary is one row of the report listing.
type Summary struct {
	ID          string
	SourceID    string
	Brand       string
	XKey        string
	YKey        string
	Findings    int
	Failed      int
	CompletedAt time.Time
}

// Archive is a SQLite-backed report store. It is safe for concurrent use.
type Archive struct {
	db         *sql.DB
	path       string
	maxReports int
	mu         sync.Mutex
}

// Open creates or opens the archive at path, creating parent directories as
// needed. Use MemoryPath for a throwaway archive.
func Open(path string, maxReports int) (*Archive, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "gapscope", "reports.db")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	// One connection: SQLite has a single writer, and each connection to
	// :memory: would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	return &Archive{db: db, path: path, maxReports: maxReports}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Path returns the database location.
func (a *Archive) Path() string {
	return a.path
}

// SaveReport stores a summarized report, replacing any earlier copy with the same ID.
func (a *Archive) SaveReport(ctx context.Context, report *models.Report) error {
	if err := report.Validate(); err != nil {
		return fmt.Errorf("invalid report: %w", err)
	}

	findings, err := json.Marshal(report.Findings)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	_, err = a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reports
			(id, source_id, brand, x_key, y_key, finding_count, failed_count, findings_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.SourceID, report.Brand, report.XKey, report.YKey,
		len(report.Findings), report.Failed(), string(findings),
		formatTime(report.StartedAt), formatTime(report.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.ID, err)
	}

	logger.Debug("Archived report %s (%d findings)", report.ID, len(report.Findings))
	return nil
}

// GetReport loads one report by run ID.
func (a *Archive) GetReport(ctx context.Context, id string) (*models.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		report      models.Report
		findings    string
		startedAt   string
		completedAt string
	)
	err := a.db.QueryRowContext(ctx, `
		SELECT id, source_id, brand, x_key, y_key, findings_json, started_at, completed_at
		FROM reports WHERE id = ?`, id,
	).Scan(&report.ID, &report.SourceID, &report.Brand, &report.XKey, &report.YKey, &findings, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(findings), &report.Findings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal findings of %s: %w", id, err)
	}
	if report.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if report.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListReports returns up to limit reports, most recently completed first.
// A limit of zero or less lists everything.
func (a *Archive) ListReports(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, source_id, brand, x_key, y_key, finding_count, failed_count, completed_at
		FROM reports ORDER BY completed_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s           Summary
			completedAt string
		)
		if err := rows.Scan(&s.ID, &s.SourceID, &s.Brand, &s.XKey, &s.YKey, &s.Findings, &s.Failed, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		if s.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return out, nil
}

// RotateReports removes the oldest reports exceeding the configured maximum and
// returns how many were removed.
func (a *Archive) RotateReports(ctx context.Context) (int, error) {
	if a.maxReports <= 0 {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	res, err := a.db.ExecContext(ctx, `
		DELETE FROM reports WHERE id NOT IN (
			SELECT id FROM reports ORDER BY completed_at DESC, id LIMIT ?
		)`, a.maxReports)
	if err != nil {
		return 0, fmt.Errorf("failed to rotate reports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to rotate reports: %w", err)
	}
	if n > 0 {
		logger.Info("Rotated %d old reports out of the archive", n)
	}
	return int(n), nil
}

// Times are stored as fixed-width UTC text so ORDER BY sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid archived timestamp %q: %w", s, err)
	}
	return t, nil
}
