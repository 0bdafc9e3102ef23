package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileProvider reads CSV/TSV files from the local filesystem, relative to BaseDir when set.
type FileProvider struct {
	BaseDir string
}

// NewFileProvider creates a FileProvider rooted at baseDir
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{BaseDir: baseDir}
}

// Fetch implements Provider.
func (p *FileProvider) Fetch(ctx context.Context, sourceID string) (*RawTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := sourceID
	if p.BaseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(p.BaseDir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return ParseCSV(sourceID, f, delimiterFor(sourceID))
}
