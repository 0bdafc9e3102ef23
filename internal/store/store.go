// Package store implements the tabular store: it turns raw tables from a source
// provider into typed records with dimension metadata and caches the result per
// source with a time-to-live.
//
// Concurrent loads of the same source share one in-flight fetch. Expired entries
// stay in the cache until the next successful load replaces them.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/metrics"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/source"
)

// DefaultTTL is how long a loaded snapshot is served without re-fetching.
const DefaultTTL = 30 * time.Minute

// DefaultLoadTimeout bounds one fetch-and-build of a source.
const DefaultLoadTimeout = 2 * time.Minute

var (
	// ErrSourceUnavailable is returned when the provider cannot fetch the source.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrEmptySource is returned when the source has a header but no data rows.
	ErrEmptySource = errors.New("source has no data rows")
	// ErrMalformedHeader is returned when the header row is missing or blank.
	ErrMalformedHeader = errors.New("source header is empty")
)

// Snapshot is an immutable view of one loaded source.
type Snapshot struct {
	SourceID       string
	Records        []models.Record
	Dimensions     []models.DimensionDescriptor
	Measures       []models.MeasureDescriptor
	PrimaryMeasure string
	LoadedAt       time.Time
}

// Dimension returns the descriptor with the given key.
func (s *Snapshot) Dimension(key string) (models.DimensionDescriptor, bool) {
	for _, d := range s.Dimensions {
		if d.Key == key {
			return d, true
		}
	}
	return models.DimensionDescriptor{}, false
}

// DimensionByType returns the first dimension of the given semantic type.
func (s *Snapshot) DimensionByType(t models.DimensionType) (models.DimensionDescriptor, bool) {
	for _, d := range s.Dimensions {
		if d.InferredType == t {
			return d, true
		}
	}
	return models.DimensionDescriptor{}, false
}

// MeasureByKind returns the first measure of the given kind.
func (s *Snapshot) MeasureByKind(kind models.MeasureKind) (models.MeasureDescriptor, bool) {
	for _, m := range s.Measures {
		if m.Kind == kind {
			return m, true
		}
	}
	return models.MeasureDescriptor{}, false
}

// CacheEntry is one cached snapshot and the time it was loaded.
type CacheEntry struct {
	Snapshot *Snapshot
	LoadedAt time.Time
}

// CacheStats reports cache activity since the store was created.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
	Loads   int64
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL. A TTL of zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithLoadTimeout bounds a single source load. The load runs detached from the
// caller's context so one cancelled caller does not fail the others sharing it.
func WithLoadTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.loadTimeout = d
		}
	}
}

// WithClock replaces time.Now so tests can move time forward without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithTranslationMarkers sets the suffixes that mark translation columns and values.
func WithTranslationMarkers(markers []string) Option {
	return func(s *Store) {
		if len(markers) > 0 {
			s.markers = markers
		}
	}
}

// Store loads and caches snapshots from a source.Provider.
type Store struct {
	provider    source.Provider
	ttl         time.Duration
	loadTimeout time.Duration
	now         func() time.Time
	markers     []string

	mu      sync.RWMutex
	entries map[string]*CacheEntry
	flight  singleflight.Group

	hits   int64
	misses int64
	loads  int64
}

// New creates a Store reading from provider.
func New(provider source.Provider, opts ...Option) *Store {
	s := &Store{
		provider:    provider,
		ttl:         DefaultTTL,
		loadTimeout: DefaultLoadTimeout,
		now:         time.Now,
		markers:     models.DefaultTranslationMarkers,
		entries:     make(map[string]*CacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the snapshot for sourceID, fetching it when there is no fresh entry.
func (s *Store) Load(ctx context.Context, sourceID string) (*Snapshot, error) {
	if entry, ok := s.fresh(sourceID); ok {
		atomic.AddInt64(&s.hits, 1)
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return entry.Snapshot, nil
	}
	atomic.AddInt64(&s.misses, 1)
	metrics.CacheRequests.WithLabelValues("miss").Inc()

	ch := s.flight.DoChan(sourceID, func() (interface{}, error) {
		// Another flight may have finished between the fast path and here.
		if entry, ok := s.fresh(sourceID); ok {
			return entry.Snapshot, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.loadTimeout)
		defer cancel()
		return s.loadAndCache(loadCtx, sourceID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logger.Debug("Shared in-flight load for %s", sourceID)
		}
		return res.Val.(*Snapshot), nil
	}
}

func (s *Store) loadAndCache(ctx context.Context, sourceID string) (*Snapshot, error) {
	atomic.AddInt64(&s.loads, 1)

	table, err := s.provider.Fetch(ctx, sourceID)
	if err != nil {
		metrics.SourceLoads.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, sourceID, err)
	}

	snap, err := Build(table, s.markers)
	if err != nil {
		metrics.SourceLoads.WithLabelValues("invalid").Inc()
		return nil, err
	}
	snap.LoadedAt = s.now()

	s.mu.Lock()
	s.entries[sourceID] = &CacheEntry{Snapshot: snap, LoadedAt: snap.LoadedAt}
	s.mu.Unlock()

	metrics.SourceLoads.WithLabelValues("ok").Inc()
	logger.Info("Loaded %s: %d records, %d dimensions, %d measures",
		sourceID, len(snap.Records), len(snap.Dimensions), len(snap.Measures))
	return snap, nil
}

func (s *Store) fresh(sourceID string) (*CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[sourceID]
	if !ok || s.isExpired(entry) {
		return nil, false
	}
	return entry, true
}

func (s *Store) isExpired(entry *CacheEntry) bool {
	return !s.now().Before(entry.LoadedAt.Add(s.ttl))
}

// Invalidate drops the entry for sourceID so the next Load fetches again.
func (s *Store) Invalidate(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sourceID)
}

// Entry returns the raw cache entry for sourceID, expired or not.
func (s *Store) Entry(sourceID string) (CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[sourceID]
	if !ok {
		return CacheEntry{}, false
	}
	return *entry, true
}

// Stats returns current cache statistics.
func (s *Store) Stats() CacheStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CacheStats{
		Entries: len(s.entries),
		Hits:    atomic.LoadInt64(&s.hits),
		Misses:  atomic.LoadInt64(&s.misses),
		Loads:   atomic.LoadInt64(&s.loads),
	}
}

// Build classifies the columns of a raw table and converts its rows into records.
// Rows whose primary measure cannot be parsed keep a zero measure; the aggregator
// discards them later.
func Build(table *source.RawTable, markers []string) (*Snapshot, error) {
	if table == nil || isBlankHeader(table.Header) {
		return nil, ErrMalformedHeader
	}
	if len(table.Rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySource, table.SourceID)
	}
	if markers == nil {
		markers = models.DefaultTranslationMarkers
	}

	plans := planColumns(table.Header, markers)
	snap := &Snapshot{SourceID: table.SourceID}

	idCol := -1
	for _, p := range plans {
		switch p.role {
		case roleDimension:
			d := models.DimensionDescriptor{Key: p.key, Label: p.label, InferredType: inferDimensionType(p.label)}
			snap.Dimensions = append(snap.Dimensions, d)
		case roleMeasure:
			snap.Measures = append(snap.Measures, models.MeasureDescriptor{Key: p.key, Label: p.label, Kind: p.kind})
		case roleIdentifier:
			if idCol < 0 {
				idCol = p.index
			}
		case roleDropped:
			logger.Debug("Dropping translation column %q in %s", p.label, table.SourceID)
		}
	}

	provinceKey := provinceDimension(snap.Dimensions)
	snap.PrimaryMeasure = primaryMeasure(snap.Measures)
	if snap.PrimaryMeasure == "" {
		logger.Warn("No measure column in %s, counting rows instead", table.SourceID)
	}

	snap.Records = make([]models.Record, 0, len(table.Rows))
	for i, row := range table.Rows {
		id := strconv.Itoa(i + 1)
		if idCol >= 0 && idCol < len(row) && strings.TrimSpace(row[idCol]) != "" {
			id = strings.TrimSpace(row[idCol])
		}

		dims := make(map[string]string)
		measures := make(map[string]float64)
		for _, p := range plans {
			if p.index >= len(row) {
				continue
			}
			cell := row[p.index]
			switch p.role {
			case roleDimension:
				dims[p.key] = cell
			case roleMeasure:
				if v, ok := parseNumber(cell); ok {
					measures[p.key] = v
				}
			}
		}

		measure := 1.0
		if snap.PrimaryMeasure != "" {
			measure = measures[snap.PrimaryMeasure]
		}
		rec := models.NewRecord(id, measure, dims, measures, markers)
		if provinceKey != "" {
			rec.Province, _ = rec.Value(provinceKey)
		}
		snap.Records = append(snap.Records, rec)
	}

	return snap, nil
}

// primaryMeasure picks the first amount measure, else the first measure of any kind.
func primaryMeasure(measures []models.MeasureDescriptor) string {
	for _, m := range measures {
		if m.Kind == models.MeasureAmount {
			return m.Key
		}
	}
	if len(measures) > 0 {
		return measures[0].Key
	}
	return ""
}

// provinceDimension prefers a region column labelled as a province over any other region column.
func provinceDimension(dims []models.DimensionDescriptor) string {
	fallback := ""
	for _, d := range dims {
		if d.InferredType != models.DimensionRegion {
			continue
		}
		if labelMatchesAny(d.Label, provinceTerms) {
			return d.Key
		}
		if fallback == "" {
			fallback = d.Key
		}
	}
	return fallback
}

func isBlankHeader(header []string) bool {
	for _, h := range header {
		if strings.TrimSpace(h) != "" {
			return false
		}
	}
	return true
}
