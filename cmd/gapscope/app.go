package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/config"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/llm"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/metrics"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/query"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/segment"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/source"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/storage"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/store"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/telegram"
)

var errNoSource = errors.New("no source given: pass one as argument, with --source, or set source.default_source")

// cli holds the state shared by all commands.
type cli struct {
	configPath string
	sourceFlag string
	logLevel   string

	cfg *config.Config
}

// loadConfig runs before every command: config file, flag overrides, validation, logging.
func (c *cli) loadConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.sourceFlag != "" {
		cfg.Source.DefaultSource = c.sourceFlag
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.InitWithFile(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.FilePath)
	if c.configPath != "" {
		logger.Debug("Configuration loaded from %s", c.configPath)
	}
	c.cfg = cfg
	return nil
}

// sourceID picks the positional source argument over the configured default.
func (c *cli) sourceID(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if c.cfg.Source.DefaultSource != "" {
		return c.cfg.Source.DefaultSource, nil
	}
	return "", errNoSource
}

// app wires the components one command needs. Archive and notifier are opened
// only by the commands that use them.
type app struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *query.Dispatcher
	completer  llm.Completer
	archive    *storage.Archive
	notifier   *telegram.Client

	stopMetrics context.CancelFunc
	metricsDone chan error
}

func (c *cli) newApp(ctx context.Context, sourceID string) *app {
	cfg := c.cfg

	provider := &source.Router{
		File: source.NewFileProvider(cfg.Source.BaseDir),
		HTTP: source.NewHTTPProvider(cfg.Source.Timeout, source.HTTPConfig{
			MaxRetries:     cfg.Source.MaxRetries,
			RetryDelayBase: cfg.Source.RetryDelayBase,
		}),
	}
	st := store.New(provider,
		store.WithTTL(cfg.Store.CacheTTL),
		store.WithLoadTimeout(cfg.Source.Timeout*time.Duration(cfg.Source.MaxRetries+1)),
		store.WithTranslationMarkers(cfg.Store.TranslationMarkers),
	)

	a := &app{
		cfg:        cfg,
		store:      st,
		dispatcher: query.NewDispatcher(st, sourceID, cfg.Investigation.MaxSampleRows),
	}

	if cfg.Metrics.Enabled {
		mctx, cancel := context.WithCancel(ctx)
		a.stopMetrics = cancel
		a.metricsDone = make(chan error, 1)
		srv := metrics.NewServer(cfg.Metrics.ListenAddr)
		go func() { a.metricsDone <- srv.Run(mctx) }()
	}
	return a
}

// withCompleter builds the completion client from config.
func (a *app) withCompleter(ctx context.Context) error {
	completer, err := llm.New(ctx, llm.Config{
		Provider:       a.cfg.LLM.Provider,
		APIKey:         a.cfg.LLM.APIKey,
		BaseURL:        a.cfg.LLM.BaseURL,
		Model:          a.cfg.LLM.Model,
		Timeout:        a.cfg.LLM.Timeout,
		MaxRetries:     a.cfg.LLM.MaxRetries,
		RetryDelayBase: a.cfg.LLM.RetryDelayBase,
		Temperature:    a.cfg.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize completion client: %w", err)
	}
	a.completer = completer
	return nil
}

// withArchive opens the report archive when it is enabled.
func (a *app) withArchive() error {
	if !a.cfg.Archive.Enabled {
		logger.Debug("Report archive disabled")
		return nil
	}
	archive, err := storage.Open(a.cfg.Archive.DBPath, a.cfg.Archive.MaxReports)
	if err != nil {
		return fmt.Errorf("failed to open report archive: %w", err)
	}
	a.archive = archive
	return nil
}

// withNotifier connects the Telegram client when it is enabled.
func (a *app) withNotifier() error {
	if !a.cfg.Telegram.Enabled {
		logger.Debug("Telegram notifications disabled")
		return nil
	}
	client, err := telegram.NewClient(a.cfg.Telegram.BotToken, a.cfg.Telegram.ChatID, a.cfg.Telegram.MaxRetries, a.cfg.Telegram.RetryDelayBase)
	if err != nil {
		return fmt.Errorf("failed to initialize Telegram client: %w", err)
	}
	a.notifier = client
	logger.Info("Telegram client initialized successfully")
	return nil
}

func (a *app) close() {
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			logger.Error("Failed to close report archive: %v", err)
		}
	}
	if a.stopMetrics != nil {
		a.stopMetrics()
		if err := <-a.metricsDone; err != nil {
			logger.Warn("Metrics server stopped with error: %v", err)
		}
	}
	logger.Sync()
}

// axes are the user's segmentation choices before they are resolved against a dataset.
type axes struct {
	x, y, measure string
	where         []string
	ranges        []string
	periods       []string
}

// segmentation loads sourceID and aggregates it along the resolved axes.
func (a *app) segmentation(ctx context.Context, sourceID string, ax axes) (models.Segmentation, *store.Snapshot, error) {
	snap, err := a.store.Load(ctx, sourceID)
	if err != nil {
		return models.Segmentation{}, nil, err
	}

	xDim, ok := query.ResolveByName(snap.Dimensions, ax.x)
	if !ok {
		return models.Segmentation{}, nil, fmt.Errorf("dimension %q not found in %s", ax.x, sourceID)
	}
	yDim, ok := query.ResolveByName(snap.Dimensions, ax.y)
	if !ok {
		return models.Segmentation{}, nil, fmt.Errorf("dimension %q not found in %s", ax.y, sourceID)
	}
	if xDim.Key == yDim.Key {
		return models.Segmentation{}, nil, fmt.Errorf("%q and %q resolve to the same column %s", ax.x, ax.y, xDim.Label)
	}

	var opts []segment.Option
	if ax.measure != "" {
		m, ok := resolveMeasure(snap, ax.measure)
		if !ok {
			return models.Segmentation{}, nil, fmt.Errorf("measure %q not found in %s", ax.measure, sourceID)
		}
		opts = append(opts, segment.WithMeasure(m.Key))
	}

	filters, err := parseFilters(snap, ax.where, ax.ranges, ax.periods)
	if err != nil {
		return models.Segmentation{}, nil, err
	}

	seg := segment.Aggregate(snap.Records, filters, xDim.Key, yDim.Key, opts...)
	logger.Debug("Segmented %s by %s x %s: %d columns", sourceID, xDim.Key, yDim.Key, len(seg.Columns))
	return seg, snap, nil
}
