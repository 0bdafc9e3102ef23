package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/investigate"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "gapscope",
		Short: "Segment market-share data and investigate competitive gaps",
		Long: `gapscope loads a market-share export (CSV/TSV file or URL), breaks it down
by two dimensions, and asks a completion endpoint to find and explain the
gaps between competing brands.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.loadConfig,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to configuration file (defaults and GAPSCOPE_* env when empty)")
	root.PersistentFlags().StringVarP(&c.sourceFlag, "source", "s", "", "Source file or URL, overrides source.default_source")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Override logging.level")

	root.AddCommand(
		c.segmentCmd(),
		c.dimensionsCmd(),
		c.scanCmd(),
		c.investigateCmd(),
		c.reportsCmd(),
	)
	return root
}

// signalContext cancels on SIGINT/SIGTERM so a running deep-dive stops between turns.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// addAxisFlags registers the segmentation flags shared by segment, scan and investigate.
func (c *cli) addAxisFlags(cmd *cobra.Command, ax *axes) {
	cmd.Flags().StringVarP(&ax.x, "x", "x", "", "X dimension (name, label or type); defaults to segment.x_dimension")
	cmd.Flags().StringVarP(&ax.y, "y", "y", "", "Y dimension (name, label or type); defaults to segment.y_dimension")
	cmd.Flags().StringVarP(&ax.measure, "measure", "m", "", "Measure to aggregate; defaults to the primary measure")
	cmd.Flags().StringArrayVar(&ax.where, "where", nil, "Keep rows where dimension=value[,value...] (repeatable)")
	cmd.Flags().StringArrayVar(&ax.ranges, "range", nil, "Keep rows where measure=min:max, either bound optional (repeatable)")
	cmd.Flags().StringArrayVar(&ax.periods, "period", nil, "Keep rows where period dimension=from:to (repeatable)")
}

// withDefaults fills unset axes from config.
func (c *cli) withDefaults(ax axes) axes {
	if ax.x == "" {
		ax.x = c.cfg.Segment.XDimension
	}
	if ax.y == "" {
		ax.y = c.cfg.Segment.YDimension
	}
	if ax.measure == "" {
		ax.measure = c.cfg.Segment.Measure
	}
	return ax
}

func (c *cli) segmentCmd() *cobra.Command {
	var (
		ax          axes
		asJSON      bool
		maxSegments int
	)
	cmd := &cobra.Command{
		Use:   "segment [source]",
		Short: "Print the share breakdown of a source by two dimensions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, err := c.sourceID(args)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			a := c.newApp(ctx, sourceID)
			defer a.close()

			seg, _, err := a.segmentation(ctx, sourceID, c.withDefaults(ax))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), seg)
			}
			renderSegmentation(cmd.OutOrStdout(), seg, maxSegments)
			return nil
		},
	}
	c.addAxisFlags(cmd, &ax)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the segmentation as JSON")
	cmd.Flags().IntVar(&maxSegments, "max-segments", 8, "Segments shown per column, 0 for all")
	return cmd
}

func (c *cli) dimensionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dimensions [source]",
		Short: "Print the dimensions and measures inferred from a source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, err := c.sourceID(args)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			a := c.newApp(ctx, sourceID)
			defer a.close()

			snap, err := a.store.Load(ctx, sourceID)
			if err != nil {
				return err
			}
			renderDimensions(cmd.OutOrStdout(), snap, a.store.Stats())
			return nil
		},
	}
}

// scanOptions are the flags shared by scan and investigate.
type scanOptions struct {
	ax    axes
	brand string
}

func (c *cli) addScanFlags(cmd *cobra.Command, o *scanOptions) {
	c.addAxisFlags(cmd, &o.ax)
	cmd.Flags().StringVarP(&o.brand, "brand", "b", "", "Focus brand; defaults to investigation.brand")
}

// startInvestigation loads, segments and scans; it returns the investigation
// waiting for confirmation together with its candidates.
func (c *cli) startInvestigation(ctx context.Context, a *app, sourceID string, o scanOptions, opts ...investigate.Option) (*investigate.Investigation, []models.Finding, error) {
	seg, _, err := a.segmentation(ctx, sourceID, c.withDefaults(o.ax))
	if err != nil {
		return nil, nil, err
	}
	if err := a.withCompleter(ctx); err != nil {
		return nil, nil, err
	}

	brand := o.brand
	if brand == "" {
		brand = c.cfg.Investigation.Brand
	}
	inv := investigate.New(a.completer, a.dispatcher, investigate.Config{
		SourceID:      sourceID,
		Brand:         brand,
		DomainContext: c.cfg.Investigation.DomainContext,
		MaxTurns:      c.cfg.Investigation.MaxTurns,
		FailureMarker: c.cfg.Investigation.FailureMarker,
	}, opts...)

	if !a.completer.Live() {
		logger.Warn("No live completion endpoint configured; findings and causes will be placeholders")
	}
	candidates, err := inv.Scan(ctx, seg)
	if err != nil {
		return nil, nil, fmt.Errorf("scan failed: %w", err)
	}
	return inv, candidates, nil
}

func (c *cli) scanCmd() *cobra.Command {
	var (
		o      scanOptions
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "scan [source]",
		Short: "List candidate gap findings without explaining them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, err := c.sourceID(args)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			a := c.newApp(ctx, sourceID)
			defer a.close()

			_, candidates, err := c.startInvestigation(ctx, a, sourceID, o)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), candidates)
			}
			renderCandidates(cmd.OutOrStdout(), candidates)
			return nil
		},
	}
	c.addScanFlags(cmd, &o)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print candidates as JSON")
	return cmd
}

func (c *cli) investigateCmd() *cobra.Command {
	var (
		o      scanOptions
		keep   string
		yes    bool
		added  []string
		notify bool
	)
	cmd := &cobra.Command{
		Use:   "investigate [source]",
		Short: "Scan for gaps, confirm them, and explain each confirmed gap",
		Long: `investigate runs the whole pipeline: segment the source, scan for candidate
gaps, let you choose which to keep (interactively, or with --keep/--yes), then
explain every kept gap in its own bounded tool-calling session.

Interrupting a deep-dive keeps the causes already found.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sourceID, err := c.sourceID(args)
			if err != nil {
				return err
			}
			extra := make([]models.Finding, 0, len(added))
			for _, s := range added {
				f, err := parseAddedFinding(s)
				if err != nil {
					return err
				}
				extra = append(extra, f)
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			a := c.newApp(ctx, sourceID)
			defer a.close()
			if err := a.withArchive(); err != nil {
				return err
			}
			if notify {
				if err := a.withNotifier(); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			inv, candidates, err := c.startInvestigation(ctx, a, sourceID, o,
				investigate.WithProgress(func(i, total int, f models.Finding) { renderOutcome(out, i, total, f) }))
			if err != nil {
				return err
			}
			renderCandidates(out, candidates)

			kept, err := selectFindings(candidates, keep, yes, cmd.InOrStdin(), out)
			if err != nil {
				return err
			}
			kept = append(kept, extra...)
			if len(kept) == 0 {
				return errAborted
			}
			if err := inv.Confirm(kept); err != nil {
				return err
			}

			fmt.Fprintln(out)
			headingColor.Fprintf(out, "Explaining %d findings\n", len(kept))
			_, findingErrors, err := inv.DeepDive(ctx)
			for _, fe := range findingErrors {
				logger.Warn("%v", fe)
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					explained := 0
					for _, f := range inv.Findings() {
						if f.Status == models.FindingExplained {
							explained++
						}
					}
					failColor.Fprintf(out, "Interrupted after explaining %d of %d findings.\n", explained, len(kept))
				}
				return err
			}

			report, err := inv.Report()
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			renderReport(out, &report)
			return a.publish(ctx, &report)
		},
	}
	c.addScanFlags(cmd, &o)
	cmd.Flags().StringVar(&keep, "keep", "", "Findings to keep without prompting, e.g. \"1,3-4\", \"all\" or \"none\"")
	cmd.Flags().BoolVarP(&yes, "yes", "Y", false, "Keep every candidate without prompting")
	cmd.Flags().StringArrayVar(&added, "add", nil, "Add a finding of your own as \"title|phenomenon\" (repeatable)")
	cmd.Flags().BoolVar(&notify, "notify", true, "Send the report to Telegram when telegram.enabled is set")
	return cmd
}

// publish archives the report and sends it to Telegram. Delivery failures are
// logged; an archive failure is returned.
func (a *app) publish(ctx context.Context, report *models.Report) error {
	if a.archive != nil {
		if err := a.archive.SaveReport(ctx, report); err != nil {
			return err
		}
		if _, err := a.archive.RotateReports(ctx); err != nil {
			logger.Warn("Failed to rotate archived reports: %v", err)
		}
		logger.Info("Report %s archived in %s", report.ID, a.archive.Path())
	}
	if a.notifier != nil {
		if err := a.notifier.SendReport(ctx, *report); err != nil {
			logger.Warn("Failed to send report to Telegram: %v", err)
		}
	}
	return nil
}

func (c *cli) reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Browse archived investigation reports",
	}

	var (
		limit  int
		asJSON bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openArchiveOnly()
			if err != nil {
				return err
			}
			defer a.close()

			reports, err := a.archive.ListReports(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), reports)
			}
			renderReportList(cmd.OutOrStdout(), reports)
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum reports to list, 0 for all")
	list.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one archived report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openArchiveOnly()
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.archive.GetReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			renderReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	cmd.AddCommand(list, show)
	return cmd
}

// openArchiveOnly opens the archive without any source or completion wiring.
func (c *cli) openArchiveOnly() (*app, error) {
	if !c.cfg.Archive.Enabled {
		return nil, errors.New("report archive is disabled (archive.enabled=false)")
	}
	a := &app{cfg: c.cfg}
	if err := a.withArchive(); err != nil {
		return nil, err
	}
	return a, nil
}
