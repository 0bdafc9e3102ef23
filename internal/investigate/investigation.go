// Package investigate drives the gap investigation: scan a segmentation for
// candidate findings, let the analyst confirm them, then explain each confirmed
// finding in its own bounded tool-calling session.
//
// The run is a state machine:
//
//	Idle → Scanning → Deduplicating → AwaitingConfirmation → DeepDiving → Summarized
//
// A failed finding never aborts the batch; it is reported with the failure marker.
package investigate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/llm"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/metrics"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/query"
)

const (
	// DefaultMaxTurns bounds the completion round-trips of one deep-dive session.
	DefaultMaxTurns = 8
	// DefaultFailureMarker is the cause recorded for a finding whose deep-dive failed.
	DefaultFailureMarker = "analysis failed, retry"
)

var (
	// ErrExtractionFailed means a reply held no parseable JSON answer.
	ErrExtractionFailed = errors.New("no JSON answer in reply")
	// ErrIterationBudgetExceeded means a session used all its turns without answering.
	ErrIterationBudgetExceeded = errors.New("deep-dive turn budget exhausted")
	// ErrNothingConfirmed is returned when confirming an empty finding list.
	ErrNothingConfirmed = errors.New("no findings confirmed")
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrEmptySegmentation is returned when scanning a segmentation with no columns.
	ErrEmptySegmentation = errors.New("segmentation is empty")
)

// State is a step of the investigation.
type State string

const (
	StateIdle                 State = "idle"
	StateScanning             State = "scanning"
	StateDeduplicating        State = "deduplicating"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateDeepDiving           State = "deep_diving"
	StateSummarized           State = "summarized"
)

// Toolbox is what the orchestrator needs from the query dispatcher.
type Toolbox interface {
	Tools() []llm.Tool
	Execute(ctx context.Context, name string, rawArgs string) query.Result
	SeedFacts(ctx context.Context) (string, error)
}

// Config holds the per-run settings.
type Config struct {
	SourceID      string
	Brand         string
	DomainContext string
	MaxTurns      int
	FailureMarker string
}

// FindingError records why one finding's deep-dive failed.
type FindingError struct {
	Index     int
	FindingID string
	Err       error
}

func (e FindingError) Error() string {
	return fmt.Sprintf("deep-dive failed for finding %d (%s): %v", e.Index+1, e.FindingID, e.Err)
}

func (e FindingError) Unwrap() error { return e.Err }

// ProgressFunc is called after each finding's deep-dive with its outcome.
type ProgressFunc func(index, total int, f models.Finding)

// Option configures an Investigation.
type Option func(*Investigation)

// WithProgress registers a callback for incremental deep-dive reporting.
func WithProgress(fn ProgressFunc) Option {
	return func(inv *Investigation) { inv.progress = fn }
}

// WithClock replaces time.Now for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(inv *Investigation) { inv.now = now }
}

// Investigation is one run of the scan → confirm → deep-dive pipeline.
// Its methods must be called from one goroutine; State may be read from any.
type Investigation struct {
	completer llm.Completer
	tools     Toolbox
	cfg       Config
	progress  ProgressFunc
	now       func() time.Time

	mu          sync.Mutex
	id          string
	state       State
	seg         models.Segmentation
	pending     []models.Finding
	confirmed   bool
	results     []models.Finding
	startedAt   time.Time
	completedAt time.Time
}

// New creates an idle investigation.
func New(completer llm.Completer, tools Toolbox, cfg Config, opts ...Option) *Investigation {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if strings.TrimSpace(cfg.FailureMarker) == "" {
		cfg.FailureMarker = DefaultFailureMarker
	}
	inv := &Investigation{
		completer: completer,
		tools:     tools,
		cfg:       cfg,
		now:       time.Now,
		id:        uuid.NewString(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// ID returns the run identifier.
func (inv *Investigation) ID() string { return inv.id }

// State returns the current step.
func (inv *Investigation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

func (inv *Investigation) setState(s State) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	logger.Debug("Investigation %s: %s -> %s", inv.id, inv.state, s)
	inv.state = s
}

// Scan asks the completion endpoint for candidate findings in seg, merges
// duplicates and moves to AwaitingConfirmation. Without a live endpoint, or when
// the endpoint is unavailable, a canned finding derived from seg is used instead.
// A reply with no parseable finding list returns ErrExtractionFailed.
func (inv *Investigation) Scan(ctx context.Context, seg models.Segmentation) ([]models.Finding, error) {
	if s := inv.State(); s != StateIdle && s != StateAwaitingConfirmation {
		return nil, fmt.Errorf("%w: scan in state %s", ErrInvalidState, s)
	}
	if seg.IsEmpty() {
		return nil, ErrEmptySegmentation
	}

	inv.mu.Lock()
	if inv.startedAt.IsZero() {
		inv.startedAt = inv.now()
	}
	inv.seg = seg
	inv.mu.Unlock()
	inv.setState(StateScanning)

	findings, err := inv.scan(ctx, seg)
	if err != nil {
		inv.setState(StateIdle)
		return nil, err
	}

	inv.setState(StateDeduplicating)
	findings = Deduplicate(findings)
	for i := range findings {
		findings[i].ID = uuid.NewString()
		findings[i].Status = models.FindingCandidate
		findings[i].Cause = ""
	}

	inv.mu.Lock()
	inv.pending = findings
	inv.confirmed = false
	inv.mu.Unlock()
	inv.setState(StateAwaitingConfirmation)

	logger.Info("Scan produced %d candidate findings", len(findings))
	return copyFindings(findings), nil
}

func (inv *Investigation) scan(ctx context.Context, seg models.Segmentation) ([]models.Finding, error) {
	if !inv.completer.Live() {
		logger.Info("No live completion endpoint, using canned finding")
		return cannedFindings(seg), nil
	}

	facts, err := inv.tools.SeedFacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed facts: %w", err)
	}

	reply, err := inv.completer.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: scanSystemPrompt(inv.cfg)},
			{Role: llm.RoleUser, Content: scanUserPrompt(inv.cfg, seg, facts)},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Scan completion failed, using canned finding: %v", err)
		return cannedFindings(seg), nil
	}

	return extractFindings(reply.Content)
}

// Pending returns a copy of the findings awaiting confirmation.
func (inv *Investigation) Pending() []models.Finding {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return copyFindings(inv.pending)
}

// Confirm replaces the pending set with the analyst's edited list. Entries may be
// removed, reordered or added; added entries get an ID. Confirming an empty list
// returns ErrNothingConfirmed and leaves the investigation waiting.
func (inv *Investigation) Confirm(findings []models.Finding) error {
	if s := inv.State(); s != StateAwaitingConfirmation {
		return fmt.Errorf("%w: confirm in state %s", ErrInvalidState, s)
	}

	confirmed := make([]models.Finding, 0, len(findings))
	for _, f := range findings {
		f.Title = strings.TrimSpace(f.Title)
		f.Phenomenon = strings.TrimSpace(f.Phenomenon)
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid finding %q: %w", f.Title, err)
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		f.Status = models.FindingConfirmed
		f.Cause = ""
		f.Entities = append([]string(nil), f.Entities...)
		confirmed = append(confirmed, f)
	}
	if len(confirmed) == 0 {
		return ErrNothingConfirmed
	}

	inv.mu.Lock()
	inv.pending = confirmed
	inv.confirmed = true
	inv.mu.Unlock()
	logger.Info("Confirmed %d findings for deep-dive", len(confirmed))
	return nil
}

// DeepDive explains every confirmed finding in order, one independent session
// each. The returned list always has one entry per confirmed finding: a cause, or
// the failure marker with a matching FindingError.
//
// If ctx is cancelled, no further completion calls are made; causes already
// produced are kept, the remaining findings are returned unexplained together
// with ctx.Err(), and the investigation stays confirmed. A later DeepDive resumes
// from there: findings that already carry a cause are not sent again.
func (inv *Investigation) DeepDive(ctx context.Context) ([]models.Finding, []FindingError, error) {
	inv.mu.Lock()
	state, confirmed := inv.state, inv.confirmed
	pending := copyFindings(inv.pending)
	inv.mu.Unlock()

	if state != StateAwaitingConfirmation {
		return nil, nil, fmt.Errorf("%w: deep-dive in state %s", ErrInvalidState, state)
	}
	if !confirmed {
		return nil, nil, ErrNothingConfirmed
	}

	inv.setState(StateDeepDiving)

	results := copyFindings(pending)
	var findingErrors []FindingError
	total := len(results)

	for i := range results {
		if ctx.Err() != nil {
			break
		}

		f := &results[i]
		if f.Status == models.FindingExplained {
			if inv.progress != nil {
				inv.progress(i, total, *f)
			}
			continue
		}
		cause, turns, err := inv.runSession(ctx, *f)
		metrics.DeepDiveTurns.Observe(float64(turns))

		if err != nil && ctx.Err() != nil {
			metrics.DeepDiveOutcomes.WithLabelValues("cancelled").Inc()
			break
		}
		if err != nil {
			logger.Warn("Deep-dive for %q failed after %d turns: %v", f.Title, turns, err)
			f.Cause = inv.cfg.FailureMarker
			f.Status = models.FindingFailed
			findingErrors = append(findingErrors, FindingError{Index: i, FindingID: f.ID, Err: err})
			metrics.DeepDiveOutcomes.WithLabelValues("failed").Inc()
		} else {
			logger.Info("Deep-dive for %q explained in %d turns", f.Title, turns)
			f.Cause = cause
			f.Status = models.FindingExplained
			metrics.DeepDiveOutcomes.WithLabelValues("explained").Inc()
		}

		if inv.progress != nil {
			inv.progress(i, total, *f)
		}
	}

	inv.mu.Lock()
	inv.results = copyFindings(results)
	inv.mu.Unlock()

	if err := ctx.Err(); err != nil {
		logger.Warn("Deep-dive cancelled: %v", err)
		inv.mu.Lock()
		inv.pending = copyFindings(results)
		inv.mu.Unlock()
		inv.setState(StateAwaitingConfirmation)
		return results, findingErrors, err
	}

	inv.mu.Lock()
	inv.completedAt = inv.now()
	inv.mu.Unlock()
	inv.setState(StateSummarized)
	return results, findingErrors, nil
}

// runSession runs one finding's bounded conversation and returns its cause and
// the number of completion turns used.
func (inv *Investigation) runSession(ctx context.Context, f models.Finding) (string, int, error) {
	tools := inv.tools.Tools()
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: deepDiveSystemPrompt(inv.cfg)},
		{Role: llm.RoleUser, Content: deepDiveUserPrompt(inv.cfg, f)},
	}

	for turn := 1; turn <= inv.cfg.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return "", turn - 1, err
		}

		reply, err := inv.completer.Complete(ctx, llm.Request{Messages: messages, Tools: tools})
		if err != nil {
			if ctx.Err() != nil {
				return "", turn, ctx.Err()
			}
			return "", turn, fmt.Errorf("turn %d: %w", turn, err)
		}
		reply.Role = llm.RoleAssistant
		messages = append(messages, reply)

		if !reply.HasToolCalls() {
			cause, err := extractCause(reply.Content)
			return cause, turn, err
		}

		// Tool calls of one turn run in the order received so the next turn sees a
		// deterministic transcript.
		for _, call := range reply.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", turn, err
			}
			res := inv.tools.Execute(ctx, call.Name, call.Arguments)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    res.JSON(),
			})
		}
	}
	return "", inv.cfg.MaxTurns, fmt.Errorf("%w after %d turns", ErrIterationBudgetExceeded, inv.cfg.MaxTurns)
}

// Findings returns the latest deep-dive results.
func (inv *Investigation) Findings() []models.Finding {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return copyFindings(inv.results)
}

// Report returns the summarized run. It is only available once Summarized.
func (inv *Investigation) Report() (models.Report, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateSummarized {
		return models.Report{}, fmt.Errorf("%w: report in state %s", ErrInvalidState, inv.state)
	}
	return models.Report{
		ID:          inv.id,
		SourceID:    inv.cfg.SourceID,
		Brand:       inv.cfg.Brand,
		XKey:        inv.seg.XKey,
		YKey:        inv.seg.YKey,
		Findings:    copyFindings(inv.results),
		StartedAt:   inv.startedAt,
		CompletedAt: inv.completedAt,
	}, nil
}

func copyFindings(in []models.Finding) []models.Finding {
	if in == nil {
		return nil
	}
	out := make([]models.Finding, len(in))
	for i, f := range in {
		f.Entities = append([]string(nil), f.Entities...)
		out[i] = f
	}
	return out
}
