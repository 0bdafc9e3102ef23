package investigate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/llm"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/query"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/segment"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/source"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedCompleter answers each call with respond, recording every request.
type scriptedCompleter struct {
	mu       sync.Mutex
	live     bool
	requests []llm.Request
	respond  func(call int, req llm.Request) (llm.Message, error)
}

func (s *scriptedCompleter) Live() bool { return s.live }

func (s *scriptedCompleter) Complete(ctx context.Context, req llm.Request) (llm.Message, error) {
	if err := ctx.Err(); err != nil {
		return llm.Message{}, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	call := len(s.requests)
	s.mu.Unlock()
	return s.respond(call, req)
}

func (s *scriptedCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// fakeToolbox answers every tool with a fixed ok result and records the calls.
type fakeToolbox struct {
	mu       sync.Mutex
	executed []string
	args     []string
	facts    string
	factsErr error
}

func (f *fakeToolbox) Tools() []llm.Tool {
	return []llm.Tool{{Name: query.ToolGroupedTotal, Description: "totals"}}
}

func (f *fakeToolbox) Execute(_ context.Context, name string, rawArgs string) query.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, name)
	f.args = append(f.args, rawArgs)
	return query.Result{Tool: name, Status: query.StatusOK, MatchedRows: 3, Summary: "Retail 150.00"}
}

func (f *fakeToolbox) SeedFacts(context.Context) (string, error) {
	return f.facts, f.factsErr
}

func answer(cause string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, Content: "```json\n{\"cause\": \"" + cause + "\"}\n```"}
}

func toolCall(id string) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: id, Name: query.ToolGroupedTotal, Arguments: `{"dimension":"channel"}`}}}
}

// lastUserPrompt returns the finding prompt a deep-dive request is about.
func lastUserPrompt(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func testSegmentation() models.Segmentation {
	return models.Segmentation{
		XKey: "brand",
		YKey: "channel",
		Columns: []models.Column{
			{CategoryX: "BrandY", TotalMeasure: 220, TotalSharePct: 55, Segments: []models.Segment{
				{CategoryY: "Retail", Measure: 200, SharePct: 90.91},
				{CategoryY: "Hospital", Measure: 20, SharePct: 9.09},
			}},
			{CategoryX: "BrandX", TotalMeasure: 180, TotalSharePct: 45, Segments: []models.Segment{
				{CategoryY: "Retail", Measure: 150, SharePct: 83.33},
				{CategoryY: "Hospital", Measure: 30, SharePct: 16.67},
			}},
		},
	}
}

func findings(titles ...string) []models.Finding {
	out := make([]models.Finding, 0, len(titles))
	for _, t := range titles {
		out = append(out, models.Finding{Title: t, Phenomenon: t + " observed"})
	}
	return out
}

// confirmedInvestigation returns an investigation already waiting on the given findings.
func confirmedInvestigation(t *testing.T, c llm.Completer, tb Toolbox, cfg Config, opts ...Option) *Investigation {
	t.Helper()
	inv := New(c, tb, cfg, opts...)
	_, err := inv.Scan(context.Background(), testSegmentation())
	require.NoError(t, err)
	return inv
}

func TestScan_LiveReplyIsExtractedAndDeduplicated(t *testing.T) {
	completer := &scriptedCompleter{live: true, respond: func(int, llm.Request) (llm.Message, error) {
		return llm.Message{Content: "Here you go:\n```json\n[" +
			`{"title":"X trails Y in retail","phenomenon":"BrandX 83% vs BrandY 91%","entities":["BrandX","BrandY"],"channel":"Retail","basis":"share"},` +
			`{"title":"Retail gap","phenomenon":"BrandX behind in retail","entities":["brandy","brandx"],"channel":"retail","basis":"份额"},` +
			`{"title":"","phenomenon":"dropped"},` +
			`{"title":"X leads hospital growth","phenomenon":"BrandX +20%","entities":["BrandX"],"channel":"Hospital","basis":"growth"}` +
			"]\n```"}, nil
	}}
	tb := &fakeToolbox{facts: "- Sales Amount totals by Brand"}
	inv := New(completer, tb, Config{SourceID: "share.csv", Brand: "BrandX"})

	got, err := inv.Scan(context.Background(), testSegmentation())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "X trails Y in retail", got[0].Title)
	assert.Equal(t, "BrandX 83% vs BrandY 91%; BrandX behind in retail", got[0].Phenomenon)
	assert.Equal(t, "X leads hospital growth", got[1].Title)
	for _, f := range got {
		assert.NotEmpty(t, f.ID)
		assert.Equal(t, models.FindingCandidate, f.Status)
		assert.Empty(t, f.Cause)
	}
	assert.Equal(t, StateAwaitingConfirmation, inv.State())

	require.Len(t, completer.requests, 1)
	prompt := completer.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "Focus brand: BrandX")
	assert.Contains(t, prompt, "- Sales Amount totals by Brand")
	assert.Contains(t, prompt, "BrandY 55.00%")
}

func TestScan_ExtractionFailure(t *testing.T) {
	completer := &scriptedCompleter{live: true, respond: func(int, llm.Request) (llm.Message, error) {
		return llm.Message{Content: "I could not find anything notable."}, nil
	}}
	inv := New(completer, &fakeToolbox{}, Config{SourceID: "share.csv"})

	_, err := inv.Scan(context.Background(), testSegmentation())
	require.ErrorIs(t, err, ErrExtractionFailed)
	assert.Equal(t, StateIdle, inv.State())
}

func TestScan_EndpointFailureFallsBackToCannedFinding(t *testing.T) {
	completer := &scriptedCompleter{live: true, respond: func(int, llm.Request) (llm.Message, error) {
		return llm.Message{}, llm.ErrEndpointUnavailable
	}}
	inv := New(completer, &fakeToolbox{}, Config{SourceID: "share.csv"})

	got, err := inv.Scan(context.Background(), testSegmentation())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BrandY vs BrandX share gap", got[0].Title)
	assert.Equal(t, []string{"BrandY", "BrandX"}, got[0].Entities)
}

func TestScan_SeedFactsErrorPropagates(t *testing.T) {
	completer := &scriptedCompleter{live: true, respond: func(int, llm.Request) (llm.Message, error) {
		t.Fatal("completion must not be called")
		return llm.Message{}, nil
	}}
	inv := New(completer, &fakeToolbox{factsErr: store.ErrSourceUnavailable}, Config{SourceID: "share.csv"})

	_, err := inv.Scan(context.Background(), testSegmentation())
	require.ErrorIs(t, err, store.ErrSourceUnavailable)
}

func TestScan_EmptySegmentation(t *testing.T) {
	inv := New(llm.NewPlaceholder(), &fakeToolbox{}, Config{})
	_, err := inv.Scan(context.Background(), models.Segmentation{XKey: "brand", YKey: "channel"})
	require.ErrorIs(t, err, ErrEmptySegmentation)
	assert.Equal(t, StateIdle, inv.State())
}

func TestConfirm(t *testing.T) {
	inv := New(llm.NewPlaceholder(), &fakeToolbox{}, Config{SourceID: "share.csv"})

	err := inv.Confirm(findings("too early"))
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = inv.Scan(context.Background(), testSegmentation())
	require.NoError(t, err)

	t.Run("empty list is rejected", func(t *testing.T) {
		require.ErrorIs(t, inv.Confirm(nil), ErrNothingConfirmed)
		assert.Equal(t, StateAwaitingConfirmation, inv.State())
		_, _, err := inv.DeepDive(context.Background())
		require.ErrorIs(t, err, ErrNothingConfirmed)
	})

	t.Run("invalid entry is rejected", func(t *testing.T) {
		err := inv.Confirm([]models.Finding{{Title: "no phenomenon"}})
		require.Error(t, err)
	})

	t.Run("edited list replaces pending", func(t *testing.T) {
		pending := inv.Pending()
		require.Len(t, pending, 1)
		edited := append(findings("analyst added"), pending[0])
		require.NoError(t, inv.Confirm(edited))

		got := inv.Pending()
		require.Len(t, got, 2)
		assert.Equal(t, "analyst added", got[0].Title)
		assert.NotEmpty(t, got[0].ID)
		assert.Equal(t, pending[0].ID, got[1].ID)
		for _, f := range got {
			assert.Equal(t, models.FindingConfirmed, f.Status)
		}
	})
}

func TestDeepDive_ToolLoopThenAnswer(t *testing.T) {
	completer := &scriptedCompleter{respond: func(call int, req llm.Request) (llm.Message, error) {
		if req.Messages[len(req.Messages)-1].Role == llm.RoleTool {
			return answer("retail price cut"), nil
		}
		return toolCall("call_1"), nil
	}}
	tb := &fakeToolbox{}
	inv := confirmedInvestigation(t, completer, tb, Config{SourceID: "share.csv"})
	require.NoError(t, inv.Confirm(findings("gap one")))

	got, errs, err := inv.DeepDive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, got, 1)
	assert.Equal(t, "retail price cut", got[0].Cause)
	assert.Equal(t, models.FindingExplained, got[0].Status)
	assert.Equal(t, StateSummarized, inv.State())
	assert.Equal(t, []string{query.ToolGroupedTotal}, tb.executed)

	require.Len(t, completer.requests, 2)
	second := completer.requests[1]
	require.Len(t, second.Tools, 1)
	toolTurn := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, toolTurn.Role)
	assert.Equal(t, "call_1", toolTurn.ToolCallID)
	assert.Equal(t, query.ToolGroupedTotal, toolTurn.Name)
	assert.Contains(t, toolTurn.Content, `"status":"ok"`)
}

func TestDeepDive_TurnBudget(t *testing.T) {
	completer := &scriptedCompleter{respond: func(call int, req llm.Request) (llm.Message, error) {
		return toolCall("loop"), nil
	}}
	inv := confirmedInvestigation(t, completer, &fakeToolbox{}, Config{SourceID: "share.csv", MaxTurns: 3})
	require.NoError(t, inv.Confirm(findings("never answered")))

	got, errs, err := inv.DeepDive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, completer.calls())
	require.Len(t, got, 1)
	assert.Equal(t, DefaultFailureMarker, got[0].Cause)
	assert.Equal(t, models.FindingFailed, got[0].Status)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrIterationBudgetExceeded)
	assert.Equal(t, 0, errs[0].Index)
}

func TestDeepDive_OneFailureDoesNotAbortBatch(t *testing.T) {
	completer := &scriptedCompleter{respond: func(call int, req llm.Request) (llm.Message, error) {
		prompt := lastUserPrompt(req)
		switch {
		case strings.Contains(prompt, "Gap: second"):
			return llm.Message{}, errors.New("connection reset")
		case strings.Contains(prompt, "Gap: third"):
			return llm.Message{Content: "no JSON here"}, nil
		case strings.Contains(prompt, "Gap: first"):
			return answer("cause one"), nil
		default:
			return answer("cause four"), nil
		}
	}}
	var progressed []string
	inv := confirmedInvestigation(t, completer, &fakeToolbox{}, Config{SourceID: "share.csv", FailureMarker: "retry later"},
		WithProgress(func(i, total int, f models.Finding) {
			assert.Equal(t, 4, total)
			progressed = append(progressed, f.Title)
		}))
	require.NoError(t, inv.Confirm(findings("first", "second", "third", "fourth")))

	got, errs, err := inv.DeepDive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 4)

	causes := make([]string, len(got))
	for i, f := range got {
		causes[i] = f.Cause
	}
	assert.Equal(t, []string{"cause one", "retry later", "retry later", "cause four"}, causes)
	assert.Equal(t, []string{"first", "second", "third", "fourth"}, progressed)

	require.Len(t, errs, 2)
	assert.Equal(t, 1, errs[0].Index)
	assert.Equal(t, got[1].ID, errs[0].FindingID)
	assert.Equal(t, 2, errs[1].Index)
	assert.ErrorIs(t, errs[1], ErrExtractionFailed)

	report, err := inv.Report()
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed())
	assert.Equal(t, "share.csv", report.SourceID)
	assert.Equal(t, "brand", report.XKey)
}

func TestDeepDive_MalformedToolArgumentsStillRun(t *testing.T) {
	completer := &scriptedCompleter{respond: func(call int, req llm.Request) (llm.Message, error) {
		if call == 1 {
			return llm.Message{ToolCalls: []llm.ToolCall{
				{ID: "a", Name: query.ToolGroupedTotal, Arguments: `{"dimension":`},
				{ID: "b", Name: query.ToolDimensionValues, Arguments: `{}`},
			}}, nil
		}
		return answer("done"), nil
	}}
	tb := &fakeToolbox{}
	inv := confirmedInvestigation(t, completer, tb, Config{SourceID: "share.csv"})
	require.NoError(t, inv.Confirm(findings("gap")))

	got, errs, err := inv.DeepDive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, "done", got[0].Cause)
	assert.Equal(t, []string{query.ToolGroupedTotal, query.ToolDimensionValues}, tb.executed)
	assert.Equal(t, []string{`{"dimension":`, `{}`}, tb.args)
}

func TestDeepDive_CancellationKeepsEarlierCauses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completer := &scriptedCompleter{respond: func(call int, req llm.Request) (llm.Message, error) {
		if strings.Contains(lastUserPrompt(req), "Gap: second") {
			cancel()
			return llm.Message{}, context.Canceled
		}
		return answer("first cause"), nil
	}}
	inv := confirmedInvestigation(t, completer, &fakeToolbox{}, Config{SourceID: "share.csv"})
	require.NoError(t, inv.Confirm(findings("first", "second", "third")))

	got, errs, err := inv.DeepDive(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, errs)
	require.Len(t, got, 3)
	assert.Equal(t, "first cause", got[0].Cause)
	assert.Equal(t, models.FindingExplained, got[0].Status)
	assert.Empty(t, got[1].Cause)
	assert.Empty(t, got[2].Cause)
	assert.Equal(t, 2, completer.calls())
	assert.Equal(t, StateAwaitingConfirmation, inv.State())

	_, err = inv.Report()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDeepDive_ResumesAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := false
	completer := &scriptedCompleter{respond: func(call int, req llm.Request) (llm.Message, error) {
		prompt := lastUserPrompt(req)
		if strings.Contains(prompt, "Gap: second") && !interrupted {
			interrupted = true
			cancel()
			return llm.Message{}, context.Canceled
		}
		for _, title := range []string{"first", "second", "third"} {
			if strings.Contains(prompt, "Gap: "+title) {
				return answer(title + " cause"), nil
			}
		}
		return answer("unexpected"), nil
	}}
	inv := confirmedInvestigation(t, completer, &fakeToolbox{}, Config{SourceID: "share.csv"})
	require.NoError(t, inv.Confirm(findings("first", "second", "third")))

	_, _, err := inv.DeepDive(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, completer.calls())

	got, errs, err := inv.DeepDive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, got, 3)
	for i, title := range []string{"first", "second", "third"} {
		assert.Equal(t, title+" cause", got[i].Cause)
		assert.Equal(t, models.FindingExplained, got[i].Status)
	}
	assert.Equal(t, 4, completer.calls(), "the explained finding is not sent again")
	assert.Equal(t, StateSummarized, inv.State())
	assert.Equal(t, got, inv.Findings())
}

func TestDeepDive_RequiresAwaitingConfirmation(t *testing.T) {
	inv := New(llm.NewPlaceholder(), &fakeToolbox{}, Config{})
	_, _, err := inv.DeepDive(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
}

type snapshotLoader struct{ snap *store.Snapshot }

func (l snapshotLoader) Load(context.Context, string) (*store.Snapshot, error) { return l.snap, nil }

func TestPlaceholderEndToEnd(t *testing.T) {
	snap, err := store.Build(&source.RawTable{
		SourceID: "share.csv",
		Header:   []string{"Brand", "Channel", "Sales Amount"},
		Rows: [][]string{
			{"BrandX", "Retail", "150"},
			{"BrandX", "Hospital", "30"},
			{"BrandY", "Retail", "200"},
			{"BrandY", "Hospital", "20"},
		},
	}, nil)
	require.NoError(t, err)

	seg := segment.Aggregate(snap.Records, segment.Filters{}, "brand", "channel")
	require.False(t, seg.IsEmpty())

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inv := New(llm.NewPlaceholder(), query.NewDispatcher(snapshotLoader{snap: snap}, "share.csv", 0),
		Config{SourceID: "share.csv"}, WithClock(func() time.Time { return start }))

	candidates, err := inv.Scan(context.Background(), seg)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.NoError(t, inv.Confirm(candidates))

	got, errs, err := inv.DeepDive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0].Cause, llm.PlaceholderCause))
	assert.Contains(t, got[0].Cause, "Retail")

	report, err := inv.Report()
	require.NoError(t, err)
	require.NoError(t, report.Validate())
	assert.Equal(t, inv.ID(), report.ID)
	assert.Equal(t, start, report.StartedAt)
}

func TestExtractFindings(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{"fenced array", "```json\n[{\"title\":\"a\",\"phenomenon\":\"p\"}]\n```", []string{"a"}, false},
		{"bare array", "Findings: [{\"title\":\"a\",\"phenomenon\":\"p\"},{\"title\":\"b\",\"description\":\"d\"}] end", []string{"a", "b"}, false},
		{"wrapped object", "{\"findings\":[{\"title\":\"a\",\"phenomenon\":\"p\"}]}", []string{"a"}, false},
		{"invalid entries skipped", "[{\"title\":\"a\"},{\"title\":\"b\",\"phenomenon\":\"p\"}]", []string{"b"}, false},
		{"prose only", "nothing to report", nil, true},
		{"broken json", "```json\n[{\"title\": \n```", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractFindings(tt.content)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrExtractionFailed)
				return
			}
			require.NoError(t, err)
			titles := make([]string, 0, len(got))
			for _, f := range got {
				titles = append(titles, f.Title)
			}
			assert.Equal(t, tt.want, titles)
		})
	}
}

func TestExtractCause(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"fenced", "```json\n{\"cause\": \"stockouts\"}\n```", "stockouts", false},
		{"unlabelled fence", "```\n{\"cause\": \"stockouts\"}\n```", "stockouts", false},
		{"bare object in prose", "Answer: {\"reason\": \"price\"} thanks", "price", false},
		{"empty cause", "{\"cause\": \"  \"}", "", true},
		{"no json", "It is probably pricing.", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractCause(tt.content)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrExtractionFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeduplicate(t *testing.T) {
	in := []models.Finding{
		{Title: "A", Phenomenon: "p1", Entities: []string{"X", "Y"}, Channel: "Retail", Basis: "share"},
		{Title: "B", Phenomenon: "p2", Entities: []string{"y", "x"}, Channel: "retail", Basis: "market share"},
		{Title: "C", Phenomenon: "p3", Entities: []string{"X", "Y"}, Channel: "Retail", Basis: "growth"},
		{Title: "D", Phenomenon: "p1", Entities: []string{"X", "Y"}, Channel: "Retail", Basis: "份额"},
		{Title: "Same  title", Phenomenon: "p4"},
		{Title: "same title", Phenomenon: "p5"},
	}
	got := Deduplicate(in)
	require.Len(t, got, 3)
	assert.Equal(t, "A", got[0].Title)
	assert.Equal(t, "p1; p2", got[0].Phenomenon)
	assert.Equal(t, "C", got[1].Title)
	assert.Equal(t, "p4; p5", got[2].Phenomenon)
	assert.Equal(t, "p1", in[0].Phenomenon)
}
