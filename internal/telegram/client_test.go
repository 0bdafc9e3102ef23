package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{1 * time.Hour, "1h"},
		{2 * time.Hour, "2h"},
		{90 * time.Minute, "1h30m"},
		{30 * time.Minute, "30m"},
		{1 * time.Minute, "1m"},
		{42 * time.Second, "42s"},
	}

	for _, tt := range tests {
		result := formatDuration(tt.duration)
		if result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, expected %s", tt.duration, result, tt.expected)
		}
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"83.3%", "83\\.3%"},
		{"BrandX (FormA)", "BrandX \\(FormA\\)"},
		{"a_b*c", "a\\_b\\*c"},
		{`back\slash`, `back\\slash`},
		{"渠道-零售", "渠道\\-零售"},
	}
	for _, tt := range tests {
		if got := escapeMarkdownV2(tt.in); got != tt.want {
			t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testReport(n int) models.Report {
	completed := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r := models.Report{
		ID:          "run-1",
		SourceID:    "share.csv",
		Brand:       "BrandX",
		XKey:        "brand",
		YKey:        "channel",
		StartedAt:   completed.Add(-5 * time.Minute),
		CompletedAt: completed,
	}
	for i := 0; i < n; i++ {
		f := models.Finding{Title: "Retail gap", Phenomenon: "BrandX 83.3% vs BrandY 90.9%", Cause: "price cut.", Status: models.FindingExplained}
		if i%2 == 1 {
			f.Cause, f.Status = "analysis failed, retry", models.FindingFailed
		}
		r.Findings = append(r.Findings, f)
	}
	return r
}

func TestFormatReport(t *testing.T) {
	msgs := formatReport(testReport(2))
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Contains(t, msg, "Source: share\\.csv")
	assert.Contains(t, msg, "took 5m")
	assert.Contains(t, msg, "1 of 2 findings need a rerun")
	assert.Contains(t, msg, "1\\. ✅ *Retail gap*")
	assert.Contains(t, msg, "2\\. ❌ *Retail gap*")
	assert.Contains(t, msg, "Cause: _price cut\\._")
	assert.Contains(t, msg, "Cause: _analysis failed, retry_")
}

func TestFormatReportEmpty(t *testing.T) {
	msgs := formatReport(testReport(0))
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "No findings\\.")
}

func TestFormatReportSplitsLongReports(t *testing.T) {
	msgs := formatReport(testReport(60))
	require.Greater(t, len(msgs), 1)

	total := 0
	for _, m := range msgs {
		assert.LessOrEqual(t, len(m), maxMessageLen)
		total += strings.Count(m, "*Retail gap*")
	}
	assert.Equal(t, 60, total)
}

type fakeSender struct {
	fails int
	calls int
	sent  []string
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.calls++
	if f.calls <= f.fails {
		return tgbotapi.Message{}, errors.New("too many requests")
	}
	msg := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, msg.Text)
	return tgbotapi.Message{}, nil
}

func TestSendReportRetries(t *testing.T) {
	bot := &fakeSender{fails: 2}
	c, err := newClient(bot, "12345", 3, time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, c.SendReport(context.Background(), testReport(1)))
	assert.Equal(t, 3, bot.calls)
	require.Len(t, bot.sent, 1)
}

func TestSendReportGivesUp(t *testing.T) {
	bot := &fakeSender{fails: 10}
	c, err := newClient(bot, "12345", 2, time.Millisecond)
	require.NoError(t, err)

	err = c.SendReport(context.Background(), testReport(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, 2, bot.calls)
}

func TestNewClientInvalidChatID(t *testing.T) {
	_, err := newClient(&fakeSender{}, "not-a-number", 3, time.Second)
	require.Error(t, err)
}
