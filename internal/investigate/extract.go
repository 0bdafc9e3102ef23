package investigate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/yiyibain/V-AI-workbench-sub001/internal/logger"
	"github.com/yiyibain/V-AI-workbench-sub001/internal/models"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// fencedBlocks returns the bodies of all ``` fenced blocks in s.
func fencedBlocks(s string) []string {
	matches := fencePattern.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if body := strings.TrimSpace(m[1]); body != "" {
			out = append(out, body)
		}
	}
	return out
}

// bareSpan returns the text between the first open and the last close delimiter.
func bareSpan(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

type rawFinding struct {
	Title       string   `json:"title"`
	Phenomenon  string   `json:"phenomenon"`
	Description string   `json:"description"`
	Entities    []string `json:"entities"`
	Channel     string   `json:"channel"`
	Basis       string   `json:"basis"`
}

func (r rawFinding) toFinding() models.Finding {
	phenomenon := r.Phenomenon
	if strings.TrimSpace(phenomenon) == "" {
		phenomenon = r.Description
	}
	return models.Finding{
		Title:      strings.TrimSpace(r.Title),
		Phenomenon: strings.TrimSpace(phenomenon),
		Status:     models.FindingCandidate,
		Entities:   r.Entities,
		Channel:    strings.TrimSpace(r.Channel),
		Basis:      strings.TrimSpace(r.Basis),
	}
}

func decodeFindingList(text string) ([]rawFinding, bool) {
	var list []rawFinding
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list, true
	}
	var wrapped struct {
		Findings *[]rawFinding `json:"findings"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.Findings != nil {
		return *wrapped.Findings, true
	}
	return nil, false
}

// extractFindings parses a scan reply: a fenced JSON block first, then a bare
// [...] array, then a bare object with a "findings" key. Entries without a title
// or phenomenon are skipped.
func extractFindings(content string) ([]models.Finding, error) {
	candidates := fencedBlocks(content)
	if span, ok := bareSpan(content, '[', ']'); ok {
		candidates = append(candidates, span)
	}
	if span, ok := bareSpan(content, '{', '}'); ok {
		candidates = append(candidates, span)
	}

	for _, c := range candidates {
		raw, ok := decodeFindingList(c)
		if !ok {
			continue
		}
		findings := make([]models.Finding, 0, len(raw))
		for _, r := range raw {
			f := r.toFinding()
			if err := f.Validate(); err != nil {
				logger.Debug("Skipping scan entry %q: %v", r.Title, err)
				continue
			}
			findings = append(findings, f)
		}
		return findings, nil
	}
	return nil, fmt.Errorf("%w: no finding list in scan reply", ErrExtractionFailed)
}

type rawAnswer struct {
	Cause       string `json:"cause"`
	Reason      string `json:"reason"`
	Explanation string `json:"explanation"`
}

func (a rawAnswer) text() string {
	for _, s := range []string{a.Cause, a.Reason, a.Explanation} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// extractCause parses a final deep-dive answer: a fenced JSON block first, then any
// bare {...} span, then gives up.
func extractCause(content string) (string, error) {
	candidates := fencedBlocks(content)
	if span, ok := bareSpan(content, '{', '}'); ok {
		candidates = append(candidates, span)
	}

	for _, c := range candidates {
		var a rawAnswer
		if err := json.Unmarshal([]byte(c), &a); err != nil {
			continue
		}
		if cause := a.text(); cause != "" {
			return cause, nil
		}
	}
	return "", fmt.Errorf("%w: no cause in final answer", ErrExtractionFailed)
}
