package models

import (
	"errors"
	"strings"
	"time"
)

// FindingStatus tracks a finding through the investigation.
type FindingStatus string

const (
	FindingCandidate FindingStatus = "candidate"
	FindingConfirmed FindingStatus = "confirmed"
	FindingExplained FindingStatus = "explained"
	FindingFailed    FindingStatus = "failed"
)

// Finding is a detected competitive gap. Scanning creates it without a cause;
// the deep-dive attaches either a cause or the failure marker.
type Finding struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Phenomenon string        `json:"phenomenon"`
	Cause      string        `json:"cause,omitempty"`
	Status     FindingStatus `json:"status"`

	// Entities, Channel and Basis identify what the finding compares. They drive
	// deduplication and are optional in model output.
	Entities []string `json:"entities,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	Basis    string   `json:"basis,omitempty"`
}

// Validate checks that a finding can be shown to the analyst
func (f *Finding) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return errors.New("finding title must not be empty")
	}
	if strings.TrimSpace(f.Phenomenon) == "" {
		return errors.New("finding phenomenon must not be empty")
	}
	if f.Status == FindingExplained && strings.TrimSpace(f.Cause) == "" {
		return errors.New("explained finding must carry a cause")
	}
	return nil
}

// Report is the summarized result of one investigation run.
type Report struct {
	ID          string    `json:"id"`
	SourceID    string    `json:"source_id"`
	Brand       string    `json:"brand,omitempty"`
	XKey        string    `json:"x_key"`
	YKey        string    `json:"y_key"`
	Findings    []Finding `json:"findings"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Failed returns how many findings ended with the failure marker.
func (r Report) Failed() int {
	n := 0
	for _, f := range r.Findings {
		if f.Status == FindingFailed {
			n++
		}
	}
	return n
}

// Validate checks that all report fields are valid
func (r *Report) Validate() error {
	if r.ID == "" {
		return errors.New("report ID must not be empty")
	}
	if r.SourceID == "" {
		return errors.New("report source ID must not be empty")
	}
	if r.CompletedAt.Before(r.StartedAt) {
		return errors.New("completed at must be >= started at")
	}
	for i := range r.Findings {
		if err := r.Findings[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}
