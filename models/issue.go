package models

import "time"

// IssueStatus is the lifecycle state of an issue aggregate
type IssueStatus string

const (
	IssueActive   IssueStatus = "ACTIVE"
	IssueResolved IssueStatus = "RESOLVED"
)

// TimelineEntry records one change of an issue's confidence
type TimelineEntry struct {
	PreviousScore float64    `json:"previous_score"`
	NewScore      float64    `json:"new_score"`
	PreviousLabel Confidence `json:"previous_label,omitempty"`
	NewLabel      Confidence `json:"new_label"`
	Reason        string     `json:"reason"`
	Timestamp     time.Time  `json:"timestamp"`
}

// IssueSummary is advisory LLM output. Nothing in the scoring path reads it.
type IssueSummary struct {
	Summary      string    `json:"summary"`
	Keywords     []string  `json:"keywords,omitempty"`
	SeverityHint string    `json:"severity_hint,omitempty"`
	Language     string    `json:"language,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Issue is an aggregate of reports believed to describe the same situation
type Issue struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	IssueType string `json:"issue_type"`
	City      string `json:"city"`
	Locality  string `json:"locality"`

	CentroidLat float64 `json:"centroid_lat"`
	CentroidLng float64 `json:"centroid_lng"`

	ReportIDs          []string `json:"report_ids"`
	ReportCount        int      `json:"report_count"`
	InitialReportCount int      `json:"initial_report_count"`

	Status IssueStatus `json:"status"`

	Confidence         Confidence      `json:"confidence"`
	ConfidenceScore    float64         `json:"confidence_score"`
	ConfidenceReason   string          `json:"confidence_reason,omitempty"`
	ConfidenceTimeline []TimelineEntry `json:"confidence_timeline"`

	AISummary *IssueSummary `json:"ai_summary,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasReport reports whether id is already linked
func (i *Issue) HasReport(id string) bool {
	for _, rid := range i.ReportIDs {
		if rid == id {
			return true
		}
	}
	return false
}
