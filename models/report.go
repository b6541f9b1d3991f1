package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the reviewer workflow state of a report
type Status string

const (
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusVerified    Status = "VERIFIED"
	StatusActionTaken Status = "ACTION_TAKEN"
	StatusClosed      Status = "CLOSED"
)

// ParseStatus validates a status string coming from a caller or the store
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusUnderReview, StatusVerified, StatusActionTaken, StatusClosed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Confidence is the corroboration label of a report or an issue
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Rank orders labels so that upgrades can be compared. Unknown labels rank below LOW.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

func ParseConfidence(s string) (Confidence, error) {
	switch c := Confidence(strings.ToUpper(strings.TrimSpace(s))); c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return c, nil
	}
	return "", fmt.Errorf("unknown confidence %q", s)
}

// EscalationTrigger names the rule that raised an escalation flag
type EscalationTrigger string

const (
	TriggerPriorityScore         EscalationTrigger = "priority_score"
	TriggerHighConfidenceCluster EscalationTrigger = "high_confidence_cluster"
	TriggerVerifiedPersistence   EscalationTrigger = "verified_persistence"
	TriggerSafetyCritical        EscalationTrigger = "safety_critical"
	TriggerManual                EscalationTrigger = "manual"
)

// StatusChange is one entry of the append-only status history
type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ChangedBy string    `json:"changed_by"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// ConfidenceChange is one entry of the append-only confidence history
type ConfidenceChange struct {
	From      Confidence `json:"from"`
	To        Confidence `json:"to"`
	ChangedBy string     `json:"changed_by"`
	Timestamp time.Time  `json:"timestamp"`
	Reason    string     `json:"reason"`
}

// EscalationChange is one entry of the append-only escalation history
type EscalationChange struct {
	FromFlag  bool      `json:"from_flag"`
	ToFlag    bool      `json:"to_flag"`
	ChangedBy string    `json:"changed_by"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// EscalationDetails keeps the numbers each rule saw when the flag was evaluated
type EscalationDetails struct {
	Triggers      []EscalationTrigger `json:"triggers"`
	PriorityScore int                 `json:"priority_score"`
	LocalityCount int                 `json:"locality_count"`
	AgeHours      float64             `json:"age_hours"`
	IssueType     string              `json:"issue_type,omitempty"`
	EvaluatedAt   time.Time           `json:"evaluated_at"`
}

// CategoryOverride is a reviewer correction of the AI category. The original value is kept.
type CategoryOverride struct {
	Category         string    `json:"category"`
	OriginalCategory string    `json:"original_category"`
	ReviewerID       string    `json:"reviewer_id"`
	Reason           string    `json:"reason,omitempty"`
	OverriddenAt     time.Time `json:"overridden_at"`
}

// AIMetadata holds the classifier output attached to a report
type AIMetadata struct {
	Category string            `json:"ai_classified_category,omitempty"`
	Summary  string            `json:"summary,omitempty"`
	Override *CategoryOverride `json:"override,omitempty"`
}

// ResolvedPlace is what reverse geocoding returned for a report's coordinates
type ResolvedPlace struct {
	Address    string    `json:"resolved_address,omitempty"`
	Locality   string    `json:"resolved_locality,omitempty"`
	City       string    `json:"resolved_city,omitempty"`
	State      string    `json:"resolved_state,omitempty"`
	Country    string    `json:"resolved_country,omitempty"`
	Provider   string    `json:"geocoding_provider,omitempty"`
	GeocodedAt time.Time `json:"geocoded_at"`
}

// ReviewerNote is a free-text note left by a reviewer
type ReviewerNote struct {
	Note       string    `json:"note"`
	ReviewerID string    `json:"reviewer_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Report represents one citizen submitted observation
type Report struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	IssueType   string   `json:"issue_type,omitempty"`
	Media       []string `json:"media,omitempty"`

	City      string   `json:"city"`
	Locality  string   `json:"locality"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	// ResolvedPlace is filled in after the report is stored
	ResolvedPlace *ResolvedPlace `json:"resolved_place,omitempty"`

	IPHash    string    `json:"ip_address_hash,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Status        Status         `json:"status"`
	StatusHistory []StatusChange `json:"status_history"`

	Confidence        Confidence         `json:"confidence"`
	ConfidenceReason  string             `json:"confidence_reason,omitempty"`
	ConfidenceHistory []ConfidenceChange `json:"confidence_history,omitempty"`

	PriorityScore     *int       `json:"priority_score,omitempty"`
	PriorityReason    string     `json:"priority_reason,omitempty"`
	PriorityUpdatedAt *time.Time `json:"priority_updated_at,omitempty"`

	EscalationFlag    bool               `json:"escalation_flag"`
	EscalationReason  string             `json:"escalation_reason,omitempty"`
	EscalationDetails *EscalationDetails `json:"escalation_trigger_details,omitempty"`
	EscalationHistory []EscalationChange `json:"escalation_history,omitempty"`
	// EscalationSetBy is the reviewer who last set or cleared the flag by hand
	EscalationSetBy string `json:"escalation_set_by,omitempty"`

	IssueID string `json:"issue_id,omitempty"`

	AIMetadata    *AIMetadata    `json:"ai_metadata,omitempty"`
	ReviewerNotes []ReviewerNote `json:"reviewer_notes,omitempty"`
}

func (r *Report) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

func (r *Report) HasMedia() bool {
	return len(r.Media) > 0
}

// Category returns the classification used for corroboration: a reviewer
// override first, then the AI category, then the user selected issue type.
func (r *Report) Category() string {
	if r.AIMetadata != nil {
		if r.AIMetadata.Override != nil && r.AIMetadata.Override.Category != "" {
			return r.AIMetadata.Override.Category
		}
		if r.AIMetadata.Category != "" {
			return r.AIMetadata.Category
		}
	}
	return r.IssueType
}

// IsUnclassified reports whether a category cannot be used as a corroboration key
func IsUnclassified(category string) bool {
	switch strings.TrimSpace(category) {
	case "", "Unclassified", "General":
		return true
	}
	return false
}

// Clone returns a deep copy of r
func (r *Report) Clone() *Report {
	out := *r
	out.Media = append([]string(nil), r.Media...)
	out.StatusHistory = append([]StatusChange(nil), r.StatusHistory...)
	out.ConfidenceHistory = append([]ConfidenceChange(nil), r.ConfidenceHistory...)
	out.EscalationHistory = append([]EscalationChange(nil), r.EscalationHistory...)
	out.ReviewerNotes = append([]ReviewerNote(nil), r.ReviewerNotes...)
	out.Latitude = clonePtr(r.Latitude)
	out.Longitude = clonePtr(r.Longitude)
	out.PriorityScore = clonePtr(r.PriorityScore)
	out.PriorityUpdatedAt = clonePtr(r.PriorityUpdatedAt)
	out.ResolvedPlace = clonePtr(r.ResolvedPlace)
	if r.EscalationDetails != nil {
		d := *r.EscalationDetails
		d.Triggers = append([]EscalationTrigger(nil), d.Triggers...)
		out.EscalationDetails = &d
	}
	if r.AIMetadata != nil {
		m := *r.AIMetadata
		m.Override = clonePtr(m.Override)
		out.AIMetadata = &m
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
