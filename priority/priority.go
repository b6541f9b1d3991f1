// Package priority ranks reports 0-100 from fixed weighted factors. The score
// is advisory and only orders the review and escalation queues.
package priority

import (
	"context"
	"fmt"
	"strings"
	"time"

	"report-signal-service/config"
	"report-signal-service/database"
	"report-signal-service/models"

	"github.com/apex/log"
)

const (
	persistenceThreshold = 24 * time.Hour
	persistencePerDay    = 5
	persistenceCap       = 20
	mediaBonus           = 10
	repetitionPerReport  = 5
	repetitionCap        = 15
	defaultIssueType     = "Other"
)

var confidenceWeights = map[models.Confidence]int{
	models.ConfidenceHigh:   30,
	models.ConfidenceMedium: 15,
	models.ConfidenceLow:    5,
}

var statusWeights = map[models.Status]int{
	models.StatusVerified:    20,
	models.StatusUnderReview: 15,
	models.StatusActionTaken: 10,
	models.StatusClosed:      0,
}

type Engine struct {
	store   database.Store
	weights *config.ScoringWeights
	Now     func() time.Time
}

func New(store database.Store, weights *config.ScoringWeights) *Engine {
	if weights == nil {
		weights = config.DefaultScoringWeights()
	}
	return &Engine{
		store:   store,
		weights: weights,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Score computes the priority of r and the factor breakdown
func (e *Engine) Score(ctx context.Context, r *models.Report) (int, string, error) {
	var reasons []string
	score := 0

	conf := r.Confidence
	if conf == "" {
		conf = models.ConfidenceLow
	}
	c := confidenceWeights[conf]
	score += c
	reasons = append(reasons, fmt.Sprintf("Confidence: %s (+%d)", conf, c))

	issueType := r.IssueType
	if issueType == "" {
		issueType = defaultIssueType
	}
	it := e.typeWeight(issueType)
	score += it
	reasons = append(reasons, fmt.Sprintf("Issue type: %s (+%d)", issueType, it))

	st := statusWeights[r.Status]
	score += st
	reasons = append(reasons, fmt.Sprintf("Status: %s (+%d)", r.Status, st))

	if r.HasMedia() {
		score += mediaBonus
		reasons = append(reasons, fmt.Sprintf("Media attached (+%d)", mediaBonus))
	}

	if p := PersistenceBonus(e.Now().Sub(r.CreatedAt.UTC())); p > 0 {
		score += p
		reasons = append(reasons, fmt.Sprintf("Time persistence (+%d)", p))
	}

	if r.Locality != "" && r.City != "" {
		count, err := OpenInLocality(ctx, e.store, r)
		if err != nil {
			return 0, "", err
		}
		if rep := min(count*repetitionPerReport, repetitionCap); rep > 0 {
			score += rep
			reasons = append(reasons, fmt.Sprintf("Locality repetition (+%d)", rep))
		}
	}

	score = max(0, min(100, score))
	return score, strings.Join(reasons, " | "), nil
}

// Run scores r, stores the score and refreshes r from the store
func (e *Engine) Run(ctx context.Context, r *models.Report) (int, error) {
	score, reason, err := e.Score(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("failed to score report %s: %w", r.ID, err)
	}

	now := e.Now()
	fresh, err := e.store.MutateReport(ctx, r.ID, func(cur *models.Report) error {
		cur.PriorityScore = &score
		cur.PriorityReason = reason
		cur.PriorityUpdatedAt = &now
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store priority for report %s: %w", r.ID, err)
	}
	*r = *fresh

	log.Infof("Calculated priority score %d for report %s: %s", score, r.ID, reason)
	return score, nil
}

func (e *Engine) typeWeight(issueType string) int {
	if w, ok := e.weights.IssueTypeWeights[issueType]; ok {
		return w
	}
	return e.weights.DefaultTypeWeight
}

// PersistenceBonus gives +5 for every full day an open report has aged past
// the first 24 hours, up to +20.
func PersistenceBonus(age time.Duration) int {
	if age <= persistenceThreshold {
		return 0
	}
	days := int((age - persistenceThreshold) / (24 * time.Hour))
	return min(days*persistencePerDay, persistenceCap)
}

// OpenInLocality counts the other reports in the same locality and city that
// are not CLOSED
func OpenInLocality(ctx context.Context, store database.Store, r *models.Report) (int, error) {
	reports, err := store.QueryReports(ctx, models.ReportFilter{Locality: r.Locality, City: r.City})
	if err != nil {
		return 0, fmt.Errorf("failed to count locality reports: %w", err)
	}
	count := 0
	for _, other := range reports {
		if other.ID != r.ID && other.Status != models.StatusClosed {
			count++
		}
	}
	return count, nil
}
