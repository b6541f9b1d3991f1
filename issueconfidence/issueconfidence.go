// Package issueconfidence evolves the confidence of an issue as its linked
// reports accumulate. The model is additive and capped at 1.0.
package issueconfidence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"report-signal-service/database"
	"report-signal-service/models"

	"github.com/apex/log"
	"github.com/shopspring/decimal"
)

var (
	InitialScore = decimal.RequireFromString("0.2")

	additionalReportsBonus = decimal.RequireFromString("0.2")
	uniqueReportersBonus   = decimal.RequireFromString("0.15")
	persistenceBonus       = decimal.RequireFromString("0.15")
	mediaBonus             = decimal.RequireFromString("0.10")
	maxScore               = decimal.NewFromInt(1)

	lowBelow    = decimal.RequireFromString("0.4")
	mediumBelow = decimal.RequireFromString("0.7")
)

const (
	additionalReportsNeeded = 3
	persistenceAfter        = 2 * time.Hour
)

// Label maps a score to LOW below 0.4, MEDIUM below 0.7, HIGH otherwise
func Label(score decimal.Decimal) models.Confidence {
	switch {
	case score.LessThan(lowBelow):
		return models.ConfidenceLow
	case score.LessThan(mediumBelow):
		return models.ConfidenceMedium
	}
	return models.ConfidenceHigh
}

// CreationReason is the reason recorded for an issue's first timeline entry
func CreationReason(n int) string {
	return fmt.Sprintf("Issue created from %d reports", n)
}

// Score computes the score of issue given its current linked reports
func Score(issue *models.Issue, reports []*models.Report, now time.Time) (decimal.Decimal, string) {
	score := InitialScore
	var reasons []string

	initial := issue.InitialReportCount
	if initial == 0 {
		initial = issue.ReportCount
	}
	if extra := len(reports) - initial; extra >= additionalReportsNeeded {
		score = score.Add(additionalReportsBonus)
		reasons = append(reasons, fmt.Sprintf("%d additional reports received", extra))
	}

	reporters := make(map[string]struct{})
	for _, r := range reports {
		if r.IPHash != "" {
			reporters[r.IPHash] = struct{}{}
		}
	}
	if len(reporters) > 1 {
		score = score.Add(uniqueReportersBonus)
		reasons = append(reasons, fmt.Sprintf("%d unique reporters", len(reporters)))
	}

	if age := now.Sub(issue.CreatedAt.UTC()); age > persistenceAfter {
		score = score.Add(persistenceBonus)
		reasons = append(reasons, fmt.Sprintf("Persisted for %d hours", int(age.Hours())))
	}

	for _, r := range reports {
		if r.HasMedia() {
			score = score.Add(mediaBonus)
			reasons = append(reasons, "Media evidence present")
			break
		}
	}

	score = decimal.Min(score, maxScore)
	if len(reasons) == 0 {
		return score, CreationReason(len(reports))
	}
	return score, strings.Join(reasons, "; ")
}

// Result summarizes one recalculation
type Result struct {
	IssueID       string            `json:"issue_id"`
	PreviousScore float64           `json:"previous_score"`
	Score         float64           `json:"score"`
	PreviousLabel models.Confidence `json:"previous_label"`
	Label         models.Confidence `json:"label"`
	Changed       bool              `json:"changed"`
}

type Engine struct {
	store database.Store
	Now   func() time.Time
}

func New(store database.Store) *Engine {
	return &Engine{
		store: store,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Recalculate re-reads the linked reports of an issue and updates its score.
// Reports that no longer exist are dropped from the issue; ids linked while
// the score was computed are kept. A timeline entry is added only when the
// score or the label changes.
func (e *Engine) Recalculate(ctx context.Context, issueID string) (*Result, error) {
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %s: %w", issueID, err)
	}

	reports := make([]*models.Report, 0, len(issue.ReportIDs))
	missing := make(map[string]bool)
	for _, id := range issue.ReportIDs {
		r, err := e.store.GetReport(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			log.Warnf("Issue %s links missing report %s, dropping it", issueID, id)
			missing[id] = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load report %s of issue %s: %w", id, issueID, err)
		}
		reports = append(reports, r)
	}

	now := e.Now()
	score, reason := Score(issue, reports, now)
	label := Label(score)

	res := &Result{IssueID: issueID, Score: score.InexactFloat64(), Label: label}
	_, err = e.store.MutateIssue(ctx, issueID, func(cur *models.Issue) error {
		res.PreviousScore = cur.ConfidenceScore
		res.PreviousLabel = cur.Confidence
		res.Changed = !decimal.NewFromFloat(cur.ConfidenceScore).Equal(score) || cur.Confidence != label

		if res.Changed {
			cur.ConfidenceTimeline = append(cur.ConfidenceTimeline, models.TimelineEntry{
				PreviousScore: cur.ConfidenceScore,
				NewScore:      res.Score,
				PreviousLabel: cur.Confidence,
				NewLabel:      label,
				Reason:        reason,
				Timestamp:     now,
			})
		}
		cur.Confidence = label
		cur.ConfidenceScore = res.Score
		cur.ConfidenceReason = reason
		if len(missing) > 0 {
			ids := make([]string, 0, len(cur.ReportIDs))
			for _, id := range cur.ReportIDs {
				if !missing[id] {
					ids = append(ids, id)
				}
			}
			cur.ReportIDs = ids
		}
		cur.ReportCount = len(cur.ReportIDs)
		if now.After(cur.UpdatedAt) {
			cur.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store confidence for issue %s: %w", issueID, err)
	}

	if res.Changed {
		log.Infof("Issue %s confidence %s(%.2f) -> %s(%.2f): %s",
			issueID, res.PreviousLabel, res.PreviousScore, label, res.Score, reason)
	}
	return res, nil
}

// Summary is the outcome of recalculating every issue
type Summary struct {
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// RecalculateAll walks every issue in order, one at a time. A failing issue
// is counted and the walk continues.
func (e *Engine) RecalculateAll(ctx context.Context) (*Summary, error) {
	var ids []string
	err := e.store.StreamIssues(ctx, func(i *models.Issue) error {
		ids = append(ids, i.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}

	sum := &Summary{Errors: []string{}}
	for _, id := range ids {
		if _, err := e.Recalculate(ctx, id); err != nil {
			log.WithError(err).Errorf("Failed to recalculate issue %s", id)
			sum.Failed++
			sum.Errors = append(sum.Errors, id)
			continue
		}
		sum.Updated++
	}
	log.Infof("Recalculated %d issues (%d failed)", sum.Updated, sum.Failed)
	return sum, nil
}
