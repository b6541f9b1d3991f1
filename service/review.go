package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"report-signal-service/confidence"
	"report-signal-service/database"
	"report-signal-service/escalation"
	"report-signal-service/geo"
	"report-signal-service/metrics"
	"report-signal-service/models"
	"report-signal-service/workflow"

	"github.com/apex/log"
)

const (
	defaultListLimit       = 100
	defaultCandidatesLimit = 50
)

func (s *Service) GetReport(ctx context.Context, id string) (*models.Report, error) {
	return s.store.GetReport(ctx, id)
}

// ListReports returns reports newest first
func (s *Service) ListReports(ctx context.Context, filter models.ReportFilter) ([]*models.Report, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.City != "" {
		filter.City = geo.NormalizeCity(filter.City)
	}
	filter.Newest = true
	return s.store.QueryReports(ctx, filter)
}

func requireReviewer(reviewerID string) error {
	if strings.TrimSpace(reviewerID) == "" {
		return models.Reject(models.RejectInvalidInput, "reviewer id is required")
	}
	return nil
}

// writeFailed wraps a store error. Rejections and missing reports pass through.
func writeFailed(err error, action, id string) error {
	if _, ok := models.AsRejection(err); ok || errors.Is(err, database.ErrNotFound) {
		return err
	}
	return fmt.Errorf("failed to %s report %s: %w", action, id, err)
}

// ChangeStatus moves a report along the workflow. Priority and escalation
// are re-evaluated after an accepted change.
func (s *Service) ChangeStatus(ctx context.Context, id string, to models.Status, reviewerID, note string) (*models.Report, error) {
	if err := requireReviewer(reviewerID); err != nil {
		return nil, err
	}

	now := s.now()
	changed := false
	r, err := s.store.MutateReport(ctx, id, func(cur *models.Report) error {
		ok, err := workflow.Transition(cur, to, reviewerID, note, now)
		if err != nil {
			return err
		}
		if !ok {
			return database.ErrUnchanged
		}
		changed = true
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		if _, ok := models.AsRejection(err); ok {
			metrics.StatusTransitionsTotal.WithLabelValues(string(to), "rejected").Inc()
		}
		return nil, writeFailed(err, "update status of", id)
	}
	if !changed {
		return r, nil
	}
	metrics.StatusTransitionsTotal.WithLabelValues(string(to), "accepted").Inc()
	log.Infof("Report %s status %s by %s", id, to, reviewerID)

	return s.rescore(ctx, r, false), nil
}

// AddNote appends a reviewer note
func (s *Service) AddNote(ctx context.Context, id, reviewerID, note string) (*models.Report, error) {
	if err := requireReviewer(reviewerID); err != nil {
		return nil, err
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, models.Reject(models.RejectInvalidInput, "note is required")
	}

	now := s.now()
	r, err := s.store.MutateReport(ctx, id, func(cur *models.Report) error {
		cur.ReviewerNotes = append(cur.ReviewerNotes, models.ReviewerNote{Note: note, ReviewerID: reviewerID, CreatedAt: now})
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, writeFailed(err, "add note to", id)
	}
	return r, nil
}

// OverrideCategory records a reviewer category next to the original one.
// The report confidence is re-evaluated for the new category; it can only go up.
func (s *Service) OverrideCategory(ctx context.Context, id, category, reviewerID, reason string) (*models.Report, error) {
	if err := requireReviewer(reviewerID); err != nil {
		return nil, err
	}
	category = strings.TrimSpace(category)
	if category == "" {
		return nil, models.Reject(models.RejectInvalidInput, "category is required")
	}

	now := s.now()
	var original string
	r, err := s.store.MutateReport(ctx, id, func(cur *models.Report) error {
		if cur.AIMetadata == nil {
			cur.AIMetadata = &models.AIMetadata{}
		}
		original = cur.AIMetadata.Category
		if original == "" {
			original = cur.IssueType
		}
		cur.AIMetadata.Override = &models.CategoryOverride{
			Category:         category,
			OriginalCategory: original,
			ReviewerID:       reviewerID,
			Reason:           reason,
			OverriddenAt:     now,
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, writeFailed(err, "override category of", id)
	}
	log.Infof("Report %s category overridden %q -> %q by %s", id, original, category, reviewerID)

	return s.rescore(ctx, r, true), nil
}

// UpgradeConfidence sets a report to HIGH by hand. A report that is already
// HIGH is rejected.
func (s *Service) UpgradeConfidence(ctx context.Context, id, reviewerID, reason string) (*models.Report, error) {
	if err := requireReviewer(reviewerID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "Manually upgraded by reviewer"
	}

	now := s.now()
	r, err := s.store.MutateReport(ctx, id, func(cur *models.Report) error {
		if cur.Confidence == models.ConfidenceHigh {
			return models.Reject(models.RejectAlreadyHigh, "report %s already has HIGH confidence", id)
		}
		confidence.Apply(cur, models.ConfidenceHigh, reason, reviewerID, now)
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, writeFailed(err, "upgrade confidence of", id)
	}
	log.Infof("Report %s confidence upgraded to HIGH by %s", id, reviewerID)

	return s.rescore(ctx, r, false), nil
}

// SetEscalation sets or clears the flag by hand. The reviewer decision holds
// against later automatic evaluations.
func (s *Service) SetEscalation(ctx context.Context, id string, flag bool, reviewerID, reason string) (*models.Report, error) {
	if err := requireReviewer(reviewerID); err != nil {
		return nil, err
	}
	if reason == "" {
		if flag {
			reason = "Manually escalated by reviewer"
		} else {
			reason = "Escalation dismissed by reviewer"
		}
	}

	now := s.now()
	r, err := s.store.MutateReport(ctx, id, func(cur *models.Report) error {
		escalation.SetFlag(cur, flag, reason, reviewerID, now)
		cur.EscalationReason = reason
		cur.EscalationSetBy = reviewerID
		if cur.EscalationDetails == nil {
			cur.EscalationDetails = &models.EscalationDetails{}
		}
		if flag {
			cur.EscalationDetails.Triggers = []models.EscalationTrigger{models.TriggerManual}
		} else {
			cur.EscalationDetails.Triggers = nil
		}
		cur.EscalationDetails.EvaluatedAt = now
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, writeFailed(err, "update escalation of", id)
	}
	log.Infof("Report %s escalation=%t set by %s", id, flag, reviewerID)
	return r, nil
}

// EscalationCandidates lists flagged reports by priority, highest first
func (s *Service) EscalationCandidates(ctx context.Context, limit int) ([]*models.Report, error) {
	if limit <= 0 {
		limit = defaultCandidatesLimit
	}
	flagged := true
	reports, err := s.store.QueryReports(ctx, models.ReportFilter{Escalated: &flagged})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(reports, func(i, j int) bool {
		return priorityOf(reports[i]) > priorityOf(reports[j])
	})
	if len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}

func priorityOf(r *models.Report) int {
	if r.PriorityScore == nil {
		return -1
	}
	return *r.PriorityScore
}

// RecalculatePriority re-scores one report and re-evaluates its escalation
func (s *Service) RecalculatePriority(ctx context.Context, id string) (*models.Report, error) {
	r, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.priority.Run(ctx, r); err != nil {
		return nil, err
	}
	if _, err := s.escalation.Run(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// BatchSummary reports the outcome of a recalculate-all run
type BatchSummary struct {
	Updated int      `json:"updated"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// RecalculateAllPriorities walks every report in order. Failures are
// collected and do not stop the run.
func (s *Service) RecalculateAllPriorities(ctx context.Context) (*BatchSummary, error) {
	var ids []string
	if err := s.store.StreamReports(ctx, func(r *models.Report) error {
		ids = append(ids, r.ID)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	sum := &BatchSummary{Errors: []string{}}
	for _, id := range ids {
		if _, err := s.RecalculatePriority(ctx, id); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		sum.Updated++
	}
	log.Infof("Recalculated priority of %d reports (%d failed)", sum.Updated, sum.Failed)
	return sum, nil
}
