// Package confidence labels a single report LOW, MEDIUM or HIGH from media
// evidence and the number of corroborating reports nearby in time.
package confidence

import (
	"context"
	"fmt"
	"time"

	"report-signal-service/database"
	"report-signal-service/models"

	"github.com/apex/log"
)

const (
	highThreshold   = 4
	mediumThreshold = 2

	ReasonAwaiting = "Single report, awaiting corroboration"
	systemActor    = "system"
)

// Result describes one evaluation
type Result struct {
	Label    models.Confidence
	Reason   string
	Total    int
	Upgraded []string
}

type Engine struct {
	store  database.Store
	window time.Duration
	Now    func() time.Time
}

func New(store database.Store, window time.Duration) *Engine {
	return &Engine{
		store:  store,
		window: window,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate computes the label for r without writing anything. It returns the
// peers that corroborate r.
func (e *Engine) Evaluate(ctx context.Context, r *models.Report) (models.Confidence, string, []*models.Report, error) {
	if r.HasMedia() {
		return models.ConfidenceHigh, fmt.Sprintf("Report includes media evidence (%d file(s))", len(r.Media)), nil, nil
	}

	category := r.Category()
	if models.IsUnclassified(category) {
		return models.ConfidenceLow, ReasonAwaiting, nil, nil
	}

	candidates, err := e.store.QueryReports(ctx, models.ReportFilter{
		Locality: r.Locality,
		Since:    r.CreatedAt.UTC().Add(-e.window),
	})
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to query peer reports: %w", err)
	}

	var peers []*models.Report
	for _, c := range candidates {
		if c.ID == r.ID || c.Category() != category {
			continue
		}
		peers = append(peers, c)
	}

	total := len(peers) + 1
	minutes := int(e.window.Minutes())
	switch {
	case total >= highThreshold:
		return models.ConfidenceHigh, fmt.Sprintf("Multiple corroborating reports detected (%d reports in %s within %d minutes)", total, r.Locality, minutes), peers, nil
	case total >= mediumThreshold:
		return models.ConfidenceMedium, fmt.Sprintf("Multiple similar reports detected (%d reports in %s within %d minutes)", total, r.Locality, minutes), peers, nil
	}
	return models.ConfidenceLow, ReasonAwaiting, peers, nil
}

// Run evaluates r, stores the result and upgrades every peer whose label is
// lower. r is replaced with the stored document. A failed peer write is
// logged and skipped.
func (e *Engine) Run(ctx context.Context, r *models.Report) (*Result, error) {
	label, reason, peers, err := e.Evaluate(ctx, r)
	if err != nil {
		return nil, err
	}

	now := e.Now()
	fresh, err := e.store.MutateReport(ctx, r.ID, func(cur *models.Report) error {
		if !Apply(cur, label, reason, systemActor, now) {
			return database.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store confidence for report %s: %w", r.ID, err)
	}
	*r = *fresh

	res := &Result{Label: r.Confidence, Reason: r.ConfidenceReason, Total: len(peers) + 1}
	for _, p := range peers {
		if p.Confidence.Rank() >= label.Rank() {
			continue
		}
		upgraded := false
		_, err := e.store.MutateReport(ctx, p.ID, func(cur *models.Report) error {
			if cur.Confidence.Rank() >= label.Rank() || !Apply(cur, label, reason, systemActor, now) {
				return database.ErrUnchanged
			}
			upgraded = true
			return nil
		})
		if err != nil {
			log.WithError(err).Errorf("Failed to upgrade confidence of peer report %s", p.ID)
			continue
		}
		if upgraded {
			res.Upgraded = append(res.Upgraded, p.ID)
		}
	}

	log.Infof("Report %s confidence=%s (%d corroborating, %d upgraded)", r.ID, res.Label, res.Total, len(res.Upgraded))
	return res, nil
}

// Apply sets label on r unless that would lower it. A label change appends a
// history entry. Returns true if r was modified.
func Apply(r *models.Report, label models.Confidence, reason, actor string, now time.Time) bool {
	current := r.Confidence
	if current != "" && label.Rank() < current.Rank() {
		return false
	}
	if current == label {
		if r.ConfidenceReason == reason {
			return false
		}
		r.ConfidenceReason = reason
		return true
	}

	r.ConfidenceHistory = append(r.ConfidenceHistory, models.ConfidenceChange{
		From:      current,
		To:        label,
		ChangedBy: actor,
		Timestamp: now.UTC(),
		Reason:    reason,
	})
	r.Confidence = label
	r.ConfidenceReason = reason
	return true
}
