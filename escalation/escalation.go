// Package escalation flags reports that deserve reviewer attention. The flag
// is advisory and never triggers any outside action.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"report-signal-service/config"
	"report-signal-service/database"
	"report-signal-service/models"
	"report-signal-service/priority"

	"github.com/apex/log"
)

const SystemActor = "system"

type Options struct {
	PriorityThreshold int
	LocalityThreshold int
	VerifiedAge       time.Duration
	SafetyCritical    []string
}

func DefaultOptions() Options {
	return Options{
		PriorityThreshold: 70,
		LocalityThreshold: 5,
		VerifiedAge:       48 * time.Hour,
		SafetyCritical:    config.DefaultScoringWeights().SafetyCriticalTypes,
	}
}

// Evaluation is the outcome of the rules for one report
type Evaluation struct {
	Flag    bool
	Reason  string
	Details models.EscalationDetails
}

type Engine struct {
	store database.Store
	opts  Options
	Now   func() time.Time
}

func New(store database.Store, opts Options) *Engine {
	return &Engine{
		store: store,
		opts:  opts,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate applies every rule independently. Any match sets the flag.
func (e *Engine) Evaluate(ctx context.Context, r *models.Report) (*Evaluation, error) {
	now := e.Now()
	ev := &Evaluation{Details: models.EscalationDetails{EvaluatedAt: now}}
	var reasons []string
	trigger := func(t models.EscalationTrigger, reason string) {
		ev.Flag = true
		ev.Details.Triggers = append(ev.Details.Triggers, t)
		reasons = append(reasons, reason)
	}

	score := 0
	if r.PriorityScore != nil {
		score = *r.PriorityScore
	}
	ev.Details.PriorityScore = score
	if score >= e.opts.PriorityThreshold {
		trigger(models.TriggerPriorityScore, fmt.Sprintf("High priority score (%d >= %d)", score, e.opts.PriorityThreshold))
	}

	if r.Confidence == models.ConfidenceHigh && r.Locality != "" && r.City != "" {
		count, err := priority.OpenInLocality(ctx, e.store, r)
		if err != nil {
			return nil, err
		}
		ev.Details.LocalityCount = count
		if count >= e.opts.LocalityThreshold {
			trigger(models.TriggerHighConfidenceCluster, fmt.Sprintf("HIGH confidence + %d reports in %s", count, r.Locality))
		}
	}

	age := now.Sub(r.CreatedAt.UTC()).Hours()
	ev.Details.AgeHours = age
	if r.Status == models.StatusVerified && age >= e.opts.VerifiedAge.Hours() {
		trigger(models.TriggerVerifiedPersistence, fmt.Sprintf("VERIFIED issue persisting for %.1f hours", age))
	}

	for _, t := range e.opts.SafetyCritical {
		if r.IssueType == t {
			ev.Details.IssueType = r.IssueType
			trigger(models.TriggerSafetyCritical, fmt.Sprintf("Safety-critical issue type: %s", r.IssueType))
			break
		}
	}

	ev.Reason = strings.Join(reasons, " | ")
	return ev, nil
}

// Run evaluates r and stores the flag. A flag a reviewer set or cleared by
// hand is kept; only the trigger details are refreshed.
func (e *Engine) Run(ctx context.Context, r *models.Report) (*Evaluation, error) {
	ev, err := e.Evaluate(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate escalation for report %s: %w", r.ID, err)
	}

	now := e.Now()
	fresh, err := e.store.MutateReport(ctx, r.ID, func(cur *models.Report) error {
		details := ev.Details
		cur.EscalationDetails = &details
		if cur.EscalationSetBy != "" {
			log.Debugf("Report %s escalation is held by reviewer %s", cur.ID, cur.EscalationSetBy)
			return nil
		}
		if SetFlag(cur, ev.Flag, ev.Reason, SystemActor, now) && ev.Flag {
			log.Infof("Report %s flagged for escalation: %s", cur.ID, ev.Reason)
		}
		cur.EscalationReason = ev.Reason
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store escalation for report %s: %w", r.ID, err)
	}
	*r = *fresh
	return ev, nil
}

// SetFlag changes the flag and appends a history entry. Nothing is recorded
// when the flag already has that value.
func SetFlag(r *models.Report, flag bool, reason, actor string, now time.Time) bool {
	if r.EscalationFlag == flag {
		return false
	}
	r.EscalationHistory = append(r.EscalationHistory, models.EscalationChange{
		FromFlag:  r.EscalationFlag,
		ToFlag:    flag,
		ChangedBy: actor,
		Timestamp: now.UTC(),
		Reason:    reason,
	})
	r.EscalationFlag = flag
	if reason != "" {
		r.EscalationReason = reason
	}
	return true
}
