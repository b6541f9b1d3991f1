// Package workflow is the report status state machine.
//
// Reports move along a strict chain with no skips and no way back:
//
//	UNDER_REVIEW -> VERIFIED -> ACTION_TAKEN -> CLOSED
package workflow

import (
	"fmt"
	"strings"
	"time"

	"report-signal-service/models"
)

// SystemActor is recorded for changes not made by a reviewer
const SystemActor = "system"

var transitions = map[models.Status][]models.Status{
	models.StatusUnderReview: {models.StatusVerified},
	models.StatusVerified:    {models.StatusActionTaken},
	models.StatusActionTaken: {models.StatusClosed},
	models.StatusClosed:      {},
}

// AllowedNext returns the states reachable from current in one step
func AllowedNext(current models.Status) []models.Status {
	next := transitions[current]
	out := make([]models.Status, len(next))
	copy(out, next)
	return out
}

// Validate returns nil when from -> to is allowed. Moving to the current
// state is allowed and means nothing to do.
func Validate(from, to models.Status) error {
	if _, ok := transitions[to]; !ok {
		return models.Reject(models.RejectInvalidInput, "unknown status %q", to)
	}
	if from == to {
		return nil
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}

	allowed := AllowedNext(from)
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	rej := models.Reject(models.RejectInvalidTransition,
		"invalid status transition %s -> %s, allowed from %s: [%s]", from, to, from, strings.Join(names, ", "))
	rej.Details = map[string]any{
		"from":    from,
		"to":      to,
		"allowed": allowed,
	}
	return rej
}

// Initialize puts a new report in UNDER_REVIEW and writes the creation entry
func Initialize(r *models.Report, now time.Time) {
	r.Status = models.StatusUnderReview
	r.StatusHistory = []models.StatusChange{{
		From:      "",
		To:        models.StatusUnderReview,
		ChangedBy: SystemActor,
		Timestamp: now.UTC(),
		Note:      "Report created",
	}}
}

// Transition moves r to the requested state and appends a history entry.
// changed is false for a same-state request, which leaves r untouched.
func Transition(r *models.Report, to models.Status, actor, note string, now time.Time) (changed bool, err error) {
	if err := Validate(r.Status, to); err != nil {
		return false, err
	}
	if r.Status == to {
		return false, nil
	}
	if actor == "" {
		return false, fmt.Errorf("status change on report %s needs an actor", r.ID)
	}

	r.StatusHistory = append(r.StatusHistory, models.StatusChange{
		From:      r.Status,
		To:        to,
		ChangedBy: actor,
		Timestamp: now.UTC(),
		Note:      note,
	})
	r.Status = to
	return true, nil
}
