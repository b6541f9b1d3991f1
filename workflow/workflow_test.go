package workflow

import (
	"testing"
	"time"

	"report-signal-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestInitialize(t *testing.T) {
	r := &models.Report{}
	Initialize(r, now)
	assert.Equal(t, models.StatusUnderReview, r.Status)
	require.Len(t, r.StatusHistory, 1)
	assert.Equal(t, models.StatusChange{
		From: "", To: models.StatusUnderReview, ChangedBy: "system", Timestamp: now, Note: "Report created",
	}, r.StatusHistory[0])
}

func TestTransitionChain(t *testing.T) {
	r := &models.Report{ID: "r1"}
	Initialize(r, now)

	for i, to := range []models.Status{models.StatusVerified, models.StatusActionTaken, models.StatusClosed} {
		changed, err := Transition(r, to, "reviewer-1", "", now.Add(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, to, r.Status)
	}
	assert.Len(t, r.StatusHistory, 4)
	assert.Equal(t, models.StatusActionTaken, r.StatusHistory[3].From)
	assert.Equal(t, "reviewer-1", r.StatusHistory[3].ChangedBy)

	for _, to := range []models.Status{models.StatusUnderReview, models.StatusVerified, models.StatusActionTaken} {
		_, err := Transition(r, to, "reviewer-1", "", now)
		rej, ok := models.AsRejection(err)
		require.True(t, ok, "CLOSED -> %s must be rejected", to)
		assert.Equal(t, models.RejectInvalidTransition, rej.Kind)
		assert.Empty(t, rej.Details["allowed"])
	}
	assert.Len(t, r.StatusHistory, 4)
}

func TestSkipRejected(t *testing.T) {
	r := &models.Report{ID: "r1"}
	Initialize(r, now)

	changed, err := Transition(r, models.StatusActionTaken, "reviewer-1", "", now)
	assert.False(t, changed)
	rej, ok := models.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, []models.Status{models.StatusVerified}, rej.Details["allowed"])
	assert.Contains(t, rej.Message, "[VERIFIED]")
	assert.Equal(t, models.StatusUnderReview, r.Status)
}

func TestSameStateIsNoop(t *testing.T) {
	r := &models.Report{ID: "r1"}
	Initialize(r, now)

	changed, err := Transition(r, models.StatusUnderReview, "reviewer-1", "again", now)
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, r.StatusHistory, 1)
}

func TestUnknownStatus(t *testing.T) {
	err := Validate(models.StatusUnderReview, models.Status("DONE"))
	rej, ok := models.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, models.RejectInvalidInput, rej.Kind)
}
