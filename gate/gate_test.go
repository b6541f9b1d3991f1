package gate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"report-signal-service/database"
	"report-signal-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type failingStore struct {
	database.Store
}

func (failingStore) QueryReports(context.Context, models.ReportFilter) ([]*models.Report, error) {
	return nil, errors.New("store unavailable")
}

func newGate(store database.Store) *Gate {
	g := New(store, DefaultOptions())
	g.Now = func() time.Time { return now }
	return g
}

func ptr(f float64) *float64 { return &f }

func insert(t *testing.T, s database.Store, r *models.Report) *models.Report {
	t.Helper()
	require.NoError(t, s.InsertReport(context.Background(), r))
	return r
}

func TestRateLimitBoundary(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	g := newGate(store)

	for i := 0; i < 4; i++ {
		insert(t, store, &models.Report{IPHash: "aaaa", CreatedAt: now.Add(-time.Duration(50-i*10) * time.Minute)})
	}
	// an old report outside the hour does not count
	insert(t, store, &models.Report{IPHash: "aaaa", CreatedAt: now.Add(-2 * time.Hour)})

	rl := g.CheckRateLimit(ctx, "aaaa")
	assert.False(t, rl.Limited, "5th report must be accepted")
	assert.Equal(t, 1, rl.Remaining)
	assert.Equal(t, 5, rl.Limit)

	insert(t, store, &models.Report{IPHash: "aaaa", CreatedAt: now.Add(-time.Minute)})
	rl = g.CheckRateLimit(ctx, "aaaa")
	assert.True(t, rl.Limited, "6th report must be rejected")
	assert.Equal(t, 0, rl.Remaining)
	assert.Equal(t, now.Add(-50*time.Minute).Add(time.Hour), rl.ResetAt)

	_, err := g.Admit(ctx, Submission{IPHash: "aaaa", Locality: "Baner"})
	rej, ok := models.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, models.RejectRateLimited, rej.Kind)
	assert.Equal(t, 5, rej.Details["limit"])
}

func TestRateLimitWithoutHash(t *testing.T) {
	rl := newGate(database.NewMemoryStore()).CheckRateLimit(context.Background(), "")
	assert.False(t, rl.Limited)
	assert.Equal(t, 5, rl.Remaining)
}

func TestDuplicateDetection(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name     string
		existing *models.Report
		sub      Submission

		expectDuplicate bool
		expectReason    string
	}{
		{
			name:            "Same IP",
			existing:        &models.Report{IPHash: "ip1", Locality: "Baner", Description: "tree fell", CreatedAt: now.Add(-5 * time.Minute)},
			sub:             Submission{IPHash: "ip1", Locality: "Baner", Description: "water leak"},
			expectDuplicate: true,
			expectReason:    ReasonSameIP,
		},
		{
			name: "Within 50 meters",
			existing: &models.Report{IPHash: "ip2", Locality: "Baner", Description: "tree fell",
				Latitude: ptr(18.5590), Longitude: ptr(73.7868), CreatedAt: now.Add(-5 * time.Minute)},
			sub:             Submission{IPHash: "ip1", Locality: "Baner", Description: "water leak", Latitude: ptr(18.5592), Longitude: ptr(73.7868)},
			expectDuplicate: true,
			expectReason:    ReasonSameLocation,
		},
		{
			name:            "Similar description",
			existing:        &models.Report{IPHash: "ip2", Locality: "Baner", Description: "huge pothole near the bus stop", CreatedAt: now.Add(-5 * time.Minute)},
			sub:             Submission{IPHash: "ip1", Locality: "Baner", Description: "Huge pothole near the bus stop"},
			expectDuplicate: true,
			expectReason:    ReasonSimilarDescription,
		},
		{
			name:     "Different locality",
			existing: &models.Report{IPHash: "ip1", Locality: "Aundh", CreatedAt: now.Add(-5 * time.Minute)},
			sub:      Submission{IPHash: "ip1", Locality: "Baner"},
		},
		{
			name:     "Outside window",
			existing: &models.Report{IPHash: "ip1", Locality: "Baner", CreatedAt: now.Add(-20 * time.Minute)},
			sub:      Submission{IPHash: "ip1", Locality: "Baner"},
		},
		{
			name: "Far apart and different text",
			existing: &models.Report{IPHash: "ip2", Locality: "Baner", Description: "street light broken",
				Latitude: ptr(18.5590), Longitude: ptr(73.7868), CreatedAt: now.Add(-5 * time.Minute)},
			sub: Submission{IPHash: "ip1", Locality: "Baner", Description: "garbage not collected", Latitude: ptr(18.5690), Longitude: ptr(73.7868)},
		},
	}

	for _, tc := range testCases {
		store := database.NewMemoryStore()
		existing := insert(t, store, tc.existing)
		dup := newGate(store).CheckDuplicate(ctx, tc.sub)
		assert.Equal(t, tc.expectDuplicate, dup.Duplicate, tc.name)
		assert.Equal(t, tc.expectReason, dup.Reason, tc.name)
		if tc.expectDuplicate {
			assert.Equal(t, existing.ID, dup.ReportID, tc.name)
		}
	}
}

func TestDuplicateFirstMatchWins(t *testing.T) {
	store := database.NewMemoryStore()
	first := insert(t, store, &models.Report{IPHash: "x", Locality: "Baner", Description: "a b c", CreatedAt: now.Add(-10 * time.Minute)})
	insert(t, store, &models.Report{IPHash: "ip1", Locality: "Baner", CreatedAt: now.Add(-5 * time.Minute)})

	dup := newGate(store).CheckDuplicate(context.Background(), Submission{IPHash: "ip1", Locality: "Baner", Description: "a b c"})
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.ID, dup.ReportID)
	assert.Equal(t, ReasonSimilarDescription, dup.Reason)
}

func TestFailOpen(t *testing.T) {
	g := newGate(failingStore{})
	rl, err := g.Admit(context.Background(), Submission{IPHash: "ip1", Locality: "Baner"})
	assert.NoError(t, err)
	assert.False(t, rl.Limited)
}

func TestAdmitDuplicate(t *testing.T) {
	store := database.NewMemoryStore()
	existing := insert(t, store, &models.Report{IPHash: "ip1", Locality: "Baner", CreatedAt: now.Add(-time.Minute)})

	_, err := newGate(store).Admit(context.Background(), Submission{IPHash: "ip1", Locality: "Baner"})
	rej, ok := models.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, models.RejectDuplicate, rej.Kind)
	assert.Equal(t, existing.ID, rej.Details["duplicate_report_id"])
	assert.Contains(t, rej.Error(), fmt.Sprintf("duplicate of report %s", existing.ID))
}
