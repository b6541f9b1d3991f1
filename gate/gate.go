// Package gate decides whether a citizen submission may be stored at all.
// It only reads from the store.
package gate

import (
	"context"
	"time"

	"report-signal-service/database"
	"report-signal-service/geo"
	"report-signal-service/models"

	"github.com/apex/log"
)

// Duplicate match reasons
const (
	ReasonSameIP             = "same_ip"
	ReasonSameLocation       = "same_location"
	ReasonSimilarDescription = "similar_description"
	rateLimitWindow          = time.Hour
)

type Options struct {
	MaxPerHour              int
	DuplicateWindow         time.Duration
	DuplicateDistanceMeters float64
	SimilarityThreshold     float64
}

func DefaultOptions() Options {
	return Options{
		MaxPerHour:              5,
		DuplicateWindow:         15 * time.Minute,
		DuplicateDistanceMeters: 50,
		SimilarityThreshold:     0.7,
	}
}

// Submission is what the gate looks at
type Submission struct {
	IPHash      string
	Locality    string
	Latitude    *float64
	Longitude   *float64
	Description string
}

type RateLimitResult struct {
	Limited   bool      `json:"is_rate_limited"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}

type DuplicateResult struct {
	Duplicate bool   `json:"is_duplicate"`
	ReportID  string `json:"duplicate_report_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type Gate struct {
	store database.Store
	opts  Options
	Now   func() time.Time
}

func New(store database.Store, opts Options) *Gate {
	return &Gate{
		store: store,
		opts:  opts,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// CheckRateLimit counts reports from the same hashed IP in the trailing hour.
// A missing hash or a failed read lets the submission through.
func (g *Gate) CheckRateLimit(ctx context.Context, ipHash string) RateLimitResult {
	limit := g.opts.MaxPerHour
	if ipHash == "" {
		return RateLimitResult{Remaining: limit, Limit: limit}
	}

	now := g.Now()
	recent, err := g.store.QueryReports(ctx, models.ReportFilter{
		IPHash: ipHash,
		Since:  now.Add(-rateLimitWindow),
	})
	if err != nil {
		log.WithError(err).Warnf("Rate limit check failed for %s..., allowing submission", prefix(ipHash))
		return RateLimitResult{Remaining: limit, Limit: limit}
	}

	count := len(recent)
	if count >= limit {
		resetAt := now.Add(rateLimitWindow)
		if count > 0 {
			resetAt = recent[0].CreatedAt.UTC().Add(rateLimitWindow)
		}
		log.Warnf("Rate limit exceeded for IP hash %s... (%d reports in last hour)", prefix(ipHash), count)
		return RateLimitResult{Limited: true, Remaining: 0, Limit: limit, ResetAt: resetAt}
	}
	return RateLimitResult{Remaining: limit - count, Limit: limit}
}

// CheckDuplicate looks for a recent report in the same locality that matches
// by hashed IP, by distance, or by description similarity. The first match wins.
// A failed read is treated as no duplicate.
func (g *Gate) CheckDuplicate(ctx context.Context, sub Submission) DuplicateResult {
	recent, err := g.store.QueryReports(ctx, models.ReportFilter{
		Locality: sub.Locality,
		Since:    g.Now().Add(-g.opts.DuplicateWindow),
	})
	if err != nil {
		log.WithError(err).Warnf("Duplicate check failed for locality %q, allowing submission", sub.Locality)
		return DuplicateResult{}
	}

	for _, r := range recent {
		if reason := g.match(sub, r); reason != "" {
			log.Warnf("Duplicate report detected: %s (matches report %s)", reason, r.ID)
			return DuplicateResult{Duplicate: true, ReportID: r.ID, Reason: reason}
		}
	}
	return DuplicateResult{}
}

func (g *Gate) match(sub Submission, r *models.Report) string {
	if sub.IPHash != "" && r.IPHash == sub.IPHash {
		return ReasonSameIP
	}
	if sub.Latitude != nil && sub.Longitude != nil && r.HasCoordinates() {
		d := geo.DistanceMeters(
			geo.Point{Lat: *sub.Latitude, Lng: *sub.Longitude},
			geo.Point{Lat: *r.Latitude, Lng: *r.Longitude},
		)
		if d <= g.opts.DuplicateDistanceMeters {
			return ReasonSameLocation
		}
	}
	if geo.WordJaccard(sub.Description, r.Description) > g.opts.SimilarityThreshold {
		return ReasonSimilarDescription
	}
	return ""
}

// Admit runs the rate limit and then the duplicate check. The returned error
// is a *models.RejectionError when the submission must not be stored.
func (g *Gate) Admit(ctx context.Context, sub Submission) (RateLimitResult, error) {
	rl := g.CheckRateLimit(ctx, sub.IPHash)
	if rl.Limited {
		rej := models.Reject(models.RejectRateLimited,
			"rate limit exceeded: %d reports per hour", rl.Limit)
		rej.Details = map[string]any{
			"remaining": rl.Remaining,
			"limit":     rl.Limit,
			"reset_at":  rl.ResetAt,
		}
		return rl, rej
	}

	dup := g.CheckDuplicate(ctx, sub)
	if dup.Duplicate {
		rej := models.Reject(models.RejectDuplicate,
			"duplicate of report %s (%s)", dup.ReportID, dup.Reason)
		rej.Details = map[string]any{
			"duplicate_report_id": dup.ReportID,
			"reason":              dup.Reason,
		}
		return rl, rej
	}
	return rl, nil
}

func prefix(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
