// Package aggregation turns clusters of co-located, co-temporal reports into
// issues, merges clusters into nearby existing issues and lets single reports
// join an issue that already exists.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"report-signal-service/database"
	"report-signal-service/geo"
	"report-signal-service/issueconfidence"
	"report-signal-service/models"

	"github.com/apex/log"
)

type Options struct {
	ProximityMeters float64
	TimeWindow      time.Duration
	MinReports      int
	Lookback        time.Duration
}

func DefaultOptions() Options {
	return Options{
		ProximityMeters: 500,
		TimeWindow:      2 * time.Hour,
		MinReports:      5,
		Lookback:        24 * time.Hour,
	}
}

// ErrInvalidCentroid is returned when an update would move an issue to an
// unusable centroid. The issue is left as it was.
var ErrInvalidCentroid = errors.New("invalid centroid")

// Recalculator re-scores an issue after its membership changed
type Recalculator interface {
	Recalculate(ctx context.Context, issueID string) (*issueconfidence.Result, error)
}

// IssueHook is called after an issue was created or grew. It must not block.
type IssueHook func(issueID string)

// Result lists what one pass did
type Result struct {
	Clusters int               `json:"clusters"`
	Created  []string          `json:"created"`
	Merged   []string          `json:"merged"`
	Joined   map[string]string `json:"joined"`
	Skipped  int               `json:"skipped"`
}

type Engine struct {
	store  database.Store
	opts   Options
	scorer Recalculator
	hook   IssueHook
	Now    func() time.Time

	// serializes passes inside this process only
	mu sync.Mutex
}

func New(store database.Store, opts Options, scorer Recalculator, hook IssueHook) *Engine {
	return &Engine{
		store:  store,
		opts:   opts,
		scorer: scorer,
		hook:   hook,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one aggregation pass over the recent eligible reports
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.Now()
	pool, err := e.pool(ctx, now)
	if err != nil {
		return nil, err
	}

	res := &Result{Joined: make(map[string]string)}
	touched := make(map[string]bool)
	var order []string
	touch := func(id string) {
		if !touched[id] {
			touched[id] = true
			order = append(order, id)
		}
	}

	clusters := FindClusters(pool, e.opts)
	res.Clusters = len(clusters)
	for _, cluster := range clusters {
		issue, created, err := e.materialize(ctx, cluster, now)
		if err != nil {
			log.WithError(err).Warnf("Skipping cluster of %d %s reports", len(cluster), cluster[0].IssueType)
			res.Skipped++
			continue
		}
		for _, r := range cluster {
			r.IssueID = issue.ID
		}
		if created {
			res.Created = append(res.Created, issue.ID)
		} else {
			res.Merged = append(res.Merged, issue.ID)
		}
		touch(issue.ID)
	}

	for _, r := range pool {
		if r.IssueID != "" {
			continue
		}
		issue, err := e.findExisting(ctx, r.IssueType, geo.NormalizeCity(r.City), point(r))
		if err != nil {
			log.WithError(err).Warnf("Failed to look up issue for report %s", r.ID)
			continue
		}
		if issue == nil {
			continue
		}
		if err := e.Merge(ctx, issue, []*models.Report{r}, now); err != nil {
			log.WithError(err).Warnf("Failed to join report %s into issue %s", r.ID, issue.ID)
			res.Skipped++
			continue
		}
		r.IssueID = issue.ID
		res.Joined[r.ID] = issue.ID
		touch(issue.ID)
	}

	for _, id := range order {
		if e.scorer != nil {
			if _, err := e.scorer.Recalculate(ctx, id); err != nil {
				log.WithError(err).Errorf("Failed to recalculate confidence of issue %s", id)
			}
		}
		if e.hook != nil {
			e.hook(id)
		}
	}

	log.Infof("Aggregation pass: %d clusters, %d created, %d merged, %d joined",
		res.Clusters, len(res.Created), len(res.Merged), len(res.Joined))
	return res, nil
}

func (e *Engine) pool(ctx context.Context, now time.Time) ([]*models.Report, error) {
	since := now.Add(-e.opts.Lookback)
	recent, err := e.store.QueryReports(ctx, models.ReportFilter{Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregation pool: %w", err)
	}
	pool := recent[:0]
	for _, r := range recent {
		if Eligible(r, since) {
			pool = append(pool, r)
		}
	}
	return pool, nil
}

// materialize merges a cluster into a nearby active issue, or creates one
func (e *Engine) materialize(ctx context.Context, cluster []*models.Report, now time.Time) (*models.Issue, bool, error) {
	points := make([]geo.Point, len(cluster))
	for i, r := range cluster {
		points[i] = point(r)
	}
	centroid, ok := geo.Centroid(points)
	if !ok {
		return nil, false, ErrInvalidCentroid
	}

	issueType := cluster[0].IssueType
	city := geo.NormalizeCity(cluster[0].City)

	existing, err := e.findExisting(ctx, issueType, city, centroid)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := e.Merge(ctx, existing, cluster, now); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	issue, err := e.create(ctx, cluster, issueType, city, centroid, now)
	if err != nil {
		return nil, false, err
	}
	return issue, true, nil
}

// findExisting returns the nearest active issue of the same type and city
// whose centroid is within the proximity radius, or nil
func (e *Engine) findExisting(ctx context.Context, issueType, city string, p geo.Point) (*models.Issue, error) {
	issues, err := e.store.QueryIssues(ctx, models.IssueFilter{
		IssueType: issueType,
		City:      city,
		Status:    models.IssueActive,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}

	var best *models.Issue
	bestDist := e.opts.ProximityMeters
	for _, issue := range issues {
		c := geo.Point{Lat: issue.CentroidLat, Lng: issue.CentroidLng}
		if !geo.Valid(c) {
			continue
		}
		if d := geo.DistanceMeters(p, c); d <= bestDist {
			best, bestDist = issue, d
		}
	}
	return best, nil
}

func (e *Engine) create(ctx context.Context, cluster []*models.Report, issueType, city string, centroid geo.Point, now time.Time) (*models.Issue, error) {
	ids := make([]string, len(cluster))
	localities := make([]string, len(cluster))
	for i, r := range cluster {
		ids[i] = r.ID
		localities[i] = r.Locality
	}
	locality := geo.DominantLocality(localities)
	place := locality
	if place == "" {
		place = city
	}

	reason := issueconfidence.CreationReason(len(cluster))
	score := issueconfidence.InitialScore.InexactFloat64()
	issue := &models.Issue{
		Title:              fmt.Sprintf("%s issue in %s", issueType, place),
		IssueType:          issueType,
		City:               city,
		Locality:           locality,
		CentroidLat:        centroid.Lat,
		CentroidLng:        centroid.Lng,
		ReportIDs:          ids,
		ReportCount:        len(ids),
		InitialReportCount: len(ids),
		Status:             models.IssueActive,
		Confidence:         models.ConfidenceLow,
		ConfidenceScore:    score,
		ConfidenceReason:   reason,
		ConfidenceTimeline: []models.TimelineEntry{{
			NewScore:  score,
			NewLabel:  models.ConfidenceLow,
			Reason:    reason,
			Timestamp: now,
		}},
		CreatedAt: earliest(cluster),
		UpdatedAt: now,
	}
	if err := e.store.InsertIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	log.Infof("Created issue %s %q from %d reports", issue.ID, issue.Title, len(ids))

	e.link(ctx, issue.ID, ids)
	return issue, nil
}

// Merge adds reports to an existing issue. The centroid and dominant locality
// are recomputed over every linked report, including the ones already in the
// issue. If the new centroid is unusable nothing is written.
func (e *Engine) Merge(ctx context.Context, issue *models.Issue, reports []*models.Report, now time.Time) error {
	incoming := make(map[string]*models.Report, len(reports))
	var added []string
	for _, r := range reports {
		incoming[r.ID] = r
		if !issue.HasReport(r.ID) {
			added = append(added, r.ID)
		}
	}

	var points []geo.Point
	var localities []string
	for _, id := range issue.ReportIDs {
		r, ok := incoming[id]
		if !ok {
			var err error
			r, err = e.store.GetReport(ctx, id)
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to load linked report %s: %w", id, err)
			}
		}
		if r.HasCoordinates() {
			points = append(points, point(r))
		}
		localities = append(localities, r.Locality)
	}
	for _, id := range added {
		r := incoming[id]
		if r.HasCoordinates() {
			points = append(points, point(r))
		}
		localities = append(localities, r.Locality)
	}

	centroid, ok := geo.Centroid(points)
	if !ok {
		log.Warnf("Rejected centroid update for issue %s, keeping (%.6f, %.6f)", issue.ID, issue.CentroidLat, issue.CentroidLng)
		return ErrInvalidCentroid
	}

	locality := geo.DominantLocality(localities)
	fresh, err := e.store.MutateIssue(ctx, issue.ID, func(cur *models.Issue) error {
		for _, id := range added {
			if !cur.HasReport(id) {
				cur.ReportIDs = append(cur.ReportIDs, id)
			}
		}
		cur.ReportCount = len(cur.ReportIDs)
		cur.CentroidLat = centroid.Lat
		cur.CentroidLng = centroid.Lng
		if locality != "" {
			cur.Locality = locality
		}
		if now.After(cur.UpdatedAt) {
			cur.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update issue %s: %w", issue.ID, err)
	}
	*issue = *fresh
	log.Infof("Merged %d reports into issue %s (now %d)", len(added), issue.ID, issue.ReportCount)

	e.link(ctx, issue.ID, added)
	return nil
}

// link sets issue_id on reports that are not linked yet. A report that is
// already linked keeps its issue.
func (e *Engine) link(ctx context.Context, issueID string, reportIDs []string) {
	for _, id := range reportIDs {
		linked, err := e.store.LinkReport(ctx, id, issueID, e.Now())
		if err != nil {
			log.WithError(err).Warnf("Failed to link report %s to issue %s", id, issueID)
			continue
		}
		if !linked {
			log.Warnf("Report %s already belongs to an issue, not relinking to %s", id, issueID)
		}
	}
}
