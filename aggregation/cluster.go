package aggregation

import (
	"sort"
	"time"

	"report-signal-service/geo"
	"report-signal-service/models"
)

var validStatuses = map[models.Status]bool{
	models.StatusUnderReview: true,
	models.StatusVerified:    true,
}

// Eligible reports whether r may take part in clustering at all
func Eligible(r *models.Report, since time.Time) bool {
	if !validStatuses[r.Status] || !r.HasCoordinates() || r.IssueType == "" {
		return false
	}
	if geo.NormalizeCity(r.City) == geo.UnknownCity {
		return false
	}
	if !geo.Valid(point(r)) {
		return false
	}
	return !r.CreatedAt.Before(since)
}

// FindClusters groups pool reports that are close in space and time and share
// issue type and city. Reports are visited oldest first; a report that ends
// up in a cluster is not considered again in the same pass.
func FindClusters(pool []*models.Report, opts Options) [][]*models.Report {
	sorted := make([]*models.Report, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	processed := make(map[string]bool)
	var clusters [][]*models.Report
	for _, seed := range sorted {
		if processed[seed.ID] || seed.IssueID != "" || !validStatuses[seed.Status] {
			continue
		}

		city := geo.NormalizeCity(seed.City)
		var cluster []*models.Report
		for _, r := range sorted {
			if processed[r.ID] || r.IssueID != "" || !validStatuses[r.Status] {
				continue
			}
			if r.IssueType != seed.IssueType || geo.NormalizeCity(r.City) != city {
				continue
			}
			if !near(seed, r, opts) {
				continue
			}
			cluster = append(cluster, r)
		}

		if len(cluster) >= opts.MinReports {
			for _, r := range cluster {
				processed[r.ID] = true
			}
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

func near(seed, r *models.Report, opts Options) bool {
	if geo.DistanceMeters(point(seed), point(r)) > opts.ProximityMeters {
		return false
	}
	gap := r.CreatedAt.Sub(seed.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= opts.TimeWindow
}

func point(r *models.Report) geo.Point {
	return geo.Point{Lat: *r.Latitude, Lng: *r.Longitude}
}

func earliest(reports []*models.Report) time.Time {
	t := reports[0].CreatedAt
	for _, r := range reports[1:] {
		if r.CreatedAt.Before(t) {
			t = r.CreatedAt
		}
	}
	return t.UTC()
}
