package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"report-signal-service/confidence"
	"report-signal-service/gate"
	"report-signal-service/geo"
	"report-signal-service/metrics"
	"report-signal-service/models"
	"report-signal-service/workflow"

	"github.com/apex/log"
)

const geocodeTimeout = 30 * time.Second

// SubmitRequest is a citizen report as received
type SubmitRequest struct {
	Description string   `json:"description"`
	IssueType   string   `json:"issue_type"`
	Locality    string   `json:"locality"`
	City        string   `json:"city"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Media       []string `json:"media"`
	ClientIP    string   `json:"-"`
}

type SubmitResult struct {
	Report    *models.Report       `json:"report"`
	RateLimit gate.RateLimitResult `json:"rate_limit"`
}

func (req *SubmitRequest) validate() error {
	req.Description = strings.TrimSpace(req.Description)
	req.IssueType = strings.TrimSpace(req.IssueType)
	req.Locality = strings.TrimSpace(req.Locality)

	if req.Description == "" {
		return models.Reject(models.RejectInvalidInput, "description is required")
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return models.Reject(models.RejectInvalidInput, "latitude and longitude must be given together")
	}
	if req.Latitude != nil && !geo.Valid(geo.Point{Lat: *req.Latitude, Lng: *req.Longitude}) {
		return models.Reject(models.RejectInvalidInput, "invalid coordinates (%f, %f)", *req.Latitude, *req.Longitude)
	}
	return nil
}

// SubmitReport gates, stores and scores a new report. The report is stored
// before any engine runs; engine failures never fail the submission. Reverse
// geocoding runs after the report is stored and never delays the response.
func (s *Service) SubmitReport(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.validate(); err != nil {
		metrics.ReportsSubmittedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ipHash := geo.HashIP(s.config.IPHashSalt, req.ClientIP)
	city := geo.ResolveCity(req.City, req.Locality)

	rl, err := s.gate.Admit(ctx, gate.Submission{
		IPHash:      ipHash,
		Locality:    req.Locality,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		Description: req.Description,
	})
	if err != nil {
		if rej, ok := models.AsRejection(err); ok {
			metrics.ReportsSubmittedTotal.WithLabelValues(string(rej.Kind)).Inc()
		}
		return nil, err
	}

	now := s.now()
	r := &models.Report{
		Description:      req.Description,
		IssueType:        req.IssueType,
		Media:            req.Media,
		City:             city,
		Locality:         req.Locality,
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
		IPHash:           ipHash,
		CreatedAt:        now,
		UpdatedAt:        now,
		Confidence:       models.ConfidenceLow,
		ConfidenceReason: confidence.ReasonAwaiting,
	}
	workflow.Initialize(r, now)

	if err := s.store.InsertReport(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to store report: %w", err)
	}
	metrics.ReportsSubmittedTotal.WithLabelValues("accepted").Inc()
	log.WithFields(log.Fields{
		"report_id":  r.ID,
		"issue_type": r.IssueType,
		"locality":   r.Locality,
		"city":       r.City,
	}).Info("Report accepted")

	r = s.rescore(ctx, r, true)
	s.dispatch(ctx, r)
	if s.geocoder != nil && r.HasCoordinates() {
		s.geocodeAsync(r.ID, *r.Latitude, *r.Longitude)
	}

	rl.Remaining = max(0, rl.Remaining-1)
	return &SubmitResult{Report: r, RateLimit: rl}, nil
}

func (s *Service) geocodeAsync(id string, lat, lng float64) {
	s.geocodes.Add(1)
	go func() {
		defer s.geocodes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), geocodeTimeout)
		defer cancel()
		s.resolvePlace(ctx, id, lat, lng)
	}()
}

// resolvePlace records the reverse geocoded place of a stored report and
// fills a missing locality or city. A report whose city was resolved gets
// another aggregation pass.
func (s *Service) resolvePlace(ctx context.Context, id string, lat, lng float64) {
	place := s.geocoder.Reverse(ctx, lat, lng)
	if place.Empty() {
		return
	}

	now := s.now()
	cityResolved := false
	r, err := s.store.MutateReport(ctx, id, func(cur *models.Report) error {
		cur.ResolvedPlace = &models.ResolvedPlace{
			Address:    place.FormattedAddress,
			Locality:   place.Locality,
			City:       place.City,
			State:      place.State,
			Country:    place.Country,
			Provider:   place.Provider,
			GeocodedAt: now,
		}
		if cur.Locality == "" {
			cur.Locality = place.Locality
		}
		if geo.NormalizeCity(cur.City) == geo.UnknownCity {
			if city := geo.ResolveCity(place.City, cur.Locality); city != geo.UnknownCity {
				cur.City = city
				cityResolved = true
			}
		}
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		log.WithError(err).Warnf("Failed to store geocoded place of report %s", id)
		return
	}
	log.WithFields(log.Fields{
		"report_id": id,
		"provider":  place.Provider,
		"city":      r.City,
	}).Debug("Stored geocoded place")

	if cityResolved {
		s.dispatch(ctx, r)
	}
}
