package service

import (
	"context"
	"time"

	"report-signal-service/aggregation"
	"report-signal-service/geo"
	"report-signal-service/issueconfidence"
	"report-signal-service/metrics"
	"report-signal-service/models"

	"github.com/apex/log"
)

func (s *Service) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	return s.store.GetIssue(ctx, id)
}

func (s *Service) ListIssues(ctx context.Context, filter models.IssueFilter) ([]*models.Issue, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.City != "" {
		filter.City = geo.NormalizeCity(filter.City)
	}
	return s.store.QueryIssues(ctx, filter)
}

// RunAggregation performs one clustering pass
func (s *Service) RunAggregation(ctx context.Context) (*aggregation.Result, error) {
	start := time.Now()
	res, err := s.aggregator.Run(ctx)
	metrics.AggregationDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AggregationRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.AggregationRunsTotal.WithLabelValues("success").Inc()
	metrics.IssuesChangedTotal.WithLabelValues("created").Add(float64(len(res.Created)))
	metrics.IssuesChangedTotal.WithLabelValues("merged").Add(float64(len(res.Merged)))
	metrics.IssuesChangedTotal.WithLabelValues("joined").Add(float64(len(res.Joined)))
	return res, nil
}

func (s *Service) RecalculateIssue(ctx context.Context, id string) (*issueconfidence.Result, error) {
	return s.issues.Recalculate(ctx, id)
}

func (s *Service) RecalculateAllIssues(ctx context.Context) (*BatchSummary, error) {
	sum, err := s.issues.RecalculateAll(ctx)
	if err != nil {
		return nil, err
	}
	log.Debugf("Issue recalculation summary: %+v", *sum)
	return &BatchSummary{Updated: sum.Updated, Failed: sum.Failed, Errors: sum.Errors}, nil
}
