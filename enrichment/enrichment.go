// Package enrichment attaches advisory LLM summaries to issues. It only ever
// writes the ai_summary field.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"report-signal-service/database"
	"report-signal-service/llm"
	"report-signal-service/models"

	"github.com/apex/log"
)

const maxDescriptions = 20

type Summarizer interface {
	Summarize(ctx context.Context, req llm.Request) (*models.IssueSummary, error)
}

type Enricher struct {
	store      database.Store
	summarizer Summarizer
	timeout    time.Duration
	Now        func() time.Time

	wg sync.WaitGroup
	// caps concurrent provider calls
	slots chan struct{}
}

func New(store database.Store, summarizer Summarizer, timeout time.Duration, concurrency int) *Enricher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Enricher{
		store:      store,
		summarizer: summarizer,
		timeout:    timeout,
		Now:        func() time.Time { return time.Now().UTC() },
		slots:      make(chan struct{}, concurrency),
	}
}

// Enrich summarizes an issue that has no summary yet. Provider failures are
// returned but leave the issue untouched.
func (e *Enricher) Enrich(ctx context.Context, issueID string) error {
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("failed to load issue %s: %w", issueID, err)
	}
	if issue.AISummary != nil {
		return nil
	}

	req := llm.Request{
		Title:     issue.Title,
		IssueType: issue.IssueType,
		City:      issue.City,
		Locality:  issue.Locality,
	}
	for _, id := range issue.ReportIDs {
		if len(req.Descriptions) == maxDescriptions {
			break
		}
		r, err := e.store.GetReport(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load report %s: %w", id, err)
		}
		if r.Description != "" {
			req.Descriptions = append(req.Descriptions, r.Description)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	summary, err := e.summarizer.Summarize(callCtx, req)
	if err != nil {
		return fmt.Errorf("failed to summarize issue %s: %w", issueID, err)
	}
	summary.GeneratedAt = e.Now()

	stored := false
	_, err = e.store.MutateIssue(ctx, issueID, func(cur *models.Issue) error {
		if cur.AISummary != nil {
			return database.ErrUnchanged
		}
		cur.AISummary = summary
		stored = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store summary for issue %s: %w", issueID, err)
	}
	if !stored {
		return nil
	}
	log.Infof("Stored %s summary for issue %s", summary.Provider, issueID)
	return nil
}

// EnrichAsync runs Enrich in the background. Errors are logged.
func (e *Enricher) EnrichAsync(issueID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.slots <- struct{}{}
		defer func() { <-e.slots }()

		if err := e.Enrich(context.Background(), issueID); err != nil {
			log.WithError(err).Warn("Issue enrichment failed")
		}
	}()
}

// Wait blocks until every background enrichment has finished
func (e *Enricher) Wait() {
	e.wg.Wait()
}
