package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"report-signal-service/config"
	"report-signal-service/models"

	"github.com/apex/log"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("not found")
	// ErrUnchanged is returned by a mutate function to skip the write
	ErrUnchanged = errors.New("unchanged")
)

// Store is the document store the engines run against. It offers single
// document reads, atomic single document read-modify-write, equality
// filtered queries and full collection streaming. There are no
// multi-document transactions.
//
// MutateReport and MutateIssue load the current document, pass it to fn and
// store the result, with no other write to that document in between. fn must
// not call the store. When fn returns ErrUnchanged nothing is written and the
// current document is returned with a nil error. A report's issue_id is only
// ever set by LinkReport: a mutation cannot change or clear it.
type Store interface {
	InsertReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)
	MutateReport(ctx context.Context, id string, fn func(*models.Report) error) (*models.Report, error)
	// LinkReport sets issue_id on an unlinked report and reports whether it did
	LinkReport(ctx context.Context, reportID, issueID string, at time.Time) (bool, error)
	QueryReports(ctx context.Context, filter models.ReportFilter) ([]*models.Report, error)
	StreamReports(ctx context.Context, fn func(*models.Report) error) error

	InsertIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id string) (*models.Issue, error)
	MutateIssue(ctx context.Context, id string, fn func(*models.Issue) error) (*models.Issue, error)
	QueryIssues(ctx context.Context, filter models.IssueFilter) ([]*models.Issue, error)
	StreamIssues(ctx context.Context, fn func(*models.Issue) error) error

	Close() error
}

// Open returns the store selected by cfg.StoreBackend
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("Using in-memory store, data is lost on restart")
		return NewMemoryStore(), nil
	case "mysql", "":
		return NewMySQLStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
