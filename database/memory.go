package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"report-signal-service/models"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process. Every read returns a copy so callers
// never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	reports map[string]memEntry
	issues  map[string]memEntry
}

type memEntry struct {
	seq int64
	doc []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]memEntry),
		issues:  make(map[string]memEntry),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) InsertReport(ctx context.Context, report *models.Report) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reports[report.ID]; exists {
		return fmt.Errorf("report %s already exists", report.ID)
	}
	m.seq++
	m.reports[report.ID] = memEntry{seq: m.seq, doc: doc}
	return nil
}

func (m *MemoryStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	m.mu.RLock()
	entry, ok := m.reports[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode[models.Report](entry.doc)
}

func (m *MemoryStore) MutateReport(ctx context.Context, id string, fn func(*models.Report) error) (*models.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	report, err := decode[models.Report](entry.doc)
	if err != nil {
		return nil, err
	}
	issueID := report.IssueID

	if err := fn(report); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return decode[models.Report](entry.doc)
		}
		return nil, err
	}
	report.ID = id
	report.IssueID = issueID

	doc, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	entry.doc = doc
	m.reports[id] = entry
	return report, nil
}

func (m *MemoryStore) LinkReport(ctx context.Context, reportID, issueID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.reports[reportID]
	if !ok {
		return false, ErrNotFound
	}
	report, err := decode[models.Report](entry.doc)
	if err != nil {
		return false, err
	}
	if report.IssueID != "" {
		return false, nil
	}
	report.IssueID = issueID
	report.UpdatedAt = at

	doc, err := json.Marshal(report)
	if err != nil {
		return false, fmt.Errorf("failed to marshal report: %w", err)
	}
	entry.doc = doc
	m.reports[reportID] = entry
	return true, nil
}

func (m *MemoryStore) QueryReports(ctx context.Context, filter models.ReportFilter) ([]*models.Report, error) {
	var out []*models.Report
	err := m.streamReports(func(r *models.Report) error {
		if matchReport(r, filter) {
			out = append(out, r)
		}
		return nil
	}, filter.Newest)
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) StreamReports(ctx context.Context, fn func(*models.Report) error) error {
	return m.streamReports(fn, false)
}

func (m *MemoryStore) streamReports(fn func(*models.Report) error, newest bool) error {
	m.mu.RLock()
	type row struct {
		seq    int64
		report *models.Report
	}
	rows := make([]row, 0, len(m.reports))
	for _, entry := range m.reports {
		r, err := decode[models.Report](entry.doc)
		if err != nil {
			m.mu.RUnlock()
			return err
		}
		rows = append(rows, row{seq: entry.seq, report: r})
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.report.CreatedAt.Equal(b.report.CreatedAt) {
			if newest {
				return a.report.CreatedAt.After(b.report.CreatedAt)
			}
			return a.report.CreatedAt.Before(b.report.CreatedAt)
		}
		if newest {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
	for _, r := range rows {
		if err := fn(r.report); err != nil {
			return err
		}
	}
	return nil
}

func matchReport(r *models.Report, f models.ReportFilter) bool {
	switch {
	case f.Status != "" && r.Status != f.Status:
		return false
	case f.Confidence != "" && r.Confidence != f.Confidence:
		return false
	case f.Locality != "" && r.Locality != f.Locality:
		return false
	case f.City != "" && r.City != f.City:
		return false
	case f.IssueType != "" && r.IssueType != f.IssueType:
		return false
	case f.IPHash != "" && r.IPHash != f.IPHash:
		return false
	case f.IssueID != "" && r.IssueID != f.IssueID:
		return false
	case f.Escalated != nil && r.EscalationFlag != *f.Escalated:
		return false
	case !f.Since.IsZero() && r.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

func (m *MemoryStore) InsertIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	doc, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("failed to marshal issue: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.issues[issue.ID]; exists {
		return fmt.Errorf("issue %s already exists", issue.ID)
	}
	m.seq++
	m.issues[issue.ID] = memEntry{seq: m.seq, doc: doc}
	return nil
}

func (m *MemoryStore) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	m.mu.RLock()
	entry, ok := m.issues[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode[models.Issue](entry.doc)
}

func (m *MemoryStore) MutateIssue(ctx context.Context, id string, fn func(*models.Issue) error) (*models.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	issue, err := decode[models.Issue](entry.doc)
	if err != nil {
		return nil, err
	}

	if err := fn(issue); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return decode[models.Issue](entry.doc)
		}
		return nil, err
	}
	issue.ID = id

	doc, err := json.Marshal(issue)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal issue: %w", err)
	}
	entry.doc = doc
	m.issues[id] = entry
	return issue, nil
}

func (m *MemoryStore) QueryIssues(ctx context.Context, filter models.IssueFilter) ([]*models.Issue, error) {
	var out []*models.Issue
	err := m.StreamIssues(ctx, func(i *models.Issue) error {
		if filter.IssueType != "" && i.IssueType != filter.IssueType {
			return nil
		}
		if filter.City != "" && i.City != filter.City {
			return nil
		}
		if filter.Status != "" && i.Status != filter.Status {
			return nil
		}
		out = append(out, i)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// StreamIssues visits issues in insertion order
func (m *MemoryStore) StreamIssues(ctx context.Context, fn func(*models.Issue) error) error {
	m.mu.RLock()
	entries := make([]memEntry, 0, len(m.issues))
	for _, e := range m.issues {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	for _, e := range entries {
		issue, err := decode[models.Issue](e.doc)
		if err != nil {
			return err
		}
		if err := fn(issue); err != nil {
			return err
		}
	}
	return nil
}

func decode[T any](doc []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return &v, nil
}
