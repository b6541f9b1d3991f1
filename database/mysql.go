package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"report-signal-service/config"
	"report-signal-service/models"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore keeps each document as a JSON column next to the columns
// used for equality filters.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection and makes sure the tables exist
func NewMySQLStore(ctx context.Context, cfg *config.Config) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&loc=UTC&multiStatements=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := NewMySQLStoreFromDB(db)
	if err := store.EnsureTables(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Infof("Database connected successfully to %s:%s/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
	return store, nil
}

// NewMySQLStoreFromDB wraps an already open handle
func NewMySQLStoreFromDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// EnsureTables creates the report and issue tables if they do not exist
func (s *MySQLStore) EnsureTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reports (
			id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			confidence VARCHAR(16) NOT NULL DEFAULT 'LOW',
			issue_type VARCHAR(128) NOT NULL DEFAULT '',
			locality VARCHAR(255) NOT NULL DEFAULT '',
			city VARCHAR(255) NOT NULL DEFAULT 'UNKNOWN',
			ip_hash VARCHAR(32) NOT NULL DEFAULT '',
			issue_id VARCHAR(64) NOT NULL DEFAULT '',
			escalation_flag BOOL NOT NULL DEFAULT FALSE,
			created_at DATETIME(6) NOT NULL,
			doc JSON NOT NULL,
			INDEX idx_reports_locality_created (locality, created_at),
			INDEX idx_reports_ip_created (ip_hash, created_at),
			INDEX idx_reports_status (status),
			INDEX idx_reports_issue (issue_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create reports table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS issues (
			id VARCHAR(64) PRIMARY KEY,
			issue_type VARCHAR(128) NOT NULL,
			city VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			doc JSON NOT NULL,
			INDEX idx_issues_type_city_status (issue_type, city, status)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create issues table: %w", err)
	}
	return nil
}

func (s *MySQLStore) InsertReport(ctx context.Context, report *models.Report) error {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, status, confidence, issue_type, locality, city, ip_hash, issue_id, escalation_flag, created_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.Status, report.Confidence, report.IssueType, report.Locality, report.City,
		report.IPHash, report.IssueID, report.EscalationFlag, report.CreatedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM reports WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", id, err)
	}
	return decode[models.Report](doc)
}

// MutateReport locks the row for the duration of fn
func (s *MySQLStore) MutateReport(ctx context.Context, id string, fn func(*models.Report) error) (*models.Report, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, "SELECT doc FROM reports WHERE id = ? FOR UPDATE", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock report %s: %w", id, err)
	}
	report, err := decode[models.Report](doc)
	if err != nil {
		return nil, err
	}
	issueID := report.IssueID

	if err := fn(report); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return decode[models.Report](doc)
		}
		return nil, err
	}
	report.ID = id
	report.IssueID = issueID

	out, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	// issue_id is left to LinkReport
	_, err = tx.ExecContext(ctx, `
		UPDATE reports SET status = ?, confidence = ?, issue_type = ?, locality = ?, city = ?,
			escalation_flag = ?, doc = ?
		WHERE id = ?`,
		report.Status, report.Confidence, report.IssueType, report.Locality, report.City,
		report.EscalationFlag, out, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update report %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit report %s: %w", id, err)
	}
	return report, nil
}

func (s *MySQLStore) LinkReport(ctx context.Context, reportID, issueID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reports SET issue_id = ?,
			doc = JSON_SET(doc, '$.issue_id', ?, '$.updated_at', ?)
		WHERE id = ? AND issue_id = ''`,
		issueID, issueID, at.UTC().Format(time.RFC3339Nano), reportID)
	if err != nil {
		return false, fmt.Errorf("failed to link report %s: %w", reportID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to link report %s: %w", reportID, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetReport(ctx, reportID); err != nil {
		return false, err
	}
	return false, nil
}

// buildReportQuery turns a filter into a WHERE clause and its arguments
func buildReportQuery(f models.ReportFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		conds = append(conds, cond)
		args = append(args, arg)
	}

	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.Confidence != "" {
		add("confidence = ?", f.Confidence)
	}
	if f.Locality != "" {
		add("locality = ?", f.Locality)
	}
	if f.City != "" {
		add("city = ?", f.City)
	}
	if f.IssueType != "" {
		add("issue_type = ?", f.IssueType)
	}
	if f.IPHash != "" {
		add("ip_hash = ?", f.IPHash)
	}
	if f.IssueID != "" {
		add("issue_id = ?", f.IssueID)
	}
	if f.Escalated != nil {
		add("escalation_flag = ?", *f.Escalated)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since.UTC())
	}

	query := "SELECT doc FROM reports"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Newest {
		query += " ORDER BY created_at DESC"
	} else {
		query += " ORDER BY created_at ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

func (s *MySQLStore) QueryReports(ctx context.Context, filter models.ReportFilter) ([]*models.Report, error) {
	query, args := buildReportQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.Report
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		r, err := decode[models.Report](doc)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reports: %w", err)
	}
	return reports, nil
}

func (s *MySQLStore) StreamReports(ctx context.Context, fn func(*models.Report) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM reports ORDER BY created_at ASC")
	if err != nil {
		return fmt.Errorf("failed to stream reports: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("failed to scan report: %w", err)
		}
		r, err := decode[models.Report](doc)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *MySQLStore) InsertIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	doc, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("failed to marshal issue: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO issues (id, issue_type, city, status, created_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.IssueType, issue.City, issue.Status, issue.CreatedAt.UTC(), issue.UpdatedAt.UTC(), doc)
	if err != nil {
		return fmt.Errorf("failed to insert issue: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetIssue(ctx context.Context, id string) (*models.Issue, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM issues WHERE id = ?", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	return decode[models.Issue](doc)
}

// MutateIssue locks the row for the duration of fn
func (s *MySQLStore) MutateIssue(ctx context.Context, id string, fn func(*models.Issue) error) (*models.Issue, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, "SELECT doc FROM issues WHERE id = ? FOR UPDATE", id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock issue %s: %w", id, err)
	}
	issue, err := decode[models.Issue](doc)
	if err != nil {
		return nil, err
	}

	if err := fn(issue); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return decode[models.Issue](doc)
		}
		return nil, err
	}
	issue.ID = id

	out, err := json.Marshal(issue)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal issue: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE issues SET issue_type = ?, city = ?, status = ?, updated_at = ?, doc = ?
		WHERE id = ?`,
		issue.IssueType, issue.City, issue.Status, issue.UpdatedAt.UTC(), out, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit issue %s: %w", id, err)
	}
	return issue, nil
}

func (s *MySQLStore) QueryIssues(ctx context.Context, filter models.IssueFilter) ([]*models.Issue, error) {
	var conds []string
	var args []any
	if filter.IssueType != "" {
		conds = append(conds, "issue_type = ?")
		args = append(args, filter.IssueType)
	}
	if filter.City != "" {
		conds = append(conds, "city = ?")
		args = append(args, filter.City)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT doc FROM issues"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []*models.Issue
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issue, err := decode[models.Issue](doc)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate issues: %w", err)
	}
	return issues, nil
}

func (s *MySQLStore) StreamIssues(ctx context.Context, fn func(*models.Issue) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM issues ORDER BY created_at ASC")
	if err != nil {
		return fmt.Errorf("failed to stream issues: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return fmt.Errorf("failed to scan issue: %w", err)
		}
		issue, err := decode[models.Issue](doc)
		if err != nil {
			return err
		}
		if err := fn(issue); err != nil {
			return err
		}
	}
	return rows.Err()
}
