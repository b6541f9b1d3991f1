package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"report-signal-service/models"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func reportDoc(t *testing.T, r *models.Report) []byte {
	doc, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return doc
}

func TestQueryReports(t *testing.T) {
	it(func() {
		since := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		escalated := true
		testCases := []struct {
			name   string
			filter models.ReportFilter

			expectQuery string
			expectArgs  []any
			rows        []*models.Report
			queryErr    error

			expectIDs   []string
			expectError bool
		}{
			{
				name:        "Locality window",
				filter:      models.ReportFilter{Locality: "Indiranagar", Since: since},
				expectQuery: "SELECT doc FROM reports WHERE locality = \\? AND created_at >= \\? ORDER BY created_at ASC",
				expectArgs:  []any{"Indiranagar", since},
				rows: []*models.Report{
					{ID: "r1", Locality: "Indiranagar", CreatedAt: since},
					{ID: "r2", Locality: "Indiranagar", CreatedAt: since.Add(time.Minute)},
				},
				expectIDs: []string{"r1", "r2"},
			},
			{
				name:        "Reviewer listing",
				filter:      models.ReportFilter{Status: models.StatusVerified, City: "pune", Limit: 100, Newest: true},
				expectQuery: "SELECT doc FROM reports WHERE status = \\? AND city = \\? ORDER BY created_at DESC LIMIT \\?",
				expectArgs:  []any{"VERIFIED", "pune", 100},
				rows:        []*models.Report{{ID: "r9"}},
				expectIDs:   []string{"r9"},
			},
			{
				name:        "Escalated only",
				filter:      models.ReportFilter{Escalated: &escalated},
				expectQuery: "SELECT doc FROM reports WHERE escalation_flag = \\? ORDER BY created_at ASC",
				expectArgs:  []any{true},
				rows:        nil,
				expectIDs:   nil,
			},
			{
				name:        "Store failure",
				filter:      models.ReportFilter{IPHash: "abcd"},
				expectQuery: "SELECT doc FROM reports WHERE ip_hash = \\? ORDER BY created_at ASC",
				expectArgs:  []any{"abcd"},
				queryErr:    errors.New("connection refused"),
				expectError: true,
			},
		}

		for _, testCase := range testCases {
			setUp()
			args := make([]driver.Value, 0, len(testCase.expectArgs))
			for _, a := range testCase.expectArgs {
				args = append(args, a)
			}
			exp := mock.ExpectQuery(testCase.expectQuery).WithArgs(args...)
			if testCase.queryErr != nil {
				exp.WillReturnError(testCase.queryErr)
			} else {
				rows := sqlmock.NewRows([]string{"doc"})
				for _, r := range testCase.rows {
					rows.AddRow(reportDoc(t, r))
				}
				exp.WillReturnRows(rows)
			}

			store := NewMySQLStoreFromDB(db)
			reports, err := store.QueryReports(context.Background(), testCase.filter)
			if testCase.expectError != (err != nil) {
				t.Errorf("%s, QueryReports: expected error: %v, got error: %v", testCase.name, testCase.expectError, err)
			}
			var ids []string
			for _, r := range reports {
				ids = append(ids, r.ID)
			}
			if len(ids) != len(testCase.expectIDs) {
				t.Errorf("%s, QueryReports: expected %v, got %v", testCase.name, testCase.expectIDs, ids)
				continue
			}
			for i := range ids {
				if ids[i] != testCase.expectIDs[i] {
					t.Errorf("%s, QueryReports: expected %v, got %v", testCase.name, testCase.expectIDs, ids)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("%s: unmet expectations: %v", testCase.name, err)
			}
		}
	})
}

func TestGetReport(t *testing.T) {
	it(func() {
		created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		mock.ExpectQuery("SELECT doc FROM reports WHERE id = \\?").
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows([]string{"doc"}).
				AddRow(reportDoc(t, &models.Report{ID: "r1", Status: models.StatusVerified, CreatedAt: created})))
		mock.ExpectQuery("SELECT doc FROM reports WHERE id = \\?").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		store := NewMySQLStoreFromDB(db)
		r, err := store.GetReport(context.Background(), "r1")
		if err != nil {
			t.Fatalf("GetReport: unexpected error %v", err)
		}
		if r.Status != models.StatusVerified || !r.CreatedAt.Equal(created) {
			t.Errorf("GetReport: got %+v", r)
		}

		_, err = store.GetReport(context.Background(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("GetReport: expected ErrNotFound, got %v", err)
		}
	})
}

func TestInsertAndMutateReport(t *testing.T) {
	it(func() {
		created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		report := &models.Report{
			Status:     models.StatusUnderReview,
			Confidence: models.ConfidenceLow,
			IssueType:  "Water",
			Locality:   "Baner",
			City:       "pune",
			IPHash:     "0011223344556677",
			CreatedAt:  created,
		}

		mock.ExpectExec("INSERT INTO reports \\(id, status, confidence, issue_type, locality, city, ip_hash, issue_id, escalation_flag, created_at, doc\\)").
			WithArgs(sqlmock.AnyArg(), models.StatusUnderReview, models.ConfidenceLow, "Water", "Baner", "pune", "0011223344556677", "", false, created, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		store := NewMySQLStoreFromDB(db)
		if err := store.InsertReport(context.Background(), report); err != nil {
			t.Fatalf("InsertReport: %v", err)
		}
		if report.ID == "" {
			t.Errorf("InsertReport: expected an id to be assigned")
		}

		// stored copy was linked after the caller read it
		stored := *report
		stored.IssueID = "issue-1"

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT doc FROM reports WHERE id = \\? FOR UPDATE").
			WithArgs(report.ID).
			WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(reportDoc(t, &stored)))
		mock.ExpectExec("UPDATE reports SET status = \\?, confidence = \\?, issue_type = \\?, locality = \\?, city = \\?,\\s+escalation_flag = \\?, doc = \\?\\s+WHERE id = \\?").
			WithArgs(models.StatusVerified, models.ConfidenceLow, "Water", "Baner", "pune", false, sqlmock.AnyArg(), report.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		got, err := store.MutateReport(context.Background(), report.ID, func(r *models.Report) error {
			r.Status = models.StatusVerified
			r.IssueID = ""
			return nil
		})
		if err != nil {
			t.Fatalf("MutateReport: %v", err)
		}
		if got.Status != models.StatusVerified || got.IssueID != "issue-1" {
			t.Errorf("MutateReport: got status %s issue %q", got.Status, got.IssueID)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestMutateReportUnchangedSkipsWrite(t *testing.T) {
	it(func() {
		stored := &models.Report{ID: "r1", Status: models.StatusUnderReview}
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT doc FROM reports WHERE id = \\? FOR UPDATE").
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(reportDoc(t, stored)))
		mock.ExpectRollback()

		store := NewMySQLStoreFromDB(db)
		got, err := store.MutateReport(context.Background(), "r1", func(r *models.Report) error {
			return ErrUnchanged
		})
		if err != nil || got.ID != "r1" {
			t.Errorf("MutateReport: got %+v, %v", got, err)
		}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT doc FROM reports WHERE id = \\? FOR UPDATE").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()
		if _, err := store.MutateReport(context.Background(), "missing", func(*models.Report) error { return nil }); !errors.Is(err, ErrNotFound) {
			t.Errorf("MutateReport: expected ErrNotFound, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestLinkReport(t *testing.T) {
	it(func() {
		at := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
		linkSQL := "UPDATE reports SET issue_id = \\?,\\s+doc = JSON_SET\\(doc, '\\$.issue_id', \\?, '\\$.updated_at', \\?\\)\\s+WHERE id = \\? AND issue_id = ''"

		mock.ExpectExec(linkSQL).
			WithArgs("issue-1", "issue-1", at.Format(time.RFC3339Nano), "r1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		// already linked elsewhere
		mock.ExpectExec(linkSQL).
			WithArgs("issue-2", "issue-2", at.Format(time.RFC3339Nano), "r1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT doc FROM reports WHERE id = \\?").
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(reportDoc(t, &models.Report{ID: "r1", IssueID: "issue-1"})))

		store := NewMySQLStoreFromDB(db)
		linked, err := store.LinkReport(context.Background(), "r1", "issue-1", at)
		if err != nil || !linked {
			t.Errorf("LinkReport: expected link, got %v, %v", linked, err)
		}
		linked, err = store.LinkReport(context.Background(), "r1", "issue-2", at)
		if err != nil || linked {
			t.Errorf("LinkReport: expected no relink, got %v, %v", linked, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestMutateIssue(t *testing.T) {
	it(func() {
		updated := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		stored := &models.Issue{ID: "i1", IssueType: "Water", City: "pune", Status: models.IssueActive, ReportIDs: []string{"a", "b"}}
		doc, err := json.Marshal(stored)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT doc FROM issues WHERE id = \\? FOR UPDATE").
			WithArgs("i1").
			WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))
		mock.ExpectExec("UPDATE issues SET issue_type = \\?, city = \\?, status = \\?, updated_at = \\?, doc = \\?\\s+WHERE id = \\?").
			WithArgs("Water", "pune", models.IssueActive, updated, sqlmock.AnyArg(), "i1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		store := NewMySQLStoreFromDB(db)
		got, err := store.MutateIssue(context.Background(), "i1", func(i *models.Issue) error {
			i.ReportIDs = append(i.ReportIDs, "c")
			i.UpdatedAt = updated
			return nil
		})
		if err != nil {
			t.Fatalf("MutateIssue: %v", err)
		}
		if len(got.ReportIDs) != 3 {
			t.Errorf("MutateIssue: got report ids %v", got.ReportIDs)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestQueryIssues(t *testing.T) {
	it(func() {
		issue := &models.Issue{ID: "i1", IssueType: "Water", City: "pune", Status: models.IssueActive, ReportCount: 5}
		doc, _ := json.Marshal(issue)
		mock.ExpectQuery("SELECT doc FROM issues WHERE issue_type = \\? AND city = \\? AND status = \\? ORDER BY created_at ASC").
			WithArgs("Water", "pune", models.IssueActive).
			WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))

		store := NewMySQLStoreFromDB(db)
		issues, err := store.QueryIssues(context.Background(), models.IssueFilter{
			IssueType: "Water", City: "pune", Status: models.IssueActive,
		})
		if err != nil {
			t.Fatalf("QueryIssues: %v", err)
		}
		if len(issues) != 1 || issues[0].ReportCount != 5 {
			t.Errorf("QueryIssues: got %+v", issues)
		}
	})
}

func TestStreamIssuesStopsOnCallbackError(t *testing.T) {
	it(func() {
		rows := sqlmock.NewRows([]string{"doc"})
		for _, id := range []string{"i1", "i2", "i3"} {
			doc, _ := json.Marshal(&models.Issue{ID: id})
			rows.AddRow(doc)
		}
		mock.ExpectQuery("SELECT doc FROM issues ORDER BY created_at ASC").WillReturnRows(rows)

		stop := errors.New("stop")
		var seen []string
		err := NewMySQLStoreFromDB(db).StreamIssues(context.Background(), func(i *models.Issue) error {
			seen = append(seen, i.ID)
			if i.ID == "i2" {
				return stop
			}
			return nil
		})
		if !errors.Is(err, stop) {
			t.Errorf("StreamIssues: expected stop error, got %v", err)
		}
		if len(seen) != 2 {
			t.Errorf("StreamIssues: expected 2 visits, got %v", seen)
		}
	})
}
