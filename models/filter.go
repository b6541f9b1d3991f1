package models

import "time"

// ReportFilter is an equality filter over the report collection.
// Zero values are ignored.
type ReportFilter struct {
	Status     Status
	Confidence Confidence
	Locality   string
	City       string
	IssueType  string
	IPHash     string
	IssueID    string
	Escalated  *bool
	Since      time.Time
	Limit      int
	Newest     bool
}

// IssueFilter is an equality filter over the issue collection
type IssueFilter struct {
	IssueType string
	City      string
	Status    IssueStatus
	Limit     int
}
