package handlers

import (
	"net/http"
	"strings"

	"report-signal-service/models"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	geojson "github.com/paulmach/go.geojson"
)

const geoJSONContentType = "application/geo+json"

func issueFilter(c *gin.Context) (models.IssueFilter, bool) {
	filter := models.IssueFilter{
		IssueType: strings.TrimSpace(c.Query("issue_type")),
		City:      c.Query("city"),
	}
	switch status := strings.ToUpper(strings.TrimSpace(c.Query("status"))); status {
	case "":
	case string(models.IssueActive), string(models.IssueResolved):
		filter.Status = models.IssueStatus(status)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be ACTIVE or RESOLVED"})
		return filter, false
	}
	limit, ok := queryLimit(c)
	if !ok {
		return filter, false
	}
	filter.Limit = limit
	return filter, true
}

// ListIssues handles GET /api/v1/admin/issues
func (h *Handlers) ListIssues(c *gin.Context) {
	filter, ok := issueFilter(c)
	if !ok {
		return
	}
	issues, err := h.svc.ListIssues(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if issues == nil {
		issues = []*models.Issue{}
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "count": len(issues)})
}

// GetIssue handles GET /api/v1/admin/issues/:id
func (h *Handlers) GetIssue(c *gin.Context) {
	issue, err := h.svc.GetIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, issue)
}

// IssuesGeoJSON handles GET /api/v1/issues.geojson. Every issue becomes a
// point feature at its centroid.
func (h *Handlers) IssuesGeoJSON(c *gin.Context) {
	filter, ok := issueFilter(c)
	if !ok {
		return
	}
	issues, err := h.svc.ListIssues(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}

	body, err := issueFeatures(issues).MarshalJSON()
	if err != nil {
		log.WithError(err).Error("Failed to encode issues as GeoJSON")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, geoJSONContentType, body)
}

func issueFeatures(issues []*models.Issue) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, issue := range issues {
		// GeoJSON positions are [lng, lat]
		f := geojson.NewPointFeature([]float64{issue.CentroidLng, issue.CentroidLat})
		f.ID = issue.ID
		f.SetProperty("title", issue.Title)
		f.SetProperty("issue_type", issue.IssueType)
		f.SetProperty("city", issue.City)
		f.SetProperty("locality", issue.Locality)
		f.SetProperty("status", issue.Status)
		f.SetProperty("report_count", issue.ReportCount)
		f.SetProperty("confidence", issue.Confidence)
		f.SetProperty("confidence_score", issue.ConfidenceScore)
		f.SetProperty("updated_at", issue.UpdatedAt)
		if issue.AISummary != nil {
			f.SetProperty("summary", issue.AISummary.Summary)
		}
		fc.AddFeature(f)
	}
	return fc
}

// RecalculateIssue handles POST /api/v1/admin/issues/:id/recalculate
func (h *Handlers) RecalculateIssue(c *gin.Context) {
	res, err := h.svc.RecalculateIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RecalculateAllIssues handles POST /api/v1/admin/recalculate/issues
func (h *Handlers) RecalculateAllIssues(c *gin.Context) {
	sum, err := h.svc.RecalculateAllIssues(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// RunAggregation handles POST /api/v1/admin/aggregation/run
func (h *Handlers) RunAggregation(c *gin.Context) {
	res, err := h.svc.RunAggregation(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
