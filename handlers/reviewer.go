package handlers

import (
	"net/http"
	"strings"

	"report-signal-service/middleware"
	"report-signal-service/models"

	"github.com/gin-gonic/gin"
)

type statusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type categoryRequest struct {
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// ListReports handles GET /api/v1/admin/reports
func (h *Handlers) ListReports(c *gin.Context) {
	var filter models.ReportFilter
	if raw := c.Query("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Status = status
	}
	if raw := c.Query("confidence"); raw != "" {
		label, err := models.ParseConfidence(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.Confidence = label
	}
	if raw := c.Query("escalated"); raw != "" {
		flag := raw == "true" || raw == "1"
		filter.Escalated = &flag
	}
	filter.Locality = strings.TrimSpace(c.Query("locality"))
	filter.City = c.Query("city")
	filter.IssueType = strings.TrimSpace(c.Query("issue_type"))

	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	filter.Limit = limit

	reports, err := h.svc.ListReports(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	if reports == nil {
		reports = []*models.Report{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

// GetReport handles GET /api/v1/admin/reports/:id
func (h *Handlers) GetReport(c *gin.Context) {
	r, err := h.svc.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ChangeStatus handles POST /api/v1/admin/reports/:id/status
func (h *Handlers) ChangeStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	to, err := models.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := h.svc.ChangeStatus(c.Request.Context(), c.Param("id"), to, middleware.ReviewerID(c), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// AddNote handles POST /api/v1/admin/reports/:id/notes
func (h *Handlers) AddNote(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	r, err := h.svc.AddNote(c.Request.Context(), c.Param("id"), middleware.ReviewerID(c), req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// OverrideCategory handles POST /api/v1/admin/reports/:id/category
func (h *Handlers) OverrideCategory(c *gin.Context) {
	var req categoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	r, err := h.svc.OverrideCategory(c.Request.Context(), c.Param("id"), req.Category, middleware.ReviewerID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// UpgradeConfidence handles POST /api/v1/admin/reports/:id/confidence/upgrade
func (h *Handlers) UpgradeConfidence(c *gin.Context) {
	req, ok := bindReason(c)
	if !ok {
		return
	}
	r, err := h.svc.UpgradeConfidence(c.Request.Context(), c.Param("id"), middleware.ReviewerID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Escalate handles POST /api/v1/admin/reports/:id/escalate
func (h *Handlers) Escalate(c *gin.Context) {
	h.setEscalation(c, true)
}

// DismissEscalation handles POST /api/v1/admin/reports/:id/dismiss
func (h *Handlers) DismissEscalation(c *gin.Context) {
	h.setEscalation(c, false)
}

func (h *Handlers) setEscalation(c *gin.Context, flag bool) {
	req, ok := bindReason(c)
	if !ok {
		return
	}
	r, err := h.svc.SetEscalation(c.Request.Context(), c.Param("id"), flag, middleware.ReviewerID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// EscalationCandidates handles GET /api/v1/admin/escalations
func (h *Handlers) EscalationCandidates(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	reports, err := h.svc.EscalationCandidates(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if reports == nil {
		reports = []*models.Report{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

// RecalculatePriority handles POST /api/v1/admin/reports/:id/priority
func (h *Handlers) RecalculatePriority(c *gin.Context) {
	r, err := h.svc.RecalculatePriority(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// RecalculateAllPriorities handles POST /api/v1/admin/recalculate/priority
func (h *Handlers) RecalculateAllPriorities(c *gin.Context) {
	sum, err := h.svc.RecalculateAllPriorities(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// bindReason accepts an empty body as no reason
func bindReason(c *gin.Context) (reasonRequest, bool) {
	var req reasonRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return req, false
	}
	return req, true
}
