package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"report-signal-service/database"
	"report-signal-service/models"
	"report-signal-service/service"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

const (
	serviceName = "report-signal-service"

	// MaxListLimit caps the limit query parameter of list endpoints
	MaxListLimit = 1000
)

// Handlers contains all HTTP handlers
type Handlers struct {
	svc *service.Service
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *service.Service) *Handlers {
	return &Handlers{svc: svc}
}

// HealthCheck returns the service health status
func (h *Handlers) HealthCheck(c *gin.Context) {
	broker := "disabled"
	if h.svc.BrokerConfigured() {
		broker = "disconnected"
		if h.svc.IsBrokerConnected() {
			broker = "connected"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": serviceName,
		"broker":  broker,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// SubmitReport handles POST /api/v1/reports
func (h *Handlers) SubmitReport(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.ClientIP = c.ClientIP()

	res, err := h.svc.SubmitReport(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// writeError maps service errors onto status codes. Rejections carry their
// details in the body.
func writeError(c *gin.Context, err error) {
	if rej, ok := models.AsRejection(err); ok {
		body := gin.H{"error": rej.Message, "kind": rej.Kind}
		for k, v := range rej.Details {
			body[k] = v
		}
		status := http.StatusBadRequest
		switch rej.Kind {
		case models.RejectRateLimited:
			status = http.StatusTooManyRequests
		case models.RejectDuplicate:
			status = http.StatusConflict
			body["duplicate_of"] = rej.Details["duplicate_report_id"]
		case models.RejectAlreadyHigh:
			status = http.StatusConflict
		}
		c.JSON(status, body)
		return
	}
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	log.WithError(err).Errorf("Request %s %s failed", c.Request.Method, c.FullPath())
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// queryLimit reads the limit parameter. Zero means the service default.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, true
}
