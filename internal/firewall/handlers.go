package firewall

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qff/internal/alerts"
	"github.com/mbd888/qff/internal/quantum"
	"github.com/mbd888/qff/internal/risk"
	"github.com/mbd888/qff/internal/validation"
	"github.com/mbd888/qff/internal/watcher"
)

var txSchema = validation.MustLoadSchema(validation.SchemaTransaction)

const (
	StatusOperational = "OPERATIONAL"
	StatusDegraded    = "DEGRADED"
)

// IntegrityReporter reports the background ledger watcher's findings.
type IntegrityReporter interface {
	Status() watcher.Status
}

// Handler provides HTTP endpoints for the pipeline and its security view.
type Handler struct {
	service   *Service
	alerts    *alerts.Service
	keys      *quantum.KeyStore
	integrity IntegrityReporter
	logger    *slog.Logger
}

// NewHandler creates a new firewall handler. alertSvc and keys may be nil.
func NewHandler(service *Service, alertSvc *alerts.Service, keys *quantum.KeyStore, logger *slog.Logger) *Handler {
	return &Handler{service: service, alerts: alertSvc, keys: keys, logger: logger}
}

// WithIntegrity adds the watcher's status to the security view.
func (h *Handler) WithIntegrity(r IntegrityReporter) *Handler {
	h.integrity = r
	return h
}

// RegisterRoutes sets up pipeline routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/execute", h.Execute)
}

// RegisterAdminRoutes sets up admin-only security routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/security/status", h.SecurityStatus)
	r.GET("/security/alerts", h.ListAlerts)
}

// Execute handles POST /execute?intercept_prob=P
func (h *Handler) Execute(c *gin.Context) {
	var tx risk.Transaction
	if !txSchema.Bind(c, &tx) {
		return
	}
	tx.Sanitize()
	req := Request{Transaction: tx}
	if raw := c.Query("intercept_prob"); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			validation.Abort(c, validation.ValidationErrors{
				{Field: "intercept_prob", Message: "must be a number between 0 and 1"},
			})
			return
		}
		if errs := validation.Validate(validation.Probability("intercept_prob", p)); len(errs) > 0 {
			validation.Abort(c, errs)
			return
		}
		req.InterceptProbability = &p
	}

	result, err := h.service.Process(c.Request.Context(), req)
	var unrecorded *UnrecordedExecutionError
	if errors.As(err, &unrecorded) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":            "ledger_append_failed",
			"message":          err.Error(),
			"backendReference": unrecorded.Receipt.BackendRef,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "pipeline_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// SecurityStatus handles GET /security/status
func (h *Handler) SecurityStatus(c *gin.Context) {
	ctx := c.Request.Context()
	status := StatusOperational
	resp := gin.H{"pipeline": h.service.Stats()}

	integrity, err := h.service.Ledger().VerifyTail(ctx, 100)
	if err != nil {
		h.logger.Error("ledger verification failed", "error", err)
		status = StatusDegraded
		resp["ledgerError"] = "verification unavailable"
	} else {
		if !integrity.Valid {
			status = StatusDegraded
		}
		resp["ledger"] = integrity
	}

	if length, err := h.service.Ledger().Count(ctx); err == nil {
		resp["ledgerLength"] = length
	}

	qs, err := h.service.Sessions().Status(ctx)
	if err != nil {
		h.logger.Error("quantum status failed", "error", err)
		status = StatusDegraded
	} else {
		resp["quantum"] = qs
	}

	if h.integrity != nil {
		ws := h.integrity.Status()
		if !ws.Healthy {
			status = StatusDegraded
		}
		resp["watcher"] = ws
	}

	if h.alerts != nil {
		resp["alerts"] = h.alerts.Counts()
	}
	if h.keys != nil {
		resp["keys"] = h.keys.List()
	}
	resp["status"] = status
	c.JSON(http.StatusOK, resp)
}

// ListAlerts handles GET /security/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	if h.alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []*alerts.Alert{}, "count": 0})
		return
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= alerts.DefaultHistorySize {
		limit = l
	}
	list := h.alerts.History(limit)
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}
