package risk

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/qff/internal/validation"
)

// HistorySource provides recent transaction amounts, most recent first.
type HistorySource interface {
	RecentAmounts(ctx context.Context, limit int) ([]decimal.Decimal, error)
}

var txSchema = validation.MustLoadSchema(validation.SchemaTransaction)

// Handler provides HTTP endpoints for risk scoring.
type Handler struct {
	engine        *Engine
	store         Store
	history       HistorySource
	historyWindow int
	logger        *slog.Logger
}

// NewHandler creates a new risk handler. history and store may be nil.
func NewHandler(engine *Engine, store Store, history HistorySource, historyWindow int, logger *slog.Logger) *Handler {
	return &Handler{
		engine:        engine,
		store:         store,
		history:       history,
		historyWindow: historyWindow,
		logger:        logger,
	}
}

// RegisterRoutes sets up risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/analyze", h.Analyze)
	r.GET("/risk/assessments", h.ListAssessments)
	r.GET("/transaction-types", h.ListTypes)
}

// Analyze handles POST /analyze
func (h *Handler) Analyze(c *gin.Context) {
	var tx Transaction
	if !txSchema.Bind(c, &tx) {
		return
	}
	tx.Sanitize()

	ctx := c.Request.Context()
	var history []decimal.Decimal
	if h.history != nil {
		var err error
		history, err = h.history.RecentAmounts(ctx, h.historyWindow)
		if err != nil {
			// Scoring still works without history; only the outlier refit is skipped.
			h.logger.Warn("history unavailable for analysis", "error", err)
			history = nil
		}
	}

	assessment := h.engine.Analyze(ctx, tx, history)
	c.JSON(http.StatusOK, assessment)
}

// ListAssessments handles GET /risk/assessments
func (h *Handler) ListAssessments(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusOK, gin.H{"assessments": []*Assessment{}, "count": 0})
		return
	}
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}
	list, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "risk_error",
			"message": "Failed to list assessments",
		})
		return
	}
	if list == nil {
		list = []*Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{"assessments": list, "count": len(list)})
}

// ListTypes handles GET /transaction-types
func (h *Handler) ListTypes(c *gin.Context) {
	rules := h.engine.Rules()
	c.JSON(http.StatusOK, gin.H{
		"types":             AllTypes,
		"irreversibleTypes": rules.IrreversibleTypes,
		"crossBorderTypes":  rules.CrossBorderTypes,
		"levels":            []Level{LevelCritical, LevelHigh, LevelMedium, LevelLow},
		"recommendations":   []Recommendation{RecommendBlock, RecommendFlag, RecommendProceed},
	})
}
