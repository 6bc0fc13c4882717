package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qff/internal/pagination"
)

// Handler provides HTTP endpoints for the chain.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/entries", h.ListEntries)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/entries/:id/audit", h.GetAuditTrail)
	r.POST("/ledger/verify", h.Verify)
}

// ListEntries handles GET /ledger/entries. By default it returns the
// newest entries first; ?order=asc or a ?cursor pages the whole chain
// oldest first.
func (h *Handler) ListEntries(c *gin.Context) {
	limit := queryLimit(c, 50, 500)
	cursor := c.Query("cursor")
	if cursor != "" || c.Query("order") == "asc" {
		h.pageEntries(c, cursor, limit)
		return
	}

	entries, err := h.ledger.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list ledger entries", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to list ledger entries",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *Handler) pageEntries(c *gin.Context, cursor string, limit int) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor was not issued by this ledger",
		})
		return
	}
	entries, err := h.ledger.After(c.Request.Context(), after, limit+1)
	if err != nil {
		h.logger.Error("failed to page ledger entries", "after", after, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to list ledger entries",
		})
		return
	}
	entries, next := pagination.Page(entries, limit, func(e *Entry) int64 { return e.Sequence })
	resp := gin.H{"entries": entries, "count": len(entries), "hasMore": next != ""}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetAuditTrail handles GET /ledger/entries/:id/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	trail, err := h.ledger.GetAuditTrail(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "entry_not_found",
			"message": "No ledger entry with that id",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to build audit trail", "entry_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to build audit trail",
		})
		return
	}
	c.JSON(http.StatusOK, trail)
}

// Verify handles POST /ledger/verify?limit=N
func (h *Handler) Verify(c *gin.Context) {
	limit := queryLimit(c, DefaultVerifyLimit, 100000)
	result, err := h.ledger.VerifyChain(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("chain verification failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to verify chain",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func queryLimit(c *gin.Context, def, ceiling int) int {
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= ceiling {
		return l
	}
	return def
}
