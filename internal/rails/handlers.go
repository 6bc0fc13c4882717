package rails

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/qff/internal/risk"
	"github.com/mbd888/qff/internal/validation"
)

var txSchema = validation.MustLoadSchema(validation.SchemaTransaction)

// AvailabilitySource reports per-rail circuit state.
type AvailabilitySource interface {
	Availability() map[Rail]string
}

// Handler provides HTTP endpoints for routing and fee quotes.
type Handler struct {
	availability AvailabilitySource
}

// NewHandler creates a new rails handler
func NewHandler() *Handler {
	return &Handler{}
}

// WithAvailability adds circuit state to the rail listing.
func (h *Handler) WithAvailability(src AvailabilitySource) *Handler {
	h.availability = src
	return h
}

// RegisterRoutes sets up rails routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/quote", h.Quote)
	r.POST("/route", h.Route)
	r.GET("/rails", h.ListRails)
}

// Quote handles POST /quote
func (h *Handler) Quote(c *gin.Context) {
	var tx risk.Transaction
	if !txSchema.Bind(c, &tx) {
		return
	}
	tx.Sanitize()
	amount, err := decimal.NewFromString(tx.Amount)
	if err != nil || amount.IsNegative() {
		validation.Abort(c, validation.ValidationErrors{
			{Field: "amount", Message: "must be a non-negative decimal"},
		})
		return
	}
	c.JSON(http.StatusOK, QuoteFor(string(tx.Type), amount, tx.Currency))
}

// Route handles POST /route
func (h *Handler) Route(c *gin.Context) {
	var tx risk.Transaction
	if !txSchema.Bind(c, &tx) {
		return
	}
	tx.Sanitize()
	c.JSON(http.StatusOK, gin.H{"rail": DecideRail(string(tx.Type))})
}

// ListRails handles GET /rails
func (h *Handler) ListRails(c *gin.Context) {
	resp := gin.H{"rails": AllRails}
	if h.availability != nil {
		resp["circuits"] = h.availability.Availability()
	}
	c.JSON(http.StatusOK, resp)
}
