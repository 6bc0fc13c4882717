package quantum

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/qff/internal/validation"
)

var establishSchema = validation.MustLoadSchema(validation.SchemaEstablish)

// Handler provides HTTP endpoints for quantum sessions and key custody.
type Handler struct {
	manager          *Manager
	keys             *KeyStore
	defaultIntercept float64
	logger           *slog.Logger
}

// NewHandler creates a new quantum handler. keys may be nil.
func NewHandler(manager *Manager, keys *KeyStore, defaultIntercept float64, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, keys: keys, defaultIntercept: defaultIntercept, logger: logger}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/quantum/sessions", h.Establish)
	r.GET("/quantum/sessions/:id", h.GetSession)
	r.POST("/quantum/sessions/:id/encrypt", h.Encrypt)
	r.POST("/quantum/sessions/:id/decrypt", h.Decrypt)
	r.POST("/quantum/sessions/:id/sign", h.Sign)
	r.POST("/quantum/sessions/:id/verify", h.Verify)
	r.GET("/quantum/status", h.Status)
}

// RegisterAdminRoutes sets up admin-only key custody routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/quantum/keys", h.ListKeys)
	r.GET("/quantum/keys/audit", h.KeyAudit)
	r.POST("/quantum/keys/:id/rotate", h.RotateKey)
}

type establishBody struct {
	SessionID            string   `json:"sessionId"`
	InterceptProbability *float64 `json:"interceptProbability"`
}

// Establish handles POST /quantum/sessions
func (h *Handler) Establish(c *gin.Context) {
	var body establishBody
	if !establishSchema.Bind(c, &body) {
		return
	}
	p := h.defaultIntercept
	if body.InterceptProbability != nil {
		p = *body.InterceptProbability
	}

	result, err := h.manager.Establish(c.Request.Context(), EstablishRequest{
		SessionID:            body.SessionID,
		InterceptProbability: p,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Intercepted() {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// GetSession handles GET /quantum/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	info, err := h.manager.Info(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type encryptBody struct {
	Plaintext string `json:"plaintext"`
}

// Encrypt handles POST /quantum/sessions/:id/encrypt
func (h *Handler) Encrypt(c *gin.Context) {
	var body encryptBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidRequest(c)
		return
	}
	sealed, err := h.manager.Encrypt(c.Request.Context(), c.Param("id"), []byte(body.Plaintext))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sealed)
}

// Decrypt handles POST /quantum/sessions/:id/decrypt
func (h *Handler) Decrypt(c *gin.Context) {
	var sealed Sealed
	if err := c.ShouldBindJSON(&sealed); err != nil {
		invalidRequest(c)
		return
	}
	pt, err := h.manager.Decrypt(c.Request.Context(), c.Param("id"), &sealed)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plaintext": string(pt)})
}

type signBody struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Sign handles POST /quantum/sessions/:id/sign
func (h *Handler) Sign(c *gin.Context) {
	var body signBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidRequest(c)
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("message", body.Message, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	sig, err := h.manager.Sign(c.Request.Context(), c.Param("id"), []byte(body.Message))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"signature": hex.EncodeToString(sig),
		"algorithm": h.manager.Backend().SignatureAlgorithm(),
	})
}

// Verify handles POST /quantum/sessions/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	var body signBody
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidRequest(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("signature", body.Signature),
		validation.HexParam("signature", body.Signature),
		validation.MaxLength("signature", body.Signature, validation.MaxStringLength),
		validation.MaxLength("message", body.Message, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	sig, err := hex.DecodeString(body.Signature)
	if err != nil {
		validation.Abort(c, validation.ValidationErrors{{Field: "signature", Message: "must be hex encoded"}})
		return
	}
	ok, err := h.manager.Verify(c.Request.Context(), c.Param("id"), []byte(body.Message), sig)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": ok})
}

// Status handles GET /quantum/status
func (h *Handler) Status(c *gin.Context) {
	report, err := h.manager.Status(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// ListKeys handles GET /quantum/keys
func (h *Handler) ListKeys(c *gin.Context) {
	if h.keys == nil {
		c.JSON(http.StatusOK, gin.H{"keys": []KeyMetadata{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": h.keys.List()})
}

// KeyAudit handles GET /quantum/keys/audit
func (h *Handler) KeyAudit(c *gin.Context) {
	if h.keys == nil {
		c.JSON(http.StatusOK, gin.H{"records": []AuditRecord{}})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{"records": h.keys.AuditLog(limit)})
}

// RotateKey handles POST /quantum/keys/:id/rotate
func (h *Handler) RotateKey(c *gin.Context) {
	if h.keys == nil {
		h.writeError(c, ErrKeyNotFound)
		return
	}
	meta, err := h.keys.Rotate(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func invalidRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found", "message": err.Error()})
	case errors.Is(err, ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found", "message": err.Error()})
	case errors.Is(err, ErrAuthenticationFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "authentication_failed", "message": err.Error()})
	case errors.Is(err, ErrInvalidProbability):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_probability", "message": err.Error()})
	case errors.Is(err, ErrSessionExists), errors.Is(err, ErrKeyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrKeyInactive), errors.Is(err, ErrKeyType):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "key_unusable", "message": err.Error()})
	default:
		h.logger.Error("quantum operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quantum_error", "message": "Quantum operation failed"})
	}
}
