package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/TheRebzu/ecodeli-sub018/internal/models"
	"github.com/TheRebzu/ecodeli-sub018/internal/service"
	"github.com/TheRebzu/ecodeli-sub018/internal/telemetry"
)

type EscrowHandler struct {
	manager *service.Manager
}

func NewEscrowHandler(manager *service.Manager) *EscrowHandler {
	return &EscrowHandler{manager: manager}
}

type initiateRequest struct {
	AnnouncementID string            `json:"announcement_id" binding:"required"`
	ClientID       string            `json:"client_id" binding:"required"`
	MerchantID     string            `json:"merchant_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency" binding:"required"`
	PaymentMethod  string            `json:"payment_method" binding:"required"`
	MethodDetails  map[string]string `json:"method_details"`
	PaymentSource  string            `json:"payment_source"`
}

func (h *EscrowHandler) Initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	source := models.PaymentSource(req.PaymentSource)
	if source == "" {
		source = models.SourceWeb
	}

	tx, err := h.manager.Initiate(c.Request.Context(), service.InitiateParams{
		AnnouncementID: req.AnnouncementID,
		ClientID:       req.ClientID,
		MerchantID:     req.MerchantID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Method:         models.PaymentMethod(req.PaymentMethod),
		MethodDetails:  req.MethodDetails,
		Context: models.RequestContext{
			IPAddress:     c.ClientIP(),
			UserAgent:     c.Request.UserAgent(),
			PaymentSource: source,
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, tx)
}

type captureRequest struct {
	DelivererID string `json:"deliverer_id"`
}

func (h *EscrowHandler) Capture(c *gin.Context) {
	var req captureRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	if err := h.manager.CaptureAndHold(c.Request.Context(), c.Param("id"), req.DelivererID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "held", "transaction_id": c.Param("id")})
}

type releaseRequest struct {
	ActorID string              `json:"actor_id" binding:"required"`
	Proof   models.ReleaseProof `json:"proof"`
}

func (h *EscrowHandler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.manager.Release(c.Request.Context(), c.Param("id"), req.ActorID, req.Proof); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released", "transaction_id": c.Param("id")})
}

type refundRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason" binding:"required"`
	ActorID string          `json:"actor_id" binding:"required"`
}

func (h *EscrowHandler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.manager.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason, req.ActorID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refunded", "transaction_id": c.Param("id")})
}

type disputeRequest struct {
	DisputeType string `json:"dispute_type" binding:"required"`
	Description string `json:"description"`
	ActorID     string `json:"actor_id" binding:"required"`
}

func (h *EscrowHandler) Dispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err := h.manager.Dispute(c.Request.Context(), c.Param("id"),
		models.DisputeType(req.DisputeType), req.Description, req.ActorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disputed", "transaction_id": c.Param("id")})
}

type cancelRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id" binding:"required"`
}

func (h *EscrowHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := h.manager.Cancel(c.Request.Context(), c.Param("id"), req.Reason, req.ActorID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "transaction_id": c.Param("id")})
}

func (h *EscrowHandler) Get(c *gin.Context) {
	tx, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

func (h *EscrowHandler) History(c *gin.Context) {
	history, err := h.manager.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id": c.Param("id"),
		"events":         history,
	})
}

func writeError(c *gin.Context, err error) {
	var (
		validation *models.ValidationError
		precond    *models.PreconditionError
		rule       *models.RuleViolation
		gatewayErr *models.GatewayError
	)

	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow transaction not found"})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.As(err, &precond):
		c.JSON(http.StatusConflict, gin.H{
			"error":          precond.Error(),
			"current_status": precond.Current,
		})
	case errors.As(err, &rule):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  rule.Error(),
			"rule":   rule.Rule,
			"reason": rule.Reason,
		})
	case errors.As(err, &gatewayErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": gatewayErr.Error()})
	default:
		telemetry.Logger.Error("Unhandled escrow error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
