package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes balances over HTTP.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/children/:childId/balance", h.GetBalance)
	r.POST("/children/:childId/balance/credit", h.Credit)
	r.GET("/children/:childId/deductions", h.ListDeductions)
}

// GetBalance handles GET /children/:childId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.Balance(c.Request.Context(), c.Param("childId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to read balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// CreditRequest adds aura (quiz rewards, allowance, seeding).
type CreditRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// Credit handles POST /children/:childId/balance/credit
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	bal, err := h.ledger.Credit(c.Request.Context(), c.Param("childId"), req.Amount)
	if errors.Is(err, ErrInvalidAmount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be positive",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "credit_failed",
			"message": "Failed to credit balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// ListDeductions handles GET /children/:childId/deductions
func (h *Handler) ListDeductions(c *gin.Context) {
	list, err := h.ledger.History(c.Request.Context(), c.Param("childId"), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to list deductions",
		})
		return
	}
	if list == nil {
		list = []*Deduction{}
	}
	c.JSON(http.StatusOK, gin.H{"deductions": list, "count": len(list)})
}
