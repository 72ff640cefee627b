package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/novatrade/exchange/internal/coordinator"
	"github.com/novatrade/exchange/pkg/models"
	"github.com/novatrade/exchange/pkg/xerrors"
)

type submitOrderRequest struct {
	Action   string          `json:"action"`
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Type     string          `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	// Conditions are forwarded to the engine untouched.
	Conditions map[string]string `json:"conditions"`
}

// handleSubmitOrder serves POST /api/v1/orders: ADD places an order through
// the coordinator, CANCEL forwards a cancellation to the engine.
func (s *Server) handleSubmitOrder(c *gin.Context) {
	userID, ok := s.callerID(c)
	if !ok {
		return
	}

	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, xerrors.Wrap(err, xerrors.KindValidation, "invalid request body"))
		return
	}

	switch req.Action {
	case "", "ADD":
		order, err := s.coordinator.PlaceOrder(c.Request.Context(), coordinator.PlaceOrderRequest{
			UserID:     userID,
			Symbol:     req.Symbol,
			Side:       models.Side(req.Side),
			Type:       models.OrderType(req.Type),
			Price:      req.Price,
			Quantity:   req.Quantity,
			Conditions: req.Conditions,
		})
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	case "CANCEL":
		if req.OrderID == "" {
			s.writeError(c, xerrors.New(xerrors.KindValidation, "order_id is required for CANCEL"))
			return
		}
		if err := s.coordinator.CancelOrder(c.Request.Context(), userID, req.OrderID); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"order_id": req.OrderID, "status": "CANCEL_REQUESTED"})
	default:
		s.writeError(c, xerrors.Newf(xerrors.KindValidation, "unknown action %q", req.Action))
	}
}

// handleListOrders serves GET /api/v1/orders.
func (s *Server) handleListOrders(c *gin.Context) {
	userID, ok := s.callerID(c)
	if !ok {
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	list, err := s.journal.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// handleListAssets serves GET /api/v1/assets: the user's wallet balances and
// holdings. Touching the native wallet lazily grants first-time users their
// starting balance, so a fresh account sees funds instead of an empty page.
func (s *Server) handleListAssets(c *gin.Context) {
	userID, ok := s.callerID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.wallets.GetOrInit(ctx, userID, s.coordinator.NativeCurrency()); err != nil {
		s.writeError(c, err)
		return
	}
	wallets, err := s.wallets.ListByUser(ctx, userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	positions, err := s.holdings.ListByUser(ctx, userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": wallets, "holdings": positions})
}

// handleListTrades serves GET /api/v1/trades: the user's fully executed
// orders, newest first.
func (s *Server) handleListTrades(c *gin.Context) {
	userID, ok := s.callerID(c)
	if !ok {
		return
	}
	list, err := s.journal.ListFilledByUser(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": list})
}
