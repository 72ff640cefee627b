// Package api exposes the HTTP surface: order submission and cancellation,
// plus read-only views over balances, holdings, orders and executed trades.
package api

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/novatrade/exchange/internal/coordinator"
	"github.com/novatrade/exchange/internal/holdings"
	"github.com/novatrade/exchange/internal/orders"
	"github.com/novatrade/exchange/internal/wallet"
	"github.com/novatrade/exchange/pkg/xerrors"
)

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	coordinator *coordinator.Service
	wallets     *wallet.Service
	journal     *orders.Repository
	holdings    *holdings.Service
	userAliases map[string]string
	logger      *zap.Logger
}

// NewServer creates an API server with injected services.
func NewServer(
	coord *coordinator.Service,
	wallets *wallet.Service,
	journal *orders.Repository,
	holdingsSvc *holdings.Service,
	userAliases map[string]string,
	logger *zap.Logger,
) *Server {
	s := &Server{
		coordinator: coord,
		wallets:     wallets,
		journal:     journal,
		holdings:    holdingsSvc,
		userAliases: userAliases,
		logger:      logger,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.handleSubmitOrder)
		v1.GET("/orders", s.handleListOrders)
		v1.GET("/assets", s.handleListAssets)
		v1.GET("/trades", s.handleListTrades)
	}

	s.router = router
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// callerID extracts and de-aliases the caller identity. An empty identity
// aborts the request with 401.
func (s *Server) callerID(c *gin.Context) (string, bool) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user identity required"})
		return "", false
	}
	if mapped, ok := s.userAliases[userID]; ok {
		userID = mapped
	}
	return userID, true
}

// writeError maps error kinds onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch xerrors.KindOf(err) {
	case xerrors.KindValidation, xerrors.KindInsufficientFunds:
		status = http.StatusBadRequest
	case xerrors.KindNotFound:
		status = http.StatusNotFound
	case xerrors.KindConcurrencyConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(xerrors.KindOf(err))})
}
