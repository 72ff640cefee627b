// Package coordinator sequences order submission: reserve funds, journal the
// order, hand it to the matching engine, and compensate when a step fails.
package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novatrade/exchange/internal/messaging"
	"github.com/novatrade/exchange/internal/orders"
	"github.com/novatrade/exchange/internal/wallet"
	"github.com/novatrade/exchange/pkg/metrics"
	"github.com/novatrade/exchange/pkg/models"
	"github.com/novatrade/exchange/pkg/xerrors"
)

// Market orders carry a sentinel price on the wire: buys cross at any ask,
// sells at any bid.
var (
	marketBuyPrice  = decimal.NewFromInt(2147483647)
	marketSellPrice = decimal.Zero
)

// Config carries the coordinator's wiring.
type Config struct {
	OrdersTopic    messaging.Topic
	NativeCurrency string
	// UserAliases rewrites caller identities at the boundary, mapping
	// shared test identities onto distinct ledger accounts.
	UserAliases map[string]string
}

// Service coordinates the reservation/journal/publish sequence.
type Service struct {
	wallets  *wallet.Service
	journal  *orders.Repository
	producer messaging.Producer
	cfg      Config
	logger   *zap.Logger
}

// NewService creates a coordinator.
func NewService(wallets *wallet.Service, journal *orders.Repository, producer messaging.Producer, cfg Config, logger *zap.Logger) *Service {
	return &Service{wallets: wallets, journal: journal, producer: producer, cfg: cfg, logger: logger}
}

// NativeCurrency returns the platform quote currency.
func (s *Service) NativeCurrency() string {
	return s.cfg.NativeCurrency
}

// PlaceOrderRequest is a validated-on-entry order submission.
type PlaceOrderRequest struct {
	UserID   string
	Symbol   string
	Side     models.Side
	Type     models.OrderType
	Price    decimal.Decimal
	Quantity decimal.Decimal
	// Conditions are engine-interpreted execution flags, forwarded opaquely.
	Conditions map[string]string
}

// PlaceOrder runs the submission sequence and returns the journaled order.
//
// Funds are reserved first: the notional in the quote currency for a limit
// buy, the quantity in the base symbol for a sell. A market buy reserves
// nothing; its cost is unknown until execution. If journaling fails the
// reservation is released. If the publish fails the reservation is released
// and the order is marked REJECTED. Only after a successful publish does the
// order become ACCEPTED.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	if err := s.normalize(&req); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(xerrors.KindOf(err))).Inc()
		return nil, err
	}

	resCurrency, resAmount := s.reservation(req)
	if err := s.wallets.Reserve(ctx, req.UserID, resCurrency, resAmount); err != nil {
		metrics.OrdersRejected.WithLabelValues(string(xerrors.KindOf(err))).Inc()
		return nil, err
	}

	now := time.Now()
	order := &models.Order{
		UserID:    req.UserID,
		OrderID:   uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		FilledQty: decimal.Zero,
		Status:    models.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.journal.Create(ctx, order); err != nil {
		s.compensate(ctx, req.UserID, resCurrency, resAmount)
		metrics.OrdersRejected.WithLabelValues(string(xerrors.KindOf(err))).Inc()
		return nil, err
	}

	msg := messaging.OrderMessage{
		Action:     messaging.ActionAdd,
		OrderID:    order.OrderID,
		UserID:     order.UserID,
		Symbol:     order.Symbol,
		IsBuy:      order.Side == models.SideBuy,
		Price:      order.Price,
		Quantity:   order.Quantity,
		OrderType:  string(order.Type),
		Timestamp:  now.UnixMilli(),
		Conditions: req.Conditions,
	}
	if err := s.producer.Publish(ctx, s.cfg.OrdersTopic, order.Symbol, msg); err != nil {
		s.compensate(ctx, req.UserID, resCurrency, resAmount)
		if rejErr := s.journal.MarkRejected(ctx, order.UserID, order.OrderID); rejErr != nil {
			s.logger.Error("failed to mark order rejected",
				zap.String("order_id", order.OrderID), zap.Error(rejErr))
		}
		metrics.OrdersRejected.WithLabelValues(string(xerrors.KindDownstreamUnavailable)).Inc()
		return nil, xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to route order")
	}

	if err := s.journal.MarkAccepted(ctx, order.UserID, order.OrderID); err != nil {
		// The engine has the order; the journal catches up via status events.
		s.logger.Warn("order published but not marked accepted",
			zap.String("order_id", order.OrderID), zap.Error(err))
	} else {
		order.Status = models.OrderStatusAccepted
	}

	metrics.OrdersSubmitted.WithLabelValues(string(order.Side), string(order.Type)).Inc()
	s.logger.Info("order placed",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", order.UserID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()))
	return order, nil
}

// CancelOrder forwards a cancellation to the engine. Funds stay locked until
// the engine confirms with a CANCELLED status event; the engine may have
// filled the order in the meantime.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) error {
	userID = s.resolveAlias(userID)
	order, err := s.journal.Get(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return xerrors.Newf(xerrors.KindValidation, "order %s is already %s", orderID, order.Status)
	}

	msg := messaging.OrderMessage{
		Action:    messaging.ActionCancel,
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		Symbol:    order.Symbol,
		IsBuy:     order.Side == models.SideBuy,
		Price:     order.Price,
		Quantity:  order.Quantity,
		OrderType: string(order.Type),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.producer.Publish(ctx, s.cfg.OrdersTopic, order.Symbol, msg); err != nil {
		return xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to route cancellation")
	}
	s.logger.Info("cancellation forwarded",
		zap.String("order_id", orderID), zap.String("user_id", userID))
	return nil
}

// normalize validates the request in place, rewrites aliased identities and
// pins market orders to their sentinel prices.
func (s *Service) normalize(req *PlaceOrderRequest) error {
	req.UserID = s.resolveAlias(strings.TrimSpace(req.UserID))
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))

	if req.UserID == "" {
		return xerrors.New(xerrors.KindValidation, "user_id is required")
	}
	if req.Symbol == "" {
		return xerrors.New(xerrors.KindValidation, "symbol is required")
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return xerrors.Newf(xerrors.KindValidation, "invalid side %q", req.Side)
	}
	if req.Type != models.OrderTypeLimit && req.Type != models.OrderTypeMarket {
		return xerrors.Newf(xerrors.KindValidation, "invalid order type %q", req.Type)
	}
	if req.Quantity.Sign() <= 0 {
		return xerrors.New(xerrors.KindValidation, "quantity must be positive")
	}

	switch req.Type {
	case models.OrderTypeMarket:
		if req.Side == models.SideBuy {
			req.Price = marketBuyPrice
		} else {
			req.Price = marketSellPrice
		}
	case models.OrderTypeLimit:
		if req.Price.Sign() <= 0 {
			return xerrors.New(xerrors.KindValidation, "price must be positive")
		}
	}
	return nil
}

// reservation returns the currency and amount to lock for the request.
func (s *Service) reservation(req PlaceOrderRequest) (string, decimal.Decimal) {
	if req.Side == models.SideSell {
		return req.Symbol, req.Quantity
	}
	if req.Type == models.OrderTypeMarket {
		return s.cfg.NativeCurrency, decimal.Zero
	}
	return s.cfg.NativeCurrency, req.Price.Mul(req.Quantity)
}

func (s *Service) compensate(ctx context.Context, userID, currency string, amount decimal.Decimal) {
	if err := s.wallets.Release(ctx, userID, currency, amount); err != nil {
		s.logger.Error("failed to release reservation",
			zap.String("user_id", userID),
			zap.String("currency", currency),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return
	}
	if amount.Sign() > 0 {
		metrics.ReleasesApplied.Inc()
	}
}

func (s *Service) resolveAlias(userID string) string {
	if mapped, ok := s.cfg.UserAliases[userID]; ok {
		return mapped
	}
	return userID
}
