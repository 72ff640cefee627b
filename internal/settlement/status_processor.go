package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novatrade/exchange/internal/messaging"
	"github.com/novatrade/exchange/internal/notifier"
	"github.com/novatrade/exchange/internal/orders"
	"github.com/novatrade/exchange/internal/wallet"
	"github.com/novatrade/exchange/pkg/metrics"
	"github.com/novatrade/exchange/pkg/models"
)

// StatusProcessor applies engine-reported order status changes: it records
// the status on the journal, releases reserved funds once a cancellation is
// confirmed, and pushes updates to the user's channel.
type StatusProcessor struct {
	journal        *orders.Repository
	wallets        *wallet.Service
	notifier       notifier.Notifier
	nativeCurrency string
	logger         *zap.Logger
}

// NewStatusProcessor creates a status processor.
func NewStatusProcessor(journal *orders.Repository, wallets *wallet.Service, n notifier.Notifier, nativeCurrency string, logger *zap.Logger) *StatusProcessor {
	return &StatusProcessor{journal: journal, wallets: wallets, notifier: n, nativeCurrency: nativeCurrency, logger: logger}
}

// Handle processes one record from the status stream. Non-status records are
// skipped. Journal errors propagate so the offset stays uncommitted.
func (p *StatusProcessor) Handle(ctx context.Context, msg *messaging.ReceivedMessage) error {
	ev, err := messaging.DecodeEngineEvent(msg.Value)
	if err != nil {
		p.logger.Error("dropping undecodable status record",
			zap.Error(err), zap.Int64("offset", msg.Offset))
		return nil
	}
	if ev.Kind != messaging.EventKindOrderStatus {
		return nil
	}
	status := ev.Status

	switch models.OrderStatus(status.Status) {
	case models.OrderStatusCancelled:
		return p.handleCancelled(ctx, status)
	default:
		return p.handleStatusWrite(ctx, status)
	}
}

// handleCancelled flips the order terminal and releases what is still
// locked for it. The release only runs on the first transition: a redelivered
// cancellation finds the order already CANCELLED and releases nothing.
func (p *StatusProcessor) handleCancelled(ctx context.Context, status *messaging.StatusEvent) error {
	order, transitioned, err := p.journal.TransitionToCancelled(ctx, status.UserID, status.OrderID)
	if err != nil {
		return err
	}
	if !transitioned {
		metrics.DuplicateEvents.Inc()
		p.logger.Debug("cancellation on terminal order absorbed",
			zap.String("order_id", status.OrderID),
			zap.String("status", string(order.Status)))
		return nil
	}

	currency, amount := p.releaseForCancel(order)
	if amount.Sign() > 0 {
		if err := p.wallets.Release(ctx, order.UserID, currency, amount); err != nil {
			return err
		}
		metrics.ReleasesApplied.Inc()
	}

	p.notify(ctx, order, string(models.OrderStatusCancelled))
	p.logger.Info("order cancelled",
		zap.String("order_id", order.OrderID),
		zap.String("user_id", order.UserID),
		zap.String("released", amount.String()),
		zap.String("currency", currency))
	return nil
}

// releaseForCancel computes what the cancelled order still holds locked,
// from the journal's fill progress rather than any cached figure. A market
// buy locked nothing, so nothing comes back.
func (p *StatusProcessor) releaseForCancel(order *models.Order) (string, decimal.Decimal) {
	remaining := order.Remaining()
	if order.Side == models.SideSell {
		return order.Symbol, remaining
	}
	if order.Type == models.OrderTypeMarket {
		return p.nativeCurrency, decimal.Zero
	}
	return p.nativeCurrency, order.Price.Mul(remaining)
}

// handleStatusWrite records a non-cancellation status on the journal. Each
// write is restricted to its legal source states, so a late or repeated
// event can never roll the lifecycle backwards.
func (p *StatusProcessor) handleStatusWrite(ctx context.Context, status *messaging.StatusEvent) error {
	to := models.OrderStatus(status.Status)
	switch to {
	case models.OrderStatusAccepted, models.OrderStatusPartial, models.OrderStatusFilled, models.OrderStatusRejected:
	default:
		p.logger.Warn("skipping unknown order status",
			zap.String("order_id", status.OrderID),
			zap.String("status", status.Status))
		return nil
	}

	if err := p.journal.SetStatus(ctx, status.UserID, status.OrderID, to); err != nil {
		return err
	}

	if to == models.OrderStatusFilled {
		order, err := p.journal.Get(ctx, status.UserID, status.OrderID)
		if err != nil {
			return err
		}
		p.notify(ctx, order, string(models.OrderStatusFilled))
	}
	return nil
}

func (p *StatusProcessor) notify(ctx context.Context, order *models.Order, status string) {
	err := p.notifier.NotifyOrderStatus(ctx, notifier.OrderUpdate{
		UserID:      order.UserID,
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Status:      status,
		FilledQty:   order.FilledQty,
		FilledPrice: order.Price,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		p.logger.Warn("order update not delivered",
			zap.String("order_id", order.OrderID), zap.Error(err))
	}
}
