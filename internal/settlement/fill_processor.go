// Package settlement consumes engine egress events: trade executions are
// folded into the journal, holdings and balances; status events drive
// cancellation releases and client notifications. Handlers are idempotent so
// the at-least-once transport can redeliver freely.
package settlement

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/novatrade/exchange/internal/holdings"
	"github.com/novatrade/exchange/internal/messaging"
	"github.com/novatrade/exchange/internal/orders"
	"github.com/novatrade/exchange/internal/wallet"
	"github.com/novatrade/exchange/pkg/metrics"
)

// FillProcessor settles executed trades.
type FillProcessor struct {
	journal  *orders.Repository
	wallets  *wallet.Service
	holdings *holdings.Service
	logger   *zap.Logger
}

// NewFillProcessor creates a fill processor.
func NewFillProcessor(journal *orders.Repository, wallets *wallet.Service, holdings *holdings.Service, logger *zap.Logger) *FillProcessor {
	return &FillProcessor{journal: journal, wallets: wallets, holdings: holdings, logger: logger}
}

// Handle processes one record from the fills stream. Non-fill records are
// skipped. A journal error propagates so the offset stays uncommitted; the
// trade-id dedup makes the redelivery safe for whichever side already landed.
func (p *FillProcessor) Handle(ctx context.Context, msg *messaging.ReceivedMessage) error {
	ev, err := messaging.DecodeEngineEvent(msg.Value)
	if err != nil {
		// A malformed record never becomes valid; drop it.
		p.logger.Error("dropping undecodable fill record",
			zap.Error(err), zap.Int64("offset", msg.Offset))
		return nil
	}
	if ev.Kind != messaging.EventKindFill {
		return nil
	}
	fill := ev.Fill

	buyerApplied, err := p.applySide(ctx, fill, fill.Buyer, true)
	if err != nil {
		return err
	}
	sellerApplied, err := p.applySide(ctx, fill, fill.Seller, false)
	if err != nil {
		return err
	}

	if !buyerApplied && !sellerApplied {
		metrics.DuplicateEvents.Inc()
		p.logger.Debug("fill already settled", zap.String("trade_id", fill.TradeID))
		return nil
	}

	// Balance movement is best effort: the journal and holdings already
	// carry the trade, and redelivery would double-move funds.
	if err := p.wallets.SettleFill(ctx, wallet.FillTransfer{
		BuyerID:  fill.Buyer.UserID,
		SellerID: fill.Seller.UserID,
		Symbol:   fill.Symbol,
		Price:    fill.Price,
		Quantity: fill.Quantity,
	}); err != nil {
		p.logger.Error("balance transfer failed",
			zap.String("trade_id", fill.TradeID),
			zap.String("symbol", fill.Symbol),
			zap.Error(err))
	}

	metrics.FillsSettled.Inc()
	p.logger.Info("fill settled",
		zap.String("trade_id", fill.TradeID),
		zap.String("symbol", fill.Symbol),
		zap.String("price", fill.Price.String()),
		zap.String("quantity", fill.Quantity.String()))
	return nil
}

// applySide folds one side of the trade into the journal and that user's
// holdings in a single transaction. If the position write fails, the journal
// increment and the dedup marker roll back with it, so the redelivered event
// can apply the whole side again.
func (p *FillProcessor) applySide(ctx context.Context, fill *messaging.FillEvent, party messaging.FillParty, isBuyer bool) (bool, error) {
	return p.journal.ApplyFill(ctx, orders.ApplyFillParams{
		TradeID:     fill.TradeID,
		UserID:      party.UserID,
		OrderID:     party.OrderID,
		Symbol:      fill.Symbol,
		Price:       fill.Price,
		Quantity:    fill.Quantity,
		FullyFilled: party.FullyFilled,
	}, func(tx *gorm.DB) error {
		if isBuyer {
			return p.holdings.ApplyBuyTx(tx, party.UserID, fill.Symbol, fill.Price, fill.Quantity)
		}
		return p.holdings.ApplySellTx(tx, party.UserID, fill.Symbol, fill.Quantity)
	})
}
