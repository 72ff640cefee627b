// Package orders implements the order journal: the source of truth for order
// status and fill progress, keyed by (user_id, order_id).
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/novatrade/exchange/pkg/models"
	"github.com/novatrade/exchange/pkg/xerrors"
)

// Repository is the journal's writer of record. The coordinator owns
// creation and the PENDING/ACCEPTED/REJECTED transitions, the fill processor
// owns fill progress, the status processor owns cancellation.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository creates an order journal over db.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Create journals a new order. The caller sets status PENDING.
func (r *Repository) Create(ctx context.Context, order *models.Order) error {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to journal order")
	}
	return nil
}

// Get returns one order row.
func (r *Repository) Get(ctx context.Context, userID, orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND order_id = ?", userID, orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.Newf(xerrors.KindNotFound, "order %s not found", orderID)
		}
		return nil, xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to read order")
	}
	return &order, nil
}

// ListByUser returns the user's most recent orders.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Order, error) {
	var orders []*models.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to list orders")
	}
	return orders, nil
}

// ListFilledByUser returns the user's fully executed orders, newest first.
func (r *Repository) ListFilledByUser(ctx context.Context, userID string) ([]*models.Order, error) {
	var orders []*models.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.OrderStatusFilled).
		Order("updated_at DESC").
		Find(&orders).Error
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to list filled orders")
	}
	return orders, nil
}

// MarkAccepted transitions PENDING -> ACCEPTED after a successful publish.
func (r *Repository) MarkAccepted(ctx context.Context, userID, orderID string) error {
	return r.transitionFromPending(ctx, userID, orderID, models.OrderStatusAccepted)
}

// MarkRejected transitions PENDING -> REJECTED when the publish failed.
func (r *Repository) MarkRejected(ctx context.Context, userID, orderID string) error {
	return r.transitionFromPending(ctx, userID, orderID, models.OrderStatusRejected)
}

func (r *Repository) transitionFromPending(ctx context.Context, userID, orderID string, to models.OrderStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("user_id = ? AND order_id = ? AND status = ?", userID, orderID, models.OrderStatusPending).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return xerrors.Wrap(res.Error, xerrors.KindDownstreamUnavailable, "failed to transition order")
	}
	if res.RowsAffected == 0 {
		return xerrors.Newf(xerrors.KindNotFound, "order %s not PENDING", orderID)
	}
	return nil
}

// ApplyFillParams describes one side of a trade to apply to the journal.
type ApplyFillParams struct {
	TradeID     string
	UserID      string
	OrderID     string
	Symbol      string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	FullyFilled bool
}

// ApplyFill increments the order's filled_qty by the trade quantity and sets
// PARTIAL or FILLED. The increment and an applied-fill row with a unique
// (trade_id, order_id) key land in one transaction, so a redelivered event
// inserts nothing and increments nothing: applied=false reports the
// duplicate was absorbed.
//
// A non-nil settle callback runs inside the same transaction, after the
// increment. If it fails, the dedup marker rolls back with everything else,
// so a redelivery gets to retry the whole record instead of finding it
// half-applied.
func (r *Repository) ApplyFill(ctx context.Context, p ApplyFillParams, settle func(tx *gorm.DB) error) (applied bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker := models.AppliedFill{
			TradeID:   p.TradeID,
			OrderID:   p.OrderID,
			UserID:    p.UserID,
			Symbol:    p.Symbol,
			Price:     p.Price,
			Quantity:  p.Quantity,
			CreatedAt: time.Now(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if res.Error != nil {
			return xerrors.Wrap(res.Error, xerrors.KindDownstreamUnavailable, "failed to record applied fill")
		}
		if res.RowsAffected == 0 {
			return xerrors.Newf(xerrors.KindDuplicateEvent,
				"trade %s already applied to order %s", p.TradeID, p.OrderID)
		}

		status := models.OrderStatusPartial
		if p.FullyFilled {
			status = models.OrderStatusFilled
		}
		upd := tx.Model(&models.Order{}).
			Where("user_id = ? AND order_id = ?", p.UserID, p.OrderID).
			Updates(map[string]interface{}{
				"filled_qty": gorm.Expr("filled_qty + ?", p.Quantity),
				"status":     status,
				"updated_at": time.Now(),
			})
		if upd.Error != nil {
			return xerrors.Wrap(upd.Error, xerrors.KindDownstreamUnavailable, "failed to apply fill")
		}
		if upd.RowsAffected == 0 {
			return xerrors.Newf(xerrors.KindNotFound, "order %s not found for fill %s", p.OrderID, p.TradeID)
		}
		if settle != nil {
			return settle(tx)
		}
		return nil
	})
	if err != nil {
		if xerrors.IsKind(err, xerrors.KindDuplicateEvent) {
			r.logger.Debug("duplicate fill absorbed",
				zap.String("trade_id", p.TradeID),
				zap.String("order_id", p.OrderID))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// TransitionToCancelled flips a live order to CANCELLED and returns the row
// as of the transition. transitioned=false means the order was already
// terminal; the caller must then release nothing, which makes redelivered
// cancellation events harmless.
func (r *Repository) TransitionToCancelled(ctx context.Context, userID, orderID string) (order *models.Order, transitioned bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live := []models.OrderStatus{models.OrderStatusPending, models.OrderStatusAccepted, models.OrderStatusPartial}
		res := tx.Model(&models.Order{}).
			Where("user_id = ? AND order_id = ? AND status IN ?", userID, orderID, live).
			Updates(map[string]interface{}{"status": models.OrderStatusCancelled, "updated_at": time.Now()})
		if res.Error != nil {
			return xerrors.Wrap(res.Error, xerrors.KindDownstreamUnavailable, "failed to cancel order")
		}
		transitioned = res.RowsAffected > 0

		var row models.Order
		if err := tx.Where("user_id = ? AND order_id = ?", userID, orderID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return xerrors.Newf(xerrors.KindNotFound, "order %s not found", orderID)
			}
			return xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to read order")
		}
		order = &row
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return order, transitioned, nil
}

// statusSources lists the states each engine-reported status may transition
// from. Fills and statuses arrive on separate topics, so a late ACCEPTED can
// trail the first fill; restricting each write to its legal sources keeps it
// from rolling the lifecycle backwards, and keeps terminal rows untouched.
var statusSources = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusAccepted: {models.OrderStatusPending},
	models.OrderStatusPartial:  {models.OrderStatusPending, models.OrderStatusAccepted, models.OrderStatusPartial},
	models.OrderStatusFilled:   {models.OrderStatusPending, models.OrderStatusAccepted, models.OrderStatusPartial},
	models.OrderStatusRejected: {models.OrderStatusPending},
}

// SetStatus writes an engine-reported status onto a live order. A write with
// no eligible source row (out-of-order, redelivered, or aimed at a terminal
// order) is absorbed without effect.
func (r *Repository) SetStatus(ctx context.Context, userID, orderID string, status models.OrderStatus) error {
	sources, ok := statusSources[status]
	if !ok {
		return xerrors.Newf(xerrors.KindValidation, "status %s is not writable", status)
	}
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("user_id = ? AND order_id = ? AND status IN ?", userID, orderID, sources).
		Updates(map[string]interface{}{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return xerrors.Wrap(res.Error, xerrors.KindDownstreamUnavailable, "failed to write order status")
	}
	return nil
}
