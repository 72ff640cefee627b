// Package holdings maintains the per-user, per-symbol position ledger with a
// weighted-average cost basis.
package holdings

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/novatrade/exchange/pkg/models"
	"github.com/novatrade/exchange/pkg/xerrors"
)

// Service owns holdings rows. Writes run in a transaction holding the row
// exclusively, so fill-driven updates to the same position serialize.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates a holdings service over db.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Get returns the position, or a NOT_FOUND error when the user holds none.
func (s *Service) Get(ctx context.Context, userID, symbol string) (*models.Holding, error) {
	var h models.Holding
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND symbol = ?", userID, symbol).
		First(&h).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.Newf(xerrors.KindNotFound, "holding %s/%s not found", userID, symbol)
		}
		return nil, xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to read holding")
	}
	return &h, nil
}

// ListByUser returns all positions a user currently holds.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*models.Holding, error) {
	var holdings []*models.Holding
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&holdings).Error; err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to list holdings")
	}
	return holdings, nil
}

// ApplyBuy folds an executed buy into the position. The cost basis becomes
// the quantity-weighted average of the old basis and the trade price.
func (s *Service) ApplyBuy(ctx context.Context, userID, symbol string, price, quantity decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ApplyBuyTx(tx, userID, symbol, price, quantity)
	})
}

// ApplyBuyTx is ApplyBuy on the caller's transaction, so a position update
// can commit atomically with the journal write that caused it.
func (s *Service) ApplyBuyTx(tx *gorm.DB, userID, symbol string, price, quantity decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return nil
	}
	var h models.Holding
	err := tx.Where("user_id = ? AND symbol = ?", userID, symbol).First(&h).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		now := time.Now()
		h = models.Holding{
			UserID:    userID,
			Symbol:    symbol,
			Quantity:  quantity,
			AvgPrice:  price,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&h).Error; err != nil {
			return xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to create holding")
		}
		return nil
	case err != nil:
		return xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to read holding")
	}

	newQty := h.Quantity.Add(quantity)
	oldCost := h.AvgPrice.Mul(h.Quantity)
	newCost := oldCost.Add(price.Mul(quantity))
	res := tx.Model(&models.Holding{}).
		Where("id = ?", h.ID).
		Updates(map[string]interface{}{
			"quantity":   newQty,
			"avg_price":  newCost.Div(newQty),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return xerrors.Wrap(res.Error, xerrors.KindDownstreamUnavailable, "failed to update holding")
	}
	return nil
}

// ApplySell reduces the position by an executed sell, leaving the cost basis
// untouched. The quantity clamps at zero, and a zeroed position row is
// deleted rather than kept around.
func (s *Service) ApplySell(ctx context.Context, userID, symbol string, quantity decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ApplySellTx(tx, userID, symbol, quantity)
	})
}

// ApplySellTx is ApplySell on the caller's transaction.
func (s *Service) ApplySellTx(tx *gorm.DB, userID, symbol string, quantity decimal.Decimal) error {
	if quantity.Sign() <= 0 {
		return nil
	}
	var h models.Holding
	err := tx.Where("user_id = ? AND symbol = ?", userID, symbol).First(&h).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("sell against missing holding",
				zap.String("user_id", userID),
				zap.String("symbol", symbol))
			return nil
		}
		return xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to read holding")
	}

	newQty := h.Quantity.Sub(quantity)
	if newQty.Sign() <= 0 {
		if err := tx.Delete(&models.Holding{}, h.ID).Error; err != nil {
			return xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to delete holding")
		}
		return nil
	}
	res := tx.Model(&models.Holding{}).
		Where("id = ?", h.ID).
		Updates(map[string]interface{}{"quantity": newQty, "updated_at": time.Now()})
	if res.Error != nil {
		return xerrors.Wrap(res.Error, xerrors.KindDownstreamUnavailable, "failed to update holding")
	}
	return nil
}
