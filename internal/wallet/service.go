// Package wallet implements the balance ledger and the reservation service
// on top of it. Every write is a compare-and-swap conditioned on the
// previously read row, retried under a bounded policy; there are no
// pessimistic locks.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/novatrade/exchange/pkg/metrics"
	"github.com/novatrade/exchange/pkg/models"
	"github.com/novatrade/exchange/pkg/retry"
	"github.com/novatrade/exchange/pkg/xerrors"
)

// initAttempts caps lazy wallet creation retries before surfacing
// WALLET_INIT_FAIL.
const initAttempts = 2

// Config controls lazy wallet creation: the native currency receives
// InitialGrant on first touch, everything else starts at zero.
type Config struct {
	NativeCurrency string
	InitialGrant   decimal.Decimal
}

// Service is the reservation service over the balance ledger.
type Service struct {
	db        *gorm.DB
	logger    *zap.Logger
	cfg       Config
	casPolicy retry.Policy
}

// NewService creates a wallet service. A zero-valued casPolicy falls back to
// retry.DefaultCAS.
func NewService(db *gorm.DB, logger *zap.Logger, cfg Config, casPolicy retry.Policy) *Service {
	if casPolicy.Attempts == 0 {
		casPolicy = retry.DefaultCAS
	}
	return &Service{db: db, logger: logger, cfg: cfg, casPolicy: casPolicy}
}

// Get returns the wallet row, or a NOT_FOUND error.
func (s *Service) Get(ctx context.Context, userID, currency string) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND currency = ?", userID, currency).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, xerrors.Newf(xerrors.KindNotFound, "wallet %s/%s not found", userID, currency)
		}
		return nil, xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to read wallet")
	}
	return &w, nil
}

// GetOrInit returns the wallet row, lazily creating it with the currency's
// default grant. A concurrent creator winning the insert race is fine; the
// re-read picks up its row. Persistent failure surfaces WALLET_INIT_FAIL.
func (s *Service) GetOrInit(ctx context.Context, userID, currency string) (*models.Wallet, error) {
	for attempt := 0; attempt < initAttempts; attempt++ {
		w, err := s.Get(ctx, userID, currency)
		if err == nil {
			return w, nil
		}
		if !xerrors.IsKind(err, xerrors.KindNotFound) {
			return nil, err
		}

		grant := decimal.Zero
		if currency == s.cfg.NativeCurrency {
			grant = s.cfg.InitialGrant
		}
		now := time.Now()
		created := &models.Wallet{
			UserID:    userID,
			Currency:  currency,
			Available: grant,
			Locked:    decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.db.WithContext(ctx).Create(created).Error; err != nil {
			// Likely lost an insert race on the unique index; loop re-reads.
			s.logger.Warn("wallet init insert failed",
				zap.String("user_id", userID),
				zap.String("currency", currency),
				zap.Error(err))
			continue
		}
		s.logger.Info("wallet initialized",
			zap.String("user_id", userID),
			zap.String("currency", currency),
			zap.String("grant", grant.String()))
		return created, nil
	}
	return nil, xerrors.Newf(xerrors.KindWalletInitFail, "failed to initialize wallet %s/%s", userID, currency)
}

// ListByUser returns all wallet rows for a user.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*models.Wallet, error) {
	var wallets []*models.Wallet
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&wallets).Error; err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindDownstreamUnavailable, "failed to list wallets")
	}
	return wallets, nil
}

// Reserve moves amount from available to locked. No-op for amount <= 0.
// Fails with INSUFFICIENT_FUNDS (carrying the shortfall) when available is
// short, and with CONCURRENCY_CONFLICT when the CAS write keeps losing its
// race past the retry bound.
func (s *Service) Reserve(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}

	err := retry.Do(ctx, s.casPolicy, func() error {
		w, err := s.GetOrInit(ctx, userID, currency)
		if err != nil {
			return err
		}
		if w.Available.LessThan(amount) {
			short := amount.Sub(w.Available)
			return xerrors.Newf(xerrors.KindInsufficientFunds,
				"insufficient funds: available %s, required %s (short %s %s)",
				w.Available, amount, short, currency)
		}
		return s.swap(ctx, w, w.Available.Sub(amount), w.Locked.Add(amount))
	}, isConflict)

	if err != nil {
		return err
	}
	s.logger.Debug("funds reserved",
		zap.String("user_id", userID),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return nil
}

// Release moves amount from locked back to available, clamping locked at
// zero. No-op for amount <= 0 or a missing wallet. Callers own idempotency:
// they release remainders recomputed from the order journal, never cached
// literals.
func (s *Service) Release(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}

	return retry.Do(ctx, s.casPolicy, func() error {
		w, err := s.Get(ctx, userID, currency)
		if err != nil {
			if xerrors.IsKind(err, xerrors.KindNotFound) {
				return nil
			}
			return err
		}
		newLocked := w.Locked.Sub(amount)
		if newLocked.IsNegative() {
			newLocked = decimal.Zero
		}
		return s.swap(ctx, w, w.Available.Add(amount), newLocked)
	}, isConflict)
}

// FillTransfer describes the balance movement of one executed trade: the
// notional moves from the buyer's locked quote funds to the seller's
// available quote funds, and the quantity from the seller's locked base
// funds to the buyer's available base funds.
type FillTransfer struct {
	BuyerID  string
	SellerID string
	Symbol   string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// SettleFill applies the balance movement of one trade. Debits run before
// credits so a partial failure never creates money. A debit takes from the
// locked column first and charges any shortfall to available, which covers
// orders that reserved nothing (market buys) and orders whose remainder was
// already released by a racing cancellation. The caller treats errors as
// best-effort (journal and holdings stay authoritative).
func (s *Service) SettleFill(ctx context.Context, t FillTransfer) error {
	notional := t.Price.Mul(t.Quantity)
	quote := s.cfg.NativeCurrency

	if err := s.debit(ctx, t.BuyerID, quote, notional); err != nil {
		return fmt.Errorf("debit buyer %s/%s: %w", t.BuyerID, quote, err)
	}
	if err := s.debit(ctx, t.SellerID, t.Symbol, t.Quantity); err != nil {
		return fmt.Errorf("debit seller %s/%s: %w", t.SellerID, t.Symbol, err)
	}
	if err := s.credit(ctx, t.SellerID, quote, notional); err != nil {
		return fmt.Errorf("credit seller %s/%s: %w", t.SellerID, quote, err)
	}
	if err := s.credit(ctx, t.BuyerID, t.Symbol, t.Quantity); err != nil {
		return fmt.Errorf("credit buyer %s/%s: %w", t.BuyerID, t.Symbol, err)
	}
	return nil
}

// debit removes amount from the wallet, out of locked first and available
// for the remainder. A wallet that cannot cover the full amount fails with
// INSUFFICIENT_FUNDS; nothing is clamped away silently, so a debit that
// returns nil has moved exactly amount out of the wallet.
func (s *Service) debit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	return retry.Do(ctx, s.casPolicy, func() error {
		w, err := s.GetOrInit(ctx, userID, currency)
		if err != nil {
			return err
		}
		newLocked := w.Locked.Sub(amount)
		newAvailable := w.Available
		if newLocked.IsNegative() {
			newAvailable = newAvailable.Add(newLocked)
			newLocked = decimal.Zero
		}
		if newAvailable.IsNegative() {
			return xerrors.Newf(xerrors.KindInsufficientFunds,
				"debit of %s %s exceeds wallet %s/%s (available %s, locked %s)",
				amount, currency, userID, currency, w.Available, w.Locked)
		}
		return s.swap(ctx, w, newAvailable, newLocked)
	}, isConflict)
}

// credit adds amount to the wallet's available funds.
func (s *Service) credit(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return nil
	}
	return retry.Do(ctx, s.casPolicy, func() error {
		w, err := s.GetOrInit(ctx, userID, currency)
		if err != nil {
			return err
		}
		return s.swap(ctx, w, w.Available.Add(amount), w.Locked)
	}, isConflict)
}

// swap is the CAS primitive: the write only lands if the row still carries
// the values read into w. Zero rows affected means another writer won.
func (s *Service) swap(ctx context.Context, w *models.Wallet, newAvailable, newLocked decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&models.Wallet{}).
		Where("user_id = ? AND currency = ? AND available = ? AND locked = ?",
			w.UserID, w.Currency, w.Available, w.Locked).
		Updates(map[string]interface{}{
			"available":  newAvailable,
			"locked":     newLocked,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return xerrors.Wrap(res.Error, xerrors.KindDownstreamUnavailable, "failed to write wallet")
	}
	if res.RowsAffected == 0 {
		metrics.CASConflicts.Inc()
		return xerrors.Newf(xerrors.KindConcurrencyConflict,
			"wallet %s/%s changed concurrently", w.UserID, w.Currency)
	}
	return nil
}

func isConflict(err error) bool {
	return xerrors.IsKind(err, xerrors.KindConcurrencyConflict)
}
