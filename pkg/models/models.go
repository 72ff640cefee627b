// Package models holds the persistent records shared by the settlement core:
// wallets, orders, holdings and applied fills.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes limit and market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the order lifecycle state.
//
// PENDING -> ACCEPTED -> {PARTIAL -> FILLED | CANCELLED}; PENDING -> REJECTED.
// REJECTED, CANCELLED and FILLED are terminal.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusAccepted  OrderStatus = "ACCEPTED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Wallet is one balance ledger row: per-user, per-currency available/locked
// funds. available+locked only moves through Reserve/Release/Settle; both
// columns stay non-negative.
type Wallet struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	UserID    string          `gorm:"size:64;uniqueIndex:idx_wallet_user_currency;not null" json:"user_id"`
	Currency  string          `gorm:"size:32;uniqueIndex:idx_wallet_user_currency;not null" json:"currency"`
	Available decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"available"`
	Locked    decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Order is one order journal row, keyed by (user_id, order_id). The journal
// is the source of truth for status and fill progress.
type Order struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	UserID    string          `gorm:"size:64;uniqueIndex:idx_order_user_order;index;not null" json:"user_id"`
	OrderID   string          `gorm:"size:64;uniqueIndex:idx_order_user_order;not null" json:"order_id"`
	Symbol    string          `gorm:"size:32;not null" json:"symbol"`
	Side      Side            `gorm:"size:8;not null" json:"side"`
	Type      OrderType       `gorm:"size:8;not null" json:"type"`
	Price     decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"price"`
	Quantity  decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"quantity"`
	FilledQty decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"filled_qty"`
	Status    OrderStatus     `gorm:"size:16;index;not null" json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Remaining is the unfilled quantity of the order.
func (o *Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Holding is one holdings ledger row: a per-user, per-symbol position with a
// weighted-average cost basis. Rows are deleted when quantity reaches zero.
type Holding struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	UserID    string          `gorm:"size:64;uniqueIndex:idx_holding_user_symbol;not null" json:"user_id"`
	Symbol    string          `gorm:"size:32;uniqueIndex:idx_holding_user_symbol;not null" json:"symbol"`
	Quantity  decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"quantity"`
	AvgPrice  decimal.Decimal `gorm:"type:decimal(32,16);not null" json:"avg_price"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AppliedFill records that a trade has been applied to an order's fill
// progress. The unique (trade_id, order_id) key is what absorbs at-least-once
// redelivery of fill events.
type AppliedFill struct {
	ID        uint            `gorm:"primaryKey"`
	TradeID   string          `gorm:"size:64;uniqueIndex:idx_fill_trade_order;not null"`
	OrderID   string          `gorm:"size:64;uniqueIndex:idx_fill_trade_order;not null"`
	UserID    string          `gorm:"size:64;not null"`
	Symbol    string          `gorm:"size:32;not null"`
	Price     decimal.Decimal `gorm:"type:decimal(32,16);not null"`
	Quantity  decimal.Decimal `gorm:"type:decimal(32,16);not null"`
	CreatedAt time.Time
}

// All lists every model for migration.
func All() []interface{} {
	return []interface{}{&Wallet{}, &Order{}, &Holding{}, &AppliedFill{}}
}
