package settlement

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/novatrade/exchange/internal/holdings"
	"github.com/novatrade/exchange/internal/messaging"
	"github.com/novatrade/exchange/internal/notifier"
	"github.com/novatrade/exchange/internal/orders"
	"github.com/novatrade/exchange/internal/wallet"
	"github.com/novatrade/exchange/pkg/models"
	"github.com/novatrade/exchange/pkg/retry"
	"github.com/novatrade/exchange/pkg/xerrors"
)

const testNative = "USDT"

type fakeNotifier struct {
	updates []notifier.OrderUpdate
}

func (f *fakeNotifier) NotifyOrderStatus(_ context.Context, update notifier.OrderUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

type fixture struct {
	db       *gorm.DB
	journal  *orders.Repository
	wallets  *wallet.Service
	holdings *holdings.Service
	notifier *fakeNotifier
	fills    *FillProcessor
	status   *StatusProcessor
}

func (f *fixture) seedWallet(t *testing.T, userID, currency string, available, locked int64) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.Wallet{
		UserID:    userID,
		Currency:  currency,
		Available: decimal.NewFromInt(available),
		Locked:    decimal.NewFromInt(locked),
	}).Error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))

	logger := zap.NewNop()
	journal := orders.NewRepository(db, logger)
	wallets := wallet.NewService(db, logger, wallet.Config{
		NativeCurrency: testNative,
		InitialGrant:   decimal.NewFromInt(1_000_000),
	}, retry.Policy{Attempts: 3, Backoff: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	holdingsSvc := holdings.NewService(db, logger)
	fn := &fakeNotifier{}

	return &fixture{
		db:       db,
		journal:  journal,
		wallets:  wallets,
		holdings: holdingsSvc,
		notifier: fn,
		fills:    NewFillProcessor(journal, wallets, holdingsSvc, logger),
		status:   NewStatusProcessor(journal, wallets, fn, testNative, logger),
	}
}

func (f *fixture) seedOrder(t *testing.T, userID, orderID string, side models.Side, price, qty int64) {
	t.Helper()
	require.NoError(t, f.journal.Create(context.Background(), &models.Order{
		UserID:   userID,
		OrderID:  orderID,
		Symbol:   "ACME",
		Side:     side,
		Type:     models.OrderTypeLimit,
		Price:    decimal.NewFromInt(price),
		Quantity: decimal.NewFromInt(qty),
		Status:   models.OrderStatusAccepted,
	}))
}

func encodeFill(t *testing.T, fill messaging.FillEvent) *messaging.ReceivedMessage {
	t.Helper()
	data, err := json.Marshal(struct {
		Event string `json:"event"`
		messaging.FillEvent
	}{Event: string(messaging.EventKindFill), FillEvent: fill})
	require.NoError(t, err)
	return &messaging.ReceivedMessage{Topic: "exchange.fills", Value: data}
}

func encodeStatus(t *testing.T, status messaging.StatusEvent) *messaging.ReceivedMessage {
	t.Helper()
	data, err := json.Marshal(struct {
		Event string `json:"event"`
		messaging.StatusEvent
	}{Event: string(messaging.EventKindOrderStatus), StatusEvent: status})
	require.NoError(t, err)
	return &messaging.ReceivedMessage{Topic: "exchange.order-status", Value: data}
}

func testFill(fullyFilled bool) messaging.FillEvent {
	return messaging.FillEvent{
		TradeID:   "t1",
		Symbol:    "ACME",
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromInt(10),
		Timestamp: time.Now().UnixMilli(),
		Buyer:     messaging.FillParty{UserID: "buyer", OrderID: "ob", FullyFilled: fullyFilled},
		Seller:    messaging.FillParty{UserID: "seller", OrderID: "os", FullyFilled: fullyFilled},
	}
}

func TestFillSettlesJournalHoldingsAndBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "buyer", "ob", models.SideBuy, 100, 10)
	f.seedOrder(t, "seller", "os", models.SideSell, 100, 10)
	require.NoError(t, f.wallets.Reserve(ctx, "buyer", testNative, decimal.NewFromInt(1000)))
	f.seedWallet(t, "seller", "ACME", 0, 10)

	require.NoError(t, f.fills.Handle(ctx, encodeFill(t, testFill(true))))

	buyOrder, err := f.journal.Get(ctx, "buyer", "ob")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, buyOrder.Status)
	require.True(t, buyOrder.FilledQty.Equal(decimal.NewFromInt(10)))

	sellOrder, err := f.journal.Get(ctx, "seller", "os")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, sellOrder.Status)

	h, err := f.holdings.Get(ctx, "buyer", "ACME")
	require.NoError(t, err)
	require.True(t, h.Quantity.Equal(decimal.NewFromInt(10)))
	require.True(t, h.AvgPrice.Equal(decimal.NewFromInt(100)))

	buyerQuote, err := f.wallets.Get(ctx, "buyer", testNative)
	require.NoError(t, err)
	require.True(t, buyerQuote.Locked.IsZero(), "buyer locked quote: %s", buyerQuote.Locked)

	sellerBase, err := f.wallets.Get(ctx, "seller", "ACME")
	require.NoError(t, err)
	require.True(t, sellerBase.Locked.IsZero())

	buyerBase, err := f.wallets.Get(ctx, "buyer", "ACME")
	require.NoError(t, err)
	require.True(t, buyerBase.Available.Equal(decimal.NewFromInt(10)))
}

func TestFillRedeliveryChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "buyer", "ob", models.SideBuy, 100, 10)
	f.seedOrder(t, "seller", "os", models.SideSell, 100, 10)
	require.NoError(t, f.wallets.Reserve(ctx, "buyer", testNative, decimal.NewFromInt(1000)))
	f.seedWallet(t, "seller", "ACME", 0, 10)

	msg := encodeFill(t, testFill(true))
	require.NoError(t, f.fills.Handle(ctx, msg))

	before, err := f.wallets.Get(ctx, "buyer", "ACME")
	require.NoError(t, err)

	require.NoError(t, f.fills.Handle(ctx, msg))

	buyOrder, err := f.journal.Get(ctx, "buyer", "ob")
	require.NoError(t, err)
	require.True(t, buyOrder.FilledQty.Equal(decimal.NewFromInt(10)), "filled once, not twice")

	h, err := f.holdings.Get(ctx, "buyer", "ACME")
	require.NoError(t, err)
	require.True(t, h.Quantity.Equal(decimal.NewFromInt(10)))

	after, err := f.wallets.Get(ctx, "buyer", "ACME")
	require.NoError(t, err)
	require.True(t, after.Available.Equal(before.Available), "no second balance transfer")
}

func TestFillRedeliveryAfterPositionWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "buyer", "ob", models.SideBuy, 100, 10)
	f.seedOrder(t, "seller", "os", models.SideSell, 100, 10)
	require.NoError(t, f.wallets.Reserve(ctx, "buyer", testNative, decimal.NewFromInt(1000)))
	f.seedWallet(t, "seller", "ACME", 0, 10)

	// Take the position store down for the first delivery.
	require.NoError(t, f.db.Migrator().DropTable(&models.Holding{}))
	msg := encodeFill(t, testFill(true))
	require.Error(t, f.fills.Handle(ctx, msg), "the record must stay uncommitted")

	// The journal write rolled back with the failed position write.
	buyOrder, err := f.journal.Get(ctx, "buyer", "ob")
	require.NoError(t, err)
	require.True(t, buyOrder.FilledQty.IsZero(), "filled_qty: %s", buyOrder.FilledQty)

	// Store recovers; the redelivered record applies everything once.
	require.NoError(t, f.db.AutoMigrate(&models.Holding{}))
	require.NoError(t, f.fills.Handle(ctx, msg))

	buyOrder, err = f.journal.Get(ctx, "buyer", "ob")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, buyOrder.Status)
	require.True(t, buyOrder.FilledQty.Equal(decimal.NewFromInt(10)))

	h, err := f.holdings.Get(ctx, "buyer", "ACME")
	require.NoError(t, err)
	require.True(t, h.Quantity.Equal(decimal.NewFromInt(10)), "the position reflects the trade exactly once")

	w, err := f.wallets.Get(ctx, "buyer", testNative)
	require.NoError(t, err)
	require.True(t, w.Locked.IsZero(), "the notional moved exactly once: %s", w.Locked)
}

func TestFillSkipsForeignEventKinds(t *testing.T) {
	f := newFixture(t)
	msg := encodeStatus(t, messaging.StatusEvent{OrderID: "o1", UserID: "u1", Status: "CANCELLED"})
	require.NoError(t, f.fills.Handle(context.Background(), msg))
}

func TestFillDropsUndecodableRecord(t *testing.T) {
	f := newFixture(t)
	msg := &messaging.ReceivedMessage{Value: []byte("not json")}
	require.NoError(t, f.fills.Handle(context.Background(), msg), "a poison record must not wedge the partition")
}

func TestFillUnknownOrderLeavesOffsetUncommitted(t *testing.T) {
	f := newFixture(t)
	err := f.fills.Handle(context.Background(), encodeFill(t, testFill(false)))
	require.True(t, xerrors.IsKind(err, xerrors.KindNotFound))
}

func TestCancelReleasesRemainingNotional(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "buyer", "ob", models.SideBuy, 100, 10)
	require.NoError(t, f.wallets.Reserve(ctx, "buyer", testNative, decimal.NewFromInt(1000)))

	// 4 of 10 filled before the cancellation.
	applied, err := f.journal.ApplyFill(ctx, orders.ApplyFillParams{
		TradeID: "t1", UserID: "buyer", OrderID: "ob", Symbol: "ACME",
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(4),
	}, nil)
	require.NoError(t, err)
	require.True(t, applied)

	msg := encodeStatus(t, messaging.StatusEvent{OrderID: "ob", UserID: "buyer", Symbol: "ACME", Status: "CANCELLED"})
	require.NoError(t, f.status.Handle(ctx, msg))

	w, err := f.wallets.Get(ctx, "buyer", testNative)
	require.NoError(t, err)
	// 600 released for the 6 unfilled units; 400 stays locked for the
	// fill whose balance transfer settles separately.
	require.True(t, w.Locked.Equal(decimal.NewFromInt(400)), "locked: %s", w.Locked)

	order, err := f.journal.Get(ctx, "buyer", "ob")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, order.Status)

	// Redelivery finds a terminal order and releases nothing more.
	require.NoError(t, f.status.Handle(ctx, msg))
	w, err = f.wallets.Get(ctx, "buyer", testNative)
	require.NoError(t, err)
	require.True(t, w.Locked.Equal(decimal.NewFromInt(400)))
}

func TestCancelSellReleasesBaseQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "seller", "os", models.SideSell, 100, 10)
	f.seedWallet(t, "seller", "ACME", 0, 10)

	msg := encodeStatus(t, messaging.StatusEvent{OrderID: "os", UserID: "seller", Symbol: "ACME", Status: "CANCELLED"})
	require.NoError(t, f.status.Handle(ctx, msg))

	w, err := f.wallets.Get(ctx, "seller", "ACME")
	require.NoError(t, err)
	require.True(t, w.Locked.IsZero())
	require.True(t, w.Available.Equal(decimal.NewFromInt(10)))
}

func TestCancelAfterFullFillReleasesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "buyer", "ob", models.SideBuy, 100, 10)
	require.NoError(t, f.wallets.Reserve(ctx, "buyer", testNative, decimal.NewFromInt(1000)))

	applied, err := f.journal.ApplyFill(ctx, orders.ApplyFillParams{
		TradeID: "t1", UserID: "buyer", OrderID: "ob", Symbol: "ACME",
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10), FullyFilled: true,
	}, nil)
	require.NoError(t, err)
	require.True(t, applied)

	msg := encodeStatus(t, messaging.StatusEvent{OrderID: "ob", UserID: "buyer", Symbol: "ACME", Status: "CANCELLED"})
	require.NoError(t, f.status.Handle(ctx, msg))

	order, err := f.journal.Get(ctx, "buyer", "ob")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, order.Status, "a filled order stays filled")

	w, err := f.wallets.Get(ctx, "buyer", testNative)
	require.NoError(t, err)
	require.True(t, w.Locked.Equal(decimal.NewFromInt(1000)), "nothing released")
}

func TestFilledStatusNotifiesUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "buyer", "ob", models.SideBuy, 100, 10)

	msg := encodeStatus(t, messaging.StatusEvent{OrderID: "ob", UserID: "buyer", Symbol: "ACME", Status: "FILLED"})
	require.NoError(t, f.status.Handle(ctx, msg))

	require.Len(t, f.notifier.updates, 1)
	update := f.notifier.updates[0]
	require.Equal(t, "ob", update.OrderID)
	require.Equal(t, "FILLED", update.Status)
	require.Equal(t, models.SideBuy, update.Side)

	order, err := f.journal.Get(ctx, "buyer", "ob")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, order.Status)
}

func TestUnknownStatusSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedOrder(t, "buyer", "ob", models.SideBuy, 100, 10)

	msg := encodeStatus(t, messaging.StatusEvent{OrderID: "ob", UserID: "buyer", Status: "HALTED"})
	require.NoError(t, f.status.Handle(ctx, msg))

	order, err := f.journal.Get(ctx, "buyer", "ob")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusAccepted, order.Status)
}
