package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/novatrade/exchange/internal/coordinator"
	"github.com/novatrade/exchange/internal/messaging"
	"github.com/novatrade/exchange/pkg/models"
)

type captureProducer struct {
	messages []messaging.OrderMessage
}

func (p *captureProducer) Publish(_ context.Context, _ messaging.Topic, _ string, message interface{}) error {
	p.messages = append(p.messages, message.(messaging.OrderMessage))
	return nil
}

func (p *captureProducer) Close() error { return nil }

// Submission through the coordinator, execution by a pretend engine, and
// settlement by the fill processor, end to end.
func TestSubmitMatchSettleRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	producer := &captureProducer{}
	coord := coordinator.NewService(f.wallets, f.journal, producer, coordinator.Config{
		OrdersTopic:    "exchange.orders",
		NativeCurrency: testNative,
	}, zap.NewNop())

	// Seller owns 10 base units before listing them.
	f.seedWallet(t, "seller", "ACME", 10, 0)

	buyOrder, err := coord.PlaceOrder(ctx, coordinator.PlaceOrderRequest{
		UserID: "buyer", Symbol: "ACME", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	sellOrder, err := coord.PlaceOrder(ctx, coordinator.PlaceOrderRequest{
		UserID: "seller", Symbol: "ACME", Side: models.SideSell, Type: models.OrderTypeLimit,
		Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	require.Len(t, producer.messages, 2)

	buyerQuote, err := f.wallets.Get(ctx, "buyer", testNative)
	require.NoError(t, err)
	require.True(t, buyerQuote.Locked.Equal(decimal.NewFromInt(1000)))

	// The engine matches the two orders in full.
	fill := messaging.FillEvent{
		TradeID:   "t-e2e",
		Symbol:    "ACME",
		Price:     decimal.NewFromInt(100),
		Quantity:  decimal.NewFromInt(10),
		Timestamp: time.Now().UnixMilli(),
		Buyer:     messaging.FillParty{UserID: "buyer", OrderID: buyOrder.OrderID, FullyFilled: true},
		Seller:    messaging.FillParty{UserID: "seller", OrderID: sellOrder.OrderID, FullyFilled: true},
	}
	require.NoError(t, f.fills.Handle(ctx, encodeFill(t, fill)))

	got, err := f.journal.Get(ctx, "buyer", buyOrder.OrderID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusFilled, got.Status)
	require.True(t, got.FilledQty.Equal(decimal.NewFromInt(10)))

	h, err := f.holdings.Get(ctx, "buyer", "ACME")
	require.NoError(t, err)
	require.True(t, h.Quantity.Equal(decimal.NewFromInt(10)))
	require.True(t, h.AvgPrice.Equal(decimal.NewFromInt(100)))

	buyerQuote, err = f.wallets.Get(ctx, "buyer", testNative)
	require.NoError(t, err)
	require.True(t, buyerQuote.Locked.IsZero(), "buyer's 1000 locked quote units are spent")

	buyerBase, err := f.wallets.Get(ctx, "buyer", "ACME")
	require.NoError(t, err)
	require.True(t, buyerBase.Available.Equal(decimal.NewFromInt(10)), "buyer received the base units")

	sellerQuote, err := f.wallets.Get(ctx, "seller", testNative)
	require.NoError(t, err)
	require.True(t, sellerQuote.Available.Equal(decimal.NewFromInt(1_001_000)),
		"seller received the notional on top of the initial grant")

	sellerBase, err := f.wallets.Get(ctx, "seller", "ACME")
	require.NoError(t, err)
	require.True(t, sellerBase.Locked.IsZero())
	require.True(t, sellerBase.Available.IsZero())
}
