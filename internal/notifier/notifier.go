// Package notifier pushes order updates to user-facing channels over Redis
// pub/sub. Delivery is best effort; the order journal stays authoritative.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novatrade/exchange/pkg/models"
)

// OrderUpdate is the payload pushed to a user's order channel.
type OrderUpdate struct {
	UserID      string          `json:"-"`
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        models.Side     `json:"side"`
	Status      string          `json:"status"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	Timestamp   int64           `json:"timestamp"`
}

// Notifier publishes order updates toward connected clients.
type Notifier interface {
	NotifyOrderStatus(ctx context.Context, update OrderUpdate) error
}

type envelope struct {
	Type string      `json:"type"`
	Data OrderUpdate `json:"data"`
}

// RedisNotifier publishes to the per-user channel user:{id}:orders.
type RedisNotifier struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisNotifier creates a notifier over client.
func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger}
}

// NotifyOrderStatus publishes the update. Nobody listening is not an error.
func (n *RedisNotifier) NotifyOrderStatus(ctx context.Context, update OrderUpdate) error {
	payload, err := json.Marshal(envelope{Type: "ORDER_STATUS", Data: update})
	if err != nil {
		return fmt.Errorf("failed to marshal order update: %w", err)
	}
	channel := fmt.Sprintf("user:%s:orders", update.UserID)
	if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
		n.logger.Warn("failed to publish order update",
			zap.String("channel", channel),
			zap.String("order_id", update.OrderID),
			zap.Error(err))
		return err
	}
	return nil
}

// NopNotifier drops every update. Used where no push channel is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyOrderStatus(context.Context, OrderUpdate) error { return nil }
