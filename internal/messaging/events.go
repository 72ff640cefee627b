package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventKind discriminates engine egress events. The fills and status streams
// are shared with other event kinds; consumers skip what they don't handle.
type EventKind string

const (
	EventKindFill        EventKind = "FILL"
	EventKindOrderStatus EventKind = "ORDER_STATUS"
)

// OrderAction is the engine ingress action.
type OrderAction string

const (
	ActionAdd    OrderAction = "ADD"
	ActionCancel OrderAction = "CANCEL"
)

// OrderMessage is the engine ingress record, published with the symbol as
// partition key so same-symbol orders keep their relative order.
type OrderMessage struct {
	Action     OrderAction       `json:"action"`
	OrderID    string            `json:"order_id"`
	UserID     string            `json:"user_id"`
	Symbol     string            `json:"symbol"`
	IsBuy      bool              `json:"is_buy"`
	Price      decimal.Decimal   `json:"price"`
	Quantity   decimal.Decimal   `json:"quantity"`
	OrderType  string            `json:"order_type"`
	Timestamp  int64             `json:"timestamp"`
	Conditions map[string]string `json:"conditions,omitempty"`
}

// FillParty identifies one side of a trade.
type FillParty struct {
	UserID      string `json:"user_id"`
	OrderID     string `json:"order_id"`
	FullyFilled bool   `json:"fully_filled"`
}

// FillEvent is an engine egress trade execution, keyed by TradeID for dedup.
type FillEvent struct {
	TradeID   string          `json:"trade_id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"`
	Buyer     FillParty       `json:"buyer"`
	Seller    FillParty       `json:"seller"`
}

// StatusEvent is an engine egress order status change.
type StatusEvent struct {
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	Symbol    string `json:"symbol"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EngineEvent is the decoded union of engine egress records. Exactly one of
// Fill/Status is set, matching Kind; unknown kinds decode with both nil so
// consumers can skip them without re-parsing.
type EngineEvent struct {
	Kind   EventKind
	Fill   *FillEvent
	Status *StatusEvent
}

type eventEnvelope struct {
	Event string `json:"event"`
}

// DecodeEngineEvent decodes an engine egress record at the transport
// boundary into the tagged union.
func DecodeEngineEvent(data []byte) (*EngineEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event envelope: %w", err)
	}

	ev := &EngineEvent{Kind: EventKind(env.Event)}
	switch ev.Kind {
	case EventKindFill:
		var fill FillEvent
		if err := json.Unmarshal(data, &fill); err != nil {
			return nil, fmt.Errorf("failed to decode fill event: %w", err)
		}
		ev.Fill = &fill
	case EventKindOrderStatus:
		var status StatusEvent
		if err := json.Unmarshal(data, &status); err != nil {
			return nil, fmt.Errorf("failed to decode status event: %w", err)
		}
		ev.Status = &status
	}
	return ev, nil
}
