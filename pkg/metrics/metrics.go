// Package metrics exposes prometheus counters for the settlement flow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersSubmitted counts orders accepted by the coordinator, by side.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_submitted_total",
		Help: "Orders accepted by the submission coordinator",
	}, []string{"side", "type"})

	// OrdersRejected counts submissions that failed, by error kind.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Order submissions rejected before reaching the engine",
	}, []string{"reason"})

	// FillsSettled counts fill events fully applied by the fill processor.
	FillsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_fills_settled_total",
		Help: "Fill events applied to the journal and holdings",
	})

	// DuplicateEvents counts redelivered events absorbed without effect.
	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_duplicate_events_total",
		Help: "At-least-once redeliveries absorbed by trade-id dedup",
	})

	// CASConflicts counts optimistic-lock retries on the balance ledger.
	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_balance_cas_conflicts_total",
		Help: "Compare-and-swap conflicts observed on wallet writes",
	})

	// ReleasesApplied counts cancellation fund releases.
	ReleasesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_releases_applied_total",
		Help: "Reserved funds released after cancellation or rejection",
	})
)
