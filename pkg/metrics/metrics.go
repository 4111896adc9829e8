// Package metrics exposes prometheus collectors for the exchange core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersPlaced counts accepted orders by type and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Orders accepted, by order type and side.",
	}, []string{"type", "side"})

	// OrdersFilled counts settled orders by type.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_filled_total",
		Help: "Orders settled, by order type.",
	}, []string{"type"})

	// OrdersCancelled counts cancelled orders.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_orders_cancelled_total",
		Help: "Orders cancelled by users.",
	})

	// SchedulerCycles counts matching sweep cycles.
	SchedulerCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_scheduler_cycles_total",
		Help: "Completed matching sweep cycles.",
	})

	// SchedulerErrors counts per-order evaluation failures inside sweeps.
	SchedulerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_scheduler_errors_total",
		Help: "Order evaluation failures during matching sweeps.",
	})

	// WebhooksRejected counts gateway webhooks rejected before processing.
	WebhooksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_webhooks_rejected_total",
		Help: "Gateway webhooks rejected, by gateway and reason.",
	}, []string{"gateway", "reason"})

	// LedgerConflicts counts optimistic-concurrency retries in the ledger.
	LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_ledger_conflicts_total",
		Help: "Balance updates retried after losing an optimistic concurrency race.",
	})
)
