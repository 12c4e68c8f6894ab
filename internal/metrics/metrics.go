// Package metrics exposes prometheus counters for the store's core
// operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PurchasesRecorded counts successful ledger appends.
	PurchasesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptstore",
		Name:      "purchases_recorded_total",
		Help:      "Number of purchase records appended to the ledger.",
	})

	// ShopTransfers counts successful shop role transfers.
	ShopTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptstore",
		Name:      "shop_transfers_total",
		Help:      "Number of shop role transfers.",
	})

	// RevealsServed counts successful reveal workflows.
	RevealsServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptstore",
		Name:      "reveals_served_total",
		Help:      "Number of purchases revealed to the shop.",
	})

	// GrantRejections counts decryption grants the registry refused.
	GrantRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cryptstore",
		Name:      "grant_rejections_total",
		Help:      "Number of decryption grants rejected by the registry.",
	})
)
